package store

import (
	"context"
	"testing"
	"time"

	"jackpot-round-system/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordGameAndWin(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordGame(ctx, "A", 70, base))
	require.NoError(t, s.RecordGame(ctx, "A", 95, base.Add(time.Minute)))
	require.NoError(t, s.RecordGame(ctx, "A", 40, base.Add(2*time.Minute)))
	require.NoError(t, s.RecordGame(ctx, "A", 10, base.Add(3*time.Minute)))
	require.NoError(t, s.RecordWin(ctx, "A", decimal.RequireFromString("1.5")))

	st, err := s.PlayerStats(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.GamesPlayed)
	assert.Equal(t, int64(1), st.GamesWon)
	assert.Equal(t, 95, st.BestScore)
	assert.InDelta(t, 25.0, st.WinRate, 0.0001)
	assert.True(t, st.TotalWinnings.Equal(decimal.RequireFromString("1.5")))

	_, err = s.PlayerStats(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRebuildPlayerStatsFromHistory(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// stale aggregate that the rebuild must discard
	require.NoError(t, s.RecordGame(ctx, "ghost", 10, base))

	r := openRound("round_1", base)
	_, err := s.CreateCurrent(ctx, r)
	require.NoError(t, err)
	prize := decimal.RequireFromString("3")
	r.Submissions = []models.Submission{
		{ID: "1", Player: "A", Score: 70, Timestamp: base},
		{ID: "2", Player: "B", Score: 95, Timestamp: base.Add(time.Second), Prize: prize},
		{ID: "3", Player: "A", Score: 80, Timestamp: base.Add(2 * time.Second)},
	}
	r.Winner = &models.SettlementOutcome{Player: "B", Score: 95, Prize: prize, WinType: models.WinTypeHighestScore}
	closedAt := r.EndTime
	r.ClosedAt = &closedAt
	require.NoError(t, s.CloseRound(ctx, r, nil))

	n, err := s.RebuildPlayerStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a, err := s.PlayerStats(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.GamesPlayed)
	assert.Equal(t, 80, a.BestScore)
	assert.Zero(t, a.GamesWon)

	b, err := s.PlayerStats(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.GamesWon)
	assert.InDelta(t, 100.0, b.WinRate, 0.0001)
	assert.True(t, b.TotalWinnings.Equal(prize))

	_, err = s.PlayerStats(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTopPlayersOrderedByWinnings(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"A", "B", "C", "D"} {
		require.NoError(t, s.RecordGame(ctx, p, 50, base))
	}
	require.NoError(t, s.RecordWin(ctx, "B", decimal.RequireFromString("12.5")))
	require.NoError(t, s.RecordWin(ctx, "C", decimal.RequireFromString("2.25")))
	require.NoError(t, s.RecordWin(ctx, "A", decimal.RequireFromString("2.25")))
	require.NoError(t, s.RecordWin(ctx, "A", decimal.RequireFromString("0")))

	top, err := s.TopPlayers(ctx, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "B", top[0].Player)
	// equal winnings: more wins first
	assert.Equal(t, "A", top[1].Player)
	assert.Equal(t, "C", top[2].Player)
}
