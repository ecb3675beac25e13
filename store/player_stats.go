package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jackpot-round-system/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func (s *RoundStore) mutatePlayerStats(ctx context.Context, player string, fn func(*models.PlayerStats)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stats models.PlayerStats
		err := tx.Where("player = ?", player).Take(&stats).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			stats = models.PlayerStats{Player: player}
		} else if err != nil {
			return err
		}
		fn(&stats)
		return tx.Save(&stats).Error
	})
}

// RecordGame counts one played game for player.
func (s *RoundStore) RecordGame(ctx context.Context, player string, score int, at time.Time) error {
	if err := s.mutatePlayerStats(ctx, player, func(p *models.PlayerStats) {
		p.AddGame(score, at.UTC())
	}); err != nil {
		return fmt.Errorf("record game for %s: %w", player, err)
	}
	return nil
}

// RecordWin credits a round prize to player.
func (s *RoundStore) RecordWin(ctx context.Context, player string, prize decimal.Decimal) error {
	if err := s.mutatePlayerStats(ctx, player, func(p *models.PlayerStats) {
		p.AddWin(prize)
	}); err != nil {
		return fmt.Errorf("record win for %s: %w", player, err)
	}
	return nil
}

func (s *RoundStore) PlayerStats(ctx context.Context, player string) (*models.PlayerStats, error) {
	var stats models.PlayerStats
	err := s.db.WithContext(ctx).Where("player = ?", player).Take(&stats).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load stats for %s: %w", player, err)
	}
	return &stats, nil
}

// LeaderboardLimit caps TopPlayers.
const LeaderboardLimit = 100

// TopPlayers returns the players with the largest total winnings, then the
// most wins.
func (s *RoundStore) TopPlayers(ctx context.Context, limit int) ([]models.PlayerStats, error) {
	if limit <= 0 || limit > LeaderboardLimit {
		limit = LeaderboardLimit
	}
	var out []models.PlayerStats
	if err := s.db.WithContext(ctx).
		Order("total_winnings DESC, games_won DESC, player ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load player leaderboard: %w", err)
	}
	return out, nil
}

// RebuildPlayerStats replaces all aggregates with ones derived from the
// retained round history.
func (s *RoundStore) RebuildPlayerStats(ctx context.Context) (int, error) {
	rounds, err := s.History(ctx, models.HistoryLimit)
	if err != nil {
		return 0, err
	}

	byPlayer := map[string]*models.PlayerStats{}
	get := func(player string) *models.PlayerStats {
		p, ok := byPlayer[player]
		if !ok {
			p = &models.PlayerStats{Player: player}
			byPlayer[player] = p
		}
		return p
	}
	for _, r := range rounds {
		for _, sub := range r.Submissions {
			get(sub.Player).AddGame(sub.Score, sub.Timestamp.UTC())
		}
		if r.Winner != nil {
			get(r.Winner.Player).AddWin(r.Winner.Prize)
		}
	}

	rows := make([]models.PlayerStats, 0, len(byPlayer))
	for _, p := range byPlayer {
		rows = append(rows, *p)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.PlayerStats{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 100).Error
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild player stats: %w", err)
	}
	s.log.Info().Int("players", len(rows)).Int("rounds", len(rounds)).Msg("player stats rebuilt from history")
	return len(rows), nil
}
