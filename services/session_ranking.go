package services

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"jackpot-round-system/models"
)

type RankingEntry struct {
	Player          string    `json:"player"`
	BestScore       int       `json:"best_score"`
	FirstAchievedAt time.Time `json:"first_achieved_at"`
}

// SessionRanking is the per-round best-score board. It is a disposable view
// of the current round's submissions and is cleared whenever a round closes.
type SessionRanking struct {
	mu      sync.Mutex
	roundID string
	seen    int
	entries map[string]RankingEntry
}

func NewSessionRanking() *SessionRanking {
	return &SessionRanking{entries: map[string]RankingEntry{}}
}

func (r *SessionRanking) reset(roundID string) {
	r.roundID = roundID
	r.seen = 0
	r.entries = map[string]RankingEntry{}
}

func (r *SessionRanking) apply(sub models.Submission) {
	r.seen++
	if sub.Score >= models.MaxScore {
		// jackpots close the round, they never rank
		return
	}
	cur, ok := r.entries[sub.Player]
	if ok && sub.Score <= cur.BestScore {
		return
	}
	r.entries[sub.Player] = RankingEntry{
		Player:          sub.Player,
		BestScore:       sub.Score,
		FirstAchievedAt: sub.Timestamp,
	}
}

func (r *SessionRanking) SubmissionRecorded(round *models.Round, sub models.Submission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// rebuild when another instance appended to the round since we last looked
	if round.RoundID != r.roundID || len(round.Submissions) != r.seen+1 {
		r.rebuild(round)
		return
	}
	r.apply(sub)
}

func (r *SessionRanking) RoundClosed(*models.Round) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset("")
}

// Sync brings the view in line with round, which may have been written by
// another instance. A nil round clears it.
func (r *SessionRanking) Sync(round *models.Round) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if round == nil {
		r.reset("")
		return
	}
	if round.RoundID == r.roundID && len(round.Submissions) == r.seen {
		return
	}
	r.rebuild(round)
}

func (r *SessionRanking) rebuild(round *models.Round) {
	r.reset(round.RoundID)
	for _, sub := range round.Submissions {
		r.apply(sub)
	}
}

func (r *SessionRanking) RoundID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roundID
}

// Entries returns the board ordered by best score, then by who got there first.
func (r *SessionRanking) Entries() []RankingEntry {
	r.mu.Lock()
	out := make([]RankingEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b RankingEntry) int {
		if c := cmp.Compare(b.BestScore, a.BestScore); c != 0 {
			return c
		}
		if c := a.FirstAchievedAt.Compare(b.FirstAchievedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Player, b.Player)
	})
	return out
}
