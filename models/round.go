// models/round.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	MinScore = 0
	MaxScore = 100

	// RoundDuration is fixed for every round.
	RoundDuration = 24 * time.Hour

	// HistoryLimit is how many closed rounds are kept for display, newest first.
	HistoryLimit = 10
)

const (
	WinTypeJackpot      = "jackpot"
	WinTypeHighestScore = "highest_score"
)

// Submission is one completed game attempt.
type Submission struct {
	ID        string          `json:"id"`
	Player    string          `json:"player"`
	Score     int             `json:"score"`
	Timestamp time.Time       `json:"timestamp"`
	Prize     decimal.Decimal `json:"prize"` // zero unless this submission won the round
}

// SettlementOutcome is the winner of a closed round.
type SettlementOutcome struct {
	Player  string          `json:"player"`
	Score   int             `json:"score"`
	Prize   decimal.Decimal `json:"prize"`
	WinType string          `json:"win_type"`
}

// Round is one timed competition window.
//
// PrizePool is the last observed treasury balance and is for display only.
// CollectedFees is a best-effort running total of entry fees. Neither is ever
// used to compute a payout; the prize is read from the ledger at close time.
type Round struct {
	RoundID       string             `json:"round_id"`
	StartTime     time.Time          `json:"start_time"`
	EndTime       time.Time          `json:"end_time"`
	PrizePool     decimal.Decimal    `json:"prize_pool"`
	CollectedFees decimal.Decimal    `json:"collected_fees"`
	Submissions   []Submission       `json:"submissions"`
	Winner        *SettlementOutcome `json:"winner,omitempty"`
	ClosedAt      *time.Time         `json:"closed_at,omitempty"`

	// Version of the durable current-round record this copy was read from.
	Version int64 `json:"-"`
}

func (r *Round) Closed() bool {
	return r.Winner != nil || r.ClosedAt != nil
}

func (r *Round) Expired(now time.Time) bool {
	return !now.Before(r.EndTime)
}

// SecondsRemaining is the countdown shown to players, never negative.
func (r *Round) SecondsRemaining(now time.Time) int64 {
	left := r.EndTime.Sub(now)
	if left <= 0 {
		return 0
	}
	return int64(left / time.Second)
}

func (r *Round) HasSubmission(id string) bool {
	for _, s := range r.Submissions {
		if s.ID == id {
			return true
		}
	}
	return false
}

// HasPendingJackpot reports a perfect score recorded in a round that has not
// been closed yet, which happens when the close could not read the balance.
func (r *Round) HasPendingJackpot() bool {
	if r.Closed() {
		return false
	}
	for _, s := range r.Submissions {
		if s.Score == MaxScore {
			return true
		}
	}
	return false
}
