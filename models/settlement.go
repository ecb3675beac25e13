// models/settlement.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SettlementPending   = "pending"   // recorded at close, transfer not acknowledged yet
	SettlementAccepted  = "accepted"  // transfer accepted by the network
	SettlementConfirmed = "confirmed" // transfer finalized
	SettlementFailed    = "failed"    // rejected; needs manual follow-up
)

// Settlement is the payout ledger entry for a closed round.
// At most one row exists per round (unique round_id).
type Settlement struct {
	ID             string              `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RoundID        string              `gorm:"type:varchar(64);not null;uniqueIndex" json:"round_id"`
	Player         string              `gorm:"type:varchar(128);not null;index" json:"player"`
	Score          int                 `gorm:"not null" json:"score"`
	WinType        string              `gorm:"type:varchar(32);not null" json:"win_type"`
	Amount         decimal.Decimal     `gorm:"type:numeric(20,9);not null" json:"amount"`
	ActualAmount   decimal.NullDecimal `gorm:"type:numeric(20,9)" json:"actual_amount"`
	Status         string              `gorm:"type:varchar(16);not null;index" json:"status"`
	TransactionRef string              `gorm:"type:varchar(128)" json:"transaction_ref,omitempty"`
	Error          string              `gorm:"type:text" json:"error,omitempty"`
	Attempts       int                 `gorm:"not null;default:0" json:"attempts"`
	AcceptedAt     *time.Time          `json:"accepted_at,omitempty"`
	ConfirmedAt    *time.Time          `json:"confirmed_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Settled is true once the transfer was at least accepted.
func (s *Settlement) Settled() bool {
	return s.Status == SettlementAccepted || s.Status == SettlementConfirmed
}

func (s *Settlement) MarkAccepted(ref string, actual decimal.NullDecimal, at time.Time) {
	if s.Status == SettlementConfirmed {
		return
	}
	s.Status = SettlementAccepted
	s.applyTransfer(ref, actual)
	if s.AcceptedAt == nil {
		s.AcceptedAt = &at
	}
	s.Error = ""
}

func (s *Settlement) MarkConfirmed(ref string, actual decimal.NullDecimal, at time.Time) {
	s.Status = SettlementConfirmed
	s.applyTransfer(ref, actual)
	if s.AcceptedAt == nil {
		s.AcceptedAt = &at
	}
	s.ConfirmedAt = &at
	s.Error = ""
}

func (s *Settlement) MarkFailed(reason string) {
	if s.Settled() {
		return
	}
	s.Status = SettlementFailed
	s.Error = reason
}

func (s *Settlement) applyTransfer(ref string, actual decimal.NullDecimal) {
	if ref != "" {
		s.TransactionRef = ref
	}
	if actual.Valid {
		s.ActualAmount = actual
	}
}
