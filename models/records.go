// models/records.go
package models

import "time"

// CurrentRoundSlot is the key of the single current-round row.
const CurrentRoundSlot = "current"

// CurrentRoundRecord holds the open round as a JSON payload.
// Table name: current_rounds
type CurrentRoundRecord struct {
	Slot      string    `gorm:"primaryKey;type:varchar(32)"`
	RoundID   string    `gorm:"type:varchar(64);not null"`
	Version   int64     `gorm:"not null"` // bumped on every write, used for compare-and-swap
	Payload   string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CurrentRoundRecord) TableName() string { return "current_rounds" }

// RoundHistoryRecord is one archived round.
// Table name: round_history
type RoundHistoryRecord struct {
	RoundID      string    `gorm:"primaryKey;type:varchar(64)"`
	ClosedAt     time.Time `gorm:"not null;index"`
	WinnerPlayer string    `gorm:"type:varchar(128);index"`
	WinType      string    `gorm:"type:varchar(32)"`
	Payload      string    `gorm:"type:text;not null"`
}

func (RoundHistoryRecord) TableName() string { return "round_history" }

// SubmissionRecord maps a submission id to the round that recorded it, so a
// retried id is recognised after its round has been archived.
// Table name: round_submissions
type SubmissionRecord struct {
	SubmissionID string    `gorm:"primaryKey;type:varchar(128)"`
	RoundID      string    `gorm:"type:varchar(64);not null;index"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (SubmissionRecord) TableName() string { return "round_submissions" }
