// models/player_stats.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlayerStats are cosmetic per-player aggregates. They can be rebuilt from
// round history and are never consulted for payouts.
type PlayerStats struct {
	Player        string          `gorm:"primaryKey;type:varchar(128)" json:"player"`
	TotalWinnings decimal.Decimal `gorm:"type:numeric(20,9);not null;default:0" json:"total_winnings"`
	GamesPlayed   int64           `gorm:"not null;default:0" json:"games_played"`
	GamesWon      int64           `gorm:"not null;default:0" json:"games_won"`
	BestScore     int             `gorm:"not null;default:0" json:"best_score"`
	WinRate       float64         `gorm:"not null;default:0" json:"win_rate"` // percent
	LastPlayedAt  *time.Time      `json:"last_played_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (p *PlayerStats) AddGame(score int, at time.Time) {
	p.GamesPlayed++
	if score > p.BestScore {
		p.BestScore = score
	}
	if p.LastPlayedAt == nil || at.After(*p.LastPlayedAt) {
		p.LastPlayedAt = &at
	}
	p.refreshWinRate()
}

func (p *PlayerStats) AddWin(prize decimal.Decimal) {
	p.GamesWon++
	p.TotalWinnings = p.TotalWinnings.Add(prize)
	p.refreshWinRate()
}

func (p *PlayerStats) refreshWinRate() {
	if p.GamesPlayed == 0 {
		p.WinRate = 0
		return
	}
	p.WinRate = float64(p.GamesWon) / float64(p.GamesPlayed) * 100
}
