package workers

import (
	"context"
	"errors"
	"time"

	"jackpot-round-system/models"
	"jackpot-round-system/payout"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// SettlementLedger is the part of the round store the worker needs.
type SettlementLedger interface {
	UnconfirmedSettlements(ctx context.Context, pendingBefore time.Time, limit int) ([]models.Settlement, error)
	UpdateSettlement(ctx context.Context, s *models.Settlement) error
}

// TransferLookup reports the state of a transfer by reference.
type TransferLookup interface {
	Lookup(ctx context.Context, reference string) (payout.Receipt, error)
}

// SettlementConfirmer follows accepted transfers until the payout service
// reports them final, and resolves pending ones whose close timed out.
type SettlementConfirmer struct {
	Ledger    SettlementLedger
	Transfers TransferLookup
	Clock     clockwork.Clock
	// PendingGrace is how long a pending settlement is left alone before it
	// is looked up; the close may still be waiting on it.
	PendingGrace time.Duration
	BatchSize    int
	Log          zerolog.Logger
}

func NewSettlementConfirmer(ledger SettlementLedger, transfers TransferLookup, clock clockwork.Clock, grace time.Duration, logger zerolog.Logger) *SettlementConfirmer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SettlementConfirmer{
		Ledger:       ledger,
		Transfers:    transfers,
		Clock:        clock,
		PendingGrace: grace,
		BatchSize:    50,
		Log:          logger.With().Str("component", "confirmations").Logger(),
	}
}

// Run polls every interval until ctx is cancelled.
func (w *SettlementConfirmer) Run(ctx context.Context, interval time.Duration) {
	w.Log.Info().Dur("interval", interval).Msg("settlement confirmation started")
	ticker := w.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Log.Info().Msg("settlement confirmation stopped")
			return
		case <-ticker.Chan():
			if _, err := w.ConfirmOnce(ctx); err != nil && ctx.Err() == nil {
				w.Log.Error().Err(err).Msg("settlement confirmation pass failed")
			}
		}
	}
}

// ConfirmOnce checks one batch and returns how many settlements changed.
func (w *SettlementConfirmer) ConfirmOnce(ctx context.Context) (int, error) {
	now := w.Clock.Now().UTC()
	batch, err := w.Ledger.UnconfirmedSettlements(ctx, now.Add(-w.PendingGrace), w.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	changed := 0
	for i := range batch {
		s := &batch[i]
		logger := w.Log.With().Str("round_id", s.RoundID).Str("settlement_id", s.ID).Logger()
		before := s.Status

		receipt, err := w.Transfers.Lookup(ctx, s.RoundID)
		switch {
		case errors.Is(err, payout.ErrUnknownReference):
			if s.Status != models.SettlementPending {
				logger.Warn().Str("status", s.Status).Msg("payout service lost track of transfer")
				continue
			}
			s.MarkFailed("transfer never reached the payout service")
		case err != nil:
			if ctx.Err() != nil {
				return changed, ctx.Err()
			}
			logger.Warn().Err(err).Msg("transfer lookup failed")
			continue
		default:
			receipt.Apply(s, now)
		}

		if s.Status == before {
			continue
		}
		if err := w.Ledger.UpdateSettlement(ctx, s); err != nil {
			logger.Error().Err(err).Msg("could not record settlement status")
			continue
		}
		changed++
		logger.Info().Str("from", before).Str("to", s.Status).Str("tx", s.TransactionRef).Msg("settlement status changed")
	}
	return changed, nil
}
