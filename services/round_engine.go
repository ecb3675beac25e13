package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"jackpot-round-system/models"
	"jackpot-round-system/payout"
	"jackpot-round-system/store"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrSettlementUnavailable means the authoritative balance could not be
	// read, so the round was left open. Retry later.
	ErrSettlementUnavailable = errors.New("treasury balance unavailable, settlement deferred")
	// ErrInsufficientPool means the payable balance after the fee reserve is
	// not positive. The round stays open until it is funded.
	ErrInsufficientPool = errors.New("payable prize pool is empty")
	// ErrContention means the current round kept changing under us.
	ErrContention = errors.New("current round contended, retry")
)

// RoundStore is the durable state the engine reads and writes.
type RoundStore interface {
	LoadCurrent(ctx context.Context) (*models.Round, error)
	CreateCurrent(ctx context.Context, round *models.Round) (bool, error)
	SaveCurrent(ctx context.Context, round *models.Round) error
	CloseRound(ctx context.Context, round *models.Round, settlement *models.Settlement) error
	History(ctx context.Context, limit int) ([]models.Round, error)
	ArchivedRound(ctx context.Context, roundID string) (*models.Round, error)
	SubmissionRound(ctx context.Context, submissionID string) (string, error)
	Settlement(ctx context.Context, roundID string) (*models.Settlement, error)
	UpdateSettlement(ctx context.Context, s *models.Settlement) error
	RecordGame(ctx context.Context, player string, score int, at time.Time) error
	RecordWin(ctx context.Context, player string, prize decimal.Decimal) error
	PlayerStats(ctx context.Context, player string) (*models.PlayerStats, error)
	TopPlayers(ctx context.Context, limit int) ([]models.PlayerStats, error)
}

// BalanceOracle reports the treasury balance.
type BalanceOracle interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// SettlementTransport moves the treasury balance to a winner.
type SettlementTransport interface {
	PayAll(ctx context.Context, req payout.Request) (payout.Receipt, error)
}

// RoundListener is told about recorded submissions and closed rounds.
// Callbacks run synchronously and must not block.
type RoundListener interface {
	SubmissionRecorded(round *models.Round, sub models.Submission)
	RoundClosed(round *models.Round)
}

type EngineConfig struct {
	// FeeReserve is kept back from the balance to pay for the transfer itself.
	FeeReserve decimal.Decimal
	// SettleTimeout bounds how long a close waits for the transfer to be accepted.
	SettleTimeout time.Duration
	// DisplayReadTimeout bounds non-authoritative balance reads.
	DisplayReadTimeout time.Duration
	// MaxWriteAttempts bounds compare-and-swap retries on the current round.
	MaxWriteAttempts int
	// MaxClockSkew is how far a submission timestamp may sit from the
	// server clock, in either direction.
	MaxClockSkew time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		FeeReserve:         decimal.RequireFromString("0.001"),
		SettleTimeout:      30 * time.Second,
		DisplayReadTimeout: 3 * time.Second,
		MaxWriteAttempts:   8,
		MaxClockSkew:       30 * time.Second,
	}
}

// RoundEngine owns the round lifecycle. Every mutation goes through Submit
// or CheckAndCloseExpired; several engines may share one store.
type RoundEngine struct {
	store     RoundStore
	oracle    BalanceOracle
	transport SettlementTransport
	clock     clockwork.Clock
	cfg       EngineConfig
	log       zerolog.Logger

	mu        sync.RWMutex
	listeners []RoundListener
}

func NewRoundEngine(st RoundStore, oracle BalanceOracle, transport SettlementTransport, clock clockwork.Clock, cfg EngineConfig, logger zerolog.Logger) *RoundEngine {
	def := DefaultEngineConfig()
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = def.SettleTimeout
	}
	if cfg.DisplayReadTimeout <= 0 {
		cfg.DisplayReadTimeout = def.DisplayReadTimeout
	}
	if cfg.MaxWriteAttempts <= 0 {
		cfg.MaxWriteAttempts = def.MaxWriteAttempts
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = def.MaxClockSkew
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RoundEngine{
		store:     st,
		oracle:    oracle,
		transport: transport,
		clock:     clock,
		cfg:       cfg,
		log:       logger.With().Str("component", "engine").Logger(),
	}
}

func (e *RoundEngine) AddListener(l RoundListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *RoundEngine) Config() EngineConfig { return e.cfg }

func (e *RoundEngine) Now() time.Time { return e.clock.Now() }

// SubmitResult is what a caller gets back from Submit.
type SubmitResult struct {
	// Round is the open round after intake. After a jackpot it is the fresh round.
	Round      *models.Round
	Submission models.Submission
	// Duplicate is set when the submission id was already recorded.
	Duplicate bool
	// PriorRoundID is the closed round that already holds a duplicate id.
	// PriorRound is that round when it is still in history.
	PriorRoundID string
	PriorRound   *models.Round
	// Expired is the previous round if intake had to close it first.
	Expired *CloseResult
	Jackpot bool
	// Settled is the jackpot close, when this submission closed the round.
	Settled *CloseResult
	// JackpotPending means the perfect score is recorded but the close could
	// not read the balance; the periodic check will finish it.
	JackpotPending bool
}

// CloseResult describes one round close attempt.
type CloseResult struct {
	Closed     bool
	Round      *models.Round
	Winner     *models.SettlementOutcome
	Settlement *models.Settlement
	NextRound  *models.Round
}

// CurrentRound returns the durable current round or nil.
func (e *RoundEngine) CurrentRound(ctx context.Context) (*models.Round, error) {
	return e.store.LoadCurrent(ctx)
}

func newRoundID(now time.Time) string {
	return fmt.Sprintf("round_%d_%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// InitializeRound opens a new round with the given display pool. It never
// replaces an open round: if one exists, that round is returned instead.
func (e *RoundEngine) InitializeRound(ctx context.Context, openingPool decimal.Decimal) (*models.Round, error) {
	for attempt := 0; attempt < e.cfg.MaxWriteAttempts; attempt++ {
		now := e.clock.Now().UTC()
		round := &models.Round{
			RoundID:       newRoundID(now),
			StartTime:     now,
			EndTime:       now.Add(models.RoundDuration),
			PrizePool:     openingPool,
			CollectedFees: decimal.Zero,
			Submissions:   []models.Submission{},
		}
		created, err := e.store.CreateCurrent(ctx, round)
		if err != nil {
			return nil, err
		}
		if created {
			e.log.Info().Str("round_id", round.RoundID).Time("ends_at", round.EndTime).
				Str("prize_pool", openingPool.String()).Msg("round opened")
			return round, nil
		}

		existing, err := e.store.LoadCurrent(ctx)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, ErrContention
}

// EnsureRound returns an open, unexpired round, closing a finished one and
// opening a replacement when needed. The close, if any, is returned too.
func (e *RoundEngine) EnsureRound(ctx context.Context) (*models.Round, *CloseResult, error) {
	var closed *CloseResult
	for attempt := 0; attempt < e.cfg.MaxWriteAttempts; attempt++ {
		round, err := e.store.LoadCurrent(ctx)
		if err != nil {
			return nil, closed, err
		}
		if round == nil {
			round, err = e.InitializeRound(ctx, e.displayBalance(ctx, decimal.Zero))
			if err != nil {
				return nil, closed, err
			}
		}
		if !e.needsClose(round) {
			return round, closed, nil
		}

		res, err := e.closeRound(ctx, round)
		if errors.Is(err, store.ErrStaleRound) {
			continue
		}
		if err != nil {
			return nil, closed, err
		}
		if res.Closed {
			closed = res
			if res.NextRound != nil && !e.needsClose(res.NextRound) {
				return res.NextRound, closed, nil
			}
		}
	}
	return nil, closed, ErrContention
}

func (e *RoundEngine) needsClose(r *models.Round) bool {
	return r.Expired(e.clock.Now()) || r.HasPendingJackpot()
}

func validateSubmission(sub models.Submission) error {
	switch {
	case strings.TrimSpace(sub.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidSubmission)
	case strings.TrimSpace(sub.Player) == "":
		return fmt.Errorf("%w: missing player", ErrInvalidSubmission)
	case sub.Score < models.MinScore || sub.Score > models.MaxScore:
		return fmt.Errorf("%w: score %d outside %d..%d", ErrInvalidSubmission, sub.Score, models.MinScore, models.MaxScore)
	}
	return nil
}

// Submit records one game result in the current round. A perfect score
// closes the round as a jackpot and the result carries the fresh round.
func (e *RoundEngine) Submit(ctx context.Context, sub models.Submission, entryFee decimal.Decimal) (*SubmitResult, error) {
	if err := validateSubmission(sub); err != nil {
		return nil, err
	}
	sub.Player = strings.TrimSpace(sub.Player)
	if sub.Timestamp.IsZero() {
		sub.Timestamp = e.clock.Now()
	}
	sub.Timestamp = sub.Timestamp.UTC()
	sub.Prize = decimal.Zero

	result := &SubmitResult{Submission: sub}
	var round *models.Round
	for attempt := 0; ; attempt++ {
		if attempt == e.cfg.MaxWriteAttempts {
			return nil, ErrContention
		}

		var expired *CloseResult
		var err error
		round, expired, err = e.EnsureRound(ctx)
		if expired != nil {
			result.Expired = expired
		}
		if err != nil {
			return nil, err
		}

		if round.HasSubmission(sub.ID) {
			result.Round = round
			result.Duplicate = true
			return result, nil
		}
		prior, err := e.store.SubmissionRound(ctx, sub.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, err
		case prior != round.RoundID:
			return e.archivedDuplicate(ctx, result, round, prior)
		}
		if err := e.checkTimestamp(round, sub.Timestamp); err != nil {
			return nil, err
		}

		round.PrizePool = e.displayBalance(ctx, round.PrizePool)
		round.CollectedFees = round.CollectedFees.Add(entryFee)
		round.Submissions = append(round.Submissions, sub)

		err = e.store.SaveCurrent(ctx, round)
		if errors.Is(err, store.ErrStaleRound) || errors.Is(err, store.ErrDuplicateSubmission) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	e.log.Info().Str("round_id", round.RoundID).Str("player", sub.Player).
		Int("score", sub.Score).Str("submission_id", sub.ID).Msg("submission recorded")
	if err := e.store.RecordGame(ctx, sub.Player, sub.Score, sub.Timestamp); err != nil {
		e.log.Warn().Err(err).Str("player", sub.Player).Msg("player stats not updated")
	}

	if sub.Score < models.MaxScore {
		e.notifySubmission(round, sub)
		result.Round = round
		return result, nil
	}

	result.Jackpot = true
	closed, err := e.closeUntilSettled(ctx, round)
	switch {
	case errors.Is(err, ErrSettlementUnavailable), errors.Is(err, ErrInsufficientPool):
		e.log.Warn().Err(err).Str("round_id", round.RoundID).Str("player", sub.Player).
			Msg("jackpot recorded, close deferred")
		result.JackpotPending = true
		result.Round = round
		return result, nil
	case err != nil:
		return nil, err
	}

	if closed != nil && closed.Closed {
		result.Settled = closed
		if closed.Round != nil {
			for _, s := range closed.Round.Submissions {
				if s.ID == sub.ID {
					result.Submission = s
				}
			}
		}
	}

	next, _, err := e.EnsureRound(ctx)
	if err != nil {
		return nil, err
	}
	result.Round = next
	return result, nil
}

// archivedDuplicate answers a retried submission whose round already closed.
// Nothing is recorded and nothing is paid again.
func (e *RoundEngine) archivedDuplicate(ctx context.Context, result *SubmitResult, current *models.Round, priorID string) (*SubmitResult, error) {
	result.Round = current
	result.Duplicate = true
	result.PriorRoundID = priorID

	prior, err := e.store.ArchivedRound(ctx, priorID)
	if errors.Is(err, store.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.PriorRound = prior
	for _, s := range prior.Submissions {
		if s.ID == result.Submission.ID {
			result.Submission = s
		}
	}
	e.log.Info().Str("submission_id", result.Submission.ID).Str("round_id", priorID).
		Msg("submission already recorded in a closed round")
	return result, nil
}

// checkTimestamp keeps the tiebreak key honest: a submission must be stamped
// inside its round and close to the server clock.
func (e *RoundEngine) checkTimestamp(round *models.Round, ts time.Time) error {
	now := e.clock.Now()
	earliest := now.Add(-e.cfg.MaxClockSkew)
	if round.StartTime.After(earliest) {
		earliest = round.StartTime
	}
	latest := now.Add(e.cfg.MaxClockSkew)
	if ts.Before(earliest) || ts.After(latest) {
		return fmt.Errorf("%w: timestamp %s outside %s..%s", ErrInvalidSubmission,
			ts.Format(time.RFC3339), earliest.Format(time.RFC3339), latest.Format(time.RFC3339))
	}
	return nil
}

// closeUntilSettled closes round, re-reading it when another writer appended
// to it in the meantime. A nil result means someone else closed it.
func (e *RoundEngine) closeUntilSettled(ctx context.Context, round *models.Round) (*CloseResult, error) {
	for attempt := 0; attempt < e.cfg.MaxWriteAttempts; attempt++ {
		res, err := e.closeRound(ctx, round)
		if !errors.Is(err, store.ErrStaleRound) {
			return res, err
		}
		latest, err := e.store.LoadCurrent(ctx)
		if err != nil {
			return nil, err
		}
		if latest == nil || latest.RoundID != round.RoundID {
			return nil, nil
		}
		round = latest
	}
	return nil, ErrContention
}

// CheckAndCloseExpired closes the current round if its time is up or it holds
// a jackpot whose close was deferred. Safe to call concurrently: only one
// caller closes a given round, the rest get Closed == false.
func (e *RoundEngine) CheckAndCloseExpired(ctx context.Context) (*CloseResult, error) {
	for attempt := 0; attempt < e.cfg.MaxWriteAttempts; attempt++ {
		round, err := e.store.LoadCurrent(ctx)
		if err != nil {
			return nil, err
		}
		if round == nil || !e.needsClose(round) {
			return &CloseResult{}, nil
		}

		res, err := e.closeRound(ctx, round)
		if errors.Is(err, store.ErrStaleRound) {
			continue
		}
		return res, err
	}
	return nil, ErrContention
}

// selectWinner picks the jackpot (earliest perfect score) if there is one,
// otherwise the highest score, earliest timestamp first and then earliest
// position among exact ties.
func selectWinner(subs []models.Submission) (int, string, bool) {
	best := -1
	for i, s := range subs {
		if best < 0 || s.Score > subs[best].Score ||
			(s.Score == subs[best].Score && s.Timestamp.Before(subs[best].Timestamp)) {
			best = i
		}
	}
	if best < 0 {
		return -1, "", false
	}
	if subs[best].Score == models.MaxScore {
		return best, models.WinTypeJackpot, true
	}
	return best, models.WinTypeHighestScore, true
}

func (e *RoundEngine) closeRound(ctx context.Context, round *models.Round) (*CloseResult, error) {
	logger := e.log.With().Str("round_id", round.RoundID).Logger()

	var settlement *models.Settlement
	if idx, winType, ok := selectWinner(round.Submissions); ok {
		balance, err := e.oracle.Balance(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSettlementUnavailable, err)
		}
		payable := balance.Sub(e.cfg.FeeReserve)
		if !payable.IsPositive() {
			return nil, fmt.Errorf("%w: balance %s, reserve %s", ErrInsufficientPool, balance, e.cfg.FeeReserve)
		}

		win := &round.Submissions[idx]
		win.Prize = payable
		round.Winner = &models.SettlementOutcome{
			Player:  win.Player,
			Score:   win.Score,
			Prize:   payable,
			WinType: winType,
		}
		settlement = &models.Settlement{
			ID:      uuid.NewString(),
			RoundID: round.RoundID,
			Player:  win.Player,
			Score:   win.Score,
			WinType: winType,
			Amount:  payable,
			Status:  models.SettlementPending,
		}
	}

	closedAt := e.clock.Now().UTC()
	round.ClosedAt = &closedAt

	if err := e.store.CloseRound(ctx, round, settlement); err != nil {
		if errors.Is(err, store.ErrRoundAlreadyClosed) {
			logger.Debug().Msg("round closed by another caller")
			return &CloseResult{}, nil
		}
		return nil, err
	}

	// The close is committed; finish the bookkeeping even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	res := &CloseResult{Closed: true, Round: round, Winner: round.Winner, Settlement: settlement}
	if round.Winner == nil {
		logger.Info().Msg("round closed without submissions")
	} else {
		logger.Info().Str("winner", round.Winner.Player).Int("score", round.Winner.Score).
			Str("prize", round.Winner.Prize.String()).Str("win_type", round.Winner.WinType).
			Msg("round closed")
	}
	e.notifyClosed(round)

	if settlement != nil {
		if err := e.store.RecordWin(ctx, settlement.Player, settlement.Amount); err != nil {
			logger.Warn().Err(err).Msg("player stats not updated")
		}
		e.settle(ctx, settlement)
	}

	next, err := e.InitializeRound(ctx, e.displayBalance(ctx, decimal.Zero))
	if err != nil {
		logger.Error().Err(err).Msg("could not open next round")
	} else {
		res.NextRound = next
	}
	return res, nil
}

// settle asks the transport to pay the winner and records the outcome. A
// timed-out wait leaves the settlement pending; the transfer itself is not
// cancelled and the confirmation worker picks it up. Failures are not retried.
func (e *RoundEngine) settle(ctx context.Context, s *models.Settlement) {
	logger := e.log.With().Str("round_id", s.RoundID).Str("settlement_id", s.ID).Logger()

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.SettleTimeout)
	defer cancel()

	s.Attempts++
	receipt, err := e.transport.PayAll(waitCtx, payout.Request{
		RecipientAddress: s.Player,
		ReferenceID:      s.RoundID,
		WinType:          s.WinType,
		FeeReserve:       e.cfg.FeeReserve,
	})
	now := e.clock.Now().UTC()
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		logger.Warn().Dur("waited", e.cfg.SettleTimeout).Msg("transfer not acknowledged in time, left pending")
	case payout.IsRejected(err):
		s.MarkFailed(err.Error())
		logger.Error().Err(err).Str("player", s.Player).Msg("settlement transfer rejected")
	case err != nil:
		// the service may have taken the transfer; the confirmation worker looks it up
		s.Error = err.Error()
		logger.Warn().Err(err).Str("player", s.Player).Msg("transfer outcome unknown, left pending")
	default:
		receipt.Apply(s, now)
		logger.Info().Str("status", s.Status).Str("tx", s.TransactionRef).Msg("settlement transfer submitted")
	}

	if err := e.store.UpdateSettlement(ctx, s); err != nil {
		logger.Error().Err(err).Msg("could not record settlement status")
	}
}

func (e *RoundEngine) displayBalance(ctx context.Context, fallback decimal.Decimal) decimal.Decimal {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DisplayReadTimeout)
	defer cancel()
	bal, err := e.oracle.Balance(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("display balance unavailable, keeping last value")
		return fallback
	}
	return bal
}

// RefreshPrizePool updates the display snapshot of the current round.
func (e *RoundEngine) RefreshPrizePool(ctx context.Context) error {
	round, err := e.store.LoadCurrent(ctx)
	if err != nil || round == nil {
		return err
	}
	bal, err := e.oracle.Balance(ctx)
	if err != nil {
		return fmt.Errorf("refresh prize pool: %w", err)
	}
	if bal.Equal(round.PrizePool) {
		return nil
	}
	round.PrizePool = bal
	if err := e.store.SaveCurrent(ctx, round); err != nil && !errors.Is(err, store.ErrStaleRound) {
		return err
	}
	return nil
}

func (e *RoundEngine) History(ctx context.Context) ([]models.Round, error) {
	return e.store.History(ctx, models.HistoryLimit)
}

func (e *RoundEngine) Settlement(ctx context.Context, roundID string) (*models.Settlement, error) {
	return e.store.Settlement(ctx, roundID)
}

func (e *RoundEngine) PlayerStats(ctx context.Context, player string) (*models.PlayerStats, error) {
	return e.store.PlayerStats(ctx, player)
}

// TopPlayers is the all-time board, biggest total winnings first.
func (e *RoundEngine) TopPlayers(ctx context.Context, limit int) ([]models.PlayerStats, error) {
	return e.store.TopPlayers(ctx, limit)
}

func (e *RoundEngine) snapshotListeners() []RoundListener {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]RoundListener(nil), e.listeners...)
}

func (e *RoundEngine) notifySubmission(round *models.Round, sub models.Submission) {
	for _, l := range e.snapshotListeners() {
		l.SubmissionRecorded(round, sub)
	}
}

func (e *RoundEngine) notifyClosed(round *models.Round) {
	for _, l := range e.snapshotListeners() {
		l.RoundClosed(round)
	}
}
