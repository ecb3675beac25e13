// services/scheduler.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type SchedulerConfig struct {
	ExpiryCheckInterval time.Duration
	PoolRefreshInterval time.Duration
	// JobTimeout bounds one run of either job.
	JobTimeout time.Duration
}

// RoundScheduler runs the periodic expiry check and display pool refresh.
type RoundScheduler struct {
	engine *RoundEngine
	sched  gocron.Scheduler
	cfg    SchedulerConfig
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRoundScheduler(engine *RoundEngine, clock clockwork.Clock, cfg SchedulerConfig, logger zerolog.Logger) (*RoundScheduler, error) {
	if cfg.ExpiryCheckInterval <= 0 {
		cfg.ExpiryCheckInterval = time.Second
	}
	if cfg.PoolRefreshInterval <= 0 {
		cfg.PoolRefreshInterval = 30 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}

	opts := []gocron.SchedulerOption{gocron.WithLocation(time.UTC)}
	if clock != nil {
		opts = append(opts, gocron.WithClock(clock))
	}
	sched, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	s := &RoundScheduler{
		engine: engine,
		sched:  sched,
		cfg:    cfg,
		log:    logger.With().Str("component", "scheduler").Logger(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.ExpiryCheckInterval),
		gocron.NewTask(s.checkExpired),
		gocron.WithName("round-expiry-check"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("schedule expiry check: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.PoolRefreshInterval),
		gocron.NewTask(s.refreshPool),
		gocron.WithName("prize-pool-refresh"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("schedule pool refresh: %w", err)
	}
	return s, nil
}

// Start begins running jobs until ctx is cancelled or Stop is called.
func (s *RoundScheduler) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
	s.sched.Start()
	s.log.Info().
		Dur("expiry_every", s.cfg.ExpiryCheckInterval).
		Dur("refresh_every", s.cfg.PoolRefreshInterval).
		Msg("round scheduler started")
}

// Stop cancels in-flight jobs and waits for them to return.
func (s *RoundScheduler) Stop() error {
	s.cancel()
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	s.log.Info().Msg("round scheduler stopped")
	return nil
}

func (s *RoundScheduler) checkExpired() {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	res, err := s.engine.CheckAndCloseExpired(ctx)
	switch {
	case err == nil:
	case s.ctx.Err() != nil:
		return
	case errors.Is(err, ErrSettlementUnavailable), errors.Is(err, ErrInsufficientPool):
		s.log.Warn().Err(err).Msg("round due to close, will retry")
		return
	default:
		s.log.Error().Err(err).Msg("expiry check failed")
		return
	}
	if res.Closed && res.NextRound != nil {
		s.log.Info().Str("closed", res.Round.RoundID).Str("opened", res.NextRound.RoundID).Msg("round rolled over")
	}
}

func (s *RoundScheduler) refreshPool() {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	if err := s.engine.RefreshPrizePool(ctx); err != nil && s.ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("prize pool refresh failed")
	}
}
