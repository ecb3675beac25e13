package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"jackpot-round-system/chain"
	"jackpot-round-system/config"
	"jackpot-round-system/handlers"
	"jackpot-round-system/middleware"
	"jackpot-round-system/payout"
	"jackpot-round-system/services"
	"jackpot-round-system/store"
	"jackpot-round-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogFormat == "json" {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).
		Level(level).With().Timestamp().Logger()
}

// newServer builds the HTTP app. CORS sits in front of the gateway check so
// browser preflights, which carry no Authorization header, are answered.
func newServer(cfg config.Config, engine *services.RoundEngine, ranking *services.SessionRanking, logger zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          cfg.SettleTimeout + 15*time.Second,
	})
	app.Use(middleware.RequestLogger(logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,OPTIONS,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Service-Token, " + middleware.PlayerAddressHeader,
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID, Retry-After",
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	app.Use(middleware.GatewayAuthMiddleware(cfg.GatewayToken, logger))

	handlers.SetupRoundRoutes(app, engine, ranking, cfg.EntryFee)
	handlers.SetupSettlementRoutes(app, engine)
	return app
}

func main() {
	cfg, err := config.Load()
	logger := newLogger(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := store.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}
	roundStore := store.NewRoundStore(db, logger)

	if cfg.RebuildStatsOnStart {
		n, err := roundStore.RebuildPlayerStats(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to rebuild player stats")
		}
		logger.Info().Int("players", n).Msg("player stats rebuilt from history")
	}

	clock := clockwork.NewRealClock()

	ledger := chain.NewClient(chain.Config{
		RPCURL:          cfg.RPCURL,
		TreasuryAddress: cfg.TreasuryAddress,
		Timeout:         cfg.RPCTimeout,
		MaxRetries:      cfg.RPCMaxRetries,
	}, logger)
	transfers := payout.NewClient(payout.Config{
		BaseURL:      cfg.PayoutURL,
		ServiceToken: cfg.PayoutToken,
	}, logger)

	engineCfg := services.DefaultEngineConfig()
	engineCfg.FeeReserve = cfg.FeeReserve
	engineCfg.SettleTimeout = cfg.SettleTimeout
	engine := services.NewRoundEngine(roundStore, ledger, transfers, clock, engineCfg, logger)

	ranking := services.NewSessionRanking()
	engine.AddListener(ranking)

	if _, _, err := engine.EnsureRound(ctx); err != nil {
		// the scheduler keeps trying; intake answers 503 until then
		logger.Warn().Err(err).Msg("no open round at startup")
	}

	sched, err := services.NewRoundScheduler(engine, clock, services.SchedulerConfig{
		ExpiryCheckInterval: cfg.ExpiryCheckInterval,
		PoolRefreshInterval: cfg.PoolRefreshInterval,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create scheduler")
	}
	confirmer := workers.NewSettlementConfirmer(roundStore, transfers, clock, cfg.ConfirmPendingGrace, logger)

	app := newServer(cfg, engine, ranking, logger)

	g, gctx := errgroup.WithContext(ctx)

	sched.Start(gctx)
	g.Go(func() error {
		confirmer.Run(gctx, cfg.ConfirmPollInterval)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Strs("origins", cfg.AllowedOrigins).Msg("server listening")
		return app.Listen(":" + cfg.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(
			app.ShutdownWithContext(shutdownCtx),
			sched.Stop(),
		)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("stopped with error")
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info().Msg("bye")
}
