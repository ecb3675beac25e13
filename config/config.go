package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port           string   `validate:"required,numeric"`
	AllowedOrigins []string `validate:"required,dive,required"`
	LogLevel       string   `validate:"oneof=debug info warn error"`
	LogFormat      string   `validate:"oneof=console json"`

	// DBDriver is "postgres" in production; "sqlite" for local runs.
	DBDriver string `validate:"required,oneof=postgres sqlite"`
	DBDSN    string `validate:"required"`

	// GatewayToken authenticates requests forwarded by the API gateway.
	GatewayToken string `validate:"required"`

	RPCURL          string `validate:"required,url"`
	TreasuryAddress string `validate:"required"`
	RPCTimeout      time.Duration
	RPCMaxRetries   uint64

	PayoutURL     string        `validate:"required,url"`
	PayoutToken   string        `validate:"required"`
	SettleTimeout time.Duration `validate:"gt=0"`

	EntryFee   decimal.Decimal
	FeeReserve decimal.Decimal

	ExpiryCheckInterval time.Duration `validate:"gt=0"`
	PoolRefreshInterval time.Duration `validate:"gt=0"`
	ConfirmPollInterval time.Duration `validate:"gt=0"`
	ConfirmPendingGrace time.Duration `validate:"gte=0"`
	RebuildStatsOnStart bool
}

// Load reads .env if present and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() (Config, error) {
	p := &parser{}
	c := Config{}
	c.Port = getenv("PORT", "5300")
	c.AllowedOrigins = splitList(getenv("ALLOWED_ORIGINS", "http://localhost:3000"))
	c.LogLevel = strings.ToLower(getenv("LOG_LEVEL", "info"))
	c.LogFormat = strings.ToLower(getenv("LOG_FORMAT", "console"))

	c.DBDriver = strings.ToLower(getenv("DB_DRIVER", "postgres"))
	c.DBDSN = os.Getenv("DATABASE_URL")
	if c.DBDSN == "" && c.DBDriver == "sqlite" {
		c.DBDSN = "jackpot.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	c.GatewayToken = os.Getenv("GAME_SERVICE_TOKEN")

	c.RPCURL = getenv("RPC_URL", "http://localhost:8899")
	c.TreasuryAddress = os.Getenv("TREASURY_ADDRESS")
	c.RPCTimeout = p.duration("RPC_TIMEOUT", 10*time.Second)
	c.RPCMaxRetries = p.count("RPC_MAX_RETRIES", 3)

	c.PayoutURL = os.Getenv("PAYOUT_SERVICE_URL")
	c.PayoutToken = getenv("PAYOUT_SERVICE_TOKEN", c.GatewayToken)
	c.SettleTimeout = p.duration("SETTLE_TIMEOUT", 30*time.Second)

	c.EntryFee = p.amount("ENTRY_FEE", "0.05")
	c.FeeReserve = p.amount("FEE_RESERVE", "0.001")

	c.ExpiryCheckInterval = p.duration("EXPIRY_CHECK_INTERVAL", time.Second)
	c.PoolRefreshInterval = p.duration("POOL_REFRESH_INTERVAL", 30*time.Second)
	c.ConfirmPollInterval = p.duration("CONFIRM_POLL_INTERVAL", 15*time.Second)
	c.ConfirmPendingGrace = p.duration("CONFIRM_PENDING_GRACE", 2*time.Minute)
	c.RebuildStatsOnStart = getenv("REBUILD_STATS_ON_START", "false") == "true"

	if err := errors.Join(p.errs...); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("config %s failed %q", fe.Field(), fe.Tag()))
		}
	}
	if c.EntryFee.IsNegative() {
		errs = append(errs, errors.New("config EntryFee must not be negative"))
	}
	if c.FeeReserve.IsNegative() {
		errs = append(errs, errors.New("config FeeReserve must not be negative"))
	}
	return errors.Join(errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects conversion errors so they are reported together.
type parser struct {
	errs []error
}

func (p *parser) duration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}

func (p *parser) count(k string, def uint64) uint64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return n
}

func (p *parser) amount(k, def string) decimal.Decimal {
	v := getenv(k, def)
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", k, err))
		return decimal.RequireFromString(def)
	}
	return d
}
