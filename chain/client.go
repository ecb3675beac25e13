package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

// LamportsPerUnit is the number of base units in one currency unit.
const LamportsPerUnit = 1_000_000_000

// Config holds configuration for the ledger RPC client.
type Config struct {
	// RPCURL is the JSON-RPC endpoint of the ledger node.
	RPCURL string

	// TreasuryAddress is the funding account whose balance is the prize pool.
	TreasuryAddress string

	// Commitment level for balance reads. Defaults to "confirmed".
	Commitment string

	// Timeout bounds one Balance call including retries. Defaults to 10s.
	Timeout time.Duration

	// MaxRetries for transient failures. Defaults to 3.
	MaxRetries uint64

	// BaseRetryDelay is the first backoff step. Defaults to 250ms.
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the backoff. Defaults to 2s.
	MaxRetryDelay time.Duration

	// HTTPClient allows injecting a custom client. Defaults to a 5s timeout.
	HTTPClient *http.Client
}

// Client reads the treasury balance from the ledger.
type Client struct {
	config Config
	http   *http.Client
	log    zerolog.Logger
	nextID atomic.Int64
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseRetryDelay == 0 {
		cfg.BaseRetryDelay = 250 * time.Millisecond
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = 2 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		config: cfg,
		http:   httpClient,
		log:    logger.With().Str("component", "chain").Logger(),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type balanceResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value int64 `json:"value"`
}

// LamportsToDecimal converts base units to currency units without rounding.
func LamportsToDecimal(lamports int64) decimal.Decimal {
	return decimal.New(lamports, -9)
}

// Balance returns the current treasury balance. Network errors, 429 and 5xx
// responses are retried with capped exponential backoff.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	backoff := retry.NewExponential(c.config.BaseRetryDelay)
	backoff = retry.WithCappedDuration(c.config.MaxRetryDelay, backoff)
	backoff = retry.WithMaxRetries(c.config.MaxRetries, backoff)

	var lamports int64
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		v, err := c.getBalance(ctx)
		if err != nil {
			if isRetryable(err) {
				c.log.Debug().Err(err).Int("attempt", attempt).Msg("balance read failed, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		lamports = v
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("read treasury balance: %w", err)
	}
	return LamportsToDecimal(lamports), nil
}

func (c *Client) getBalance(ctx context.Context) (int64, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "getBalance",
		Params: []any{
			c.config.TreasuryAddress,
			map[string]string{"commitment": c.config.Commitment},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RPCURL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call rpc node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return 0, fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return 0, rpcResp.Error
	}

	var result balanceResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return 0, fmt.Errorf("decode balance result: %w", err)
	}
	if result.Value < 0 {
		return 0, fmt.Errorf("negative balance %d from node", result.Value)
	}
	return result.Value, nil
}
