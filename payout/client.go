package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"jackpot-round-system/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// ErrUnknownReference means the payout service has no transfer for the reference.
var ErrUnknownReference = errors.New("payout: unknown transfer reference")

// TransferError is a transfer the payout service refused or failed.
type TransferError struct {
	StatusCode int
	Message    string
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("payout: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return "payout: " + e.Message
}

// IsRejected reports whether err is an explicit refusal by the payout
// service. 5xx answers and transport errors are not: the transfer may still
// have gone out.
func IsRejected(err error) bool {
	var te *TransferError
	if !errors.As(err, &te) {
		return false
	}
	return te.StatusCode < http.StatusInternalServerError
}

// Request asks the payout service to move the funding account balance, minus
// FeeReserve, to RecipientAddress. ReferenceID is the round id and makes the
// request idempotent on the service side.
type Request struct {
	RecipientAddress string          `json:"recipientAddress"`
	ReferenceID      string          `json:"referenceId"`
	WinType          string          `json:"winType"`
	FeeReserve       decimal.Decimal `json:"feeReserve"`
}

// Receipt is the payout service's view of a transfer.
type Receipt struct {
	Success              bool                `json:"success"`
	Status               string              `json:"status"`
	TransactionReference string              `json:"transactionReference,omitempty"`
	ActualAmount         decimal.NullDecimal `json:"actualAmount"`
	Error                string              `json:"error,omitempty"`
}

// Apply records the receipt on settlement s.
func (r Receipt) Apply(s *models.Settlement, at time.Time) {
	switch r.Status {
	case StatusConfirmed:
		s.MarkConfirmed(r.TransactionReference, r.ActualAmount, at)
	case StatusFailed:
		s.MarkFailed(r.Error)
	case StatusPending:
		// still in flight
	default:
		s.MarkAccepted(r.TransactionReference, r.ActualAmount, at)
	}
}

type Config struct {
	BaseURL      string
	ServiceToken string
	HTTPClient   *http.Client
}

// Client talks to the prize distribution service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// callers bound the wait with their context
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.ServiceToken,
		http:    httpClient,
		log:     logger.With().Str("component", "payout").Logger(),
	}
}

// PayAll submits a transfer of the whole payable balance. A refused transfer
// comes back as *TransferError.
func (c *Client) PayAll(ctx context.Context, req Request) (Receipt, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal payout request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/distribute-prize", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("create payout request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	receipt, err := c.do(httpReq)
	if err != nil {
		return Receipt{}, err
	}
	if !receipt.Success {
		msg := receipt.Error
		if msg == "" {
			msg = "transfer rejected"
		}
		return receipt, &TransferError{Message: msg}
	}
	if receipt.Status == "" {
		receipt.Status = StatusAccepted
	}

	c.log.Info().
		Str("reference", req.ReferenceID).
		Str("recipient", req.RecipientAddress).
		Str("status", receipt.Status).
		Str("tx", receipt.TransactionReference).
		Msg("transfer submitted")
	return receipt, nil
}

// Lookup returns the current state of the transfer for reference.
func (c *Client) Lookup(ctx context.Context, reference string) (Receipt, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/distributions/"+url.PathEscape(reference), nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("create lookup request: %w", err)
	}
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (Receipt, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("X-Service-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("call payout service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Receipt{}, fmt.Errorf("read payout response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound && req.Method == http.MethodGet {
		return Receipt{}, ErrUnknownReference
	}

	var receipt Receipt
	decodeErr := json.Unmarshal(raw, &receipt)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := receipt.Error
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return receipt, &TransferError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return Receipt{}, fmt.Errorf("decode payout response: %w", decodeErr)
	}
	return receipt, nil
}
