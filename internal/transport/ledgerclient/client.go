// Package ledgerclient is the HTTP client secondaries use to reach the
// main device's cash ledger API.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tillworks/cashsync/internal/platform/timeouts"
	ledgerdomain "github.com/tillworks/cashsync/internal/services/ledger/domain"
	syncdomain "github.com/tillworks/cashsync/internal/services/syncqueue/domain"
)

// APIError is a non-2xx response from the main device that carries a
// machine-readable code the client did not translate to a domain error.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("main device returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// UnreachableError wraps transport-level failures: connection refused,
// DNS failure, timeout. These are never application errors; callers
// absorb them into the queueing path.
type UnreachableError struct {
	cause error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("main device unreachable: %v", e.cause)
}

func (e *UnreachableError) Unwrap() error {
	return e.cause
}

// IsUnreachable reports whether err is a transport-level failure rather
// than a response from the main device.
func IsUnreachable(err error) bool {
	var target *UnreachableError
	return errors.As(err, &target)
}

// IsRetryable reports whether a replay of the same request may succeed
// later: the device was unreachable or answered with a server error.
func IsRetryable(err error) bool {
	if IsUnreachable(err) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return false
}

// Client calls the main device's ledger HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client for the main device at baseURL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("main device address is required")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if timeout <= 0 {
		timeout = timeouts.HTTPRequest
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Ping probes main device reachability.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return errors.New("client is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.Probe)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UnreachableError{cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Code: "unhealthy", Message: "health probe failed"}
	}
	return nil
}

// AddCash applies a cash addition on the main ledger.
func (c *Client) AddCash(ctx context.Context, deviceID string, amount int64, reason, idempotencyKey string) (int64, error) {
	return c.mutate(ctx, deviceID, "add", amount, reason, "", idempotencyKey)
}

// WithdrawCash applies a cash withdrawal on the main ledger.
func (c *Client) WithdrawCash(ctx context.Context, deviceID string, amount int64, reason, idempotencyKey string) (int64, error) {
	return c.mutate(ctx, deviceID, "withdraw", amount, reason, "", idempotencyKey)
}

// Apply replays a queued payload against the main ledger.
func (c *Client) Apply(ctx context.Context, deviceID string, payload syncdomain.Payload) (int64, error) {
	operation := "add"
	if payload.Direction == ledgerdomain.DirectionWithdraw {
		operation = "withdraw"
	}
	return c.mutate(ctx, deviceID, operation, payload.Amount, payload.Reason, payload.CreatedBy, payload.IdempotencyKey)
}

type mutateRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason,omitempty"`
	CreatedBy      string `json:"createdBy,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type mutateResponse struct {
	Balance int64 `json:"balance"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) mutate(ctx context.Context, deviceID, operation string, amount int64, reason, createdBy, idempotencyKey string) (int64, error) {
	if c == nil {
		return 0, errors.New("client is not configured")
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return 0, ledgerdomain.ErrDeviceNotFound
	}

	body, err := json.Marshal(mutateRequest{
		Amount:         amount,
		Reason:         reason,
		CreatedBy:      createdBy,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/devices/%s/cash/%s", c.baseURL, deviceID, operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &UnreachableError{cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var result mutateResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return 0, fmt.Errorf("decode response: %w", err)
		}
		return result.Balance, nil
	}

	var envelope errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return 0, &APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: "undecodable error body"}
	}
	if mapped := domainError(envelope.Error.Code); mapped != nil {
		return 0, mapped
	}
	return 0, &APIError{StatusCode: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
}

// domainError translates stable API error codes back into ledger errors
// so secondaries see the same taxonomy as local callers.
func domainError(code string) error {
	switch code {
	case "invalid_amount":
		return ledgerdomain.ErrInvalidAmount
	case "idempotency_key_required":
		return ledgerdomain.ErrIdempotencyKeyRequired
	case "device_not_found":
		return ledgerdomain.ErrDeviceNotFound
	case "device_inactive":
		return ledgerdomain.ErrDeviceInactive
	case "insufficient_funds":
		return ledgerdomain.ErrInsufficientFunds
	case "cash_limit_exceeded":
		return ledgerdomain.ErrCashLimitExceeded
	default:
		return nil
	}
}
