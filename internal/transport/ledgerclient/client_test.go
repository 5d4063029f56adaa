package ledgerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ledgerdomain "github.com/tillworks/cashsync/internal/services/ledger/domain"
	syncdomain "github.com/tillworks/cashsync/internal/services/syncqueue/domain"
)

func TestAddCash(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]int64{"balance": 105000})
	}))
	defer server.Close()

	client, err := New(server.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	balance, err := client.AddCash(context.Background(), "till-1", 5000, "float top-up", "key-1")
	if err != nil {
		t.Fatalf("add cash: %v", err)
	}
	if balance != 105000 {
		t.Fatalf("balance = %d, want 105000", balance)
	}
	if gotPath != "/api/v1/devices/till-1/cash/add" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotBody["amount"].(float64) != 5000 || gotBody["idempotencyKey"] != "key-1" {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestApplyRoutesByDirection(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]int64{"balance": 3000})
	}))
	defer server.Close()

	client, err := New(server.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	payload := syncdomain.Payload{
		Direction:      ledgerdomain.DirectionWithdraw,
		Amount:         2000,
		IdempotencyKey: "key-2",
	}
	if _, err := client.Apply(context.Background(), "till-2", payload); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if gotPath != "/api/v1/devices/till-2/cash/withdraw" {
		t.Fatalf("path = %s", gotPath)
	}
}

func TestDomainErrorTranslation(t *testing.T) {
	tests := []struct {
		code   string
		status int
		want   error
	}{
		{"insufficient_funds", http.StatusUnprocessableEntity, ledgerdomain.ErrInsufficientFunds},
		{"device_not_found", http.StatusNotFound, ledgerdomain.ErrDeviceNotFound},
		{"device_inactive", http.StatusConflict, ledgerdomain.ErrDeviceInactive},
		{"invalid_amount", http.StatusBadRequest, ledgerdomain.ErrInvalidAmount},
		{"cash_limit_exceeded", http.StatusUnprocessableEntity, ledgerdomain.ErrCashLimitExceeded},
	}
	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]map[string]string{
					"error": {"code": tc.code, "message": "rejected"},
				})
			}))
			defer server.Close()

			client, err := New(server.URL, time.Second)
			if err != nil {
				t.Fatalf("new client: %v", err)
			}
			_, err = client.WithdrawCash(context.Background(), "till-1", 100, "", "k")
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if IsRetryable(err) {
				t.Fatal("domain errors must not be retryable")
			}
		})
	}
}

func TestUnknownCodeBecomesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]map[string]string{
			"error": {"code": "internal", "message": "boom"},
		})
	}))
	defer server.Close()

	client, err := New(server.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.AddCash(context.Background(), "till-1", 100, "", "k")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError || apiErr.Code != "internal" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
	if !IsRetryable(err) {
		t.Fatal("5xx responses are retryable")
	}
}

func TestUnreachableServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client, err := New(server.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Ping(context.Background()); !IsUnreachable(err) {
		t.Fatalf("ping err = %v, want unreachable", err)
	}
	_, err = client.AddCash(context.Background(), "till-1", 100, "", "k")
	if !IsUnreachable(err) {
		t.Fatalf("add err = %v, want unreachable", err)
	}
	if !IsRetryable(err) {
		t.Fatal("unreachable errors are retryable")
	}
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := New(server.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestNewNormalizesAddress(t *testing.T) {
	client, err := New("  192.168.1.10:8080/ ", 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if client.baseURL != "http://192.168.1.10:8080" {
		t.Fatalf("baseURL = %s", client.baseURL)
	}
	if _, err := New("   ", time.Second); err == nil {
		t.Fatal("empty address must be rejected")
	}
}
