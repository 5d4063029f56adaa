package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/tillworks/cashsync/internal/services/ledger"
	ledgersqlite "github.com/tillworks/cashsync/internal/services/ledger/storage/sqlite"
	"github.com/tillworks/cashsync/internal/services/registry"
	registrysqlite "github.com/tillworks/cashsync/internal/services/registry/storage/sqlite"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := ledgersqlite.Open(filepath.Join(t.TempDir(), "main.db"))
	if err != nil {
		t.Fatalf("open ledger store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registryStore, err := registrysqlite.OpenDB(store.DB())
	if err != nil {
		t.Fatalf("open registry store: %v", err)
	}

	server := NewServer(
		registry.New(registryStore, nil),
		ledger.NewEngine(store),
		ledger.NewAggregator(store),
	)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func putJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPut, url, bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("build put: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func registerDevice(t *testing.T, base, id, role string) {
	t.Helper()
	resp := postJSON(t, base+"/api/v1/devices", map[string]any{
		"id":   id,
		"name": id,
		"role": role,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d", id, resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRegisterAndGetDevice(t *testing.T) {
	ts := newTestServer(t)
	registerDevice(t, ts.URL, "till-1", "main")

	resp, err := http.Get(ts.URL + "/api/v1/devices/till-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	var device map[string]any
	decodeBody(t, resp, &device)
	if device["id"] != "till-1" || device["role"] != "main" {
		t.Fatalf("device = %v", device)
	}
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	ts := newTestServer(t)
	registerDevice(t, ts.URL, "till-1", "secondary")

	resp := postJSON(t, ts.URL+"/api/v1/devices", map[string]any{
		"id": "till-1", "name": "till-1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSecondActiveMainConflicts(t *testing.T) {
	ts := newTestServer(t)
	registerDevice(t, ts.URL, "till-1", "main")

	resp := postJSON(t, ts.URL+"/api/v1/devices", map[string]any{
		"id": "till-2", "name": "till-2", "role": "main",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "main_conflict" {
		t.Fatalf("code = %s, want main_conflict", envelope.Error.Code)
	}
}

func TestCashAddAndWithdraw(t *testing.T) {
	ts := newTestServer(t)
	registerDevice(t, ts.URL, "till-1", "main")

	resp := postJSON(t, ts.URL+"/api/v1/devices/till-1/cash/add", map[string]any{
		"amount": 100000, "reason": "opening float", "idempotencyKey": "k1",
	})
	var balance struct {
		Balance int64 `json:"balance"`
	}
	decodeBody(t, resp, &balance)
	if resp.StatusCode != http.StatusOK || balance.Balance != 100000 {
		t.Fatalf("status = %d balance = %d", resp.StatusCode, balance.Balance)
	}

	resp = postJSON(t, ts.URL+"/api/v1/devices/till-1/cash/withdraw", map[string]any{
		"amount": 30000, "reason": "bank drop", "idempotencyKey": "k2",
	})
	decodeBody(t, resp, &balance)
	if balance.Balance != 70000 {
		t.Fatalf("balance = %d, want 70000", balance.Balance)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	registerDevice(t, ts.URL, "till-1", "main")

	if resp := postJSON(t, ts.URL+"/api/v1/devices/till-1/cash/add", map[string]any{
		"amount": 50000, "idempotencyKey": "seed",
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed: status %d", resp.StatusCode)
	}

	tests := []struct {
		name       string
		path       string
		body       map[string]any
		wantStatus int
		wantCode   string
	}{
		{
			"invalid amount", "/api/v1/devices/till-1/cash/add",
			map[string]any{"amount": -5, "idempotencyKey": "k"},
			http.StatusBadRequest, "invalid_amount",
		},
		{
			"missing idempotency key", "/api/v1/devices/till-1/cash/add",
			map[string]any{"amount": 100},
			http.StatusBadRequest, "idempotency_key_required",
		},
		{
			"unknown device", "/api/v1/devices/ghost/cash/add",
			map[string]any{"amount": 100, "idempotencyKey": "k"},
			http.StatusNotFound, "device_not_found",
		},
		{
			"insufficient funds", "/api/v1/devices/till-1/cash/withdraw",
			map[string]any{"amount": 999999, "idempotencyKey": "k"},
			http.StatusUnprocessableEntity, "insufficient_funds",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+tc.path, tc.body)
			var envelope struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			decodeBody(t, resp, &envelope)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			if envelope.Error.Code != tc.wantCode {
				t.Fatalf("code = %s, want %s", envelope.Error.Code, tc.wantCode)
			}
		})
	}
}

func TestIdempotentReplayOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	registerDevice(t, ts.URL, "till-1", "main")

	var balance struct {
		Balance int64 `json:"balance"`
	}
	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/api/v1/devices/till-1/cash/add", map[string]any{
			"amount": 5000, "idempotencyKey": "same-key",
		})
		decodeBody(t, resp, &balance)
		if balance.Balance != 5000 {
			t.Fatalf("attempt %d: balance = %d, want 5000", i, balance.Balance)
		}
	}

	resp, err := http.Get(ts.URL + "/api/v1/devices/till-1/transactions")
	if err != nil {
		t.Fatalf("get transactions: %v", err)
	}
	var transactions []map[string]any
	decodeBody(t, resp, &transactions)
	if len(transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(transactions))
	}
}

func TestSetStatusAndRole(t *testing.T) {
	ts := newTestServer(t)
	registerDevice(t, ts.URL, "till-1", "main")
	registerDevice(t, ts.URL, "till-2", "secondary")

	resp := putJSON(t, ts.URL+"/api/v1/devices/till-2/status", map[string]any{"status": "maintenance"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status: %d", resp.StatusCode)
	}

	// till-1 is still active main, so promoting till-2 conflicts.
	resp = putJSON(t, ts.URL+"/api/v1/devices/till-2/role", map[string]any{"role": "main"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("promote: status = %d, want 409", resp.StatusCode)
	}
}

func TestSummaries(t *testing.T) {
	ts := newTestServer(t)
	registerDevice(t, ts.URL, "till-1", "main")
	registerDevice(t, ts.URL, "till-2", "secondary")

	for i, seed := range []struct {
		device string
		amount int64
	}{
		{"till-1", 100000},
		{"till-2", 50000},
	} {
		resp := postJSON(t, ts.URL+"/api/v1/devices/"+seed.device+"/cash/add", map[string]any{
			"amount": seed.amount, "idempotencyKey": fmt.Sprintf("seed-%d", i),
		})
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/v1/devices/till-1/cash/summary")
	if err != nil {
		t.Fatalf("device summary: %v", err)
	}
	var device struct {
		Balance          int64 `json:"balance"`
		TransactionCount int64 `json:"transactionCount"`
	}
	decodeBody(t, resp, &device)
	if device.Balance != 100000 || device.TransactionCount != 1 {
		t.Fatalf("device summary = %+v", device)
	}

	resp, err = http.Get(ts.URL + "/api/v1/devices/cash/summary")
	if err != nil {
		t.Fatalf("overall summary: %v", err)
	}
	var overall struct {
		TotalBalance int64 `json:"totalBalance"`
		DeviceCount  int   `json:"deviceCount"`
	}
	decodeBody(t, resp, &overall)
	if overall.TotalBalance != 150000 || overall.DeviceCount != 2 {
		t.Fatalf("overall summary = %+v", overall)
	}
}
