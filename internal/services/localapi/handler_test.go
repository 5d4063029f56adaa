package localapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/tillworks/cashsync/internal/services/relay"
	"github.com/tillworks/cashsync/internal/services/syncagent"
	syncdomain "github.com/tillworks/cashsync/internal/services/syncqueue/domain"
	syncsqlite "github.com/tillworks/cashsync/internal/services/syncqueue/storage/sqlite"
	"github.com/tillworks/cashsync/internal/transport/ledgerclient"
)

type offlineClient struct{}

func (offlineClient) Ping(ctx context.Context) error { return &ledgerclient.UnreachableError{} }

func (offlineClient) Apply(ctx context.Context, deviceID string, payload syncdomain.Payload) (int64, error) {
	return 0, &ledgerclient.UnreachableError{}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := syncsqlite.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	client := offlineClient{}
	agent := syncagent.New(client, store, store, syncagent.Config{DeviceID: "till-2", Logf: t.Logf})
	r := relay.New("till-2", client, store, store, agent)
	r.SetLogf(t.Logf)

	ts := httptest.NewServer(NewServer("till-2", r, agent, store).Handler())
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

func TestOfflineAddReportsQueued(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/cash/add", map[string]any{
		"amount": 5000, "reason": "float top-up",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result struct {
		Balance int64 `json:"balance"`
		Queued  bool  `json:"queued"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Queued || result.Balance != 5000 {
		t.Fatalf("result = %+v, want queued balance 5000", result)
	}
}

func TestOfflineWithdrawBeyondShadowRejected(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/cash/withdraw", map[string]any{"amount": 1000})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "insufficient_funds" {
		t.Fatalf("code = %s, want insufficient_funds", envelope.Error.Code)
	}
}

func TestShadowEndpoint(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/v1/cash/add", map[string]any{"amount": 5000}).Body.Close()
	postJSON(t, ts.URL+"/api/v1/cash/withdraw", map[string]any{"amount": 2000}).Body.Close()

	resp, err := http.Get(ts.URL + "/api/v1/cash/shadow")
	if err != nil {
		t.Fatalf("get shadow: %v", err)
	}
	defer resp.Body.Close()
	var shadow struct {
		DeviceID  string `json:"deviceId"`
		Balance   int64  `json:"balance"`
		Confirmed int64  `json:"confirmed"`
		Pending   int    `json:"pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&shadow); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if shadow.DeviceID != "till-2" || shadow.Balance != 3000 || shadow.Confirmed != 0 || shadow.Pending != 2 {
		t.Fatalf("shadow = %+v", shadow)
	}
}

func TestSyncStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/v1/cash/add", map[string]any{"amount": 5000}).Body.Close()

	resp, err := http.Get(ts.URL + "/api/v1/sync/status")
	if err != nil {
		t.Fatalf("get sync status: %v", err)
	}
	defer resp.Body.Close()
	var status struct {
		State       string           `json:"state"`
		Pending     int              `json:"pending"`
		Failed      int              `json:"failed"`
		DeadLetters []map[string]any `json:"deadLetters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Pending != 1 || status.Failed != 0 || len(status.DeadLetters) != 0 {
		t.Fatalf("status = %+v", status)
	}
	if status.State != string(syncagent.StateDisconnected) {
		t.Fatalf("state = %s, want disconnected", status.State)
	}
}
