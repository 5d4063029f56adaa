// Package localapi exposes the secondary device's cash operations and
// sync status over its local HTTP port.
package localapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tillworks/cashsync/internal/platform/httpjson"
	ledgerdomain "github.com/tillworks/cashsync/internal/services/ledger/domain"
	"github.com/tillworks/cashsync/internal/services/relay"
	"github.com/tillworks/cashsync/internal/services/syncagent"
	syncdomain "github.com/tillworks/cashsync/internal/services/syncqueue/domain"
	syncstorage "github.com/tillworks/cashsync/internal/services/syncqueue/storage"
	"github.com/tillworks/cashsync/internal/transport/ledgerclient"
)

// Server holds the secondary device's HTTP handlers.
type Server struct {
	deviceID string
	relay    *relay.Relay
	agent    *syncagent.Agent
	queue    syncstorage.QueueStore
}

// NewServer builds the local API server for one secondary device.
func NewServer(deviceID string, r *relay.Relay, agent *syncagent.Agent, queue syncstorage.QueueStore) *Server {
	return &Server{deviceID: deviceID, relay: r, agent: agent, queue: queue}
}

// Handler returns the routed, logged, and traced HTTP handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/cash/add", s.handleAddCash).Methods(http.MethodPost)
	api.HandleFunc("/cash/withdraw", s.handleWithdrawCash).Methods(http.MethodPost)
	api.HandleFunc("/cash/shadow", s.handleShadow).Methods(http.MethodGet)
	api.HandleFunc("/sync/status", s.handleSyncStatus).Methods(http.MethodGet)

	return otelhttp.NewHandler(
		handlers.CombinedLoggingHandler(log.Writer(), router),
		"localapi",
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, map[string]string{"status": "ok"})
}

type mutateRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	CreatedBy      string `json:"createdBy"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type mutateResponse struct {
	Balance int64 `json:"balance"`
	Queued  bool  `json:"queued"`
}

func (s *Server) handleAddCash(w http.ResponseWriter, r *http.Request) {
	s.handleMutate(w, r, s.relay.AddCash)
}

func (s *Server) handleWithdrawCash(w http.ResponseWriter, r *http.Request) {
	s.handleMutate(w, r, s.relay.WithdrawCash)
}

type mutateFunc func(ctx context.Context, amount int64, reason, createdBy, idempotencyKey string) (relay.Result, error)

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request, apply mutateFunc) {
	var req mutateRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	result, err := apply(r.Context(), req.Amount, req.Reason, req.CreatedBy, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, mutateResponse{Balance: result.Balance, Queued: result.Queued})
}

type shadowResponse struct {
	DeviceID  string    `json:"deviceId"`
	Balance   int64     `json:"balance"`
	Confirmed int64     `json:"confirmed"`
	Pending   int       `json:"pending"`
	Failed    int       `json:"failed"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Server) handleShadow(w http.ResponseWriter, r *http.Request) {
	shadow, err := s.relay.Shadow(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	pending, err := s.queue.CountByStatus(r.Context(), s.deviceID, syncdomain.StatusPending)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	failed, err := s.queue.CountByStatus(r.Context(), s.deviceID, syncdomain.StatusFailed)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, shadowResponse{
		DeviceID:  s.deviceID,
		Balance:   shadow.Balance,
		Confirmed: shadow.Confirmed,
		Pending:   pending,
		Failed:    failed,
		UpdatedAt: shadow.UpdatedAt,
	})
}

type deadLetterResponse struct {
	ID           string    `json:"id"`
	Direction    string    `json:"direction"`
	Amount       int64     `json:"amount"`
	RetryCount   int       `json:"retryCount"`
	ErrorMessage string    `json:"errorMessage"`
	CreatedAt    time.Time `json:"createdAt"`
}

type syncStatusResponse struct {
	State       string               `json:"state"`
	Pending     int                  `json:"pending"`
	Failed      int                  `json:"failed"`
	DeadLetters []deadLetterResponse `json:"deadLetters"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.CountByStatus(r.Context(), s.deviceID, syncdomain.StatusPending)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	failed, err := s.queue.CountByStatus(r.Context(), s.deviceID, syncdomain.StatusFailed)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	deadLetters, err := s.queue.ListDeadLetters(r.Context(), s.deviceID, 50)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := syncStatusResponse{
		State:       string(s.agent.State()),
		Pending:     pending,
		Failed:      failed,
		DeadLetters: make([]deadLetterResponse, 0, len(deadLetters)),
	}
	for _, record := range deadLetters {
		out.DeadLetters = append(out.DeadLetters, deadLetterResponse{
			ID:           record.ID,
			Direction:    string(record.Payload.Direction),
			Amount:       record.Payload.Amount,
			RetryCount:   record.RetryCount,
			ErrorMessage: record.ErrorMessage,
			CreatedAt:    record.CreatedAt,
		})
	}
	httpjson.Write(w, http.StatusOK, out)
}

// writeDomainError maps domain errors to stable codes and HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var apiErr *ledgerclient.APIError
	switch {
	case errors.Is(err, ledgerdomain.ErrInvalidAmount):
		httpjson.WriteError(w, http.StatusBadRequest, "invalid_amount", err.Error())
	case errors.Is(err, ledgerdomain.ErrDeviceNotFound):
		httpjson.WriteError(w, http.StatusNotFound, "device_not_found", err.Error())
	case errors.Is(err, ledgerdomain.ErrDeviceInactive):
		httpjson.WriteError(w, http.StatusConflict, "device_inactive", err.Error())
	case errors.Is(err, ledgerdomain.ErrInsufficientFunds):
		httpjson.WriteError(w, http.StatusUnprocessableEntity, "insufficient_funds", err.Error())
	case errors.Is(err, ledgerdomain.ErrCashLimitExceeded):
		httpjson.WriteError(w, http.StatusUnprocessableEntity, "cash_limit_exceeded", err.Error())
	case errors.As(err, &apiErr):
		httpjson.WriteError(w, apiErr.StatusCode, apiErr.Code, apiErr.Message)
	default:
		httpjson.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
