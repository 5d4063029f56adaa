// Package httpapi exposes the main device's registry and ledger over HTTP.
package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tillworks/cashsync/internal/platform/httpjson"
	"github.com/tillworks/cashsync/internal/services/ledger"
	ledgerdomain "github.com/tillworks/cashsync/internal/services/ledger/domain"
	"github.com/tillworks/cashsync/internal/services/registry"
	registrydomain "github.com/tillworks/cashsync/internal/services/registry/domain"
)

// Server holds the main device's HTTP handlers.
type Server struct {
	registry   *registry.Registry
	engine     *ledger.Engine
	aggregator *ledger.Aggregator
}

// NewServer builds the main device API server.
func NewServer(reg *registry.Registry, engine *ledger.Engine, aggregator *ledger.Aggregator) *Server {
	return &Server{registry: reg, engine: engine, aggregator: aggregator}
}

// Handler returns the routed, logged, and traced HTTP handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/devices", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/devices", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/devices/cash/summary", s.handleOverallSummary).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/status", s.handleSetStatus).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id}/role", s.handleSetRole).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id}/cash/add", s.handleAddCash).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/cash/withdraw", s.handleWithdrawCash).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/cash/summary", s.handleDeviceSummary).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/transactions", s.handleTransactions).Methods(http.MethodGet)

	return otelhttp.NewHandler(
		handlers.CombinedLoggingHandler(log.Writer(), router),
		"httpapi",
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	Role         string   `json:"role"`
	Status       string   `json:"status"`
	CashBalance  int64    `json:"cashBalance"`
	MaxCashLimit int64    `json:"maxCashLimit"`
	Permissions  []string `json:"permissions"`
}

type deviceResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	Role         string    `json:"role"`
	Status       string    `json:"status"`
	CashBalance  int64     `json:"cashBalance"`
	MaxCashLimit int64     `json:"maxCashLimit"`
	Permissions  []string  `json:"permissions"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func toDeviceResponse(device registrydomain.Device) deviceResponse {
	return deviceResponse{
		ID:           device.ID,
		Name:         device.Name,
		Address:      device.Address,
		Role:         string(device.Role),
		Status:       string(device.Status),
		CashBalance:  device.CashBalance,
		MaxCashLimit: device.MaxCashLimit,
		Permissions:  device.Permissions,
		CreatedAt:    device.CreatedAt,
		UpdatedAt:    device.UpdatedAt,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if req.Role == "" {
		req.Role = string(registrydomain.RoleSecondary)
	}
	if req.Status == "" {
		req.Status = string(registrydomain.StatusActive)
	}
	device := registrydomain.Device{
		ID:           req.ID,
		Name:         req.Name,
		Address:      req.Address,
		Role:         registrydomain.Role(req.Role),
		Status:       registrydomain.Status(req.Status),
		CashBalance:  req.CashBalance,
		MaxCashLimit: req.MaxCashLimit,
		Permissions:  req.Permissions,
	}
	if err := device.Validate(); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if err := s.registry.Register(r.Context(), device); err != nil {
		writeDomainError(w, err)
		return
	}
	created, err := s.registry.Get(r.Context(), device.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, toDeviceResponse(created))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, device := range devices {
		out = append(out, toDeviceResponse(device))
	}
	httpjson.Write(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	device, err := s.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, toDeviceResponse(device))
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	status, err := registrydomain.ParseStatus(req.Status)
	if err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if err := s.registry.SetStatus(r.Context(), mux.Vars(r)["id"], status); err != nil {
		writeDomainError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	role, err := registrydomain.ParseRole(req.Role)
	if err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if err := s.registry.SetRole(r.Context(), mux.Vars(r)["id"], role); err != nil {
		writeDomainError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]string{"role": string(role)})
}

type mutateRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	CreatedBy      string `json:"createdBy"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

func (s *Server) handleAddCash(w http.ResponseWriter, r *http.Request) {
	s.handleMutate(w, r, ledgerdomain.DirectionAdd)
}

func (s *Server) handleWithdrawCash(w http.ResponseWriter, r *http.Request) {
	s.handleMutate(w, r, ledgerdomain.DirectionWithdraw)
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request, direction ledgerdomain.Direction) {
	var req mutateRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	balance, err := s.engine.Apply(r.Context(), mux.Vars(r)["id"], direction,
		req.Amount, req.Reason, req.CreatedBy, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, balanceResponse{Balance: balance})
}

type deviceSummaryResponse struct {
	DeviceID         string     `json:"deviceId"`
	DeviceName       string     `json:"deviceName"`
	Balance          int64      `json:"balance"`
	TotalAdded       int64      `json:"totalAdded"`
	TotalWithdrawn   int64      `json:"totalWithdrawn"`
	Net              int64      `json:"net"`
	TransactionCount int64      `json:"transactionCount"`
	FirstAt          *time.Time `json:"firstAt,omitempty"`
	LastAt           *time.Time `json:"lastAt,omitempty"`
}

func toDeviceSummaryResponse(summary ledgerdomain.DeviceCashSummary) deviceSummaryResponse {
	return deviceSummaryResponse{
		DeviceID:         summary.DeviceID,
		DeviceName:       summary.DeviceName,
		Balance:          summary.Balance,
		TotalAdded:       summary.TotalAdded,
		TotalWithdrawn:   summary.TotalWithdrawn,
		Net:              summary.Net,
		TransactionCount: summary.TransactionCount,
		FirstAt:          summary.FirstAt,
		LastAt:           summary.LastAt,
	}
}

func (s *Server) handleDeviceSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.aggregator.DeviceSummary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, toDeviceSummaryResponse(summary))
}

type overallSummaryResponse struct {
	TotalBalance     int64                   `json:"totalBalance"`
	TotalAdded       int64                   `json:"totalAdded"`
	TotalWithdrawn   int64                   `json:"totalWithdrawn"`
	Net              int64                   `json:"net"`
	TransactionCount int64                   `json:"transactionCount"`
	DeviceCount      int64                   `json:"deviceCount"`
	Devices          []deviceSummaryResponse `json:"devices"`
}

func (s *Server) handleOverallSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.aggregator.OverallSummary(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := overallSummaryResponse{
		TotalBalance:     summary.TotalBalance,
		TotalAdded:       summary.TotalAdded,
		TotalWithdrawn:   summary.TotalWithdrawn,
		Net:              summary.Net,
		TransactionCount: summary.TransactionCount,
		DeviceCount:      summary.DeviceCount,
		Devices:          make([]deviceSummaryResponse, 0, len(summary.Devices)),
	}
	for _, device := range summary.Devices {
		out.Devices = append(out.Devices, toDeviceSummaryResponse(device))
	}
	httpjson.Write(w, http.StatusOK, out)
}

type transactionResponse struct {
	ID               int64     `json:"id"`
	DeviceID         string    `json:"deviceId"`
	Direction        string    `json:"direction"`
	Amount           int64     `json:"amount"`
	Reason           string    `json:"reason"`
	ResultingBalance int64     `json:"resultingBalance"`
	CreatedBy        string    `json:"createdBy,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	transactions, err := s.engine.Transactions(r.Context(), mux.Vars(r)["id"], limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]transactionResponse, 0, len(transactions))
	for _, tx := range transactions {
		out = append(out, transactionResponse{
			ID:               tx.ID,
			DeviceID:         tx.DeviceID,
			Direction:        string(tx.Direction),
			Amount:           tx.Amount,
			Reason:           tx.Reason,
			ResultingBalance: tx.ResultingBalance,
			CreatedBy:        tx.CreatedBy,
			CreatedAt:        tx.CreatedAt,
		})
	}
	httpjson.Write(w, http.StatusOK, out)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

// writeDomainError maps domain errors to stable codes and HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledgerdomain.ErrInvalidAmount):
		httpjson.WriteError(w, http.StatusBadRequest, "invalid_amount", err.Error())
	case errors.Is(err, ledgerdomain.ErrIdempotencyKeyRequired):
		httpjson.WriteError(w, http.StatusBadRequest, "idempotency_key_required", err.Error())
	case errors.Is(err, ledgerdomain.ErrDeviceNotFound), errors.Is(err, registrydomain.ErrNotFound):
		httpjson.WriteError(w, http.StatusNotFound, "device_not_found", err.Error())
	case errors.Is(err, ledgerdomain.ErrDeviceInactive):
		httpjson.WriteError(w, http.StatusConflict, "device_inactive", err.Error())
	case errors.Is(err, registrydomain.ErrAlreadyRegistered):
		httpjson.WriteError(w, http.StatusConflict, "already_registered", err.Error())
	case errors.Is(err, registrydomain.ErrMainConflict):
		httpjson.WriteError(w, http.StatusConflict, "main_conflict", err.Error())
	case errors.Is(err, registrydomain.ErrUnsyncedPending):
		httpjson.WriteError(w, http.StatusConflict, "unsynced_pending", err.Error())
	case errors.Is(err, ledgerdomain.ErrInsufficientFunds):
		httpjson.WriteError(w, http.StatusUnprocessableEntity, "insufficient_funds", err.Error())
	case errors.Is(err, ledgerdomain.ErrCashLimitExceeded):
		httpjson.WriteError(w, http.StatusUnprocessableEntity, "cash_limit_exceeded", err.Error())
	default:
		httpjson.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
