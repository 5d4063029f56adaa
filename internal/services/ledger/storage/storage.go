// Package storage declares persistence contracts for the cash ledger.
package storage

import (
	"context"

	"github.com/tillworks/cashsync/internal/services/ledger/domain"
)

// AppendRequest describes one intended log append.
type AppendRequest struct {
	DeviceID       string
	Direction      domain.Direction
	Amount         int64
	Reason         string
	CreatedBy      string
	IdempotencyKey string
}

// AppendResult is the committed outcome of an append.
//
// Replayed is true when the idempotency key had already been committed;
// Transaction then holds the previously stored record and no new row
// was appended.
type AppendResult struct {
	Transaction domain.CashTransaction
	Replayed    bool
}

// TransactionStore persists the append-only cash transaction log.
//
// Append must run as one atomic unit: validate against the current
// balance, compute the resulting balance, insert the record, and update
// the device's cached balance, so concurrent appends for the same device
// never interleave.
type TransactionStore interface {
	Append(ctx context.Context, req AppendRequest) (AppendResult, error)
	Balance(ctx context.Context, deviceID string) (int64, error)
	ListTransactions(ctx context.Context, deviceID string, limit, offset int) ([]domain.CashTransaction, error)
	DeviceSummary(ctx context.Context, deviceID string) (domain.DeviceCashSummary, error)
	OverallSummary(ctx context.Context) (domain.OverallCashSummary, error)
}
