// Package storage declares persistence contracts for the pending sync queue.
package storage

import (
	"context"
	"time"

	"github.com/tillworks/cashsync/internal/services/syncqueue/domain"
)

// QueueStore durably persists queued cash mutations.
//
// Once Enqueue returns, the mutation survives process restart. Records
// for one originating device are always dequeued in enqueue order;
// later cash movements are only meaningful once earlier ones have
// reached the ledger.
type QueueStore interface {
	Enqueue(ctx context.Context, record domain.PendingSyncRecord) (string, error)
	DequeueBatch(ctx context.Context, deviceID string, limit int) ([]domain.PendingSyncRecord, error)
	MarkSynced(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errorMessage string) error
	Requeue(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.PendingSyncRecord, error)
	CountUnsynced(ctx context.Context, deviceID string) (int, error)
	CountByStatus(ctx context.Context, deviceID string, status domain.Status) (int, error)
	ListDeadLetters(ctx context.Context, deviceID string, limit int) ([]domain.PendingSyncRecord, error)
}

// ShadowBalance is the secondary device's optimistic local view of its
// cash balance. It is a UI convenience, never a ledger fact; Confirmed
// holds the last balance the main ledger acknowledged.
type ShadowBalance struct {
	DeviceID  string
	Balance   int64
	Confirmed int64
	UpdatedAt time.Time
}

// ShadowStore persists the shadow balance alongside the queue.
type ShadowStore interface {
	Shadow(ctx context.Context, deviceID string) (ShadowBalance, error)
	// ApplyDelta shifts the optimistic balance when a mutation is queued.
	ApplyDelta(ctx context.Context, deviceID string, delta int64) error
	// Reconcile pins both balances to a main-confirmed value.
	Reconcile(ctx context.Context, deviceID string, confirmed int64) error
}
