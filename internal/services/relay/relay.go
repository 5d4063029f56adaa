// Package relay is the secondary device's cash write path: it forwards
// mutations to the main ledger when reachable and queues them durably
// when not.
package relay

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"

	ledgerdomain "github.com/tillworks/cashsync/internal/services/ledger/domain"
	syncdomain "github.com/tillworks/cashsync/internal/services/syncqueue/domain"
	"github.com/tillworks/cashsync/internal/services/syncqueue/storage"
	"github.com/tillworks/cashsync/internal/transport/ledgerclient"
)

// Client is the slice of the main-device API the relay needs.
type Client interface {
	Apply(ctx context.Context, deviceID string, payload syncdomain.Payload) (int64, error)
}

// Waker is notified when a mutation was queued instead of applied.
type Waker interface {
	Wake()
}

// Result is the outcome of a cash mutation seen from the secondary.
type Result struct {
	// Balance is authoritative when Queued is false and the optimistic
	// shadow balance when true.
	Balance int64
	Queued  bool
}

// Relay coordinates the online and offline write paths for one
// secondary device.
type Relay struct {
	deviceID string
	client   Client
	queue    storage.QueueStore
	shadow   storage.ShadowStore
	waker    Waker
	logf     func(format string, args ...any)
}

// New builds a relay for the given originating device.
func New(deviceID string, client Client, queue storage.QueueStore, shadow storage.ShadowStore, waker Waker) *Relay {
	return &Relay{
		deviceID: deviceID,
		client:   client,
		queue:    queue,
		shadow:   shadow,
		waker:    waker,
		logf:     log.Printf,
	}
}

// SetLogf overrides the relay's logger, mainly for tests.
func (r *Relay) SetLogf(logf func(format string, args ...any)) {
	r.logf = logf
}

// AddCash records a cash addition, online or queued.
func (r *Relay) AddCash(ctx context.Context, amount int64, reason, createdBy, idempotencyKey string) (Result, error) {
	return r.apply(ctx, ledgerdomain.DirectionAdd, amount, reason, createdBy, idempotencyKey)
}

// WithdrawCash records a cash withdrawal, online or queued. Offline
// withdrawals are bounded by the shadow balance.
func (r *Relay) WithdrawCash(ctx context.Context, amount int64, reason, createdBy, idempotencyKey string) (Result, error) {
	return r.apply(ctx, ledgerdomain.DirectionWithdraw, amount, reason, createdBy, idempotencyKey)
}

func (r *Relay) apply(ctx context.Context, direction ledgerdomain.Direction, amount int64, reason, createdBy, idempotencyKey string) (Result, error) {
	if amount <= 0 {
		return Result{}, ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		idempotencyKey = uuid.NewString()
	}
	payload := syncdomain.Payload{
		Direction:      direction,
		Amount:         amount,
		Reason:         reason,
		CreatedBy:      createdBy,
		IdempotencyKey: idempotencyKey,
	}

	balance, err := r.client.Apply(ctx, r.deviceID, payload)
	if err == nil {
		if serr := r.shadow.Reconcile(ctx, r.deviceID, balance); serr != nil {
			r.logf("relay: reconcile shadow: %v", serr)
		}
		return Result{Balance: balance}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if !ledgerclient.IsRetryable(err) {
		return Result{}, err
	}

	return r.queueOffline(ctx, payload)
}

// queueOffline durably stores the mutation for later replay. The
// returned balance is the shadow balance after the optimistic delta.
func (r *Relay) queueOffline(ctx context.Context, payload syncdomain.Payload) (Result, error) {
	delta := payload.Amount
	if payload.Direction == ledgerdomain.DirectionWithdraw {
		shadow, err := r.shadow.Shadow(ctx, r.deviceID)
		if err != nil {
			return Result{}, err
		}
		if payload.Amount > shadow.Balance {
			return Result{}, ledgerdomain.ErrInsufficientFunds
		}
		delta = -payload.Amount
	}

	if _, err := r.queue.Enqueue(ctx, syncdomain.PendingSyncRecord{
		OriginatingDeviceID: r.deviceID,
		Payload:             payload,
	}); err != nil {
		return Result{}, err
	}
	if err := r.shadow.ApplyDelta(ctx, r.deviceID, delta); err != nil {
		return Result{}, err
	}
	if r.waker != nil {
		r.waker.Wake()
	}

	shadow, err := r.shadow.Shadow(ctx, r.deviceID)
	if err != nil {
		return Result{}, err
	}
	return Result{Balance: shadow.Balance, Queued: true}, nil
}

// Shadow exposes the current optimistic balance for status endpoints.
func (r *Relay) Shadow(ctx context.Context) (storage.ShadowBalance, error) {
	return r.shadow.Shadow(ctx, r.deviceID)
}
