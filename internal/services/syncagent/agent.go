// Package syncagent drains the pending sync queue of a secondary device
// into the main ledger whenever the main device is reachable.
package syncagent

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tillworks/cashsync/internal/services/syncqueue/domain"
	"github.com/tillworks/cashsync/internal/services/syncqueue/storage"
	"github.com/tillworks/cashsync/internal/transport/ledgerclient"
)

// State is the agent's connection lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateProbing      State = "probing"
	StateSyncing      State = "syncing"
	StateIdle         State = "idle"
)

// Client is the slice of the main-device API the agent needs.
type Client interface {
	Ping(ctx context.Context) error
	Apply(ctx context.Context, deviceID string, payload domain.Payload) (int64, error)
}

// AlertFunc is invoked when a record is dead-lettered.
type AlertFunc func(record domain.PendingSyncRecord, err error)

// Config tunes the agent's probing and retry behavior.
type Config struct {
	DeviceID      string
	ProbeInterval time.Duration
	RetryBase     time.Duration
	RetryCap      time.Duration
	MaxRetries    int
	BatchSize     int
	Alert         AlertFunc
	Logf          func(format string, args ...any)
}

// Agent replays queued mutations against the main ledger in enqueue
// order. One agent runs per secondary device.
type Agent struct {
	client Client
	queue  storage.QueueStore
	shadow storage.ShadowStore
	cfg    Config
	tracer trace.Tracer

	wake chan struct{}

	mu    sync.Mutex
	state State
}

// New builds an agent. Zero config fields get working defaults.
func New(client Client, queue storage.QueueStore, shadow storage.ShadowStore, cfg Config) *Agent {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Agent{
		client: client,
		queue:  queue,
		shadow: shadow,
		cfg:    cfg,
		tracer: otel.Tracer("cashsync/syncagent"),
		wake:   make(chan struct{}, 1),
		state:  StateDisconnected,
	}
}

// State reports the agent's current phase.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Wake nudges the agent to probe immediately, typically after a new
// record was enqueued. Safe to call from any goroutine; never blocks.
func (a *Agent) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run probes and drains until ctx is canceled. A record in flight when
// ctx ends is left pending; the idempotency key makes its replay safe.
func (a *Agent) Run(ctx context.Context) error {
	for {
		a.setState(StateProbing)
		if err := a.client.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.setState(StateDisconnected)
			if !a.sleep(ctx, a.cfg.ProbeInterval) {
				return ctx.Err()
			}
			continue
		}

		if err := a.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.cfg.Logf("syncagent: drain interrupted: %v", err)
			a.setState(StateDisconnected)
			if !a.sleep(ctx, a.cfg.ProbeInterval) {
				return ctx.Err()
			}
			continue
		}

		a.setState(StateIdle)
		if !a.sleep(ctx, a.cfg.ProbeInterval) {
			return ctx.Err()
		}
	}
}

// sleep waits for d, an explicit wake, or cancellation. It reports
// whether the agent should keep running.
func (a *Agent) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-a.wake:
		return true
	case <-timer.C:
		return true
	}
}

// Drain replays all pending records in enqueue order. It returns nil
// when the queue is empty and an error when the main device stopped
// cooperating mid-batch.
func (a *Agent) Drain(ctx context.Context) error {
	a.setState(StateSyncing)
	ctx, span := a.tracer.Start(ctx, "syncagent.Drain",
		trace.WithAttributes(attribute.String("device.id", a.cfg.DeviceID)))
	defer span.End()

	replayed := 0
	for {
		batch, err := a.queue.DequeueBatch(ctx, a.cfg.DeviceID, a.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			span.SetAttributes(attribute.Int("records.replayed", replayed))
			return nil
		}
		for _, record := range batch {
			if err := a.replay(ctx, record); err != nil {
				return err
			}
			replayed++
		}
	}
}

// replay pushes one record to the main ledger. Permanent rejections
// dead-letter the record and let the rest of the queue proceed;
// retryable failures requeue it with backoff and abort the drain so
// ordering is preserved.
func (a *Agent) replay(ctx context.Context, record domain.PendingSyncRecord) error {
	balance, err := a.client.Apply(ctx, a.cfg.DeviceID, record.Payload)
	if err == nil {
		if err := a.queue.MarkSynced(ctx, record.ID); err != nil {
			return err
		}
		if err := a.shadow.Reconcile(ctx, a.cfg.DeviceID, balance); err != nil {
			a.cfg.Logf("syncagent: reconcile shadow after %s: %v", record.ID, err)
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if !ledgerclient.IsRetryable(err) {
		return a.deadLetter(ctx, record, err)
	}

	if record.RetryCount+1 >= a.cfg.MaxRetries {
		return a.deadLetter(ctx, record, err)
	}
	if qerr := a.queue.Requeue(ctx, record.ID); qerr != nil {
		return qerr
	}
	a.cfg.Logf("syncagent: record %s attempt %d failed, backing off: %v",
		record.ID, record.RetryCount+1, err)
	if !a.sleep(ctx, backoff(a.cfg.RetryBase, a.cfg.RetryCap, record.RetryCount)) {
		return ctx.Err()
	}
	return err
}

func (a *Agent) deadLetter(ctx context.Context, record domain.PendingSyncRecord, cause error) error {
	if err := a.queue.MarkFailed(ctx, record.ID, cause.Error()); err != nil {
		if errors.Is(err, domain.ErrRecordImmutable) {
			return nil
		}
		return err
	}
	a.cfg.Logf("syncagent: record %s dead-lettered: %v", record.ID, cause)
	if a.cfg.Alert != nil {
		a.cfg.Alert(record, cause)
	}
	return nil
}

// backoff grows base doubling per attempt, capped at maxDelay.
func backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
