// Package domain defines the durable pending-sync queue records.
package domain

import (
	"errors"
	"strings"
	"time"

	ledgerdomain "github.com/tillworks/cashsync/internal/services/ledger/domain"
)

// Status is the lifecycle state of a queued mutation.
type Status string

const (
	// StatusPending marks a mutation not yet confirmed by the main ledger.
	StatusPending Status = "pending"
	// StatusSynced marks a mutation confirmed applied; the record is
	// immutable from this point.
	StatusSynced Status = "synced"
	// StatusFailed marks a dead-lettered mutation requiring operator action.
	StatusFailed Status = "failed"
)

// Payload is the serialized intended cash transaction carried by a
// queue record. The idempotency key travels with it so a replay after a
// crash can never double-apply.
type Payload struct {
	Direction      ledgerdomain.Direction `json:"direction"`
	Amount         int64                  `json:"amount"`
	Reason         string                 `json:"reason"`
	CreatedBy      string                 `json:"createdBy"`
	IdempotencyKey string                 `json:"idempotencyKey"`
}

// Validate checks payload invariants before the record is enqueued.
func (p Payload) Validate() error {
	if _, err := ledgerdomain.ParseDirection(string(p.Direction)); err != nil {
		return err
	}
	if p.Amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(p.IdempotencyKey) == "" {
		return ledgerdomain.ErrIdempotencyKeyRequired
	}
	return nil
}

// PendingSyncRecord is one durably queued cash mutation.
type PendingSyncRecord struct {
	ID                  string
	OriginatingDeviceID string
	Payload             Payload
	Status              Status
	RetryCount          int
	ErrorMessage        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	SyncedAt            *time.Time
}

var (
	// ErrRecordNotFound indicates an unknown queue record id.
	ErrRecordNotFound = errors.New("pending sync record not found")
	// ErrRecordImmutable indicates an attempt to mutate a synced record.
	ErrRecordImmutable = errors.New("synced record is immutable")
)
