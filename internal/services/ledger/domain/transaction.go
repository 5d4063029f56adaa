// Package domain defines the cash transaction log records and ledger errors.
package domain

import (
	"errors"
	"strings"
	"time"
)

// Direction is the sign of a cash movement.
type Direction string

const (
	DirectionAdd      Direction = "add"
	DirectionWithdraw Direction = "withdraw"
)

// CashTransaction is one immutable record of the append-only cash log.
//
// The device balance is always the fold of these records; ResultingBalance
// stores the fold value at the time of the append so any prefix of the log
// can be audited without recomputation.
type CashTransaction struct {
	ID               int64
	DeviceID         string
	Direction        Direction
	Amount           int64
	Reason           string
	ResultingBalance int64
	CreatedBy        string
	CreatedAt        time.Time
	IdempotencyKey   string
}

var (
	// ErrInvalidAmount indicates a non-positive amount.
	ErrInvalidAmount = errors.New("amount must be a positive integer in minor units")
	// ErrIdempotencyKeyRequired indicates a missing idempotency key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrDeviceNotFound indicates the target device is not registered.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceInactive indicates the target device is not active.
	ErrDeviceInactive = errors.New("device is not active")
	// ErrInsufficientFunds indicates a withdrawal beyond the current
	// balance; the log is left unchanged.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrCashLimitExceeded indicates an add would push the balance past
	// the device's configured cash ceiling.
	ErrCashLimitExceeded = errors.New("cash limit exceeded")
)

// ParseDirection validates a direction string.
func ParseDirection(value string) (Direction, error) {
	switch Direction(strings.TrimSpace(value)) {
	case DirectionAdd:
		return DirectionAdd, nil
	case DirectionWithdraw:
		return DirectionWithdraw, nil
	default:
		return "", errors.New("unknown cash direction " + value)
	}
}
