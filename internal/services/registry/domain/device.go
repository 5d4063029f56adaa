// Package domain defines device identity, role, and status for the registry.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies whether a device hosts the authoritative ledger.
type Role string

const (
	// RoleMain marks the terminal hosting the authoritative cash ledger.
	RoleMain Role = "main"
	// RoleSecondary marks a terminal that may queue mutations while offline.
	RoleSecondary Role = "secondary"
)

// Status is the operational state of a device.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
)

// Device is a registered point-of-sale terminal.
//
// CashBalance is a cache of the ledger fold for the device; the
// transaction log remains the source of truth and the ledger updates
// the cache in the same unit of work as each append.
type Device struct {
	ID           string
	Name         string
	Address      string
	Role         Role
	Status       Status
	CashBalance  int64
	MaxCashLimit int64
	Permissions  []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var (
	// ErrNotFound indicates the device id is not registered.
	ErrNotFound = errors.New("device not found")
	// ErrAlreadyRegistered indicates a duplicate device id.
	ErrAlreadyRegistered = errors.New("device already registered")
	// ErrUnsyncedPending indicates the device still holds queued cash
	// movements that have not reached the main ledger.
	ErrUnsyncedPending = errors.New("device has unsynced pending records")
	// ErrMainConflict indicates another active device already holds the
	// main role.
	ErrMainConflict = errors.New("another device is already main")
)

// ParseRole validates a role string.
func ParseRole(value string) (Role, error) {
	switch Role(strings.TrimSpace(value)) {
	case RoleMain:
		return RoleMain, nil
	case RoleSecondary:
		return RoleSecondary, nil
	default:
		return "", fmt.Errorf("unknown device role %q", value)
	}
}

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.TrimSpace(value)) {
	case StatusActive:
		return StatusActive, nil
	case StatusInactive:
		return StatusInactive, nil
	case StatusMaintenance:
		return StatusMaintenance, nil
	default:
		return "", fmt.Errorf("unknown device status %q", value)
	}
}

// Validate checks the invariants required before registration.
func (d Device) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("device id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("device name is required")
	}
	if _, err := ParseRole(string(d.Role)); err != nil {
		return err
	}
	if _, err := ParseStatus(string(d.Status)); err != nil {
		return err
	}
	if d.CashBalance < 0 {
		return errors.New("cash balance must not be negative")
	}
	if d.MaxCashLimit < 0 {
		return errors.New("max cash limit must not be negative")
	}
	return nil
}
