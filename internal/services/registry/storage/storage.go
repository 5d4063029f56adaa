// Package storage declares persistence contracts for the device registry.
package storage

import (
	"context"

	"github.com/tillworks/cashsync/internal/services/registry/domain"
)

// DeviceStore persists registered devices.
//
// Devices are never deleted while ledger entries reference them; removal
// is expressed by status changes only.
type DeviceStore interface {
	Insert(ctx context.Context, device domain.Device) error
	Get(ctx context.Context, id string) (domain.Device, error)
	List(ctx context.Context) ([]domain.Device, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	UpdateRole(ctx context.Context, id string, role domain.Role) error
	// ActiveMain returns the id of the active main device, or "" when none.
	ActiveMain(ctx context.Context) (string, error)
}
