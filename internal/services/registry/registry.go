// Package registry implements device registration and lifecycle operations.
package registry

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tillworks/cashsync/internal/services/registry/domain"
	"github.com/tillworks/cashsync/internal/services/registry/storage"
)

// UnsyncedCounter reports how many queued cash movements for a device
// have not yet been confirmed by the main ledger.
type UnsyncedCounter interface {
	CountUnsynced(ctx context.Context, deviceID string) (int, error)
}

// Registry coordinates device lifecycle operations over a DeviceStore.
//
// Status and role changes are operational events, not cash movements;
// they are logged but never written to the ledger.
type Registry struct {
	store    storage.DeviceStore
	unsynced UnsyncedCounter
	logf     func(format string, args ...any)
}

// New builds a Registry. unsynced may be nil when no pending sync queue
// is reachable from this process; guards that depend on it then only
// apply where a queue exists.
func New(store storage.DeviceStore, unsynced UnsyncedCounter) *Registry {
	return &Registry{
		store:    store,
		unsynced: unsynced,
		logf:     log.Printf,
	}
}

// Register stores a new device.
func (r *Registry) Register(ctx context.Context, device domain.Device) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("registry is not configured")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	if device.Role == domain.RoleMain && device.Status == domain.StatusActive {
		mainID, err := r.store.ActiveMain(ctx)
		if err != nil {
			return err
		}
		if mainID != "" && mainID != device.ID {
			return domain.ErrMainConflict
		}
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	if err := r.store.Insert(ctx, device); err != nil {
		return err
	}
	r.logf("registered device %s role=%s status=%s", device.ID, device.Role, device.Status)
	return nil
}

// Get loads one device.
func (r *Registry) Get(ctx context.Context, id string) (domain.Device, error) {
	if r == nil || r.store == nil {
		return domain.Device{}, fmt.Errorf("registry is not configured")
	}
	return r.store.Get(ctx, id)
}

// List returns all registered devices.
func (r *Registry) List(ctx context.Context) ([]domain.Device, error) {
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("registry is not configured")
	}
	return r.store.List(ctx)
}

// SetStatus transitions a device's status.
//
// Moving to inactive or maintenance is refused while the device still
// holds unsynced pending records, so queued money movements are never
// silently abandoned.
func (r *Registry) SetStatus(ctx context.Context, id string, status domain.Status) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("registry is not configured")
	}
	if _, err := domain.ParseStatus(string(status)); err != nil {
		return err
	}
	if status == domain.StatusInactive || status == domain.StatusMaintenance {
		if err := r.requireNoUnsynced(ctx, id); err != nil {
			return err
		}
	}
	if err := r.store.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	r.logf("device %s status changed to %s", id, status)
	return nil
}

// SetRole transitions a device's role.
//
// Promoting to main is refused when a different active main exists, and
// refused while the device still holds unsynced queue entries.
func (r *Registry) SetRole(ctx context.Context, id string, role domain.Role) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("registry is not configured")
	}
	if _, err := domain.ParseRole(string(role)); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if role == domain.RoleMain {
		mainID, err := r.store.ActiveMain(ctx)
		if err != nil {
			return err
		}
		if mainID != "" && mainID != id {
			return domain.ErrMainConflict
		}
		if err := r.requireNoUnsynced(ctx, id); err != nil {
			return err
		}
	}
	if err := r.store.UpdateRole(ctx, id, role); err != nil {
		return err
	}
	r.logf("device %s role changed to %s", id, role)
	return nil
}

func (r *Registry) requireNoUnsynced(ctx context.Context, id string) error {
	if r.unsynced == nil {
		return nil
	}
	count, err := r.unsynced.CountUnsynced(ctx, id)
	if err != nil {
		return fmt.Errorf("count unsynced records: %w", err)
	}
	if count > 0 {
		return domain.ErrUnsyncedPending
	}
	return nil
}
