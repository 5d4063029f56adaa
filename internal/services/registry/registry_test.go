package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tillworks/cashsync/internal/services/registry/domain"
	registrysqlite "github.com/tillworks/cashsync/internal/services/registry/storage/sqlite"
)

type fakeCounter struct {
	counts map[string]int
	err    error
}

func (f *fakeCounter) CountUnsynced(_ context.Context, deviceID string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[deviceID], nil
}

func newTestRegistry(t *testing.T, counter UnsyncedCounter) *Registry {
	t.Helper()
	store, err := registrysqlite.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	reg := New(store, counter)
	reg.logf = func(string, ...any) {}
	return reg
}

func registerDevice(t *testing.T, reg *Registry, id string, role domain.Role) {
	t.Helper()
	err := reg.Register(context.Background(), domain.Device{
		ID:     id,
		Name:   id,
		Role:   role,
		Status: domain.StatusActive,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := newTestRegistry(t, nil)
	registerDevice(t, reg, "till-1", domain.RoleMain)

	device, err := reg.Get(context.Background(), "till-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if device.Role != domain.RoleMain {
		t.Fatalf("role = %s, want main", device.Role)
	}
}

func TestRegisterSecondMainRejected(t *testing.T) {
	reg := newTestRegistry(t, nil)
	registerDevice(t, reg, "till-1", domain.RoleMain)

	err := reg.Register(context.Background(), domain.Device{
		ID:     "till-2",
		Name:   "till-2",
		Role:   domain.RoleMain,
		Status: domain.StatusActive,
	})
	if !errors.Is(err, domain.ErrMainConflict) {
		t.Fatalf("err = %v, want ErrMainConflict", err)
	}
}

func TestSetStatusBlockedByUnsynced(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{"till-2": 3}}
	reg := newTestRegistry(t, counter)
	registerDevice(t, reg, "till-2", domain.RoleSecondary)

	err := reg.SetStatus(context.Background(), "till-2", domain.StatusInactive)
	if !errors.Is(err, domain.ErrUnsyncedPending) {
		t.Fatalf("err = %v, want ErrUnsyncedPending", err)
	}

	// Draining the queue lifts the guard.
	counter.counts["till-2"] = 0
	if err := reg.SetStatus(context.Background(), "till-2", domain.StatusInactive); err != nil {
		t.Fatalf("set status after drain: %v", err)
	}
}

func TestSetStatusMaintenanceBlockedByUnsynced(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{"till-3": 1}}
	reg := newTestRegistry(t, counter)
	registerDevice(t, reg, "till-3", domain.RoleSecondary)

	err := reg.SetStatus(context.Background(), "till-3", domain.StatusMaintenance)
	if !errors.Is(err, domain.ErrUnsyncedPending) {
		t.Fatalf("err = %v, want ErrUnsyncedPending", err)
	}
}

func TestSetStatusActiveIgnoresQueue(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{"till-2": 5}}
	reg := newTestRegistry(t, counter)
	registerDevice(t, reg, "till-2", domain.RoleSecondary)

	if err := reg.SetStatus(context.Background(), "till-2", domain.StatusActive); err != nil {
		t.Fatalf("set status active: %v", err)
	}
}

func TestSetRolePromotionGuards(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{"till-2": 2}}
	reg := newTestRegistry(t, counter)
	registerDevice(t, reg, "till-1", domain.RoleMain)
	registerDevice(t, reg, "till-2", domain.RoleSecondary)

	// A different active main exists.
	err := reg.SetRole(context.Background(), "till-2", domain.RoleMain)
	if !errors.Is(err, domain.ErrMainConflict) {
		t.Fatalf("err = %v, want ErrMainConflict", err)
	}

	// Demote the main; promotion is still blocked by queued records.
	if err := reg.SetRole(context.Background(), "till-1", domain.RoleSecondary); err != nil {
		t.Fatalf("demote main: %v", err)
	}
	err = reg.SetRole(context.Background(), "till-2", domain.RoleMain)
	if !errors.Is(err, domain.ErrUnsyncedPending) {
		t.Fatalf("err = %v, want ErrUnsyncedPending", err)
	}

	// Drained queue clears the path.
	counter.counts["till-2"] = 0
	if err := reg.SetRole(context.Background(), "till-2", domain.RoleMain); err != nil {
		t.Fatalf("promote after drain: %v", err)
	}
}

func TestSetRoleInvalid(t *testing.T) {
	reg := newTestRegistry(t, nil)
	registerDevice(t, reg, "till-1", domain.RoleSecondary)

	if err := reg.SetRole(context.Background(), "till-1", "tertiary"); err == nil {
		t.Fatal("expected error for invalid role")
	}
}
