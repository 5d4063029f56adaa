// Package deviceconfig stores which role a device plays and how a
// secondary reaches its main device.
package deviceconfig

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Mode is the operating role of this device.
type Mode string

const (
	ModeMain      Mode = "main"
	ModeSecondary Mode = "secondary"
)

var (
	// ErrNotConfigured indicates the device has never been set up.
	ErrNotConfigured = errors.New("device role not configured")
	// ErrUnsyncedPending blocks a role switch while queued mutations
	// have not reached the main ledger.
	ErrUnsyncedPending = errors.New("device has unsynced pending records")
)

// Config is the persisted role configuration of one device.
type Config struct {
	Mode              Mode
	MainDeviceAddress string
	Port              int
	AutoConnect       bool
	ConnectionTimeout time.Duration
	UpdatedAt         time.Time
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeMain, ModeSecondary:
	default:
		return fmt.Errorf("unknown device mode %q", c.Mode)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Mode == ModeSecondary && strings.TrimSpace(c.MainDeviceAddress) == "" {
		return errors.New("secondary mode requires a main device address")
	}
	if c.ConnectionTimeout < 0 {
		return errors.New("connection timeout must not be negative")
	}
	return nil
}

// Store persists the single-row device configuration.
type Store interface {
	Load(ctx context.Context) (Config, error)
	Save(ctx context.Context, cfg Config) error
}

// UnsyncedCounter reports how many queued mutations have not been
// confirmed by the main ledger.
type UnsyncedCounter interface {
	CountUnsynced(ctx context.Context, deviceID string) (int, error)
}

// Service validates and applies role configuration changes.
type Service struct {
	deviceID string
	store    Store
	unsynced UnsyncedCounter
	logf     func(format string, args ...any)
}

// NewService builds the configuration service. unsynced may be nil on
// devices without a sync queue.
func NewService(deviceID string, store Store, unsynced UnsyncedCounter) *Service {
	return &Service{deviceID: deviceID, store: store, unsynced: unsynced, logf: log.Printf}
}

// SetLogf overrides the service logger, mainly for tests.
func (s *Service) SetLogf(logf func(format string, args ...any)) {
	s.logf = logf
}

// Load returns the current configuration.
func (s *Service) Load(ctx context.Context) (Config, error) {
	return s.store.Load(ctx)
}

// Save validates and persists cfg. Promoting a secondary to main is
// refused while its queue still holds unsynced records, since those
// would otherwise never reach a ledger.
func (s *Service) Save(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	current, err := s.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNotConfigured):
	case err != nil:
		return err
	case current.Mode == ModeSecondary && cfg.Mode == ModeMain && s.unsynced != nil:
		count, err := s.unsynced.CountUnsynced(ctx, s.deviceID)
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %d records", ErrUnsyncedPending, count)
		}
	}

	if err := s.store.Save(ctx, cfg); err != nil {
		return err
	}
	s.logf("deviceconfig: device %s configured as %s", s.deviceID, cfg.Mode)
	return nil
}
