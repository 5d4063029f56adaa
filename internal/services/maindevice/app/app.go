// Package app wires and runs the main device process: the device
// registry, the authoritative cash ledger, and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/tillworks/cashsync/internal/platform/timeouts"
	"github.com/tillworks/cashsync/internal/services/httpapi"
	"github.com/tillworks/cashsync/internal/services/ledger"
	ledgersqlite "github.com/tillworks/cashsync/internal/services/ledger/storage/sqlite"
	"github.com/tillworks/cashsync/internal/services/registry"
	registrydomain "github.com/tillworks/cashsync/internal/services/registry/domain"
	registrysqlite "github.com/tillworks/cashsync/internal/services/registry/storage/sqlite"
)

// Config carries the main device process settings.
type Config struct {
	// HTTPAddr is the listen address of the ledger API.
	HTTPAddr string
	// StoragePath is the SQLite file shared by the registry and ledger.
	StoragePath string
	// DeviceID and DeviceName self-register this terminal as the active
	// main device on first start. Empty DeviceID skips self-registration.
	DeviceID     string
	DeviceName   string
	MaxCashLimit int64
}

// Run starts the main device and blocks until ctx is canceled or the
// HTTP server fails.
func Run(ctx context.Context, cfg Config) error {
	if cfg.HTTPAddr == "" {
		return errors.New("http listen address is required")
	}

	ledgerStore, err := ledgersqlite.Open(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer ledgerStore.Close()

	registryStore, err := registrysqlite.OpenDB(ledgerStore.DB())
	if err != nil {
		return fmt.Errorf("open registry store: %w", err)
	}

	reg := registry.New(registryStore, nil)
	engine := ledger.NewEngine(ledgerStore)
	aggregator := ledger.NewAggregator(ledgerStore)

	if cfg.DeviceID != "" {
		if err := selfRegister(ctx, reg, cfg); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewServer(reg, engine, aggregator).Handler(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("main device API listening on %s", cfg.HTTPAddr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// selfRegister ensures this terminal exists in its own registry as the
// active main device. Restarting an already registered device is a no-op.
func selfRegister(ctx context.Context, reg *registry.Registry, cfg Config) error {
	name := cfg.DeviceName
	if name == "" {
		name = cfg.DeviceID
	}
	err := reg.Register(ctx, registrydomain.Device{
		ID:           cfg.DeviceID,
		Name:         name,
		Address:      cfg.HTTPAddr,
		Role:         registrydomain.RoleMain,
		Status:       registrydomain.StatusActive,
		MaxCashLimit: cfg.MaxCashLimit,
	})
	if err != nil && !errors.Is(err, registrydomain.ErrAlreadyRegistered) {
		return fmt.Errorf("self-register device %s: %w", cfg.DeviceID, err)
	}
	return nil
}
