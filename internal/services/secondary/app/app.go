// Package app wires and runs a secondary device process: the pending
// sync queue, the sync agent, the write relay, and the local HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tillworks/cashsync/internal/platform/timeouts"
	"github.com/tillworks/cashsync/internal/services/deviceconfig"
	deviceconfigsqlite "github.com/tillworks/cashsync/internal/services/deviceconfig/sqlite"
	"github.com/tillworks/cashsync/internal/services/localapi"
	"github.com/tillworks/cashsync/internal/services/relay"
	"github.com/tillworks/cashsync/internal/services/syncagent"
	syncdomain "github.com/tillworks/cashsync/internal/services/syncqueue/domain"
	syncsqlite "github.com/tillworks/cashsync/internal/services/syncqueue/storage/sqlite"
	"github.com/tillworks/cashsync/internal/transport/ledgerclient"
)

// Config carries the secondary device process settings.
type Config struct {
	// HTTPAddr is the listen address of the local API.
	HTTPAddr string
	// StoragePath is the SQLite file holding the queue, the shadow
	// balance, and the role configuration.
	StoragePath string
	// DeviceID identifies this terminal in the main registry.
	DeviceID string
	// MainAddress is the main device's API base address.
	MainAddress string
	// ConnectTimeout bounds each call to the main device.
	ConnectTimeout time.Duration
	// ProbeInterval paces the sync agent's reachability checks.
	ProbeInterval time.Duration
	// MaxRetries bounds replays of one record before dead-lettering.
	MaxRetries int
}

// Run starts the secondary device and blocks until ctx is canceled or
// the HTTP server fails.
func Run(ctx context.Context, cfg Config) error {
	if cfg.HTTPAddr == "" {
		return errors.New("http listen address is required")
	}
	if cfg.DeviceID == "" {
		return errors.New("device id is required")
	}

	queueStore, err := syncsqlite.Open(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer queueStore.Close()

	configStore, err := deviceconfigsqlite.OpenDB(queueStore.DB())
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	configSvc := newConfigService(cfg.DeviceID, configStore, queueStore)
	mainAddress, err := resolveMainAddress(ctx, cfg, configSvc)
	if err != nil {
		return err
	}

	client, err := ledgerclient.New(mainAddress, cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("build main device client: %w", err)
	}

	agent := syncagent.New(client, queueStore, queueStore, syncagent.Config{
		DeviceID:      cfg.DeviceID,
		ProbeInterval: cfg.ProbeInterval,
		MaxRetries:    cfg.MaxRetries,
		Alert: func(record syncdomain.PendingSyncRecord, err error) {
			log.Printf("ALERT: sync record %s for device %s dead-lettered: %v",
				record.ID, record.OriginatingDeviceID, err)
		},
	})
	writeRelay := relay.New(cfg.DeviceID, client, queueStore, queueStore, agent)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           localapi.NewServer(cfg.DeviceID, writeRelay, agent, queueStore).Handler(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		if err := agent.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sync agent stopped: %v", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("secondary device %s local API listening on %s", cfg.DeviceID, cfg.HTTPAddr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		cancel()
		<-agentDone
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	cancel()
	<-agentDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// newConfigService wires the role configuration service to the local
// queue, so switching this device to main is refused while unsynced
// records exist.
func newConfigService(deviceID string, store deviceconfig.Store, queue *syncsqlite.Store) *deviceconfig.Service {
	return deviceconfig.NewService(deviceID, store, queue)
}

// resolveMainAddress prefers the persisted role configuration and falls
// back to the process configuration, persisting it for the next start.
func resolveMainAddress(ctx context.Context, cfg Config, svc *deviceconfig.Service) (string, error) {
	stored, err := svc.Load(ctx)
	switch {
	case err == nil && stored.MainDeviceAddress != "":
		return stored.MainDeviceAddress, nil
	case err != nil && !errors.Is(err, deviceconfig.ErrNotConfigured):
		return "", fmt.Errorf("load device config: %w", err)
	}

	if cfg.MainAddress == "" {
		return "", errors.New("main device address is required")
	}
	port := listenPort(cfg.HTTPAddr)
	if err := svc.Save(ctx, deviceconfig.Config{
		Mode:              deviceconfig.ModeSecondary,
		MainDeviceAddress: cfg.MainAddress,
		Port:              port,
		AutoConnect:       true,
		ConnectionTimeout: cfg.ConnectTimeout,
	}); err != nil {
		return "", fmt.Errorf("save device config: %w", err)
	}
	return cfg.MainAddress, nil
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 8081
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 {
		return 8081
	}
	return port
}
