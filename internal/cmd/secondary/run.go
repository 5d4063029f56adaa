// Package secondary parses configuration and runs a secondary device service.
package secondary

import (
	"context"
	"flag"
	"time"

	"github.com/tillworks/cashsync/internal/platform/cmd"
	"github.com/tillworks/cashsync/internal/services/secondary/app"
)

// Config is the secondary device's environment configuration.
type Config struct {
	HTTPAddr       string        `env:"CASHSYNC_HTTP_ADDR" envDefault:":8081"`
	StoragePath    string        `env:"CASHSYNC_STORAGE_PATH" envDefault:"secondary.db"`
	DeviceID       string        `env:"CASHSYNC_DEVICE_ID"`
	MainAddress    string        `env:"CASHSYNC_MAIN_ADDRESS"`
	ConnectTimeout time.Duration `env:"CASHSYNC_CONNECT_TIMEOUT" envDefault:"5s"`
	ProbeInterval  time.Duration `env:"CASHSYNC_PROBE_INTERVAL" envDefault:"10s"`
	MaxRetries     int           `env:"CASHSYNC_MAX_RETRIES" envDefault:"5"`
}

// Run parses flags over environment defaults and starts the service.
func Run(ctx context.Context, args []string) error {
	var cfg Config
	if err := cmd.ParseConfig(&cfg); err != nil {
		return err
	}

	fs := flag.NewFlagSet(cmd.ServiceSecondary, flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "local API listen address")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite database path")
	fs.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "device id registered on the main device")
	fs.StringVar(&cfg.MainAddress, "main-address", cfg.MainAddress, "main device API address")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "timeout per main device call")
	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "interval between reachability probes")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "replay attempts before dead-lettering a record")
	if err := cmd.ParseArgs(fs, args); err != nil {
		return err
	}

	return cmd.RunWithTelemetry(ctx, cmd.ServiceSecondary, func(ctx context.Context) error {
		return app.Run(ctx, app.Config{
			HTTPAddr:       cfg.HTTPAddr,
			StoragePath:    cfg.StoragePath,
			DeviceID:       cfg.DeviceID,
			MainAddress:    cfg.MainAddress,
			ConnectTimeout: cfg.ConnectTimeout,
			ProbeInterval:  cfg.ProbeInterval,
			MaxRetries:     cfg.MaxRetries,
		})
	})
}
