// Package maindevice parses configuration and runs the main device service.
package maindevice

import (
	"context"
	"flag"

	"github.com/tillworks/cashsync/internal/platform/cmd"
	"github.com/tillworks/cashsync/internal/services/maindevice/app"
)

// Config is the main device's environment configuration.
type Config struct {
	HTTPAddr     string `env:"CASHSYNC_HTTP_ADDR" envDefault:":8080"`
	StoragePath  string `env:"CASHSYNC_STORAGE_PATH" envDefault:"maindevice.db"`
	DeviceID     string `env:"CASHSYNC_DEVICE_ID"`
	DeviceName   string `env:"CASHSYNC_DEVICE_NAME"`
	MaxCashLimit int64  `env:"CASHSYNC_MAX_CASH_LIMIT"`
}

// Run parses flags over environment defaults and starts the service.
func Run(ctx context.Context, args []string) error {
	var cfg Config
	if err := cmd.ParseConfig(&cfg); err != nil {
		return err
	}

	fs := flag.NewFlagSet(cmd.ServiceMainDevice, flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite database path")
	fs.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "self-register with this device id")
	fs.StringVar(&cfg.DeviceName, "device-name", cfg.DeviceName, "display name for self-registration")
	fs.Int64Var(&cfg.MaxCashLimit, "max-cash-limit", cfg.MaxCashLimit, "cash limit for self-registration, 0 for none")
	if err := cmd.ParseArgs(fs, args); err != nil {
		return err
	}

	return cmd.RunWithTelemetry(ctx, cmd.ServiceMainDevice, func(ctx context.Context) error {
		return app.Run(ctx, app.Config{
			HTTPAddr:     cfg.HTTPAddr,
			StoragePath:  cfg.StoragePath,
			DeviceID:     cfg.DeviceID,
			DeviceName:   cfg.DeviceName,
			MaxCashLimit: cfg.MaxCashLimit,
		})
	})
}
