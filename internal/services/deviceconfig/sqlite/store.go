// Package sqlite provides SQLite-backed device role configuration
// persistence.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tillworks/cashsync/internal/platform/storage/sqlitemigrate"
	"github.com/tillworks/cashsync/internal/services/deviceconfig"
	"github.com/tillworks/cashsync/internal/services/deviceconfig/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists the single-row device configuration.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a configuration SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return OpenDB(sqlDB)
}

// OpenDB wraps an existing database handle, applying configuration
// migrations. The secondary process shares one SQLite file between the
// queue and the configuration.
func OpenDB(sqlDB *sql.DB) (*Store, error) {
	if sqlDB == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Load returns the stored configuration or ErrNotConfigured.
func (s *Store) Load(ctx context.Context) (deviceconfig.Config, error) {
	if err := ctx.Err(); err != nil {
		return deviceconfig.Config{}, err
	}
	if s == nil || s.sqlDB == nil {
		return deviceconfig.Config{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT mode, main_address, port, auto_connect, connection_timeout_ms, updated_at
FROM device_config
WHERE id = 1
`)
	var cfg deviceconfig.Config
	var mode string
	var autoConnect int
	var timeoutMillis, updatedAt int64
	if err := row.Scan(&mode, &cfg.MainDeviceAddress, &cfg.Port, &autoConnect, &timeoutMillis, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return deviceconfig.Config{}, deviceconfig.ErrNotConfigured
		}
		return deviceconfig.Config{}, fmt.Errorf("load device config: %w", err)
	}
	cfg.Mode = deviceconfig.Mode(mode)
	cfg.AutoConnect = autoConnect != 0
	cfg.ConnectionTimeout = time.Duration(timeoutMillis) * time.Millisecond
	cfg.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return cfg, nil
}

// Save upserts the configuration row.
func (s *Store) Save(ctx context.Context, cfg deviceconfig.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	autoConnect := 0
	if cfg.AutoConnect {
		autoConnect = 1
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO device_config (id, mode, main_address, port, auto_connect, connection_timeout_ms, updated_at)
VALUES (1, ?1, ?2, ?3, ?4, ?5, ?6)
ON CONFLICT (id) DO UPDATE SET
	mode = ?1,
	main_address = ?2,
	port = ?3,
	auto_connect = ?4,
	connection_timeout_ms = ?5,
	updated_at = ?6
`,
		string(cfg.Mode),
		cfg.MainDeviceAddress,
		cfg.Port,
		autoConnect,
		cfg.ConnectionTimeout.Milliseconds(),
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save device config: %w", err)
	}
	return nil
}

var _ deviceconfig.Store = (*Store)(nil)
