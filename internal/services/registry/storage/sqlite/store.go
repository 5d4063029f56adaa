// Package sqlite provides SQLite-backed device registry persistence.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tillworks/cashsync/internal/platform/storage/sqlitemigrate"
	"github.com/tillworks/cashsync/internal/services/registry/domain"
	"github.com/tillworks/cashsync/internal/services/registry/storage"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store provides SQLite-backed device persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a registry SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	sqlDB, err := openDB(path)
	if err != nil {
		return nil, err
	}
	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrationsFS()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// OpenDB wraps an existing database handle, applying registry migrations.
//
// The main device process shares one SQLite file between the registry and
// the ledger so balance-cache updates commit atomically with log appends.
func OpenDB(sqlDB *sql.DB) (*Store, error) {
	if sqlDB == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrationsFS()); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Insert stores a new device, failing on duplicate ids.
func (s *Store) Insert(ctx context.Context, device domain.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	if device.UpdatedAt.IsZero() {
		device.UpdatedAt = device.CreatedAt
	}

	permissions, err := json.Marshal(device.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO devices (
	id,
	name,
	address,
	role,
	status,
	cash_balance,
	max_cash_limit,
	permissions,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		device.ID,
		device.Name,
		device.Address,
		string(device.Role),
		string(device.Status),
		device.CashBalance,
		device.MaxCashLimit,
		string(permissions),
		device.CreatedAt.UTC().UnixMilli(),
		device.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		if isConstraintError(err) {
			return domain.ErrAlreadyRegistered
		}
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// Get loads one device by id.
func (s *Store) Get(ctx context.Context, id string) (domain.Device, error) {
	if err := ctx.Err(); err != nil {
		return domain.Device{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Device{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Device{}, fmt.Errorf("device id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, address, role, status, cash_balance, max_cash_limit, permissions, created_at, updated_at
FROM devices
WHERE id = ?
`, id)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Device{}, domain.ErrNotFound
		}
		return domain.Device{}, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

// List returns all devices ordered by registration time.
func (s *Store) List(ctx context.Context) ([]domain.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, name, address, role, status, cash_balance, max_cash_limit, permissions, created_at, updated_at
FROM devices
ORDER BY created_at ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// UpdateStatus sets the status of one device.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	return s.updateColumn(ctx, id, "status", string(status))
}

// UpdateRole sets the role of one device.
func (s *Store) UpdateRole(ctx context.Context, id string, role domain.Role) error {
	return s.updateColumn(ctx, id, "role", string(role))
}

// ActiveMain returns the id of the active main device, or "" when none.
func (s *Store) ActiveMain(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}

	var id string
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id FROM devices WHERE role = ? AND status = ? LIMIT 1
`, string(domain.RoleMain), string(domain.StatusActive))
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("find active main: %w", err)
	}
	return id, nil
}

func (s *Store) updateColumn(ctx context.Context, id, column, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("device id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE devices SET "+column+" = ?, updated_at = ? WHERE id = ?",
		value,
		time.Now().UTC().UnixMilli(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update device %s: %w", column, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update device %s: %w", column, err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (domain.Device, error) {
	var device domain.Device
	var role, status, permissions string
	var createdAt, updatedAt int64
	if err := row.Scan(
		&device.ID,
		&device.Name,
		&device.Address,
		&role,
		&status,
		&device.CashBalance,
		&device.MaxCashLimit,
		&permissions,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Device{}, err
	}
	device.Role = domain.Role(role)
	device.Status = domain.Status(status)
	if err := json.Unmarshal([]byte(permissions), &device.Permissions); err != nil {
		return domain.Device{}, fmt.Errorf("decode permissions: %w", err)
	}
	device.CreatedAt = time.UnixMilli(createdAt).UTC()
	device.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return device, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

var _ storage.DeviceStore = (*Store)(nil)
