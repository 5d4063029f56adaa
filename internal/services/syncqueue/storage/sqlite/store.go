// Package sqlite provides SQLite-backed pending sync queue persistence.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tillworks/cashsync/internal/platform/storage/sqlitemigrate"
	ledgerdomain "github.com/tillworks/cashsync/internal/services/ledger/domain"
	"github.com/tillworks/cashsync/internal/services/syncqueue/domain"
	"github.com/tillworks/cashsync/internal/services/syncqueue/storage"
	"github.com/tillworks/cashsync/internal/services/syncqueue/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed queue and shadow balance persistence for
// one secondary device.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a sync queue SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// DB exposes the underlying handle so the secondary process can share
// one SQLite file between the queue and the role configuration.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Enqueue durably stores a pending mutation and returns its id.
func (s *Store) Enqueue(ctx context.Context, record domain.PendingSyncRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}
	record.OriginatingDeviceID = strings.TrimSpace(record.OriginatingDeviceID)
	if record.OriginatingDeviceID == "" {
		return "", fmt.Errorf("originating device id is required")
	}
	if err := record.Payload.Validate(); err != nil {
		return "", err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.Status == "" {
		record.Status = domain.StatusPending
	}

	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO pending_sync_records (
	id,
	device_id,
	payload,
	status,
	retry_count,
	error_message,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.OriginatingDeviceID,
		string(payload),
		string(record.Status),
		record.RetryCount,
		record.ErrorMessage,
		record.CreatedAt.UnixMilli(),
		record.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue record: %w", err)
	}
	return record.ID, nil
}

// DequeueBatch returns up to limit pending records for one device in
// enqueue order. Ordering follows the monotonic seq column; created_at
// is millisecond-granular and ties within one millisecond are common.
func (s *Store) DequeueBatch(ctx context.Context, deviceID string, limit int) ([]domain.PendingSyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, device_id, payload, status, retry_count, error_message, created_at, updated_at, synced_at
FROM pending_sync_records
WHERE device_id = ? AND status = 'pending'
ORDER BY seq ASC
LIMIT ?
`, strings.TrimSpace(deviceID), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}
	defer rows.Close()

	records := make([]domain.PendingSyncRecord, 0, limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// MarkSynced finalizes a record after the main ledger confirmed the
// write. Marking an already synced record is a no-op.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	now := time.Now().UTC().UnixMilli()
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE pending_sync_records
SET status = 'synced', synced_at = ?, updated_at = ?
WHERE id = ? AND status != 'synced'
`, now, now, id)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if affected == 0 {
		record, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if record.Status == domain.StatusSynced {
			return nil
		}
		return domain.ErrRecordNotFound
	}
	return nil
}

// MarkFailed dead-letters a record after retries are exhausted.
func (s *Store) MarkFailed(ctx context.Context, id string, errorMessage string) error {
	return s.transition(ctx, id, `
UPDATE pending_sync_records
SET status = 'failed', error_message = ?, updated_at = ?
WHERE id = ? AND status = 'pending'
`, errorMessage)
}

// Requeue increments the retry count of a pending record after a failed
// replay attempt.
func (s *Store) Requeue(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
UPDATE pending_sync_records
SET retry_count = retry_count + 1, updated_at = ?1
WHERE id = ?2 AND status = 'pending'
`)
}

func (s *Store) transition(ctx context.Context, id, query string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	now := time.Now().UTC().UnixMilli()
	params := append(args, now, id)
	result, err := s.sqlDB.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if affected == 0 {
		record, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if record.Status == domain.StatusSynced {
			return domain.ErrRecordImmutable
		}
		return fmt.Errorf("record %s is %s, not pending", id, record.Status)
	}
	return nil
}

// Get loads one record by id.
func (s *Store) Get(ctx context.Context, id string) (domain.PendingSyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.PendingSyncRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.PendingSyncRecord{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, device_id, payload, status, retry_count, error_message, created_at, updated_at, synced_at
FROM pending_sync_records
WHERE id = ?
`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PendingSyncRecord{}, domain.ErrRecordNotFound
		}
		return domain.PendingSyncRecord{}, fmt.Errorf("get record: %w", err)
	}
	return record, nil
}

// CountUnsynced counts records whose money movement has not reached the
// main ledger: both pending and dead-lettered ones.
func (s *Store) CountUnsynced(ctx context.Context, deviceID string) (int, error) {
	return s.count(ctx, deviceID, "status IN ('pending', 'failed')")
}

// CountByStatus counts one device's records in a given status.
func (s *Store) CountByStatus(ctx context.Context, deviceID string, status domain.Status) (int, error) {
	switch status {
	case domain.StatusPending, domain.StatusSynced, domain.StatusFailed:
	default:
		return 0, fmt.Errorf("unknown status %q", status)
	}
	return s.count(ctx, deviceID, "status = '"+string(status)+"'")
}

func (s *Store) count(ctx context.Context, deviceID, where string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var count int
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_sync_records WHERE device_id = ? AND "+where,
		strings.TrimSpace(deviceID),
	)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// ListDeadLetters returns failed records for operator review, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, deviceID string, limit int) ([]domain.PendingSyncRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, device_id, payload, status, retry_count, error_message, created_at, updated_at, synced_at
FROM pending_sync_records
WHERE device_id = ? AND status = 'failed'
ORDER BY updated_at DESC, seq DESC
LIMIT ?
`, strings.TrimSpace(deviceID), limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	records := make([]domain.PendingSyncRecord, 0, limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Shadow returns the device's optimistic balance view, zero-valued when
// no mutation has been recorded yet.
func (s *Store) Shadow(ctx context.Context, deviceID string) (storage.ShadowBalance, error) {
	if err := ctx.Err(); err != nil {
		return storage.ShadowBalance{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ShadowBalance{}, fmt.Errorf("storage is not configured")
	}
	deviceID = strings.TrimSpace(deviceID)

	shadow := storage.ShadowBalance{DeviceID: deviceID}
	var updatedAt int64
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT balance, confirmed, updated_at FROM shadow_balances WHERE device_id = ?",
		deviceID,
	)
	if err := row.Scan(&shadow.Balance, &shadow.Confirmed, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return shadow, nil
		}
		return storage.ShadowBalance{}, fmt.Errorf("read shadow balance: %w", err)
	}
	shadow.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return shadow, nil
}

// ApplyDelta shifts the optimistic balance when a mutation is queued.
func (s *Store) ApplyDelta(ctx context.Context, deviceID string, delta int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO shadow_balances (device_id, balance, confirmed, updated_at)
VALUES (?, ?, 0, ?)
ON CONFLICT (device_id) DO UPDATE SET
	balance = balance + excluded.balance,
	updated_at = excluded.updated_at
`, strings.TrimSpace(deviceID), delta, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("apply shadow delta: %w", err)
	}
	return nil
}

// Reconcile pins the confirmed balance to a main-acknowledged value and
// recomputes the optimistic balance as confirmed plus the deltas of
// still-pending records.
func (s *Store) Reconcile(ctx context.Context, deviceID string, confirmed int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	deviceID = strings.TrimSpace(deviceID)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT payload FROM pending_sync_records WHERE device_id = ? AND status = 'pending' ORDER BY seq ASC",
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("load pending payloads: %w", err)
	}
	var pendingDelta int64
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan payload: %w", err)
		}
		var payload domain.Payload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			rows.Close()
			return fmt.Errorf("decode payload: %w", err)
		}
		if payload.Direction == ledgerdomain.DirectionWithdraw {
			pendingDelta -= payload.Amount
		} else {
			pendingDelta += payload.Amount
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate payloads: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO shadow_balances (device_id, balance, confirmed, updated_at)
VALUES (?1, ?2, ?3, ?4)
ON CONFLICT (device_id) DO UPDATE SET
	balance = ?2,
	confirmed = ?3,
	updated_at = ?4
`, deviceID, confirmed+pendingDelta, confirmed, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("reconcile shadow balance: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.PendingSyncRecord, error) {
	var record domain.PendingSyncRecord
	var payload, status string
	var createdAt, updatedAt int64
	var syncedAt sql.NullInt64
	if err := row.Scan(
		&record.ID,
		&record.OriginatingDeviceID,
		&payload,
		&status,
		&record.RetryCount,
		&record.ErrorMessage,
		&createdAt,
		&updatedAt,
		&syncedAt,
	); err != nil {
		return domain.PendingSyncRecord{}, err
	}
	if err := json.Unmarshal([]byte(payload), &record.Payload); err != nil {
		return domain.PendingSyncRecord{}, fmt.Errorf("decode payload: %w", err)
	}
	record.Status = domain.Status(status)
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if syncedAt.Valid {
		synced := time.UnixMilli(syncedAt.Int64).UTC()
		record.SyncedAt = &synced
	}
	return record, nil
}

var (
	_ storage.QueueStore  = (*Store)(nil)
	_ storage.ShadowStore = (*Store)(nil)
)
