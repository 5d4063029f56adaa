// Package sqlite provides the SQLite-backed cash transaction log.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tillworks/cashsync/internal/platform/storage/sqlitemigrate"
	"github.com/tillworks/cashsync/internal/services/ledger/domain"
	"github.com/tillworks/cashsync/internal/services/ledger/storage"
	"github.com/tillworks/cashsync/internal/services/ledger/storage/sqlite/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store provides SQLite-backed transaction log persistence.
//
// The store shares its database file with the device registry: an append
// updates the device's cached balance in the same transaction that
// inserts the log record, so the cache can never drift from the log.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a ledger SQLite store at path and applies migrations.
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
	store, err := OpenDB(sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// OpenDB wraps an existing database handle, applying ledger migrations.
func OpenDB(sqlDB *sql.DB) (*Store, error) {
	if sqlDB == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// DB exposes the underlying handle so the registry store can share the
// same database file on the main device.
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

// Append atomically validates, inserts a log record, and updates the
// device's cached balance.
//
// A previously committed idempotency key short-circuits to the stored
// record without appending; a unique-index race resolves the same way.
func (s *Store) Append(ctx context.Context, req storage.AppendRequest) (storage.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.AppendResult{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.AppendResult{}, fmt.Errorf("storage is not configured")
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.DeviceID == "" {
		return storage.AppendResult{}, domain.ErrDeviceNotFound
	}
	if req.Amount <= 0 {
		return storage.AppendResult{}, domain.ErrInvalidAmount
	}
	if req.IdempotencyKey == "" {
		return storage.AppendResult{}, domain.ErrIdempotencyKeyRequired
	}
	if _, err := domain.ParseDirection(string(req.Direction)); err != nil {
		return storage.AppendResult{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.AppendResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stored, found, err := getByIdempotencyKey(ctx, tx, req.DeviceID, req.IdempotencyKey)
	if err != nil {
		return storage.AppendResult{}, err
	}
	if found {
		return storage.AppendResult{Transaction: stored, Replayed: true}, nil
	}

	var status string
	var balance, maxLimit int64
	row := tx.QueryRowContext(ctx,
		"SELECT status, cash_balance, max_cash_limit FROM devices WHERE id = ?",
		req.DeviceID,
	)
	if err := row.Scan(&status, &balance, &maxLimit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AppendResult{}, domain.ErrDeviceNotFound
		}
		return storage.AppendResult{}, fmt.Errorf("load device: %w", err)
	}
	if status != "active" {
		return storage.AppendResult{}, domain.ErrDeviceInactive
	}

	var resulting int64
	switch req.Direction {
	case domain.DirectionAdd:
		resulting = balance + req.Amount
		if maxLimit > 0 && resulting > maxLimit {
			return storage.AppendResult{}, domain.ErrCashLimitExceeded
		}
	case domain.DirectionWithdraw:
		if req.Amount > balance {
			return storage.AppendResult{}, domain.ErrInsufficientFunds
		}
		resulting = balance - req.Amount
	}

	createdAt := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
INSERT INTO cash_transactions (
	device_id,
	direction,
	amount,
	reason,
	resulting_balance,
	created_by,
	created_at,
	idempotency_key
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		req.DeviceID,
		string(req.Direction),
		req.Amount,
		req.Reason,
		resulting,
		req.CreatedBy,
		createdAt.UnixMilli(),
		req.IdempotencyKey,
	)
	if err != nil {
		if isConstraintError(err) {
			// Another writer committed this key first; surface its record.
			_ = tx.Rollback()
			return s.lookupCommitted(ctx, req.DeviceID, req.IdempotencyKey)
		}
		return storage.AppendResult{}, fmt.Errorf("append transaction: %w", err)
	}
	txID, err := result.LastInsertId()
	if err != nil {
		return storage.AppendResult{}, fmt.Errorf("append transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE devices SET cash_balance = ?, updated_at = ? WHERE id = ?",
		resulting,
		createdAt.UnixMilli(),
		req.DeviceID,
	); err != nil {
		return storage.AppendResult{}, fmt.Errorf("update cached balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.AppendResult{}, fmt.Errorf("commit: %w", err)
	}

	return storage.AppendResult{
		Transaction: domain.CashTransaction{
			ID:               txID,
			DeviceID:         req.DeviceID,
			Direction:        req.Direction,
			Amount:           req.Amount,
			Reason:           req.Reason,
			ResultingBalance: resulting,
			CreatedBy:        req.CreatedBy,
			CreatedAt:        createdAt,
			IdempotencyKey:   req.IdempotencyKey,
		},
	}, nil
}

// Balance returns the device's current balance.
func (s *Store) Balance(ctx context.Context, deviceID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var balance int64
	row := s.sqlDB.QueryRowContext(ctx, "SELECT cash_balance FROM devices WHERE id = ?", strings.TrimSpace(deviceID))
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrDeviceNotFound
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// ListTransactions returns a page of the device's log in append order.
func (s *Store) ListTransactions(ctx context.Context, deviceID string, limit, offset int) ([]domain.CashTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, device_id, direction, amount, reason, resulting_balance, created_by, created_at, idempotency_key
FROM cash_transactions
WHERE device_id = ?
ORDER BY created_at ASC, id ASC
LIMIT ? OFFSET ?
`, strings.TrimSpace(deviceID), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	transactions := make([]domain.CashTransaction, 0, limit)
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		transactions = append(transactions, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return transactions, nil
}

// DeviceSummary folds one device's transaction log into totals.
func (s *Store) DeviceSummary(ctx context.Context, deviceID string) (domain.DeviceCashSummary, error) {
	if err := ctx.Err(); err != nil {
		return domain.DeviceCashSummary{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.DeviceCashSummary{}, fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.DeviceCashSummary{}, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	summary, err := deviceSummaryTx(ctx, tx, strings.TrimSpace(deviceID))
	if err != nil {
		return domain.DeviceCashSummary{}, err
	}
	return summary, nil
}

// OverallSummary folds the logs of all active devices.
func (s *Store) OverallSummary(ctx context.Context) (domain.OverallCashSummary, error) {
	if err := ctx.Err(); err != nil {
		return domain.OverallCashSummary{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.OverallCashSummary{}, fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.OverallCashSummary{}, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM devices WHERE status = 'active' ORDER BY created_at ASC, id ASC",
	)
	if err != nil {
		return domain.OverallCashSummary{}, fmt.Errorf("list active devices: %w", err)
	}
	var deviceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return domain.OverallCashSummary{}, fmt.Errorf("scan device id: %w", err)
		}
		deviceIDs = append(deviceIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return domain.OverallCashSummary{}, fmt.Errorf("iterate device ids: %w", err)
	}
	rows.Close()

	overall := domain.OverallCashSummary{DeviceCount: int64(len(deviceIDs))}
	for _, id := range deviceIDs {
		summary, err := deviceSummaryTx(ctx, tx, id)
		if err != nil {
			return domain.OverallCashSummary{}, err
		}
		overall.TotalBalance += summary.Balance
		overall.TotalAdded += summary.TotalAdded
		overall.TotalWithdrawn += summary.TotalWithdrawn
		overall.Net += summary.Net
		overall.TransactionCount += summary.TransactionCount
		overall.Devices = append(overall.Devices, summary)
	}
	return overall, nil
}

func deviceSummaryTx(ctx context.Context, tx *sql.Tx, deviceID string) (domain.DeviceCashSummary, error) {
	var name string
	var balance int64
	row := tx.QueryRowContext(ctx, "SELECT name, cash_balance FROM devices WHERE id = ?", deviceID)
	if err := row.Scan(&name, &balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DeviceCashSummary{}, domain.ErrDeviceNotFound
		}
		return domain.DeviceCashSummary{}, fmt.Errorf("load device: %w", err)
	}

	summary := domain.DeviceCashSummary{DeviceID: deviceID, DeviceName: name, Balance: balance}
	var firstAt, lastAt sql.NullInt64
	row = tx.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN direction = 'add' THEN amount ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN direction = 'withdraw' THEN amount ELSE 0 END), 0),
	COUNT(*),
	MIN(created_at),
	MAX(created_at)
FROM cash_transactions
WHERE device_id = ?
`, deviceID)
	if err := row.Scan(
		&summary.TotalAdded,
		&summary.TotalWithdrawn,
		&summary.TransactionCount,
		&firstAt,
		&lastAt,
	); err != nil {
		return domain.DeviceCashSummary{}, fmt.Errorf("fold transactions: %w", err)
	}
	summary.Net = summary.TotalAdded - summary.TotalWithdrawn
	if firstAt.Valid {
		first := time.UnixMilli(firstAt.Int64).UTC()
		summary.FirstAt = &first
	}
	if lastAt.Valid {
		last := time.UnixMilli(lastAt.Int64).UTC()
		summary.LastAt = &last
	}
	return summary, nil
}

func (s *Store) lookupCommitted(ctx context.Context, deviceID, idempotencyKey string) (storage.AppendResult, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, device_id, direction, amount, reason, resulting_balance, created_by, created_at, idempotency_key
FROM cash_transactions
WHERE device_id = ? AND idempotency_key = ?
`, deviceID, idempotencyKey)
	record, err := scanTransaction(row)
	if err != nil {
		return storage.AppendResult{}, fmt.Errorf("load committed transaction: %w", err)
	}
	return storage.AppendResult{Transaction: record, Replayed: true}, nil
}

func getByIdempotencyKey(ctx context.Context, tx *sql.Tx, deviceID, idempotencyKey string) (domain.CashTransaction, bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT id, device_id, direction, amount, reason, resulting_balance, created_by, created_at, idempotency_key
FROM cash_transactions
WHERE device_id = ? AND idempotency_key = ?
`, deviceID, idempotencyKey)
	record, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CashTransaction{}, false, nil
		}
		return domain.CashTransaction{}, false, fmt.Errorf("check idempotency key: %w", err)
	}
	return record, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (domain.CashTransaction, error) {
	var record domain.CashTransaction
	var direction string
	var createdAt int64
	if err := row.Scan(
		&record.ID,
		&record.DeviceID,
		&direction,
		&record.Amount,
		&record.Reason,
		&record.ResultingBalance,
		&record.CreatedBy,
		&createdAt,
		&record.IdempotencyKey,
	); err != nil {
		return domain.CashTransaction{}, err
	}
	record.Direction = domain.Direction(direction)
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	return record, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

var _ storage.TransactionStore = (*Store)(nil)
