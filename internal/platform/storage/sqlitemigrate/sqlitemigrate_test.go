package sqlitemigrate

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func TestApplyMigrationsOnce(t *testing.T) {
	sqlDB := openTempDB(t)

	migrationFS := fstest.MapFS{
		"0001_tills.sql": &fstest.MapFile{Data: []byte(`
-- +migrate Up
CREATE TABLE tills (id TEXT PRIMARY KEY);
-- +migrate Down
DROP TABLE tills;
`)},
	}

	if err := ApplyMigrations(sqlDB, migrationFS); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// A second run must be a no-op.
	if err := ApplyMigrations(sqlDB, migrationFS); err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("migration rows = %d, want 1", count)
	}
	if _, err := sqlDB.Exec("INSERT INTO tills (id) VALUES ('till-1')"); err != nil {
		t.Fatalf("insert into migrated table: %v", err)
	}
}

func TestApplyMigrationsLexicalOrder(t *testing.T) {
	sqlDB := openTempDB(t)

	migrationFS := fstest.MapFS{
		"0002_rows.sql":   &fstest.MapFile{Data: []byte("INSERT INTO names (name) VALUES ('first');")},
		"0001_tables.sql": &fstest.MapFile{Data: []byte("CREATE TABLE names (name TEXT);")},
	}

	if err := ApplyMigrations(sqlDB, migrationFS); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	var name string
	if err := sqlDB.QueryRow("SELECT name FROM names").Scan(&name); err != nil {
		t.Fatalf("read seeded row: %v", err)
	}
	if name != "first" {
		t.Fatalf("name = %q, want %q", name, "first")
	}
}

func TestExtractUpMigration(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a (id TEXT);\n-- +migrate Down\nDROP TABLE a;\n"
	up := ExtractUpMigration(content)
	if up != "\nCREATE TABLE a (id TEXT);\n" {
		t.Fatalf("up migration = %q", up)
	}
}

func TestApplyMigrationsNilDB(t *testing.T) {
	if err := ApplyMigrations(nil, fstest.MapFS{}); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func openTempDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrate.db")
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlDB.Close(); err != nil {
			t.Fatalf("close sqlite db: %v", err)
		}
	})
	return sqlDB
}
