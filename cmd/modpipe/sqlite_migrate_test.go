package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateSQLite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	// Schema as written by the first release: no language or reason
	// columns, nullable translated_text.
	schema := `CREATE TABLE messages (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  raw_text TEXT NOT NULL,
  translated_text TEXT,
  offensive_score REAL NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'pending',
  updated_at TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	seed := `INSERT INTO messages (id, user_id, raw_text, translated_text, offensive_score, status, updated_at)
VALUES
  ('b.csv:1', 'u1', 'hello', NULL, 0.2, 'scored', '2026-01-01T00:00:00Z'),
  ('b.csv:2', 'u2', 'hola', 'hello', 0.1, 'scored', '2026-01-01T00:00:01Z');
`
	if _, err := db.Exec(seed); err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	if err := migrateSQLite(context.Background(), db); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}

	cols, err := sqliteTableInfo(context.Background(), db, "messages")
	if err != nil {
		t.Fatalf("inspect columns: %v", err)
	}
	for _, name := range []string{"language", "reason"} {
		col, ok := cols[name]
		if !ok {
			t.Fatalf("expected %s column to exist", name)
		}
		if !col.NotNull || col.DefaultText == "" {
			t.Fatalf("expected %s column to be NOT NULL with default, got %+v", name, col)
		}
	}

	var nulls int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE translated_text IS NULL OR reason IS NULL;`).Scan(&nulls); err != nil {
		t.Fatalf("count nulls: %v", err)
	}
	if nulls != 0 {
		t.Fatalf("expected no NULL text columns, got %d", nulls)
	}

	hasIndex, err := sqliteHasIndex(context.Background(), db, "messages", "messages_user_idx")
	if err != nil {
		t.Fatalf("inspect indices: %v", err)
	}
	if !hasIndex {
		t.Fatalf("expected messages_user_idx to exist")
	}

	// Re-running is a no-op, not an error.
	if err := migrateSQLite(context.Background(), db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file: %v", err)
	}
}
