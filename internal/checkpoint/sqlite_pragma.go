package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
)

// ApplySQLitePragmas applies throughput tuning for large batches when
// MODPIPE_SQLITE_TUNING=1. Open already sets WAL and a busy timeout; these
// go further and trade some durability for commit rate, which matters when
// a run checkpoints every record individually. Off by default.
func ApplySQLitePragmas(ctx context.Context, db *sql.DB) {
	if os.Getenv("MODPIPE_SQLITE_TUNING") != "1" {
		return
	}

	tuning := []string{
		"PRAGMA synchronous=NORMAL;",      // fsync per WAL checkpoint, not per record
		"PRAGMA wal_autocheckpoint=1000;", // bound WAL growth between checkpoints
		"PRAGMA cache_size=-65536;",       // 64 MiB page cache for aggregate upserts
		"PRAGMA temp_store=MEMORY;",
	}

	for _, stmt := range tuning {
		value, err := runPragma(ctx, db, stmt)
		if err != nil {
			log.Printf("checkpoint: tuning %s failed: %v", stmt, err)
			continue
		}
		log.Printf("checkpoint: tuning %s => %v", stmt, value)
	}
}

// runPragma evaluates a pragma, tolerating both row-returning and
// statement-only forms.
func runPragma(ctx context.Context, db *sql.DB, stmt string) (any, error) {
	var value any
	err := db.QueryRowContext(ctx, stmt).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		if _, execErr := db.ExecContext(ctx, stmt); execErr != nil {
			return nil, execErr
		}
		return "ok", nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}
