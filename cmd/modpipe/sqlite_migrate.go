package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLite upgrades checkpoint databases written by earlier builds.
// The language and reason columns were added after the first release, and
// translated_text could be NULL before upserts normalized it.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("modpipe: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "messages")
	if err != nil {
		return fmt.Errorf("sqlite: describe messages: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("modpipe: sqlite: messages table missing; skipping migration")
		return nil
	}

	ensure := []struct {
		column string
		ddl    string
	}{
		{"language", `ALTER TABLE messages ADD COLUMN language TEXT NOT NULL DEFAULT '';`},
		{"reason", `ALTER TABLE messages ADD COLUMN reason TEXT NOT NULL DEFAULT '';`},
	}
	for _, step := range ensure {
		if _, ok := columns[step.column]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, step.ddl); err != nil {
			return fmt.Errorf("sqlite: ensure %s column: %w", step.column, err)
		}
		log.Printf("modpipe: sqlite: added %s column to messages", step.column)
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE messages SET translated_text='' WHERE translated_text IS NULL;`, "translated_text"},
		{`UPDATE messages SET reason='' WHERE reason IS NULL;`, "reason"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("modpipe: sqlite: normalized %s nulls=%d", step.label, n)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS messages_user_idx
        ON messages(user_id);`); err != nil {
		return fmt.Errorf("sqlite: ensure messages_user_idx: %w", err)
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "messages", "messages_user_idx")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}

	var nullCount int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE translated_text IS NULL;`).Scan(&nullCount); err != nil {
		return fmt.Errorf("sqlite: count null translated_text: %w", err)
	}

	log.Printf("modpipe: sqlite: messages_user_idx=%v translated_text_nulls=%d", hasIndex, nullCount)

	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	if err := rows.Err(); err != nil {
		return "(unknown)"
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		lower := strings.ToLower(strings.TrimSpace(name))
		out[lower] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
