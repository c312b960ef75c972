package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/modpipe/internal/aggregate"
	"github.com/you/modpipe/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS messages (
  id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  raw_text TEXT NOT NULL DEFAULT '',
  language TEXT NOT NULL DEFAULT '',
  translated_text TEXT NOT NULL DEFAULT '',
  offensive_score REAL NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'pending',
  reason TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL,
  PRIMARY KEY (id)
);
CREATE TABLE IF NOT EXISTS user_aggregates (
  user_id TEXT NOT NULL,
  total_score REAL NOT NULL DEFAULT 0,
  message_count INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (user_id)
);`

// Store is the durable bookkeeping for one input batch: per-message status
// plus per-user running aggregates. It is the only shared mutable state in
// the pipeline; every transition is a single statement or transaction and
// all of them run on one connection, so workers need no additional locking.
// Any error returned here is fatal for the run.
type Store struct {
	db       *sql.DB
	combiner aggregate.Combiner
}

func Open(path string, combiner aggregate.Combiner) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection serializes writers. SQLite allows a single writer at a
	// time; letting the pool hand each worker its own connection turns
	// overlapping RecordScore transactions into SQLITE_BUSY aborts.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set busy_timeout")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ApplySQLitePragmas(context.Background(), db)
	return &Store{db: db, combiner: combiner}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping() error { return s.db.Ping() }

func (s *Store) RawDB() *sql.DB { return s.db }

func (s *Store) String() string { return fmt.Sprintf("checkpoint.Store{%p}", s.db) }

// LoadStatus returns the persisted status for a message id, or ok=false when
// the id has never been recorded.
func (s *Store) LoadStatus(ctx context.Context, id string) (core.Status, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?;`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "load status")
	}
	return core.Status(status), true, nil
}

// terminal guard shared by the single-statement transitions: a record that
// already reached scored/failed/skipped is never updated again.
const notTerminal = `messages.status NOT IN ('scored','failed','skipped')`

func (s *Store) RecordTranslation(ctx context.Context, rec core.MessageRecord, translated string) error {
	q := `INSERT INTO messages (id, user_id, raw_text, language, translated_text, status, updated_at)
VALUES (?, ?, ?, ?, ?, 'translated', ?)
ON CONFLICT(id) DO UPDATE SET
  translated_text = excluded.translated_text,
  status = 'translated',
  updated_at = excluded.updated_at
WHERE ` + notTerminal + `;`
	_, err := s.db.ExecContext(ctx, q, rec.ID, rec.UserID, rec.RawText, rec.Language, translated, now())
	return errors.Wrap(err, "record translation")
}

// RecordScore transitions the message to scored and folds the score into the
// user's aggregate as one transaction. If the message is already terminal the
// call is a no-op, which is what makes re-runs and crash recovery safe: the
// aggregate can never see the same message twice.
func (s *Store) RecordScore(ctx context.Context, rec core.MessageRecord, score float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin score tx")
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?;`, rec.ID).Scan(&status)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "check status")
	}
	if core.Status(status).Terminal() {
		return nil
	}

	q := `INSERT INTO messages (id, user_id, raw_text, language, translated_text, offensive_score, status, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 'scored', ?)
ON CONFLICT(id) DO UPDATE SET
  offensive_score = excluded.offensive_score,
  status = 'scored',
  updated_at = excluded.updated_at;`
	if _, err := tx.ExecContext(ctx, q, rec.ID, rec.UserID, rec.RawText, rec.Language, rec.TranslatedText, score, now()); err != nil {
		return errors.Wrap(err, "mark scored")
	}

	var (
		total float64
		count int64
	)
	err = tx.QueryRowContext(ctx, `SELECT total_score, message_count FROM user_aggregates WHERE user_id = ?;`, rec.UserID).Scan(&total, &count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "load aggregate")
	}

	total = s.combiner.Add(total, score)
	count++

	upsert := `INSERT INTO user_aggregates (user_id, total_score, message_count)
VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
  total_score = excluded.total_score,
  message_count = excluded.message_count;`
	if _, err := tx.ExecContext(ctx, upsert, rec.UserID, total, count); err != nil {
		return errors.Wrap(err, "update aggregate")
	}

	return errors.Wrap(tx.Commit(), "commit score tx")
}

func (s *Store) RecordFailure(ctx context.Context, rec core.MessageRecord, reason string) error {
	return errors.Wrap(s.markTerminal(ctx, rec, core.StatusFailed, reason), "record failure")
}

func (s *Store) RecordSkip(ctx context.Context, rec core.MessageRecord, reason string) error {
	return errors.Wrap(s.markTerminal(ctx, rec, core.StatusSkipped, reason), "record skip")
}

func (s *Store) markTerminal(ctx context.Context, rec core.MessageRecord, status core.Status, reason string) error {
	q := `INSERT INTO messages (id, user_id, raw_text, language, translated_text, status, reason, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  reason = excluded.reason,
  updated_at = excluded.updated_at
WHERE ` + notTerminal + `;`
	_, err := s.db.ExecContext(ctx, q, rec.ID, rec.UserID, rec.RawText, rec.Language, rec.TranslatedText, string(status), reason, now())
	return err
}

// Finalize evaluates the flagging threshold over every aggregate and returns
// them ordered by user id so the report is byte-identical across runs.
func (s *Store) Finalize(ctx context.Context) ([]core.UserAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, total_score, message_count FROM user_aggregates ORDER BY user_id ASC;`)
	if err != nil {
		return nil, errors.Wrap(err, "list aggregates")
	}
	defer rows.Close()

	var out []core.UserAggregate
	for rows.Next() {
		var agg core.UserAggregate
		if err := rows.Scan(&agg.UserID, &agg.TotalScore, &agg.MessageCount); err != nil {
			return nil, errors.Wrap(err, "scan aggregate")
		}
		agg.Score = s.combiner.Value(agg.TotalScore, agg.MessageCount)
		agg.Flagged = s.combiner.Flagged(agg.TotalScore, agg.MessageCount)
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate aggregates")
	}
	return out, nil
}

// Stats reports how many messages sit in each status, for progress reporting
// and the end-of-run summary line.
func (s *Store) Stats(ctx context.Context) (map[core.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status;`)
	if err != nil {
		return nil, errors.Wrap(err, "count statuses")
	}
	defer rows.Close()

	out := make(map[core.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan status count")
		}
		out[core.Status(status)] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate status counts")
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
