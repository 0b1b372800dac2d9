// Package archive persists sunk lines and run summaries in an embedded
// libSQL database.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/tagflow/pkg/schema"
)

// Line is one archived line.
type Line struct {
	ID         int64     `json:"id"`
	Stream     string    `json:"stream"`
	Line       string    `json:"line"`
	ArchivedAt time.Time `json:"archived_at"`
}

// LineFilter selects archived lines. Zero values match everything.
type LineFilter struct {
	Stream  string
	AfterID int64
	Limit   int
}

// Run is a persisted run summary.
type Run struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Processed  int64           `json:"processed"`
	Failed     int64           `json:"failed"`
	Error      string          `json:"error,omitempty"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Store is a libSQL-backed archive. It satisfies processors.Archiver.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the libSQL database at dbPath ("file:/path/to/archive.db").
// Call Migrate before use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "open archive").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return schema.NewError(schema.ErrCodeStore, "migrate archive").WithCause(err)
	}
	return nil
}

// Vacuum runs VACUUM on the database.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Append inserts lines under stream in one transaction.
func (s *Store) Append(ctx context.Context, stream string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	if stream == "" {
		return schema.NewError(schema.ErrCodeValidation, "archive stream is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin append", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO archive_lines (stream, line, archived_at) VALUES (?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return storeErr("prepare append", err)
	}
	defer stmt.Close()

	at := s.now()
	for _, line := range lines {
		if _, err := stmt.ExecContext(ctx, stream, line, at); err != nil {
			_ = tx.Rollback()
			return storeErr("append line", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit append", err)
	}
	return nil
}

// Lines returns archived lines in insertion order.
func (s *Store) Lines(ctx context.Context, f LineFilter) ([]Line, error) {
	query := `SELECT id, stream, line, archived_at FROM archive_lines WHERE id > ?`
	args := []any{f.AfterID}
	if f.Stream != "" {
		query += ` AND stream = ?`
		args = append(args, f.Stream)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query lines", err)
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.Stream, &l.Line, &l.ArchivedAt); err != nil {
			return nil, storeErr("scan line", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Counts returns the number of archived lines per stream.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream, COUNT(*) FROM archive_lines GROUP BY stream`)
	if err != nil {
		return nil, storeErr("count lines", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var stream string
		var n int64
		if err := rows.Scan(&stream, &n); err != nil {
			return nil, storeErr("scan count", err)
		}
		out[stream] = n
	}
	return out, rows.Err()
}

// RecordRun upserts a run summary.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run id is empty")
	}
	var snapshot any
	if len(r.Snapshot) > 0 {
		snapshot = string(r.Snapshot)
	}
	var errText any
	if r.Error != "" {
		errText = r.Error
	}
	finished := r.FinishedAt
	if finished.IsZero() {
		finished = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, status, processed, failed, error, snapshot, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, processed=excluded.processed,
		   failed=excluded.failed, error=excluded.error, snapshot=excluded.snapshot, finished_at=excluded.finished_at`,
		r.ID, r.Kind, r.Status, r.Processed, r.Failed, errText, snapshot, finished,
	)
	if err != nil {
		return storeErr("record run", err)
	}
	return nil
}

// GetRun returns the run with id, or NOT_FOUND.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var errText, snapshot sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, status, processed, failed, error, snapshot, finished_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Kind, &r.Status, &r.Processed, &r.Failed, &errText, &snapshot, &r.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	r.Error = errText.String
	if snapshot.Valid {
		r.Snapshot = json.RawMessage(snapshot.String)
	}
	return r, nil
}

// RecentRuns returns up to limit runs, most recently finished first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, status, processed, failed, error, snapshot, finished_at
		 FROM runs ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var errText, snapshot sql.NullString
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.Processed, &r.Failed, &errText, &snapshot, &r.FinishedAt); err != nil {
			return nil, storeErr("scan run", err)
		}
		r.Error = errText.String
		if snapshot.Valid {
			r.Snapshot = json.RawMessage(snapshot.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func storeErr(op string, err error) error {
	return schema.NewError(schema.ErrCodeStore, fmt.Sprintf("archive: %s", op)).WithCause(err)
}
