// Package requestlog persists one row per chat completion dispatch.
package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Entry is one dispatched chat completion.
type Entry struct {
	TraceID   string    `json:"trace_id"`
	CallerID  string    `json:"caller_id"`
	Model     string    `json:"model"`
	Backend   int       `json:"backend"`
	Stream    bool      `json:"stream"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Writer persists entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// NoopWriter ignores all writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// Query selects entries for List. Zero fields do not filter.
type Query struct {
	Model  string
	Since  time.Time
	Limit  int
	Offset int
}

// Page is one List result.
type Page struct {
	Total int     `json:"total"`
	Data  []Entry `json:"data"`
}

// Driver names accepted by Open.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the writer for driver. An empty or "none" driver returns a
// nil *SQLWriter and no error; callers fall back to NoopWriter.
func Open(driver, dsn string) (*SQLWriter, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverNone:
		return nil, nil
	case DriverSQLite:
		return NewSQLiteWriter(dsn)
	case DriverPostgres, "postgresql":
		return NewPostgresWriter(dsn)
	default:
		return nil, fmt.Errorf("unknown request log driver %q", driver)
	}
}

// SQLWriter persists entries to SQLite or Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "relay-requests.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite request log: %w", err)
	}
	w := &SQLWriter{db: db, dialect: DriverSQLite}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres request log: %w", err)
	}
	w := &SQLWriter{db: db, dialect: DriverPostgres}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s request log: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS dispatch_logs (
	id INTEGER PRIMARY KEY,
	trace_id TEXT,
	caller_id TEXT,
	model TEXT NOT NULL,
	backend INTEGER NOT NULL,
	stream BOOLEAN NOT NULL,
	status INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);`
	if w.dialect == DriverPostgres {
		ddl = `
CREATE TABLE IF NOT EXISTS dispatch_logs (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	caller_id TEXT,
	model TEXT NOT NULL,
	backend INTEGER NOT NULL,
	stream BOOLEAN NOT NULL,
	status INTEGER NOT NULL,
	latency_ms BIGINT NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize request log schema: %w", err)
	}
	return nil
}

// Write inserts entry. A zero CreatedAt is stamped with the current time.
func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	q := w.bind(`INSERT INTO dispatch_logs(trace_id, caller_id, model, backend, stream, status, latency_ms, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := w.db.ExecContext(ctx, q,
		entry.TraceID,
		entry.CallerID,
		entry.Model,
		entry.Backend,
		entry.Stream,
		entry.Status,
		entry.LatencyMS,
		entry.Error,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write request log: %w", err)
	}
	return nil
}

// List returns entries matching q, newest first. Limit defaults to 50.
func (w *SQLWriter) List(ctx context.Context, q Query) (Page, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var where []string
	var args []any
	if q.Model != "" {
		where = append(where, "model = ?")
		args = append(args, q.Model)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var page Page
	if err := w.db.QueryRowContext(ctx, w.bind("SELECT COUNT(*) FROM dispatch_logs"+clause), args...).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("count request logs: %w", err)
	}

	list := w.bind(`SELECT trace_id, caller_id, model, backend, stream, status, latency_ms, error_message, created_at
	FROM dispatch_logs` + clause + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := w.db.QueryContext(ctx, list, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return Page{}, fmt.Errorf("list request logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	page.Data = make([]Entry, 0, q.Limit)
	for rows.Next() {
		var (
			e                 Entry
			traceID, callerID sql.NullString
			errMsg            sql.NullString
		)
		if err := rows.Scan(&traceID, &callerID, &e.Model, &e.Backend, &e.Stream, &e.Status, &e.LatencyMS, &errMsg, &e.CreatedAt); err != nil {
			return Page{}, fmt.Errorf("scan request log: %w", err)
		}
		e.TraceID = traceID.String
		e.CallerID = callerID.String
		e.Error = errMsg.String
		page.Data = append(page.Data, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("list request logs: %w", err)
	}
	return page, nil
}

// Prune deletes entries created before cutoff and reports how many went.
func (w *SQLWriter) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, w.bind(`DELETE FROM dispatch_logs WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune request logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune request logs: %w", err)
	}
	return n, nil
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// bind rewrites ? placeholders to $n for Postgres.
func (w *SQLWriter) bind(query string) string {
	if w.dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
