package modelstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore persists model metadata in SQL backends (SQLite or Postgres).
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLiteStore creates a SQLite-backed model store.
// dsn can be a file path (e.g. /tmp/models.db) or SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "relay-models.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectSQLite}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore creates a Postgres-backed model store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectPostgres}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	var ddl string
	switch s.dialect {
	case dialectPostgres:
		ddl = `
CREATE TABLE IF NOT EXISTS models (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	base_model_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	params TEXT NOT NULL,
	access_control TEXT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_models_user_id ON models(user_id);`
	default:
		ddl = `
CREATE TABLE IF NOT EXISTS models (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	base_model_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	params TEXT NOT NULL,
	access_control TEXT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_models_user_id ON models(user_id);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
	}
	return nil
}

// Get retrieves a model by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*Model, error) {
	q := s.bind(`
SELECT id, user_id, base_model_id, name, params, access_control, created_at, updated_at
FROM models
WHERE id = ?`)

	m, err := scanModel(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model %q: %w", id, err)
	}
	return m, nil
}

// Put inserts or replaces a model. created_at is preserved on update.
func (s *SQLStore) Put(ctx context.Context, m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	params := m.Params
	if params == nil {
		params = Params{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	var acJSON sql.NullString
	if m.AccessControl != nil {
		b, err := json.Marshal(m.AccessControl)
		if err != nil {
			return fmt.Errorf("encode access control: %w", err)
		}
		acJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC()
	q := s.bind(`
INSERT INTO models(id, user_id, base_model_id, name, params, access_control, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	user_id = excluded.user_id,
	base_model_id = excluded.base_model_id,
	name = excluded.name,
	params = excluded.params,
	access_control = excluded.access_control,
	updated_at = excluded.updated_at`)

	if _, err := s.db.ExecContext(ctx, q, m.ID, m.UserID, m.BaseModelID, m.Name, string(paramsJSON), acJSON, now, now); err != nil {
		return fmt.Errorf("put model %q: %w", m.ID, err)
	}
	return nil
}

// Delete removes a model by id.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	q := s.bind(`DELETE FROM models WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("delete model %q: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete model %q: %w", id, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all models ordered by id.
func (s *SQLStore) List(ctx context.Context) ([]*Model, error) {
	q := `
SELECT id, user_id, base_model_id, name, params, access_control, created_at, updated_at
FROM models
ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanModel(scanner interface {
	Scan(dest ...any) error
}) (*Model, error) {
	var (
		m          Model
		paramsJSON string
		acJSON     sql.NullString
	)
	if err := scanner.Scan(&m.ID, &m.UserID, &m.BaseModelID, &m.Name, &paramsJSON, &acJSON, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &m.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if acJSON.Valid && acJSON.String != "" {
		var ac AccessControl
		if err := json.Unmarshal([]byte(acJSON.String), &ac); err != nil {
			return nil, fmt.Errorf("decode access control: %w", err)
		}
		m.AccessControl = &ac
	}
	return &m, nil
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
