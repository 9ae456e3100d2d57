package effects

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rendis/intake/pkg/schema"
)

// Datastore receives writeback rows. valuesByColumnID is the effect payload.
type Datastore interface {
	CreateRow(ctx context.Context, tableID string, valuesByColumnID map[string]any) (rowID string, err error)
}

// Dialect selects placeholder syntax for SQLDatastore.
type Dialect int

const (
	DialectSQLite Dialect = iota // libsql / sqlite: ?
	DialectPostgres              // pgx: $n
)

// SQLDatastore appends rows to a generic datastore_rows table, one JSON
// document per row. It backs writebacks on the embedded libsql database and
// on an external postgres.
type SQLDatastore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLDatastore wraps an open database whose datastore_rows table exists.
func NewSQLDatastore(db *sql.DB, dialect Dialect) *SQLDatastore {
	return &SQLDatastore{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

var postgresDatastoreDDL = []string{
	`CREATE TABLE IF NOT EXISTS datastore_rows (
		id          TEXT PRIMARY KEY,
		table_id    TEXT NOT NULL,
		values_json JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_datastore_rows_table ON datastore_rows(table_id, created_at)`,
}

// OpenPostgresDatastore connects through the pgx stdlib driver and ensures
// the datastore_rows table exists.
func OpenPostgresDatastore(ctx context.Context, url string) (*SQLDatastore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres datastore: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres datastore: %w", err)
	}
	for _, stmt := range postgresDatastoreDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create datastore_rows: %w", err)
		}
	}
	return NewSQLDatastore(db, DialectPostgres), nil
}

// Close closes the underlying database.
func (s *SQLDatastore) Close() error {
	return s.db.Close()
}

func (s *SQLDatastore) CreateRow(ctx context.Context, tableID string, values map[string]any) (string, error) {
	if tableID == "" {
		return "", schema.NewError(schema.ErrCodeConfig, "writeback has no table id")
	}
	doc, err := json.Marshal(values)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeDispatch, "row values are not JSON-serializable").WithCause(err)
	}

	id := uuid.NewString()
	query := "INSERT INTO datastore_rows (id, table_id, values_json, created_at) VALUES (?, ?, ?, ?)"
	if s.dialect == DialectPostgres {
		query = "INSERT INTO datastore_rows (id, table_id, values_json, created_at) VALUES ($1, $2, $3, $4)"
	}
	if _, err := s.db.ExecContext(ctx, query, id, tableID, string(doc), s.now()); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeDispatch, "insert row into %s: %v", tableID, err).WithCause(err)
	}
	return id, nil
}

// Row is one stored writeback.
type Row struct {
	ID        string         `json:"id"`
	TableID   string         `json:"table_id"`
	Values    map[string]any `json:"values"`
	CreatedAt time.Time      `json:"created_at"`
}

// Rows lists a table's rows oldest first.
func (s *SQLDatastore) Rows(ctx context.Context, tableID string) ([]Row, error) {
	query := "SELECT id, table_id, values_json, created_at FROM datastore_rows WHERE table_id = ? ORDER BY created_at, id"
	if s.dialect == DialectPostgres {
		query = "SELECT id, table_id, values_json::text, created_at FROM datastore_rows WHERE table_id = $1 ORDER BY created_at, id"
	}
	rows, err := s.db.QueryContext(ctx, query, tableID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list rows: %v", err).WithCause(err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r   Row
			raw string
		)
		if err := rows.Scan(&r.ID, &r.TableID, &raw, &r.CreatedAt); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan row: %v", err).WithCause(err)
		}
		if err := json.Unmarshal([]byte(raw), &r.Values); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode row %s: %v", r.ID, err).WithCause(err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
