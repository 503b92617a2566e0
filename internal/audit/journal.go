// Package audit keeps an append-only SQLite journal of executed requests.
// Values are never written to it.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS journal (
	id         TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	db_name    TEXT NOT NULL,
	action     TEXT NOT NULL,
	path       TEXT NOT NULL,
	field      TEXT NOT NULL DEFAULT '',
	check_mode INTEGER NOT NULL DEFAULT 0,
	changed    INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	message    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_journal_created_at ON journal(created_at);
CREATE INDEX IF NOT EXISTS idx_journal_db_name ON journal(db_name);
`

// Record is one journal row.
type Record struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Database  string    `json:"database"`
	Action    string    `json:"action"`
	Path      string    `json:"path"`
	Field     string    `json:"field,omitempty"`
	CheckMode bool      `json:"check_mode"`
	Changed   bool      `json:"changed"`
	Failed    bool      `json:"failed"`
	Message   string    `json:"message,omitempty"`
}

// Journal wraps the SQLite connection.
type Journal struct {
	conn *sql.DB
}

// Open opens (or creates) the journal database and applies the schema.
func Open(dsn string) (*Journal, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: apply schema: %w", err)
	}
	return &Journal{conn: conn}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.conn.Close()
}

// Append stores r, generating its ID and time when unset.
func (j *Journal) Append(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}
	_, err := j.conn.ExecContext(ctx, `
		INSERT INTO journal (id, created_at, db_name, action, path, field, check_mode, changed, failed, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Time, r.Database, r.Action, r.Path, r.Field, r.CheckMode, r.Changed, r.Failed, r.Message)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Filter narrows List.
type Filter struct {
	Database string
	Since    *time.Time
	Limit    int
}

// List returns the newest records first. Limit defaults to 100.
func (j *Journal) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT id, created_at, db_name, action, path, field, check_mode, changed, failed, message FROM journal WHERE 1=1`
	var args []any
	if f.Database != "" {
		query += ` AND db_name = ?`
		args = append(args, f.Database)
	}
	if f.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Time, &r.Database, &r.Action, &r.Path, &r.Field,
			&r.CheckMode, &r.Changed, &r.Failed, &r.Message); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return out, nil
}
