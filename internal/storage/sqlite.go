package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/org/keygate/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id       TEXT NOT NULL DEFAULT '',
	timestamp        INTEGER NOT NULL,
	api_key          TEXT,
	method           TEXT NOT NULL DEFAULT '',
	endpoint         TEXT NOT NULL,
	status           INTEGER NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	response_time_ms REAL NOT NULL,
	client_ip        TEXT NOT NULL DEFAULT '',
	user_agent       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_log_timestamp_idx ON audit_log (timestamp DESC);
`

// SQLiteAuditStore is an AuditStore for single-instance deployments.
type SQLiteAuditStore struct {
	db        *sql.DB
	insert    *sql.Stmt
	closeOnce sync.Once
}

// NewSQLiteAuditStore opens (or creates) the database at path. Use
// ":memory:" for a throwaway store.
func NewSQLiteAuditStore(path string) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	insert, err := db.Prepare(`INSERT INTO audit_log (request_id, timestamp, api_key, method, endpoint, status, reason, response_time_ms, client_ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	return &SQLiteAuditStore{db: db, insert: insert}, nil
}

func (s *SQLiteAuditStore) WriteAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	_, err := s.insert.ExecContext(ctx,
		e.RequestID, e.Timestamp.UnixNano(), e.APIKey, e.Method, e.Endpoint,
		e.Status, e.Reason, e.ResponseTimeMs, e.ClientIP, e.UserAgent,
	)
	return err
}

func (s *SQLiteAuditStore) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query, args := buildAuditQuery(filter, sqliteDialect)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var (
			e  models.AuditEntry
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &ts, &e.APIKey, &e.Method, &e.Endpoint,
			&e.Status, &e.Reason, &e.ResponseTimeMs, &e.ClientIP, &e.UserAgent); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLiteAuditStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.insert.Close() //nolint:errcheck
		err = s.db.Close()
	})
	return err
}
