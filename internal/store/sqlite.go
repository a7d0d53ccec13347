package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while a session upsert is in flight.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		student_id TEXT,
		status TEXT NOT NULL,
		current_step INTEGER NOT NULL DEFAULT 0,
		schema_version INTEGER NOT NULL,
		data_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_student ON sessions(student_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS problem_library (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		level TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		variant INTEGER NOT NULL DEFAULT 0,
		problem_text TEXT NOT NULL,
		category TEXT,
		tags_json TEXT,
		is_current_event INTEGER NOT NULL DEFAULT 0,
		quality_score INTEGER NOT NULL DEFAULT 50,
		usage_count INTEGER NOT NULL DEFAULT 0,
		avg_student_score REAL NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_problem_library_hash ON problem_library(content_hash);

	CREATE TABLE IF NOT EXISTS problem_usage (
		problem_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		session_id TEXT,
		student_score INTEGER,
		used_at INTEGER NOT NULL,
		UNIQUE(problem_id, student_id)
	);
	CREATE INDEX IF NOT EXISTS idx_problem_usage_student ON problem_usage(student_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session row by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRow, error) {
	query := `
		SELECT session_id, kind, student_id, status, current_step,
		       schema_version, data_json, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	row, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return row, nil
}

// UpsertSession creates or replaces a session row, keeping the original created_at.
func (s *SQLiteStore) UpsertSession(ctx context.Context, row *SessionRow) error {
	query := `
	INSERT INTO sessions (
		session_id, kind, student_id, status, current_step,
		schema_version, data_json, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		kind = excluded.kind,
		student_id = excluded.student_id,
		status = excluded.status,
		current_step = excluded.current_step,
		schema_version = excluded.schema_version,
		data_json = excluded.data_json,
		updated_at = excluded.updated_at`

	var studentID interface{}
	if row.StudentID != "" {
		studentID = row.StudentID
	}

	err := withBusyRetry(ctx, "upsert session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			row.ID, row.Kind, studentID, row.Status, row.CurrentStep,
			row.SchemaVersion, string(row.Data),
			row.CreatedAt.Unix(), row.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// ListSessions returns session rows ordered by most recently updated.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionRow, error) {
	query := `
		SELECT session_id, kind, student_id, status, current_step,
		       schema_version, data_json, created_at, updated_at
		FROM sessions WHERE 1 = 1`
	var args []interface{}
	if filter.StudentID != "" {
		query += ` AND student_id = ?`
		args = append(args, filter.StudentID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []*SessionRow
	for rows.Next() {
		row, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session row.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	err := withBusyRetry(ctx, "delete session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(sc rowScanner) (*SessionRow, error) {
	var row SessionRow
	var studentID sql.NullString
	var data string
	var createdAt, updatedAt int64

	if err := sc.Scan(
		&row.ID, &row.Kind, &studentID, &row.Status, &row.CurrentStep,
		&row.SchemaVersion, &data, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	row.StudentID = studentID.String
	row.Data = []byte(data)
	row.CreatedAt = time.Unix(createdAt, 0)
	row.UpdatedAt = time.Unix(updatedAt, 0)
	return &row, nil
}
