// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/studypartner/internal/domain"
)

// SessionRow is the durable form of a session: a versioned JSON blob plus
// a few indexed scalar columns.
type SessionRow struct {
	ID            string
	Kind          string
	StudentID     string
	Status        string
	CurrentStep   int
	SchemaVersion int
	Data          []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	StudentID string
	Kind      string
	Limit     int
}

// SessionStore is the durable store adapter for sessions.
type SessionStore interface {
	// GetSession returns the row for id, or (nil, nil) if it does not exist.
	GetSession(ctx context.Context, id string) (*SessionRow, error)

	// UpsertSession creates or replaces the row keyed by row.ID.
	// The original created_at is preserved on replace.
	UpsertSession(ctx context.Context, row *SessionRow) error

	// ListSessions returns rows ordered by most recently updated.
	ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionRow, error)

	// DeleteSession removes a session row.
	DeleteSession(ctx context.Context, id string) error
}

// LibraryStore persists the problem library and its per-student usage table.
type LibraryStore interface {
	// GetEntryByFingerprint returns the entry for fingerprint, including a
	// deactivated one, or (nil, nil). Fingerprints are never reused.
	GetEntryByFingerprint(ctx context.Context, fingerprint string) (*domain.LibraryEntry, error)

	// InsertEntry stores a new entry. If an entry with the same fingerprint
	// already exists it is left untouched and returned instead.
	InsertEntry(ctx context.Context, entry *domain.LibraryEntry) (*domain.LibraryEntry, error)

	// HasUsage reports whether studentID has already been served problemID.
	HasUsage(ctx context.Context, problemID, studentID string) (bool, error)

	// RecordUsage inserts a usage row. Duplicate (problem, student) pairs are
	// ignored and reported with inserted=false.
	RecordUsage(ctx context.Context, usage domain.LibraryUsage) (inserted bool, err error)

	// SetUsageScore stores the student's score on an existing usage row.
	SetUsageScore(ctx context.Context, problemID, studentID string, score int) error

	// ScoreAggregate returns the number of usages and the mean score over scored usages.
	ScoreAggregate(ctx context.Context, problemID string) (usages int, avg float64, err error)

	// UpdateEntryStats writes derived statistics for an entry.
	UpdateEntryStats(ctx context.Context, problemID string, avg float64, quality int) error

	// LibraryStats summarizes the library with the topN most used entries.
	LibraryStats(ctx context.Context, topN int) (*domain.LibraryStats, error)

	// DeactivateCurrentEvents deactivates current-event entries created before cutoff.
	DeactivateCurrentEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repository is the full durable store used by the server.
type Repository interface {
	SessionStore
	LibraryStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

var (
	_ Repository = (*SQLiteStore)(nil)
	_ Repository = (*MemoryStore)(nil)
)
