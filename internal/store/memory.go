package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/studypartner/internal/domain"
)

// ErrInjected is returned by MemoryStore when a failure is injected.
var ErrInjected = errors.New("injected store failure")

// MemoryStore is a map-backed Repository for tests and local tooling.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*SessionRow
	entries  map[string]*domain.LibraryEntry // by fingerprint
	usages   map[string]*domain.LibraryUsage // by problemID + "\x00" + studentID

	getCalls    atomic.Int64
	failUpserts atomic.Bool
	getDelay    time.Duration
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionRow),
		entries:  make(map[string]*domain.LibraryEntry),
		usages:   make(map[string]*domain.LibraryUsage),
	}
}

// FailUpserts makes subsequent UpsertSession calls fail while on is true.
func (m *MemoryStore) FailUpserts(on bool) { m.failUpserts.Store(on) }

// SetGetDelay slows GetSession down, which widens race windows in tests.
func (m *MemoryStore) SetGetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getDelay = d
}

// GetCalls returns how many times GetSession was called.
func (m *MemoryStore) GetCalls() int64 { return m.getCalls.Load() }

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// GetSession returns a copy of the stored row.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*SessionRow, error) {
	m.getCalls.Add(1)
	m.mu.Lock()
	delay := m.getDelay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return copyRow(row), nil
}

// UpsertSession stores a copy of the row, preserving the first CreatedAt.
func (m *MemoryStore) UpsertSession(_ context.Context, row *SessionRow) error {
	if m.failUpserts.Load() {
		return fmt.Errorf("upsert session: %w", ErrInjected)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := copyRow(row)
	if existing, ok := m.sessions[row.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	m.sessions[row.ID] = stored
	return nil
}

// PutRawSession stores a row verbatim, bypassing the codec.
func (m *MemoryStore) PutRawSession(row *SessionRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[row.ID] = copyRow(row)
}

// ListSessions returns rows ordered by most recently updated.
func (m *MemoryStore) ListSessions(_ context.Context, filter SessionFilter) ([]*SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SessionRow
	for _, row := range m.sessions {
		if filter.StudentID != "" && row.StudentID != filter.StudentID {
			continue
		}
		if filter.Kind != "" && row.Kind != filter.Kind {
			continue
		}
		out = append(out, copyRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteSession removes a row.
func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// GetEntryByFingerprint returns the entry for a fingerprint, active or not.
func (m *MemoryStore) GetEntryByFingerprint(_ context.Context, fingerprint string) (*domain.LibraryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fingerprint]
	if !ok {
		return nil, nil
	}
	return copyEntry(e), nil
}

// InsertEntry stores an entry unless its fingerprint already exists.
func (m *MemoryStore) InsertEntry(_ context.Context, entry *domain.LibraryEntry) (*domain.LibraryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[entry.Fingerprint]; ok {
		return copyEntry(existing), nil
	}
	m.entries[entry.Fingerprint] = copyEntry(entry)
	return copyEntry(entry), nil
}

// HasUsage reports whether a usage row exists.
func (m *MemoryStore) HasUsage(_ context.Context, problemID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.usages[usageKey(problemID, studentID)]
	return ok, nil
}

// RecordUsage inserts a usage row if absent.
func (m *MemoryStore) RecordUsage(_ context.Context, usage domain.LibraryUsage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageKey(usage.ProblemID, usage.StudentID)
	if _, ok := m.usages[key]; ok {
		return false, nil
	}
	u := usage
	m.usages[key] = &u
	if e := m.entryByID(usage.ProblemID); e != nil {
		e.UsageCount++
	}
	return true, nil
}

// SetUsageScore stores a score on a usage row.
func (m *MemoryStore) SetUsageScore(_ context.Context, problemID, studentID string, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usages[usageKey(problemID, studentID)]
	if !ok {
		return fmt.Errorf("usage for problem %s and student %s not found", problemID, studentID)
	}
	s := score
	u.StudentScore = &s
	return nil
}

// ScoreAggregate returns usage count and mean score for a problem.
func (m *MemoryStore) ScoreAggregate(_ context.Context, problemID string) (int, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var usages, scored, sum int
	for _, u := range m.usages {
		if u.ProblemID != problemID {
			continue
		}
		usages++
		if u.StudentScore != nil {
			scored++
			sum += *u.StudentScore
		}
	}
	if scored == 0 {
		return usages, 0, nil
	}
	return usages, float64(sum) / float64(scored), nil
}

// UpdateEntryStats writes derived statistics.
func (m *MemoryStore) UpdateEntryStats(_ context.Context, problemID string, avg float64, quality int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryByID(problemID)
	if e == nil {
		return fmt.Errorf("library entry %s not found", problemID)
	}
	e.AvgStudentScore = avg
	e.QualityScore = quality
	e.UpdatedAt = time.Now()
	return nil
}

// LibraryStats summarizes the stored entries.
func (m *MemoryStore) LibraryStats(_ context.Context, topN int) (*domain.LibraryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &domain.LibraryStats{TotalProblems: len(m.entries), TotalUsages: len(m.usages)}
	var active []*domain.LibraryEntry
	qualitySum := 0
	for _, e := range m.entries {
		qualitySum += e.QualityScore
		if e.IsActive {
			active = append(active, e)
		}
	}
	stats.ActiveProblems = len(active)
	if len(m.entries) > 0 {
		stats.AvgQualityScore = float64(qualitySum) / float64(len(m.entries))
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].UsageCount != active[j].UsageCount {
			return active[i].UsageCount > active[j].UsageCount
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	for i := 0; i < len(active) && i < topN; i++ {
		e := active[i]
		stats.TopUsed = append(stats.TopUsed, domain.LibrarySample{
			ID: e.ID, Topic: e.Topic, UsageCount: e.UsageCount,
			QualityScore: e.QualityScore, AvgScore: e.AvgStudentScore,
		})
	}
	return stats, nil
}

// DeactivateCurrentEvents deactivates stale current-event entries.
func (m *MemoryStore) DeactivateCurrentEvents(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.IsCurrentEvent && e.IsActive && e.CreatedAt.Before(cutoff) {
			e.IsActive = false
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) entryByID(id string) *domain.LibraryEntry {
	for _, e := range m.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func usageKey(problemID, studentID string) string {
	return problemID + "\x00" + studentID
}

func copyRow(row *SessionRow) *SessionRow {
	c := *row
	c.Data = slices.Clone(row.Data)
	return &c
}

func copyEntry(e *domain.LibraryEntry) *domain.LibraryEntry {
	c := *e
	c.Tags = slices.Clone(e.Tags)
	return &c
}
