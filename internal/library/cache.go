// Package library stores AI-generated problems keyed by fingerprint so a
// problem is generated once and served to each student at most once.
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/metrics"
	"github.com/ashureev/studypartner/internal/store"
)

// ErrAlreadyUsed means the fingerprint resolves to a problem this student
// has already been served. Callers should try another variant.
var ErrAlreadyUsed = errors.New("problem already used by student")

// ErrVariantsExhausted means every variant tried was already used.
var ErrVariantsExhausted = errors.New("all problem variants already used by student")

// DefaultCurrentEventTTL is how long current-event problems stay active.
const DefaultCurrentEventTTL = 365 * 24 * time.Hour

// Generated is the output of a GeneratorFunc.
type Generated struct {
	Text           string
	Category       string
	Tags           []string
	IsCurrentEvent bool
}

// GeneratorFunc produces a new problem for a fingerprint miss.
type GeneratorFunc func(ctx context.Context) (*Generated, error)

// Cache is the problem library.
type Cache struct {
	store   store.LibraryStore
	metrics *metrics.Recorder
	now     func() time.Time
}

// New creates a Cache over a library store.
func New(st store.LibraryStore, rec *metrics.Recorder) *Cache {
	return &Cache{store: st, metrics: rec, now: time.Now}
}

// GetOrGenerate returns the problem for fp and records that studentID was
// served it. A cached problem already served to studentID, or one that has
// been deactivated, yields ErrAlreadyUsed rather than a regenerated
// duplicate. On a miss gen is called; a generator failure is an
// UpstreamGeneration error and nothing is stored.
func (c *Cache) GetOrGenerate(ctx context.Context, fp Fingerprint, studentID, sessionID string, gen GeneratorFunc) (*domain.LibraryEntry, error) {
	const op = "library get or generate"
	key := fp.Key()
	student := usageOwner(studentID, sessionID)

	entry, err := c.store.GetEntryByFingerprint(ctx, key)
	if err != nil {
		c.metrics.LibraryLookup("error")
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if entry != nil {
		if !entry.IsActive {
			c.metrics.LibraryLookup("inactive")
			return nil, fmt.Errorf("%s variant %d is inactive: %w", fp.Topic, fp.Variant, ErrAlreadyUsed)
		}
		used, err := c.store.HasUsage(ctx, entry.ID, student)
		if err != nil {
			c.metrics.LibraryLookup("error")
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if used {
			c.metrics.LibraryLookup("already_used")
			return nil, ErrAlreadyUsed
		}
		if err := c.claim(ctx, entry.ID, student, sessionID); err != nil {
			return nil, err
		}
		c.metrics.LibraryLookup("hit")
		slog.Info("Problem served from library", "problem_id", entry.ID, "topic", entry.Topic, "variant", entry.Variant)
		entry.UsageCount++
		return entry, nil
	}

	generated, err := gen(ctx)
	if err != nil {
		c.metrics.LibraryLookup("error")
		return nil, domain.UpstreamGeneration(op, err)
	}
	text := strings.TrimSpace(generated.Text)
	if text == "" {
		c.metrics.LibraryLookup("error")
		return nil, domain.UpstreamGeneration(op, fmt.Errorf("generator returned empty problem text"))
	}

	now := c.now()
	id := uuid.NewString()
	stored, err := c.store.InsertEntry(ctx, &domain.LibraryEntry{
		ID:             id,
		Fingerprint:    key,
		Topic:          fp.Topic,
		Level:          fp.Level,
		Difficulty:     fp.Difficulty,
		Variant:        fp.Variant,
		ProblemText:    text,
		Category:       generated.Category,
		Tags:           generated.Tags,
		IsCurrentEvent: generated.IsCurrentEvent,
		QualityScore:   50,
		ContentHash:    ContentHash(text),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		c.metrics.LibraryLookup("error")
		return nil, fmt.Errorf("%s: store entry: %w", op, err)
	}
	// A concurrent writer may have stored this fingerprint first.
	if stored.ID != id {
		slog.Info("Fingerprint stored concurrently, discarding generated problem", "problem_id", stored.ID, "topic", fp.Topic, "variant", fp.Variant)
		if !stored.IsActive {
			c.metrics.LibraryLookup("inactive")
			return nil, fmt.Errorf("%s variant %d is inactive: %w", fp.Topic, fp.Variant, ErrAlreadyUsed)
		}
	}
	if err := c.claim(ctx, stored.ID, student, sessionID); err != nil {
		return nil, err
	}
	c.metrics.LibraryLookup("generated")
	slog.Info("Problem generated and stored in library", "problem_id", stored.ID, "topic", fp.Topic, "variant", fp.Variant)
	stored.UsageCount++
	return stored, nil
}

// claim records the usage of problemID and fails with ErrAlreadyUsed when
// the student already holds it.
func (c *Cache) claim(ctx context.Context, problemID, student, sessionID string) error {
	inserted, err := c.RecordUsage(ctx, problemID, student, sessionID)
	if err != nil {
		c.metrics.LibraryLookup("error")
		return err
	}
	if !inserted {
		c.metrics.LibraryLookup("already_used")
		return ErrAlreadyUsed
	}
	return nil
}

// Acquire walks variants of base, starting at base.Variant, until it finds
// one this student has not been served. gen builds the generator for a
// given variant.
func (c *Cache) Acquire(ctx context.Context, base Fingerprint, studentID, sessionID string, maxVariants int, gen func(Fingerprint) GeneratorFunc) (*domain.LibraryEntry, error) {
	fp := base
	for range max(maxVariants, 1) {
		entry, err := c.GetOrGenerate(ctx, fp, studentID, sessionID, gen(fp))
		if errors.Is(err, ErrAlreadyUsed) {
			fp = NextVariant(fp)
			continue
		}
		return entry, err
	}
	return nil, ErrVariantsExhausted
}

// RecordUsage marks problemID as served to studentID. A repeated record is
// ignored and reported as false.
func (c *Cache) RecordUsage(ctx context.Context, problemID, studentID, sessionID string) (bool, error) {
	inserted, err := c.store.RecordUsage(ctx, domain.LibraryUsage{
		ProblemID: problemID,
		StudentID: studentID,
		SessionID: sessionID,
		UsedAt:    c.now(),
	})
	if err != nil {
		return false, fmt.Errorf("record problem usage: %w", err)
	}
	return inserted, nil
}

// UpdateScore stores a student's score for a served problem and recomputes
// the problem's average and quality score. The problem text is untouched.
func (c *Cache) UpdateScore(ctx context.Context, problemID, studentID string, score int) error {
	const op = "update problem score"
	if score < 0 || score > 100 {
		return domain.Validation(op, "score must be between 0 and 100, got %d", score)
	}
	if err := c.store.SetUsageScore(ctx, problemID, studentID, score); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	usages, avg, err := c.store.ScoreAggregate(ctx, problemID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	quality := QualityScore(usages, avg)
	if err := c.store.UpdateEntryStats(ctx, problemID, avg, quality); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	slog.Info("Problem quality updated", "problem_id", problemID, "avg_score", avg, "quality", quality)
	return nil
}

// Stats summarizes the library.
func (c *Cache) Stats(ctx context.Context, topN int) (*domain.LibraryStats, error) {
	if topN <= 0 {
		topN = 10
	}
	stats, err := c.store.LibraryStats(ctx, topN)
	if err != nil {
		return nil, fmt.Errorf("library stats: %w", err)
	}
	return stats, nil
}

// DeactivateStaleCurrentEvents deactivates current-event problems created
// more than olderThan ago.
func (c *Cache) DeactivateStaleCurrentEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultCurrentEventTTL
	}
	n, err := c.store.DeactivateCurrentEvents(ctx, c.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("deactivate current events: %w", err)
	}
	if n > 0 {
		slog.Info("Deactivated stale current-event problems", "count", n)
	}
	return n, nil
}

// usageOwner keys usage rows by student, or by session for anonymous use.
func usageOwner(studentID, sessionID string) string {
	if studentID != "" {
		return studentID
	}
	return "session:" + sessionID
}
