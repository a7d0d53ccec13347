package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/studypartner/internal/domain"
)

const libraryColumns = `id, fingerprint, topic, level, difficulty, variant, problem_text,
	category, tags_json, is_current_event, quality_score, usage_count,
	avg_student_score, content_hash, is_active, created_at, updated_at`

// GetEntryByFingerprint retrieves the library entry for a fingerprint,
// active or not.
func (s *SQLiteStore) GetEntryByFingerprint(ctx context.Context, fingerprint string) (*domain.LibraryEntry, error) {
	query := `SELECT ` + libraryColumns + ` FROM problem_library WHERE fingerprint = ?`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan library entry: %w", err)
	}
	return entry, nil
}

// InsertEntry stores a new library entry; an existing fingerprint wins.
func (s *SQLiteStore) InsertEntry(ctx context.Context, entry *domain.LibraryEntry) (*domain.LibraryEntry, error) {
	query := `
	INSERT INTO problem_library (
		id, fingerprint, topic, level, difficulty, variant, problem_text,
		category, tags_json, is_current_event, quality_score, usage_count,
		avg_student_score, content_hash, is_active, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(fingerprint) DO NOTHING`

	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	err = withBusyRetry(ctx, "insert library entry", func() error {
		_, err := s.db.ExecContext(ctx, query,
			entry.ID, entry.Fingerprint, entry.Topic, entry.Level, entry.Difficulty,
			entry.Variant, entry.ProblemText, entry.Category, string(tags),
			entry.IsCurrentEvent, entry.QualityScore, entry.UsageCount,
			entry.AvgStudentScore, entry.ContentHash, entry.IsActive,
			entry.CreatedAt.Unix(), entry.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert library entry: %w", err)
	}

	stored, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+libraryColumns+` FROM problem_library WHERE fingerprint = ?`, entry.Fingerprint))
	if err != nil {
		return nil, fmt.Errorf("reload library entry: %w", err)
	}
	return stored, nil
}

// HasUsage reports whether a student has already been served a problem.
func (s *SQLiteStore) HasUsage(ctx context.Context, problemID, studentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM problem_usage WHERE problem_id = ? AND student_id = ?`,
		problemID, studentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query problem usage: %w", err)
	}
	return n > 0, nil
}

// RecordUsage inserts a usage row and bumps the entry's usage count.
func (s *SQLiteStore) RecordUsage(ctx context.Context, usage domain.LibraryUsage) (bool, error) {
	var inserted bool
	err := withBusyRetry(ctx, "record problem usage", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to rollback usage transaction", "error", rbErr)
			}
		}()

		var score interface{}
		if usage.StudentScore != nil {
			score = *usage.StudentScore
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO problem_usage (problem_id, student_id, session_id, student_score, used_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(problem_id, student_id) DO NOTHING`,
			usage.ProblemID, usage.StudentID, usage.SessionID, score, usage.UsedAt.Unix())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		if inserted {
			if _, err := tx.ExecContext(ctx,
				`UPDATE problem_library SET usage_count = usage_count + 1, updated_at = ? WHERE id = ?`,
				time.Now().Unix(), usage.ProblemID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("record problem usage: %w", err)
	}
	return inserted, nil
}

// SetUsageScore stores a student's score on their usage row.
func (s *SQLiteStore) SetUsageScore(ctx context.Context, problemID, studentID string, score int) error {
	var rows int64
	err := withBusyRetry(ctx, "set usage score", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE problem_usage SET student_score = ? WHERE problem_id = ? AND student_id = ?`,
			score, problemID, studentID)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set usage score: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("usage for problem %s and student %s not found", problemID, studentID)
	}
	return nil
}

// ScoreAggregate returns the usage count and mean score of a problem.
func (s *SQLiteStore) ScoreAggregate(ctx context.Context, problemID string) (int, float64, error) {
	var usages int
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1), AVG(student_score) FROM problem_usage WHERE problem_id = ?`,
		problemID).Scan(&usages, &avg)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregate usage scores: %w", err)
	}
	return usages, avg.Float64, nil
}

// UpdateEntryStats writes derived statistics for a library entry.
func (s *SQLiteStore) UpdateEntryStats(ctx context.Context, problemID string, avg float64, quality int) error {
	err := withBusyRetry(ctx, "update library stats", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE problem_library SET avg_student_score = ?, quality_score = ?, updated_at = ? WHERE id = ?`,
			avg, quality, time.Now().Unix(), problemID)
		return err
	})
	if err != nil {
		return fmt.Errorf("update library stats: %w", err)
	}
	return nil
}

// LibraryStats summarizes the library.
func (s *SQLiteStore) LibraryStats(ctx context.Context, topN int) (*domain.LibraryStats, error) {
	var stats domain.LibraryStats
	var avgQuality sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
		       COALESCE(SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END), 0),
		       AVG(quality_score)
		FROM problem_library`).Scan(&stats.TotalProblems, &stats.ActiveProblems, &avgQuality)
	if err != nil {
		return nil, fmt.Errorf("query library totals: %w", err)
	}
	stats.AvgQualityScore = avgQuality.Float64

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM problem_usage`).Scan(&stats.TotalUsages); err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}

	if topN <= 0 {
		return &stats, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, usage_count, quality_score, avg_student_score
		FROM problem_library WHERE is_active = 1
		ORDER BY usage_count DESC, created_at ASC LIMIT ?`, topN)
	if err != nil {
		return nil, fmt.Errorf("query top problems: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close library rows", "error", closeErr)
		}
	}()
	for rows.Next() {
		var sample domain.LibrarySample
		if err := rows.Scan(&sample.ID, &sample.Topic, &sample.UsageCount, &sample.QualityScore, &sample.AvgScore); err != nil {
			return nil, fmt.Errorf("scan top problem: %w", err)
		}
		stats.TopUsed = append(stats.TopUsed, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top problems: %w", err)
	}
	return &stats, nil
}

// DeactivateCurrentEvents deactivates current-event entries created before cutoff.
func (s *SQLiteStore) DeactivateCurrentEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := withBusyRetry(ctx, "deactivate current events", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE problem_library SET is_active = 0, updated_at = ?
			WHERE is_current_event = 1 AND is_active = 1 AND created_at < ?`,
			time.Now().Unix(), cutoff.Unix())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("deactivate current events: %w", err)
	}
	return n, nil
}

func scanEntry(sc rowScanner) (*domain.LibraryEntry, error) {
	var e domain.LibraryEntry
	var category, tags sql.NullString
	var createdAt, updatedAt int64

	if err := sc.Scan(
		&e.ID, &e.Fingerprint, &e.Topic, &e.Level, &e.Difficulty, &e.Variant, &e.ProblemText,
		&category, &tags, &e.IsCurrentEvent, &e.QualityScore, &e.UsageCount,
		&e.AvgStudentScore, &e.ContentHash, &e.IsActive, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	e.Category = category.String
	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &e.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return &e, nil
}
