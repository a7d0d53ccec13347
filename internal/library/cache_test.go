package library

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/store"
)

type countingGenerator struct {
	calls int
	text  string
	err   error
}

func (g *countingGenerator) gen(context.Context) (*Generated, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &Generated{Text: g.text, Category: "society"}, nil
}

var envFingerprint = Fingerprint{Topic: "環境問題", Level: "high_school", Difficulty: "main"}

func TestFingerprintKeyNormalizes(t *testing.T) {
	t.Parallel()
	a := Fingerprint{Topic: " 環境問題 ", Level: "HIGH_SCHOOL", Difficulty: "Main"}
	assert.Equal(t, envFingerprint.Key(), a.Key())
	assert.NotEqual(t, envFingerprint.Key(), NextVariant(envFingerprint).Key())
	assert.Len(t, envFingerprint.Key(), 64)
}

func TestGetOrGenerateCachesAcrossStudents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := New(st, nil)
	g := &countingGenerator{text: "  地球温暖化について論じなさい。 "}

	first, err := c.GetOrGenerate(ctx, envFingerprint, "alice", "s1", g.gen)
	require.NoError(t, err)
	assert.Equal(t, "地球温暖化について論じなさい。", first.ProblemText)
	assert.Equal(t, ContentHash("地球温暖化について論じなさい。"), first.ContentHash)

	second, err := c.GetOrGenerate(ctx, envFingerprint, "bob", "s2", g.gen)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, g.calls, "a cached fingerprint is never regenerated")
	assert.Equal(t, 2, second.UsageCount)
}

func TestGetOrGenerateExcludesRepeatForStudent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(store.NewMemoryStore(), nil)
	g := &countingGenerator{text: "problem"}

	_, err := c.GetOrGenerate(ctx, envFingerprint, "alice", "s1", g.gen)
	require.NoError(t, err)

	_, err = c.GetOrGenerate(ctx, envFingerprint, "alice", "s2", g.gen)
	require.ErrorIs(t, err, ErrAlreadyUsed)
	assert.Equal(t, 1, g.calls)
}

func TestGetOrGenerateGeneratorFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := New(st, nil)
	g := &countingGenerator{err: errors.New("provider down")}

	_, err := c.GetOrGenerate(ctx, envFingerprint, "alice", "s1", g.gen)
	require.Error(t, err)
	assert.Equal(t, domain.KindUpstreamGeneration, domain.KindOf(err))

	entry, err := st.GetEntryByFingerprint(ctx, envFingerprint.Key())
	require.NoError(t, err)
	assert.Nil(t, entry, "nothing is stored when generation fails")
}

func TestAcquireWalksVariants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(store.NewMemoryStore(), nil)

	var generated []int
	gen := func(fp Fingerprint) GeneratorFunc {
		return func(context.Context) (*Generated, error) {
			generated = append(generated, fp.Variant)
			return &Generated{Text: "variant text " + fp.Key()[:6]}, nil
		}
	}

	a, err := c.Acquire(ctx, envFingerprint, "alice", "s1", 3, gen)
	require.NoError(t, err)
	assert.Equal(t, 0, a.Variant)

	b, err := c.Acquire(ctx, envFingerprint, "alice", "s2", 3, gen)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Variant)
	assert.Equal(t, []int{0, 1}, generated)

	_, err = c.Acquire(ctx, envFingerprint, "alice", "s3", 2, gen)
	require.ErrorIs(t, err, ErrVariantsExhausted)
}

func TestUpdateScoreLeavesTextUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := New(st, nil)
	g := &countingGenerator{text: "original text"}

	entry, err := c.GetOrGenerate(ctx, envFingerprint, "alice", "s1", g.gen)
	require.NoError(t, err)

	require.NoError(t, c.UpdateScore(ctx, entry.ID, "alice", 40))

	got, err := st.GetEntryByFingerprint(ctx, envFingerprint.Key())
	require.NoError(t, err)
	assert.Equal(t, "original text", got.ProblemText)
	assert.InDelta(t, 40.0, got.AvgStudentScore, 0.001)
	assert.Equal(t, 20, got.QualityScore)

	err = c.UpdateScore(ctx, entry.ID, "alice", 101)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestQualityScoreThresholds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		usage int
		avg   float64
		want  int
	}{
		{10, 80, 100},
		{9, 80, 85},
		{5, 70, 85},
		{3, 60, 60},
		{2, 65, 50},
		{1, 49, 20},
		{1, 0, 50},
		{0, 40, 50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, QualityScore(tt.usage, tt.avg), "usage=%d avg=%v", tt.usage, tt.avg)
	}
}

func TestDeactivateStaleCurrentEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := New(st, nil)
	c.now = func() time.Time { return time.Now().AddDate(-2, 0, 0) }

	_, err := c.GetOrGenerate(ctx, envFingerprint, "alice", "s1", func(context.Context) (*Generated, error) {
		return &Generated{Text: "時事問題", IsCurrentEvent: true}, nil
	})
	require.NoError(t, err)

	c.now = time.Now
	n, err := c.DeactivateStaleCurrentEvents(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := c.Stats(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalProblems)
	assert.Equal(t, 0, stats.ActiveProblems)
}

func libraryStores(t *testing.T) map[string]store.LibraryStore {
	t.Helper()
	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]store.LibraryStore{
		"memory": store.NewMemoryStore(),
		"sqlite": db,
	}
}

func TestDeactivatedProblemIsNeverServedAgain(t *testing.T) {
	t.Parallel()
	for name, st := range libraryStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(st, nil)
			c.now = func() time.Time { return time.Now().AddDate(-2, 0, 0) }

			old := &countingGenerator{text: "古い時事問題について"}
			_, err := c.GetOrGenerate(ctx, envFingerprint, "alice", "s1", func(ctx context.Context) (*Generated, error) {
				g, err := old.gen(ctx)
				if g != nil {
					g.IsCurrentEvent = true
				}
				return g, err
			})
			require.NoError(t, err)

			c.now = time.Now
			n, err := c.DeactivateStaleCurrentEvents(ctx, 0)
			require.NoError(t, err)
			require.Equal(t, int64(1), n)

			fresh := &countingGenerator{text: "新しい問題"}
			for _, student := range []string{"alice", "bob"} {
				_, err = c.GetOrGenerate(ctx, envFingerprint, student, "s2", fresh.gen)
				require.ErrorIs(t, err, ErrAlreadyUsed, student)
			}
			assert.Equal(t, 0, fresh.calls, "a retired fingerprint is not regenerated")

			entry, err := c.Acquire(ctx, envFingerprint, "alice", "s3", 3, func(Fingerprint) GeneratorFunc { return fresh.gen })
			require.NoError(t, err)
			assert.True(t, entry.IsActive)
			assert.Equal(t, 1, entry.Variant)
			assert.Equal(t, "新しい問題", entry.ProblemText)
			assert.Equal(t, 1, fresh.calls)
		})
	}
}

type racingStore struct {
	store.LibraryStore
	winner *domain.LibraryEntry
}

func (r *racingStore) InsertEntry(ctx context.Context, _ *domain.LibraryEntry) (*domain.LibraryEntry, error) {
	return r.LibraryStore.InsertEntry(ctx, r.winner)
}

func TestGetOrGenerateLostInsertRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	winner := &domain.LibraryEntry{
		ID: "winner", Fingerprint: envFingerprint.Key(), Topic: envFingerprint.Topic,
		ProblemText: "先に保存された問題", IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	c := New(&racingStore{LibraryStore: store.NewMemoryStore(), winner: winner}, nil)
	g := &countingGenerator{text: "late"}

	entry, err := c.GetOrGenerate(ctx, envFingerprint, "alice", "s1", g.gen)
	require.NoError(t, err)
	assert.Equal(t, "winner", entry.ID)
	assert.Equal(t, "先に保存された問題", entry.ProblemText)

	_, err = c.GetOrGenerate(ctx, envFingerprint, "alice", "s2", g.gen)
	require.ErrorIs(t, err, ErrAlreadyUsed)
}

type duplicateUsageStore struct {
	store.LibraryStore
}

func (duplicateUsageStore) RecordUsage(context.Context, domain.LibraryUsage) (bool, error) {
	return false, nil
}

func TestGetOrGenerateRejectsDuplicateUsage(t *testing.T) {
	t.Parallel()
	c := New(duplicateUsageStore{LibraryStore: store.NewMemoryStore()}, nil)
	g := &countingGenerator{text: "problem"}

	_, err := c.GetOrGenerate(context.Background(), envFingerprint, "alice", "s1", g.gen)
	require.ErrorIs(t, err, ErrAlreadyUsed)
}
