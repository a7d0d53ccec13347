package session

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type recordingInvalidator struct {
	mu        sync.Mutex
	published []string
	handler   func(string)
}

func (r *recordingInvalidator) Publish(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, id)
	return nil
}

func (r *recordingInvalidator) Subscribe(_ context.Context, fn func(string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = fn
	return nil
}

func (r *recordingInvalidator) Close() error { return nil }

func guidedFixture() *domain.Session {
	return domain.NewGuidedSession("student-1", domain.GuidedState{
		Steps: []domain.Step{
			{StepNumber: 1, Type: domain.AnswerChoice, Options: []string{"A) 1", "B) 2", "C) 3", "D) 4"}, CorrectAnswer: "A"},
			{StepNumber: 2, Type: domain.AnswerChoice, Options: []string{"A) 1", "B) 2", "C) 3", "D) 4"}, CorrectAnswer: "C"},
		},
	})
}

func durableCopy(t *testing.T, st store.SessionStore, id string) *domain.Session {
	t.Helper()
	row, err := st.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, row)
	s, err := store.DecodeSession(row)
	require.NoError(t, err)
	return s
}

func TestCreateAssignsID(t *testing.T) {
	t.Parallel()
	c := New(store.NewMemoryStore())

	s, err := c.Create(context.Background(), guidedFixture())
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^session_\d+_[0-9a-f]{8}$`), s.ID)
	assert.False(t, s.CreatedAt.IsZero())
	assert.True(t, c.Cached(s.ID))
}

func TestPersistConvergesWithDurableStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := New(st)

	s, err := c.Create(ctx, guidedFixture())
	require.NoError(t, err)

	_, err = c.Mutate(ctx, s.ID, func(s *domain.Session) error {
		g := s.Guided
		g.Steps[0].Attempts = append(g.Steps[0].Attempts, domain.Attempt{Answer: "A", IsCorrect: true, Timestamp: time.Now()})
		g.Steps[0].Completed = true
		g.CurrentStep = 1
		return nil
	})
	require.NoError(t, err)

	cached, err := c.Resolve(ctx, s.ID)
	require.NoError(t, err)
	durable := durableCopy(t, st, s.ID)

	if diff := cmp.Diff(cached, durable, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("cache and durable store diverged (-cache +durable):\n%s", diff)
	}
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()
	c := New(store.NewMemoryStore())

	_, err := c.Resolve(context.Background(), "session_missing")
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.Equal(t, domain.CodeSessionNotFound, domain.CodeOf(err))
}

func TestResolveHydratesAfterRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()

	first := New(st)
	s, err := first.Create(ctx, guidedFixture())
	require.NoError(t, err)

	second := New(st)
	assert.False(t, second.Cached(s.ID))
	got, err := second.Resolve(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.True(t, second.Cached(s.ID))
}

func TestResolveCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()

	s, err := New(st).Create(ctx, guidedFixture())
	require.NoError(t, err)
	st.SetGetDelay(50 * time.Millisecond)

	c := New(st)
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Resolve(ctx, s.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), st.GetCalls())
}

func TestMutatePersistFailureLeavesMemoryUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := New(st)

	s, err := c.Create(ctx, guidedFixture())
	require.NoError(t, err)

	st.FailUpserts(true)
	_, err = c.Mutate(ctx, s.ID, func(s *domain.Session) error {
		s.Guided.Steps[0].Attempts = append(s.Guided.Steps[0].Attempts, domain.Attempt{Answer: "B"})
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindPersistence, domain.KindOf(err))

	cached, err := c.Resolve(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, cached.Guided.Steps[0].Attempts)
	assert.Empty(t, durableCopy(t, st, s.ID).Guided.Steps[0].Attempts)
}

func TestMutateAbortLeavesBothTiersUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := New(st)

	s, err := c.Create(ctx, guidedFixture())
	require.NoError(t, err)

	_, err = c.Mutate(ctx, s.ID, func(s *domain.Session) error {
		s.Guided.CurrentStep = 1
		return domain.NotFound("check step", domain.CodeStepNotFound)
	})
	require.Error(t, err)

	cached, err := c.Resolve(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cached.Guided.CurrentStep)
}

func TestMutateSerializesWriters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := New(st)

	s, err := c.Create(ctx, guidedFixture())
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Mutate(ctx, s.ID, func(s *domain.Session) error {
				s.Guided.Steps[0].Attempts = append(s.Guided.Steps[0].Attempts, domain.Attempt{Answer: "B"})
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, durableCopy(t, st, s.ID).Guided.Steps[0].Attempts, writers)
}

func TestResolveReturnsPrivateCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(store.NewMemoryStore())

	s, err := c.Create(ctx, guidedFixture())
	require.NoError(t, err)

	got, err := c.Resolve(ctx, s.ID)
	require.NoError(t, err)
	got.Guided.Steps[0].Completed = true

	again, err := c.Resolve(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, again.Guided.Steps[0].Completed)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	st := store.NewMemoryStore()
	c := New(st, WithClock(clock.Now))

	idle, err := c.Create(ctx, guidedFixture())
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	active, err := c.Create(ctx, guidedFixture())
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	assert.Equal(t, 1, c.sweep(30*time.Minute))
	assert.False(t, c.Cached(idle.ID))
	assert.True(t, c.Cached(active.ID))

	_, err = c.Resolve(ctx, idle.ID)
	require.NoError(t, err, "evicted sessions remain resolvable from the durable store")
}

func TestPersistPublishesInvalidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inv := &recordingInvalidator{}
	c := New(store.NewMemoryStore(), WithInvalidator(inv))

	s, err := c.Create(ctx, guidedFixture())
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, inv.published)

	require.NoError(t, c.ListenForInvalidations(ctx), "returns once subscribed")
	require.NotNil(t, inv.handler)
	inv.handler(s.ID)
	assert.False(t, c.Cached(s.ID))
}
