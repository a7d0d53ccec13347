// Package session implements the dual-tier session cache: an in-process map
// backed by the durable store with read-through hydration and write-through
// persistence.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/metrics"
	"github.com/ashureev/studypartner/internal/store"
)

const defaultStoreTimeout = 10 * time.Second

type entry struct {
	sess       *domain.Session
	lastAccess time.Time
}

// Cache resolves and persists sessions. The durable store is authoritative;
// the in-memory map only accelerates lookups.
type Cache struct {
	store   store.SessionStore
	inval   Invalidator
	metrics *metrics.Recorder
	now     func() time.Time

	storeTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*entry

	locksMu sync.Mutex
	locks   map[string]*sessionLock

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithInvalidator publishes an invalidation after every successful persist.
func WithInvalidator(inv Invalidator) Option {
	return func(c *Cache) { c.inval = inv }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithStoreTimeout bounds hydration reads and detached durable writes.
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.storeTimeout = d
		}
	}
}

// New creates a Cache over a durable session store.
func New(st store.SessionStore, opts ...Option) *Cache {
	c := &Cache{
		store:        st,
		inval:        NoopInvalidator{},
		now:          time.Now,
		storeTimeout: defaultStoreTimeout,
		sessions:     make(map[string]*entry),
		locks:        make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns a copy of the session with the given id, hydrating it from
// the durable store on a memory miss. Concurrent misses for one id share a
// single durable read.
func (c *Cache) Resolve(ctx context.Context, id string) (*domain.Session, error) {
	const op = "resolve session"
	if id == "" {
		return nil, domain.Validation(op, "sessionId is required")
	}

	if s, ok := c.lookup(id); ok {
		c.metrics.CacheLookup("hit")
		return s.Clone(), nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		if s, ok := c.lookup(id); ok {
			return s, nil
		}
		return c.hydrate(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session).Clone(), nil
}

func (c *Cache) hydrate(ctx context.Context, id string) (*domain.Session, error) {
	const op = "resolve session"

	// The load is shared by every waiter, so one caller's cancellation must not fail the rest.
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()

	row, err := c.store.GetSession(loadCtx, id)
	if err != nil {
		c.metrics.CacheLookup("error")
		return nil, &domain.Error{Kind: domain.KindInternal, Code: domain.CodeInternal, Op: op, Err: err}
	}
	if row == nil {
		c.metrics.CacheLookup("not_found")
		return nil, domain.NotFound(op, domain.CodeSessionNotFound)
	}

	s, err := store.DecodeSession(row)
	if err != nil {
		c.metrics.CacheLookup("error")
		slog.Error("Stored session is corrupt", "session_id", id, "error", err)
		return nil, err
	}

	c.mu.Lock()
	// A persist that raced the read already holds a newer copy.
	if e, ok := c.sessions[id]; ok {
		s = e.sess
		e.lastAccess = c.now()
	} else {
		c.sessions[id] = &entry{sess: s, lastAccess: c.now()}
	}
	size := len(c.sessions)
	c.mu.Unlock()

	c.metrics.CacheLookup("hydrated")
	c.metrics.CacheSize(size)
	slog.Debug("Session hydrated from durable store", "session_id", id)
	return s, nil
}

// Persist refreshes UpdatedAt, writes the session to memory and then to the
// durable store. A durable failure restores the previous memory copy and is
// returned as a Persistence error.
func (c *Cache) Persist(ctx context.Context, s *domain.Session) error {
	const op = "persist session"
	if s == nil {
		return domain.Validation(op, "session is nil")
	}

	s.UpdatedAt = c.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
	row, err := store.EncodeSession(s)
	if err != nil {
		return &domain.Error{Kind: domain.KindValidation, Code: domain.CodeInvalidSession, Op: op, Err: err}
	}

	stored := s.Clone()
	prev := c.swap(s.ID, stored)

	if err := c.store.UpsertSession(ctx, row); err != nil {
		c.restore(s.ID, stored, prev)
		c.metrics.Persist(false)
		slog.Error("Durable session write failed", "session_id", s.ID, "error", err)
		return domain.Persistence(op, err)
	}
	c.metrics.Persist(true)

	if err := c.inval.Publish(ctx, s.ID); err != nil {
		slog.Warn("Session invalidation publish failed", "session_id", s.ID, "error", err)
	}
	return nil
}

// Create assigns an id and timestamps to a new session and persists it.
func (c *Cache) Create(ctx context.Context, s *domain.Session) (*domain.Session, error) {
	if s == nil {
		return nil, domain.Validation("create session", "session is nil")
	}
	s = s.Clone()
	now := c.now()
	s.ID = NewID(now)
	s.CreatedAt = now
	if err := c.Persist(ctx, s); err != nil {
		return nil, err
	}
	slog.Info("Session created", "session_id", s.ID, "kind", s.Kind, "student_id", s.StudentID)
	return s.Clone(), nil
}

// MutateFunc edits a private copy of a session. Returning an error aborts the
// mutation and leaves both tiers untouched.
type MutateFunc func(s *domain.Session) error

// Mutate serializes read-modify-write cycles on one session. fn receives a
// deep copy; the copy replaces the cached session only once it has been
// durably written. The durable write is detached from ctx so a client
// disconnect cannot abandon a transition half way.
func (c *Cache) Mutate(ctx context.Context, id string, fn MutateFunc) (*domain.Session, error) {
	l := c.acquire(id)
	defer c.release(id, l)

	s, err := c.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()
	if err := c.Persist(writeCtx, s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Evict drops a session from memory. The durable copy is unaffected.
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	size := len(c.sessions)
	c.mu.Unlock()
	c.metrics.CacheSize(size)
}

// Len returns the number of sessions held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Cached reports whether id is currently held in memory.
func (c *Cache) Cached(id string) bool {
	_, ok := c.lookup(id)
	return ok
}

// ListenForInvalidations evicts sessions other instances have written. It
// returns once the subscription is established; evictions continue in the
// background until ctx is done.
func (c *Cache) ListenForInvalidations(ctx context.Context) error {
	if err := c.inval.Subscribe(ctx, c.Evict); err != nil {
		return fmt.Errorf("subscribe to session invalidations: %w", err)
	}
	return nil
}

func (c *Cache) lookup(id string) (*domain.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastAccess = c.now()
	return e.sess, true
}

func (c *Cache) swap(id string, s *domain.Session) *entry {
	c.mu.Lock()
	prev := c.sessions[id]
	c.sessions[id] = &entry{sess: s, lastAccess: c.now()}
	size := len(c.sessions)
	c.mu.Unlock()
	c.metrics.CacheSize(size)
	return prev
}

// restore undoes swap unless another writer replaced the entry meanwhile.
func (c *Cache) restore(id string, written *domain.Session, prev *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.sessions[id]
	if !ok || cur.sess != written {
		return
	}
	if prev == nil {
		delete(c.sessions, id)
		return
	}
	c.sessions[id] = prev
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (c *Cache) acquire(id string) *sessionLock {
	c.locksMu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &sessionLock{}
		c.locks[id] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return l
}

func (c *Cache) release(id string, l *sessionLock) {
	l.mu.Unlock()

	c.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, id)
	}
	c.locksMu.Unlock()
}

// sweep drops sessions idle for longer than ttl and returns how many were evicted.
func (c *Cache) sweep(ttl time.Duration) int {
	cutoff := c.now().Add(-ttl)
	c.mu.Lock()
	var evicted []string
	for id, e := range c.sessions {
		if e.lastAccess.Before(cutoff) {
			delete(c.sessions, id)
			evicted = append(evicted, id)
		}
	}
	size := len(c.sessions)
	c.mu.Unlock()

	c.metrics.CacheSize(size)
	return len(evicted)
}
