// Package querycache memoizes ledger reads keyed by query name and arguments,
// coalesces concurrent fetches of the same key and gates dependent queries on
// the values of their prerequisites.
package querycache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"jurywatch/observability"
)

// DefaultStaleAfter is the staleness window applied when none is configured.
const DefaultStaleAfter = 60 * time.Second

// FetchFunc loads the value for one key. The context is owned by the cache and
// is cancelled when the key is invalidated, superseded or cleared.
type FetchFunc func(ctx context.Context) (any, error)

// Option configures a Cache.
type Option func(*Cache)

// WithStaleAfter sets the staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger used for background refresh failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics overrides the metrics sink. Nil disables metrics.
func WithMetrics(m *observability.OrchestratorMetrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// Cache is the shared query cache. It is created at service or session start
// and cleared at its end; all methods are safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	group   singleflight.Group

	// ctx parents every fetch; Clear replaces it and bumps epoch so that
	// fetches started before the clear cannot write.
	ctx    context.Context
	cancel context.CancelFunc
	epoch  uint64
	closed bool

	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.OrchestratorMetrics
}

type entry struct {
	value     any
	hasValue  bool
	err       error
	fetchedAt time.Time
	// gen changes whenever the entry is invalidated or superseded. A fetch only
	// writes back when the generation it started under is still current.
	gen     uint64
	invalid bool
	// pending is set while a fetch for the current generation is scheduled;
	// inFlight holds its cancel func once it is running.
	pending  bool
	inFlight context.CancelFunc
}

// New constructs an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[Key]*entry),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     slog.Default(),
		metrics:    observability.Orchestrator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// StaleAfter returns the configured staleness window.
func (c *Cache) StaleAfter() time.Duration { return c.staleAfter }

func (c *Cache) entryLocked(key Key) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

func (c *Cache) freshLocked(e *entry) bool {
	return e.hasValue && !e.invalid && c.now().Sub(e.fetchedAt) < c.staleAfter
}

// Fetch returns the value for key, invoking fetch when there is no usable
// cached value. Concurrent callers for the same key share one fetch. A value
// past the staleness window is returned immediately while a refresh runs in
// the background. An invalidated key always waits for a new fetch.
func (c *Cache) Fetch(ctx context.Context, key Key, fetch FetchFunc) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e := c.entryLocked(key)
	if c.freshLocked(e) {
		v := e.value
		c.mu.Unlock()
		c.metrics.CacheLookup(key.Query, "hit")
		return v, nil
	}
	if e.hasValue && !e.invalid {
		v := e.value
		c.startLocked(key, e, fetch)
		c.mu.Unlock()
		c.metrics.CacheLookup(key.Query, "stale")
		return v, nil
	}
	ch := c.startLocked(key, e, fetch)
	c.mu.Unlock()
	c.metrics.CacheLookup(key.Query, "miss")

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the current state of key without blocking, starting a fetch when
// the key has no fresh value. An errored key is not refetched until it is
// invalidated or read through Fetch.
func (c *Cache) Peek(key Key, fetch FetchFunc) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return State{Status: StatusErrored, Err: ErrClosed}
	}
	e := c.entryLocked(key)
	switch {
	case c.freshLocked(e):
		return State{Status: StatusReady, Value: e.value, UpdatedAt: e.fetchedAt}
	case e.hasValue:
		c.startLocked(key, e, fetch)
		return State{Status: StatusStale, Value: e.value, Err: e.err, UpdatedAt: e.fetchedAt}
	case e.err != nil && !e.invalid && !e.pending:
		return State{Status: StatusErrored, Err: e.err, UpdatedAt: e.fetchedAt}
	default:
		c.startLocked(key, e, fetch)
		return State{Status: StatusPending}
	}
}

// State returns the current state of key without starting a fetch.
func (c *Cache) State(key Key) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return State{Status: StatusPending}
	}
	switch {
	case c.freshLocked(e):
		return State{Status: StatusReady, Value: e.value, UpdatedAt: e.fetchedAt}
	case e.hasValue:
		return State{Status: StatusStale, Value: e.value, Err: e.err, UpdatedAt: e.fetchedAt}
	case e.err != nil && !e.pending:
		return State{Status: StatusErrored, Err: e.err, UpdatedAt: e.fetchedAt}
	default:
		return State{Status: StatusPending}
	}
}

// startLocked joins or starts the fetch for the current generation of key.
func (c *Cache) startLocked(key Key, e *entry, fetch FetchFunc) <-chan singleflight.Result {
	gen, epoch, parent := e.gen, c.epoch, c.ctx
	e.pending = true
	flight := fmt.Sprintf("%d/%d/%s", epoch, gen, key)
	return c.group.DoChan(flight, func() (any, error) {
		fctx, cancel := context.WithCancel(parent)
		defer cancel()

		c.mu.Lock()
		cur := c.entries[key]
		if c.epoch != epoch || cur == nil || cur.gen != gen {
			c.mu.Unlock()
			return nil, ErrSuperseded
		}
		cur.inFlight = cancel
		c.mu.Unlock()

		c.metrics.CacheFetch(key.Query)
		v, err := fetch(fctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		cur = c.entries[key]
		if c.epoch != epoch || cur == nil || cur.gen != gen {
			c.metrics.CacheSuperseded(key.Query)
			return nil, ErrSuperseded
		}
		cur.inFlight = nil
		cur.pending = false
		if err != nil {
			c.metrics.CacheError(key.Query)
			cur.err = err
			if cur.hasValue {
				// An invalidated value stays invalid so the next read refetches.
				c.logger.Warn("query refresh failed, serving stale value", "query", key.String(), "error", err)
			} else {
				cur.invalid = false
				cur.fetchedAt = c.now()
			}
			return nil, err
		}
		cur.value = v
		cur.hasValue = true
		cur.err = nil
		cur.invalid = false
		cur.fetchedAt = c.now()
		return v, nil
	})
}

// Invalidate forces the next read of (query, args) to bypass the cache. An
// in-flight fetch for the key is cancelled and its result discarded.
func (c *Cache) Invalidate(query string, args ...any) {
	key := NewKey(query, args...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.invalidateLocked(key, e)
	}
}

// InvalidateQuery invalidates every cached key of query.
func (c *Cache) InvalidateQuery(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if key.Query == query {
			c.invalidateLocked(key, e)
		}
	}
}

func (c *Cache) invalidateLocked(key Key, e *entry) {
	c.abandonLocked(key, e)
	e.gen++
	e.invalid = true
}

// Supersede abandons an in-flight fetch of key without invalidating its cached
// value. Used when the owner of a fetch moves to a different key.
func (c *Cache) Supersede(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.pending {
		c.abandonLocked(key, e)
		e.gen++
	}
}

func (c *Cache) abandonLocked(key Key, e *entry) {
	e.pending = false
	if e.inFlight != nil {
		e.inFlight()
		e.inFlight = nil
		c.logger.Debug("query fetch abandoned", "query", key.String())
	}
}

// Clear drops every entry and abandons all in-flight fetches.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Cache) clearLocked() {
	c.cancel()
	c.epoch++
	c.entries = make(map[Key]*entry)
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// Close clears the cache and rejects further reads.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.cancel()
	c.closed = true
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
