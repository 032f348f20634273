// Package cache implements the relay's request idempotency cache: a
// TTL-bounded, success-only cache of command outcomes keyed by request id,
// with in-flight coalescing so that two clients racing the same request id
// share one execution against the instance (spec §4.d).
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/unitybridge/relay/internal/protocol"
)

// DefaultTTL is the cache entry lifetime applied when a Cache is built with
// NewDefault (spec §4.d: "default 60s").
const DefaultTTL = 60 * time.Second

type entry struct {
	outcome protocol.Outcome
	expires time.Time
}

type pending struct {
	done chan struct{}
	// outcome and err are only valid after done is closed.
	outcome protocol.Outcome
	err     error
}

// Executor runs a request's command against its target instance. It is
// invoked at most once per request id while that id is in flight,
// regardless of how many callers call Handle concurrently with it.
type Executor func(ctx context.Context) (protocol.Outcome, error)

// Cache coalesces concurrent identical requests and remembers successful
// outcomes for a bounded time (the original's `RequestCache`).
type Cache struct {
	ttl time.Duration

	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]*pending

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Cache with the given TTL and starts its background sweeper.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:      ttl,
		entries:  make(map[string]entry),
		inflight: make(map[string]*pending),
		stopCh:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

// NewDefault creates a Cache using DefaultTTL.
func NewDefault() *Cache { return New(DefaultTTL) }

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	interval := c.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, id)
		}
	}
}

// Stop halts the background sweeper. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Handle executes exec for requestID, or returns the cached/in-flight
// result if one already exists for that id. Only successful outcomes are
// cached; a failure (transient or otherwise) is never remembered, so a
// client's retry with the same request id always re-executes (spec §4.d,
// §7 "the relay never caches a transient error").
func (c *Cache) Handle(ctx context.Context, requestID string, exec Executor) (protocol.Outcome, error) {
	c.mu.Lock()
	if e, ok := c.entries[requestID]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.outcome, nil
	}
	if p, ok := c.inflight[requestID]; ok {
		c.mu.Unlock()
		select {
		case <-p.done:
			return p.outcome, p.err
		case <-ctx.Done():
			return protocol.Outcome{}, ctx.Err()
		}
	}

	p := &pending{done: make(chan struct{})}
	c.inflight[requestID] = p
	c.mu.Unlock()

	outcome, err := exec(ctx)

	c.mu.Lock()
	delete(c.inflight, requestID)
	if err == nil && outcome.Success {
		c.entries[requestID] = entry{outcome: outcome, expires: time.Now().Add(c.ttl)}
	}
	c.mu.Unlock()

	p.outcome, p.err = outcome, err
	close(p.done)
	return outcome, err
}

// GetCached returns the cached outcome for requestID, if any and unexpired.
func (c *Cache) GetCached(requestID string) (protocol.Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[requestID]
	if !ok || time.Now().After(e.expires) {
		return protocol.Outcome{}, false
	}
	return e.outcome, true
}

// IsPending reports whether requestID currently has an execution in flight.
func (c *Cache) IsPending(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[requestID]
	return ok
}

// Clear discards every cached entry. In-flight executions are unaffected.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Size returns the number of unexpired cached entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}

// PendingCount returns the number of requests currently in flight.
func (c *Cache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
