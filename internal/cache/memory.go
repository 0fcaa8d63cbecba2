package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemorySize bounds the in-process cache.
const DefaultMemorySize = 50000

// Memory is an in-process cache bounded by an LRU. Expiry is checked on read.
type Memory struct {
	entries *lru.Cache[string, *Entry]
	now     func() time.Time

	// writeMu orders Put against the removal of expired entries.
	writeMu sync.Mutex

	mu  sync.RWMutex
	ttl TTLSettings

	counters
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithMemoryClock replaces the wall clock, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an in-process cache holding up to size entries.
func NewMemory(size int, ttl TTLSettings, opts ...MemoryOption) (*Memory, error) {
	if err := ttl.Validate(); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultMemorySize
	}
	entries, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	m := &Memory{entries: entries, now: time.Now, ttl: ttl}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Get returns a live entry or a miss. Expired entries are evicted on the way out.
func (m *Memory) Get(_ context.Context, key string) (*Entry, bool, error) {
	e, ok := m.entries.Get(key)
	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	if e.Expired(m.now()) {
		m.removeIfSame(key, e)
		m.misses.Add(1)
		return nil, false, nil
	}
	m.hits.Add(1)
	cp := *e
	return &cp, true, nil
}

// Put stores payload under key with the TTL of its polarity.
func (m *Memory) Put(_ context.Context, key string, payload []byte, polarity Polarity) error {
	now := m.now()
	ttl := m.TTL().For(polarity)
	e := &Entry{
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		Polarity:  polarity,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	m.writeMu.Lock()
	m.entries.Add(key, e)
	m.writeMu.Unlock()
	m.writes.Add(1)
	return nil
}

// removeIfSame drops key only while it still holds stale, so a Put that
// lands between the read and the removal survives.
func (m *Memory) removeIfSame(key string, stale *Entry) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if cur, ok := m.entries.Peek(key); ok && cur == stale {
		m.entries.Remove(key)
	}
}

// Clear drops every entry.
func (m *Memory) Clear(_ context.Context) error {
	m.entries.Purge()
	m.clears.Add(1)
	return nil
}

// SetTTL changes the windows used for subsequent writes.
func (m *Memory) SetTTL(_ context.Context, positive, negative time.Duration) error {
	ttl := TTLSettings{Positive: positive, Negative: negative}
	if err := ttl.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.ttl = ttl
	m.mu.Unlock()
	return nil
}

// TTL returns the current windows.
func (m *Memory) TTL() TTLSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ttl
}

// Stats returns hit/miss counters.
func (m *Memory) Stats() Stats {
	return m.snapshot("memory", m.TTL())
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	return m.entries.Len()
}
