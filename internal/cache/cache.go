// Package cache memoizes provider responses with separate positive and negative TTLs.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lvonguyen/iocforge/internal/entity"
)

// Default TTLs.
const (
	DefaultPositiveTTL = 24 * time.Hour
	DefaultNegativeTTL = 6 * time.Hour
)

// ErrInvalidTTL is returned by SetTTL for non-positive durations.
var ErrInvalidTTL = errors.New("cache TTL must be positive")

// Polarity records whether an entry holds a finding or a confirmed absence.
type Polarity string

const (
	Positive Polarity = "positive"
	Negative Polarity = "negative"
)

// Entry is a memoized provider response.
type Entry struct {
	Key       string    `json:"key" msgpack:"k"`
	Payload   []byte    `json:"payload" msgpack:"p"`
	Polarity  Polarity  `json:"polarity" msgpack:"o"`
	StoredAt  time.Time `json:"stored_at" msgpack:"s"`
	ExpiresAt time.Time `json:"expires_at" msgpack:"e"`
}

// Expired reports whether the entry must no longer be served at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTLSettings holds the two TTL windows.
type TTLSettings struct {
	Positive time.Duration `json:"positive"`
	Negative time.Duration `json:"negative"`
}

// For returns the TTL that applies to polarity p.
func (s TTLSettings) For(p Polarity) time.Duration {
	if p == Positive {
		return s.Positive
	}
	return s.Negative
}

// Validate rejects zero or negative windows.
func (s TTLSettings) Validate() error {
	if s.Positive <= 0 || s.Negative <= 0 {
		return fmt.Errorf("%w: positive=%s negative=%s", ErrInvalidTTL, s.Positive, s.Negative)
	}
	return nil
}

// Stats reports cache effectiveness since start.
type Stats struct {
	Backend string      `json:"backend"`
	Hits    int64       `json:"hits"`
	Misses  int64       `json:"misses"`
	Writes  int64       `json:"writes"`
	Clears  int64       `json:"clears"`
	TTL     TTLSettings `json:"ttl"`
}

// Cache is the result cache used by the enrichment orchestrator.
// Implementations are safe for concurrent use; conflicting writes to the
// same key are last-write-wins.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, payload []byte, polarity Polarity) error
	Clear(ctx context.Context) error
	SetTTL(ctx context.Context, positive, negative time.Duration) error
	TTL() TTLSettings
	Stats() Stats
}

// Key builds the cache key for one provider lookup.
// URL paths are case-sensitive, so only non-URL values are folded.
func Key(provider string, iocType entity.IOCType, value string) string {
	value = strings.TrimSpace(value)
	if iocType != entity.IOCTypeURL {
		value = strings.ToLower(value)
	}
	return provider + ":" + string(iocType) + ":" + value
}

// counters is shared bookkeeping for both backends.
type counters struct {
	hits, misses, writes, clears atomic.Int64
}

func (c *counters) snapshot(backend string, ttl TTLSettings) Stats {
	return Stats{
		Backend: backend,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Writes:  c.writes.Load(),
		Clears:  c.clears.Load(),
		TTL:     ttl,
	}
}
