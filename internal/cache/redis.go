package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// DefaultRedisPrefix namespaces every key the cache writes.
const DefaultRedisPrefix = "iocforge:cache"

// Redis is a cache shared by every server instance. Clear bumps a generation
// counter that is part of each key, so old entries become unreachable at once
// and age out through their own expiry.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time

	mu  sync.RWMutex
	ttl TTLSettings

	counters
}

// NewRedis wraps client. TTL settings already stored in Redis take
// precedence over ttl so that instances agree after an operator change.
func NewRedis(ctx context.Context, client *redis.Client, prefix string, ttl TTLSettings, logger *zap.Logger) (*Redis, error) {
	if err := ttl.Validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	r := &Redis{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "result-cache")),
		now:    time.Now,
		ttl:    ttl,
	}
	if err := r.loadTTL(ctx); err != nil {
		r.logger.Warn("Using configured cache TTLs", zap.Error(err))
	}
	return r, nil
}

func (r *Redis) generationKey() string { return r.prefix + ":generation" }
func (r *Redis) ttlKey() string        { return r.prefix + ":ttl" }

func (r *Redis) entryKey(gen int64, key string) string {
	return r.prefix + ":" + strconv.FormatInt(gen, 10) + ":" + strconv.FormatUint(xxhash.Sum64String(key), 16)
}

func (r *Redis) generation(ctx context.Context) (int64, error) {
	gen, err := r.client.Get(ctx, r.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Get returns a live entry or a miss.
func (r *Redis) Get(ctx context.Context, key string) (*Entry, bool, error) {
	gen, err := r.generation(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("reading cache generation: %w", err)
	}

	data, err := r.client.Get(ctx, r.entryKey(gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}

	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		r.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		r.misses.Add(1)
		return nil, false, nil
	}
	// Hash collisions and clock skew between instances both end up here.
	if e.Key != key || e.Expired(r.now()) {
		r.misses.Add(1)
		return nil, false, nil
	}
	r.hits.Add(1)
	return &e, true, nil
}

// Put stores payload under key with the TTL of its polarity.
func (r *Redis) Put(ctx context.Context, key string, payload []byte, polarity Polarity) error {
	gen, err := r.generation(ctx)
	if err != nil {
		return fmt.Errorf("reading cache generation: %w", err)
	}

	now := r.now()
	ttl := r.TTL().For(polarity)
	data, err := msgpack.Marshal(&Entry{
		Key:       key,
		Payload:   payload,
		Polarity:  polarity,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := r.client.Set(ctx, r.entryKey(gen, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	r.writes.Add(1)
	return nil
}

// Clear invalidates every entry written so far.
func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Incr(ctx, r.generationKey()).Err(); err != nil {
		return fmt.Errorf("bumping cache generation: %w", err)
	}
	r.clears.Add(1)
	r.logger.Info("Result cache cleared")
	return nil
}

// SetTTL changes the windows for subsequent writes on every instance.
func (r *Redis) SetTTL(ctx context.Context, positive, negative time.Duration) error {
	ttl := TTLSettings{Positive: positive, Negative: negative}
	if err := ttl.Validate(); err != nil {
		return err
	}
	err := r.client.HSet(ctx, r.ttlKey(),
		"positive", int64(positive/time.Millisecond),
		"negative", int64(negative/time.Millisecond),
	).Err()
	if err != nil {
		return fmt.Errorf("storing cache TTLs: %w", err)
	}
	r.mu.Lock()
	r.ttl = ttl
	r.mu.Unlock()
	r.logger.Info("Result cache TTLs updated",
		zap.Duration("positive", positive),
		zap.Duration("negative", negative),
	)
	return nil
}

// TTL returns the current windows as last seen by this instance.
func (r *Redis) TTL() TTLSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ttl
}

// Stats returns this instance's hit/miss counters.
func (r *Redis) Stats() Stats {
	return r.snapshot("redis", r.TTL())
}

// Refresh reloads TTLs written by another instance.
func (r *Redis) Refresh(ctx context.Context) error {
	return r.loadTTL(ctx)
}

func (r *Redis) loadTTL(ctx context.Context) error {
	vals, err := r.client.HGetAll(ctx, r.ttlKey()).Result()
	if err != nil {
		return fmt.Errorf("loading cache TTLs: %w", err)
	}
	if len(vals) == 0 {
		return nil
	}
	pos, perr := strconv.ParseInt(vals["positive"], 10, 64)
	neg, nerr := strconv.ParseInt(vals["negative"], 10, 64)
	if perr != nil || nerr != nil {
		return fmt.Errorf("malformed cache TTL hash: %v", vals)
	}
	ttl := TTLSettings{
		Positive: time.Duration(pos) * time.Millisecond,
		Negative: time.Duration(neg) * time.Millisecond,
	}
	if err := ttl.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.ttl = ttl
	r.mu.Unlock()
	return nil
}
