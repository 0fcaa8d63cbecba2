// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config configures the Redis-backed fixed-window limiter.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	Requests       int           `yaml:"requests"`
	Window         time.Duration `yaml:"window"`
	KeyPrefix      string        `yaml:"key_prefix"`
	IncludeHeaders bool          `yaml:"include_headers"`
}

// DefaultConfig allows 10 uploads per client per minute.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Requests:       10,
		Window:         time.Minute,
		KeyPrefix:      "iocforge:ratelimit",
		IncludeHeaders: true,
	}
}

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter counts requests per client and endpoint in Redis so that the
// limit holds across server instances.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config Config
	now    func() time.Time
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// NewRateLimiter creates a new rate limiter. A nil client disables limiting.
func NewRateLimiter(redisClient *redis.Client, cfg Config, logger *zap.Logger) *RateLimiter {
	def := DefaultConfig()
	if cfg.Requests <= 0 {
		cfg.Requests = def.Requests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:  redisClient,
		logger: logger.With(zap.String("component", "rate-limiter")),
		config: cfg,
		now:    time.Now,
	}
}

// Check counts one request. Redis failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint string) *Result {
	now := rl.now()
	if rl.redis == nil || !rl.config.Enabled {
		return &Result{Allowed: true, Limit: rl.config.Requests, Remaining: rl.config.Requests}
	}

	key := fmt.Sprintf("%s:%s:%s", rl.config.KeyPrefix, endpoint, clientID)
	count, err := incrScript.Run(ctx, rl.redis, []string{key}, rl.config.Window.Milliseconds()).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &Result{Allowed: true, Limit: rl.config.Requests}
	}

	ttl, err := rl.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = rl.config.Window
	}

	res := &Result{
		Allowed:   count <= rl.config.Requests,
		Limit:     rl.config.Requests,
		Remaining: max(rl.config.Requests-count, 0),
		ResetAt:   now.Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res
}

// Middleware limits requests per client IP and route.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := rl.Check(r.Context(), clientIP(r), r.Method+":"+r.URL.Path)

		if rl.config.IncludeHeaders && rl.config.Enabled {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}
		}

		if !result.Allowed {
			retry := int((result.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after":%d}`, retry)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP prefers RemoteAddr, which chi's RealIP middleware has already
// rewritten from trusted proxy headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return r.RemoteAddr
}
