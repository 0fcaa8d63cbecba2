// Package pipeline runs enrichment passes: it fans an IOC out to every ready
// provider, tolerates partial failure, scores the result set and persists it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/iocforge/internal/cache"
	"github.com/lvonguyen/iocforge/internal/enrichment"
	"github.com/lvonguyen/iocforge/internal/entity"
	"github.com/lvonguyen/iocforge/internal/observability"
	"github.com/lvonguyen/iocforge/internal/scoring"
)

// ErrNoProvidersReady is returned when not a single provider can be called.
var ErrNoProvidersReady = errors.New("no enrichment providers are ready")

// ResultStore persists one pass: the full result set and its score, atomically.
type ResultStore interface {
	ReplaceResults(ctx context.Context, iocID string, results []entity.EnrichmentResult, score entity.Score) error
}

// Config tunes enrichment passes.
type Config struct {
	ProviderTimeout      time.Duration `yaml:"provider_timeout"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	MaxRetryDelay        time.Duration `yaml:"max_retry_delay"`
	Concurrency          int           `yaml:"concurrency"`
}

// DefaultConfig returns the default pass settings.
func DefaultConfig() Config {
	return Config{
		ProviderTimeout:      10 * time.Second,
		MaxRetries:           2,
		RetryInitialInterval: 500 * time.Millisecond,
		MaxRetryDelay:        30 * time.Second,
		Concurrency:          4,
	}
}

// Outcome describes one completed pass.
type Outcome struct {
	IOCID   string                    `json:"ioc_id"`
	Results []entity.EnrichmentResult `json:"results"`
	Score   entity.Score              `json:"score"`
	// Skipped names providers that were not called: not ready, or not
	// supporting the IOC type.
	Skipped []string `json:"skipped,omitempty"`
	// Incomplete is set when no provider produced a usable answer.
	Incomplete bool `json:"incomplete"`
}

// Orchestrator coordinates providers, cache, scoring and persistence.
type Orchestrator struct {
	registry *enrichment.Registry
	cache    cache.Cache
	store    ResultStore
	scorer   *scoring.Calculator
	metrics  *observability.Metrics
	tracer   trace.Tracer
	logger   *zap.Logger
	config   Config
	policy   RetryPolicy
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records pass, provider and cache metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithScorer overrides the score calculator, e.g. to pin its clock.
func WithScorer(c *scoring.Calculator) Option {
	return func(o *Orchestrator) { o.scorer = c }
}

// WithClock overrides the time source for queried_at stamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. c may be nil to disable caching.
func New(registry *enrichment.Registry, c cache.Cache, store ResultStore, config Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = def.ProviderTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryInitialInterval <= 0 {
		config.RetryInitialInterval = def.RetryInitialInterval
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = def.MaxRetryDelay
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		registry: registry,
		cache:    c,
		store:    store,
		scorer:   scoring.New(),
		tracer:   otel.Tracer("iocforge/pipeline"),
		logger:   logger.With(zap.String("component", "orchestrator")),
		config:   config,
		policy: RetryPolicy{
			MaxRetries:      config.MaxRetries,
			InitialInterval: config.RetryInitialInterval,
			MaxDelay:        config.MaxRetryDelay,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enrich runs one pass for ioc and persists its results and score.
func (o *Orchestrator) Enrich(ctx context.Context, ioc entity.IOC) (*Outcome, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "enrichment.pass", trace.WithAttributes(
		attribute.String("ioc.id", ioc.ID),
		attribute.String("ioc.type", string(ioc.Type)),
	))
	defer span.End()

	ready := o.registry.Ready()
	if len(ready) == 0 {
		span.SetStatus(codes.Error, ErrNoProvidersReady.Error())
		o.metrics.ObservePass(string(ioc.Type), "no_providers", time.Since(start))
		return nil, ErrNoProvidersReady
	}

	readyNames := make(map[string]bool, len(ready))
	var candidates []enrichment.Provider
	for _, p := range ready {
		readyNames[p.Name()] = true
		if enrichment.Supports(p, ioc.Type) {
			candidates = append(candidates, p)
		}
	}

	outcome := &Outcome{IOCID: ioc.ID}
	for _, p := range o.registry.Providers() {
		if !readyNames[p.Name()] || !enrichment.Supports(p, ioc.Type) {
			outcome.Skipped = append(outcome.Skipped, p.Name())
		}
	}

	// Slots keep registry order regardless of completion order.
	slots := make([]*entity.EnrichmentResult, len(candidates))
	var wg sync.WaitGroup
	for i, p := range candidates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots[i] = o.runProvider(ctx, p, ioc)
		}()
	}
	wg.Wait()

	errored := 0
	for i, r := range slots {
		if r == nil {
			outcome.Skipped = append(outcome.Skipped, candidates[i].Name())
			continue
		}
		r.IOCID = ioc.ID
		if r.Status == entity.ResultStatusError {
			errored++
		}
		outcome.Results = append(outcome.Results, *r)
	}
	outcome.Incomplete = len(outcome.Results) == 0 || errored == len(outcome.Results)

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	outcome.Score = o.scorer.Calculate(ioc, outcome.Results)
	if err := o.store.ReplaceResults(ctx, ioc.ID, outcome.Results, outcome.Score); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		o.metrics.ObservePass(string(ioc.Type), "error", time.Since(start))
		return nil, fmt.Errorf("persisting results for %s: %w", ioc.ID, err)
	}

	label := "complete"
	if outcome.Incomplete {
		label = "incomplete"
	}
	span.SetAttributes(
		attribute.Int("enrichment.results", len(outcome.Results)),
		attribute.Int("risk.score", outcome.Score.RiskScore),
		attribute.String("risk.band", string(outcome.Score.RiskBand)),
	)
	o.metrics.ObservePass(string(ioc.Type), label, time.Since(start))
	o.logger.Debug("Enrichment pass finished",
		zap.String("ioc_id", ioc.ID),
		zap.Int("results", len(outcome.Results)),
		zap.Int("risk_score", outcome.Score.RiskScore),
		zap.Bool("incomplete", outcome.Incomplete),
	)
	return outcome, nil
}

// BatchFunc receives the outcome of each pass in a batch. It may be called
// from several goroutines at once.
type BatchFunc func(ioc entity.IOC, outcome *Outcome, err error)

// EnrichBatch runs passes for iocs with at most concurrency in flight.
// Per-IOC failures go to onDone; only cancellation of ctx aborts the batch.
func (o *Orchestrator) EnrichBatch(ctx context.Context, iocs []entity.IOC, concurrency int, onDone BatchFunc) error {
	if concurrency <= 0 {
		concurrency = o.config.Concurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, ioc := range iocs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := o.Enrich(gctx, ioc)
			if onDone != nil {
				onDone(ioc, outcome, err)
			}
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// cachedResult is the cache payload for one provider answer.
type cachedResult struct {
	Result entity.EnrichmentResult `json:"result"`
}

// runProvider returns nil when the provider turned out not to support the
// IOC's shape.
func (o *Orchestrator) runProvider(ctx context.Context, p enrichment.Provider, ioc entity.IOC) *entity.EnrichmentResult {
	name := p.Name()
	ctx, span := o.tracer.Start(ctx, "enrichment.provider", trace.WithAttributes(
		attribute.String("provider", name),
	))
	defer span.End()

	key := cache.Key(name, ioc.Type, ioc.Value)
	if r, ok := o.fromCache(ctx, key, name); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return r
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	start := time.Now()
	if err := o.registry.Wait(ctx, name); err != nil {
		return o.errorResult(name, asProviderError(name, err))
	}

	verdict, attempts, err := o.policy.retry(ctx, name, o.config.ProviderTimeout, func(ctx context.Context) (*enrichment.NormalizedVerdict, error) {
		return p.Lookup(ctx, ioc.Type, ioc.Value)
	})
	span.SetAttributes(attribute.Int("attempts", attempts))

	var result *entity.EnrichmentResult
	switch {
	case err == nil:
		result = o.okResult(name, verdict)
	case unsupportedFor(err):
		o.metrics.ObserveProvider(name, string(enrichment.KindUnsupportedType), time.Since(start))
		return nil
	case enrichment.IsKind(err, enrichment.KindNotFound):
		result = &entity.EnrichmentResult{
			Provider:  name,
			Verdict:   entity.VerdictUnknown,
			Status:    entity.ResultStatusNotFound,
			Evidence:  "no record",
			QueriedAt: o.now().UTC(),
		}
		var pe *enrichment.ProviderError
		if errors.As(err, &pe) {
			result.HTTPStatus = pe.StatusCode
		}
	default:
		pe := asProviderError(name, err)
		if pe.Kind == enrichment.KindAuth {
			o.registry.MarkAuthFailed(name, pe)
		}
		span.RecordError(pe)
		span.SetStatus(codes.Error, string(pe.Kind))
		o.logger.Warn("Provider lookup failed",
			zap.String("provider", name),
			zap.String("ioc_id", ioc.ID),
			zap.String("kind", string(pe.Kind)),
			zap.Int("attempts", attempts),
			zap.Error(pe),
		)
		result = o.errorResult(name, pe)
	}

	status := string(result.Status)
	if result.Status == entity.ResultStatusError {
		status = string(enrichment.KindOf(err))
	}
	o.metrics.ObserveProvider(name, status, time.Since(start))

	// Auth failures are not cached, and a cancelled pass says nothing about the IOC.
	if !enrichment.IsKind(err, enrichment.KindAuth) && ctx.Err() == nil {
		o.toCache(ctx, key, result)
	}
	return result
}

func (o *Orchestrator) okResult(name string, v *enrichment.NormalizedVerdict) *entity.EnrichmentResult {
	verdict := v.Verdict
	if verdict == "" {
		verdict = entity.VerdictUnknown
	}
	return &entity.EnrichmentResult{
		Provider:   name,
		Verdict:    verdict,
		Status:     entity.ResultStatusOK,
		Confidence: v.Confidence,
		Evidence:   v.Evidence,
		Actor:      v.Actor,
		Family:     v.Family,
		FirstSeen:  v.FirstSeen,
		LastSeen:   v.LastSeen,
		HTTPStatus: v.HTTPStatus,
		Raw:        v.Raw,
		QueriedAt:  o.now().UTC(),
	}
}

func (o *Orchestrator) errorResult(name string, pe *enrichment.ProviderError) *entity.EnrichmentResult {
	return &entity.EnrichmentResult{
		Provider:   name,
		Verdict:    entity.VerdictUnknown,
		Status:     entity.ResultStatusError,
		Evidence:   pe.Error(),
		HTTPStatus: pe.StatusCode,
		QueriedAt:  o.now().UTC(),
	}
}

func (o *Orchestrator) fromCache(ctx context.Context, key, provider string) (*entity.EnrichmentResult, bool) {
	if o.cache == nil {
		return nil, false
	}
	entry, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		o.logger.Warn("Cache read failed, calling provider", zap.String("provider", provider), zap.Error(err))
		ok = false
	}
	o.metrics.ObserveCache(provider, ok)
	if !ok {
		return nil, false
	}

	var cached cachedResult
	if err := json.Unmarshal(entry.Payload, &cached); err != nil {
		o.logger.Warn("Discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	r := cached.Result
	r.CacheHit = true
	return &r, true
}

func (o *Orchestrator) toCache(ctx context.Context, key string, r *entity.EnrichmentResult) {
	if o.cache == nil {
		return
	}
	polarity := cache.Negative
	if r.Status == entity.ResultStatusOK && r.Verdict != entity.VerdictUnknown {
		polarity = cache.Positive
	}
	payload, err := json.Marshal(cachedResult{Result: *r})
	if err != nil {
		return
	}
	if err := o.cache.Put(ctx, key, payload, polarity); err != nil {
		o.logger.Warn("Cache write failed", zap.String("provider", r.Provider), zap.Error(err))
	}
}
