package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/iocforge/internal/cache"
	"github.com/lvonguyen/iocforge/internal/enrichment"
	"github.com/lvonguyen/iocforge/internal/entity"
	"github.com/lvonguyen/iocforge/internal/scoring"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// =============================================================================
// Test doubles
// =============================================================================

type fakeProvider struct {
	name   string
	types  []entity.IOCType
	ready  bool
	calls  atomic.Int32
	lookup func(ctx context.Context, value string) (*enrichment.NormalizedVerdict, error)
}

func (f *fakeProvider) Name() string                     { return f.name }
func (f *fakeProvider) SupportedTypes() []entity.IOCType { return f.types }
func (f *fakeProvider) Ready() enrichment.Readiness {
	if !f.ready {
		return enrichment.Readiness{Reason: "missing API key (env TEST)"}
	}
	return enrichment.Readiness{Ready: true}
}
func (f *fakeProvider) Lookup(ctx context.Context, t entity.IOCType, value string) (*enrichment.NormalizedVerdict, error) {
	f.calls.Add(1)
	return f.lookup(ctx, value)
}

func verdictProvider(name string, v entity.Verdict) *fakeProvider {
	return &fakeProvider{
		name:  name,
		types: []entity.IOCType{entity.IOCTypeDomain, entity.IOCTypeURL},
		ready: true,
		lookup: func(context.Context, string) (*enrichment.NormalizedVerdict, error) {
			return &enrichment.NormalizedVerdict{Verdict: v, HTTPStatus: 200}, nil
		},
	}
}

func failingProvider(name string, kind enrichment.ErrorKind) *fakeProvider {
	return &fakeProvider{
		name:  name,
		types: []entity.IOCType{entity.IOCTypeDomain, entity.IOCTypeURL},
		ready: true,
		lookup: func(context.Context, string) (*enrichment.NormalizedVerdict, error) {
			return nil, &enrichment.ProviderError{Provider: name, Kind: kind, Err: errors.New("unreachable")}
		},
	}
}

// recordingStore keeps the last persisted pass per IOC.
type recordingStore struct {
	mu      sync.Mutex
	calls   int
	results map[string][]entity.EnrichmentResult
	scores  map[string]entity.Score
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		results: make(map[string][]entity.EnrichmentResult),
		scores:  make(map[string]entity.Score),
	}
}

func (s *recordingStore) ReplaceResults(_ context.Context, iocID string, results []entity.EnrichmentResult, score entity.Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.results[iocID] = results
	s.scores[iocID] = score
	return nil
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ReplaceResults(ctx context.Context, iocID string, results []entity.EnrichmentResult, score entity.Score) error {
	args := m.Called(ctx, iocID, results, score)
	return args.Error(0)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRegistry(t *testing.T, providers ...enrichment.Provider) *enrichment.Registry {
	t.Helper()
	r := enrichment.NewRegistry(zaptest.NewLogger(t))
	for _, p := range providers {
		require.NoError(t, r.Register(p, 0))
	}
	return r
}

func fastConfig() Config {
	return Config{
		ProviderTimeout:      time.Second,
		MaxRetries:           2,
		RetryInitialInterval: time.Millisecond,
		MaxRetryDelay:        5 * time.Millisecond,
		Concurrency:          4,
	}
}

func newTestOrchestrator(t *testing.T, reg *enrichment.Registry, c cache.Cache, store ResultStore, cfg Config) *Orchestrator {
	t.Helper()
	return New(reg, c, store, cfg, zaptest.NewLogger(t),
		WithScorer(scoring.New(scoring.WithClock(func() time.Time { return testNow }))),
		WithClock(func() time.Time { return testNow }),
	)
}

func evilCom() entity.IOC {
	return entity.IOC{ID: "ioc-1", Value: "evil.com", Type: entity.IOCTypeDomain, LastSeen: testNow}
}

// =============================================================================
// Scoring scenarios
// =============================================================================

func TestEnrich_ThreeProvidersRecent(t *testing.T) {
	reg := newRegistry(t,
		verdictProvider("virustotal", entity.VerdictMalicious),
		verdictProvider("urlscan", entity.VerdictSuspicious),
		verdictProvider("osint", entity.VerdictUnknown),
	)
	store := newRecordingStore()
	o := newTestOrchestrator(t, reg, nil, store, fastConfig())

	out, err := o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)

	assert.Equal(t, 40, out.Score.RiskScore)
	assert.Equal(t, entity.RiskBandMedium, out.Score.RiskBand)
	assert.False(t, out.Incomplete)
	require.Len(t, store.results["ioc-1"], 3)
	assert.Equal(t, out.Score, store.scores["ioc-1"])
	for _, r := range out.Results {
		assert.Equal(t, entity.ResultStatusOK, r.Status)
		assert.Equal(t, "ioc-1", r.IOCID)
	}
}

func TestEnrich_UnreachableProvidersGiveNoCoverage(t *testing.T) {
	urlscan := failingProvider("urlscan", enrichment.KindNetwork)
	osint := failingProvider("osint", enrichment.KindNetwork)
	reg := newRegistry(t, verdictProvider("virustotal", entity.VerdictMalicious), urlscan, osint)
	store := newRecordingStore()
	o := newTestOrchestrator(t, reg, nil, store, fastConfig())

	out, err := o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)

	assert.Equal(t, 25, out.Score.RiskScore)
	assert.Equal(t, entity.RiskBandMedium, out.Score.RiskBand)
	assert.False(t, out.Incomplete, "one provider answered")

	// Network errors are retried up to the bound.
	assert.Equal(t, int32(3), urlscan.calls.Load())
	assert.Equal(t, int32(3), osint.calls.Load())

	require.Len(t, out.Results, 3)
	assert.Equal(t, entity.ResultStatusError, out.Results[1].Status)
	assert.Equal(t, entity.VerdictUnknown, out.Results[1].Verdict)
	assert.Contains(t, out.Results[1].Evidence, "network")
}

func TestEnrich_Idempotent(t *testing.T) {
	reg := newRegistry(t,
		verdictProvider("virustotal", entity.VerdictMalicious),
		verdictProvider("urlscan", entity.VerdictBenign),
	)
	store := newRecordingStore()
	o := newTestOrchestrator(t, reg, nil, store, fastConfig())

	first, err := o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	second, err := o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)

	assert.Equal(t, first.Score.RiskScore, second.Score.RiskScore)
	assert.Equal(t, first.Score.RiskBand, second.Score.RiskBand)
	assert.Equal(t, 2, store.calls)
	assert.Len(t, store.results["ioc-1"], 2, "second pass replaces, never appends")
}

// =============================================================================
// Concurrency
// =============================================================================

func TestEnrich_SlowProviderDoesNotBlockOthers(t *testing.T) {
	slow := &fakeProvider{
		name:  "slow",
		types: []entity.IOCType{entity.IOCTypeDomain},
		ready: true,
		lookup: func(ctx context.Context, _ string) (*enrichment.NormalizedVerdict, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	reg := newRegistry(t, verdictProvider("fast", entity.VerdictMalicious), slow)

	cfg := fastConfig()
	cfg.ProviderTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 0
	o := newTestOrchestrator(t, reg, nil, newRecordingStore(), cfg)

	start := time.Now()
	out, err := o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, out.Results, 2)
	assert.Equal(t, "fast", out.Results[0].Provider)
	assert.Equal(t, entity.ResultStatusOK, out.Results[0].Status)
	assert.Equal(t, entity.VerdictMalicious, out.Results[0].Verdict)
	assert.Equal(t, "slow", out.Results[1].Provider)
	assert.Equal(t, entity.ResultStatusError, out.Results[1].Status)
	assert.Contains(t, out.Results[1].Evidence, "timeout")
}

func TestEnrich_ResultsFollowRegistryOrder(t *testing.T) {
	delayed := func(name string, d time.Duration) *fakeProvider {
		return &fakeProvider{
			name:  name,
			types: []entity.IOCType{entity.IOCTypeDomain},
			ready: true,
			lookup: func(context.Context, string) (*enrichment.NormalizedVerdict, error) {
				time.Sleep(d)
				return &enrichment.NormalizedVerdict{Verdict: entity.VerdictBenign}, nil
			},
		}
	}
	reg := newRegistry(t, delayed("a", 30*time.Millisecond), delayed("b", 0), delayed("c", 10*time.Millisecond))
	o := newTestOrchestrator(t, reg, nil, newRecordingStore(), fastConfig())

	out, err := o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	require.Len(t, out.Results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{out.Results[0].Provider, out.Results[1].Provider, out.Results[2].Provider})
}

func TestEnrichBatch_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	p := &fakeProvider{
		name:  "counting",
		types: []entity.IOCType{entity.IOCTypeDomain},
		ready: true,
		lookup: func(context.Context, string) (*enrichment.NormalizedVerdict, error) {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return &enrichment.NormalizedVerdict{Verdict: entity.VerdictSuspicious}, nil
		},
	}
	store := newRecordingStore()
	o := newTestOrchestrator(t, newRegistry(t, p), nil, store, fastConfig())

	var iocs []entity.IOC
	for _, v := range []string{"a.test", "b.test", "c.test", "d.test", "e.test", "f.test"} {
		iocs = append(iocs, entity.IOC{ID: v, Value: v, Type: entity.IOCTypeDomain})
	}

	var done atomic.Int32
	err := o.EnrichBatch(context.Background(), iocs, 2, func(_ entity.IOC, out *Outcome, err error) {
		assert.NoError(t, err)
		assert.NotNil(t, out)
		done.Add(1)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(6), done.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 6, store.calls)
}

// =============================================================================
// Error handling
// =============================================================================

func TestEnrich_NoProvidersReady(t *testing.T) {
	p := verdictProvider("virustotal", entity.VerdictMalicious)
	p.ready = false
	store := new(mockStore)
	o := newTestOrchestrator(t, newRegistry(t, p), nil, store, fastConfig())

	out, err := o.Enrich(context.Background(), evilCom())
	assert.ErrorIs(t, err, ErrNoProvidersReady)
	assert.Nil(t, out)
	assert.Equal(t, int32(0), p.calls.Load())
	store.AssertNotCalled(t, "ReplaceResults", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEnrich_NoProviderSupportsType(t *testing.T) {
	store := new(mockStore)
	store.On("ReplaceResults", mock.Anything, "ioc-kw", mock.Anything, mock.Anything).Return(nil).Once()

	reg := newRegistry(t, verdictProvider("virustotal", entity.VerdictMalicious))
	o := newTestOrchestrator(t, reg, nil, store, fastConfig())

	out, err := o.Enrich(context.Background(), entity.IOC{ID: "ioc-kw", Value: "invoice overdue", Type: entity.IOCTypeSubjectKeyword})
	require.NoError(t, err)
	assert.True(t, out.Incomplete)
	assert.Empty(t, out.Results)
	assert.Equal(t, []string{"virustotal"}, out.Skipped)
	assert.Equal(t, entity.RiskBandLow, out.Score.RiskBand)
	store.AssertExpectations(t)
}

func TestEnrich_NotFoundIsUnknownNotFailure(t *testing.T) {
	p := &fakeProvider{
		name:  "otx",
		types: []entity.IOCType{entity.IOCTypeDomain},
		ready: true,
		lookup: func(context.Context, string) (*enrichment.NormalizedVerdict, error) {
			return nil, &enrichment.ProviderError{Provider: "otx", Kind: enrichment.KindNotFound, StatusCode: 404}
		},
	}
	o := newTestOrchestrator(t, newRegistry(t, p), nil, newRecordingStore(), fastConfig())

	out, err := o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, entity.ResultStatusNotFound, out.Results[0].Status)
	assert.Equal(t, entity.VerdictUnknown, out.Results[0].Verdict)
	assert.Equal(t, 404, out.Results[0].HTTPStatus)
	assert.False(t, out.Incomplete)
	assert.Equal(t, int32(1), p.calls.Load(), "not_found is not retried")
}

func TestEnrich_AllProvidersErroredIsIncomplete(t *testing.T) {
	reg := newRegistry(t, failingProvider("a", enrichment.KindUpstream))
	o := newTestOrchestrator(t, reg, nil, newRecordingStore(), fastConfig())

	out, err := o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	assert.True(t, out.Incomplete)
	assert.Len(t, out.Results, 1)
}

func TestEnrich_AuthErrorNotRetriedAndMarksProvider(t *testing.T) {
	p := failingProvider("virustotal", enrichment.KindAuth)
	reg := newRegistry(t, p, verdictProvider("urlscan", entity.VerdictBenign))
	c, err := cache.NewMemory(100, cache.TTLSettings{Positive: time.Hour, Negative: time.Hour})
	require.NoError(t, err)
	o := newTestOrchestrator(t, reg, c, newRecordingStore(), fastConfig())

	out, err := o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, entity.ResultStatusError, out.Results[0].Status)

	rd := reg.Readiness("virustotal")
	assert.False(t, rd.Ready)
	assert.Contains(t, rd.Reason, "credentials rejected")
	assert.Equal(t, 1, c.Len(), "only the urlscan answer is cached")

	out, err = o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load(), "marked provider is skipped")
	assert.Contains(t, out.Skipped, "virustotal")
}

func TestEnrich_RetryAfterIsCapped(t *testing.T) {
	p := &fakeProvider{
		name:  "virustotal",
		types: []entity.IOCType{entity.IOCTypeDomain},
		ready: true,
	}
	p.lookup = func(context.Context, string) (*enrichment.NormalizedVerdict, error) {
		if p.calls.Load() == 1 {
			return nil, &enrichment.ProviderError{Provider: "virustotal", Kind: enrichment.KindRateLimited, StatusCode: 429, RetryAfter: time.Hour}
		}
		return &enrichment.NormalizedVerdict{Verdict: entity.VerdictMalicious}, nil
	}

	cfg := fastConfig()
	cfg.MaxRetryDelay = 20 * time.Millisecond
	o := newTestOrchestrator(t, newRegistry(t, p), nil, newRecordingStore(), cfg)

	start := time.Now()
	out, err := o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Equal(t, entity.VerdictMalicious, out.Results[0].Verdict)
}

func TestEnrich_PersistFailure(t *testing.T) {
	store := new(mockStore)
	store.On("ReplaceResults", mock.Anything, "ioc-1", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	o := newTestOrchestrator(t, newRegistry(t, verdictProvider("a", entity.VerdictBenign)), nil, store, fastConfig())
	_, err := o.Enrich(context.Background(), evilCom())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

// =============================================================================
// Cache interaction
// =============================================================================

func TestEnrich_CacheHitSkipsProvider(t *testing.T) {
	clock := &fakeClock{now: testNow}
	c, err := cache.NewMemory(100, cache.TTLSettings{Positive: 24 * time.Hour, Negative: 6 * time.Hour}, cache.WithMemoryClock(clock.Now))
	require.NoError(t, err)

	vt := verdictProvider("virustotal", entity.VerdictMalicious)
	o := newTestOrchestrator(t, newRegistry(t, vt), c, newRecordingStore(), fastConfig())

	_, err = o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	out, err := o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)

	assert.Equal(t, int32(1), vt.calls.Load())
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].CacheHit)
	assert.Equal(t, entity.VerdictMalicious, out.Results[0].Verdict)

	// Positive entries outlive the negative window.
	clock.Advance(7 * time.Hour)
	_, err = o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	assert.Equal(t, int32(1), vt.calls.Load())

	clock.Advance(18 * time.Hour)
	_, err = o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	assert.Equal(t, int32(2), vt.calls.Load(), "expired entries are never served")
}

func TestEnrich_NegativeResultsUseNegativeTTL(t *testing.T) {
	clock := &fakeClock{now: testNow}
	c, err := cache.NewMemory(100, cache.TTLSettings{Positive: 24 * time.Hour, Negative: 6 * time.Hour}, cache.WithMemoryClock(clock.Now))
	require.NoError(t, err)

	unknown := verdictProvider("osint", entity.VerdictUnknown)
	o := newTestOrchestrator(t, newRegistry(t, unknown), c, newRecordingStore(), fastConfig())

	_, err = o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)

	entry, ok, err := c.Get(context.Background(), cache.Key("osint", entity.IOCTypeDomain, "evil.com"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cache.Negative, entry.Polarity)

	clock.Advance(6 * time.Hour)
	_, err = o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	assert.Equal(t, int32(2), unknown.calls.Load())
}

func TestEnrich_ClearForcesFreshLookups(t *testing.T) {
	c, err := cache.NewMemory(100, cache.TTLSettings{Positive: time.Hour, Negative: time.Hour})
	require.NoError(t, err)
	vt := verdictProvider("virustotal", entity.VerdictSuspicious)
	o := newTestOrchestrator(t, newRegistry(t, vt), c, newRecordingStore(), fastConfig())

	_, err = o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	require.NoError(t, c.Clear(context.Background()))
	_, err = o.Enrich(context.Background(), evilCom())
	require.NoError(t, err)
	assert.Equal(t, int32(2), vt.calls.Load())
}
