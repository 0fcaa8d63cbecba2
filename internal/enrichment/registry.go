package enrichment

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/iocforge/internal/entity"
)

// Settings groups every provider's configuration under threat_intel.
type Settings struct {
	VirusTotal     VirusTotalConfig     `yaml:"virustotal"`
	URLScan        URLScanConfig        `yaml:"urlscan"`
	OTX            OTXConfig            `yaml:"otx"`
	MISP           MISPConfig           `yaml:"misp"`
	CrowdStrike    CrowdStrikeConfig    `yaml:"crowdstrike"`
	RecordedFuture RecordedFutureConfig `yaml:"recorded_future"`
	Flashpoint     FlashpointConfig     `yaml:"flashpoint"`
	OSINT          OSINTConfig          `yaml:"osint"`
}

// DefaultSettings returns defaults for every provider.
func DefaultSettings() Settings {
	return Settings{
		VirusTotal:     DefaultVirusTotalConfig(),
		URLScan:        DefaultURLScanConfig(),
		OTX:            DefaultOTXConfig(),
		MISP:           DefaultMISPConfig(),
		CrowdStrike:    DefaultCrowdStrikeConfig(),
		RecordedFuture: DefaultRecordedFutureConfig(),
		Flashpoint:     DefaultFlashpointConfig(),
		OSINT:          DefaultOSINTConfig(),
	}
}

// ProviderStatus is the registry's view of one provider.
type ProviderStatus struct {
	Name           string           `json:"name"`
	Ready          bool             `json:"ready"`
	Reason         string           `json:"reason,omitempty"`
	SupportedTypes []entity.IOCType `json:"supported_types"`
	RateLimit      int              `json:"rate_limit_per_minute,omitempty"`
}

type registration struct {
	provider  Provider
	limiter   *rate.Limiter
	perMinute int
	authErr   error
}

// Registry holds the configured providers in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []*registration
	byName  map[string]*registration
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byName: make(map[string]*registration),
		logger: logger.With(zap.String("component", "provider-registry")),
	}
}

// NewRegistryFromSettings registers every enabled provider in a fixed order.
func NewRegistryFromSettings(s Settings, logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	add := func(enabled bool, p Provider, perMinute int) {
		if !enabled {
			r.logger.Debug("Provider disabled", zap.String("provider", p.Name()))
			return
		}
		// Names are unique by construction here.
		_ = r.Register(p, perMinute)
	}
	add(s.VirusTotal.Enabled, NewVirusTotalProvider(s.VirusTotal), s.VirusTotal.RateLimit)
	add(s.URLScan.Enabled, NewURLScanProvider(s.URLScan), s.URLScan.RateLimit)
	add(s.OTX.Enabled, NewOTXProvider(s.OTX), s.OTX.RateLimit)
	add(s.MISP.Enabled, NewMISPProvider(s.MISP), s.MISP.RateLimit)
	add(s.CrowdStrike.Enabled, NewCrowdStrikeProvider(s.CrowdStrike), s.CrowdStrike.RateLimit)
	add(s.RecordedFuture.Enabled, NewRecordedFutureProvider(s.RecordedFuture), s.RecordedFuture.RateLimit)
	add(s.Flashpoint.Enabled, NewFlashpointProvider(s.Flashpoint), s.Flashpoint.RateLimit)
	add(s.OSINT.Enabled, NewOSINTProvider(s.OSINT), s.OSINT.RateLimit)
	return r
}

// Register appends p. perMinute <= 0 disables client-side rate limiting.
func (r *Registry) Register(p Provider, perMinute int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byName[p.Name()]; dup {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	reg := &registration{provider: p, perMinute: perMinute}
	if perMinute > 0 {
		// Same shape as a per-minute quota with a small burst.
		reg.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), min(perMinute, 5))
	}
	r.entries = append(r.entries, reg)
	r.byName[p.Name()] = reg

	rd := p.Ready()
	r.logger.Info("Provider registered",
		zap.String("provider", p.Name()),
		zap.Bool("ready", rd.Ready),
		zap.String("reason", rd.Reason),
	)
	return nil
}

// Providers returns every registered provider in order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.provider)
	}
	return out
}

// Get looks a provider up by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Readiness combines the provider's own check with credential rejections
// observed at runtime.
func (r *Registry) Readiness(name string) Readiness {
	r.mu.RLock()
	e, ok := r.byName[name]
	var authErr error
	if ok {
		authErr = e.authErr
	}
	r.mu.RUnlock()

	if !ok {
		return notReady("not registered")
	}
	if authErr != nil {
		return notReady("credentials rejected: " + authErr.Error())
	}
	return e.provider.Ready()
}

// Ready returns the providers that can be called now, in order.
func (r *Registry) Ready() []Provider {
	var out []Provider
	for _, p := range r.Providers() {
		if r.Readiness(p.Name()).Ready {
			out = append(out, p)
		}
	}
	return out
}

// Status reports every provider's readiness.
func (r *Registry) Status() []ProviderStatus {
	providers := r.Providers()
	out := make([]ProviderStatus, 0, len(providers))
	for _, p := range providers {
		rd := r.Readiness(p.Name())
		r.mu.RLock()
		perMinute := r.byName[p.Name()].perMinute
		r.mu.RUnlock()
		out = append(out, ProviderStatus{
			Name:           p.Name(),
			Ready:          rd.Ready,
			Reason:         rd.Reason,
			SupportedTypes: p.SupportedTypes(),
			RateLimit:      perMinute,
		})
	}
	return out
}

// Wait blocks until the provider's rate limiter admits one call.
func (r *Registry) Wait(ctx context.Context, name string) error {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok || e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

// MarkAuthFailed takes a provider out of rotation after its credentials were
// rejected. It stays out until the process restarts.
func (r *Registry) MarkAuthFailed(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok || e.authErr != nil {
		return
	}
	e.authErr = err
	r.logger.Warn("Provider credentials rejected, marking not ready",
		zap.String("provider", name),
		zap.Error(err),
	)
}

// Supports reports whether p declares support for t.
func Supports(p Provider, t entity.IOCType) bool {
	return supports(p.SupportedTypes(), t)
}
