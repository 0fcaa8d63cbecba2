// Package enrichment provides threat intelligence provider integrations.
package enrichment

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/lvonguyen/iocforge/internal/entity"
)

// Provider wraps one third-party reputation API.
//
// Lookup must fail fast with an unsupported_type *ProviderError, without
// touching the network, for types the provider does not declare. Providers
// hold no state that Lookup mutates besides credentials they fetch lazily.
type Provider interface {
	Name() string
	SupportedTypes() []entity.IOCType
	Ready() Readiness
	Lookup(ctx context.Context, iocType entity.IOCType, value string) (*NormalizedVerdict, error)
}

// Readiness reports whether a provider can be called right now.
type Readiness struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

func ready() Readiness { return Readiness{Ready: true} }

func notReady(reason string) Readiness { return Readiness{Reason: reason} }

// NormalizedVerdict is the provider-independent shape of one lookup.
type NormalizedVerdict struct {
	Verdict    entity.Verdict  `json:"verdict"`
	Confidence *int            `json:"confidence,omitempty"`
	Evidence   string          `json:"evidence,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Family     string          `json:"family,omitempty"`
	FirstSeen  *time.Time      `json:"first_seen,omitempty"`
	LastSeen   *time.Time      `json:"last_seen,omitempty"`
	HTTPStatus int             `json:"http_status,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// ProviderConfig holds common provider configuration.
type ProviderConfig struct {
	Enabled   bool          `yaml:"enabled"`
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit int           `yaml:"rate_limit"` // requests per minute, 0 = unlimited
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Enabled:   true,
		Timeout:   10 * time.Second,
		RateLimit: 60,
	}
}

// apiKey reads the secret named by APIKeyEnv. Keys are read per call so a
// rotated secret takes effect without a restart.
func (c ProviderConfig) apiKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// keyReadiness is the readiness of a provider that only needs an API key.
func (c ProviderConfig) keyReadiness() Readiness {
	if c.APIKeyEnv == "" {
		return notReady("api_key_env not configured")
	}
	if c.apiKey() == "" {
		return notReady("missing API key (env " + c.APIKeyEnv + ")")
	}
	return ready()
}

func supports(types []entity.IOCType, t entity.IOCType) bool {
	for _, s := range types {
		if s == t {
			return true
		}
	}
	return false
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func clampConfidence(v int) *int {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return &v
}
