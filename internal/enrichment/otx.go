// AlienVault OTX (Open Threat Exchange) is a free threat intelligence community
// that provides indicators of compromise and threat data shared by security
// researchers worldwide.

package enrichment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lvonguyen/iocforge/internal/entity"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
	otxTimeLayout     = "2006-01-02T15:04:05.000000"
)

var otxTypes = []entity.IOCType{
	entity.IOCTypeIPv4,
	entity.IOCTypeDomain,
	entity.IOCTypeURL,
	entity.IOCTypeSHA256,
	entity.IOCTypeMD5,
}

// OTXProvider implements the Provider interface for AlienVault OTX.
type OTXProvider struct {
	config OTXConfig
	client *apiClient
}

// OTXConfig holds OTX-specific configuration.
type OTXConfig struct {
	ProviderConfig `yaml:",inline"`
	// MaliciousPulses is the pulse count at which an indicator is called malicious.
	MaliciousPulses int `yaml:"malicious_pulses"`
}

// DefaultOTXConfig returns sensible defaults for OTX.
func DefaultOTXConfig() OTXConfig {
	cfg := DefaultProviderConfig()
	cfg.APIKeyEnv = "OTX_API_KEY"
	cfg.BaseURL = otxDefaultBaseURL
	cfg.RateLimit = 60 // OTX allows ~60 requests/minute
	return OTXConfig{ProviderConfig: cfg, MaliciousPulses: 3}
}

// NewOTXProvider creates a new OTX provider.
func NewOTXProvider(config OTXConfig) *OTXProvider {
	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	if config.MaliciousPulses <= 0 {
		config.MaliciousPulses = 3
	}
	return &OTXProvider{
		config: config,
		client: newAPIClient("otx", config.BaseURL+otxAPIPath, config.Timeout),
	}
}

// Name returns the provider identifier.
func (p *OTXProvider) Name() string { return "otx" }

// SupportedTypes lists the IOC types OTX can look up.
func (p *OTXProvider) SupportedTypes() []entity.IOCType { return otxTypes }

// Ready reports whether an API key is available.
func (p *OTXProvider) Ready() Readiness { return p.config.keyReadiness() }

// Lookup queries the general section for an indicator.
func (p *OTXProvider) Lookup(ctx context.Context, iocType entity.IOCType, value string) (*NormalizedVerdict, error) {
	path, err := p.buildIndicatorPath(iocType, value)
	if err != nil {
		return nil, err
	}

	req, err := p.client.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-OTX-API-KEY", p.config.apiKey())

	var general OTXGeneralResponse
	raw, status, err := p.client.doJSON(req, &general)
	if err != nil {
		return nil, err
	}

	// An indicator nobody has pulsed is as good as unknown to OTX.
	if general.PulseInfo.Count == 0 {
		return nil, notFound(p.Name(), status)
	}

	verdict := &NormalizedVerdict{
		Verdict:    p.determineVerdict(general.PulseInfo),
		Confidence: intPtr(p.calculateConfidence(general.PulseInfo.Count)),
		Evidence:   p.buildEvidence(general.PulseInfo),
		HTTPStatus: status,
		Raw:        raw,
	}
	verdict.Actor, verdict.Family = pulseAttribution(general.PulseInfo.Pulses)
	verdict.FirstSeen, verdict.LastSeen = pulseWindow(general.PulseInfo.Pulses)
	return verdict, nil
}

// buildIndicatorPath constructs the API path for IOC lookup.
func (p *OTXProvider) buildIndicatorPath(iocType entity.IOCType, value string) (string, error) {
	encodedValue := url.PathEscape(value)

	switch iocType {
	case entity.IOCTypeIPv4:
		return fmt.Sprintf("/indicators/IPv4/%s/general", encodedValue), nil
	case entity.IOCTypeDomain:
		return fmt.Sprintf("/indicators/domain/%s/general", encodedValue), nil
	case entity.IOCTypeURL:
		return fmt.Sprintf("/indicators/url/%s/general", encodedValue), nil
	case entity.IOCTypeSHA256, entity.IOCTypeMD5:
		if detectHashType(value) == "" {
			return "", newError(p.Name(), KindUnsupportedType, fmt.Errorf("unknown hash length %d", len(value)))
		}
		return fmt.Sprintf("/indicators/file/%s/general", encodedValue), nil
	default:
		return "", unsupported(p.Name(), iocType)
	}
}

func detectHashType(hash string) string {
	switch len(hash) {
	case 32:
		return "MD5"
	case 40:
		return "SHA1"
	case 64:
		return "SHA256"
	default:
		return ""
	}
}

func (p *OTXProvider) determineVerdict(info OTXPulseInfo) entity.Verdict {
	if info.Count >= p.config.MaliciousPulses {
		return entity.VerdictMalicious
	}
	for _, pulse := range info.Pulses {
		if pulse.Adversary != "" || len(pulse.MalwareFamilies) > 0 {
			return entity.VerdictMalicious
		}
	}
	return entity.VerdictSuspicious
}

// calculateConfidence determines confidence based on pulse count.
func (p *OTXProvider) calculateConfidence(pulseCount int) int {
	switch {
	case pulseCount >= 10:
		return 95
	case pulseCount >= 5:
		return 85
	case pulseCount >= 3:
		return 75
	case pulseCount >= 1:
		return 65
	default:
		return 50
	}
}

func (p *OTXProvider) buildEvidence(info OTXPulseInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d OTX pulse(s)", info.Count)
	if len(info.Pulses) > 0 {
		fmt.Fprintf(&b, ", latest %q", info.Pulses[0].Name)
		if tags := info.Pulses[0].Tags; len(tags) > 0 {
			if len(tags) > 5 {
				tags = tags[:5]
			}
			fmt.Fprintf(&b, " [%s]", strings.Join(tags, ", "))
		}
	}
	return b.String()
}

// pulseAttribution returns the first adversary and malware family named by any pulse.
func pulseAttribution(pulses []OTXPulse) (actor, family string) {
	for _, pulse := range pulses {
		if actor == "" && pulse.Adversary != "" {
			actor = pulse.Adversary
		}
		if family == "" {
			for _, mf := range pulse.MalwareFamilies {
				if mf.DisplayName != "" {
					family = mf.DisplayName
					break
				}
			}
		}
	}
	return actor, family
}

func pulseWindow(pulses []OTXPulse) (first, last *time.Time) {
	var lo, hi time.Time
	for _, pulse := range pulses {
		created, _ := time.Parse(otxTimeLayout, pulse.Created)
		modified, _ := time.Parse(otxTimeLayout, pulse.Modified)
		if modified.IsZero() {
			modified = created
		}
		if !created.IsZero() && (lo.IsZero() || created.Before(lo)) {
			lo = created
		}
		if modified.After(hi) {
			hi = modified
		}
	}
	return timePtr(lo), timePtr(hi)
}

// OTX API Response Types

// OTXPulse represents an OTX pulse (threat report).
type OTXPulse struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	Created         string             `json:"created"`
	Modified        string             `json:"modified"`
	Tags            []string           `json:"tags"`
	Adversary       string             `json:"adversary,omitempty"`
	MalwareFamilies []OTXMalwareFamily `json:"malware_families,omitempty"`
	AttackIDs       []OTXAttackPattern `json:"attack_ids,omitempty"`
	Industries      []string           `json:"industries,omitempty"`
	Countries       []string           `json:"targeted_countries,omitempty"`
}

// OTXMalwareFamily is a malware family tagged on a pulse.
type OTXMalwareFamily struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// OTXAttackPattern is an ATT&CK technique tagged on a pulse.
type OTXAttackPattern struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// OTXGeneralResponse is the response from /indicators/{type}/{value}/general.
type OTXGeneralResponse struct {
	Indicator   string       `json:"indicator"`
	Type        string       `json:"type"`
	TypeTitle   string       `json:"type_title"`
	Reputation  int          `json:"reputation"`
	PulseInfo   OTXPulseInfo `json:"pulse_info"`
	ASN         string       `json:"asn,omitempty"`
	CountryCode string       `json:"country_code,omitempty"`
}

// OTXPulseInfo contains pulse association info.
type OTXPulseInfo struct {
	Count      int        `json:"count"`
	Pulses     []OTXPulse `json:"pulses"`
	References []string   `json:"references,omitempty"`
}
