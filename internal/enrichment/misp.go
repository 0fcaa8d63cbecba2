// MISP (Malware Information Sharing Platform) is an open-source threat
// intelligence platform for sharing, storing and correlating indicators of
// compromise. Instances are self-hosted, so there is no default base URL.

package enrichment

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/iocforge/internal/entity"
)

var mispTypes = []entity.IOCType{
	entity.IOCTypeURL,
	entity.IOCTypeDomain,
	entity.IOCTypeIPv4,
	entity.IOCTypeSHA256,
	entity.IOCTypeMD5,
	entity.IOCTypeEmail,
}

// Galaxy tag prefixes that carry attribution.
var (
	mispActorGalaxies  = []string{"misp-galaxy:threat-actor=", "misp-galaxy:mitre-intrusion-set="}
	mispFamilyGalaxies = []string{"misp-galaxy:malpedia=", "misp-galaxy:ransomware=", "misp-galaxy:mitre-malware=", "misp-galaxy:tool="}
)

// MISPProvider implements the Provider interface for MISP.
type MISPProvider struct {
	config MISPConfig
	client *apiClient
}

// MISPConfig holds MISP-specific configuration.
type MISPConfig struct {
	ProviderConfig `yaml:",inline"`
	VerifySSL      bool `yaml:"verify_ssl"`
	PublishedOnly  bool `yaml:"published_only"`
	Limit          int  `yaml:"limit"`
}

// DefaultMISPConfig returns sensible defaults for MISP.
func DefaultMISPConfig() MISPConfig {
	cfg := DefaultProviderConfig()
	cfg.Enabled = false
	cfg.APIKeyEnv = "MISP_API_KEY"
	return MISPConfig{
		ProviderConfig: cfg,
		VerifySSL:      true,
		PublishedOnly:  true,
		Limit:          50,
	}
}

// NewMISPProvider creates a new MISP provider.
func NewMISPProvider(config MISPConfig) *MISPProvider {
	if config.Limit <= 0 {
		config.Limit = 50
	}
	client := newAPIClient("misp", config.BaseURL, config.Timeout)
	if !config.VerifySSL {
		client.http.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in for self-signed instances
		}
	}
	return &MISPProvider{config: config, client: client}
}

// Name returns the provider identifier.
func (p *MISPProvider) Name() string {
	return "misp"
}

func (p *MISPProvider) SupportedTypes() []entity.IOCType { return mispTypes }

// Ready requires both an instance URL and an API key.
func (p *MISPProvider) Ready() Readiness {
	if p.config.BaseURL == "" {
		return notReady("base_url not configured")
	}
	return p.config.keyReadiness()
}

// Lookup searches attributes by exact value.
func (p *MISPProvider) Lookup(ctx context.Context, iocType entity.IOCType, value string) (*NormalizedVerdict, error) {
	mispType := toMISPType(iocType)
	if mispType == nil {
		return nil, unsupported(p.Name(), iocType)
	}

	body, err := json.Marshal(MISPAttributeSearchRequest{
		ReturnFormat:     "json",
		Value:            value,
		Type:             mispType,
		Published:        p.config.PublishedOnly,
		IncludeEventTags: true,
		Limit:            p.config.Limit,
	})
	if err != nil {
		return nil, newError(p.Name(), KindUpstream, err)
	}

	req, err := p.client.newRequest(ctx, http.MethodPost, "/attributes/restSearch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", p.config.apiKey())

	var searchResp MISPAttributeSearchResponse
	raw, status, err := p.client.doJSON(req, &searchResp)
	if err != nil {
		return nil, err
	}

	attrs := searchResp.Response.Attribute
	if len(attrs) == 0 {
		return nil, notFound(p.Name(), status)
	}

	verdict := &NormalizedVerdict{
		Verdict:    entity.VerdictSuspicious,
		HTTPStatus: status,
		Raw:        raw,
	}

	best := 0
	events := make(map[string]string)
	var first, last time.Time
	for _, attr := range attrs {
		if attr.ToIDS {
			verdict.Verdict = entity.VerdictMalicious
		}
		if c := threatLevelToConfidence(attr.Event.ThreatLevelID); c > best {
			best = c
		}
		events[attr.EventID] = attr.Event.Info

		actor, family := galaxyAttribution(attr.Tag, attr.Event.Tag)
		if verdict.Actor == "" {
			verdict.Actor = actor
		}
		if verdict.Family == "" {
			verdict.Family = family
		}

		if ts := parseEpoch(attr.Timestamp); !ts.IsZero() {
			if first.IsZero() || ts.Before(first) {
				first = ts
			}
			if ts.After(last) {
				last = ts
			}
		}
	}
	verdict.Confidence = intPtr(best)
	verdict.FirstSeen, verdict.LastSeen = timePtr(first), timePtr(last)

	infos := make([]string, 0, len(events))
	for id, info := range events {
		infos = append(infos, fmt.Sprintf("#%s %s", id, info))
	}
	slices.Sort(infos)
	verdict.Evidence = fmt.Sprintf("%d MISP attribute(s) in %d event(s): %s", len(attrs), len(events), strings.Join(infos, "; "))
	return verdict, nil
}

// galaxyAttribution extracts actor and family names from galaxy tags such as
// misp-galaxy:threat-actor="Sofacy".
func galaxyAttribution(tagSets ...[]MISPTag) (actor, family string) {
	for _, tags := range tagSets {
		for _, t := range tags {
			if actor == "" {
				actor = galaxyValue(t.Name, mispActorGalaxies)
			}
			if family == "" {
				family = galaxyValue(t.Name, mispFamilyGalaxies)
			}
		}
	}
	return actor, family
}

func galaxyValue(tag string, prefixes []string) string {
	for _, prefix := range prefixes {
		if strings.HasPrefix(tag, prefix) {
			return strings.Trim(strings.TrimPrefix(tag, prefix), `"`)
		}
	}
	return ""
}

func parseEpoch(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return unixTime(sec)
}

// MISP API types

// MISPAttributeSearchRequest is the MISP attribute search request.
type MISPAttributeSearchRequest struct {
	ReturnFormat     string   `json:"returnFormat"`
	Value            string   `json:"value,omitempty"`
	Type             []string `json:"type,omitempty"`
	Published        bool     `json:"published,omitempty"`
	IncludeEventTags bool     `json:"includeEventTags,omitempty"`
	Limit            int      `json:"limit,omitempty"`
}

// MISPAttributeSearchResponse is the MISP attribute search response.
type MISPAttributeSearchResponse struct {
	Response struct {
		Attribute []MISPAttribute `json:"Attribute"`
	} `json:"response"`
}

// MISPAttribute represents a MISP attribute.
type MISPAttribute struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Value     string    `json:"value"`
	Comment   string    `json:"comment"`
	ToIDS     bool      `json:"to_ids"`
	Timestamp string    `json:"timestamp"`
	Tag       []MISPTag `json:"Tag,omitempty"`
	Event     MISPEvent `json:"Event,omitempty"`
}

// MISPTag represents a MISP tag.
type MISPTag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"colour"`
}

// MISPEvent represents minimal MISP event info.
type MISPEvent struct {
	ID            string    `json:"id"`
	UUID          string    `json:"uuid"`
	Info          string    `json:"info"`
	ThreatLevelID string    `json:"threat_level_id"`
	Published     bool      `json:"published"`
	Tag           []MISPTag `json:"Tag,omitempty"`
}

// Helper functions

func toMISPType(iocType entity.IOCType) []string {
	switch iocType {
	case entity.IOCTypeIPv4:
		return []string{"ip-src", "ip-dst"}
	case entity.IOCTypeDomain:
		return []string{"domain", "hostname"}
	case entity.IOCTypeURL:
		return []string{"url"}
	case entity.IOCTypeSHA256:
		return []string{"sha256"}
	case entity.IOCTypeMD5:
		return []string{"md5"}
	case entity.IOCTypeEmail:
		return []string{"email-src", "email-dst"}
	default:
		return nil
	}
}

func threatLevelToConfidence(level string) int {
	switch level {
	case "1": // High
		return 90
	case "2": // Medium
		return 70
	case "3": // Low
		return 50
	default: // Undefined
		return 30
	}
}
