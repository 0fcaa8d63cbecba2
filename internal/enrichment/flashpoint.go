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

const flashpointDefaultBaseURL = "https://api.flashpoint.io"

var flashpointTypes = []entity.IOCType{
	entity.IOCTypeURL,
	entity.IOCTypeDomain,
	entity.IOCTypeIPv4,
	entity.IOCTypeSHA256,
	entity.IOCTypeMD5,
	entity.IOCTypeEmail,
}

// FlashpointConfig holds Flashpoint Ignite configuration.
type FlashpointConfig struct {
	ProviderConfig `yaml:",inline"`
}

// DefaultFlashpointConfig returns defaults for the Ignite technical
// intelligence API.
func DefaultFlashpointConfig() FlashpointConfig {
	cfg := DefaultProviderConfig()
	cfg.Enabled = false
	cfg.APIKeyEnv = "FLASHPOINT_API_KEY"
	cfg.BaseURL = flashpointDefaultBaseURL
	return FlashpointConfig{ProviderConfig: cfg}
}

// FlashpointProvider queries Flashpoint's indicator store. Its value over the
// reputation feeds is actor and malware family attribution.
type FlashpointProvider struct {
	config FlashpointConfig
	client *apiClient
}

// NewFlashpointProvider creates a Flashpoint provider.
func NewFlashpointProvider(config FlashpointConfig) *FlashpointProvider {
	if config.BaseURL == "" {
		config.BaseURL = flashpointDefaultBaseURL
	}
	return &FlashpointProvider{
		config: config,
		client: newAPIClient("flashpoint", config.BaseURL, config.Timeout),
	}
}

func (p *FlashpointProvider) Name() string { return "flashpoint" }

func (p *FlashpointProvider) SupportedTypes() []entity.IOCType { return flashpointTypes }

func (p *FlashpointProvider) Ready() Readiness { return p.config.keyReadiness() }

// Lookup fetches the best match for the exact indicator value.
func (p *FlashpointProvider) Lookup(ctx context.Context, iocType entity.IOCType, value string) (*NormalizedVerdict, error) {
	if !supports(flashpointTypes, iocType) {
		return nil, unsupported(p.Name(), iocType)
	}

	params := url.Values{}
	params.Set("ioc_value", value)
	params.Set("size", "1")
	req, err := p.client.newRequest(ctx, http.MethodGet, "/technical-intelligence/v2/indicators?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.config.apiKey())

	var resp fpIndicatorResponse
	raw, status, err := p.client.doJSON(req, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, notFound(p.Name(), status)
	}

	ind := resp.Items[0]
	verdict := &NormalizedVerdict{
		Verdict:    ind.verdict(),
		HTTPStatus: status,
		Raw:        raw,
		FirstSeen:  parseFPTime(ind.FirstScoredAt, ind.CreatedAt),
		LastSeen:   parseFPTime(ind.LastScoredAt, ind.UpdatedAt),
	}
	if ind.RiskScore > 0 {
		verdict.Confidence = clampConfidence(ind.RiskScore)
	}
	if len(ind.Actors) > 0 {
		verdict.Actor = ind.Actors[0].Name
	}
	if len(ind.MalwareFamilies) > 0 {
		verdict.Family = ind.MalwareFamilies[0].Name
	}

	var parts []string
	if ind.Score != "" {
		parts = append(parts, "score "+ind.Score)
	} else if ind.RiskScore > 0 {
		parts = append(parts, fmt.Sprintf("risk score %d", ind.RiskScore))
	}
	if ind.CreatedAt != "" {
		parts = append(parts, "created "+ind.CreatedAt)
	}
	if len(parts) == 0 {
		parts = append(parts, "Flashpoint intelligence available")
	}
	verdict.Evidence = strings.Join(parts, "; ")
	return verdict, nil
}

func parseFPTime(values ...string) *time.Time {
	for _, v := range values {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return timePtr(t)
		}
	}
	return nil
}

// Flashpoint API types

type fpIndicatorResponse struct {
	Items []fpIndicator `json:"items"`
}

type fpNamed struct {
	Name string `json:"name"`
}

type fpIndicator struct {
	ID              string    `json:"id"`
	Value           string    `json:"value"`
	Type            string    `json:"type"`
	Score           string    `json:"score"`
	RiskScore       int       `json:"risk_score"`
	CreatedAt       string    `json:"created_at"`
	UpdatedAt       string    `json:"updated_at"`
	FirstScoredAt   string    `json:"first_scored_at"`
	LastScoredAt    string    `json:"last_scored_at"`
	Actors          []fpNamed `json:"actors"`
	MalwareFamilies []fpNamed `json:"malware_families"`
}

// verdict prefers the categorical score and falls back to the numeric risk.
func (i fpIndicator) verdict() entity.Verdict {
	if i.Score != "" {
		switch strings.ToLower(i.Score) {
		case "malicious":
			return entity.VerdictMalicious
		case "suspicious":
			return entity.VerdictSuspicious
		default:
			return entity.VerdictBenign
		}
	}
	switch {
	case i.RiskScore >= 80:
		return entity.VerdictMalicious
	case i.RiskScore >= 40:
		return entity.VerdictSuspicious
	default:
		return entity.VerdictBenign
	}
}
