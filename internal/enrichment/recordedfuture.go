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

const rfDefaultBaseURL = "https://api.recordedfuture.com/v2"

var rfTypes = []entity.IOCType{
	entity.IOCTypeURL,
	entity.IOCTypeDomain,
	entity.IOCTypeIPv4,
	entity.IOCTypeSHA256,
	entity.IOCTypeMD5,
}

// RecordedFutureConfig holds Recorded Future Connect API configuration.
type RecordedFutureConfig struct {
	ProviderConfig      `yaml:",inline"`
	MaliciousThreshold  int `yaml:"malicious_threshold"`
	SuspiciousThreshold int `yaml:"suspicious_threshold"`
}

// DefaultRecordedFutureConfig returns defaults for the v2 Connect API.
func DefaultRecordedFutureConfig() RecordedFutureConfig {
	cfg := DefaultProviderConfig()
	cfg.Enabled = false
	cfg.APIKeyEnv = "RECORDED_FUTURE_API_KEY"
	cfg.BaseURL = rfDefaultBaseURL
	return RecordedFutureConfig{
		ProviderConfig:      cfg,
		MaliciousThreshold:  80,
		SuspiciousThreshold: 40,
	}
}

// RecordedFutureProvider maps Recorded Future risk scores onto verdicts.
type RecordedFutureProvider struct {
	config RecordedFutureConfig
	client *apiClient
}

// NewRecordedFutureProvider creates a Recorded Future provider.
func NewRecordedFutureProvider(config RecordedFutureConfig) *RecordedFutureProvider {
	if config.BaseURL == "" {
		config.BaseURL = rfDefaultBaseURL
	}
	if config.MaliciousThreshold <= 0 {
		config.MaliciousThreshold = 80
	}
	if config.SuspiciousThreshold <= 0 {
		config.SuspiciousThreshold = 40
	}
	return &RecordedFutureProvider{
		config: config,
		client: newAPIClient("recordedfuture", config.BaseURL, config.Timeout),
	}
}

func (p *RecordedFutureProvider) Name() string { return "recordedfuture" }

func (p *RecordedFutureProvider) SupportedTypes() []entity.IOCType { return rfTypes }

func (p *RecordedFutureProvider) Ready() Readiness { return p.config.keyReadiness() }

// Lookup reads the entity's risk, timestamps and related actors/malware.
func (p *RecordedFutureProvider) Lookup(ctx context.Context, iocType entity.IOCType, value string) (*NormalizedVerdict, error) {
	var kind string
	switch iocType {
	case entity.IOCTypeIPv4:
		kind = "ip"
	case entity.IOCTypeDomain:
		kind = "domain"
	case entity.IOCTypeURL:
		kind = "url"
	case entity.IOCTypeSHA256, entity.IOCTypeMD5:
		kind = "hash"
	default:
		return nil, unsupported(p.Name(), iocType)
	}

	path := fmt.Sprintf("/%s/%s?fields=%s", kind, url.PathEscape(value), url.QueryEscape("risk,timestamps,relatedEntities"))
	req, err := p.client.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-RFToken", p.config.apiKey())

	var resp rfEntityResponse
	raw, status, err := p.client.doJSON(req, &resp)
	if err != nil {
		return nil, err
	}

	risk := resp.Data.Risk
	verdict := &NormalizedVerdict{
		Confidence: clampConfidence(risk.Score),
		HTTPStatus: status,
		Raw:        raw,
	}
	switch {
	case risk.Score >= p.config.MaliciousThreshold:
		verdict.Verdict = entity.VerdictMalicious
	case risk.Score >= p.config.SuspiciousThreshold:
		verdict.Verdict = entity.VerdictSuspicious
	default:
		verdict.Verdict = entity.VerdictBenign
	}

	if t, err := time.Parse(time.RFC3339, resp.Data.Timestamps.FirstSeen); err == nil {
		verdict.FirstSeen = timePtr(t)
	}
	if t, err := time.Parse(time.RFC3339, resp.Data.Timestamps.LastSeen); err == nil {
		verdict.LastSeen = timePtr(t)
	}

	for _, rel := range resp.Data.RelatedEntities {
		if len(rel.Entities) == 0 {
			continue
		}
		name := rel.Entities[0].Entity.Name
		switch rel.Type {
		case "RelatedThreatActor":
			if verdict.Actor == "" {
				verdict.Actor = name
			}
		case "RelatedMalware":
			if verdict.Family == "" {
				verdict.Family = name
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "risk %d/99", risk.Score)
	if risk.CriticalityLabel != "" {
		fmt.Fprintf(&b, " (%s)", risk.CriticalityLabel)
	}
	rules := make([]string, 0, len(risk.EvidenceDetails))
	for _, ev := range risk.EvidenceDetails {
		rules = append(rules, ev.Rule)
	}
	if len(rules) > 0 {
		b.WriteString("; rules: " + strings.Join(rules, ", "))
	}
	verdict.Evidence = b.String()
	return verdict, nil
}

// Recorded Future API types

type rfEntityResponse struct {
	Data struct {
		Risk struct {
			Score            int    `json:"score"`
			CriticalityLabel string `json:"criticalityLabel"`
			RiskString       string `json:"riskString"`
			EvidenceDetails  []struct {
				Rule           string `json:"rule"`
				Criticality    int    `json:"criticality"`
				EvidenceString string `json:"evidenceString"`
			} `json:"evidenceDetails"`
		} `json:"risk"`
		Timestamps struct {
			FirstSeen string `json:"firstSeen"`
			LastSeen  string `json:"lastSeen"`
		} `json:"timestamps"`
		RelatedEntities []struct {
			Type     string `json:"type"`
			Entities []struct {
				Count  int `json:"count"`
				Entity struct {
					ID   string `json:"id"`
					Name string `json:"name"`
					Type string `json:"type"`
				} `json:"entity"`
			} `json:"entities"`
		} `json:"relatedEntities"`
	} `json:"data"`
}
