package enrichment

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lvonguyen/iocforge/internal/entity"
)

const vtDefaultBaseURL = "https://www.virustotal.com/api/v3"

var vtTypes = []entity.IOCType{
	entity.IOCTypeURL,
	entity.IOCTypeDomain,
	entity.IOCTypeIPv4,
	entity.IOCTypeSHA256,
	entity.IOCTypeMD5,
}

// VirusTotalConfig holds VirusTotal configuration.
type VirusTotalConfig struct {
	ProviderConfig `yaml:",inline"`
}

// DefaultVirusTotalConfig returns defaults for the public v3 API.
func DefaultVirusTotalConfig() VirusTotalConfig {
	cfg := DefaultProviderConfig()
	cfg.APIKeyEnv = "VIRUSTOTAL_API_KEY"
	cfg.BaseURL = vtDefaultBaseURL
	cfg.RateLimit = 4 // public API quota
	return VirusTotalConfig{ProviderConfig: cfg}
}

// VirusTotalProvider looks IOCs up in VirusTotal's object API.
type VirusTotalProvider struct {
	config VirusTotalConfig
	client *apiClient
}

// NewVirusTotalProvider creates a VirusTotal provider.
func NewVirusTotalProvider(config VirusTotalConfig) *VirusTotalProvider {
	if config.BaseURL == "" {
		config.BaseURL = vtDefaultBaseURL
	}
	return &VirusTotalProvider{
		config: config,
		client: newAPIClient("virustotal", config.BaseURL, config.Timeout),
	}
}

func (p *VirusTotalProvider) Name() string { return "virustotal" }
func (p *VirusTotalProvider) SupportedTypes() []entity.IOCType { return vtTypes }
func (p *VirusTotalProvider) Ready() Readiness { return p.config.keyReadiness() }

// Lookup fetches the object report and reads its last analysis stats.
func (p *VirusTotalProvider) Lookup(ctx context.Context, iocType entity.IOCType, value string) (*NormalizedVerdict, error) {
	path, err := p.objectPath(iocType, value)
	if err != nil {
		return nil, err
	}

	req, err := p.client.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-apikey", p.config.apiKey())

	var resp vtObjectResponse
	raw, status, err := p.client.doJSON(req, &resp)
	if err != nil {
		return nil, err
	}

	attrs := resp.Data.Attributes
	stats := attrs.LastAnalysisStats
	total := stats.total()
	if total == 0 {
		return nil, notFound(p.Name(), status)
	}

	verdict := &NormalizedVerdict{
		HTTPStatus: status,
		Raw:        raw,
		Family:     attrs.PopularThreatClassification.SuggestedThreatLabel,
		FirstSeen:  timePtr(unixTime(attrs.FirstSubmissionDate)),
		LastSeen:   timePtr(unixTime(attrs.LastAnalysisDate)),
	}
	if verdict.FirstSeen == nil {
		verdict.FirstSeen = timePtr(unixTime(attrs.Creation))
	}

	flagged := stats.Malicious + stats.Suspicious
	switch {
	case stats.Malicious > 0:
		verdict.Verdict = entity.VerdictMalicious
		verdict.Confidence = clampConfidence(flagged * 100 / total)
	case stats.Suspicious > 0:
		verdict.Verdict = entity.VerdictSuspicious
		verdict.Confidence = clampConfidence(flagged * 100 / total)
	case stats.Harmless > 0:
		verdict.Verdict = entity.VerdictBenign
		verdict.Confidence = clampConfidence(stats.Harmless * 100 / total)
	default:
		verdict.Verdict = entity.VerdictUnknown
	}

	verdict.Evidence = fmt.Sprintf("%d/%d engines flagged malicious, %d suspicious", stats.Malicious, total, stats.Suspicious)
	if attrs.Reputation != 0 {
		verdict.Evidence += fmt.Sprintf("; reputation %d", attrs.Reputation)
	}
	if len(attrs.Tags) > 0 {
		verdict.Evidence += "; tags: " + strings.Join(attrs.Tags, ", ")
	}
	return verdict, nil
}

func (p *VirusTotalProvider) objectPath(iocType entity.IOCType, value string) (string, error) {
	switch iocType {
	case entity.IOCTypeURL:
		// URL identifiers are the unpadded URL-safe base64 of the URL.
		return "/urls/" + base64.RawURLEncoding.EncodeToString([]byte(value)), nil
	case entity.IOCTypeDomain:
		return "/domains/" + url.PathEscape(value), nil
	case entity.IOCTypeIPv4:
		return "/ip_addresses/" + url.PathEscape(value), nil
	case entity.IOCTypeSHA256, entity.IOCTypeMD5:
		return "/files/" + url.PathEscape(value), nil
	default:
		return "", unsupported(p.Name(), iocType)
	}
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// VirusTotal API response types

type vtObjectResponse struct {
	Data struct {
		ID         string       `json:"id"`
		Type       string       `json:"type"`
		Attributes vtAttributes `json:"attributes"`
	} `json:"data"`
}

type vtAttributes struct {
	LastAnalysisStats           vtAnalysisStats        `json:"last_analysis_stats"`
	LastAnalysisDate            int64                  `json:"last_analysis_date"`
	FirstSubmissionDate         int64                  `json:"first_submission_date"`
	Creation                    int64                  `json:"creation_date"`
	Reputation                  int                    `json:"reputation"`
	Tags                        []string               `json:"tags"`
	PopularThreatClassification vtThreatClassification `json:"popular_threat_classification"`
}

type vtAnalysisStats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Harmless   int `json:"harmless"`
	Undetected int `json:"undetected"`
	Timeout    int `json:"timeout"`
}

func (s vtAnalysisStats) total() int {
	return s.Malicious + s.Suspicious + s.Harmless + s.Undetected + s.Timeout
}

type vtThreatClassification struct {
	SuggestedThreatLabel string `json:"suggested_threat_label"`
}
