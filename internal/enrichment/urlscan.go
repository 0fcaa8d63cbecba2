package enrichment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/iocforge/internal/entity"
)

const urlscanDefaultBaseURL = "https://urlscan.io/api/v1"

var urlscanTypes = []entity.IOCType{entity.IOCTypeURL, entity.IOCTypeDomain}

// URLScanConfig holds urlscan.io configuration.
type URLScanConfig struct {
	ProviderConfig `yaml:",inline"`
	// MaxAge limits search hits to scans newer than this, 0 = any age.
	MaxAge time.Duration `yaml:"max_age"`
}

// DefaultURLScanConfig returns defaults for urlscan.io.
func DefaultURLScanConfig() URLScanConfig {
	cfg := DefaultProviderConfig()
	cfg.APIKeyEnv = "URLSCAN_API_KEY"
	cfg.BaseURL = urlscanDefaultBaseURL
	cfg.RateLimit = 60
	return URLScanConfig{ProviderConfig: cfg, MaxAge: 30 * 24 * time.Hour}
}

// URLScanProvider reads the verdict of the most recent public scan.
type URLScanProvider struct {
	config URLScanConfig
	client *apiClient
}

// NewURLScanProvider creates a urlscan.io provider.
func NewURLScanProvider(config URLScanConfig) *URLScanProvider {
	if config.BaseURL == "" {
		config.BaseURL = urlscanDefaultBaseURL
	}
	return &URLScanProvider{
		config: config,
		client: newAPIClient("urlscan", config.BaseURL, config.Timeout),
	}
}

func (p *URLScanProvider) Name() string { return "urlscan" }

func (p *URLScanProvider) SupportedTypes() []entity.IOCType { return urlscanTypes }

func (p *URLScanProvider) Ready() Readiness { return p.config.keyReadiness() }

// Lookup searches for the newest scan of the IOC and maps its overall verdict.
func (p *URLScanProvider) Lookup(ctx context.Context, iocType entity.IOCType, value string) (*NormalizedVerdict, error) {
	query, err := p.searchQuery(iocType, value)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("size", "1")
	req, err := p.client.newRequest(ctx, http.MethodGet, "/search/?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("API-Key", p.config.apiKey())

	var resp urlscanSearchResponse
	raw, status, err := p.client.doJSON(req, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, notFound(p.Name(), status)
	}

	hit := resp.Results[0]
	overall := hit.Verdicts.Overall
	verdict := &NormalizedVerdict{
		HTTPStatus: status,
		Raw:        raw,
	}
	switch {
	case overall.Malicious:
		verdict.Verdict = entity.VerdictMalicious
		verdict.Confidence = clampConfidence(max(overall.Score, 50))
	case overall.Score > 0:
		verdict.Verdict = entity.VerdictSuspicious
		verdict.Confidence = clampConfidence(overall.Score)
	default:
		verdict.Verdict = entity.VerdictBenign
	}

	if t, err := time.Parse(time.RFC3339, hit.Task.Time); err == nil {
		verdict.LastSeen = timePtr(t)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "scan %s of %s", hit.ID, hit.Page.URL)
	if hit.Page.IP != "" {
		fmt.Fprintf(&b, " (%s %s)", hit.Page.IP, hit.Page.Country)
	}
	b.WriteString(", score " + strconv.Itoa(overall.Score))
	if len(overall.Categories) > 0 {
		b.WriteString(", categories: " + strings.Join(overall.Categories, ", "))
	}
	if len(overall.Brands) > 0 {
		b.WriteString(", brands: " + strings.Join(overall.Brands, ", "))
	}
	verdict.Evidence = b.String()
	return verdict, nil
}

func (p *URLScanProvider) searchQuery(iocType entity.IOCType, value string) (string, error) {
	var q string
	switch iocType {
	case entity.IOCTypeURL:
		q = fmt.Sprintf("page.url:%q", value)
	case entity.IOCTypeDomain:
		q = "page.domain:" + value
	default:
		return "", unsupported(p.Name(), iocType)
	}
	if p.config.MaxAge > 0 {
		q += fmt.Sprintf(" AND date:>now-%dd", int(p.config.MaxAge.Hours()/24))
	}
	return q, nil
}

// urlscan API response types

type urlscanSearchResponse struct {
	Total   int             `json:"total"`
	Results []urlscanResult `json:"results"`
}

type urlscanResult struct {
	ID   string `json:"_id"`
	Task struct {
		Time       string `json:"time"`
		URL        string `json:"url"`
		Visibility string `json:"visibility"`
	} `json:"task"`
	Page struct {
		URL     string `json:"url"`
		Domain  string `json:"domain"`
		IP      string `json:"ip"`
		Country string `json:"country"`
		Status  string `json:"status"`
		Title   string `json:"title"`
	} `json:"page"`
	Verdicts struct {
		Overall struct {
			Score      int      `json:"score"`
			Malicious  bool     `json:"malicious"`
			Categories []string `json:"categories"`
			Brands     []string `json:"brands"`
			Tags       []string `json:"tags"`
		} `json:"overall"`
	} `json:"verdicts"`
}
