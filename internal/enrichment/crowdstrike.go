package enrichment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/lvonguyen/iocforge/internal/entity"
)

const crowdstrikeDefaultBaseURL = "https://api.crowdstrike.com"

var crowdstrikeTypes = []entity.IOCType{
	entity.IOCTypeURL,
	entity.IOCTypeDomain,
	entity.IOCTypeIPv4,
	entity.IOCTypeSHA256,
	entity.IOCTypeMD5,
	entity.IOCTypeEmail,
}

// CrowdStrikeConfig holds Falcon Intelligence configuration. The API uses
// OAuth2 client credentials instead of a single API key.
type CrowdStrikeConfig struct {
	ProviderConfig  `yaml:",inline"`
	ClientIDEnv     string `yaml:"client_id_env"`
	ClientSecretEnv string `yaml:"client_secret_env"`
}

// DefaultCrowdStrikeConfig returns defaults for the US-1 cloud.
func DefaultCrowdStrikeConfig() CrowdStrikeConfig {
	cfg := DefaultProviderConfig()
	cfg.Enabled = false
	cfg.BaseURL = crowdstrikeDefaultBaseURL
	cfg.RateLimit = 100
	return CrowdStrikeConfig{
		ProviderConfig:  cfg,
		ClientIDEnv:     "CROWDSTRIKE_CLIENT_ID",
		ClientSecretEnv: "CROWDSTRIKE_CLIENT_SECRET",
	}
}

// CrowdStrikeProvider queries Falcon Intelligence indicators.
type CrowdStrikeProvider struct {
	config CrowdStrikeConfig
	client *apiClient

	authOnce sync.Once
}

// NewCrowdStrikeProvider creates a CrowdStrike provider.
func NewCrowdStrikeProvider(config CrowdStrikeConfig) *CrowdStrikeProvider {
	if config.BaseURL == "" {
		config.BaseURL = crowdstrikeDefaultBaseURL
	}
	return &CrowdStrikeProvider{
		config: config,
		client: newAPIClient("crowdstrike", config.BaseURL, config.Timeout),
	}
}

func (p *CrowdStrikeProvider) Name() string { return "crowdstrike" }

func (p *CrowdStrikeProvider) SupportedTypes() []entity.IOCType { return crowdstrikeTypes }

// Ready requires both halves of the client credentials.
func (p *CrowdStrikeProvider) Ready() Readiness {
	for _, env := range []string{p.config.ClientIDEnv, p.config.ClientSecretEnv} {
		if env == "" {
			return notReady("client credential env vars not configured")
		}
		if os.Getenv(env) == "" {
			return notReady("missing client credential (env " + env + ")")
		}
	}
	return ready()
}

// Lookup fetches the best-matching indicator record.
func (p *CrowdStrikeProvider) Lookup(ctx context.Context, iocType entity.IOCType, value string) (*NormalizedVerdict, error) {
	csType := toCrowdStrikeType(iocType)
	if csType == "" {
		return nil, unsupported(p.Name(), iocType)
	}

	p.authOnce.Do(p.authorize)

	params := url.Values{}
	params.Set("filter", fmt.Sprintf("indicator:'%s'+type:'%s'", escapeFQL(value), csType))
	params.Set("sort", "last_updated.desc")
	params.Set("limit", "1")
	req, err := p.client.newRequest(ctx, http.MethodGet, "/intel/combined/indicators/v1?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp csIndicatorResponse
	raw, status, err := p.client.doJSON(req, &resp)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, classifyStatus(p.Name(), re.Response, p.client.now())
		}
		return nil, err
	}
	if len(resp.Resources) == 0 {
		return nil, notFound(p.Name(), status)
	}

	ind := resp.Resources[0]
	verdict := &NormalizedVerdict{
		HTTPStatus: status,
		Raw:        raw,
		FirstSeen:  timePtr(unixTime(ind.PublishedDate)),
		LastSeen:   timePtr(unixTime(ind.LastUpdated)),
	}
	switch strings.ToLower(ind.MaliciousConfidence) {
	case "high":
		verdict.Verdict = entity.VerdictMalicious
		verdict.Confidence = intPtr(90)
	case "medium":
		verdict.Verdict = entity.VerdictSuspicious
		verdict.Confidence = intPtr(60)
	case "low":
		verdict.Verdict = entity.VerdictSuspicious
		verdict.Confidence = intPtr(30)
	default:
		verdict.Verdict = entity.VerdictUnknown
	}
	if len(ind.Actors) > 0 {
		verdict.Actor = ind.Actors[0]
	}
	if len(ind.MalwareFamilies) > 0 {
		verdict.Family = ind.MalwareFamilies[0]
	}

	labels := make([]string, 0, len(ind.Labels))
	for _, l := range ind.Labels {
		labels = append(labels, l.Name)
	}
	verdict.Evidence = fmt.Sprintf("malicious_confidence=%s", ind.MaliciousConfidence)
	if len(ind.KillChains) > 0 {
		verdict.Evidence += "; kill chain: " + strings.Join(ind.KillChains, ", ")
	}
	if len(labels) > 0 {
		verdict.Evidence += "; labels: " + strings.Join(labels, ", ")
	}
	return verdict, nil
}

// authorize swaps the plain client for one that attaches a client
// credentials bearer token, reused until shortly before it expires. The
// credentials are read on first use so Ready and Lookup see the same env.
func (p *CrowdStrikeProvider) authorize() {
	base := &http.Client{Timeout: p.client.http.Timeout}
	cc := clientcredentials.Config{
		ClientID:     os.Getenv(p.config.ClientIDEnv),
		ClientSecret: os.Getenv(p.config.ClientSecretEnv),
		TokenURL:     p.client.baseURL + "/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	p.client.http = &http.Client{
		Timeout:   base.Timeout,
		Transport: &oauth2.Transport{Source: cc.TokenSource(ctx)},
	}
}

func toCrowdStrikeType(iocType entity.IOCType) string {
	switch iocType {
	case entity.IOCTypeURL:
		return "url"
	case entity.IOCTypeDomain:
		return "domain"
	case entity.IOCTypeIPv4:
		return "ip_address"
	case entity.IOCTypeSHA256:
		return "hash_sha256"
	case entity.IOCTypeMD5:
		return "hash_md5"
	case entity.IOCTypeEmail:
		return "email_address"
	default:
		return ""
	}
}

// escapeFQL escapes single quotes inside a Falcon Query Language literal.
func escapeFQL(v string) string {
	return strings.ReplaceAll(v, "'", `\'`)
}

// CrowdStrike API types

type csIndicatorResponse struct {
	Resources []csIndicator `json:"resources"`
	Errors    []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

type csIndicator struct {
	ID                  string   `json:"id"`
	Indicator           string   `json:"indicator"`
	Type                string   `json:"type"`
	MaliciousConfidence string   `json:"malicious_confidence"`
	PublishedDate       int64    `json:"published_date"`
	LastUpdated         int64    `json:"last_updated"`
	Actors              []string `json:"actors"`
	MalwareFamilies     []string `json:"malware_families"`
	KillChains          []string `json:"kill_chains"`
	Labels              []struct {
		Name string `json:"name"`
	} `json:"labels"`
}
