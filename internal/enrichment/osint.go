package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"

	"github.com/lvonguyen/iocforge/internal/entity"
)

var osintTypes = []entity.IOCType{entity.IOCTypeURL, entity.IOCTypeDomain}

// errBlockedAddress is returned when a fetch would reach a private network.
var errBlockedAddress = errors.New("destination address is not publicly routable")

// OSINTConfig configures the direct HTTP fetch.
type OSINTConfig struct {
	ProviderConfig `yaml:",inline"`
	MaxRedirects   int   `yaml:"max_redirects"`
	MaxBodyBytes   int64 `yaml:"max_body_bytes"`
	// AllowPrivate permits probing loopback and RFC 1918 targets.
	AllowPrivate bool `yaml:"allow_private"`
}

// DefaultOSINTConfig returns defaults for the direct fetch.
func DefaultOSINTConfig() OSINTConfig {
	cfg := DefaultProviderConfig()
	cfg.RateLimit = 120
	return OSINTConfig{
		ProviderConfig: cfg,
		MaxRedirects:   5,
		MaxBodyBytes:   256 << 10,
	}
}

// OSINTProvider fetches the IOC itself and judges it by the HTTP response.
// It needs no credentials.
type OSINTProvider struct {
	config OSINTConfig
	http   *http.Client
}

// NewOSINTProvider creates the OSINT provider.
func NewOSINTProvider(config OSINTConfig) *OSINTProvider {
	if config.Timeout <= 0 {
		config.Timeout = DefaultProviderConfig().Timeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 256 << 10
	}

	dialer := &net.Dialer{Timeout: config.Timeout}
	if !config.AllowPrivate {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || !isPublicIP(ip) {
				return fmt.Errorf("%w: %s", errBlockedAddress, host)
			}
			return nil
		}
	}

	maxRedirects := config.MaxRedirects
	client := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: config.Timeout,
			DisableKeepAlives:   true,
		},
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return &OSINTProvider{config: config, http: client}
}

func (p *OSINTProvider) Name() string { return "osint" }

func (p *OSINTProvider) SupportedTypes() []entity.IOCType { return osintTypes }

// Ready always holds; the fetch has no credentials to miss.
func (p *OSINTProvider) Ready() Readiness { return ready() }

// Lookup issues a GET against the URL or the domain's root page.
func (p *OSINTProvider) Lookup(ctx context.Context, iocType entity.IOCType, value string) (*NormalizedVerdict, error) {
	target := value
	switch iocType {
	case entity.IOCTypeURL:
		if !strings.Contains(target, "://") {
			target = "http://" + target
		}
	case entity.IOCTypeDomain:
		target = "http://" + value + "/"
	default:
		return nil, unsupported(p.Name(), iocType)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		// Unparseable targets cannot be fetched; treat like an unsupported shape.
		return nil, newError(p.Name(), KindUnsupportedType, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(err, errBlockedAddress) {
			return nil, newError(p.Name(), KindUnsupportedType, err)
		}
		return nil, classifyTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	title := ""
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		title = pageTitle(io.LimitReader(resp.Body, p.config.MaxBodyBytes))
	}

	fetch := osintFetch{
		Status:      resp.StatusCode,
		FinalURL:    resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
		Server:      resp.Header.Get("Server"),
		Title:       title,
		CheckedAt:   time.Now().UTC(),
	}
	raw, _ := json.Marshal(fetch)

	verdict := &NormalizedVerdict{HTTPStatus: resp.StatusCode, Raw: raw}
	switch {
	case resp.StatusCode >= 400:
		verdict.Verdict = entity.VerdictSuspicious
		verdict.Confidence = intPtr(30)
	case resp.StatusCode == http.StatusOK:
		verdict.Verdict = entity.VerdictBenign
		verdict.Confidence = intPtr(20)
	default:
		verdict.Verdict = entity.VerdictUnknown
		verdict.Confidence = intPtr(10)
	}

	verdict.Evidence = fmt.Sprintf("HTTP %d from %s", resp.StatusCode, fetch.FinalURL)
	if title != "" {
		verdict.Evidence += fmt.Sprintf(", title %q", title)
	}
	return verdict, nil
}

type osintFetch struct {
	Status      int       `json:"status"`
	FinalURL    string    `json:"final_url"`
	ContentType string    `json:"content_type,omitempty"`
	Server      string    `json:"server,omitempty"`
	Title       string    `json:"title,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

const maxTitleRunes = 200

// pageTitle returns the text of the first <title> element.
func pageTitle(r io.Reader) string {
	z := html.NewTokenizer(r)
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			inTitle = string(name) == "title"
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				return ""
			}
		case html.TextToken:
			if inTitle {
				title := strings.Join(strings.Fields(string(z.Text())), " ")
				if r := []rune(title); len(r) > maxTitleRunes {
					title = string(r[:maxTitleRunes])
				}
				return title
			}
		}
	}
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}
