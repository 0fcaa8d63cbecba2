package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	userAgent = "IOCForge/1.0"

	// maxBodyBytes caps how much of a provider response is read.
	maxBodyBytes = 4 << 20
)

// apiClient is the HTTP plumbing shared by the JSON providers.
type apiClient struct {
	provider string
	baseURL  string
	http     *http.Client
	now      func() time.Time
}

func newAPIClient(provider, baseURL string, timeout time.Duration) *apiClient {
	if timeout <= 0 {
		timeout = DefaultProviderConfig().Timeout
	}
	return &apiClient{
		provider: provider,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

// newRequest builds a request against the provider's base URL.
func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, newError(c.provider, KindUpstream, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and returns the body of a 2xx response. Every failure is a
// *ProviderError.
func (c *apiClient) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, classifyTransport(c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, classifyStatus(c.provider, resp, c.now())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, classifyTransport(c.provider, err)
	}
	return body, resp.StatusCode, nil
}

// doJSON sends req and decodes a 2xx JSON body into out. The raw body is
// returned for auditing.
func (c *apiClient) doJSON(req *http.Request, out any) (json.RawMessage, int, error) {
	body, status, err := c.do(req)
	if err != nil {
		return nil, status, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, status, &ProviderError{
			Provider:   c.provider,
			Kind:       KindUpstream,
			StatusCode: status,
			Err:        fmt.Errorf("decoding response: %w", err),
		}
	}
	return json.RawMessage(body), status, nil
}
