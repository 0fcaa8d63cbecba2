package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/iocforge/internal/ingestion"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--no-color"}, args...))
	err := root.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCommandStructure(t *testing.T) {
	root := newRootCmd()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"validate", "providers", "cache"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	cacheCmd, _, err := root.Find([]string{"cache", "ttl"})
	require.NoError(t, err)
	assert.NotNil(t, cacheCmd.Flags().Lookup("positive"))
	assert.NotNil(t, cacheCmd.Flags().Lookup("negative"))

	for _, flag := range []string{"server", "config", "json", "no-color"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

// =============================================================================
// validate
// =============================================================================

const validateCSV = "ioc_value,ioc_type,email_id,source_platform,classification\n" +
	"evil.com,domain,m1,proofpoint,malicious\n" +
	"EVIL.com,domain,m2,proofpoint,malicious\n" +
	"999.1.1.1,ipv4,m3,mimecast,suspicious\n"

func TestValidate_ReportsRowErrors(t *testing.T) {
	out, err := execute(t, "validate", writeFile(t, "iocs.csv", validateCSV))
	require.NoError(t, err)

	assert.Contains(t, out, "rows:       3")
	assert.Contains(t, out, "ok:         2")
	assert.Contains(t, out, "failed:     1")
	assert.Contains(t, out, "duplicates: 1")
	assert.Contains(t, out, "line 4: ioc_value: not a valid ipv4")
}

func TestValidate_JSON(t *testing.T) {
	out, err := execute(t, "--json", "validate", writeFile(t, "iocs.csv", validateCSV))
	require.NoError(t, err)

	var res ingestion.ParseResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.RowsOK)
	assert.Len(t, res.Errors, 1)
}

func TestValidate_RejectedFiles(t *testing.T) {
	_, err := execute(t, "validate", writeFile(t, "bad.csv", "ioc_value,ioc_type\nevil.com,domain\n"))
	assert.ErrorIs(t, err, ingestion.ErrMissingColumns)

	allBad := "ioc_value,ioc_type,email_id,source_platform,classification\nx,hostname,m1,p,malicious\n"
	_, err = execute(t, "validate", writeFile(t, "bad.csv", allBad))
	assert.ErrorIs(t, err, errRejected)

	_, err = execute(t, "validate", filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestValidate_ConfigLimits(t *testing.T) {
	cfg := writeFile(t, "config.yaml", "ingest:\n  max_rows: 1\n")
	_, err := execute(t, "--config", cfg, "validate", writeFile(t, "iocs.csv", validateCSV))
	assert.ErrorIs(t, err, ingestion.ErrTooManyRows)
}

// =============================================================================
// Server commands
// =============================================================================

func TestProviders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/providers", r.URL.Path)
		w.Write([]byte(`{"providers":[
			{"name":"virustotal","ready":true,"supported_types":["url","domain"],"rate_limit_per_minute":4},
			{"name":"misp","ready":false,"reason":"missing API key (env MISP_API_KEY)","supported_types":["ipv4"]}
		],"count":2}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "providers")
	require.NoError(t, err)
	assert.Contains(t, out, "virustotal")
	assert.Contains(t, out, "url,domain")
	assert.Contains(t, out, "not ready")
	assert.Contains(t, out, "missing API key (env MISP_API_KEY)")
}

func TestCacheTTL(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`{"ttl":{"positive":"24h0m0s","negative":"6h0m0s"}}`))
		case http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte(`{"ttl":{"positive":"24h0m0s","negative":"30m0s"}}`))
		}
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "cache", "ttl")
	require.NoError(t, err)
	assert.Contains(t, out, "negative: 6h0m0s")

	out, err = execute(t, "--server", srv.URL, "cache", "ttl", "--negative", "30m")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"negative": "30m0s"}, got, "omitted window is not sent")
	assert.Contains(t, out, "Cache TTL updated")
	assert.Contains(t, out, "negative: 30m0s")
}

func TestCacheClear_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"result cache is disabled"}`))
	}))
	defer srv.Close()

	_, err := execute(t, "--server", srv.URL, "cache", "clear")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "result cache is disabled", apiErr.Message)
}
