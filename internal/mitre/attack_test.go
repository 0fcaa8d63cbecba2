package mitre

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/iocforge/internal/entity"
)

func ids(mappings []Mapping) []string {
	out := make([]string, len(mappings))
	for i, m := range mappings {
		out[i] = m.ID
	}
	return out
}

func TestLooksDGA(t *testing.T) {
	tests := []struct {
		domain string
		want   bool
	}{
		{"xk2j9fq8zl3m4nq7.com", true},
		{"cdn.a8f3kq9z2lx7w1.net", true},
		{"verylongcompanyname.com", false},
		{"internationalbank.com", false},
		{"evil.com", false},
		{"localhost", false},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			assert.Equal(t, tt.want, LooksDGA(tt.domain))
		})
	}
}

func TestMapIOC_ByType(t *testing.T) {
	f := NewFramework()

	tests := []struct {
		ioc  entity.IOC
		want []string
	}{
		{entity.IOC{Type: entity.IOCTypeURL, Value: "http://evil.com/login"}, []string{"T1566.002", "T1204.001"}},
		{entity.IOC{Type: entity.IOCTypeURL, Value: "https://xk2j9fq8zl3m4nq7.com/a"}, []string{"T1568.002", "T1566.002", "T1204.001"}},
		{entity.IOC{Type: entity.IOCTypeDomain, Value: "evil.com"}, []string{"T1071.001"}},
		{entity.IOC{Type: entity.IOCTypeIPv4, Value: "1.2.3.4"}, []string{"T1071"}},
		{entity.IOC{Type: entity.IOCTypeSHA256, Value: "ab"}, []string{"T1566.001", "T1204.002"}},
		{entity.IOC{Type: entity.IOCTypeEmail, Value: "a@evil.com"}, []string{"T1566"}},
		{entity.IOC{Type: entity.IOCTypeSubjectKeyword, Value: "invoice"}, []string{"T1566"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.ioc.Type)+"/"+tt.ioc.Value, func(t *testing.T) {
			tt.ioc.Classification = entity.ClassificationMalicious
			assert.Equal(t, tt.want, ids(f.MapIOC(tt.ioc)))
		})
	}
}

func TestMapIOC_ClassificationWeight(t *testing.T) {
	f := NewFramework()
	ioc := entity.IOC{Type: entity.IOCTypeDomain, Value: "evil.com"}

	ioc.Classification = entity.ClassificationBenign
	assert.Empty(t, f.MapIOC(ioc))

	ioc.Classification = entity.ClassificationSuspicious
	m := f.MapIOC(ioc)
	require.Len(t, m, 1)
	assert.InDelta(t, 0.48, m[0].Confidence, 0.001)

	ioc.Classification = entity.ClassificationUnknown
	assert.InDelta(t, 0.3, f.MapIOC(ioc)[0].Confidence, 0.001)

	// A provider confirming the IOC outweighs the analyst label.
	ioc.Classification = entity.ClassificationBenign
	ioc.Results = []entity.EnrichmentResult{{Provider: "virustotal", Verdict: entity.VerdictMalicious}}
	m = f.MapIOC(ioc)
	require.Len(t, m, 1)
	assert.InDelta(t, 0.6, m[0].Confidence, 0.001)
}

func TestTechnique(t *testing.T) {
	f := NewFramework()

	tech, ok := f.Technique("T1568.002")
	require.True(t, ok)
	assert.Equal(t, "Domain Generation Algorithms", tech.Name)
	assert.Equal(t, "Command and Control", tech.TacticName)
	assert.Equal(t, "https://attack.mitre.org/techniques/T1568/002/", tech.URL)

	_, ok = f.Technique("T9999")
	assert.False(t, ok)
}
