// Package mitre maps IOCs to the MITRE ATT&CK techniques they most likely
// evidence. The mapping is a heuristic hint for analysts, not a verdict.
package mitre

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"

	"github.com/lvonguyen/iocforge/internal/entity"
)

// Technique is an ATT&CK technique with its primary tactic.
type Technique struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TacticID   string `json:"tactic_id"`
	TacticName string `json:"tactic_name"`
	URL        string `json:"url"`
}

// Mapping ties an IOC to one technique.
type Mapping struct {
	Technique
	Confidence float64 `json:"confidence"` // 0.0 - 1.0
	Evidence   string  `json:"evidence"`
}

const (
	tacticInitialAccess = "TA0001"
	tacticExecution     = "TA0002"
	tacticC2            = "TA0011"
)

var tactics = map[string]string{
	tacticInitialAccess: "Initial Access",
	tacticExecution:     "Execution",
	tacticC2:            "Command and Control",
}

// Framework holds the technique table. It is read-only after construction.
type Framework struct {
	techniques map[string]Technique
}

// NewFramework returns a Framework seeded with the techniques email-borne
// indicators map to.
func NewFramework() *Framework {
	f := &Framework{techniques: make(map[string]Technique)}
	for _, t := range []struct{ id, name, tactic string }{
		{"T1566", "Phishing", tacticInitialAccess},
		{"T1566.001", "Spearphishing Attachment", tacticInitialAccess},
		{"T1566.002", "Spearphishing Link", tacticInitialAccess},
		{"T1204.001", "Malicious Link", tacticExecution},
		{"T1204.002", "Malicious File", tacticExecution},
		{"T1071", "Application Layer Protocol", tacticC2},
		{"T1071.001", "Web Protocols", tacticC2},
		{"T1568.002", "Domain Generation Algorithms", tacticC2},
	} {
		f.techniques[t.id] = Technique{
			ID:         t.id,
			Name:       t.name,
			TacticID:   t.tactic,
			TacticName: tactics[t.tactic],
			URL:        fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.id, ".", "/")),
		}
	}
	return f
}

// Technique looks up a technique by ID.
func (f *Framework) Technique(id string) (Technique, bool) {
	t, ok := f.techniques[id]
	return t, ok
}

// MapIOC returns the techniques the IOC suggests, highest confidence first.
// Benign IOCs map to nothing.
func (f *Framework) MapIOC(ioc entity.IOC) []Mapping {
	weight := classificationWeight(ioc)
	if weight == 0 {
		return nil
	}

	var out []Mapping
	add := func(id string, confidence float64, evidence string) {
		t, ok := f.techniques[id]
		if !ok {
			return
		}
		out = append(out, Mapping{
			Technique:  t,
			Confidence: math.Round(confidence*weight*100) / 100,
			Evidence:   evidence,
		})
	}

	switch ioc.Type {
	case entity.IOCTypeURL:
		add("T1566.002", 0.7, fmt.Sprintf("Link delivered by email: %s", ioc.Value))
		add("T1204.001", 0.5, "Recipient must follow the link")
		if host := urlHost(ioc.Value); host != "" && LooksDGA(host) {
			add("T1568.002", 0.8, fmt.Sprintf("Potential DGA host: %s", host))
		}
	case entity.IOCTypeDomain:
		add("T1071.001", 0.6, fmt.Sprintf("Domain indicator: %s", ioc.Value))
		if LooksDGA(ioc.Value) {
			add("T1568.002", 0.8, fmt.Sprintf("Potential DGA domain: %s", ioc.Value))
		}
	case entity.IOCTypeIPv4:
		add("T1071", 0.6, fmt.Sprintf("IP indicator: %s", ioc.Value))
	case entity.IOCTypeSHA256, entity.IOCTypeMD5:
		add("T1566.001", 0.6, "File hash from an email attachment")
		add("T1204.002", 0.5, fmt.Sprintf("Malicious file hash: %s", ioc.Value))
	case entity.IOCTypeEmail:
		add("T1566", 0.6, fmt.Sprintf("Sender address: %s", ioc.Value))
	case entity.IOCTypeSubjectKeyword:
		add("T1566", 0.4, fmt.Sprintf("Lure subject: %q", ioc.Value))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// classificationWeight scales confidence by the analyst label, raised to
// the full weight once a provider has confirmed the IOC malicious.
func classificationWeight(ioc entity.IOC) float64 {
	for _, r := range ioc.Results {
		if r.Verdict == entity.VerdictMalicious {
			return 1
		}
	}
	switch ioc.Classification {
	case entity.ClassificationMalicious:
		return 1
	case entity.ClassificationSuspicious:
		return 0.8
	case entity.ClassificationBenign:
		return 0
	default:
		return 0.5
	}
}

// LooksDGA reports whether any label left of the TLD is long and random
// enough to have been algorithmically generated.
func LooksDGA(domain string) bool {
	labels := strings.Split(strings.ToLower(strings.TrimSuffix(domain, ".")), ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels[:len(labels)-1] {
		if len(label) > 12 && entropy(label) > 3.5 {
			return true
		}
	}
	return false
}

// entropy is the Shannon entropy of s in bits per character.
func entropy(s string) float64 {
	counts := make(map[rune]int)
	n := 0
	for _, c := range s {
		counts[c]++
		n++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

func urlHost(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
