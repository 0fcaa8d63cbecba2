// Package scoring derives risk scores and bands from enrichment results.
package scoring

import (
	"time"

	"github.com/lvonguyen/iocforge/internal/entity"
)

// Risk score points.
const (
	PointsMalicious   = 15
	PointsSuspicious  = 5
	PointsCoverage    = 10
	PointsRecent      = 10
	PointsAttribution = 10

	// CoverageProviders is the number of distinct reporting providers that
	// earns the coverage bonus.
	CoverageProviders = 3

	// RecentWindow bounds how old an IOC's last sighting may be to count as recent.
	RecentWindow = 7 * 24 * time.Hour
)

// Attribution score points.
const (
	AttributionActor         = 40
	AttributionFamily        = 30
	AttributionPerExtraIntel = 10
)

// Calculator computes scores. The zero value is not usable; use New.
type Calculator struct {
	now func() time.Time
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithClock overrides the time source used for the recency check.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// New returns a Calculator using the wall clock unless overridden.
func New(opts ...Option) *Calculator {
	c := &Calculator{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculate scores the current result set of an IOC.
func (c *Calculator) Calculate(ioc entity.IOC, results []entity.EnrichmentResult) entity.Score {
	now := c.now()
	risk := RiskScore(results, ioc.LastSeen, now)
	return entity.Score{
		IOCID:            ioc.ID,
		RiskScore:        risk,
		AttributionScore: AttributionScore(results),
		RiskBand:         Band(risk),
		ComputedAt:       now.UTC(),
	}
}

// RiskScore applies the fixed points formula and clamps it to [0, 100].
func RiskScore(results []entity.EnrichmentResult, lastSeen, now time.Time) int {
	var (
		malicious, suspicious, attributed bool
		reporters                         = make(map[string]struct{}, len(results))
	)
	for _, r := range results {
		switch r.Verdict {
		case entity.VerdictMalicious:
			malicious = true
		case entity.VerdictSuspicious:
			suspicious = true
		}
		if r.Reported() {
			reporters[r.Provider] = struct{}{}
		}
		if r.HasAttribution() {
			attributed = true
		}
	}

	score := 0
	if malicious {
		score += PointsMalicious
	}
	if suspicious {
		score += PointsSuspicious
	}
	if len(reporters) >= CoverageProviders {
		score += PointsCoverage
	}
	if isRecent(lastSeen, now) {
		score += PointsRecent
	}
	if attributed {
		score += PointsAttribution
	}
	return clamp(score)
}

// AttributionScore grows with the number of providers naming an actor or family.
func AttributionScore(results []entity.EnrichmentResult) int {
	var (
		actor, family bool
		sources       = make(map[string]struct{})
	)
	for _, r := range results {
		if r.Actor != "" {
			actor = true
		}
		if r.Family != "" {
			family = true
		}
		if r.HasAttribution() {
			sources[r.Provider] = struct{}{}
		}
	}
	if len(sources) == 0 {
		return 0
	}

	score := 0
	if actor {
		score += AttributionActor
	}
	if family {
		score += AttributionFamily
	}
	score += (len(sources) - 1) * AttributionPerExtraIntel
	return clamp(score)
}

// Band maps a risk score onto its band. Lower bounds are inclusive.
func Band(score int) entity.RiskBand {
	switch {
	case score >= 75:
		return entity.RiskBandCritical
	case score >= 50:
		return entity.RiskBandHigh
	case score >= 25:
		return entity.RiskBandMedium
	default:
		return entity.RiskBandLow
	}
}

func isRecent(lastSeen, now time.Time) bool {
	if lastSeen.IsZero() {
		return false
	}
	return now.Sub(lastSeen) <= RecentWindow
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
