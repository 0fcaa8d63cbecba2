package entity

import "time"

// RiskBand is the coarse bucket derived from a risk score.
type RiskBand string

const (
	RiskBandLow      RiskBand = "Low"
	RiskBandMedium   RiskBand = "Medium"
	RiskBandHigh     RiskBand = "High"
	RiskBandCritical RiskBand = "Critical"
)

// Valid reports whether b is a known band.
func (b RiskBand) Valid() bool {
	switch b {
	case RiskBandLow, RiskBandMedium, RiskBandHigh, RiskBandCritical:
		return true
	}
	return false
}

// Score is the derived risk assessment for an IOC.
type Score struct {
	IOCID            string    `json:"ioc_id,omitempty"`
	RiskScore        int       `json:"risk_score"`
	AttributionScore int       `json:"attribution_score"`
	RiskBand         RiskBand  `json:"risk_band"`
	ComputedAt       time.Time `json:"computed_at"`
}
