// Package entity holds the records shared by ingest, enrichment, scoring and storage.
package entity

import (
	"encoding/json"
	"time"
)

// IOCType represents the type of indicator of compromise.
type IOCType string

const (
	IOCTypeURL            IOCType = "url"
	IOCTypeDomain         IOCType = "domain"
	IOCTypeIPv4           IOCType = "ipv4"
	IOCTypeSHA256         IOCType = "sha256"
	IOCTypeMD5            IOCType = "md5"
	IOCTypeEmail          IOCType = "email"
	IOCTypeSubjectKeyword IOCType = "subject_keyword"
)

// IOCTypes lists every accepted IOC type.
var IOCTypes = []IOCType{
	IOCTypeURL,
	IOCTypeDomain,
	IOCTypeIPv4,
	IOCTypeSHA256,
	IOCTypeMD5,
	IOCTypeEmail,
	IOCTypeSubjectKeyword,
}

// Valid reports whether t is a known IOC type.
func (t IOCType) Valid() bool {
	for _, known := range IOCTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Classification is the analyst-supplied label from the upload.
type Classification string

const (
	ClassificationMalicious  Classification = "malicious"
	ClassificationSuspicious Classification = "suspicious"
	ClassificationBenign     Classification = "benign"
	ClassificationUnknown    Classification = "unknown"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationMalicious, ClassificationSuspicious, ClassificationBenign, ClassificationUnknown:
		return true
	}
	return false
}

// IOC is a deduplicated indicator. (Type, Value) is the natural key.
type IOC struct {
	ID             string         `json:"id"`
	Value          string         `json:"value"`
	Type           IOCType        `json:"type"`
	Classification Classification `json:"classification"`
	SourcePlatform string         `json:"source_platform"`
	EmailID        string         `json:"email_id"`
	CampaignID     string         `json:"campaign_id,omitempty"`
	UserReported   bool           `json:"user_reported"`
	Notes          string         `json:"notes,omitempty"`
	FirstSeen      time.Time      `json:"first_seen"`
	LastSeen       time.Time      `json:"last_seen"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	Score   *Score             `json:"score,omitempty"`
	Results []EnrichmentResult `json:"results,omitempty"`
}

// Verdict is a provider's classification of an IOC.
type Verdict string

const (
	VerdictMalicious  Verdict = "malicious"
	VerdictSuspicious Verdict = "suspicious"
	VerdictBenign     Verdict = "benign"
	VerdictUnknown    Verdict = "unknown"
)

// NormalizeVerdict maps free-form provider labels onto the verdict enum.
func NormalizeVerdict(label string) Verdict {
	switch label {
	case "malicious", "high", "dangerous", "threat":
		return VerdictMalicious
	case "suspicious", "medium", "warning":
		return VerdictSuspicious
	case "benign", "clean", "safe", "low", "harmless":
		return VerdictBenign
	default:
		return VerdictUnknown
	}
}

// ResultStatus tells a verdict apart from a lookup that found nothing or failed.
type ResultStatus string

const (
	ResultStatusOK       ResultStatus = "ok"
	ResultStatusNotFound ResultStatus = "not_found"
	ResultStatusError    ResultStatus = "error"
)

// EnrichmentResult is one provider's current verdict for one IOC.
type EnrichmentResult struct {
	IOCID      string          `json:"ioc_id,omitempty"`
	Provider   string          `json:"provider"`
	Verdict    Verdict         `json:"verdict"`
	Status     ResultStatus    `json:"status"`
	Confidence *int            `json:"confidence,omitempty"`
	Evidence   string          `json:"evidence,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Family     string          `json:"family,omitempty"`
	FirstSeen  *time.Time      `json:"first_seen,omitempty"`
	LastSeen   *time.Time      `json:"last_seen,omitempty"`
	HTTPStatus int             `json:"http_status,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	QueriedAt  time.Time       `json:"queried_at"`
	CacheHit   bool            `json:"cache_hit"`
}

// HasAttribution reports whether the result names an actor or a malware family.
func (r EnrichmentResult) HasAttribution() bool {
	return r.Actor != "" || r.Family != ""
}

// Reported reports whether the provider answered, including "nothing known".
func (r EnrichmentResult) Reported() bool {
	return r.Status != ResultStatusError
}
