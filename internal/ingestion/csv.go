// Package ingestion parses analyst CSV uploads into IOC records and hands
// them to the store and the enrichment queue.
package ingestion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lvonguyen/iocforge/internal/entity"
)

// Upload errors that reject the whole file.
var (
	ErrMissingColumns = errors.New("missing required columns")
	ErrTooManyRows    = errors.New("too many rows")
	ErrFileTooLarge   = errors.New("file too large")
	ErrEmptyFile      = errors.New("empty file")
	ErrMalformedCSV   = errors.New("malformed csv")
)

// RequiredColumns must all be present in the header row.
var RequiredColumns = []string{"ioc_value", "ioc_type", "email_id", "source_platform", "classification"}

// OptionalColumns are read when present.
var OptionalColumns = []string{"campaign_id", "user_reported", "first_seen", "last_seen", "notes"}

// Limits bounds a single upload.
type Limits struct {
	MaxBytes int64 `yaml:"max_upload_bytes"`
	MaxRows  int   `yaml:"max_rows"`
}

// DefaultLimits returns 10 MiB and 50000 rows.
func DefaultLimits() Limits {
	return Limits{MaxBytes: 10 << 20, MaxRows: 50000}
}

// Row is one CSV record before normalization.
type Row struct {
	IOCValue       string `csv:"ioc_value" validate:"required,max=2048"`
	IOCType        string `csv:"ioc_type" validate:"required,oneof=url domain ipv4 sha256 md5 email subject_keyword"`
	EmailID        string `csv:"email_id" validate:"required,max=512"`
	SourcePlatform string `csv:"source_platform" validate:"required,max=128"`
	Classification string `csv:"classification" validate:"required,oneof=malicious suspicious benign unknown"`
	CampaignID     string `csv:"campaign_id" validate:"max=128"`
	UserReported   string `csv:"user_reported" validate:"omitempty,oneof=true false 1 0 yes no"`
	FirstSeen      string `csv:"first_seen"`
	LastSeen       string `csv:"last_seen"`
	Notes          string `csv:"notes" validate:"max=4096"`
}

// RowError reports why one line was rejected.
type RowError struct {
	Line   int    `json:"line"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Field, e.Reason)
}

// ParseResult is the outcome of parsing a file.
type ParseResult struct {
	IOCs       []entity.IOC `json:"-"`
	TotalRows  int          `json:"total_rows"`
	RowsOK     int          `json:"rows_ok"`
	RowsFailed int          `json:"rows_failed"`
	Duplicates int          `json:"duplicates"`
	Errors     []RowError   `json:"errors,omitempty"`
}

// valueRules are the per-type checks applied to ioc_value.
var valueRules = map[entity.IOCType]string{
	entity.IOCTypeURL:    "url",
	entity.IOCTypeDomain: "fqdn",
	entity.IOCTypeIPv4:   "ipv4",
	entity.IOCTypeSHA256: "hexadecimal,len=64",
	entity.IOCTypeMD5:    "hexadecimal,len=32",
	entity.IOCTypeEmail:  "email",
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

// Parser validates CSV uploads. It is safe for concurrent use.
type Parser struct {
	limits   Limits
	validate *validator.Validate
}

// NewParser returns a parser enforcing limits. Zero limits are unbounded.
func NewParser(limits Limits) *Parser {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("csv"); name != "" {
			return name
		}
		return f.Name
	})
	return &Parser{limits: limits, validate: v}
}

// Parse reads the whole file. A missing required column or an exceeded
// limit rejects the file; invalid rows are reported and skipped.
func (p *Parser) Parse(r io.Reader) (*ParseResult, error) {
	if p.limits.MaxBytes > 0 {
		r = &limitedReader{r: r, remaining: p.limits.MaxBytes}
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, readError(err)
	}
	columns, err := indexColumns(header)
	if err != nil {
		return nil, err
	}

	res := &ParseResult{}
	seen := make(map[string]struct{})
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var pe *csv.ParseError
		if err != nil && !errors.Is(err, ErrFileTooLarge) && errors.As(err, &pe) {
			// The reader resumes at the next record; only this row is lost.
			if err := p.countRow(res); err != nil {
				return nil, err
			}
			res.RowsFailed++
			res.Errors = append(res.Errors, RowError{Line: pe.Line, Field: "row", Reason: pe.Err.Error()})
			continue
		}
		if err != nil {
			return nil, readError(err)
		}
		if blank(record) {
			continue
		}

		if err := p.countRow(res); err != nil {
			return nil, err
		}

		line, _ := cr.FieldPos(0)
		ioc, rowErr := p.parseRow(line, rowFrom(record, columns))
		if rowErr != nil {
			res.RowsFailed++
			res.Errors = append(res.Errors, *rowErr)
			continue
		}

		res.RowsOK++
		key := string(ioc.Type) + "\x00" + ioc.Value
		if _, dup := seen[key]; dup {
			res.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		res.IOCs = append(res.IOCs, *ioc)
	}
	return res, nil
}

func (p *Parser) countRow(res *ParseResult) error {
	res.TotalRows++
	if p.limits.MaxRows > 0 && res.TotalRows > p.limits.MaxRows {
		return fmt.Errorf("%w: limit is %d", ErrTooManyRows, p.limits.MaxRows)
	}
	return nil
}

func (p *Parser) parseRow(line int, row Row) (*entity.IOC, *RowError) {
	if err := p.validate.Struct(row); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, &RowError{Line: line, Field: fe.Field(), Reason: reason(fe)}
		}
		return nil, &RowError{Line: line, Field: "row", Reason: err.Error()}
	}

	iocType := entity.IOCType(row.IOCType)
	value := NormalizeValue(iocType, row.IOCValue)
	if rule, ok := valueRules[iocType]; ok {
		if err := p.validate.Var(value, rule); err != nil {
			return nil, &RowError{Line: line, Field: "ioc_value", Reason: "not a valid " + string(iocType)}
		}
	}

	ioc := &entity.IOC{
		Value:          value,
		Type:           iocType,
		Classification: entity.Classification(row.Classification),
		SourcePlatform: row.SourcePlatform,
		EmailID:        row.EmailID,
		CampaignID:     row.CampaignID,
		UserReported:   row.UserReported == "true" || row.UserReported == "1" || row.UserReported == "yes",
		Notes:          row.Notes,
	}

	var err error
	if ioc.FirstSeen, err = parseTimestamp(row.FirstSeen); err != nil {
		return nil, &RowError{Line: line, Field: "first_seen", Reason: err.Error()}
	}
	if ioc.LastSeen, err = parseTimestamp(row.LastSeen); err != nil {
		return nil, &RowError{Line: line, Field: "last_seen", Reason: err.Error()}
	}
	return ioc, nil
}

// NormalizeValue trims the value and lowercases case-insensitive types.
func NormalizeValue(t entity.IOCType, value string) string {
	value = strings.TrimSpace(value)
	switch t {
	case entity.IOCTypeDomain:
		return strings.TrimSuffix(strings.ToLower(value), ".")
	case entity.IOCTypeSHA256, entity.IOCTypeMD5, entity.IOCTypeEmail:
		return strings.ToLower(value)
	}
	return value
}

func indexColumns(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		if _, dup := columns[name]; !dup {
			columns[name] = i
		}
	}

	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return columns, nil
}

func rowFrom(record []string, columns map[string]int) Row {
	get := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	return Row{
		IOCValue:       get("ioc_value"),
		IOCType:        strings.ToLower(get("ioc_type")),
		EmailID:        get("email_id"),
		SourcePlatform: get("source_platform"),
		Classification: strings.ToLower(get("classification")),
		CampaignID:     get("campaign_id"),
		UserReported:   strings.ToLower(get("user_reported")),
		FirstSeen:      get("first_seen"),
		LastSeen:       get("last_seen"),
		Notes:          get("notes"),
	}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "max":
		return "longer than " + fe.Param() + " characters"
	}
	return "failed " + fe.Tag()
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func readError(err error) error {
	if errors.Is(err, ErrFileTooLarge) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMalformedCSV, err)
}

// limitedReader fails with ErrFileTooLarge once more than remaining bytes
// are read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrFileTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return 0, ErrFileTooLarge
	}
	return n, err
}
