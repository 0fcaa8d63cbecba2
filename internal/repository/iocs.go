package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/iocforge/internal/entity"
)

const iocColumns = `i.id, i.value, i.type, i.classification, i.source_platform, i.email_id,
	i.campaign_id, i.user_reported, i.notes, i.first_seen, i.last_seen, i.created_at, i.updated_at`

// upsertIOCQuery keeps first_seen on conflict and only moves last_seen forward.
const upsertIOCQuery = `
	INSERT INTO iocs (id, value, type, classification, source_platform, email_id,
		campaign_id, user_reported, notes, first_seen, last_seen, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(type, value) DO UPDATE SET
		classification = excluded.classification,
		source_platform = excluded.source_platform,
		email_id = excluded.email_id,
		campaign_id = CASE WHEN excluded.campaign_id <> '' THEN excluded.campaign_id ELSE iocs.campaign_id END,
		user_reported = MAX(iocs.user_reported, excluded.user_reported),
		notes = CASE WHEN excluded.notes <> '' THEN excluded.notes ELSE iocs.notes END,
		last_seen = MAX(iocs.last_seen, excluded.last_seen),
		updated_at = excluded.updated_at
	RETURNING id, first_seen, last_seen, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpsertIOC inserts the IOC or merges it into the existing (type, value)
// record, returning the stored version.
func (r *Repository) UpsertIOC(ctx context.Context, ioc entity.IOC, seenAt time.Time) (*entity.IOC, error) {
	var stored *entity.IOC
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, err = r.upsertIOC(ctx, tx, ioc, seenAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *Repository) upsertIOC(ctx context.Context, q queryRower, ioc entity.IOC, seenAt time.Time) (*entity.IOC, error) {
	if !ioc.Type.Valid() || strings.TrimSpace(ioc.Value) == "" {
		return nil, fmt.Errorf("%w: ioc %q of type %q", ErrInvalidInput, ioc.Value, ioc.Type)
	}
	if ioc.Classification == "" {
		ioc.Classification = entity.ClassificationUnknown
	}
	if seenAt.IsZero() {
		seenAt = r.now()
	}
	firstSeen := ioc.FirstSeen
	if firstSeen.IsZero() || firstSeen.After(seenAt) {
		firstSeen = seenAt
	}
	lastSeen := seenAt
	if ioc.LastSeen.After(lastSeen) {
		lastSeen = ioc.LastSeen
	}
	now := r.now()

	var id, first, last, created, updated string
	err := q.QueryRowContext(ctx, upsertIOCQuery,
		uuid.NewString(), ioc.Value, string(ioc.Type), string(ioc.Classification),
		ioc.SourcePlatform, ioc.EmailID, ioc.CampaignID, boolInt(ioc.UserReported), ioc.Notes,
		formatTime(firstSeen), formatTime(lastSeen), formatTime(now), formatTime(now),
	).Scan(&id, &first, &last, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("upsert ioc %s/%s: %w", ioc.Type, ioc.Value, err)
	}

	ioc.ID = id
	ioc.FirstSeen = parseTime(first)
	ioc.LastSeen = parseTime(last)
	ioc.CreatedAt = parseTime(created)
	ioc.UpdatedAt = parseTime(updated)
	return &ioc, nil
}

// GetIOC returns an IOC with its current results and score.
func (r *Repository) GetIOC(ctx context.Context, id string) (*entity.IOC, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+iocColumns+`,
		s.risk_score, s.attribution_score, s.risk_band, s.computed_at
		FROM iocs i LEFT JOIN ioc_scores s ON s.ioc_id = i.id
		WHERE i.id = ?`, id)
	ioc, err := scanIOCWithScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ioc %s: %w", id, err)
	}

	results, err := r.results(ctx, id)
	if err != nil {
		return nil, err
	}
	ioc.Results = results
	return ioc, nil
}

// FindIOC looks an IOC up by its natural key.
func (r *Repository) FindIOC(ctx context.Context, iocType entity.IOCType, value string) (*entity.IOC, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM iocs WHERE type = ? AND value = ?`,
		string(iocType), value).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find ioc: %w", err)
	}
	return r.GetIOC(ctx, id)
}

// Filter narrows ListIOCs. Zero values mean "any".
type Filter struct {
	Query          string
	Type           entity.IOCType
	Classification entity.Classification
	SourcePlatform string
	CampaignID     string
	RiskBand       entity.RiskBand
	MinScore       *int
	Page           int
	PageSize       int
}

// Page limits.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

func (f *Filter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

// IOCPage is one page of ListIOCs.
type IOCPage struct {
	Items    []entity.IOC `json:"items"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

// ListIOCs searches IOCs, most recently seen first. Items carry their score
// but not their results.
func (r *Repository) ListIOCs(ctx context.Context, f Filter) (*IOCPage, error) {
	f.normalize()

	var where []string
	var args []any
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, "(i.value LIKE ? ESCAPE '\\' OR i.notes LIKE ? ESCAPE '\\' OR i.email_id = ?)")
		like := "%" + escapeLike(q) + "%"
		args = append(args, like, like, q)
	}
	if f.Type != "" {
		where = append(where, "i.type = ?")
		args = append(args, string(f.Type))
	}
	if f.Classification != "" {
		where = append(where, "i.classification = ?")
		args = append(args, string(f.Classification))
	}
	if f.SourcePlatform != "" {
		where = append(where, "i.source_platform = ?")
		args = append(args, f.SourcePlatform)
	}
	if f.CampaignID != "" {
		where = append(where, "i.campaign_id = ?")
		args = append(args, f.CampaignID)
	}
	if f.RiskBand != "" {
		where = append(where, "s.risk_band = ?")
		args = append(args, string(f.RiskBand))
	}
	if f.MinScore != nil {
		where = append(where, "s.risk_score >= ?")
		args = append(args, *f.MinScore)
	}

	from := " FROM iocs i LEFT JOIN ioc_scores s ON s.ioc_id = i.id"
	if len(where) > 0 {
		from += " WHERE " + strings.Join(where, " AND ")
	}

	page := &IOCPage{Items: []entity.IOC{}, Page: f.Page, PageSize: f.PageSize}
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*)"+from, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count iocs: %w", err)
	}

	query := `SELECT ` + iocColumns + `, s.risk_score, s.attribution_score, s.risk_band, s.computed_at` +
		from + ` ORDER BY i.last_seen DESC, i.id LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, append(args, f.PageSize, (f.Page-1)*f.PageSize)...)
	if err != nil {
		return nil, fmt.Errorf("list iocs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ioc, err := scanIOCWithScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ioc: %w", err)
		}
		page.Items = append(page.Items, *ioc)
	}
	return page, rows.Err()
}

// ReplaceResults swaps the IOC's whole result set and its score in one
// transaction.
func (r *Repository) ReplaceResults(ctx context.Context, iocID string, results []entity.EnrichmentResult, score entity.Score) error {
	if !score.RiskBand.Valid() {
		return fmt.Errorf("%w: risk band %q", ErrInvalidInput, score.RiskBand)
	}
	computedAt := score.ComputedAt
	if computedAt.IsZero() {
		computedAt = r.now()
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM iocs WHERE id = ?`, iocID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check ioc: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM enrichment_results WHERE ioc_id = ?`, iocID); err != nil {
			return fmt.Errorf("delete results: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO enrichment_results
			(ioc_id, provider, verdict, status, confidence, evidence, actor, family,
			 first_seen, last_seen, http_status, raw, queried_at, cache_hit)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert result: %w", err)
		}
		defer stmt.Close()

		for _, res := range results {
			var confidence sql.NullInt64
			if res.Confidence != nil {
				confidence = sql.NullInt64{Int64: int64(*res.Confidence), Valid: true}
			}
			var raw sql.NullString
			if len(res.Raw) > 0 {
				raw = sql.NullString{String: string(res.Raw), Valid: true}
			}
			queriedAt := res.QueriedAt
			if queriedAt.IsZero() {
				queriedAt = computedAt
			}
			if _, err := stmt.ExecContext(ctx, iocID, res.Provider, string(res.Verdict), string(res.Status),
				confidence, res.Evidence, res.Actor, res.Family, nullTime(res.FirstSeen), nullTime(res.LastSeen),
				res.HTTPStatus, raw, formatTime(queriedAt), boolInt(res.CacheHit)); err != nil {
				return fmt.Errorf("insert result %s: %w", res.Provider, err)
			}
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO ioc_scores (ioc_id, risk_score, attribution_score, risk_band, computed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(ioc_id) DO UPDATE SET
				risk_score = excluded.risk_score,
				attribution_score = excluded.attribution_score,
				risk_band = excluded.risk_band,
				computed_at = excluded.computed_at`,
			iocID, score.RiskScore, score.AttributionScore, string(score.RiskBand), formatTime(computedAt))
		if err != nil {
			return fmt.Errorf("upsert score: %w", err)
		}
		return nil
	})
}

func (r *Repository) results(ctx context.Context, iocID string) ([]entity.EnrichmentResult, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT provider, verdict, status, confidence, evidence, actor,
		family, first_seen, last_seen, http_status, raw, queried_at, cache_hit
		FROM enrichment_results WHERE ioc_id = ? ORDER BY rowid`, iocID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []entity.EnrichmentResult
	for rows.Next() {
		var (
			res                 entity.EnrichmentResult
			verdict, status     string
			confidence          sql.NullInt64
			firstSeen, lastSeen sql.NullString
			raw                 sql.NullString
			queriedAt           string
			cacheHit            int
		)
		if err := rows.Scan(&res.Provider, &verdict, &status, &confidence, &res.Evidence, &res.Actor,
			&res.Family, &firstSeen, &lastSeen, &res.HTTPStatus, &raw, &queriedAt, &cacheHit); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res.IOCID = iocID
		res.Verdict = entity.Verdict(verdict)
		res.Status = entity.ResultStatus(status)
		if confidence.Valid {
			c := int(confidence.Int64)
			res.Confidence = &c
		}
		res.FirstSeen = timeFromNull(firstSeen)
		res.LastSeen = timeFromNull(lastSeen)
		if raw.Valid {
			res.Raw = json.RawMessage(raw.String)
		}
		res.QueriedAt = parseTime(queriedAt)
		res.CacheHit = cacheHit == 1
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanIOCWithScore(s rowScanner) (*entity.IOC, error) {
	var (
		ioc                                       entity.IOC
		iocType, classification                   string
		userReported                              int
		firstSeen, lastSeen, createdAt, updatedAt string
		risk, attribution                         sql.NullInt64
		band, computedAt                          sql.NullString
	)
	err := s.Scan(&ioc.ID, &ioc.Value, &iocType, &classification, &ioc.SourcePlatform, &ioc.EmailID,
		&ioc.CampaignID, &userReported, &ioc.Notes, &firstSeen, &lastSeen, &createdAt, &updatedAt,
		&risk, &attribution, &band, &computedAt)
	if err != nil {
		return nil, err
	}
	ioc.Type = entity.IOCType(iocType)
	ioc.Classification = entity.Classification(classification)
	ioc.UserReported = userReported == 1
	ioc.FirstSeen = parseTime(firstSeen)
	ioc.LastSeen = parseTime(lastSeen)
	ioc.CreatedAt = parseTime(createdAt)
	ioc.UpdatedAt = parseTime(updatedAt)
	if risk.Valid {
		ioc.Score = &entity.Score{
			IOCID:            ioc.ID,
			RiskScore:        int(risk.Int64),
			AttributionScore: int(attribution.Int64),
			RiskBand:         entity.RiskBand(band.String),
			ComputedAt:       parseTime(computedAt.String),
		}
	}
	return &ioc, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
