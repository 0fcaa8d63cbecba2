package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Overview summarizes the store for the dashboard.
type Overview struct {
	TotalIOCs         int                       `json:"total_iocs"`
	ScoredIOCs        int                       `json:"scored_iocs"`
	LastSevenDays     int                       `json:"last_7_days"`
	ByRiskBand        map[string]int            `json:"by_risk_band"`
	ByType            map[string]int            `json:"by_type"`
	ByClassification  map[string]int            `json:"by_classification"`
	ResultsByProvider map[string]map[string]int `json:"results_by_provider"`
	Uploads           int                       `json:"uploads"`
	JobsByStatus      map[string]int            `json:"jobs_by_status"`
}

// CampaignStat aggregates the IOCs of one campaign.
type CampaignStat struct {
	CampaignID   string    `json:"campaign_id"`
	IOCCount     int       `json:"ioc_count"`
	MaxRiskScore int       `json:"max_risk_score"`
	LastSeen     time.Time `json:"last_seen"`
}

// Overview computes dashboard totals.
func (r *Repository) Overview(ctx context.Context) (*Overview, error) {
	o := &Overview{
		ByRiskBand:        map[string]int{},
		ByType:            map[string]int{},
		ByClassification:  map[string]int{},
		ResultsByProvider: map[string]map[string]int{},
		JobsByStatus:      map[string]int{},
	}

	since := formatTime(r.now().Add(-7 * 24 * time.Hour))
	err := r.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM iocs),
		(SELECT COUNT(*) FROM ioc_scores),
		(SELECT COUNT(*) FROM iocs WHERE last_seen >= ?),
		(SELECT COUNT(*) FROM uploads)`, since).
		Scan(&o.TotalIOCs, &o.ScoredIOCs, &o.LastSevenDays, &o.Uploads)
	if err != nil {
		return nil, fmt.Errorf("overview totals: %w", err)
	}

	groups := []struct {
		query string
		into  map[string]int
	}{
		{`SELECT risk_band, COUNT(*) FROM ioc_scores GROUP BY risk_band`, o.ByRiskBand},
		{`SELECT type, COUNT(*) FROM iocs GROUP BY type`, o.ByType},
		{`SELECT classification, COUNT(*) FROM iocs GROUP BY classification`, o.ByClassification},
		{`SELECT status, COUNT(*) FROM jobs GROUP BY status`, o.JobsByStatus},
	}
	for _, g := range groups {
		if err := r.countBy(ctx, g.query, g.into); err != nil {
			return nil, err
		}
	}

	rows, err := r.db.QueryContext(ctx, `SELECT provider,
		CASE WHEN status = 'ok' THEN verdict ELSE status END, COUNT(*)
		FROM enrichment_results GROUP BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("results by provider: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var provider, outcome string
		var n int
		if err := rows.Scan(&provider, &outcome, &n); err != nil {
			return nil, err
		}
		if o.ResultsByProvider[provider] == nil {
			o.ResultsByProvider[provider] = map[string]int{}
		}
		o.ResultsByProvider[provider][outcome] = n
	}
	return o, rows.Err()
}

func (r *Repository) countBy(ctx context.Context, query string, into map[string]int) error {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("count by: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// Campaigns returns per-campaign totals, riskiest first.
func (r *Repository) Campaigns(ctx context.Context) ([]CampaignStat, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT i.campaign_id, COUNT(*), MAX(COALESCE(s.risk_score, 0)), MAX(i.last_seen)
		FROM iocs i LEFT JOIN ioc_scores s ON s.ioc_id = i.id
		WHERE i.campaign_id <> ''
		GROUP BY i.campaign_id
		ORDER BY 3 DESC, 2 DESC, 1`)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	defer rows.Close()

	out := []CampaignStat{}
	for rows.Next() {
		var (
			c        CampaignStat
			lastSeen sql.NullString
		)
		if err := rows.Scan(&c.CampaignID, &c.IOCCount, &c.MaxRiskScore, &lastSeen); err != nil {
			return nil, err
		}
		c.LastSeen = parseTime(lastSeen.String)
		out = append(out, c)
	}
	return out, rows.Err()
}
