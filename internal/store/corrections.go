package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cortex/internal/types"
)

// Correction is one remembered user correction, counted by recurrence.
type Correction struct {
	ID          string
	MistakeType string
	Correction  string
	Context     string
	Occurrences int
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// Insight is one validation insight with its impact class.
type Insight struct {
	ID              string
	Category        string
	InsightText     string
	Impact          string
	TimeCostMinutes float64
	CreatedAt       time.Time
}

// RecordCorrection stores a user correction, bumping the recurrence
// counter when the same mistake/correction pair shows up again.
func (s *Tier2Store) RecordCorrection(ctx context.Context, mistakeType, correction, context string) error {
	s.barrier.RLock()
	defer s.barrier.RUnlock()
	return recordCorrectionOn(ctx, s.db, mistakeType, correction, context)
}

func recordCorrectionOn(ctx context.Context, q dbtx, mistakeType, correction, context string) error {
	if mistakeType == "" || correction == "" {
		return fmt.Errorf("mistake type and correction required")
	}

	now := nowMillis()
	_, err := q.ExecContext(ctx,
		`INSERT INTO corrections (id, mistake_type, correction, context, occurrences, created_at, last_seen_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(mistake_type, correction) DO UPDATE SET
		   occurrences = occurrences + 1,
		   last_seen_at = excluded.last_seen_at`,
		uuid.NewString(), mistakeType, correction, context, now, now)
	return types.StorageErr("record correction", err)
}

// PreventionFor returns remembered corrections for a mistake type, most
// recurrent first.
func (s *Tier2Store) PreventionFor(ctx context.Context, mistakeType string, limit int) ([]Correction, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mistake_type, correction, context, occurrences, created_at, last_seen_at
		 FROM corrections WHERE mistake_type = ?
		 ORDER BY occurrences DESC, last_seen_at DESC LIMIT ?`,
		mistakeType, limit)
	if err != nil {
		return nil, types.StorageErr("query corrections", err)
	}
	defer rows.Close()

	var out []Correction
	for rows.Next() {
		var c Correction
		var created, seen int64
		if err := rows.Scan(&c.ID, &c.MistakeType, &c.Correction, &c.Context,
			&c.Occurrences, &created, &seen); err != nil {
			return nil, types.StorageErr("scan correction", err)
		}
		c.CreatedAt = millisToTime(created)
		c.LastSeenAt = millisToTime(seen)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordInsight stores a validation insight. Keywords for matching are
// derived from the category and text.
func (s *Tier2Store) RecordInsight(ctx context.Context, category, text, impact string, timeCostMinutes float64) error {
	if _, ok := impactRank[impact]; !ok {
		return fmt.Errorf("impact must be low/medium/high/critical, got %q", impact)
	}
	if text == "" {
		return fmt.Errorf("insight text required")
	}

	s.barrier.RLock()
	defer s.barrier.RUnlock()

	keywords := strings.Join(Tokenize(category+" "+text), " ")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO validation_insights (id, category, insight, impact, time_cost_minutes, keywords, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), category, text, impact, timeCostMinutes, keywords, nowMillis())
	return types.StorageErr("record insight", err)
}

var impactRank = map[string]int{"low": 0, "medium": 1, "high": 2, "critical": 3}

// InsightsMatching returns insights whose keywords intersect the query
// tokens, filtered by a minimum impact, ordered impact then recency.
func (s *Tier2Store) InsightsMatching(ctx context.Context, query string, minImpact string, limit int) ([]Insight, error) {
	if limit <= 0 {
		limit = 5
	}
	minRank, ok := impactRank[minImpact]
	if !ok {
		minRank = 0
	}
	querySet := TokenSet(query)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, insight, impact, time_cost_minutes, keywords, created_at
		 FROM validation_insights
		 ORDER BY created_at DESC LIMIT 500`)
	if err != nil {
		return nil, types.StorageErr("query insights", err)
	}
	defer rows.Close()

	var out []Insight
	for rows.Next() {
		var ins Insight
		var keywords string
		var created int64
		if err := rows.Scan(&ins.ID, &ins.Category, &ins.InsightText, &ins.Impact,
			&ins.TimeCostMinutes, &keywords, &created); err != nil {
			return nil, types.StorageErr("scan insight", err)
		}
		if impactRank[ins.Impact] < minRank {
			continue
		}
		if len(querySet) > 0 && !anyTokenIn(querySet, keywords) {
			continue
		}
		ins.CreatedAt = millisToTime(created)
		out = append(out, ins)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Impact outranks recency; rows arrive newest first so the sort is
	// stable within an impact class.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && impactRank[out[j].Impact] > impactRank[out[j-1].Impact]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TotalInsightCostMinutes sums recorded validation time cost, a status
// surface number.
func (s *Tier2Store) TotalInsightCostMinutes(ctx context.Context) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(time_cost_minutes), 0) FROM validation_insights").Scan(&total)
	if err != nil {
		return 0, types.StorageErr("sum insight cost", err)
	}
	return total, nil
}

func anyTokenIn(querySet map[string]bool, keywords string) bool {
	for _, tok := range strings.Fields(keywords) {
		if querySet[tok] {
			return true
		}
	}
	return false
}
