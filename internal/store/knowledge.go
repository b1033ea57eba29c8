package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// confidenceEpsilon keeps the confidence formula total when a pattern
// has no outcomes yet.
const confidenceEpsilon = 1e-9

// tier2Schema holds the knowledge graph: patterns, triggers, file
// relationships, corrections and validation insights.
var tier2Schema = []string{
	`CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		pattern_type TEXT NOT NULL DEFAULT 'routing',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		intent TEXT NOT NULL,
		routes_to TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		successful_routes INTEGER NOT NULL DEFAULT 0 CHECK (successful_routes >= 0),
		failed_routes INTEGER NOT NULL DEFAULT 0 CHECK (failed_routes >= 0),
		access_count INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0 CHECK (confidence >= 0 AND confidence <= 1),
		requires_context INTEGER NOT NULL DEFAULT 0,
		pinned INTEGER NOT NULL DEFAULT 0,
		delete_candidate INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL,
		decay_day INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS triggers (
		pattern_id TEXT NOT NULL REFERENCES patterns(id) ON DELETE CASCADE,
		phrase TEXT NOT NULL,
		PRIMARY KEY (pattern_id, phrase)
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS triggers_fts USING fts5(
		pattern_id UNINDEXED,
		phrase
	)`,
	`CREATE TABLE IF NOT EXISTS file_relationships (
		file_a TEXT NOT NULL,
		file_b TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		co_modifications INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (file_a, file_b, relationship_type),
		CHECK (file_a < file_b)
	)`,
	`CREATE TABLE IF NOT EXISTS file_activity (
		path TEXT PRIMARY KEY,
		modifications INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS corrections (
		id TEXT PRIMARY KEY,
		mistake_type TEXT NOT NULL,
		correction TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		occurrences INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		UNIQUE (mistake_type, correction)
	)`,
	`CREATE TABLE IF NOT EXISTS validation_insights (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		insight TEXT NOT NULL,
		impact TEXT NOT NULL CHECK (impact IN ('low', 'medium', 'high', 'critical')),
		time_cost_minutes REAL NOT NULL DEFAULT 0,
		keywords TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS learning_watermarks (
		consumer TEXT PRIMARY KEY,
		event_id INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patterns_intent ON patterns(intent)`,
	`CREATE INDEX IF NOT EXISTS idx_patterns_last_used ON patterns(last_used_at)`,
	`CREATE INDEX IF NOT EXISTS idx_insights_impact ON validation_insights(impact, created_at)`,
}

// Pattern is one learned routing pattern. RoutesTo names the agent the
// pattern was learned against; an empty value defers to intent-based
// agent selection.
type Pattern struct {
	ID               string
	Type             string
	Title            string
	Description      string
	Intent           types.Intent
	RoutesTo         string
	Action           string
	Triggers         []string
	SuccessfulRoutes int
	FailedRoutes     int
	AccessCount      int
	Confidence       float64
	RequiresContext  bool
	Pinned           bool
	DeleteCandidate  bool
	CreatedAt        time.Time
	LastUsedAt       time.Time
}

// PatternMatch is one fuzzy lookup hit.
type PatternMatch struct {
	Pattern     Pattern
	BestTrigger string
	Overlap     float64
	Score       float64
}

// PatternCandidate is the input to LearnPattern. Type defaults to
// "routing" and Title to the first trigger phrase.
type PatternCandidate struct {
	Type            string
	Title           string
	Description     string
	Intent          types.Intent
	RoutesTo        string
	Action          string
	Triggers        []string
	Examples        int
	RequiresContext bool
}

const patternStripes = 64

// dbtx is the query surface shared by *sql.DB and *sql.Tx; store
// operations run on either so the learning batch can apply them inside
// one transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tier2Store is the knowledge-graph adapter. Reinforcement takes a
// per-pattern stripe plus a shared read lock; decay and consolidation
// take the write barrier so they never interleave with reinforcement.
type Tier2Store struct {
	db *sql.DB

	spikeDelta   float64
	spikeSupport int
	overlapMin   float64
	minExamples  int

	barrier sync.RWMutex
	stripes [patternStripes]sync.Mutex
}

// Tier2Options tunes guard thresholds. Zero values take the defaults
// the engine ships with.
type Tier2Options struct {
	SpikeDelta   float64
	SpikeSupport int
	OverlapMin   float64
	MinExamples  int
}

// NewTier2Store opens (or creates) the knowledge-graph database.
func NewTier2Store(path string, opts Tier2Options) (*Tier2Store, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := applySchema(db, tier2Schema); err != nil {
		db.Close()
		return nil, types.NewError(types.KindStorageUnavailable, "tier2 schema", err)
	}
	if err := ensureSchemaVersion(db, "tier2"); err != nil {
		db.Close()
		return nil, err
	}

	s := &Tier2Store{
		db:           db,
		spikeDelta:   opts.SpikeDelta,
		spikeSupport: opts.SpikeSupport,
		overlapMin:   opts.OverlapMin,
		minExamples:  opts.MinExamples,
	}
	if s.spikeDelta == 0 {
		s.spikeDelta = 0.20
	}
	if s.spikeSupport == 0 {
		s.spikeSupport = 5
	}
	if s.overlapMin == 0 {
		s.overlapMin = 0.50
	}
	if s.minExamples == 0 {
		s.minExamples = 3
	}
	logging.Store("Tier 2 knowledge graph ready")
	return s, nil
}

// Close releases the database handle.
func (s *Tier2Store) Close() error { return s.db.Close() }

func (s *Tier2Store) stripe(patternID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(patternID))
	return &s.stripes[h.Sum32()%patternStripes]
}

func confidenceOf(successful, failed int) float64 {
	return float64(successful) / (float64(successful) + float64(failed) + confidenceEpsilon)
}

// guardSpike enforces the anomaly rule: a confidence move larger than
// spikeDelta needs at least spikeSupport supporting outcomes.
func (s *Tier2Store) guardSpike(old, proposed float64, support int) error {
	if math.Abs(proposed-old) > s.spikeDelta && support < s.spikeSupport {
		return types.Errorf(types.KindAnomalyDetected,
			"confidence change %.3f -> %.3f exceeds %.2f with only %d supporting outcomes",
			old, proposed, s.spikeDelta, support)
	}
	return nil
}

// LearnPattern inserts a new pattern with its triggers atomically. The
// candidate must carry at least the example floor unless force is set
// (operator path).
func (s *Tier2Store) LearnPattern(ctx context.Context, cand PatternCandidate, force bool) (*Pattern, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Tier2.LearnPattern")
	defer timer.Stop()

	p, err := s.buildPattern(cand, force)
	if err != nil {
		return nil, err
	}

	s.barrier.RLock()
	defer s.barrier.RUnlock()

	err = withRetry(ctx, "LearnPattern", func() error {
		return inTx(ctx, s.db, func(tx *sql.Tx) error {
			return insertPatternOn(ctx, tx, p)
		})
	})
	if err != nil {
		return nil, types.StorageErr("learn pattern", err)
	}
	logging.Store("Learned pattern %s (%s, %d triggers, confidence %.3f)",
		p.ID, p.Intent, len(p.Triggers), p.Confidence)
	return p, nil
}

// buildPattern validates a candidate and fills the derived fields.
func (s *Tier2Store) buildPattern(cand PatternCandidate, force bool) (*Pattern, error) {
	if !cand.Intent.Known() {
		return nil, fmt.Errorf("unknown intent %q", cand.Intent)
	}
	if len(cand.Triggers) == 0 {
		return nil, fmt.Errorf("pattern needs at least one trigger")
	}
	if cand.Examples < s.minExamples && !force {
		return nil, fmt.Errorf("pattern needs %d distinct examples, got %d", s.minExamples, cand.Examples)
	}

	now := nowMillis()
	p := &Pattern{
		ID:               uuid.NewString(),
		Type:             cand.Type,
		Title:            cand.Title,
		Description:      cand.Description,
		Intent:           cand.Intent,
		RoutesTo:         cand.RoutesTo,
		Action:           cand.Action,
		Triggers:         dedupePhrases(cand.Triggers),
		SuccessfulRoutes: cand.Examples,
		RequiresContext:  cand.RequiresContext,
		CreatedAt:        millisToTime(now),
		LastUsedAt:       millisToTime(now),
	}
	if p.Type == "" {
		p.Type = "routing"
	}
	if p.Title == "" && len(p.Triggers) > 0 {
		p.Title = p.Triggers[0]
	}
	p.Confidence = confidenceOf(p.SuccessfulRoutes, 0)
	return p, nil
}

func insertPatternOn(ctx context.Context, q dbtx, p *Pattern) error {
	if _, err := q.ExecContext(ctx,
		`INSERT INTO patterns
		 (id, pattern_type, title, description, intent, routes_to, action,
		  successful_routes, failed_routes, confidence, requires_context,
		  created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		p.ID, p.Type, p.Title, p.Description, p.Intent.String(), p.RoutesTo, p.Action,
		p.SuccessfulRoutes, p.Confidence, boolToInt(p.RequiresContext),
		p.CreatedAt.UnixMilli(), p.LastUsedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert pattern: %w", err)
	}
	return insertTriggersOn(ctx, q, p.ID, p.Triggers)
}

func insertTriggersOn(ctx context.Context, q dbtx, patternID string, phrases []string) error {
	for _, phrase := range phrases {
		if _, err := q.ExecContext(ctx,
			"INSERT OR IGNORE INTO triggers (pattern_id, phrase) VALUES (?, ?)",
			patternID, phrase); err != nil {
			return fmt.Errorf("insert trigger: %w", err)
		}
		if _, err := q.ExecContext(ctx,
			"INSERT INTO triggers_fts (pattern_id, phrase) VALUES (?, ?)",
			patternID, phrase); err != nil {
			return fmt.Errorf("index trigger: %w", err)
		}
	}
	return nil
}

func dedupePhrases(phrases []string) []string {
	seen := make(map[string]bool, len(phrases))
	var out []string
	for _, p := range phrases {
		key := normalizePhrase(p)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Reinforce applies one routing outcome to a pattern and recomputes its
// confidence. Moves that trip the spike guard leave the pattern
// untouched and classify as anomalies.
func (s *Tier2Store) Reinforce(ctx context.Context, patternID string, success bool) (*Pattern, error) {
	return s.reinforceN(ctx, patternID, success, 1)
}

// reinforceN applies n identical outcomes in one update; the learning
// pipeline batches per-pattern outcomes this way.
func (s *Tier2Store) reinforceN(ctx context.Context, patternID string, success bool, n int) (*Pattern, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Tier2.Reinforce")
	defer timer.Stop()

	if n < 1 {
		return nil, fmt.Errorf("reinforcement count must be positive, got %d", n)
	}

	s.barrier.RLock()
	defer s.barrier.RUnlock()
	mu := s.stripe(patternID)
	mu.Lock()
	defer mu.Unlock()

	var updated *Pattern
	err := withRetry(ctx, "Reinforce", func() error {
		return inTx(ctx, s.db, func(tx *sql.Tx) error {
			var txErr error
			updated, txErr = s.reinforceOn(ctx, tx, patternID, success, n)
			return txErr
		})
	})
	if err != nil {
		if types.IsKind(err, types.KindAnomalyDetected) {
			logging.Store("Reinforcement rejected for %s: %v", patternID, err)
			return nil, err
		}
		return nil, types.StorageErr("reinforce pattern", err)
	}
	logging.StoreDebug("Reinforced %s success=%v n=%d confidence=%.3f",
		patternID, success, n, updated.Confidence)
	return updated, nil
}

// reinforceOn applies the outcome counters on q. The spike guard runs
// before any write, so a rejected move leaves the row untouched even
// mid-transaction.
func (s *Tier2Store) reinforceOn(ctx context.Context, q dbtx, patternID string, success bool, n int) (*Pattern, error) {
	var successful, failed int
	var oldConf float64
	err := q.QueryRowContext(ctx,
		"SELECT successful_routes, failed_routes, confidence FROM patterns WHERE id = ?",
		patternID).Scan(&successful, &failed, &oldConf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s not found", patternID)
	}
	if err != nil {
		return nil, fmt.Errorf("read pattern: %w", err)
	}

	if success {
		successful += n
	} else {
		failed += n
	}
	newConf := confidenceOf(successful, failed)
	if err := s.guardSpike(oldConf, newConf, n); err != nil {
		return nil, err
	}

	now := nowMillis()
	if _, err := q.ExecContext(ctx,
		`UPDATE patterns
		 SET successful_routes = ?, failed_routes = ?, confidence = ?,
		     access_count = access_count + ?, last_used_at = ?, delete_candidate = 0
		 WHERE id = ?`,
		successful, failed, newConf, n, now, patternID); err != nil {
		return nil, fmt.Errorf("update pattern: %w", err)
	}

	return &Pattern{
		ID:               patternID,
		SuccessfulRoutes: successful,
		FailedRoutes:     failed,
		Confidence:       newConf,
		LastUsedAt:       millisToTime(now),
	}, nil
}

// SetConfidence writes a confidence directly (operator/merge path). The
// caller states how many outcomes support the move; the spike guard
// applies just like reinforcement.
func (s *Tier2Store) SetConfidence(ctx context.Context, patternID string, confidence float64, support int) error {
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence %f out of range", confidence)
	}

	s.barrier.RLock()
	defer s.barrier.RUnlock()
	mu := s.stripe(patternID)
	mu.Lock()
	defer mu.Unlock()

	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var old float64
		err := tx.QueryRowContext(ctx,
			"SELECT confidence FROM patterns WHERE id = ?", patternID).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pattern %s not found", patternID)
		}
		if err != nil {
			return fmt.Errorf("read confidence: %w", err)
		}
		if err := s.guardSpike(old, confidence, support); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE patterns SET confidence = ? WHERE id = ?", confidence, patternID)
		return err
	})
	if err != nil && !types.IsKind(err, types.KindAnomalyDetected) {
		return types.StorageErr("set confidence", err)
	}
	return err
}

// Pattern loads one pattern with its triggers.
func (s *Tier2Store) Pattern(ctx context.Context, id string) (*Pattern, error) {
	return patternOn(ctx, s.db, id)
}

func patternOn(ctx context.Context, q dbtx, id string) (*Pattern, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, pattern_type, title, description, intent, routes_to, action,
		        successful_routes, failed_routes, access_count, confidence,
		        requires_context, pinned, delete_candidate, created_at, last_used_at
		 FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if err != nil || p == nil {
		return p, err
	}
	p.Triggers, err = triggersForOn(ctx, q, id)
	return p, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanPattern(row rowScanner) (*Pattern, error) {
	var p Pattern
	var intent string
	var requiresCtx, pinned, deleteCand int
	var created, lastUsed int64
	err := row.Scan(&p.ID, &p.Type, &p.Title, &p.Description, &intent, &p.RoutesTo, &p.Action,
		&p.SuccessfulRoutes, &p.FailedRoutes, &p.AccessCount, &p.Confidence,
		&requiresCtx, &pinned, &deleteCand, &created, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.StorageErr("scan pattern", err)
	}
	p.Intent = types.ParseIntent(intent)
	p.RequiresContext = requiresCtx != 0
	p.Pinned = pinned != 0
	p.DeleteCandidate = deleteCand != 0
	p.CreatedAt = millisToTime(created)
	p.LastUsedAt = millisToTime(lastUsed)
	return &p, nil
}

func triggersForOn(ctx context.Context, q dbtx, patternID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT phrase FROM triggers WHERE pattern_id = ? ORDER BY phrase", patternID)
	if err != nil {
		return nil, types.StorageErr("query triggers", err)
	}
	defer rows.Close()

	var phrases []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, types.StorageErr("scan trigger", err)
		}
		phrases = append(phrases, p)
	}
	return phrases, rows.Err()
}

// SetPinned marks or unmarks a pattern as exempt from deletion tiers.
func (s *Tier2Store) SetPinned(ctx context.Context, patternID string, pinned bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE patterns SET pinned = ? WHERE id = ?", boolToInt(pinned), patternID)
	if err != nil {
		return types.StorageErr("set pinned", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pattern %s not found", patternID)
	}
	return nil
}

// PatternCount reports how many patterns the graph holds.
func (s *Tier2Store) PatternCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM patterns").Scan(&n); err != nil {
		return 0, types.StorageErr("count patterns", err)
	}
	return n, nil
}

// FindPatternByTriggers performs the fuzzy trigger lookup: candidate
// patterns come from the FTS index (full scan fallback), each is scored
// by token overlap against its best trigger, then ranked by
// confidence x recency.
func (s *Tier2Store) FindPatternByTriggers(ctx context.Context, query string, limit int) ([]PatternMatch, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Tier2.FindPatternByTriggers")
	defer timer.Stop()

	if limit <= 0 {
		limit = 3
	}
	querySet := TokenSet(query)
	if len(querySet) == 0 {
		return nil, nil
	}

	candidateIDs, err := s.ftsCandidates(ctx, querySet)
	if err != nil {
		logging.StoreDebug("FTS candidate lookup failed, falling back to scan: %v", err)
		candidateIDs = nil
	}
	if candidateIDs == nil {
		if candidateIDs, err = s.allPatternIDs(ctx); err != nil {
			return nil, err
		}
	}

	now := millisToTime(nowMillis())
	var matches []PatternMatch
	for _, id := range candidateIDs {
		p, err := s.Pattern(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}

		best, bestOverlap := "", 0.0
		for _, trig := range p.Triggers {
			if ov := Overlap(querySet, trig); ov > bestOverlap {
				best, bestOverlap = trig, ov
			}
		}
		if bestOverlap < s.overlapMin {
			continue
		}
		matches = append(matches, PatternMatch{
			Pattern:     *p,
			BestTrigger: best,
			Overlap:     bestOverlap,
			Score:       p.Confidence * recencyWeight(now.Sub(p.LastUsedAt)),
		})
	}

	sortMatches(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// recencyWeight decays linearly in age: 1/(1 + ageDays/30). A pattern
// used today weighs 1.0, one idle for 30 days weighs 0.5.
func recencyWeight(age time.Duration) float64 {
	days := age.Hours() / 24
	if days < 0 {
		days = 0
	}
	return 1 / (1 + days/30)
}

func sortMatches(matches []PatternMatch) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && less(matches[j-1], matches[j]); j-- {
			matches[j-1], matches[j] = matches[j], matches[j-1]
		}
	}
}

func less(a, b PatternMatch) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.Overlap != b.Overlap {
		return a.Overlap < b.Overlap
	}
	return a.Pattern.ID > b.Pattern.ID
}

func (s *Tier2Store) ftsCandidates(ctx context.Context, querySet map[string]bool) ([]string, error) {
	terms := make([]string, 0, len(querySet))
	for tok := range querySet {
		terms = append(terms, `"`+tok+`"`)
	}
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT pattern_id FROM triggers_fts WHERE triggers_fts MATCH ?",
		strings.Join(terms, " OR "))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *Tier2Store) allPatternIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM patterns")
	if err != nil {
		return nil, types.StorageErr("scan pattern ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.StorageErr("scan pattern id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindByExactTrigger returns the pattern owning a trigger phrase, if
// any, matching on the normalized phrase.
func (s *Tier2Store) FindByExactTrigger(ctx context.Context, phrase string) (*Pattern, error) {
	return findByExactTriggerOn(ctx, s.db, phrase)
}

func findByExactTriggerOn(ctx context.Context, q dbtx, phrase string) (*Pattern, error) {
	want := normalizePhrase(phrase)
	if want == "" {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx, "SELECT pattern_id, phrase FROM triggers")
	if err != nil {
		return nil, types.StorageErr("scan triggers", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, stored string
		if err := rows.Scan(&id, &stored); err != nil {
			return nil, types.StorageErr("scan trigger row", err)
		}
		if normalizePhrase(stored) == want {
			rows.Close()
			return patternOn(ctx, q, id)
		}
	}
	return nil, rows.Err()
}
