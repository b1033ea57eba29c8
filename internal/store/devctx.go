package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// tier3Schema holds development context: metrics history, hotspots and
// the analysis cache. Every table is namespaced by project.
var tier3Schema = []string{
	`CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		namespace TEXT NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		recorded_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hotspots (
		namespace TEXT NOT NULL,
		path TEXT NOT NULL,
		churn_score REAL NOT NULL DEFAULT 0,
		is_hotspot INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, path)
	)`,
	`CREATE TABLE IF NOT EXISTS analysis_cache (
		namespace TEXT NOT NULL,
		cache_key TEXT NOT NULL,
		value TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, cache_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_ns_name ON metrics(namespace, name, recorded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_expiry ON analysis_cache(expires_at)`,
}

// Metric is one recorded measurement.
type Metric struct {
	Name       string
	Value      float64
	RecordedAt time.Time
}

// Hotspot is one churn-ranked path.
type Hotspot struct {
	Path       string
	ChurnScore float64
	IsHotspot  bool
	UpdatedAt  time.Time
}

// Tier3Store is the development-context adapter. A namespace argument
// is mandatory on every call; there is no cross-namespace read path.
type Tier3Store struct {
	db  *sql.DB
	ttl time.Duration
}

// NewTier3Store opens (or creates) the development-context database.
func NewTier3Store(path string, cacheTTL time.Duration) (*Tier3Store, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := applySchema(db, tier3Schema); err != nil {
		db.Close()
		return nil, types.NewError(types.KindStorageUnavailable, "tier3 schema", err)
	}
	if err := ensureSchemaVersion(db, "tier3"); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("Tier 3 development context ready (cache TTL %v)", cacheTTL)
	return &Tier3Store{db: db, ttl: cacheTTL}, nil
}

// Close releases the database handle.
func (s *Tier3Store) Close() error { return s.db.Close() }

func requireNamespace(ns string) error {
	if ns == "" {
		return fmt.Errorf("namespace required")
	}
	return nil
}

// RecordMetric appends one measurement.
func (s *Tier3Store) RecordMetric(ctx context.Context, ns, name string, value float64) error {
	if err := requireNamespace(ns); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("metric name required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metrics (namespace, name, value, recorded_at) VALUES (?, ?, ?, ?)",
		ns, name, value, nowMillis())
	return types.StorageErr("record metric", err)
}

// LatestMetrics returns the newest value per metric name within a
// namespace.
func (s *Tier3Store) LatestMetrics(ctx context.Context, ns string) ([]Metric, error) {
	if err := requireNamespace(ns); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value, MAX(recorded_at)
		 FROM metrics WHERE namespace = ?
		 GROUP BY name ORDER BY name`, ns)
	if err != nil {
		return nil, types.StorageErr("query metrics", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		var recorded int64
		if err := rows.Scan(&m.Name, &m.Value, &recorded); err != nil {
			return nil, types.StorageErr("scan metric", err)
		}
		m.RecordedAt = millisToTime(recorded)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MetricHistory returns a metric's time series, oldest first.
func (s *Tier3Store) MetricHistory(ctx context.Context, ns, name string, limit int) ([]Metric, error) {
	if err := requireNamespace(ns); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value, recorded_at FROM (
			SELECT name, value, recorded_at FROM metrics
			WHERE namespace = ? AND name = ?
			ORDER BY recorded_at DESC LIMIT ?
		) ORDER BY recorded_at`, ns, name, limit)
	if err != nil {
		return nil, types.StorageErr("query metric history", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		var recorded int64
		if err := rows.Scan(&m.Name, &m.Value, &recorded); err != nil {
			return nil, types.StorageErr("scan metric", err)
		}
		m.RecordedAt = millisToTime(recorded)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertHotspot records or refreshes a churn entry.
func (s *Tier3Store) UpsertHotspot(ctx context.Context, ns, path string, churn float64, isHotspot bool) error {
	if err := requireNamespace(ns); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("hotspot path required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hotspots (namespace, path, churn_score, is_hotspot, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, path) DO UPDATE SET
		   churn_score = excluded.churn_score,
		   is_hotspot = excluded.is_hotspot,
		   updated_at = excluded.updated_at`,
		ns, path, churn, boolToInt(isHotspot), nowMillis())
	return types.StorageErr("upsert hotspot", err)
}

// Hotspots returns a namespace's entries, highest churn first.
func (s *Tier3Store) Hotspots(ctx context.Context, ns string, limit int) ([]Hotspot, error) {
	if err := requireNamespace(ns); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, churn_score, is_hotspot, updated_at
		 FROM hotspots WHERE namespace = ?
		 ORDER BY churn_score DESC LIMIT ?`, ns, limit)
	if err != nil {
		return nil, types.StorageErr("query hotspots", err)
	}
	defer rows.Close()

	var out []Hotspot
	for rows.Next() {
		var h Hotspot
		var isHot int
		var updated int64
		if err := rows.Scan(&h.Path, &h.ChurnScore, &isHot, &updated); err != nil {
			return nil, types.StorageErr("scan hotspot", err)
		}
		h.IsHotspot = isHot != 0
		h.UpdatedAt = millisToTime(updated)
		out = append(out, h)
	}
	return out, rows.Err()
}

// PutCache stores an analysis result under the namespace's key. A zero
// ttl takes the store default.
func (s *Tier3Store) PutCache(ctx context.Context, ns, key, value string, ttl time.Duration) error {
	if err := requireNamespace(ns); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("cache key required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	expires := millisToTime(nowMillis()).Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_cache (namespace, cache_key, value, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, cache_key) DO UPDATE SET
		   value = excluded.value,
		   expires_at = excluded.expires_at`,
		ns, key, value, expires)
	return types.StorageErr("put cache", err)
}

// GetCache returns a cached value. Expired entries read as misses and
// are deleted lazily.
func (s *Tier3Store) GetCache(ctx context.Context, ns, key string) (string, bool, error) {
	if err := requireNamespace(ns); err != nil {
		return "", false, err
	}

	var value string
	var expires int64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM analysis_cache WHERE namespace = ? AND cache_key = ?",
		ns, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.StorageErr("get cache", err)
	}

	if expires <= nowMillis() {
		_, _ = s.db.ExecContext(ctx,
			"DELETE FROM analysis_cache WHERE namespace = ? AND cache_key = ?", ns, key)
		return "", false, nil
	}
	return value, true, nil
}

// PurgeExpired removes dead cache entries across all namespaces and
// returns how many went away.
func (s *Tier3Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM analysis_cache WHERE expires_at <= ?", now.UnixMilli())
	if err != nil {
		return 0, types.StorageErr("purge cache", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("Purged %d expired cache entries", n)
	}
	return int(n), nil
}
