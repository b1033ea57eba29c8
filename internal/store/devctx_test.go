package store

import (
	"context"
	"testing"
	"time"
)

func newTestTier3(t *testing.T, ttl time.Duration) *Tier3Store {
	t.Helper()
	s, err := NewTier3Store(":memory:", ttl)
	if err != nil {
		t.Fatalf("Failed to create tier3 store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMetricsLatestAndHistory(t *testing.T) {
	millis := fakeClock(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	s := newTestTier3(t, 30*24*time.Hour)
	ctx := context.Background()

	for i, v := range []float64{0.72, 0.74, 0.78} {
		if err := s.RecordMetric(ctx, "projA", "test_coverage", v); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		*millis += time.Hour.Milliseconds()
	}
	if err := s.RecordMetric(ctx, "projA", "build_seconds", 42); err != nil {
		t.Fatalf("record: %v", err)
	}

	latest, err := s.LatestMetrics(ctx, "projA")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("got %d metrics", len(latest))
	}
	// Alphabetical: build_seconds then test_coverage.
	if latest[1].Name != "test_coverage" || latest[1].Value != 0.78 {
		t.Errorf("latest coverage = %+v", latest[1])
	}

	history, err := s.MetricHistory(ctx, "projA", "test_coverage", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[0].Value != 0.72 || history[2].Value != 0.78 {
		t.Errorf("history = %+v", history)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := newTestTier3(t, time.Hour)
	ctx := context.Background()

	if err := s.RecordMetric(ctx, "projA", "coverage", 0.9); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.PutCache(ctx, "projA", "analysis", "resultA", 0); err != nil {
		t.Fatalf("cache: %v", err)
	}

	other, err := s.LatestMetrics(ctx, "projB")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("projB sees projA metrics: %+v", other)
	}
	if _, hit, _ := s.GetCache(ctx, "projB", "analysis"); hit {
		t.Error("projB sees projA cache")
	}

	// Namespace is mandatory everywhere.
	if err := s.RecordMetric(ctx, "", "coverage", 1); err == nil {
		t.Error("empty namespace accepted for metric")
	}
	if _, err := s.LatestMetrics(ctx, ""); err == nil {
		t.Error("empty namespace accepted for read")
	}
	if err := s.PutCache(ctx, "", "k", "v", 0); err == nil {
		t.Error("empty namespace accepted for cache")
	}
}

func TestHotspots(t *testing.T) {
	s := newTestTier3(t, time.Hour)
	ctx := context.Background()

	if err := s.UpsertHotspot(ctx, "projA", "internal/core/state.go", 12.5, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertHotspot(ctx, "projA", "internal/store/sqlite.go", 3.1, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Refresh bumps in place.
	if err := s.UpsertHotspot(ctx, "projA", "internal/store/sqlite.go", 20.0, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	spots, err := s.Hotspots(ctx, "projA", 10)
	if err != nil {
		t.Fatalf("hotspots: %v", err)
	}
	if len(spots) != 2 {
		t.Fatalf("got %d hotspots", len(spots))
	}
	if spots[0].Path != "internal/store/sqlite.go" || spots[0].ChurnScore != 20.0 {
		t.Errorf("churn ordering: %+v", spots[0])
	}
}

func TestCacheTTL(t *testing.T) {
	millis := fakeClock(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	s := newTestTier3(t, time.Hour)
	ctx := context.Background()

	if err := s.PutCache(ctx, "projA", "deps", "graph-v1", 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	val, hit, err := s.GetCache(ctx, "projA", "deps")
	if err != nil || !hit || val != "graph-v1" {
		t.Fatalf("fresh get = %q %v %v", val, hit, err)
	}

	// Past the default TTL the entry reads as a miss.
	*millis += (2 * time.Hour).Milliseconds()
	if _, hit, _ := s.GetCache(ctx, "projA", "deps"); hit {
		t.Error("expired entry still hit")
	}

	// Unknown key is a clean miss.
	if _, hit, _ := s.GetCache(ctx, "projA", "absent"); hit {
		t.Error("phantom hit")
	}
}

func TestPurgeExpired(t *testing.T) {
	millis := fakeClock(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	s := newTestTier3(t, time.Hour)
	ctx := context.Background()

	if err := s.PutCache(ctx, "projA", "a", "1", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutCache(ctx, "projA", "b", "2", 24*time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	*millis += time.Hour.Milliseconds()
	n, err := s.PurgeExpired(ctx, millisToTime(*millis))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, hit, _ := s.GetCache(ctx, "projA", "b"); !hit {
		t.Error("long-lived entry purged")
	}
}
