package store

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestCoModificationRate(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	// handler.go changed 4 times, schema.sql twice, together twice.
	for i := 0; i < 4; i++ {
		if err := s.ObserveFileEdit(ctx, "internal/api/handler.go"); err != nil {
			t.Fatalf("edit: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := s.ObserveFileEdit(ctx, "db/schema.sql"); err != nil {
			t.Fatalf("edit: %v", err)
		}
		if err := s.ObserveCoModification(ctx, "internal/api/handler.go", "db/schema.sql", ""); err != nil {
			t.Fatalf("co-mod: %v", err)
		}
	}

	rels, err := s.RelationsFor(ctx, "internal/api/handler.go", 10)
	if err != nil {
		t.Fatalf("relations: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("got %d relations", len(rels))
	}
	r := rels[0]
	if r.CoModifications != 2 {
		t.Errorf("co-modifications = %d", r.CoModifications)
	}
	// joint / max(4, 2) = 0.5
	if math.Abs(r.Rate-0.5) > 1e-9 {
		t.Errorf("rate = %f, want 0.5", r.Rate)
	}
	if r.RelationshipType != "co_modified" {
		t.Errorf("default type = %q", r.RelationshipType)
	}
}

func TestCoModificationPairNormalization(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	if err := s.ObserveCoModification(ctx, "b.go", "a.go", "import"); err != nil {
		t.Fatalf("co-mod: %v", err)
	}
	if err := s.ObserveCoModification(ctx, "a.go", "b.go", "import"); err != nil {
		t.Fatalf("co-mod: %v", err)
	}

	rels, err := s.RelationsFor(ctx, "a.go", 10)
	if err != nil {
		t.Fatalf("relations: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("pair not normalized: %d edges", len(rels))
	}
	if rels[0].CoModifications != 2 {
		t.Errorf("count = %d, want 2", rels[0].CoModifications)
	}
	if rels[0].FileA != "a.go" || rels[0].FileB != "b.go" {
		t.Errorf("stored pair %s/%s", rels[0].FileA, rels[0].FileB)
	}
}

func TestCoModificationValidation(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	if err := s.ObserveCoModification(ctx, "same.go", "same.go", ""); err == nil {
		t.Error("self edge accepted")
	}
	if err := s.ObserveCoModification(ctx, "", "b.go", ""); err == nil {
		t.Error("empty path accepted")
	}
}

func TestDecayRelations(t *testing.T) {
	millis := fakeClock(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestTier2(t)
	ctx := context.Background()

	if err := s.ObserveCoModification(ctx, "a.go", "b.go", ""); err != nil {
		t.Fatalf("co-mod: %v", err)
	}

	*millis += (100 * 24 * time.Hour).Milliseconds()
	now := millisToTime(*millis)

	touched, err := s.DecayRelations(ctx, now, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("decay: %v", err)
	}
	if touched != 1 {
		t.Errorf("touched = %d", touched)
	}

	// Count was 1, halved to 0, edge dropped.
	rels, _ := s.RelationsFor(ctx, "a.go", 10)
	if len(rels) != 0 {
		t.Errorf("stale edge survived: %+v", rels)
	}
}

func TestCorrectionsRecurrence(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.RecordCorrection(ctx, "wrong_import_order", "group stdlib first", "reviewing PR"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := s.RecordCorrection(ctx, "wrong_import_order", "use goimports", ""); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := s.PreventionFor(ctx, "wrong_import_order", 5)
	if err != nil {
		t.Fatalf("prevention: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d corrections", len(got))
	}
	if got[0].Correction != "group stdlib first" || got[0].Occurrences != 3 {
		t.Errorf("most recurrent first: %+v", got[0])
	}

	if err := s.RecordCorrection(ctx, "", "x", ""); err == nil {
		t.Error("empty mistake type accepted")
	}
}

func TestInsightsMatching(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	if err := s.RecordInsight(ctx, "migrations", "always gate schema changes behind a version check", "high", 45); err != nil {
		t.Fatalf("insight: %v", err)
	}
	if err := s.RecordInsight(ctx, "migrations", "test rollback paths", "medium", 20); err != nil {
		t.Fatalf("insight: %v", err)
	}
	if err := s.RecordInsight(ctx, "naming", "avoid stutter in package names", "low", 5); err != nil {
		t.Fatalf("insight: %v", err)
	}
	if err := s.RecordInsight(ctx, "migrations", "never drop columns in place", "critical", 10); err != nil {
		t.Fatalf("insight: %v", err)
	}
	if err := s.RecordInsight(ctx, "x", "y", "catastrophic", 1); err == nil {
		t.Error("invalid impact accepted")
	}

	got, err := s.InsightsMatching(ctx, "planning the schema migrations", "medium", 5)
	if err != nil {
		t.Fatalf("matching: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d insights: %+v", len(got), got)
	}
	if got[0].Impact != "critical" || got[1].Impact != "high" {
		t.Errorf("impact ordering broken: %+v", got)
	}

	total, err := s.TotalInsightCostMinutes(ctx)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if math.Abs(total-80) > 1e-9 {
		t.Errorf("total cost = %f, want 80", total)
	}
}
