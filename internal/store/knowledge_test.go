package store

import (
	"context"
	"math"
	"testing"
	"time"

	"cortex/internal/types"
)

func newTestTier2(t *testing.T) *Tier2Store {
	t.Helper()
	s, err := NewTier2Store(":memory:", Tier2Options{})
	if err != nil {
		t.Fatalf("Failed to create tier2 store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func learnTestPattern(t *testing.T, s *Tier2Store, intent types.Intent, triggers ...string) *Pattern {
	t.Helper()
	p, err := s.LearnPattern(context.Background(), PatternCandidate{
		Intent:   intent,
		Triggers: triggers,
		Examples: 3,
	}, false)
	if err != nil {
		t.Fatalf("LearnPattern failed: %v", err)
	}
	return p
}

func TestLearnPatternRequiresExamples(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	_, err := s.LearnPattern(ctx, PatternCandidate{
		Intent:   types.IntentPlan,
		Triggers: []string{"sketch the design"},
		Examples: 2,
	}, false)
	if err == nil {
		t.Fatal("two examples must not satisfy the three-example floor")
	}

	// The operator path may force it.
	p, err := s.LearnPattern(ctx, PatternCandidate{
		Intent:   types.IntentPlan,
		Triggers: []string{"sketch the design"},
		Examples: 2,
	}, true)
	if err != nil {
		t.Fatalf("forced learn failed: %v", err)
	}
	if p.SuccessfulRoutes != 2 {
		t.Errorf("successful routes = %d", p.SuccessfulRoutes)
	}
}

func TestConfidenceFormula(t *testing.T) {
	if got := confidenceOf(4, 1); math.Abs(got-0.8) > 1e-6 {
		t.Errorf("confidenceOf(4,1) = %f, want 0.8", got)
	}
	if got := confidenceOf(0, 0); got != 0 {
		t.Errorf("confidenceOf(0,0) = %f, want 0", got)
	}
	if got := confidenceOf(0, 3); got != 0 {
		t.Errorf("confidenceOf(0,3) = %f, want 0", got)
	}
}

func TestReinforceSuccess(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	p := learnTestPattern(t, s, types.IntentExecute, "run the deploy script")

	// Shape the counters to 4 successes / 1 failure (confidence 0.8).
	if _, err := s.reinforceN(ctx, p.ID, true, 7); err != nil {
		t.Fatalf("reinforce batch: %v", err)
	}
	if _, err := s.reinforceN(ctx, p.ID, false, 2); err != nil {
		t.Fatalf("reinforce batch: %v", err)
	}
	got, err := s.Pattern(ctx, p.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SuccessfulRoutes != 10 || got.FailedRoutes != 2 {
		t.Fatalf("counters %d/%d", got.SuccessfulRoutes, got.FailedRoutes)
	}

	updated, err := s.Reinforce(ctx, p.ID, true)
	if err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	want := 11.0 / 13.0
	if math.Abs(updated.Confidence-want) > 1e-6 {
		t.Errorf("confidence = %f, want %f", updated.Confidence, want)
	}
}

func TestReinforceFourOneToFiveOne(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	p := learnTestPattern(t, s, types.IntentExecute, "restart the worker pool")
	// 3/0 -> 4/1 via one success and one failure, each a small move.
	if _, err := s.Reinforce(ctx, p.ID, true); err != nil {
		t.Fatalf("reinforce: %v", err)
	}
	if _, err := s.Reinforce(ctx, p.ID, false); err != nil {
		t.Fatalf("reinforce: %v", err)
	}

	before, _ := s.Pattern(ctx, p.ID)
	if before.SuccessfulRoutes != 4 || before.FailedRoutes != 1 {
		t.Fatalf("setup counters %d/%d, want 4/1", before.SuccessfulRoutes, before.FailedRoutes)
	}
	if math.Abs(before.Confidence-0.8) > 1e-6 {
		t.Fatalf("setup confidence %f, want 0.8", before.Confidence)
	}

	after, err := s.Reinforce(ctx, p.ID, true)
	if err != nil {
		t.Fatalf("reinforce: %v", err)
	}
	if after.SuccessfulRoutes != 5 || after.FailedRoutes != 1 {
		t.Errorf("counters %d/%d, want 5/1", after.SuccessfulRoutes, after.FailedRoutes)
	}
	want := 5.0 / 6.0
	if math.Abs(after.Confidence-want) > 1e-6 {
		t.Errorf("confidence %f, want %f", after.Confidence, want)
	}
}

func TestReinforceAnomalyGuard(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	// A fresh 3/0 pattern sits at confidence ~1.0; one failure would
	// swing it to 0.75, past the spike bound with a single outcome.
	p := learnTestPattern(t, s, types.IntentTest, "rerun the flaky suite")

	_, err := s.Reinforce(ctx, p.ID, false)
	if !types.IsKind(err, types.KindAnomalyDetected) {
		t.Fatalf("expected anomaly, got %v", err)
	}

	// State unchanged.
	got, _ := s.Pattern(ctx, p.ID)
	if got.SuccessfulRoutes != 3 || got.FailedRoutes != 0 {
		t.Errorf("counters moved despite anomaly: %d/%d", got.SuccessfulRoutes, got.FailedRoutes)
	}

	// The same swing with enough support passes.
	if _, err := s.reinforceN(ctx, p.ID, false, 5); err != nil {
		t.Fatalf("supported swing rejected: %v", err)
	}
}

func TestSetConfidenceGuard(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	p := learnTestPattern(t, s, types.IntentReview, "audit the changeset")

	err := s.SetConfidence(ctx, p.ID, 0.5, 2)
	if !types.IsKind(err, types.KindAnomalyDetected) {
		t.Fatalf("expected anomaly for unsupported jump, got %v", err)
	}
	if err := s.SetConfidence(ctx, p.ID, 0.5, 5); err != nil {
		t.Fatalf("supported set rejected: %v", err)
	}

	got, _ := s.Pattern(ctx, p.ID)
	if math.Abs(got.Confidence-0.5) > 1e-9 {
		t.Errorf("confidence = %f", got.Confidence)
	}
}

func TestFindPatternByTriggers(t *testing.T) {
	fakeClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newTestTier2(t)
	ctx := context.Background()

	p := learnTestPattern(t, s, types.IntentExecute, "deploy the service", "ship the release")
	learnTestPattern(t, s, types.IntentHelp, "show available commands")

	matches, err := s.FindPatternByTriggers(ctx, "please deploy the service now", 3)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	m := matches[0]
	if m.Pattern.ID != p.ID {
		t.Errorf("matched %s", m.Pattern.ID)
	}
	if m.Overlap != 1.0 {
		t.Errorf("overlap = %f, want 1.0", m.Overlap)
	}
	// Fresh pattern: recency weight 1.0, so score tracks confidence.
	if math.Abs(m.Score-m.Pattern.Confidence) > 1e-6 {
		t.Errorf("score %f != confidence %f", m.Score, m.Pattern.Confidence)
	}
}

func TestFindPatternBelowOverlapThreshold(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	learnTestPattern(t, s, types.IntentExecute, "deploy the service cluster")

	// One of four trigger tokens present: 0.25 < 0.50 threshold.
	matches, err := s.FindPatternByTriggers(ctx, "deploy now", 3)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no matches, got %+v", matches)
	}
}

func TestFindPatternRecencyRanking(t *testing.T) {
	millis := fakeClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newTestTier2(t)
	ctx := context.Background()

	stale := learnTestPattern(t, s, types.IntentExecute, "rotate the api keys")
	*millis += (60 * 24 * time.Hour).Milliseconds()
	fresh := learnTestPattern(t, s, types.IntentExecute, "rotate the api keys now")

	matches, err := s.FindPatternByTriggers(ctx, "rotate the api keys now please", 3)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches", len(matches))
	}
	if matches[0].Pattern.ID != fresh.ID {
		t.Errorf("fresh pattern should outrank stale one")
	}
	if matches[1].Pattern.ID != stale.ID {
		t.Errorf("stale pattern missing from results")
	}
	// 60 days idle: weight 1/(1+2) = 1/3.
	wantStale := matches[1].Pattern.Confidence / 3
	if math.Abs(matches[1].Score-wantStale) > 1e-6 {
		t.Errorf("stale score %f, want %f", matches[1].Score, wantStale)
	}
}

func TestFindByExactTrigger(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	p := learnTestPattern(t, s, types.IntentHelp, "What can you do?")

	got, err := s.FindByExactTrigger(ctx, "what can you do")
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	if got == nil || got.ID != p.ID {
		t.Fatalf("exact match failed: %+v", got)
	}

	none, err := s.FindByExactTrigger(ctx, "what can you")
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	if none != nil {
		t.Errorf("partial phrase matched exactly: %+v", none)
	}
}

func TestPatternAttributesPersist(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	p, err := s.LearnPattern(ctx, PatternCandidate{
		Type:        "workflow",
		Title:       "Deploy checklist",
		Description: "Runs the deploy checklist end to end",
		Intent:      types.IntentExecute,
		RoutesTo:    "execute",
		Action:      "run-checklist",
		Triggers:    []string{"run the deploy checklist"},
		Examples:    3,
	}, false)
	if err != nil {
		t.Fatalf("LearnPattern: %v", err)
	}

	got, err := s.Pattern(ctx, p.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Type != "workflow" || got.Title != "Deploy checklist" ||
		got.Description != "Runs the deploy checklist end to end" ||
		got.RoutesTo != "execute" || got.Action != "run-checklist" {
		t.Errorf("attributes lost: %+v", got)
	}
	if got.AccessCount != 0 {
		t.Errorf("fresh pattern access count = %d", got.AccessCount)
	}

	if _, err := s.Reinforce(ctx, p.ID, true); err != nil {
		t.Fatalf("reinforce: %v", err)
	}
	got, _ = s.Pattern(ctx, p.ID)
	if got.AccessCount != 1 {
		t.Errorf("access count = %d after one use", got.AccessCount)
	}

	// Type defaults to routing, title to the first trigger.
	d := learnTestPattern(t, s, types.IntentHelp, "list the commands")
	got, _ = s.Pattern(ctx, d.ID)
	if got.Type != "routing" || got.Title != "list the commands" {
		t.Errorf("defaults not applied: type=%q title=%q", got.Type, got.Title)
	}
}

func TestApplyLearningBatchWatermarkSkip(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()
	p := learnTestPattern(t, s, types.IntentExecute, "flush the queue")

	applied, err := s.ApplyLearningBatch(ctx, "learning", 7, func(b *LearningBatch) error {
		_, err := b.Reinforce(ctx, p.ID, true)
		return err
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !applied {
		t.Fatal("first batch should apply")
	}
	got, _ := s.Pattern(ctx, p.ID)
	if got.SuccessfulRoutes != 4 {
		t.Fatalf("successful routes = %d, want 4", got.SuccessfulRoutes)
	}

	// Replaying the same events after a cursor-advance failure must not
	// double-apply their mutations.
	applied, err = s.ApplyLearningBatch(ctx, "learning", 7, func(b *LearningBatch) error {
		t.Fatal("batch body ran for an already-applied watermark")
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if applied {
		t.Error("replayed batch reported applied")
	}
	got, _ = s.Pattern(ctx, p.ID)
	if got.SuccessfulRoutes != 4 {
		t.Errorf("successful routes = %d after replay, want 4", got.SuccessfulRoutes)
	}
}

func TestApplyLearningBatchRollsBackOnError(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()
	p := learnTestPattern(t, s, types.IntentExecute, "compact the index")

	applied, err := s.ApplyLearningBatch(ctx, "learning", 3, func(b *LearningBatch) error {
		if _, err := b.Reinforce(ctx, p.ID, true); err != nil {
			return err
		}
		_, err := b.Reinforce(ctx, "missing", true)
		return err
	})
	if err == nil {
		t.Fatal("missing pattern should fail the batch")
	}
	if applied {
		t.Error("failed batch reported applied")
	}

	// The successful reinforcement rolled back with the rest.
	got, _ := s.Pattern(ctx, p.ID)
	if got.SuccessfulRoutes != 3 {
		t.Errorf("successful routes = %d, want 3 after rollback", got.SuccessfulRoutes)
	}

	// No watermark was recorded, so a corrected batch still applies.
	applied, err = s.ApplyLearningBatch(ctx, "learning", 3, func(b *LearningBatch) error {
		_, err := b.Reinforce(ctx, p.ID, true)
		return err
	})
	if err != nil || !applied {
		t.Fatalf("corrected batch: applied=%v err=%v", applied, err)
	}
}

func TestSetPinned(t *testing.T) {
	s := newTestTier2(t)
	ctx := context.Background()

	p := learnTestPattern(t, s, types.IntentAdmin, "archive old conversations")
	if err := s.SetPinned(ctx, p.ID, true); err != nil {
		t.Fatalf("pin: %v", err)
	}
	got, _ := s.Pattern(ctx, p.ID)
	if !got.Pinned {
		t.Error("pattern not pinned")
	}
	if err := s.SetPinned(ctx, "missing", true); err == nil {
		t.Error("pinning a missing pattern should fail")
	}
}
