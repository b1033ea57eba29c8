package learning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cortex/internal/config"
	"cortex/internal/store"
	"cortex/internal/types"
)

func testPipeline(t *testing.T) (*Pipeline, *store.EventLog, *store.Tier2Store) {
	t.Helper()
	events, err := store.NewEventLog(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	tier2, err := store.NewTier2Store(":memory:", store.Tier2Options{
		SpikeDelta:   0.20,
		SpikeSupport: 5,
		OverlapMin:   0.50,
		MinExamples:  3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tier2.Close() })

	cfg := config.DefaultConfig().Learning
	cfg.Threshold = 5
	p := New(events, tier2, cfg, [4]int{60, 90, 120, 180}, nil)
	return p, events, tier2
}

func emitHandled(t *testing.T, events *store.EventLog, trace, trigger string, success bool) {
	t.Helper()
	_, err := events.Emit(context.Background(), types.EventRequestHandled, types.RequestHandledPayload{
		TraceID: trace,
		Intent:  types.IntentPlan,
		Agent:   "plan",
		Trigger: trigger,
		Origin:  string(types.OriginKeyword),
		Success: success,
	})
	require.NoError(t, err)
}

func TestThresholdTriggersRun(t *testing.T) {
	p, events, _ := testPipeline(t)
	ctx := context.Background()

	assert.False(t, p.shouldRun(ctx, false))

	for i := 0; i < p.cfg.Threshold; i++ {
		emitHandled(t, events, "t", "draft a roadmap", true)
	}
	assert.True(t, p.shouldRun(ctx, false))
	assert.True(t, p.shouldRun(ctx, true), "session_complete forces a run regardless of backlog")
}

func TestThreeExampleRule(t *testing.T) {
	p, events, tier2 := testPipeline(t)
	ctx := context.Background()

	emitHandled(t, events, "t-1", "draft a roadmap", true)
	emitHandled(t, events, "t-2", "draft a roadmap", true)
	report, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Learned, "two examples must not create a pattern")

	emitHandled(t, events, "t-3", "draft a roadmap", true)
	emitHandled(t, events, "t-4", "draft a roadmap", true)
	emitHandled(t, events, "t-5", "draft a roadmap", true)
	report, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Learned)

	pattern, err := tier2.FindByExactTrigger(ctx, "draft a roadmap")
	require.NoError(t, err)
	require.NotNil(t, pattern)
	assert.Equal(t, types.IntentPlan, pattern.Intent)

	// A later batch with the same trigger reinforces, never duplicates.
	emitHandled(t, events, "t-6", "draft a roadmap", true)
	emitHandled(t, events, "t-7", "draft a roadmap", true)
	emitHandled(t, events, "t-8", "draft a roadmap", true)
	report, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Learned)

	count, err := tier2.PatternCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCursorAdvancesOnlyOnFullSuccess(t *testing.T) {
	p, events, _ := testPipeline(t)
	ctx := context.Background()

	_, err := events.Emit(ctx, types.EventRouteSuccess, types.RouteOutcomePayload{
		TraceID: "t-1", PatternID: "missing-pattern", Score: 0.9,
	})
	require.NoError(t, err)

	before, err := events.Cursor(ctx, Consumer)
	require.NoError(t, err)

	_, err = p.RunOnce(ctx)
	require.Error(t, err)

	after, err := events.Cursor(ctx, Consumer)
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed run must not advance the cursor")
}

func TestPartialFailureRollsBackWholeBatch(t *testing.T) {
	p, events, tier2 := testPipeline(t)
	ctx := context.Background()

	pattern, err := tier2.LearnPattern(ctx, store.PatternCandidate{
		Intent:   types.IntentPlan,
		Triggers: []string{"gopher burrow tunnel"},
		Examples: 3,
	}, false)
	require.NoError(t, err)

	// One resolvable outcome and one that cannot resolve, in one batch.
	_, err = events.Emit(ctx, types.EventRouteSuccess, types.RouteOutcomePayload{
		TraceID: "t-1", PatternID: pattern.ID, Score: 0.9,
	})
	require.NoError(t, err)
	_, err = events.Emit(ctx, types.EventRouteSuccess, types.RouteOutcomePayload{
		TraceID: "t-2", PatternID: "missing-pattern", Score: 0.9,
	})
	require.NoError(t, err)

	before, err := events.Cursor(ctx, Consumer)
	require.NoError(t, err)

	_, err = p.RunOnce(ctx)
	require.Error(t, err)

	// The good outcome rolled back with the bad one, so replaying the
	// batch later cannot double-count it.
	kept, err := tier2.Pattern(ctx, pattern.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, kept.SuccessfulRoutes, "no mutation survives a failed run")

	after, err := events.Cursor(ctx, Consumer)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAnomalyIsSkippedNotRetried(t *testing.T) {
	p, events, tier2 := testPipeline(t)
	ctx := context.Background()

	pattern, err := tier2.LearnPattern(ctx, store.PatternCandidate{
		Intent:   types.IntentPlan,
		Triggers: []string{"gopher burrow tunnel"},
		Examples: 3,
	}, false)
	require.NoError(t, err)

	// A single failure would move confidence 1.0 -> 0.75 on three routes
	// of support, which the spike guard rejects.
	_, err = events.Emit(ctx, types.EventRouteFailure, types.RouteOutcomePayload{
		TraceID: "t-1", PatternID: pattern.ID, Score: 0.9,
	})
	require.NoError(t, err)

	report, err := p.RunOnce(ctx)
	require.NoError(t, err, "an anomaly rejection is not a run failure")
	assert.Equal(t, 1, report.Anomalies)
	assert.Equal(t, 0, report.Reinforced)

	// The rejected outcome is behind the cursor now; the next run must
	// not retry it, and the pattern keeps its confidence.
	report, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Anomalies)

	kept, err := tier2.Pattern(ctx, pattern.ID)
	require.NoError(t, err)
	assert.InDelta(t, pattern.Confidence, kept.Confidence, 0.001)
}

func TestMaintenanceRunsAtMostOncePerInterval(t *testing.T) {
	p, _, _ := testPipeline(t)
	ctx := context.Background()

	_, err := p.RunOnce(ctx)
	require.NoError(t, err)
	first := p.lastMaintenance
	assert.False(t, first.IsZero(), "first run performs maintenance")

	_, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, p.lastMaintenance, "second run inside the interval skips maintenance")
}

func TestFileEditsBuildRelations(t *testing.T) {
	p, events, tier2 := testPipeline(t)
	ctx := context.Background()

	for _, path := range []string{"internal/auth/login.go", "internal/auth/login_test.go"} {
		_, err := events.Emit(ctx, types.EventFileEdited, types.FileEditedPayload{
			TraceID: "t-1", Path: path, Change: "edit",
		})
		require.NoError(t, err)
	}

	report, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.FileEdits)

	relations, err := tier2.RelationsFor(ctx, "internal/auth/login.go", 5)
	require.NoError(t, err)
	require.Len(t, relations, 1)
	assert.Equal(t, "test-coverage", relations[0].RelationshipType)
}

func TestCloseJoinsCleanly(t *testing.T) {
	// Registered before testPipeline's cleanups so it runs after the
	// stores close their database/sql pools.
	t.Cleanup(func() { goleak.VerifyNone(t) })

	p, events, _ := testPipeline(t)
	id, err := events.Emit(context.Background(), types.EventRequestHandled, types.RequestHandledPayload{
		TraceID: "t-1", Intent: types.IntentPlan, Agent: "plan",
		Trigger: "draft a roadmap", Origin: string(types.OriginKeyword), Success: true,
	})
	require.NoError(t, err)

	p.Start()
	p.Notify(types.EventSessionComplete)

	// The forced run must consume the backlog before shutdown.
	require.Eventually(t, func() bool {
		cursor, err := events.Cursor(context.Background(), Consumer)
		return err == nil && cursor >= id
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Close())
}
