package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cortex/internal/config"
	"cortex/internal/types"
)

func testState(t *testing.T, mutate func(*config.Config)) *State {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BrainDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func requireStructured(t *testing.T, text string) {
	t.Helper()
	for _, section := range []string{"## Understanding", "## Challenge", "## Response", "## Request", "## Next Steps"} {
		assert.Contains(t, text, section)
	}
}

func TestHelpRequestEndToEnd(t *testing.T) {
	s := testState(t, nil)
	ctx := context.Background()

	envelope := s.ProcessRequest(ctx, "help", "c-help")
	require.NotNil(t, envelope)
	assert.False(t, envelope.Blocked)
	assert.Equal(t, "help", envelope.Agent)
	assert.Contains(t, envelope.Text, "| Operation |")
	requireStructured(t, envelope.Text)
	assert.NotEmpty(t, envelope.TraceID)

	// Both sides of the exchange are committed to working memory.
	turns, err := s.tier1.Turns(ctx, "c-help")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "assistant", turns[1].Role)

	counts, err := s.events.CountByKind(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.EventRequestHandled])
}

func TestAmnesiaRequestIsRefusedWithAlternatives(t *testing.T) {
	s := testState(t, nil)
	ctx := context.Background()

	envelope := s.ProcessRequest(ctx, "please delete all our conversation history", "c-1")
	require.NotNil(t, envelope)
	assert.True(t, envelope.Blocked)
	assert.NotEmpty(t, envelope.BlockedBy)
	requireStructured(t, envelope.Text)
	assert.Contains(t, envelope.Text, "archive")

	// A refusal commits nothing to working memory.
	count, err := s.tier1.ConversationCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// No events attributable to the refused request.
	counts, err := s.events.CountByKind(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestEvictionPreservesActiveConversation(t *testing.T) {
	s := testState(t, func(cfg *config.Config) {
		cfg.Memory.CapacityTier1 = 1
		cfg.Memory.ActivityWindowMin = 0
	})
	ctx := context.Background()

	first := s.ProcessRequest(ctx, "help", "conv-old")
	require.False(t, first.Blocked)
	time.Sleep(5 * time.Millisecond)
	second := s.ProcessRequest(ctx, "help", "conv-new")
	require.False(t, second.Blocked)

	old, err := s.tier1.Conversation(ctx, "conv-old")
	require.NoError(t, err)
	assert.Nil(t, old, "the oldest idle conversation is evicted")

	current, err := s.tier1.Conversation(ctx, "conv-new")
	require.NoError(t, err)
	assert.NotNil(t, current, "the active conversation survives")

	counts, err := s.events.CountByKind(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[types.EventConversationEvicted], 1)
}

func TestUnmatchedRequestFallsBack(t *testing.T) {
	s := testState(t, nil)

	envelope := s.ProcessRequest(context.Background(), "xyzzy plugh quux", "c-1")
	require.NotNil(t, envelope)
	assert.False(t, envelope.Blocked)
	assert.Equal(t, "general", envelope.Agent)
	assert.Equal(t, types.IntentGeneral, envelope.Intent)
	requireStructured(t, envelope.Text)
}

func TestCancelledRequestCommitsNothing(t *testing.T) {
	s := testState(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	envelope := s.ProcessRequest(ctx, "summarize recent work", "c-1")
	require.NotNil(t, envelope)
	assert.False(t, envelope.Blocked)
	assert.Contains(t, strings.Join(envelope.Warnings, " "), "deadline")

	count, err := s.tier1.ConversationCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	counts, err := s.events.CountByKind(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[types.EventRequestHandled])
}

type stuckAgent struct{ release chan struct{} }

func (a *stuckAgent) Name() string                { return "stuck" }
func (a *stuckAgent) CanHandle(types.Intent) bool { return true }
func (a *stuckAgent) Execute(context.Context, *types.Request) (*types.AgentResult, error) {
	<-a.release
	return &types.AgentResult{Content: "late"}, nil
}

func TestNonYieldingAgentIsAbandoned(t *testing.T) {
	s := testState(t, func(cfg *config.Config) {
		cfg.RequestDeadlineMS = 20
	})
	d := NewDispatcher(s)

	// The agent ignores its context entirely; only the watchdog can end
	// the request.
	agent := &stuckAgent{release: make(chan struct{})}
	t.Cleanup(func() { close(agent.release) })

	start := time.Now()
	_, err := d.execute(context.Background(), agent, &types.Request{TraceID: "t-1", RawText: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "watchdog fires at twice the deadline")
}

func TestEmptyRequestAsksForClarification(t *testing.T) {
	s := testState(t, nil)

	envelope := s.ProcessRequest(context.Background(), "   ", "c-1")
	require.NotNil(t, envelope)
	assert.False(t, envelope.Blocked)
	assert.NotEmpty(t, envelope.Text)

	count, err := s.tier1.ConversationCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestOpenCloseLeavesNoGoroutines(t *testing.T) {
	// opencensus starts a worker goroutine in its package init that can
	// never be stopped; it is not a leak from the code under test.
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	cfg := config.DefaultConfig()
	cfg.BrainDir = t.TempDir()
	s, err := Open(cfg)
	require.NoError(t, err)

	envelope := s.ProcessRequest(context.Background(), "status", "c-1")
	assert.Equal(t, "status", envelope.Agent)

	require.NoError(t, s.EndSession(context.Background()))
	require.NoError(t, s.Close())
}

func TestCorrectiveFeedbackReachesTier2(t *testing.T) {
	s := testState(t, nil)
	ctx := context.Background()

	envelope := s.ProcessRequest(ctx, "feedback: the suggested query was wrong, use a join instead", "c-1")
	require.False(t, envelope.Blocked)
	assert.Equal(t, "feedback", envelope.Agent)

	counts, err := s.events.CountByKind(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.EventFeedbackRecorded])
	assert.Equal(t, 1, counts[types.EventUserCorrected])

	// A forced learning run lands the correction in the knowledge graph.
	_, err = s.Maintain(ctx)
	require.NoError(t, err)

	corrections, err := s.tier2.PreventionFor(ctx, "user_feedback", 5)
	require.NoError(t, err)
	require.Len(t, corrections, 1)
}

func TestMaintainRunsDecayAndConsolidation(t *testing.T) {
	s := testState(t, nil)

	report, err := s.Maintain(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
}
