package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestTier1(t *testing.T, capacity int, window time.Duration) *Tier1Store {
	t.Helper()
	s, err := NewTier1Store(":memory:", capacity, window)
	if err != nil {
		t.Fatalf("Failed to create tier1 store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeClock pins the storage clock and restores it afterwards.
func fakeClock(t *testing.T, start time.Time) *int64 {
	t.Helper()
	millis := start.UnixMilli()
	old := nowMillis
	nowMillis = func() int64 { return millis }
	t.Cleanup(func() { nowMillis = old })
	return &millis
}

func TestAppendTurnCreatesConversation(t *testing.T) {
	s := newTestTier1(t, 10, 30*time.Minute)
	ctx := context.Background()

	turn, err := s.AppendTurn(ctx, "", "user", "how do I configure the router?")
	if err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}
	if turn.ConversationID == "" {
		t.Fatal("expected generated conversation id")
	}
	if turn.ID == "" {
		t.Fatal("expected generated turn id")
	}
	if turn.TokenEstimate != 6 {
		t.Errorf("token estimate = %d, want 6", turn.TokenEstimate)
	}

	conv, err := s.Conversation(ctx, turn.ConversationID)
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	if conv == nil {
		t.Fatal("conversation not created")
	}
	if conv.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", conv.MessageCount)
	}
	if conv.Title != "how do I configure the router?" {
		t.Errorf("title = %q", conv.Title)
	}
}

func TestAppendTurnOrdering(t *testing.T) {
	s := newTestTier1(t, 10, 30*time.Minute)
	ctx := context.Background()

	first, err := s.AppendTurn(ctx, "conv-1", "user", "first")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := s.AppendTurn(ctx, "conv-1", "assistant", "second")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !second.CreatedAt.After(first.CreatedAt) {
		t.Errorf("timestamps not monotonic: %v then %v", first.CreatedAt, second.CreatedAt)
	}

	turns, err := s.Turns(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "first" || turns[1].Content != "second" {
		t.Errorf("unexpected order: %+v", turns)
	}
}

func TestAppendTurnMonotonicUnderFrozenClock(t *testing.T) {
	fakeClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newTestTier1(t, 10, 30*time.Minute)
	ctx := context.Background()

	var prev time.Time
	for i := 0; i < 5; i++ {
		turn, err := s.AppendTurn(ctx, "conv-frozen", "user", fmt.Sprintf("turn %d", i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if i > 0 && !turn.CreatedAt.After(prev) {
			t.Fatalf("turn %d timestamp %v not after %v despite frozen clock", i, turn.CreatedAt, prev)
		}
		prev = turn.CreatedAt
	}
}

func TestAppendTurnRejectsBadRole(t *testing.T) {
	s := newTestTier1(t, 10, 30*time.Minute)
	if _, err := s.AppendTurn(context.Background(), "c", "narrator", "x"); err == nil {
		t.Fatal("expected role validation error")
	}
}

func TestEvictionPreservesActiveConversation(t *testing.T) {
	millis := fakeClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newTestTier1(t, 3, 30*time.Minute)
	ctx := context.Background()

	// Three old conversations, spaced a minute apart.
	for i := 0; i < 3; i++ {
		if _, err := s.AppendTurn(ctx, fmt.Sprintf("old-%d", i), "user", "old traffic"); err != nil {
			t.Fatalf("seed append: %v", err)
		}
		*millis += time.Minute.Milliseconds()
	}

	// Two hours later a fourth conversation goes over capacity.
	*millis += (2 * time.Hour).Milliseconds()
	if _, err := s.AppendTurn(ctx, "active", "user", "current work"); err != nil {
		t.Fatalf("active append: %v", err)
	}

	now := millisToTime(*millis)
	evicted, err := s.EvictIfOverCapacity(ctx, now)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if len(evicted) != 1 {
		t.Fatalf("evicted %d conversations, want 1", len(evicted))
	}
	if evicted[0].ID != "old-0" {
		t.Errorf("evicted %s, want oldest old-0", evicted[0].ID)
	}

	count, err := s.ConversationCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("count after eviction = %d, want 3", count)
	}

	// The active conversation and its turns survive.
	conv, err := s.Conversation(ctx, "active")
	if err != nil || conv == nil {
		t.Fatalf("active conversation gone: %v %v", conv, err)
	}
	turns, err := s.Turns(ctx, "old-0")
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("evicted conversation still has %d turns", len(turns))
	}
}

func TestEvictionDefersWhenAllActive(t *testing.T) {
	millis := fakeClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newTestTier1(t, 2, 30*time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.AppendTurn(ctx, fmt.Sprintf("fresh-%d", i), "user", "busy"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	evicted, err := s.EvictIfOverCapacity(ctx, millisToTime(*millis))
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if len(evicted) != 0 {
		t.Errorf("evicted %d active conversations", len(evicted))
	}

	count, _ := s.ConversationCount(ctx)
	if count != 3 {
		t.Errorf("count = %d, want 3 (over capacity but all active)", count)
	}
}

func TestEvictionBoundaryExactCapacity(t *testing.T) {
	millis := fakeClock(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newTestTier1(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.AppendTurn(ctx, fmt.Sprintf("c-%d", i), "user", "x"); err != nil {
			t.Fatalf("append: %v", err)
		}
		*millis += time.Hour.Milliseconds()
	}

	// At capacity exactly: nothing to evict.
	evicted, err := s.EvictIfOverCapacity(ctx, millisToTime(*millis))
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if len(evicted) != 0 {
		t.Errorf("evicted at exact capacity: %v", evicted)
	}
}

func TestRecentTurnsScoping(t *testing.T) {
	s := newTestTier1(t, 10, 30*time.Minute)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if _, err := s.AppendTurn(ctx, "long", "user", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	turns, err := s.RecentTurns(ctx, "long", 3)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	if turns[0].Content != "m5" || turns[2].Content != "m7" {
		t.Errorf("wrong window: %q .. %q", turns[0].Content, turns[2].Content)
	}

	// Empty id falls back to the most recent conversation.
	fallback, err := s.RecentTurns(ctx, "", 2)
	if err != nil {
		t.Fatalf("RecentTurns fallback: %v", err)
	}
	if len(fallback) != 2 || fallback[0].ConversationID != "long" {
		t.Errorf("fallback picked %+v", fallback)
	}
}

func TestSetQualityScore(t *testing.T) {
	s := newTestTier1(t, 10, 30*time.Minute)
	ctx := context.Background()

	if _, err := s.AppendTurn(ctx, "scored", "user", "x"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.SetQualityScore(ctx, "scored", 7.5); err != nil {
		t.Fatalf("SetQualityScore: %v", err)
	}
	if err := s.SetQualityScore(ctx, "scored", 10.5); err == nil {
		t.Error("out of range score accepted")
	}
	if err := s.SetQualityScore(ctx, "scored", -1); err == nil {
		t.Error("negative score accepted")
	}
	if err := s.SetQualityScore(ctx, "missing", 5); err == nil {
		t.Error("missing conversation accepted")
	}

	conv, _ := s.Conversation(ctx, "scored")
	if conv.QualityScore != 7.5 {
		t.Errorf("quality = %f", conv.QualityScore)
	}
}
