// Package router classifies raw requests into routing decisions. Four
// stages run in priority order: exact trigger match against the
// operation registry and template file, a keyword scan over a fixed
// vocabulary, a fuzzy pattern lookup in the knowledge graph, and a
// general fallback. The router itself never fails a request: storage
// trouble degrades the context bundle, not the decision.
package router

import (
	"context"
	"sort"
	"strings"

	"cortex/internal/config"
	"cortex/internal/logging"
	"cortex/internal/registry"
	"cortex/internal/store"
	"cortex/internal/templates"
	"cortex/internal/types"
)

// DefaultAgent handles everything nothing else claims.
const DefaultAgent = "general"

// Router turns text into a RoutingDecision plus a bounded context
// bundle.
type Router struct {
	reg   *registry.Registry
	tpl   *templates.Registry
	tier1 *store.Tier1Store
	tier2 *store.Tier2Store
	tier3 *store.Tier3Store
	cfg   config.RoutingConfig

	keywords map[types.Intent][]string
}

// New wires a router. tier1/tier2/tier3 may be nil in tests; the
// affected bundle sections stay empty.
func New(reg *registry.Registry, tpl *templates.Registry,
	tier1 *store.Tier1Store, tier2 *store.Tier2Store, tier3 *store.Tier3Store,
	cfg config.RoutingConfig) *Router {

	keywords := defaultKeywords()
	for intent, words := range cfg.Keywords {
		if parsed := types.ParseIntent(intent); parsed.Known() {
			keywords[parsed] = words
		}
	}
	return &Router{reg: reg, tpl: tpl, tier1: tier1, tier2: tier2, tier3: tier3,
		cfg: cfg, keywords: keywords}
}

// defaultKeywords is the built-in intent vocabulary. Multi-word entries
// match as phrases, single words as whole tokens.
func defaultKeywords() map[types.Intent][]string {
	return map[types.Intent][]string{
		types.IntentPlan:     {"plan", "design", "architect", "roadmap", "strategy"},
		types.IntentExecute:  {"implement", "build", "create", "add", "fix", "refactor", "write"},
		types.IntentTest:     {"test", "verify", "coverage", "validate"},
		types.IntentTDD:      {"tdd", "red green", "failing test"},
		types.IntentReview:   {"review", "audit", "inspect", "critique"},
		types.IntentFeedback: {"feedback", "complaint", "suggestion"},
		types.IntentHelp:     {"help", "usage", "commands", "capabilities"},
		types.IntentStatus:   {"status", "progress", "health"},
		types.IntentAdmin:    {"admin", "maintain", "retention", "archive", "backup", "export"},
	}
}

// intentScanOrder fixes the tiebreak when two intents score equally.
var intentScanOrder = []types.Intent{
	types.IntentHelp, types.IntentStatus, types.IntentFeedback,
	types.IntentTDD, types.IntentTest, types.IntentReview,
	types.IntentPlan, types.IntentExecute, types.IntentAdmin,
}

// Route classifies one request and assembles its context bundle.
func (r *Router) Route(ctx context.Context, rawText, conversationID, namespace string) *types.RoutingDecision {
	timer := logging.StartTimer(logging.CategoryRouter, "Route")
	defer timer.Stop()

	decision := r.classify(ctx, rawText)
	decision.Bundle = r.assembleBundle(ctx, rawText, conversationID, namespace, decision)
	logging.Router("Routed %q -> intent=%s agent=%s origin=%s confidence=%.2f",
		truncate(rawText, 60), decision.Intent, decision.Agent, decision.Origin, decision.Confidence)
	return decision
}

func (r *Router) classify(ctx context.Context, rawText string) *types.RoutingDecision {
	// Stage 1: exact trigger. Registry and template triggers compete;
	// the longer phrase wins, the registry wins length ties because
	// operations carry explicit priority.
	opTrigger, op := r.reg.ResolveTrigger(rawText)
	tplTrigger, tpl := r.tpl.MatchTrigger(rawText)
	if op != nil && (tpl == nil || len(opTrigger) >= len(tplTrigger)) {
		return &types.RoutingDecision{
			Intent:     firstIntent(op),
			Agent:      op.ID,
			Confidence: 1.0,
			Origin:     types.OriginTrigger,
		}
	}
	if tpl != nil {
		intent := types.ParseIntent(tpl.ResponseType)
		if !intent.Known() {
			intent = types.IntentGeneral
		}
		return &types.RoutingDecision{
			Intent:     intent,
			Agent:      r.agentFor(intent),
			Confidence: 1.0,
			Origin:     types.OriginTrigger,
		}
	}

	// Stage 2: keyword scan.
	if intent, hits := r.scanKeywords(rawText); hits > 0 {
		return &types.RoutingDecision{
			Intent:     intent,
			Agent:      r.agentFor(intent),
			Confidence: 0.9,
			Origin:     types.OriginKeyword,
		}
	}

	// Stage 3: learned patterns.
	if d := r.lookupPattern(ctx, rawText); d != nil {
		return d
	}

	// Stage 4: fallback.
	return &types.RoutingDecision{
		Intent:     types.IntentGeneral,
		Agent:      DefaultAgent,
		Confidence: 0.0,
		Origin:     types.OriginFallback,
	}
}

func (r *Router) scanKeywords(rawText string) (types.Intent, int) {
	folded := strings.ToLower(rawText)
	tokens := store.TokenSet(rawText)

	best := types.IntentUnknown
	bestHits := 0
	for _, intent := range intentScanOrder {
		hits := 0
		for _, word := range r.keywords[intent] {
			if strings.Contains(word, " ") {
				if strings.Contains(folded, word) {
					hits++
				}
			} else if tokens[word] {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = intent, hits
		}
	}
	return best, bestHits
}

func (r *Router) lookupPattern(ctx context.Context, rawText string) *types.RoutingDecision {
	if r.tier2 == nil {
		return nil
	}
	matches, err := r.tier2.FindPatternByTriggers(ctx, rawText, 1)
	if err != nil {
		logging.Get(logging.CategoryRouter).Warn("pattern lookup failed: %v", err)
		return nil
	}
	if len(matches) == 0 {
		return nil
	}

	// The score (confidence x recency) only ranks candidates; the
	// routing bands apply to the pattern's confidence, so a confident
	// pattern that is merely stale still routes.
	top := matches[0]
	if top.Pattern.Confidence < r.cfg.ConfirmThreshold {
		return nil
	}
	agent := r.agentFor(top.Pattern.Intent)
	if top.Pattern.RoutesTo != "" && r.reg.Get(top.Pattern.RoutesTo) != nil {
		agent = top.Pattern.RoutesTo
	}
	return &types.RoutingDecision{
		Intent:         top.Pattern.Intent,
		Agent:          agent,
		Confidence:     top.Pattern.Confidence,
		Origin:         types.OriginPattern,
		PatternID:      top.Pattern.ID,
		SuggestConfirm: top.Pattern.Confidence < r.cfg.AutoThreshold,
	}
}

// agentFor picks the best operation registered for an intent, falling
// back to the default agent.
func (r *Router) agentFor(intent types.Intent) string {
	if ops := r.reg.ForIntent(intent); len(ops) > 0 {
		return ops[0].ID
	}
	return DefaultAgent
}

func firstIntent(op *registry.Operation) types.Intent {
	if len(op.Intents) > 0 {
		return op.Intents[0]
	}
	return types.IntentGeneral
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// assembleBundle recalls bounded context for the agent: recent turns,
// matching patterns, the latest metrics snapshot and medium-or-higher
// insights matching the request. Overflow truncates lowest-score-first:
// insights, then metrics, then patterns, then the oldest turns.
func (r *Router) assembleBundle(ctx context.Context, rawText, conversationID, namespace string, decision *types.RoutingDecision) *types.ContextBundle {
	bundle := &types.ContextBundle{}

	if r.tier1 != nil && conversationID != "" {
		turns, err := r.tier1.RecentTurns(ctx, conversationID, r.cfg.BundleTurns)
		if err != nil {
			bundle.Warnings = append(bundle.Warnings, "working memory unavailable")
		}
		for _, turn := range turns {
			bundle.Turns = append(bundle.Turns, types.BundleTurn{
				Role: turn.Role, Content: turn.Content, At: turn.CreatedAt,
			})
		}
	}

	if r.tier2 != nil {
		matches, err := r.tier2.FindPatternByTriggers(ctx, rawText, r.cfg.BundlePatterns)
		if err != nil {
			bundle.Warnings = append(bundle.Warnings, "knowledge graph unavailable")
		}
		for _, m := range matches {
			bundle.Patterns = append(bundle.Patterns, types.BundlePattern{
				ID: m.Pattern.ID, Intent: m.Pattern.Intent,
				Trigger: m.BestTrigger, Confidence: m.Pattern.Confidence,
			})
		}

		insights, err := r.tier2.InsightsMatching(ctx, rawText, "medium", 3)
		if err != nil {
			bundle.Warnings = append(bundle.Warnings, "insights unavailable")
		}
		for _, insight := range insights {
			bundle.Insights = append(bundle.Insights, types.BundleInsight{
				Category: insight.Category, Insight: insight.InsightText, Impact: insight.Impact,
			})
		}
	}

	if r.tier3 != nil && namespace != "" {
		metrics, err := r.tier3.LatestMetrics(ctx, namespace)
		if err != nil {
			bundle.Warnings = append(bundle.Warnings, "development context unavailable")
		}
		for _, m := range metrics {
			bundle.Metrics = append(bundle.Metrics, types.BundleMetric{Name: m.Name, Value: m.Value})
		}
	}

	r.enforceBudget(bundle)
	return bundle
}

func (r *Router) enforceBudget(bundle *types.ContextBundle) {
	budget := r.cfg.TokenBudget

	cost := func() int {
		total := 0
		for _, t := range bundle.Turns {
			total += store.CountTokens(t.Content)
		}
		for _, p := range bundle.Patterns {
			total += store.CountTokens(p.Trigger) + 1
		}
		for _, m := range bundle.Metrics {
			total += store.CountTokens(m.Name) + 1
		}
		for _, i := range bundle.Insights {
			total += store.CountTokens(i.Insight)
		}
		return total
	}

	// Keep higher-impact insights; within the same impact, keep newer
	// entries (they arrive ordered, so trim from the back).
	sort.SliceStable(bundle.Insights, func(i, j int) bool {
		return impactRank(bundle.Insights[i].Impact) > impactRank(bundle.Insights[j].Impact)
	})

	for cost() > budget && len(bundle.Insights) > 0 {
		bundle.Insights = bundle.Insights[:len(bundle.Insights)-1]
	}
	for cost() > budget && len(bundle.Metrics) > 0 {
		bundle.Metrics = bundle.Metrics[:len(bundle.Metrics)-1]
	}
	for cost() > budget && len(bundle.Patterns) > 0 {
		bundle.Patterns = bundle.Patterns[:len(bundle.Patterns)-1]
	}
	// Turns arrive oldest-first; trimming the head keeps the newest.
	for cost() > budget && len(bundle.Turns) > 0 {
		bundle.Turns = bundle.Turns[1:]
	}

	bundle.TokensUsed = cost()
}

func impactRank(impact string) int {
	switch impact {
	case "critical":
		return 3
	case "high":
		return 2
	case "medium":
		return 1
	default:
		return 0
	}
}
