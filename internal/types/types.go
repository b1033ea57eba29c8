// Package types holds the shared vocabulary of the engine: intents,
// routing decisions, agent contracts, effects, events and the error
// taxonomy. Every other package may import types; types imports nothing
// above the standard library.
package types

import (
	"context"
	"time"
)

// Intent classifies what the user wants from a request.
type Intent string

const (
	IntentPlan     Intent = "plan"
	IntentExecute  Intent = "execute"
	IntentTest     Intent = "test"
	IntentTDD      Intent = "tdd"
	IntentReview   Intent = "review"
	IntentFeedback Intent = "feedback"
	IntentHelp     Intent = "help"
	IntentStatus   Intent = "status"
	IntentAdmin    Intent = "admin"
	IntentGeneral  Intent = "general"

	// IntentUnknown is the zero-ish parse result; the router replaces it
	// with IntentGeneral before dispatch.
	IntentUnknown Intent = ""
)

var knownIntents = map[Intent]bool{
	IntentPlan:     true,
	IntentExecute:  true,
	IntentTest:     true,
	IntentTDD:      true,
	IntentReview:   true,
	IntentFeedback: true,
	IntentHelp:     true,
	IntentStatus:   true,
	IntentAdmin:    true,
	IntentGeneral:  true,
}

// ParseIntent maps a stored string back to an Intent. Unknown strings
// return IntentUnknown rather than an error; callers decide how strict
// to be.
func ParseIntent(s string) Intent {
	if knownIntents[Intent(s)] {
		return Intent(s)
	}
	return IntentUnknown
}

// Known reports whether the intent is a member of the closed set.
func (i Intent) Known() bool { return knownIntents[i] }

func (i Intent) String() string { return string(i) }

// RouteOrigin records which routing stage produced a decision.
type RouteOrigin string

const (
	OriginTrigger  RouteOrigin = "trigger"
	OriginKeyword  RouteOrigin = "keyword"
	OriginPattern  RouteOrigin = "pattern"
	OriginFallback RouteOrigin = "fallback"
)

// RoutingDecision is the router's verdict for one request.
type RoutingDecision struct {
	Intent         Intent      `json:"intent"`
	Agent          string      `json:"agent"`
	Confidence     float64     `json:"confidence"`
	Origin         RouteOrigin `json:"origin"`
	PatternID      string      `json:"pattern_id,omitempty"`
	SuggestConfirm bool        `json:"suggest_confirm,omitempty"`
	Bundle         *ContextBundle
}

// ContextBundle carries the recalled context handed to an agent. Its
// assembly is bounded by the configured token budget; TokensUsed records
// the final cost so callers can see how close to the ceiling they ran.
type ContextBundle struct {
	Turns      []BundleTurn    `json:"turns,omitempty"`
	Patterns   []BundlePattern `json:"patterns,omitempty"`
	Metrics    []BundleMetric  `json:"metrics,omitempty"`
	Insights   []BundleInsight `json:"insights,omitempty"`
	TokensUsed int             `json:"tokens_used"`
	Warnings   []string        `json:"warnings,omitempty"`
}

// BundleTurn is one recalled conversation turn.
type BundleTurn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// BundlePattern is a recalled routing pattern with its live confidence.
type BundlePattern struct {
	ID         string  `json:"id"`
	Intent     Intent  `json:"intent"`
	Trigger    string  `json:"trigger"`
	Confidence float64 `json:"confidence"`
}

// BundleMetric is one development-context metric snapshot entry.
type BundleMetric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// BundleInsight is a recalled validation insight.
type BundleInsight struct {
	Category string `json:"category"`
	Insight  string `json:"insight"`
	Impact   string `json:"impact"`
}

// Request is the parsed inbound request flowing through the dispatcher.
type Request struct {
	TraceID     string           `json:"trace_id"`
	RawText     string           `json:"raw_text"`
	SessionHint string           `json:"session_hint,omitempty"`
	Namespace   string           `json:"namespace,omitempty"`
	Decision    *RoutingDecision `json:"decision,omitempty"`
	ReceivedAt  time.Time        `json:"received_at"`
}

// Agent is the contract every operation handler implements. Execute
// must honor ctx cancellation and report planned side effects on the
// result rather than committing protected writes itself.
type Agent interface {
	Name() string
	CanHandle(intent Intent) bool
	Execute(ctx context.Context, req *Request) (*AgentResult, error)
}

// AgentResult is what an agent hands back to the dispatcher.
type AgentResult struct {
	Content       string            `json:"content"`
	TemplateHint  string            `json:"template_hint,omitempty"`
	Substitutions map[string]string `json:"substitutions,omitempty"`
	Effects       []Effect          `json:"effects,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// EffectClass partitions planned side effects for protection checks.
type EffectClass string

const (
	EffectFileWrite    EffectClass = "file_write"
	EffectTier1Write   EffectClass = "tier1_write"
	EffectTier2Write   EffectClass = "tier2_write"
	EffectTier3Write   EffectClass = "tier3_write"
	EffectEventEmit    EffectClass = "event_emit"
	EffectGitCommand   EffectClass = "git_command"
	EffectMemoryDelete EffectClass = "memory_delete"
)

// Effect describes one side effect an agent intends, declared before
// emission so the protection kernel can veto it.
type Effect struct {
	Class   EffectClass `json:"class"`
	Path    string      `json:"path,omitempty"`    // file or table target
	Summary string      `json:"summary,omitempty"` // human-readable one-liner
	Delta   float64     `json:"delta,omitempty"`   // confidence delta for tier2 writes
	Support int         `json:"support,omitempty"` // supporting outcomes behind Delta
}

// ResponseEnvelope is the single outbound shape of the engine.
type ResponseEnvelope struct {
	TraceID    string        `json:"trace_id"`
	Text       string        `json:"text"`
	Intent     Intent        `json:"intent"`
	Agent      string        `json:"agent"`
	TemplateID string        `json:"template_id,omitempty"`
	Blocked    bool          `json:"blocked,omitempty"`
	BlockedBy  string        `json:"blocked_by,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Effects    []Effect      `json:"effects,omitempty"`
	Duration   time.Duration `json:"duration"`
}
