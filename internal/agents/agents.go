// Package agents holds the built-in operation handlers. Every agent
// implements types.Agent, receives its collaborators through Deps and
// reports intended side effects on the result instead of committing
// protected writes itself; the dispatcher commits effects only after
// the pre-emit protection check passes.
package agents

import (
	"cortex/internal/config"
	"cortex/internal/gateway"
	"cortex/internal/registry"
	"cortex/internal/store"
	"cortex/internal/telemetry"
	"cortex/internal/types"
	"cortex/internal/workspace"
)

// Deps carries the collaborators agents are constructed with.
type Deps struct {
	Gateway  gateway.Client
	Writer   *workspace.Writer
	Git      workspace.Git
	Tier1    *store.Tier1Store
	Tier2    *store.Tier2Store
	Tier3    *store.Tier3Store
	Events   *store.EventLog
	Registry *registry.Registry
	Metrics  *telemetry.Metrics
	Cfg      *config.Config
}

// RegisterAll registers every built-in operation. Trigger conflicts
// surface here at startup as configuration errors.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	operations := []registry.Operation{
		{
			ID:          "general",
			Name:        "General assistant",
			Intents:     []types.Intent{types.IntentGeneral},
			Constructor: func() types.Agent { return &General{deps: deps} },
		},
		{
			ID:          "help",
			Name:        "Capability overview",
			Triggers:    []string{"help", "what can you do"},
			Intents:     []types.Intent{types.IntentHelp},
			Constructor: func() types.Agent { return &Help{deps: deps} },
		},
		{
			ID:          "feedback",
			Name:        "Feedback capture",
			Triggers:    []string{"feedback"},
			Intents:     []types.Intent{types.IntentFeedback},
			SideEffects: []types.EffectClass{types.EffectFileWrite, types.EffectEventEmit},
			Constructor: func() types.Agent { return &Feedback{deps: deps} },
		},
		{
			ID:          "plan",
			Name:        "Planning scaffold",
			Intents:     []types.Intent{types.IntentPlan},
			SideEffects: []types.EffectClass{types.EffectFileWrite},
			Constructor: func() types.Agent { return &Plan{deps: deps} },
		},
		{
			ID:          "execute",
			Name:        "Execution brief",
			Intents:     []types.Intent{types.IntentExecute},
			SideEffects: []types.EffectClass{types.EffectEventEmit},
			Constructor: func() types.Agent { return &Execute{deps: deps} },
		},
		{
			ID:          "test",
			Name:        "Test strategy",
			Intents:     []types.Intent{types.IntentTest},
			Constructor: func() types.Agent { return &TestStrategy{deps: deps, tdd: false} },
		},
		{
			ID:          "tdd",
			Name:        "TDD loop",
			Triggers:    []string{"tdd"},
			Intents:     []types.Intent{types.IntentTDD},
			Constructor: func() types.Agent { return &TestStrategy{deps: deps, tdd: true} },
		},
		{
			ID:          "review",
			Name:        "Review checklist",
			Intents:     []types.Intent{types.IntentReview},
			Constructor: func() types.Agent { return &Review{deps: deps} },
		},
		{
			ID:          "status",
			Name:        "Engine status",
			Triggers:    []string{"status"},
			Intents:     []types.Intent{types.IntentStatus},
			Constructor: func() types.Agent { return &Status{deps: deps} },
		},
		{
			ID:          "admin",
			Name:        "Memory administration",
			Intents:     []types.Intent{types.IntentAdmin},
			SideEffects: []types.EffectClass{types.EffectFileWrite, types.EffectMemoryDelete},
			Constructor: func() types.Agent { return &Admin{deps: deps} },
		},
	}

	for _, op := range operations {
		if err := reg.Register(op); err != nil {
			return err
		}
	}
	return nil
}
