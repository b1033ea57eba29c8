package agents

import (
	"context"
	"fmt"
	"strings"

	"cortex/internal/types"
)

// Help renders the capability table from the operation registry, so
// the answer is always in sync with what is actually registered.
type Help struct {
	deps Deps
}

func (a *Help) Name() string { return "help" }

func (a *Help) CanHandle(intent types.Intent) bool { return intent == types.IntentHelp }

func (a *Help) Execute(_ context.Context, _ *types.Request) (*types.AgentResult, error) {
	var b strings.Builder
	b.WriteString("| Operation | Triggers | Intents |\n")
	b.WriteString("|-----------|----------|---------|\n")
	for _, op := range a.deps.Registry.Operations() {
		intents := make([]string, 0, len(op.Intents))
		for _, intent := range op.Intents {
			intents = append(intents, intent.String())
		}
		triggers := strings.Join(op.Triggers, ", ")
		if triggers == "" {
			triggers = "(none)"
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", op.Name, triggers, strings.Join(intents, ", "))
	}

	return &types.AgentResult{
		Content:      b.String(),
		TemplateHint: "help_table",
		Substitutions: map[string]string{
			"understanding": "You asked what this engine can do.",
			"next_steps":    "Phrase a request using one of the triggers above, or just describe what you need.",
		},
	}, nil
}
