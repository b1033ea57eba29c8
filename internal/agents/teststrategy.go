package agents

import (
	"context"
	"strings"

	"cortex/internal/types"
)

// TestStrategy produces a test strategy for the request; in tdd mode it
// frames the strategy as a red/green/refactor loop.
type TestStrategy struct {
	deps Deps
	tdd  bool
}

func (a *TestStrategy) Name() string {
	if a.tdd {
		return "tdd"
	}
	return "test"
}

func (a *TestStrategy) CanHandle(intent types.Intent) bool {
	if a.tdd {
		return intent == types.IntentTDD
	}
	return intent == types.IntentTest
}

func (a *TestStrategy) Execute(ctx context.Context, req *types.Request) (*types.AgentResult, error) {
	prompt := "Outline a test strategy (units, boundaries, fixtures, what not to test) for: " + req.RawText
	if a.tdd {
		prompt = "Outline a strict TDD loop for: " + req.RawText
	}

	strategy, err := a.deps.Gateway.Complete(ctx, generalSystemPrompt, prompt)
	if err != nil {
		return nil, types.NewError(types.KindAgentFailed, "test strategy", err)
	}

	var b strings.Builder
	if a.tdd {
		b.WriteString("Work the loop one behavior at a time:\n")
		b.WriteString("1. **Red**: write the smallest failing test.\n")
		b.WriteString("2. **Green**: make it pass with the least code.\n")
		b.WriteString("3. **Refactor**: clean up with the test as a net.\n\n")
	}
	b.WriteString(strategy)

	next := "Start with the highest-risk boundary case."
	if a.tdd {
		next = "Write the first failing test before touching production code."
	}

	return &types.AgentResult{
		Content:  b.String(),
		Metadata: map[string]string{"next_steps": next},
	}, nil
}
