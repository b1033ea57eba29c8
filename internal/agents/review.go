package agents

import (
	"context"
	"fmt"
	"strings"

	"cortex/internal/types"
)

var reviewChecklist = []string{
	"Correctness: does the change do what it claims, including error paths?",
	"Tests: do new behaviors carry tests, and do they fail without the change?",
	"Boundaries: are inputs validated where they enter the system?",
	"Concurrency: are shared structures guarded or confined?",
	"Naming: do names say what things are, not how they are built?",
}

// Review renders a review checklist, enriched with validation insights
// recalled for this request: past failure modes outrank generic advice.
type Review struct {
	deps Deps
}

func (a *Review) Name() string { return "review" }

func (a *Review) CanHandle(intent types.Intent) bool { return intent == types.IntentReview }

func (a *Review) Execute(_ context.Context, req *types.Request) (*types.AgentResult, error) {
	var b strings.Builder

	if bundle := bundleOf(req); bundle != nil && len(bundle.Insights) > 0 {
		b.WriteString("Lessons from past validation failures (check these first):\n")
		for _, insight := range bundle.Insights {
			fmt.Fprintf(&b, "- [%s] %s\n", insight.Impact, insight.Insight)
		}
		b.WriteString("\n")
	}

	b.WriteString("Checklist:\n")
	for _, item := range reviewChecklist {
		fmt.Fprintf(&b, "- [ ] %s\n", item)
	}

	return &types.AgentResult{
		Content:  b.String(),
		Metadata: map[string]string{"next_steps": "Work the checklist top to bottom; record any new failure mode as feedback."},
	}, nil
}
