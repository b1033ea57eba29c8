package agents

import (
	"context"
	"fmt"
	"strings"

	"cortex/internal/types"
)

// Status reports tier statistics and the telemetry snapshot.
type Status struct {
	deps Deps
}

func (a *Status) Name() string { return "status" }

func (a *Status) CanHandle(intent types.Intent) bool { return intent == types.IntentStatus }

func (a *Status) Execute(ctx context.Context, _ *types.Request) (*types.AgentResult, error) {
	var b strings.Builder
	b.WriteString("| Tier | Statistic | Value |\n|------|-----------|-------|\n")

	if a.deps.Tier1 != nil {
		if count, err := a.deps.Tier1.ConversationCount(ctx); err == nil {
			fmt.Fprintf(&b, "| 1 | conversations | %d / %d |\n", count, a.deps.Tier1.Capacity())
		} else {
			b.WriteString("| 1 | conversations | degraded |\n")
		}
	}
	if a.deps.Tier2 != nil {
		if count, err := a.deps.Tier2.PatternCount(ctx); err == nil {
			fmt.Fprintf(&b, "| 2 | patterns | %d |\n", count)
		} else {
			b.WriteString("| 2 | patterns | degraded |\n")
		}
		if minutes, err := a.deps.Tier2.TotalInsightCostMinutes(ctx); err == nil && minutes > 0 {
			fmt.Fprintf(&b, "| 2 | insight time cost (min) | %.0f |\n", minutes)
		}
	}
	if a.deps.Events != nil {
		if counts, err := a.deps.Events.CountByKind(ctx); err == nil {
			total := 0
			for _, n := range counts {
				total += n
			}
			fmt.Fprintf(&b, "| events | total | %d |\n", total)
		} else {
			b.WriteString("| events | total | degraded |\n")
		}
	}

	if a.deps.Metrics != nil {
		lines := a.deps.Metrics.Snapshot()
		if len(lines) > 0 {
			b.WriteString("\nTelemetry:\n")
			for _, line := range lines {
				if line.Labels != "" {
					fmt.Fprintf(&b, "- %s{%s} = %g\n", line.Name, line.Labels, line.Value)
				} else {
					fmt.Fprintf(&b, "- %s = %g\n", line.Name, line.Value)
				}
			}
		}
	}

	return &types.AgentResult{
		Content:  b.String(),
		Metadata: map[string]string{"next_steps": "Run `maintain` if decay or consolidation is overdue."},
	}, nil
}
