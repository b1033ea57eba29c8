package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"cortex/internal/types"
)

// planSections are drafted concurrently through the gateway and joined
// before the agent returns.
var planSections = []string{"Objectives", "Milestones", "Risks"}

// Plan produces a structured plan scaffold. Vague requests arrive with
// a challenge_low_dor warning already attached by the protection
// kernel; the plan itself is written under planning/ only.
type Plan struct {
	deps Deps
}

func (a *Plan) Name() string { return "plan" }

func (a *Plan) CanHandle(intent types.Intent) bool { return intent == types.IntentPlan }

func (a *Plan) Execute(ctx context.Context, req *types.Request) (*types.AgentResult, error) {
	drafts := make([]string, len(planSections))

	g, gctx := errgroup.WithContext(ctx)
	for i, section := range planSections {
		g.Go(func() error {
			prompt := fmt.Sprintf("Draft the %q section of a plan for: %s", section, req.RawText)
			draft, err := a.deps.Gateway.Complete(gctx, generalSystemPrompt, prompt)
			if err != nil {
				return fmt.Errorf("draft %s: %w", section, err)
			}
			drafts[i] = draft
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, types.NewError(types.KindAgentFailed, "plan drafting", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Plan: %s\n", req.RawText)
	for i, section := range planSections {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", section, drafts[i])
	}

	name := fmt.Sprintf("plan-%s.md", time.Now().UTC().Format("20060102-150405"))
	path, err := a.deps.Writer.WriteArtifact(ctx, "planning", name, b.String())
	if err != nil {
		return nil, types.NewError(types.KindAgentFailed, "write plan artifact", err)
	}

	return &types.AgentResult{
		Content: fmt.Sprintf("Plan scaffold written to `%s`.\n\n%s", path, b.String()),
		Effects: []types.Effect{
			{Class: types.EffectFileWrite, Path: path, Summary: "plan scaffold"},
		},
		Metadata: map[string]string{
			"plan_path":  path,
			"next_steps": "Review the scaffold, then ask for execution of the first milestone.",
		},
	}, nil
}
