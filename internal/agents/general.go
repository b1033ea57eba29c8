package agents

import (
	"context"
	"fmt"
	"strings"

	"cortex/internal/logging"
	"cortex/internal/types"
)

const generalSystemPrompt = "You are a careful pair-programming assistant. " +
	"Answer the request directly and state your assumptions."

// General is the fallback agent: it answers through the language-model
// gateway (the static client when offline) with any recalled context
// prepended.
type General struct {
	deps Deps
}

func (a *General) Name() string { return "general" }

func (a *General) CanHandle(intent types.Intent) bool { return true }

func (a *General) Execute(ctx context.Context, req *types.Request) (*types.AgentResult, error) {
	prompt := req.RawText
	if bundle := bundleOf(req); bundle != nil && len(bundle.Turns) > 0 {
		var b strings.Builder
		b.WriteString("Recent conversation:\n")
		for _, turn := range bundle.Turns {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
		b.WriteString("\nCurrent request: ")
		b.WriteString(req.RawText)
		prompt = b.String()
	}

	content, err := a.deps.Gateway.Complete(ctx, generalSystemPrompt, prompt)
	if err != nil {
		logging.Get(logging.CategoryAgents).Warn("gateway completion failed: %v", err)
		return nil, types.NewError(types.KindAgentFailed, "general completion", err)
	}

	return &types.AgentResult{
		Content:  content,
		Metadata: map[string]string{"gateway": a.deps.Gateway.Name()},
	}, nil
}

func bundleOf(req *types.Request) *types.ContextBundle {
	if req.Decision == nil {
		return nil
	}
	return req.Decision.Bundle
}
