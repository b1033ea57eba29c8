package agents

import (
	"context"
	"fmt"
	"strings"

	"cortex/internal/types"
)

// Execute produces an execution brief. The editor collaborator applies
// the actual code edits; this agent declares the files it expects to be
// touched as file_edited events so the knowledge graph learns
// co-modification relationships.
type Execute struct {
	deps Deps
}

func (a *Execute) Name() string { return "execute" }

func (a *Execute) CanHandle(intent types.Intent) bool { return intent == types.IntentExecute }

func (a *Execute) Execute(ctx context.Context, req *types.Request) (*types.AgentResult, error) {
	brief, err := a.deps.Gateway.Complete(ctx, generalSystemPrompt,
		"Write a short execution brief (steps, files likely touched, verification) for: "+req.RawText)
	if err != nil {
		return nil, types.NewError(types.KindAgentFailed, "execution brief", err)
	}

	var effects []types.Effect
	for _, path := range extractPaths(req.RawText) {
		effects = append(effects, types.Effect{
			Class:   types.EffectEventEmit,
			Path:    string(types.EventFileEdited),
			Summary: path,
		})
	}

	related := a.relatedFiles(ctx, req.RawText)
	content := brief
	if related != "" {
		content += "\n\nFiles that historically change together with these:\n" + related
	}

	return &types.AgentResult{
		Content: content,
		Effects: effects,
		Metadata: map[string]string{
			"next_steps": "Apply the brief in the editor; edited files feed back into the knowledge graph.",
		},
	}, nil
}

// extractPaths pulls path-looking tokens out of the request text.
func extractPaths(text string) []string {
	var paths []string
	for _, token := range strings.Fields(text) {
		token = strings.Trim(token, ".,;:`'\"()")
		if strings.ContainsRune(token, '/') && strings.ContainsRune(token, '.') {
			paths = append(paths, token)
		}
	}
	return paths
}

func (a *Execute) relatedFiles(ctx context.Context, text string) string {
	if a.deps.Tier2 == nil {
		return ""
	}
	var b strings.Builder
	for _, path := range extractPaths(text) {
		relations, err := a.deps.Tier2.RelationsFor(ctx, path, 3)
		if err != nil {
			continue
		}
		for _, rel := range relations {
			other := rel.FileA
			if other == path {
				other = rel.FileB
			}
			fmt.Fprintf(&b, "- %s (%s, co-modification %.0f%%)\n", other, rel.RelationshipType, rel.Rate*100)
		}
	}
	return b.String()
}
