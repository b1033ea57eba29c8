package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cortex/internal/types"
)

// Admin handles retention, export and archive requests. It never
// hard-deletes tier 1 or tier 2 data: deletion requests declare a
// memory_delete effect so the protection kernel refuses them with the
// standard alternatives.
type Admin struct {
	deps Deps
}

func (a *Admin) Name() string { return "admin" }

func (a *Admin) CanHandle(intent types.Intent) bool { return intent == types.IntentAdmin }

func (a *Admin) Execute(ctx context.Context, req *types.Request) (*types.AgentResult, error) {
	text := strings.ToLower(req.RawText)

	switch {
	case strings.Contains(text, "archive") || strings.Contains(text, "export"):
		return a.archive(ctx, req)
	case strings.Contains(text, "retention"):
		return a.retention()
	case strings.Contains(text, "delete") || strings.Contains(text, "wipe") || strings.Contains(text, "clear"):
		// Declared, not performed. Pre-emit protection turns this into
		// a structured refusal with the safe alternatives.
		return &types.AgentResult{
			Content: "Deletion of core memory is not performed directly.",
			Effects: []types.Effect{
				{Class: types.EffectMemoryDelete, Path: "tier1", Summary: "requested memory deletion"},
			},
		}, nil
	default:
		return &types.AgentResult{
			Content: "Administrative operations: archive, export, retention.",
			Metadata: map[string]string{
				"next_steps": "Say e.g. \"archive old conversations\" or \"set retention\".",
			},
		}, nil
	}
}

// archive writes a conversation capture instead of deleting anything.
func (a *Admin) archive(ctx context.Context, req *types.Request) (*types.AgentResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation archive\n\nCaptured: %s\n\n", time.Now().UTC().Format(time.RFC3339))

	count := 0
	if a.deps.Tier1 != nil {
		turns, err := a.deps.Tier1.RecentTurns(ctx, "", 50)
		if err != nil {
			return nil, types.NewError(types.KindAgentFailed, "read working memory", err)
		}
		for _, turn := range turns {
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", turn.Role, turn.CreatedAt.Format(time.RFC3339), turn.Content)
			count++
		}
	}

	name := fmt.Sprintf("capture-%s.md", time.Now().UTC().Format("20060102-150405"))
	path, err := a.deps.Writer.WriteArtifact(ctx, "conversation-captures", name, b.String())
	if err != nil {
		return nil, types.NewError(types.KindAgentFailed, "write capture", err)
	}

	return &types.AgentResult{
		Content: fmt.Sprintf("Archived %d turns to `%s`. Nothing was deleted.", count, path),
		Effects: []types.Effect{
			{Class: types.EffectFileWrite, Path: path, Summary: "conversation capture"},
		},
		Metadata: map[string]string{"next_steps": "Verify the capture, then adjust retention if storage is a concern."},
	}, nil
}

func (a *Admin) retention() (*types.AgentResult, error) {
	cfg := a.deps.Cfg
	return &types.AgentResult{
		Content: fmt.Sprintf(
			"Current retention: tier-1 capacity %d conversations (FIFO eviction, active conversation immune); "+
				"knowledge decays at %v days; tier-3 caches expire after %d days.",
			cfg.Memory.CapacityTier1, cfg.Memory.DecayDays, cfg.Memory.CacheTTLDays),
		Metadata: map[string]string{"next_steps": "Override with CORTEX_CAPACITY_TIER1 / CORTEX_DECAY_DAYS and restart."},
	}, nil
}
