package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cortex/internal/types"
)

// Feedback captures user feedback as a report artifact under reports/
// and declares the write plus a feedback_recorded event as effects.
type Feedback struct {
	deps Deps
}

func (a *Feedback) Name() string { return "feedback" }

func (a *Feedback) CanHandle(intent types.Intent) bool { return intent == types.IntentFeedback }

func (a *Feedback) Execute(ctx context.Context, req *types.Request) (*types.AgentResult, error) {
	payload := req.RawText
	if idx := strings.Index(strings.ToLower(payload), "feedback:"); idx >= 0 {
		payload = strings.TrimSpace(payload[idx+len("feedback:"):])
	}
	if payload == "" {
		payload = "(no feedback text provided)"
	}

	now := time.Now().UTC()
	report := fmt.Sprintf("# Feedback\n\nRecorded: %s\nTrace: %s\n\n## Content\n\n%s\n",
		now.Format(time.RFC3339), req.TraceID, payload)

	name := fmt.Sprintf("feedback-%s.md", now.Format("20060102-150405"))
	path, err := a.deps.Writer.WriteArtifact(ctx, "reports", name, report)
	if err != nil {
		return nil, types.NewError(types.KindAgentFailed, "write feedback report", err)
	}

	effects := []types.Effect{
		{Class: types.EffectFileWrite, Path: path, Summary: "feedback report"},
		{Class: types.EffectEventEmit, Path: string(types.EventFeedbackRecorded), Summary: payload},
	}
	if isCorrection(payload) {
		effects = append(effects, types.Effect{
			Class: types.EffectEventEmit, Path: string(types.EventUserCorrected), Summary: payload,
		})
	}

	return &types.AgentResult{
		Content: fmt.Sprintf("Feedback recorded at `%s`. Thank you; it feeds the next learning run.", path),
		Effects: effects,
		Metadata: map[string]string{
			"report_path": path,
			"next_steps":  "Nothing required; the feedback is stored and will be considered by the learning pipeline.",
		},
	}, nil
}

var correctionMarkers = []string{"wrong", "incorrect", "actually", "should have", "not what i", "mistake"}

// isCorrection spots feedback that corrects a prior response, so the
// learning pipeline records it as a mistake to prevent.
func isCorrection(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range correctionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
