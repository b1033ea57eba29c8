package gateway

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"cortex/internal/logging"
)

// GeminiClient talks to the Gemini API through the genai SDK. It is
// constructed only when an API key is configured; the engine otherwise
// runs on the static client.
type GeminiClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini builds a live client.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: client, model: model, timeout: timeout}, nil
}

func (g *GeminiClient) Name() string { return "gemini:" + g.model }

// Complete runs one generation call under the client timeout (the
// request deadline still applies if it is tighter).
func (g *GeminiClient) Complete(ctx context.Context, system, user string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	timer := logging.StartTimer(logging.CategoryGateway, "Gemini.Complete")
	defer timer.Stop()

	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}

	contents := []*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty completion")
	}
	return text, nil
}
