// Package gateway holds the language-model collaborator boundary. The
// engine talks to the model through the Client interface only; a
// deterministic static client backs offline operation and tests, and a
// Gemini client is constructed when an API key is configured.
package gateway

import (
	"context"
	"strings"

	"cortex/internal/logging"
)

// Client completes a prompt. Implementations must honor ctx deadlines.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Name() string
}

// StaticClient is the offline default: a deterministic responder that
// reflects the prompt back in a summarised form. Keeping it
// deterministic keeps end-to-end tests stable.
type StaticClient struct{}

// NewStatic returns the offline client.
func NewStatic() *StaticClient { return &StaticClient{} }

func (s *StaticClient) Name() string { return "static" }

// Complete produces a canned summary of the user prompt.
func (s *StaticClient) Complete(_ context.Context, _ string, user string) (string, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return "Nothing to respond to.", nil
	}
	const maxEcho = 400
	if len(user) > maxEcho {
		user = user[:maxEcho] + "…"
	}
	logging.GatewayDebug("static completion for %d byte prompt", len(user))
	return user, nil
}
