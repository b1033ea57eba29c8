package config

import "time"

// GatewayConfig configures the optional language-model collaborator.
// With no API key the engine runs fully offline on the static client.
type GatewayConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func defaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Model:     "gemini-2.5-flash",
		TimeoutMS: 30000,
	}
}

// Enabled reports whether a live client should be constructed.
func (g GatewayConfig) Enabled() bool { return g.APIKey != "" }

// Timeout returns the per-call deadline.
func (g GatewayConfig) Timeout() time.Duration {
	if g.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.TimeoutMS) * time.Millisecond
}
