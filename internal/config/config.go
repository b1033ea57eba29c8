// Package config loads engine configuration from YAML with environment
// overrides. Precedence: flags (applied by cmd) > CORTEX_* environment
// variables > config file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"cortex/internal/types"
)

// Config holds all engine configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// BrainDir is the root directory for the tier databases, the event
	// log and workspace artifacts.
	BrainDir string `yaml:"brain_dir"`

	// RequestDeadlineMS bounds one dispatch end to end.
	RequestDeadlineMS int `yaml:"request_deadline_ms"`

	Memory     MemoryConfig     `yaml:"memory"`
	Routing    RoutingConfig    `yaml:"routing"`
	Protection ProtectionConfig `yaml:"protection"`
	Learning   LearningConfig   `yaml:"learning"`
	Templates  TemplatesConfig  `yaml:"templates"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoggingConfig configures the zap backend.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	File    string `yaml:"file"`
}

// DefaultConfig returns the built-in defaults. Every tunable the engine
// reads has a value here; Load never returns a partially zero config.
func DefaultConfig() *Config {
	return &Config{
		Name:              "cortex",
		Version:           "0.4.0",
		BrainDir:          ".cortex",
		RequestDeadlineMS: 60000,
		Memory:            defaultMemoryConfig(),
		Routing:           defaultRoutingConfig(),
		Protection:        defaultProtectionConfig(),
		Learning:          defaultLearningConfig(),
		Templates:         defaultTemplatesConfig(),
		Gateway:           defaultGatewayConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// when the file is absent, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, types.NewError(types.KindConfigurationError, "read config", err)
		}
		// Missing file is fine; defaults apply.
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, types.NewError(types.KindConfigurationError, "parse config", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.BrainDir == "" {
		return types.Errorf(types.KindConfigurationError, "brain_dir must not be empty")
	}
	if c.RequestDeadlineMS <= 0 {
		return types.Errorf(types.KindConfigurationError, "request_deadline_ms must be positive, got %d", c.RequestDeadlineMS)
	}
	if err := c.Memory.validate(); err != nil {
		return err
	}
	if err := c.Routing.validate(); err != nil {
		return err
	}
	return c.Learning.validate()
}

// TierPath returns the database path for one of the brain files
// (tier1.db, tier2.db, tier3.db, events.db).
func (c *Config) TierPath(file string) string {
	return filepath.Join(c.BrainDir, file)
}
