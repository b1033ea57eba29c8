package config

import (
	"os"
	"strconv"
	"strings"

	"cortex/internal/types"
)

// applyEnvOverrides applies CORTEX_* environment variables over the
// loaded configuration. Malformed values are configuration errors, not
// silent fallbacks.
func (c *Config) applyEnvOverrides() error {
	if dir := os.Getenv("CORTEX_BRAIN_DIR"); dir != "" {
		c.BrainDir = dir
	}

	if err := overrideInt("CORTEX_CAPACITY_TIER1", &c.Memory.CapacityTier1); err != nil {
		return err
	}
	if err := overrideInt("CORTEX_REQUEST_DEADLINE_MS", &c.RequestDeadlineMS); err != nil {
		return err
	}
	if err := overrideInt("CORTEX_LEARNING_THRESHOLD", &c.Learning.Threshold); err != nil {
		return err
	}
	if err := overrideInt("CORTEX_TOKEN_BUDGET", &c.Routing.TokenBudget); err != nil {
		return err
	}
	if err := overrideInt("CORTEX_ACTIVITY_WINDOW_MIN", &c.Memory.ActivityWindowMin); err != nil {
		return err
	}
	if err := overrideInt("CORTEX_CACHE_TTL_DAYS", &c.Memory.CacheTTLDays); err != nil {
		return err
	}

	if raw := os.Getenv("CORTEX_DECAY_DAYS"); raw != "" {
		days, err := parseDecayDays(raw)
		if err != nil {
			return err
		}
		c.Memory.DecayDays = days
	}

	if level := os.Getenv("CORTEX_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Gateway.APIKey = key
	}
	return nil
}

func overrideInt(env string, dst *int) error {
	raw := os.Getenv(env)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return types.Errorf(types.KindConfigurationError, "%s=%q is not an integer", env, raw)
	}
	*dst = n
	return nil
}

// parseDecayDays parses "60,90,120,180" into the four ascending
// thresholds.
func parseDecayDays(raw string) ([4]int, error) {
	var days [4]int
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return days, types.Errorf(types.KindConfigurationError,
			"CORTEX_DECAY_DAYS needs exactly 4 comma-separated values, got %q", raw)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return days, types.Errorf(types.KindConfigurationError,
				"CORTEX_DECAY_DAYS value %q is not an integer", p)
		}
		days[i] = n
	}
	return days, nil
}
