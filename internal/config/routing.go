package config

import "cortex/internal/types"

// RoutingConfig tunes the intent router and context bundle assembly.
type RoutingConfig struct {
	// AutoThreshold is the pattern score at or above which a pattern
	// routes without confirmation.
	AutoThreshold float64 `yaml:"auto_threshold"`

	// ConfirmThreshold is the lower bound of the suggest-and-confirm
	// band. Scores below it fall through to the next stage.
	ConfirmThreshold float64 `yaml:"confirm_threshold"`

	// OverlapThreshold is the minimum token overlap for a trigger to
	// count as a fuzzy match at all.
	OverlapThreshold float64 `yaml:"overlap_threshold"`

	// TokenBudget bounds the context bundle (whitespace-delimited
	// atoms).
	TokenBudget int `yaml:"token_budget"`

	// BundleTurns / BundlePatterns cap recalled context per source.
	BundleTurns    int `yaml:"bundle_turns"`
	BundlePatterns int `yaml:"bundle_patterns"`

	// Keywords maps an intent to its scan vocabulary. Empty uses the
	// built-in table.
	Keywords map[string][]string `yaml:"keywords,omitempty"`
}

func defaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		AutoThreshold:    0.85,
		ConfirmThreshold: 0.70,
		OverlapThreshold: 0.50,
		TokenBudget:      600,
		BundleTurns:      5,
		BundlePatterns:   3,
	}
}

func (r RoutingConfig) validate() error {
	if r.ConfirmThreshold >= r.AutoThreshold {
		return types.Errorf(types.KindConfigurationError,
			"confirm_threshold %.2f must be below auto_threshold %.2f", r.ConfirmThreshold, r.AutoThreshold)
	}
	if r.AutoThreshold > 1 || r.ConfirmThreshold < 0 {
		return types.Errorf(types.KindConfigurationError,
			"routing thresholds out of range: auto=%.2f confirm=%.2f", r.AutoThreshold, r.ConfirmThreshold)
	}
	if r.TokenBudget < 1 {
		return types.Errorf(types.KindConfigurationError, "token_budget must be >= 1, got %d", r.TokenBudget)
	}
	return nil
}
