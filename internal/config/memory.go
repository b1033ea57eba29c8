package config

import (
	"time"

	"cortex/internal/types"
)

// MemoryConfig tunes the storage tiers.
type MemoryConfig struct {
	// CapacityTier1 is the working-memory conversation ceiling. The
	// eviction check runs after every append.
	CapacityTier1 int `yaml:"capacity_tier1"`

	// ActivityWindowMin protects the conversation appended to within
	// this many minutes from eviction.
	ActivityWindowMin int `yaml:"activity_window_min"`

	// DecayDays are the four aging thresholds, ascending: soft decay,
	// hard decay, delete-candidate, delete.
	DecayDays [4]int `yaml:"decay_days,flow"`

	// CacheTTLDays is the default tier-3 analysis cache lifetime.
	CacheTTLDays int `yaml:"cache_ttl_days"`
}

func defaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		CapacityTier1:     70,
		ActivityWindowMin: 30,
		DecayDays:         [4]int{60, 90, 120, 180},
		CacheTTLDays:      30,
	}
}

func (m MemoryConfig) validate() error {
	if m.CapacityTier1 < 1 {
		return types.Errorf(types.KindConfigurationError, "capacity_tier1 must be >= 1, got %d", m.CapacityTier1)
	}
	for i := 1; i < len(m.DecayDays); i++ {
		if m.DecayDays[i] <= m.DecayDays[i-1] {
			return types.Errorf(types.KindConfigurationError, "decay_days must be strictly ascending, got %v", m.DecayDays)
		}
	}
	if m.DecayDays[0] < 1 {
		return types.Errorf(types.KindConfigurationError, "decay_days must be positive, got %v", m.DecayDays)
	}
	return nil
}

// ActivityWindow returns the eviction-immunity window as a duration.
func (m MemoryConfig) ActivityWindow() time.Duration {
	return time.Duration(m.ActivityWindowMin) * time.Minute
}

// CacheTTL returns the tier-3 cache lifetime as a duration.
func (m MemoryConfig) CacheTTL() time.Duration {
	return time.Duration(m.CacheTTLDays) * 24 * time.Hour
}
