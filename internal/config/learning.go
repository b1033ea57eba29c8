package config

import (
	"time"

	"cortex/internal/types"
)

// LearningConfig tunes the event-consuming learning pipeline.
type LearningConfig struct {
	// Threshold triggers a run once this many events are pending.
	Threshold int `yaml:"threshold"`

	// AgePendingMin / AgeMaxHours trigger a run when the oldest pending
	// event is older than AgeMaxHours and at least AgePendingMin events
	// wait.
	AgePendingMin int `yaml:"age_pending_min"`
	AgeMaxHours   int `yaml:"age_max_hours"`

	// MinExamples is the distinct-example floor before a candidate
	// becomes a stored pattern.
	MinExamples int `yaml:"min_examples"`

	// BatchSize caps events consumed per run.
	BatchSize int `yaml:"batch_size"`

	// ConsolidationSimilarity is the Jaccard threshold for merging
	// near-duplicate patterns.
	ConsolidationSimilarity float64 `yaml:"consolidation_similarity"`

	// MaintenanceIntervalHours spaces decay/consolidation passes.
	MaintenanceIntervalHours int `yaml:"maintenance_interval_hours"`

	// TickSeconds is the pipeline wake interval.
	TickSeconds int `yaml:"tick_seconds"`
}

func defaultLearningConfig() LearningConfig {
	return LearningConfig{
		Threshold:                50,
		AgePendingMin:            10,
		AgeMaxHours:              24,
		MinExamples:              3,
		BatchSize:                200,
		ConsolidationSimilarity:  0.80,
		MaintenanceIntervalHours: 24,
		TickSeconds:              60,
	}
}

func (l LearningConfig) validate() error {
	if l.Threshold < 1 {
		return types.Errorf(types.KindConfigurationError, "learning threshold must be >= 1, got %d", l.Threshold)
	}
	if l.MinExamples < 1 {
		return types.Errorf(types.KindConfigurationError, "min_examples must be >= 1, got %d", l.MinExamples)
	}
	if l.ConsolidationSimilarity <= 0 || l.ConsolidationSimilarity > 1 {
		return types.Errorf(types.KindConfigurationError,
			"consolidation_similarity must be in (0,1], got %.2f", l.ConsolidationSimilarity)
	}
	return nil
}

// MaxAge returns the pending-age trigger as a duration.
func (l LearningConfig) MaxAge() time.Duration {
	return time.Duration(l.AgeMaxHours) * time.Hour
}

// MaintenanceInterval returns the decay/consolidation spacing.
func (l LearningConfig) MaintenanceInterval() time.Duration {
	return time.Duration(l.MaintenanceIntervalHours) * time.Hour
}

// Tick returns the pipeline wake interval.
func (l LearningConfig) Tick() time.Duration {
	return time.Duration(l.TickSeconds) * time.Second
}
