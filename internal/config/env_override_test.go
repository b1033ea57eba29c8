package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/types"
)

func loadDefaults(t *testing.T) (*Config, error) {
	t.Helper()
	return Load(filepath.Join(t.TempDir(), "absent.yaml"))
}

func TestEnvOverridesApply(t *testing.T) {
	t.Setenv("CORTEX_BRAIN_DIR", "/srv/brain")
	t.Setenv("CORTEX_CAPACITY_TIER1", "5")
	t.Setenv("CORTEX_REQUEST_DEADLINE_MS", "1500")
	t.Setenv("CORTEX_LEARNING_THRESHOLD", "7")
	t.Setenv("CORTEX_TOKEN_BUDGET", "250")
	t.Setenv("CORTEX_DECAY_DAYS", "10,20,30,40")

	cfg, err := loadDefaults(t)
	require.NoError(t, err)

	assert.Equal(t, "/srv/brain", cfg.BrainDir)
	assert.Equal(t, 5, cfg.Memory.CapacityTier1)
	assert.Equal(t, 1500, cfg.RequestDeadlineMS)
	assert.Equal(t, 7, cfg.Learning.Threshold)
	assert.Equal(t, 250, cfg.Routing.TokenBudget)
	assert.Equal(t, [4]int{10, 20, 30, 40}, cfg.Memory.DecayDays)
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := DefaultConfig()
	cfg.Memory.CapacityTier1 = 33
	require.NoError(t, cfg.Save(path))

	t.Setenv("CORTEX_CAPACITY_TIER1", "44")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 44, loaded.Memory.CapacityTier1)
}

func TestEnvOverrideMalformedInt(t *testing.T) {
	t.Setenv("CORTEX_CAPACITY_TIER1", "seventy")

	_, err := loadDefaults(t)
	require.Error(t, err)
	assert.Equal(t, types.KindConfigurationError, types.KindOf(err))
}

func TestEnvOverrideDecayDays(t *testing.T) {
	t.Run("wrong arity", func(t *testing.T) {
		t.Setenv("CORTEX_DECAY_DAYS", "60,90")
		_, err := loadDefaults(t)
		require.Error(t, err)
		assert.Equal(t, types.KindConfigurationError, types.KindOf(err))
	})

	t.Run("not numbers", func(t *testing.T) {
		t.Setenv("CORTEX_DECAY_DAYS", "a,b,c,d")
		_, err := loadDefaults(t)
		require.Error(t, err)
	})

	t.Run("descending rejected by validate", func(t *testing.T) {
		t.Setenv("CORTEX_DECAY_DAYS", "90,60,120,180")
		_, err := loadDefaults(t)
		require.Error(t, err)
	})

	t.Run("spaces tolerated", func(t *testing.T) {
		t.Setenv("CORTEX_DECAY_DAYS", " 30, 60, 90, 120 ")
		cfg, err := loadDefaults(t)
		require.NoError(t, err)
		assert.Equal(t, [4]int{30, 60, 90, 120}, cfg.Memory.DecayDays)
	})
}
