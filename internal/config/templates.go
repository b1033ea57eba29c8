package config

import "time"

// TemplatesConfig tunes the template registry.
type TemplatesConfig struct {
	// Path optionally points at a YAML file merged over the embedded
	// defaults.
	Path string `yaml:"path"`

	// HotReload watches Path and swaps the registry on change.
	HotReload bool `yaml:"hot_reload"`

	// DebounceMS coalesces rapid file events before reloading.
	DebounceMS int `yaml:"debounce_ms"`
}

func defaultTemplatesConfig() TemplatesConfig {
	return TemplatesConfig{
		HotReload:  false,
		DebounceMS: 500,
	}
}

// Debounce returns the reload debounce as a duration.
func (t TemplatesConfig) Debounce() time.Duration {
	if t.DebounceMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(t.DebounceMS) * time.Millisecond
}
