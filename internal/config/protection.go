package config

// ProtectionConfig tunes the protection kernel.
type ProtectionConfig struct {
	// RulesPath optionally points at an extra Mangle rule file merged
	// over the embedded rule base at startup.
	RulesPath string `yaml:"rules_path"`

	// SpikeDelta and SpikeSupport parameterise the confidence spike
	// guard: changes larger than SpikeDelta need at least SpikeSupport
	// supporting outcomes.
	SpikeDelta   float64 `yaml:"spike_delta"`
	SpikeSupport int     `yaml:"spike_support"`

	// ClarityMarkersMin is how many distinct clarity markers a planning
	// request needs before the definition-of-ready challenge stands
	// down.
	ClarityMarkersMin int `yaml:"clarity_markers_min"`
}

func defaultProtectionConfig() ProtectionConfig {
	return ProtectionConfig{
		SpikeDelta:        0.20,
		SpikeSupport:      5,
		ClarityMarkersMin: 2,
	}
}
