package camera

// Preset names accepted by POST /camera.
const (
	PresetDefault = "default"
	PresetLegacy  = "legacy"
	Preset720p    = "720p"
	Preset1080p   = "1080p"
	PresetLowCPU  = "lowcpu"
)

// presets is ordered the way PresetNames lists them. Each entry derives
// from another so device defaults stay in DefaultConfig.
var presets = []struct {
	name  string
	build func() Config
}{
	{PresetDefault, DefaultConfig},
	{PresetLegacy, LegacyConfig},
	{Preset720p, func() Config {
		// Needs inference headroom beyond a Pi 4.
		cfg := DefaultConfig()
		cfg.Framerate = 30
		return cfg
	}},
	{Preset1080p, func() Config {
		// Landmarks run on a downscaled copy; only worth it with detect_scale < 1.
		cfg := DefaultConfig()
		cfg.Width, cfg.Height = 1920, 1080
		return cfg
	}},
	{PresetLowCPU, func() Config {
		cfg := LegacyConfig()
		cfg.Framerate = 15
		cfg.Quality = 70
		return cfg
	}},
}

// PresetNames lists the preset names.
func PresetNames() []string {
	names := make([]string, len(presets))
	for i, p := range presets {
		names[i] = p.name
	}
	return names
}

// GetPreset returns a fresh copy of the named preset, or nil.
func GetPreset(name string) *Config {
	for _, p := range presets {
		if p.name == name {
			cfg := p.build()
			return &cfg
		}
	}
	return nil
}
