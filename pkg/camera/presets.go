package camera

// Preset names for common configurations
const (
	PresetDefault      = "default"
	Preset720p         = "720p"
	Preset1080p        = "1080p"
	PresetLowBandwidth = "low-bandwidth"
	PresetFront        = "front"
)

// Presets returns all available preset configurations.
func Presets() map[string]Config {
	return map[string]Config{
		PresetDefault:      DefaultConfig(),
		Preset720p:         HD720Config(),
		Preset1080p:        HD1080Config(),
		PresetLowBandwidth: LowBandwidthConfig(),
		PresetFront:        FrontConfig(),
	}
}

// PresetNames returns the list of available preset names.
func PresetNames() []string {
	return []string{
		PresetDefault,
		Preset720p,
		Preset1080p,
		PresetLowBandwidth,
		PresetFront,
	}
}

// GetPreset returns a preset config by name, or nil if not found.
func GetPreset(name string) *Config {
	if cfg, ok := Presets()[name]; ok {
		return &cfg
	}
	return nil
}

// HD720Config returns 720p HD configuration.
func HD720Config() Config {
	cfg := DefaultConfig()
	cfg.Width = 1280
	cfg.Height = 720
	return cfg
}

// HD1080Config returns 1080p configuration.
// Frames get large; lower the quality to keep sends short.
func HD1080Config() Config {
	cfg := DefaultConfig()
	cfg.Width = 1920
	cfg.Height = 1080
	cfg.Quality = 50
	return cfg
}

// LowBandwidthConfig trades detail for smaller frames on slow uplinks.
func LowBandwidthConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 320
	cfg.Height = 240
	cfg.Framerate = 15
	cfg.Quality = 40
	return cfg
}

// FrontConfig selects the user-facing camera.
func FrontConfig() Config {
	cfg := DefaultConfig()
	cfg.FacingMode = FacingUser
	return cfg
}
