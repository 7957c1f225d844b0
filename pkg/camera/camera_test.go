package camera

import (
	"errors"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if errs := cfg.Validate(); len(errs) > 0 {
		t.Fatalf("default config invalid: %v", errs)
	}
	if cfg.Quality != 60 {
		t.Errorf("Quality = %d, want 60", cfg.Quality)
	}
	if cfg.FacingMode != FacingEnvironment {
		t.Errorf("FacingMode = %q, want %q", cfg.FacingMode, FacingEnvironment)
	}
}

func TestPresetsValid(t *testing.T) {
	for _, name := range PresetNames() {
		t.Run(name, func(t *testing.T) {
			cfg := GetPreset(name)
			if cfg == nil {
				t.Fatalf("preset %q missing", name)
			}
			if errs := cfg.Validate(); len(errs) > 0 {
				t.Errorf("preset %q invalid: %v", name, errs)
			}
		})
	}

	if GetPreset("nope") != nil {
		t.Error("GetPreset should return nil for unknown preset")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"default", func(c *Config) {}, true},
		{"tiny width", func(c *Config) { c.Width = 10 }, false},
		{"huge height", func(c *Config) { c.Height = 5000 }, false},
		{"zero fps", func(c *Config) { c.Framerate = 0 }, false},
		{"quality 0", func(c *Config) { c.Quality = 0 }, false},
		{"quality 101", func(c *Config) { c.Quality = 101 }, false},
		{"bad facing", func(c *Config) { c.FacingMode = "sideways" }, false},
		{"bad backend", func(c *Config) { c.Backend = "v4l3" }, false},
		{"rtsp without url", func(c *Config) { c.Backend = "rtsp" }, false},
		{"rtsp with url", func(c *Config) { c.Backend = "rtsp"; c.URL = "rtsp://cam/1" }, true},
		{"mock", func(c *Config) { c.Backend = "mock" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			errs := cfg.Validate()
			if tt.valid && len(errs) > 0 {
				t.Errorf("expected valid, got %v", errs)
			}
			if !tt.valid && len(errs) == 0 {
				t.Error("expected validation errors")
			}
		})
	}
}

func TestManager_UpdateConfig(t *testing.T) {
	m := NewManager(DefaultConfig())

	if err := m.UpdateConfig(map[string]interface{}{
		"width":   float64(1280),
		"height":  float64(720),
		"quality": float64(75),
	}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	cfg := m.GetConfig()
	if cfg.Width != 1280 || cfg.Height != 720 || cfg.Quality != 75 {
		t.Errorf("got %dx%d q%d, want 1280x720 q75", cfg.Width, cfg.Height, cfg.Quality)
	}
}

func TestManager_PresetKeepsDevice(t *testing.T) {
	base := DefaultConfig()
	base.Backend = "mock"
	base.Device = "7"
	m := NewManager(base)

	if err := m.UpdateConfig(map[string]interface{}{"preset": PresetLowBandwidth}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	cfg := m.GetConfig()
	if cfg.Width != 320 || cfg.Quality != 40 {
		t.Errorf("preset not applied: %+v", cfg)
	}
	if cfg.Backend != "mock" || cfg.Device != "7" {
		t.Errorf("device selection lost: backend=%q device=%q", cfg.Backend, cfg.Device)
	}
}

func TestManager_RejectsInvalid(t *testing.T) {
	m := NewManager(DefaultConfig())

	if err := m.UpdateConfig(map[string]interface{}{"quality": 500}); err == nil {
		t.Error("expected validation error")
	}
	if m.GetConfig().Quality != 60 {
		t.Error("invalid update must not change config")
	}

	if err := m.UpdateConfig(map[string]interface{}{"preset": "nope"}); err == nil {
		t.Error("expected unknown preset error")
	}
}

func TestManager_OnConfigChange(t *testing.T) {
	m := NewManager(DefaultConfig())

	var seen Config
	m.OnConfigChange = func(cfg Config) error {
		seen = cfg
		return nil
	}
	if err := m.UpdateConfig(map[string]interface{}{"framerate": 15}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if seen.Framerate != 15 {
		t.Errorf("callback saw framerate %d, want 15", seen.Framerate)
	}

	m.OnConfigChange = func(cfg Config) error { return errors.New("boom") }
	if err := m.UpdateConfig(map[string]interface{}{"framerate": 10}); err == nil {
		t.Error("callback error should propagate")
	}
}

func TestGetConfigJSON(t *testing.T) {
	m := NewManager(DefaultConfig())
	js := m.GetConfigJSON()
	if js["quality"] != float64(60) {
		t.Errorf("quality = %v, want 60", js["quality"])
	}
	if js["facing_mode"] != FacingEnvironment {
		t.Errorf("facing_mode = %v", js["facing_mode"])
	}
}
