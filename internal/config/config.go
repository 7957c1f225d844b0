// Package config loads fruitcam configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/teslashibe/fruitcam/pkg/camera"
	"github.com/teslashibe/fruitcam/pkg/session"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvEndpoint      = "FRUITCAM_ENDPOINT"
	EnvHealthURL     = "FRUITCAM_HEALTH_URL"
	EnvPort          = "FRUITCAM_PORT"
	EnvCameraBackend = "FRUITCAM_CAMERA_BACKEND"
	EnvCameraDevice  = "FRUITCAM_CAMERA_DEVICE"
	EnvCameraURL     = "FRUITCAM_CAMERA_URL"
	EnvLogLevel      = "LOG_LEVEL"
)

// Config is the full application configuration.
type Config struct {
	Session   session.Config  `yaml:"session" json:"session"`
	Camera    camera.Config   `yaml:"camera" json:"camera"`
	Dashboard DashboardConfig `yaml:"dashboard" json:"dashboard"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

// DashboardConfig configures the web dashboard.
type DashboardConfig struct {
	// Port the dashboard listens on.
	Port int `yaml:"port" json:"port"`

	// StaticDir is served at "/" when set.
	StaticDir string `yaml:"static_dir" json:"static_dir"`
}

// Addr returns the listen address.
func (d DashboardConfig) Addr() string {
	return ":" + strconv.Itoa(d.Port)
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text or json
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Session: session.DefaultConfig(),
		Camera:  camera.DefaultConfig(),
		Dashboard: DashboardConfig{
			Port: 8080,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvEndpoint); v != "" {
		c.Session.Endpoint = v
	}
	if v := getenv(EnvHealthURL); v != "" {
		c.Session.HealthURL = v
	}
	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvPort, err)
		}
		c.Dashboard.Port = port
	}
	if v := getenv(EnvCameraBackend); v != "" {
		c.Camera.Backend = v
	}
	if v := getenv(EnvCameraDevice); v != "" {
		c.Camera.Device = v
	}
	if v := getenv(EnvCameraURL); v != "" {
		c.Camera.URL = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error

	endpoint := c.Session.Endpoint
	if endpoint == "" {
		errs = append(errs, errors.New("session.endpoint is required"))
	} else if !strings.HasPrefix(endpoint, "ws://") && !strings.HasPrefix(endpoint, "wss://") {
		errs = append(errs, fmt.Errorf("session.endpoint must be a ws:// or wss:// URL, got %q", endpoint))
	}
	if err := c.Session.Sampler.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session.sampler: %w", err))
	}
	if c.Session.PreviewEvery < 0 {
		errs = append(errs, errors.New("session.preview_every must not be negative"))
	}

	for _, msg := range c.Camera.Validate() {
		errs = append(errs, fmt.Errorf("camera: %s", msg))
	}

	if c.Dashboard.Port < 1 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port must be between 1 and 65535, got %d", c.Dashboard.Port))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
