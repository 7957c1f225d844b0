// Package camera provides capture constraints for the fruit detection camera.
// The constraints are handed to a device.Source on every session start and can
// be tuned at runtime through the dashboard; changes apply to the next session.
package camera

import "fmt"

// Facing modes, named after the browser media constraint the dashboard used.
const (
	FacingEnvironment = "environment" // Rear camera
	FacingUser        = "user"        // Front camera
)

// Config holds all capture constraints.
type Config struct {
	// === Device selection ===
	// Backend names the device backend: "webcam", "rtsp", "mock".
	// Empty lets the caller pick its default.
	Backend string `yaml:"backend" json:"backend"`

	// Device is the backend-specific device identifier.
	// Examples: "0" or "/dev/video2" for webcam, ignored by mock.
	Device string `yaml:"device" json:"device"`

	// URL is the stream location for network backends (rtsp://...).
	URL string `yaml:"url" json:"url"`

	// FacingMode prefers a rear or front camera when the backend can choose.
	FacingMode string `yaml:"facing_mode" json:"facing_mode"`

	// === Resolution ===
	Width     int `yaml:"width" json:"width"`         // Requested frame width in pixels
	Height    int `yaml:"height" json:"height"`       // Requested frame height in pixels
	Framerate int `yaml:"framerate" json:"framerate"` // Requested device FPS

	// Quality is the JPEG quality 1-100 used for outbound frames.
	Quality int `yaml:"quality" json:"quality"`
}

// Limits for validation.
const (
	MinWidth     = 160
	MinHeight    = 120
	MaxWidth     = 3840
	MaxHeight    = 2160
	MaxFramerate = 120
)

// Fallback resolution when a device does not report its native size.
const (
	FallbackWidth  = 640
	FallbackHeight = 480
)

// DefaultQuality is the JPEG quality frames are encoded at.
const DefaultQuality = 60

// DefaultConfig returns the configuration the detector was tuned for:
// 640x480 rear camera, JPEG quality 60.
func DefaultConfig() Config {
	return Config{
		Backend:    "webcam",
		Device:     "0",
		FacingMode: FacingEnvironment,
		Width:      FallbackWidth,
		Height:     FallbackHeight,
		Framerate:  30,
		Quality:    DefaultQuality,
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	switch c.Backend {
	case "", "webcam", "rtsp", "mock":
	default:
		errors = append(errors, "backend must be webcam, rtsp, or mock")
	}
	if c.Backend == "rtsp" && c.URL == "" {
		errors = append(errors, "url is required for the rtsp backend")
	}

	if c.FacingMode != "" && c.FacingMode != FacingEnvironment && c.FacingMode != FacingUser {
		errors = append(errors, "facing_mode must be environment or user")
	}

	if c.Width < MinWidth || c.Width > MaxWidth {
		errors = append(errors, fmt.Sprintf("width must be between %d and %d", MinWidth, MaxWidth))
	}
	if c.Height < MinHeight || c.Height > MaxHeight {
		errors = append(errors, fmt.Sprintf("height must be between %d and %d", MinHeight, MaxHeight))
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errors = append(errors, fmt.Sprintf("framerate must be between 1 and %d", MaxFramerate))
	}
	if c.Quality < 1 || c.Quality > 100 {
		errors = append(errors, "quality must be between 1 and 100")
	}

	return errors
}

// Capabilities describes what the constraint layer accepts.
func Capabilities() map[string]interface{} {
	return map[string]interface{}{
		"backends":     []string{"webcam", "rtsp", "mock"},
		"facing_modes": []string{FacingEnvironment, FacingUser},
		"min_width":    MinWidth,
		"min_height":   MinHeight,
		"max_width":    MaxWidth,
		"max_height":   MaxHeight,
		"max_fps":      MaxFramerate,
		"presets":      PresetNames(),
	}
}
