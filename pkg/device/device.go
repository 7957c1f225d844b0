// Package device acquires and releases video capture devices.
//
// This package supports multiple backends:
//   - webcam (gocv/OpenCV VideoCapture, build tag "opencv")
//   - rtsp (GStreamer pipeline, build tag "gst")
//   - mock (synthetic frames, CI/testing without hardware)
//
// Audio is never opened. A Handle is owned by exactly one capture session and
// must be released on every exit path; Release is idempotent.
package device

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/teslashibe/fruitcam/pkg/camera"
)

// Backend represents the capture backend type.
type Backend string

const (
	// BackendWebcam opens a local camera through OpenCV.
	BackendWebcam Backend = "webcam"
	// BackendRTSP pulls frames from a network camera through GStreamer.
	BackendRTSP Backend = "rtsp"
	// BackendMock generates synthetic frames.
	BackendMock Backend = "mock"
)

var (
	// ErrPermissionDenied is returned when access to the device is refused.
	ErrPermissionDenied = errors.New("device: permission denied")

	// ErrDeviceUnavailable is returned when the device is missing, busy or broken.
	ErrDeviceUnavailable = errors.New("device: unavailable")

	// ErrReleased is returned by Grab after the handle was released.
	ErrReleased = errors.New("device: handle released")

	// ErrNoFrame is returned by Grab when the device has no frame yet.
	ErrNoFrame = errors.New("device: no frame available")
)

// AcquireError adds backend and device context to an acquisition failure.
type AcquireError struct {
	Backend Backend
	Device  string
	Err     error
}

// Error implements the error interface.
func (e *AcquireError) Error() string {
	return fmt.Sprintf("device [%s %s]: %v", e.Backend, e.Device, e.Err)
}

// Unwrap returns the underlying error.
func (e *AcquireError) Unwrap() error {
	return e.Err
}

// Source opens capture devices.
type Source interface {
	// Acquire opens the device described by cfg.
	// It may block (permission prompt, slow driver) and must return promptly
	// with ctx.Err() when ctx is cancelled, without leaking the device.
	Acquire(ctx context.Context, cfg camera.Config) (Handle, error)

	// Name returns the backend name.
	Name() string
}

// Handle is an open capture device.
type Handle interface {
	// ID identifies the device instance for logs.
	ID() string

	// Size returns the native frame resolution, or 0,0 if unknown.
	Size() (width, height int)

	// Grab rasterizes the current frame into dst and returns it. When dst is
	// nil or has the wrong size a new canvas is allocated.
	Grab(dst *image.RGBA) (*image.RGBA, error)

	// Release closes the device. Safe to call multiple times.
	Release() error
}

// NativeEncoder is implemented by handles that can JPEG-encode the last
// grabbed frame without going through image.RGBA.
type NativeEncoder interface {
	EncodeJPEG(quality int) ([]byte, error)
}

// Release releases h if it is non-nil. It is safe after a failed or partial
// acquisition.
func Release(h Handle) error {
	if h == nil {
		return nil
	}
	return h.Release()
}

// canvasFor returns dst when it already has the wanted size.
func canvasFor(dst *image.RGBA, width, height int) *image.RGBA {
	if dst != nil && dst.Rect.Dx() == width && dst.Rect.Dy() == height {
		return dst
	}
	return image.NewRGBA(image.Rect(0, 0, width, height))
}
