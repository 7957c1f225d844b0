//go:build !gst

package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teslashibe/fruitcam/pkg/camera"
)

const rtspCompiled = false

type rtspStub struct{}

// newRTSPSource returns a source that always fails when built without GStreamer.
func newRTSPSource(logger *slog.Logger) Source {
	return rtspStub{}
}

func (rtspStub) Name() string { return string(BackendRTSP) }

func (rtspStub) Acquire(ctx context.Context, cfg camera.Config) (Handle, error) {
	return nil, &AcquireError{
		Backend: BackendRTSP,
		Device:  cfg.URL,
		Err:     fmt.Errorf("%w: built without gstreamer support", ErrDeviceUnavailable),
	}
}
