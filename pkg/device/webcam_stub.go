//go:build !opencv

package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teslashibe/fruitcam/pkg/camera"
)

const webcamCompiled = false

type webcamStub struct{}

// newWebcamSource returns a source that always fails when built without OpenCV.
func newWebcamSource(logger *slog.Logger) Source {
	return webcamStub{}
}

func (webcamStub) Name() string { return string(BackendWebcam) }

func (webcamStub) Acquire(ctx context.Context, cfg camera.Config) (Handle, error) {
	return nil, &AcquireError{
		Backend: BackendWebcam,
		Device:  cfg.Device,
		Err:     fmt.Errorf("%w: built without opencv support", ErrDeviceUnavailable),
	}
}
