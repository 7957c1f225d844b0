//go:build opencv

package device

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/teslashibe/fruitcam/pkg/camera"
	"gocv.io/x/gocv"
)

const webcamCompiled = true

// WebcamSource opens local cameras through OpenCV.
type WebcamSource struct {
	logger *slog.Logger
}

func newWebcamSource(logger *slog.Logger) Source {
	return &WebcamSource{logger: logger.With("component", "device.webcam")}
}

// Name returns "webcam".
func (s *WebcamSource) Name() string {
	return string(BackendWebcam)
}

// Acquire opens the camera. Device is either a numeric index or a device path.
func (s *WebcamSource) Acquire(ctx context.Context, cfg camera.Config) (Handle, error) {
	fail := func(err error) error {
		return &AcquireError{Backend: BackendWebcam, Device: cfg.Device, Err: err}
	}

	var target interface{} = cfg.Device
	path := cfg.Device
	if idx, err := strconv.Atoi(cfg.Device); err == nil {
		target = idx
		path = fmt.Sprintf("/dev/video%d", idx)
	}
	if err := checkDeviceNode(path); err != nil {
		return nil, fail(err)
	}

	type result struct {
		vc  *gocv.VideoCapture
		err error
	}
	done := make(chan result, 1)
	go func() {
		vc, err := gocv.OpenVideoCapture(target)
		done <- result{vc, err}
	}()

	var vc *gocv.VideoCapture
	select {
	case <-ctx.Done():
		// Close the capture once the driver finally answers.
		go func() {
			if r := <-done; r.vc != nil {
				r.vc.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fail(fmt.Errorf("%w: %v", ErrDeviceUnavailable, r.err))
		}
		vc = r.vc
	}

	if !vc.IsOpened() {
		vc.Close()
		return nil, fail(ErrDeviceUnavailable)
	}

	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.Framerate > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))
	}

	h := &webcamHandle{
		id:     fmt.Sprintf("webcam-%s", cfg.Device),
		vc:     vc,
		mat:    gocv.NewMat(),
		width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
		height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
		logger: s.logger,
	}
	s.logger.Info("webcam opened", "device", cfg.Device, "width", h.width, "height", h.height)
	return h, nil
}

// checkDeviceNode maps filesystem errors on a device node to acquisition errors.
// Non-path devices (URLs, pipelines) are not checked.
func checkDeviceNode(path string) error {
	if len(path) == 0 || path[0] != '/' {
		return nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	switch {
	case err == nil:
		return f.Close()
	case os.IsPermission(err):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}

type webcamHandle struct {
	id     string
	logger *slog.Logger

	mu       sync.Mutex
	vc       *gocv.VideoCapture
	mat      gocv.Mat
	width    int
	height   int
	released bool
}

func (h *webcamHandle) ID() string { return h.id }

func (h *webcamHandle) Size() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.width, h.height
}

func (h *webcamHandle) Grab(dst *image.RGBA) (*image.RGBA, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, ErrReleased
	}
	if ok := h.vc.Read(&h.mat); !ok {
		return nil, fmt.Errorf("%w: read failed", ErrDeviceUnavailable)
	}
	if h.mat.Empty() {
		return nil, ErrNoFrame
	}

	img, err := h.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	b := img.Bounds()
	h.width, h.height = b.Dx(), b.Dy()

	canvas := canvasFor(dst, h.width, h.height)
	draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Src)
	return canvas, nil
}

// EncodeJPEG encodes the last grabbed frame with OpenCV.
func (h *webcamHandle) EncodeJPEG(quality int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, ErrReleased
	}
	if h.mat.Empty() {
		return nil, ErrNoFrame
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, h.mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func (h *webcamHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}
	h.released = true
	h.mat.Close()
	err := h.vc.Close()
	h.logger.Info("webcam released", "id", h.id)
	return err
}
