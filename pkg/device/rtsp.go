//go:build gst

package device

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/fruitcam/pkg/camera"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

const rtspCompiled = true

// firstFrameTimeout bounds how long Acquire waits for the stream to produce a frame.
const firstFrameTimeout = 10 * time.Second

var gstInit sync.Once

// RTSPSource pulls frames from network cameras through a GStreamer pipeline.
type RTSPSource struct {
	logger *slog.Logger
}

func newRTSPSource(logger *slog.Logger) Source {
	return &RTSPSource{logger: logger.With("component", "device.rtsp")}
}

// Name returns "rtsp".
func (s *RTSPSource) Name() string {
	return string(BackendRTSP)
}

// pipelineString builds the decode pipeline. The appsink keeps only the
// latest frame, scaled and converted to RGBA.
func pipelineString(url string, width, height int) string {
	return fmt.Sprintf(
		"rtspsrc location=%s protocols=4 latency=200 ! decodebin ! videoconvert ! videoscale ! "+
			"video/x-raw,format=RGBA,width=%d,height=%d ! "+
			"appsink name=sink sync=false max-buffers=1 drop=true",
		url, width, height)
}

// Acquire starts the pipeline and waits for the first frame.
func (s *RTSPSource) Acquire(ctx context.Context, cfg camera.Config) (Handle, error) {
	fail := func(err error) error {
		return &AcquireError{Backend: BackendRTSP, Device: cfg.URL, Err: err}
	}
	if cfg.URL == "" {
		return nil, fail(fmt.Errorf("%w: no url configured", ErrDeviceUnavailable))
	}

	width, height := cfg.Width, cfg.Height
	if width <= 0 || height <= 0 {
		width, height = camera.FallbackWidth, camera.FallbackHeight
	}

	gstInit.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipelineFromString(pipelineString(cfg.URL, width, height))
	if err != nil {
		return nil, fail(fmt.Errorf("%w: create pipeline: %v", ErrDeviceUnavailable, err))
	}
	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return nil, fail(fmt.Errorf("%w: find appsink: %v", ErrDeviceUnavailable, err))
	}

	h := &rtspHandle{
		id:       fmt.Sprintf("rtsp-%s", cfg.URL),
		pipeline: pipeline,
		width:    width,
		height:   height,
		first:    make(chan struct{}),
		logger:   s.logger,
	}

	app.SinkFromElement(elem).SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: h.onSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fail(fmt.Errorf("%w: start pipeline: %v", ErrDeviceUnavailable, err))
	}

	timer := time.NewTimer(firstFrameTimeout)
	defer timer.Stop()

	select {
	case <-h.first:
	case <-ctx.Done():
		h.Release()
		return nil, ctx.Err()
	case <-timer.C:
		h.Release()
		return nil, fail(fmt.Errorf("%w: no frame within %s", ErrDeviceUnavailable, firstFrameTimeout))
	}

	s.logger.Info("rtsp stream opened", "url", cfg.URL, "width", width, "height", height)
	return h, nil
}

type rtspHandle struct {
	id       string
	pipeline *gst.Pipeline
	width    int
	height   int
	logger   *slog.Logger

	mu       sync.Mutex
	latest   []byte
	released bool

	first     chan struct{}
	firstOnce sync.Once
	samples   atomic.Uint64
}

// onSample copies the newest RGBA buffer. GStreamer reuses the buffer.
func (h *rtspHandle) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) != h.width*h.height*4 {
		buffer.Unmap()
		h.logger.Debug("rtsp: unexpected buffer size", "size", len(data))
		return gst.FlowOK
	}

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		buffer.Unmap()
		return gst.FlowEOS
	}
	if len(h.latest) != len(data) {
		h.latest = make([]byte, len(data))
	}
	copy(h.latest, data)
	h.mu.Unlock()
	buffer.Unmap()

	h.samples.Add(1)
	h.firstOnce.Do(func() { close(h.first) })
	return gst.FlowOK
}

func (h *rtspHandle) ID() string { return h.id }

func (h *rtspHandle) Size() (int, int) { return h.width, h.height }

func (h *rtspHandle) Grab(dst *image.RGBA) (*image.RGBA, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, ErrReleased
	}
	if h.latest == nil {
		return nil, ErrNoFrame
	}
	canvas := canvasFor(dst, h.width, h.height)
	copy(canvas.Pix, h.latest)
	return canvas, nil
}

func (h *rtspHandle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.latest = nil
	h.mu.Unlock()

	if err := h.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}
	h.logger.Info("rtsp stream released", "id", h.id, "samples", h.samples.Load())
	return nil
}
