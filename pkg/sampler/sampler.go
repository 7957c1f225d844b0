// Package sampler turns a live capture device into a paced stream of JPEG frames.
//
// A Sampler runs a single loop goroutine. Each tick either produces one frame
// or drops it; ticks never overlap and nothing is queued, so a slow consumer
// lowers the frame rate instead of building latency.
package sampler

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/fruitcam/pkg/camera"
	"github.com/teslashibe/fruitcam/pkg/device"
)

var (
	// ErrStop may be returned by a FrameFunc to end sampling.
	ErrStop = errors.New("sampler: stop")

	// ErrRunning is returned by Start when the sampler is already running.
	ErrRunning = errors.New("sampler: already running")
)

// Sink reports whether the consumer can take a frame right now.
type Sink interface {
	Ready() bool
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func() bool

// Ready calls f.
func (f SinkFunc) Ready() bool { return f() }

// Frame is one sampled frame.
// Image is reused by the next tick and must not be retained by the callback.
type Frame struct {
	Seq   uint64
	At    time.Time
	Image *image.RGBA
	JPEG  []byte
}

// FrameFunc receives sampled frames on the loop goroutine.
type FrameFunc func(Frame) error

// Config holds sampler settings.
type Config struct {
	// Interval between ticks. Defaults to one display refresh at 30 Hz.
	Interval time.Duration `yaml:"interval" json:"interval"`

	// MaxFPS caps frames handed to the consumer. 0 means uncapped.
	MaxFPS float64 `yaml:"max_fps" json:"max_fps"`

	// Quality is the JPEG quality, 1-100.
	Quality int `yaml:"quality" json:"quality"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: time.Second / 30,
		MaxFPS:   0,
		Quality:  camera.DefaultQuality,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.MaxFPS < 0 {
		return fmt.Errorf("max fps must not be negative, got %v", c.MaxFPS)
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("quality must be 1-100, got %d", c.Quality)
	}
	return nil
}

// Stats holds sampler counters.
type Stats struct {
	Ticks            int64 `json:"ticks"`
	FramesSent       int64 `json:"frames_sent"`
	DroppedNotReady  int64 `json:"dropped_not_ready"`
	DroppedRateLimit int64 `json:"dropped_rate_limit"`
	GrabErrors       int64 `json:"grab_errors"`
	EncodeErrors     int64 `json:"encode_errors"`
}

// Sampler paces frame capture from a device handle.
type Sampler struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	ticks            atomic.Int64
	framesSent       atomic.Int64
	droppedNotReady  atomic.Int64
	droppedRateLimit atomic.Int64
	grabErrors       atomic.Int64
	encodeErrors     atomic.Int64
}

// New creates a sampler. Invalid fields fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Sampler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxFPS < 0 {
		cfg.MaxFPS = 0
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		cfg.Quality = def.Quality
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		cfg:    cfg,
		logger: logger.With("component", "sampler"),
	}
}

// Config returns the effective configuration.
func (s *Sampler) Config() Config {
	return s.cfg
}

// Start begins sampling h. Frames are only produced while sink is ready.
func (s *Sampler) Start(h device.Handle, sink Sink, onFrame FrameFunc) error {
	if h == nil || sink == nil || onFrame == nil {
		return fmt.Errorf("sampler: handle, sink and callback are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(h, sink, onFrame, s.stopCh, s.doneCh)

	s.logger.Debug("sampler started",
		"device", h.ID(),
		"interval", s.cfg.Interval,
		"max_fps", s.cfg.MaxFPS,
		"quality", s.cfg.Quality,
	)
	return nil
}

// Stop ends sampling and waits for the loop to exit. After Stop returns no
// further frames are delivered. Safe to call when not running.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	close(stopCh)
	s.mu.Unlock()

	<-doneCh
	s.logger.Debug("sampler stopped", "frames_sent", s.framesSent.Load())
}

// Running reports whether the loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a copy of the counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		Ticks:            s.ticks.Load(),
		FramesSent:       s.framesSent.Load(),
		DroppedNotReady:  s.droppedNotReady.Load(),
		DroppedRateLimit: s.droppedRateLimit.Load(),
		GrabErrors:       s.grabErrors.Load(),
		EncodeErrors:     s.encodeErrors.Load(),
	}
}

func (s *Sampler) loop(h device.Handle, sink Sink, onFrame FrameFunc, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var minGap time.Duration
	if s.cfg.MaxFPS > 0 {
		minGap = time.Duration(float64(time.Second) / s.cfg.MaxFPS)
	}

	var (
		canvas   *image.RGBA
		lastSent time.Time
		seq      uint64
		buf      bytes.Buffer
	)

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			// Stop may have raced the tick.
			select {
			case <-stopCh:
				return
			default:
			}
			s.ticks.Add(1)

			if !sink.Ready() {
				s.droppedNotReady.Add(1)
				continue
			}
			if minGap > 0 && !lastSent.IsZero() && now.Sub(lastSent) < minGap {
				s.droppedRateLimit.Add(1)
				continue
			}

			if canvas == nil {
				canvas = newCanvas(h)
			}
			img, err := h.Grab(canvas)
			if err != nil {
				s.grabErrors.Add(1)
				s.logger.Debug("grab failed", "error", err)
				continue
			}
			canvas = img

			data, err := s.encode(h, canvas, &buf)
			if err != nil {
				s.encodeErrors.Add(1)
				s.logger.Warn("encode failed", "error", err)
				continue
			}

			seq++
			lastSent = now
			s.framesSent.Add(1)

			if err := onFrame(Frame{Seq: seq, At: now, Image: canvas, JPEG: data}); err != nil {
				if !errors.Is(err, ErrStop) {
					s.logger.Warn("frame callback failed, stopping", "error", err)
				}
				s.mu.Lock()
				if s.stopCh == stopCh {
					s.running = false
				}
				s.mu.Unlock()
				return
			}
		}
	}
}

// newCanvas sizes the canvas to the native resolution, or the fallback when
// the device does not report one.
func newCanvas(h device.Handle) *image.RGBA {
	w, hgt := h.Size()
	if w <= 0 || hgt <= 0 {
		w, hgt = camera.FallbackWidth, camera.FallbackHeight
	}
	return image.NewRGBA(image.Rect(0, 0, w, hgt))
}

func (s *Sampler) encode(h device.Handle, canvas *image.RGBA, buf *bytes.Buffer) ([]byte, error) {
	if enc, ok := h.(device.NativeEncoder); ok {
		if data, err := enc.EncodeJPEG(s.cfg.Quality); err == nil {
			return data, nil
		}
	}
	buf.Reset()
	if err := jpeg.Encode(buf, canvas, &jpeg.Options{Quality: s.cfg.Quality}); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
