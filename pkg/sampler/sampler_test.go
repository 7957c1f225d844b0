package sampler

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/fruitcam/pkg/camera"
	"github.com/teslashibe/fruitcam/pkg/device"
)

func testHandle(t *testing.T, w, h int) (*device.MockSource, device.Handle) {
	t.Helper()
	src := device.NewMockSource(nil)
	cfg := camera.DefaultConfig()
	cfg.Width, cfg.Height = w, h
	handle, err := src.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	t.Cleanup(func() { handle.Release() })
	return src, handle
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 2 * time.Millisecond
	return cfg
}

func always(ready bool) Sink {
	return SinkFunc(func() bool { return ready })
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"zero interval", func(c *Config) { c.Interval = 0 }, true},
		{"negative max fps", func(c *Config) { c.MaxFPS = -1 }, true},
		{"quality too high", func(c *Config) { c.Quality = 101 }, true},
		{"quality zero", func(c *Config) { c.Quality = 0 }, true},
		{"capped", func(c *Config) { c.MaxFPS = 5 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_FillsDefaults(t *testing.T) {
	s := New(Config{Quality: 500, MaxFPS: -3}, nil)
	cfg := s.Config()
	if cfg.Interval != DefaultConfig().Interval {
		t.Errorf("Interval = %v, want default", cfg.Interval)
	}
	if cfg.Quality != camera.DefaultQuality {
		t.Errorf("Quality = %d, want %d", cfg.Quality, camera.DefaultQuality)
	}
	if cfg.MaxFPS != 0 {
		t.Errorf("MaxFPS = %v, want 0", cfg.MaxFPS)
	}
}

func TestSampler_ProducesJPEGFrames(t *testing.T) {
	_, h := testHandle(t, 32, 24)
	s := New(fastConfig(), nil)

	frames := make(chan Frame, 16)
	err := s.Start(h, always(true), func(f Frame) error {
		select {
		case frames <- Frame{Seq: f.Seq, JPEG: f.JPEG}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	select {
	case f := <-frames:
		if f.Seq != 1 {
			t.Errorf("first Seq = %d, want 1", f.Seq)
		}
		img, err := jpeg.Decode(bytes.NewReader(f.JPEG))
		if err != nil {
			t.Fatalf("frame is not a JPEG: %v", err)
		}
		if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 24 {
			t.Errorf("frame size = %v, want 32x24", img.Bounds())
		}
	case <-time.After(time.Second):
		t.Fatal("no frame produced")
	}
}

func TestSampler_DropsWhenNotReady(t *testing.T) {
	_, h := testHandle(t, 16, 16)
	s := New(fastConfig(), nil)

	var calls atomic.Int64
	if err := s.Start(h, always(false), func(Frame) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	s.Stop()

	if calls.Load() != 0 {
		t.Errorf("callback invoked %d times while sink not ready", calls.Load())
	}
	stats := s.Stats()
	if stats.DroppedNotReady == 0 {
		t.Error("expected dropped-not-ready frames")
	}
	if stats.FramesSent != 0 {
		t.Errorf("FramesSent = %d, want 0", stats.FramesSent)
	}
}

func TestSampler_SinkGatesEachTick(t *testing.T) {
	_, h := testHandle(t, 16, 16)
	s := New(fastConfig(), nil)

	// Alternate ready/not ready: roughly half the ticks produce frames.
	var toggle atomic.Bool
	sink := SinkFunc(func() bool { return toggle.Swap(!toggle.Load()) })

	var calls atomic.Int64
	if err := s.Start(h, sink, func(Frame) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	s.Stop()

	stats := s.Stats()
	if stats.FramesSent != calls.Load() {
		t.Errorf("FramesSent = %d, callbacks = %d", stats.FramesSent, calls.Load())
	}
	if stats.FramesSent == 0 || stats.DroppedNotReady == 0 {
		t.Errorf("expected both sent and dropped frames, got %+v", stats)
	}
}

func TestSampler_NoTickAfterStop(t *testing.T) {
	_, h := testHandle(t, 16, 16)
	s := New(fastConfig(), nil)

	var stopped atomic.Bool
	var late atomic.Int64
	if err := s.Start(h, always(true), func(Frame) error {
		if stopped.Load() {
			late.Add(1)
		}
		return nil
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	s.Stop()
	stopped.Store(true)
	time.Sleep(20 * time.Millisecond)

	if late.Load() != 0 {
		t.Errorf("%d callbacks after Stop returned", late.Load())
	}
	if s.Running() {
		t.Error("Running() should be false after Stop")
	}
}

func TestSampler_NeverReentrant(t *testing.T) {
	_, h := testHandle(t, 16, 16)
	s := New(fastConfig(), nil)

	var inFlight, maxInFlight atomic.Int64
	if err := s.Start(h, always(true), func(Frame) error {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	s.Stop()

	if maxInFlight.Load() != 1 {
		t.Errorf("max concurrent callbacks = %d, want 1", maxInFlight.Load())
	}
}

func TestSampler_ErrStopHaltsLoop(t *testing.T) {
	_, h := testHandle(t, 16, 16)
	s := New(fastConfig(), nil)

	var calls atomic.Int64
	if err := s.Start(h, always(true), func(Frame) error {
		calls.Add(1)
		return ErrStop
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for s.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Running() {
		t.Fatal("sampler still running after ErrStop")
	}
	if calls.Load() != 1 {
		t.Errorf("callback invoked %d times, want 1", calls.Load())
	}
	s.Stop() // no-op
}

func TestSampler_StartTwice(t *testing.T) {
	_, h := testHandle(t, 16, 16)
	s := New(fastConfig(), nil)
	cb := func(Frame) error { return nil }

	if err := s.Start(h, always(true), cb); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if err := s.Start(h, always(true), cb); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start() error = %v, want ErrRunning", err)
	}
}

func TestSampler_StopWithoutStart(t *testing.T) {
	s := New(DefaultConfig(), nil)
	s.Stop()
	s.Stop()
}

func TestSampler_MaxFPS(t *testing.T) {
	_, h := testHandle(t, 16, 16)
	cfg := fastConfig()
	cfg.MaxFPS = 20 // one frame per 50ms
	s := New(cfg, nil)

	var calls atomic.Int64
	if err := s.Start(h, always(true), func(Frame) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	s.Stop()

	if n := calls.Load(); n < 1 || n > 4 {
		t.Errorf("frames = %d, want 1-4 at 20 fps over 120ms", n)
	}
	if s.Stats().DroppedRateLimit == 0 {
		t.Error("expected rate-limited drops")
	}
}

func TestSampler_GrabErrorsAreCounted(t *testing.T) {
	src, h := testHandle(t, 16, 16)
	src.FailGrabWith(device.ErrNoFrame)
	s := New(fastConfig(), nil)

	var calls atomic.Int64
	if err := s.Start(h, always(true), func(Frame) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	if calls.Load() != 0 {
		t.Errorf("callbacks = %d, want 0", calls.Load())
	}
	if s.Stats().GrabErrors == 0 {
		t.Error("expected grab errors")
	}
}

type nativeHandle struct {
	device.Handle
	mu    sync.Mutex
	calls int
}

func (n *nativeHandle) EncodeJPEG(quality int) ([]byte, error) {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	return []byte("native"), nil
}

func TestSampler_UsesNativeEncoder(t *testing.T) {
	_, h := testHandle(t, 16, 16)
	nh := &nativeHandle{Handle: h}
	s := New(fastConfig(), nil)

	got := make(chan []byte, 1)
	if err := s.Start(nh, always(true), func(f Frame) error {
		select {
		case got <- f.JPEG:
		default:
		}
		return ErrStop
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case data := <-got:
		if string(data) != "native" {
			t.Errorf("JPEG = %q, want native encoder output", data)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame produced")
	}
	s.Stop()
}
