package device

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/fruitcam/pkg/camera"
)

// MockSource is a capture source for testing.
// It produces a moving gradient and can simulate permission prompts and failures.
type MockSource struct {
	logger *slog.Logger

	mu           sync.Mutex
	acquireErr   error
	acquireDelay time.Duration
	grabErr      error

	// Stats
	acquired atomic.Int64
	released atomic.Int64
	open     atomic.Int64
	seq      atomic.Uint64
}

// NewMockSource creates a new mock capture source.
func NewMockSource(logger *slog.Logger) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockSource{logger: logger.With("component", "device.mock")}
}

// FailWith makes subsequent acquisitions fail with err (nil clears it).
func (m *MockSource) FailWith(err error) {
	m.mu.Lock()
	m.acquireErr = err
	m.mu.Unlock()
}

// SetAcquireDelay simulates a pending permission prompt of length d.
// A negative d blocks until the context is cancelled.
func (m *MockSource) SetAcquireDelay(d time.Duration) {
	m.mu.Lock()
	m.acquireDelay = d
	m.mu.Unlock()
}

// FailGrabWith makes Grab on all handles fail with err (nil clears it).
func (m *MockSource) FailGrabWith(err error) {
	m.mu.Lock()
	m.grabErr = err
	m.mu.Unlock()
}

// Acquire opens a synthetic device.
func (m *MockSource) Acquire(ctx context.Context, cfg camera.Config) (Handle, error) {
	m.mu.Lock()
	delay := m.acquireDelay
	failErr := m.acquireErr
	m.mu.Unlock()

	if delay != 0 {
		var wait <-chan time.Time
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			wait = timer.C
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if failErr != nil {
		return nil, &AcquireError{Backend: BackendMock, Device: cfg.Device, Err: failErr}
	}

	width, height := cfg.Width, cfg.Height
	if width <= 0 || height <= 0 {
		width, height = camera.FallbackWidth, camera.FallbackHeight
	}

	m.acquired.Add(1)
	m.open.Add(1)

	h := &mockHandle{
		src:    m,
		id:     fmt.Sprintf("mock-%d", m.seq.Add(1)),
		width:  width,
		height: height,
	}
	m.logger.Debug("mock device acquired", "id", h.id, "width", width, "height", height)
	return h, nil
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return string(BackendMock)
}

// OpenHandles returns the number of acquired, unreleased handles.
func (m *MockSource) OpenHandles() int64 {
	return m.open.Load()
}

// Acquired returns the total number of successful acquisitions.
func (m *MockSource) Acquired() int64 {
	return m.acquired.Load()
}

// Released returns the total number of released handles.
func (m *MockSource) Released() int64 {
	return m.released.Load()
}

type mockHandle struct {
	src    *MockSource
	id     string
	width  int
	height int

	frames   atomic.Uint64
	released atomic.Bool
}

func (h *mockHandle) ID() string { return h.id }

func (h *mockHandle) Size() (int, int) { return h.width, h.height }

func (h *mockHandle) Grab(dst *image.RGBA) (*image.RGBA, error) {
	if h.released.Load() {
		return nil, ErrReleased
	}
	h.src.mu.Lock()
	grabErr := h.src.grabErr
	h.src.mu.Unlock()
	if grabErr != nil {
		return nil, grabErr
	}

	canvas := canvasFor(dst, h.width, h.height)
	n := int(h.frames.Add(1))

	// Horizontal gradient with a bar that moves one column per frame.
	bar := n % h.width
	for y := 0; y < h.height; y++ {
		for x := 0; x < h.width; x++ {
			c := color.RGBA{R: uint8(x * 255 / h.width), G: uint8(y * 255 / h.height), B: 96, A: 255}
			if x == bar {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			canvas.SetRGBA(x, y, c)
		}
	}
	return canvas, nil
}

func (h *mockHandle) Release() error {
	if h.released.Swap(true) {
		return nil
	}
	h.src.open.Add(-1)
	h.src.released.Add(1)
	h.src.logger.Debug("mock device released", "id", h.id)
	return nil
}

// Ensure MockSource implements Source.
var _ Source = (*MockSource)(nil)
