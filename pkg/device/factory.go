package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/fruitcam/pkg/camera"
)

// New creates a capture source for the named backend.
// An empty backend selects the webcam.
func New(backend Backend, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if backend == "" {
		backend = BackendWebcam
	}

	logger.Info("creating capture source", "backend", backend)

	switch backend {
	case BackendMock:
		return NewMockSource(logger), nil
	case BackendWebcam:
		return newWebcamSource(logger), nil
	case BackendRTSP:
		return newRTSPSource(logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// AvailableBackends returns the backends compiled into this binary.
func AvailableBackends() []Backend {
	backends := []Backend{BackendMock}
	if webcamCompiled {
		backends = append(backends, BackendWebcam)
	}
	if rtspCompiled {
		backends = append(backends, BackendRTSP)
	}
	return backends
}

// Router is a Source that picks the backend from each acquire's
// camera.Config, so a backend change takes effect on the next session.
type Router struct {
	fallback Backend
	logger   *slog.Logger

	mu      sync.Mutex
	sources map[Backend]Source
}

// NewRouter creates a Router. fallback is used when a config names no backend.
func NewRouter(fallback Backend, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback == "" {
		fallback = BackendWebcam
	}
	return &Router{
		fallback: fallback,
		logger:   logger,
		sources:  make(map[Backend]Source),
	}
}

// Name implements Source.
func (r *Router) Name() string {
	return "router"
}

// Acquire opens the device through the backend named by cfg.
func (r *Router) Acquire(ctx context.Context, cfg camera.Config) (Handle, error) {
	backend := Backend(cfg.Backend)
	if backend == "" {
		backend = r.fallback
	}
	src, err := r.source(backend)
	if err != nil {
		return nil, &AcquireError{Backend: backend, Device: cfg.Device, Err: fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)}
	}
	return src.Acquire(ctx, cfg)
}

// Use installs src for backend, replacing any created one.
func (r *Router) Use(backend Backend, src Source) {
	r.mu.Lock()
	r.sources[backend] = src
	r.mu.Unlock()
}

func (r *Router) source(backend Backend) (Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src, ok := r.sources[backend]; ok {
		return src, nil
	}
	src, err := New(backend, r.logger)
	if err != nil {
		return nil, err
	}
	r.sources[backend] = src
	return src, nil
}
