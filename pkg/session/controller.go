// Package session owns the capture session lifecycle: it acquires the camera,
// opens the inference link, runs the frame sampler and keeps the latest
// prediction for the overlay.
//
// All transitions are serialized by the controller mutex and validated against
// a fixed table. Each session carries a generation number; callbacks from a
// previous generation are ignored, so nothing from a stopped or failed session
// can touch the current one.
package session

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/fruitcam/pkg/camera"
	"github.com/teslashibe/fruitcam/pkg/device"
	"github.com/teslashibe/fruitcam/pkg/link"
	"github.com/teslashibe/fruitcam/pkg/overlay"
	"github.com/teslashibe/fruitcam/pkg/protocol"
	"github.com/teslashibe/fruitcam/pkg/sampler"
)

// ErrActive is returned by Start when a session already exists.
// The call has no effect.
var ErrActive = errors.New("session: already active")

// Link is the transport the controller streams frames over.
// *link.Link implements it.
type Link interface {
	Open(ctx context.Context, endpoint string) error
	Send(msg protocol.FrameMessage) bool
	Ready() bool
	Close() error
	OnMessage(h link.MessageHandler)
	OnClosed(h link.ClosedHandler)
	Stats() link.Stats
}

// Config holds controller settings.
type Config struct {
	// Endpoint is the inference websocket URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// HealthURL, when set, is probed before connecting. Failures are logged only.
	HealthURL string `yaml:"health_url" json:"health_url"`

	Sampler sampler.Config `yaml:"sampler" json:"sampler"`
	Link    link.Config    `yaml:"link" json:"link"`

	// PreviewEvery publishes an annotated preview every Nth sent frame.
	// 0 disables previews.
	PreviewEvery int `yaml:"preview_every" json:"preview_every"`

	// PreviewQuality is the JPEG quality of preview frames.
	PreviewQuality int `yaml:"preview_quality" json:"preview_quality"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "ws://localhost:8000/api/fruit-detect",
		Sampler:        sampler.DefaultConfig(),
		Link:           link.DefaultConfig(),
		PreviewEvery:   3,
		PreviewQuality: 70,
	}
}

// Stats aggregates counters across sessions.
type Stats struct {
	Sessions    int64         `json:"sessions"`
	Predictions int64         `json:"predictions"`
	Sampler     sampler.Stats `json:"sampler"`
	Link        link.Stats    `json:"link"`
}

// Snapshot is the observable session state.
type Snapshot struct {
	Seq       uint64               `json:"seq"`
	State     State                `json:"state"`
	Status    Status               `json:"status"`
	SessionID string               `json:"session_id,omitempty"`
	Error     string               `json:"error,omitempty"`
	Overlay   *protocol.Prediction `json:"overlay"`
	Lines     [2]string            `json:"overlay_lines"`
	Stats     Stats                `json:"stats"`
	At        time.Time            `json:"at"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCameraConfig sets the provider consulted at the start of each session.
func WithCameraConfig(fn func() camera.Config) Option {
	return func(c *Controller) {
		if fn != nil {
			c.cameraConfig = fn
		}
	}
}

// WithLinkFactory overrides how the per-session link is created.
func WithLinkFactory(fn func() Link) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newLink = fn
		}
	}
}

// Controller runs at most one capture session at a time.
type Controller struct {
	cfg          Config
	source       device.Source
	logger       *slog.Logger
	baseLogger   *slog.Logger
	cameraConfig func() camera.Config
	newLink      func() Link

	mu            sync.Mutex
	state         State
	sessionID     string
	lastErr       error
	gracefulClose bool
	seq           uint64
	cancel        context.CancelFunc
	workerDone    chan struct{}
	idle          chan struct{}
	handle        device.Handle
	lnk           Link
	smp           *sampler.Sampler

	gen     atomic.Uint64
	overlay atomic.Pointer[protocol.Prediction]

	sessions    atomic.Int64
	predictions atomic.Int64

	// Aggregated stats of finished sessions.
	pastSampler sampler.Stats
	pastLink    link.Stats

	obsMu         sync.RWMutex
	onStatus      []func(Snapshot)
	onPreview     []func([]byte)
	deliverMu     sync.Mutex
	lastDelivered uint64
}

// New creates an idle controller.
func New(source device.Source, cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.PreviewQuality < 1 || cfg.PreviewQuality > 100 {
		cfg.PreviewQuality = def.PreviewQuality
	}
	if cfg.PreviewEvery < 0 {
		cfg.PreviewEvery = 0
	}

	c := &Controller{
		cfg:          cfg,
		source:       source,
		logger:       slog.Default(),
		cameraConfig: camera.DefaultConfig,
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseLogger = c.logger
	c.logger = c.logger.With("component", "session")
	if c.newLink == nil {
		linkCfg, logger := cfg.Link, c.baseLogger
		c.newLink = func() Link { return link.New(linkCfg, logger) }
	}
	return c
}

// OnStatus registers an observer for state snapshots. Observers run outside
// the controller lock, must not block and must not call Start or Stop.
func (c *Controller) OnStatus(fn func(Snapshot)) {
	c.obsMu.Lock()
	c.onStatus = append(c.onStatus, fn)
	c.obsMu.Unlock()
}

// OnPreview registers an observer for annotated JPEG preview frames.
func (c *Controller) OnPreview(fn func([]byte)) {
	c.obsMu.Lock()
	c.onPreview = append(c.onPreview, fn)
	c.obsMu.Unlock()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Overlay returns the latest prediction, or nil.
func (c *Controller) Overlay() *protocol.Prediction {
	return c.overlay.Load()
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Start begins a new session from Idle or from a terminal error state. It
// returns ErrActive without side effects while a session is live or stopping.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.state.Terminal() && c.workerDone != nil {
		// The failed session's worker may still be unwinding.
		done := c.workerDone
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}
	if !c.transitionLocked(evStart) {
		c.mu.Unlock()
		c.logger.Debug("start ignored, session active")
		return ErrActive
	}

	g := c.gen.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.sessionID = uuid.NewString()
	c.lastErr = nil
	c.gracefulClose = false
	c.cancel = cancel
	c.workerDone = done
	c.overlay.Store(nil)
	c.sessions.Add(1)

	camCfg := c.cameraConfig()
	snap := c.changedLocked()
	c.mu.Unlock()

	c.logger.Info("session starting", "session_id", snap.SessionID, "backend", c.source.Name())
	c.publish(snap)

	go c.run(ctx, g, camCfg, done)
	return nil
}

// Stop ends the session and releases every resource. It is safe from any
// state and from any goroutine; on Idle it does nothing. When Stop returns
// the controller is Idle and no callback from the stopped session will fire.
func (c *Controller) Stop() {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return
	case StateStopping:
		idle := c.idle
		c.mu.Unlock()
		<-idle
		return
	}

	c.gen.Add(1)
	cancel, done := c.cancel, c.workerDone
	h, lnk, smp := c.handle, c.lnk, c.smp
	c.cancel, c.workerDone = nil, nil
	c.handle, c.lnk, c.smp = nil, nil, nil
	idle := make(chan struct{})
	c.idle = idle
	c.transitionLocked(evStop)
	snap := c.changedLocked()
	c.mu.Unlock()

	c.publish(snap)

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	ss, ls := c.teardown(smp, lnk, h)

	c.mu.Lock()
	c.recordLocked(ss, ls)
	c.overlay.Store(nil)
	c.lastErr = nil
	c.gracefulClose = false
	c.idle = nil
	c.transitionLocked(evStopped)
	snap = c.changedLocked()
	c.mu.Unlock()
	close(idle)

	c.logger.Info("session stopped", "session_id", snap.SessionID)
	c.publish(snap)
}

// Restart stops any current session and starts a new one.
func (c *Controller) Restart() error {
	c.Stop()
	return c.Start()
}

// Close stops the session. It implements io.Closer for shutdown wiring.
func (c *Controller) Close() error {
	c.Stop()
	return nil
}

// run acquires the device and opens the link for generation g.
func (c *Controller) run(ctx context.Context, g uint64, camCfg camera.Config, done chan struct{}) {
	defer close(done)

	h, err := c.source.Acquire(ctx, camCfg)

	c.mu.Lock()
	if c.gen.Load() != g {
		c.mu.Unlock()
		device.Release(h)
		return
	}
	if err != nil {
		c.failLocked(evDeviceError, err)
		snap := c.changedLocked()
		c.mu.Unlock()
		c.logger.Warn("device acquisition failed", "error", err)
		c.publish(snap)
		return
	}
	c.handle = h
	c.transitionLocked(evDeviceReady)
	snap := c.changedLocked()
	c.mu.Unlock()

	c.logger.Info("device acquired", "device", h.ID())
	c.publish(snap)

	if c.cfg.HealthURL != "" {
		if _, err := link.Probe(ctx, c.cfg.HealthURL); err != nil {
			c.logger.Warn("inference service health probe failed", "url", c.cfg.HealthURL, "error", err)
		}
	}

	lnk := c.newLink()
	lnk.OnMessage(func(p *protocol.Prediction) { c.handlePrediction(g, p) })
	lnk.OnClosed(func(err error) { c.handleLinkClosed(g, err) })

	err = lnk.Open(ctx, c.cfg.Endpoint)

	c.mu.Lock()
	if c.gen.Load() != g {
		c.mu.Unlock()
		lnk.Close()
		return
	}
	if err != nil {
		c.failLocked(evLinkError, err)
		snap := c.changedLocked()
		c.mu.Unlock()
		c.logger.Warn("link open failed", "endpoint", c.cfg.Endpoint, "error", err)
		c.publish(snap)
		return
	}

	smp := sampler.New(c.cfg.Sampler, c.baseLogger)
	c.lnk = lnk
	c.smp = smp
	c.transitionLocked(evLinkOpen)
	if err := smp.Start(h, lnk, c.frameHandler(g, lnk)); err != nil {
		c.logger.Error("sampler start failed", "error", err)
	}
	snap = c.changedLocked()
	c.mu.Unlock()

	c.logger.Info("streaming", "endpoint", c.cfg.Endpoint)
	c.publish(snap)
}

// failLocked moves to a terminal error state after releasing everything.
// The session generation ends here.
func (c *Controller) failLocked(ev event, err error) {
	c.gen.Add(1)
	if c.cancel != nil {
		c.cancel()
	}

	smp, lnk, h := c.smp, c.lnk, c.handle
	c.smp, c.lnk, c.handle = nil, nil, nil
	c.recordLocked(c.teardown(smp, lnk, h))

	c.lastErr = err
	c.gracefulClose = link.IsGraceful(err)
	c.overlay.Store(nil)
	c.transitionLocked(ev)
}

// teardown stops the sampler, closes the link and releases the device, in
// that order. Any argument may be nil. It returns the final counters.
func (c *Controller) teardown(smp *sampler.Sampler, lnk Link, h device.Handle) (sampler.Stats, link.Stats) {
	var ss sampler.Stats
	var ls link.Stats
	if smp != nil {
		smp.Stop()
		ss = smp.Stats()
	}
	if lnk != nil {
		if err := lnk.Close(); err != nil {
			c.logger.Debug("link close", "error", err)
		}
		ls = lnk.Stats()
	}
	if err := device.Release(h); err != nil {
		c.logger.Warn("device release failed", "error", err)
	}
	return ss, ls
}

func (c *Controller) recordLocked(ss sampler.Stats, ls link.Stats) {
	c.pastSampler = addSamplerStats(c.pastSampler, ss)
	c.pastLink = addLinkStats(c.pastLink, ls)
}

func (c *Controller) handlePrediction(g uint64, p *protocol.Prediction) {
	c.mu.Lock()
	if c.gen.Load() != g || (c.state != StateStreaming && c.state != StateConnecting) {
		c.mu.Unlock()
		return
	}
	c.overlay.Store(p)
	c.predictions.Add(1)
	snap := c.changedLocked()
	c.mu.Unlock()

	c.publish(snap)
}

func (c *Controller) handleLinkClosed(g uint64, err error) {
	c.mu.Lock()
	if c.gen.Load() != g {
		c.mu.Unlock()
		return
	}
	if _, ok := next(c.state, evLinkError); !ok {
		c.mu.Unlock()
		return
	}
	c.failLocked(evLinkError, err)
	snap := c.changedLocked()
	c.mu.Unlock()

	c.logger.Warn("link closed", "error", err)
	c.publish(snap)
}

// frameHandler sends each sampled frame and publishes previews. It never
// takes the controller lock.
func (c *Controller) frameHandler(g uint64, lnk Link) sampler.FrameFunc {
	var buf bytes.Buffer
	var n int
	return func(f sampler.Frame) error {
		if c.gen.Load() != g {
			return sampler.ErrStop
		}
		lnk.Send(protocol.NewFrameMessage(f.JPEG))

		n++
		if c.cfg.PreviewEvery == 0 || n%c.cfg.PreviewEvery != 0 || !c.hasPreviewObservers() {
			return nil
		}

		// The frame is already encoded, so the canvas can carry the overlay.
		overlay.Render(f.Image, c.overlay.Load())
		buf.Reset()
		if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: c.cfg.PreviewQuality}); err != nil {
			c.logger.Debug("preview encode failed", "error", err)
			return nil
		}
		data := make([]byte, buf.Len())
		copy(data, buf.Bytes())
		c.publishPreview(data)
		return nil
	}
}

// transitionLocked applies ev. Illegal transitions are logged and ignored.
func (c *Controller) transitionLocked(ev event) bool {
	to, ok := next(c.state, ev)
	if !ok {
		c.logger.Debug("illegal transition ignored", "state", c.state, "event", ev)
		return false
	}
	c.logger.Debug("transition", "from", c.state, "to", to, "event", ev)
	c.state = to
	return true
}

// changedLocked records a state change and returns the new snapshot.
func (c *Controller) changedLocked() Snapshot {
	c.seq++
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Seq:       c.seq,
		State:     c.state,
		Status:    statusFor(c.state, c.gracefulClose),
		SessionID: c.sessionID,
		Overlay:   c.overlay.Load(),
		At:        time.Now(),
	}
	if c.lastErr != nil {
		snap.Error = c.lastErr.Error()
	}
	snap.Lines = overlay.Lines(snap.Overlay)

	snap.Stats = Stats{
		Sessions:    c.sessions.Load(),
		Predictions: c.predictions.Load(),
		Sampler:     c.pastSampler,
		Link:        c.pastLink,
	}
	if c.smp != nil {
		snap.Stats.Sampler = addSamplerStats(snap.Stats.Sampler, c.smp.Stats())
	}
	if c.lnk != nil {
		snap.Stats.Link = addLinkStats(snap.Stats.Link, c.lnk.Stats())
	}
	return snap
}

// publish delivers snap to observers. Snapshots older than the last delivered
// one are dropped, so observers see states in order.
func (c *Controller) publish(snap Snapshot) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if snap.Seq <= c.lastDelivered {
		return
	}
	c.lastDelivered = snap.Seq

	c.obsMu.RLock()
	observers := c.onStatus
	c.obsMu.RUnlock()

	for _, fn := range observers {
		fn(snap)
	}
}

func (c *Controller) hasPreviewObservers() bool {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	return len(c.onPreview) > 0
}

func (c *Controller) publishPreview(data []byte) {
	c.obsMu.RLock()
	observers := c.onPreview
	c.obsMu.RUnlock()

	for _, fn := range observers {
		fn(data)
	}
}

func addSamplerStats(a, b sampler.Stats) sampler.Stats {
	return sampler.Stats{
		Ticks:            a.Ticks + b.Ticks,
		FramesSent:       a.FramesSent + b.FramesSent,
		DroppedNotReady:  a.DroppedNotReady + b.DroppedNotReady,
		DroppedRateLimit: a.DroppedRateLimit + b.DroppedRateLimit,
		GrabErrors:       a.GrabErrors + b.GrabErrors,
		EncodeErrors:     a.EncodeErrors + b.EncodeErrors,
	}
}

func addLinkStats(a, b link.Stats) link.Stats {
	return link.Stats{
		FramesSent:        a.FramesSent + b.FramesSent,
		FramesDropped:     a.FramesDropped + b.FramesDropped,
		BytesSent:         a.BytesSent + b.BytesSent,
		Predictions:       a.Predictions + b.Predictions,
		MalformedMessages: a.MalformedMessages + b.MalformedMessages,
	}
}
