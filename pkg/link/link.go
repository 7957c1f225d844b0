// Package link maintains the duplex websocket session with the inference service.
//
// Frames go out through a single-slot outbox: at most one frame is in flight,
// and anything offered while that slot is busy is dropped. Predictions come
// back on an independent read loop. A link never reconnects on its own.
package link

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teslashibe/fruitcam/internal/httpc"
	"github.com/teslashibe/fruitcam/pkg/protocol"
)

// State is the connection state of a Link.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds link settings.
type Config struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" json:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval" json:"ping_interval"` // 0 disables keepalive pings
	PongWait         time.Duration `yaml:"pong_wait" json:"pong_wait"`         // 0 disables the read deadline
	ReadLimit        int64         `yaml:"read_limit" json:"read_limit"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     25 * time.Second,
		PongWait:         60 * time.Second,
		ReadLimit:        64 * 1024,
	}
}

// Stats holds link counters.
type Stats struct {
	FramesSent        int64 `json:"frames_sent"`
	FramesDropped     int64 `json:"frames_dropped"`
	BytesSent         int64 `json:"bytes_sent"`
	Predictions       int64 `json:"predictions"`
	MalformedMessages int64 `json:"malformed_messages"`
}

// MessageHandler receives well-formed predictions on the read goroutine.
type MessageHandler func(*protocol.Prediction)

// ClosedHandler receives the *ClosedError of a connection that ended without Close.
type ClosedHandler func(err error)

// Link is a websocket session with the inference service.
type Link struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	conn       *connection
	dialCancel context.CancelFunc
	attempt    uint64
	onMessage  MessageHandler
	onClosed   ClosedHandler

	framesSent    atomic.Int64
	framesDropped atomic.Int64
	bytesSent     atomic.Int64
	predictions   atomic.Int64
	malformed     atomic.Int64
}

// connection is the per-Open transport state.
type connection struct {
	ws       *websocket.Conn
	outbox   chan []byte
	inFlight atomic.Bool
	closing  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	failMu  sync.Mutex
	failErr error
}

func (c *connection) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
	c.ws.Close()
}

func (c *connection) fail(err error) {
	c.failMu.Lock()
	if c.failErr == nil {
		c.failErr = err
	}
	c.failMu.Unlock()
	c.ws.Close()
}

func (c *connection) failure() error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.failErr
}

// New creates a closed link.
func New(cfg Config, logger *slog.Logger) *Link {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		cfg:    cfg,
		logger: logger.With("component", "link"),
	}
}

// OnMessage registers the prediction handler.
func (l *Link) OnMessage(h MessageHandler) {
	l.mu.Lock()
	l.onMessage = h
	l.mu.Unlock()
}

// OnClosed registers the handler for connections that end without Close.
// It is not called after Close.
func (l *Link) OnClosed(h ClosedHandler) {
	l.mu.Lock()
	l.onClosed = h
	l.mu.Unlock()
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Open dials endpoint and returns once the link is Open.
func (l *Link) Open(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return &OpenError{Endpoint: endpoint, Err: fmt.Errorf("invalid websocket url")}
	}

	l.mu.Lock()
	if l.state != StateClosed {
		l.mu.Unlock()
		return ErrBusy
	}
	l.state = StateOpening
	l.attempt++
	attempt := l.attempt
	dialCtx, cancel := context.WithCancel(ctx)
	l.dialCancel = cancel
	l.mu.Unlock()

	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: l.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	l.logger.Debug("dialing", "endpoint", endpoint)
	ws, resp, err := dialer.DialContext(dialCtx, endpoint, nil)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Close was called while dialing.
	if l.attempt != attempt || l.state != StateOpening {
		if ws != nil {
			ws.Close()
		}
		if err == nil {
			err = context.Canceled
		}
		return &OpenError{Endpoint: endpoint, Err: err}
	}
	l.dialCancel = nil

	if err != nil {
		l.state = StateClosed
		oe := &OpenError{Endpoint: endpoint, Err: err}
		if resp != nil {
			oe.StatusCode = resp.StatusCode
		}
		l.logger.Warn("open failed", "endpoint", endpoint, "error", err)
		return oe
	}

	ws.SetReadLimit(l.cfg.ReadLimit)
	if l.cfg.PongWait > 0 {
		ws.SetReadDeadline(time.Now().Add(l.cfg.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(l.cfg.PongWait))
		})
	}

	c := &connection{
		ws:     ws,
		outbox: make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	l.conn = c
	l.state = StateOpen

	go l.readLoop(c)
	go l.writeLoop(c)
	if l.cfg.PingInterval > 0 {
		go l.keepaliveLoop(c)
	}

	l.logger.Info("link open", "endpoint", endpoint)
	return nil
}

// Ready reports whether Send would accept a frame right now.
func (l *Link) Ready() bool {
	l.mu.Lock()
	c := l.conn
	open := l.state == StateOpen
	l.mu.Unlock()
	return open && c != nil && !c.inFlight.Load()
}

// Send offers a frame. It never blocks: the frame is dropped unless the link
// is Open and no other frame is in flight.
func (l *Link) Send(msg protocol.FrameMessage) bool {
	l.mu.Lock()
	c := l.conn
	open := l.state == StateOpen
	l.mu.Unlock()

	if !open || c == nil || !c.inFlight.CompareAndSwap(false, true) {
		l.framesDropped.Add(1)
		l.logger.Debug("frame dropped", "open", open)
		return false
	}

	data, err := msg.Bytes()
	if err != nil {
		c.inFlight.Store(false)
		l.framesDropped.Add(1)
		l.logger.Warn("frame encode failed", "error", err)
		return false
	}

	// inFlight guarantees the slot is empty.
	select {
	case c.outbox <- data:
		return true
	default:
		c.inFlight.Store(false)
		l.framesDropped.Add(1)
		return false
	}
}

// Close ends the session with a normal close frame. Idempotent.
// It does not wait for the read loop; OnClosed is not called.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	if l.dialCancel != nil {
		l.dialCancel()
		l.dialCancel = nil
	}
	c := l.conn
	l.conn = nil
	l.state = StateClosed
	l.attempt++
	l.mu.Unlock()

	if c == nil {
		return nil
	}

	c.closing.Store(true)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(l.cfg.WriteTimeout))
	c.shutdown()

	l.logger.Info("link closed")
	if err != nil && err != websocket.ErrCloseSent {
		return fmt.Errorf("send close frame: %w", err)
	}
	return nil
}

// Stats returns a copy of the counters.
func (l *Link) Stats() Stats {
	return Stats{
		FramesSent:        l.framesSent.Load(),
		FramesDropped:     l.framesDropped.Load(),
		BytesSent:         l.bytesSent.Load(),
		Predictions:       l.predictions.Load(),
		MalformedMessages: l.malformed.Load(),
	}
}

// readLoop delivers predictions until the connection ends.
func (l *Link) readLoop(c *connection) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			l.handleDisconnect(c, err)
			return
		}
		if msgType != websocket.TextMessage {
			l.malformed.Add(1)
			continue
		}

		if l.cfg.PongWait > 0 {
			c.ws.SetReadDeadline(time.Now().Add(l.cfg.PongWait))
		}

		pred, err := protocol.ParsePrediction(data)
		if err != nil {
			l.malformed.Add(1)
			l.logger.Debug("discarding inbound message", "error", err)
			continue
		}
		l.predictions.Add(1)

		l.mu.Lock()
		h := l.onMessage
		current := l.conn == c
		l.mu.Unlock()

		if h != nil && current {
			h(pred)
		}
	}
}

// writeLoop sends the outbox slot.
func (l *Link) writeLoop(c *connection) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
			err := c.ws.WriteMessage(websocket.TextMessage, data)
			c.inFlight.Store(false)
			if err != nil {
				if !c.closing.Load() {
					l.logger.Warn("frame write failed", "error", err)
				}
				c.fail(err)
				return
			}
			l.framesSent.Add(1)
			l.bytesSent.Add(int64(len(data)))
		}
	}
}

// keepaliveLoop sends periodic pings.
func (l *Link) keepaliveLoop(c *connection) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(l.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !c.closing.Load() {
					l.logger.Warn("keepalive ping failed", "error", err)
				}
				c.fail(err)
				return
			}
		}
	}
}

// handleDisconnect moves the link to Closed and reports unrequested closes.
func (l *Link) handleDisconnect(c *connection, readErr error) {
	c.shutdown()
	if c.closing.Load() {
		return
	}

	l.mu.Lock()
	if l.conn != c {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.state = StateClosed
	h := l.onClosed
	l.mu.Unlock()

	closeErr := closedErrorFrom(readErr)
	if failErr := c.failure(); failErr != nil && closeErr.Code == websocket.CloseAbnormalClosure {
		closeErr.Err = failErr
	}

	if closeErr.Graceful() {
		l.logger.Info("link closed by peer", "code", closeErr.Code, "reason", closeErr.Text)
	} else {
		l.logger.Warn("link lost", "error", closeErr)
	}

	if h != nil {
		h(closeErr)
	}
}

// HealthStatus is the inference service health response.
type HealthStatus struct {
	Status string `json:"status"`
}

// Probe checks the inference service health endpoint.
func Probe(ctx context.Context, healthURL string) (*HealthStatus, error) {
	var hs HealthStatus
	if err := httpc.GetJSON(ctx, healthURL, &hs); err != nil {
		return nil, fmt.Errorf("health probe: %w", err)
	}
	if hs.Status != "" && hs.Status != "ok" {
		return &hs, fmt.Errorf("health probe: service reports %q", hs.Status)
	}
	return &hs, nil
}

// HealthURL derives the health endpoint from a websocket endpoint:
// ws://host:8000/api/fruit-detect becomes http://host:8000/health.
func HealthURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("not a websocket url: %s", endpoint)
	}
	u.Path = "/health"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
