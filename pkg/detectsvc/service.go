// Package detectsvc is a stand-in for the fruit inference service. It accepts
// frame messages over a websocket and answers each one with a prediction.
package detectsvc

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/teslashibe/fruitcam/pkg/protocol"
)

// DetectPath is where clients connect.
const DetectPath = "/api/fruit-detect"

// Connection represents a connected capture client
type Connection struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time
	Frames    uint64

	mu sync.Mutex
}

// Send writes a prediction to the client
func (c *Connection) Send(p *protocol.Prediction) error {
	data, err := p.Bytes()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastSeen = time.Now()
	c.Frames++
	c.mu.Unlock()
}

// Service manages inference connections
type Service struct {
	predictor Predictor
	logger    *slog.Logger
	delay     time.Duration

	mu    sync.RWMutex
	conns map[string]*Connection

	// Stats
	totalConnections atomic.Uint64
	framesReceived   atomic.Uint64
	predictionsSent  atomic.Uint64
	malformed        atomic.Uint64
	predictErrors    atomic.Uint64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDelay holds each reply back by d to mimic model latency.
func WithDelay(d time.Duration) Option {
	return func(s *Service) { s.delay = d }
}

// New creates a service that answers frames using p.
func New(p Predictor, opts ...Option) *Service {
	s := &Service{
		predictor: p,
		logger:    slog.Default(),
		conns:     make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "detectsvc")
	return s
}

// RegisterRoutes registers the websocket endpoint, /health and /api/stats.
func (s *Service) RegisterRoutes(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/api/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.GetStats())
	})

	app.Get("/api/connections", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"connections": s.GetConnectionInfos(),
			"count":       s.ConnectionCount(),
		})
	})

	// WebSocket upgrade middleware
	app.Use(DetectPath, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get(DetectPath, websocket.New(s.handleConn))
}

// handleConn serves one capture client until it disconnects
func (s *Service) handleConn(c *websocket.Conn) {
	conn := &Connection{
		ID:        uuid.NewString(),
		Conn:      c,
		Connected: time.Now(),
		LastSeen:  time.Now(),
	}

	s.mu.Lock()
	s.conns[conn.ID] = conn
	count := len(s.conns)
	s.mu.Unlock()
	s.totalConnections.Add(1)

	logger := s.logger.With("conn", conn.ID)
	logger.Info("client connected", "connections", count)

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn.ID)
		count := len(s.conns)
		s.mu.Unlock()
		logger.Info("client disconnected", "connections", count)
	}()

	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("read error", "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			s.malformed.Add(1)
			continue
		}
		if err := s.handleFrame(conn, data); err != nil {
			logger.Warn("reply failed", "error", err)
			return
		}
	}
}

// handleFrame answers one frame message. Only write errors are returned;
// bad frames and failed predictions are counted and skipped.
func (s *Service) handleFrame(conn *Connection, data []byte) error {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		s.malformed.Add(1)
		s.logger.Debug("discarding message", "conn", conn.ID, "error", err)
		return nil
	}
	img, err := frame.JPEG()
	if err != nil {
		s.malformed.Add(1)
		return nil
	}

	s.framesReceived.Add(1)
	conn.touch()

	pred, err := s.predictor.Predict(img)
	if err == nil && pred == nil {
		err = ErrNoPredictions
	}
	if err != nil {
		s.predictErrors.Add(1)
		s.logger.Debug("prediction failed", "conn", conn.ID, "error", err)
		return nil
	}
	pred.Type = protocol.TypePrediction

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	if err := conn.Send(pred); err != nil {
		return err
	}
	s.predictionsSent.Add(1)
	return nil
}

// Disconnect sends a close frame with code and text, then drops the connection.
func (s *Service) Disconnect(id string, code int, text string) error {
	s.mu.RLock()
	conn, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return errors.New("detectsvc: connection not found")
	}

	msg := websocket.FormatCloseMessage(code, text)
	conn.mu.Lock()
	err := conn.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.mu.Unlock()
	if err != nil {
		return err
	}
	return conn.Conn.Close()
}

// ConnectionCount returns the number of connected clients
func (s *Service) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// ConnectionIDs returns the ids of connected clients
func (s *Service) ConnectionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Stats contains service statistics
type Stats struct {
	Connections      int    `json:"connections"`
	TotalConnections uint64 `json:"total_connections"`
	FramesReceived   uint64 `json:"frames_received"`
	PredictionsSent  uint64 `json:"predictions_sent"`
	Malformed        uint64 `json:"malformed"`
	PredictErrors    uint64 `json:"predict_errors"`
}

// GetStats returns service statistics
func (s *Service) GetStats() Stats {
	return Stats{
		Connections:      s.ConnectionCount(),
		TotalConnections: s.totalConnections.Load(),
		FramesReceived:   s.framesReceived.Load(),
		PredictionsSent:  s.predictionsSent.Load(),
		Malformed:        s.malformed.Load(),
		PredictErrors:    s.predictErrors.Load(),
	}
}

// ConnectionInfo contains info about a connected client
type ConnectionInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	Frames    uint64    `json:"frames"`
}

// GetConnectionInfos returns info about all connected clients
func (s *Service) GetConnectionInfos() []ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(s.conns))
	for _, c := range s.conns {
		c.mu.Lock()
		infos = append(infos, ConnectionInfo{
			ID:        c.ID,
			Connected: c.Connected,
			LastSeen:  c.LastSeen,
			Frames:    c.Frames,
		})
		c.mu.Unlock()
	}
	return infos
}
