// Package web provides the operator dashboard for the capture session:
// REST controls, a live status stream and the annotated camera preview.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/teslashibe/fruitcam/pkg/camera"
	"github.com/teslashibe/fruitcam/pkg/hub"
	"github.com/teslashibe/fruitcam/pkg/session"
)

// Controller is the session surface the dashboard drives.
// *session.Controller implements it.
type Controller interface {
	Start() error
	Stop()
	Restart() error
	Snapshot() session.Snapshot
	OnStatus(fn func(session.Snapshot))
	OnPreview(fn func([]byte))
}

// Config holds dashboard settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// StaticDir, when set, is served at "/".
	StaticDir string
}

// Server is the web dashboard server.
type Server struct {
	app    *fiber.App
	cfg    Config
	logger *slog.Logger

	ctrl    Controller
	cameras *camera.Manager

	// Hubs for websocket broadcast
	statusHub *hub.Hub
	cameraHub *hub.Hub
}

// NewServer creates the dashboard and subscribes it to the controller.
func NewServer(cfg Config, ctrl Controller, cameras *camera.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "web"),
		ctrl:      ctrl,
		cameras:   cameras,
		statusHub: hub.New("status", hub.WithReplay(), hub.WithLogger(logger)),
		cameraHub: hub.New("camera", hub.WithLogger(logger)),
	}

	ctrl.OnStatus(func(snap session.Snapshot) {
		if err := s.statusHub.BroadcastJSON(snap); err != nil {
			s.logger.Warn("status broadcast failed", "error", err)
		}
	})
	ctrl.OnPreview(s.cameraHub.BroadcastBinary)

	app := fiber.New(fiber.Config{
		AppName:               "fruitcam",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	// CORS for local development
	app.Use(cors.New())

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	app.Get("/health", s.handleHealth)

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/session/start", s.handleStart)
	api.Post("/session/stop", s.handleStop)
	api.Post("/session/restart", s.handleRestart)
	api.Get("/camera", s.handleGetCamera)
	api.Put("/camera", s.handleUpdateCamera)
	api.Get("/camera/presets", s.handlePresets)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/status", websocket.New(s.handleWS(s.statusHub)))
	app.Get("/ws/camera", websocket.New(s.handleWS(s.cameraHub)))

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts the hubs and serves on the configured address until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.statusHub.Run(ctx)
	go s.cameraHub.Run(ctx)

	// Seed the status stream so the first client sees the current state.
	s.statusHub.BroadcastJSON(s.ctrl.Snapshot())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()

	s.logger.Info("dashboard listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		if err := s.app.Shutdown(); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWS(h *hub.Hub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		client := hub.NewClient(h, c)
		if client == nil {
			return
		}
		client.Run()
	}
}

// handleError renders errors as JSON.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
