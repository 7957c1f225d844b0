// fruitcam: Capture camera frames and stream them to the fruit inference
// service, with a local dashboard showing the annotated preview.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/fruitcam/internal/config"
	"github.com/teslashibe/fruitcam/internal/log"
	"github.com/teslashibe/fruitcam/pkg/camera"
	"github.com/teslashibe/fruitcam/pkg/device"
	"github.com/teslashibe/fruitcam/pkg/session"
	"github.com/teslashibe/fruitcam/pkg/web"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	endpoint := flag.String("endpoint", "", "Inference websocket URL (overrides config)")
	backend := flag.String("backend", "", "Camera backend: webcam, rtsp, mock (overrides config)")
	port := flag.Int("port", 0, "Dashboard port (overrides config)")
	autostart := flag.Bool("autostart", false, "Start a capture session at boot")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *endpoint != "" {
		cfg.Session.Endpoint = *endpoint
	}
	if *backend != "" {
		cfg.Camera.Backend = *backend
	}
	if *port != 0 {
		cfg.Dashboard.Port = *port
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.Configure(log.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("fruitcam starting",
		"version", version,
		"endpoint", cfg.Session.Endpoint,
		"backend", cfg.Camera.Backend,
		"backends", device.AvailableBackends())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cameras := camera.NewManager(cfg.Camera)
	cameras.OnConfigChange = func(c camera.Config) error {
		logger.Info("camera config changed, applies to next session",
			"backend", c.Backend, "width", c.Width, "height", c.Height)
		return nil
	}

	source := device.NewRouter(device.Backend(cfg.Camera.Backend), logger)
	ctrl := session.New(source, cfg.Session,
		session.WithLogger(logger),
		session.WithCameraConfig(cameras.GetConfig),
	)
	defer ctrl.Close()

	server := web.NewServer(web.Config{
		Addr:      cfg.Dashboard.Addr(),
		StaticDir: cfg.Dashboard.StaticDir,
	}, ctrl, cameras, logger)

	ctrl.OnStatus(func(s session.Snapshot) {
		logger.Info("session status", "status", s.Status, "state", s.State, "error", s.Error)
	})

	if *autostart {
		if err := ctrl.Start(); err != nil {
			logger.Error("autostart failed", "error", err)
		}
	}

	logger.Info("dashboard ready", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	if err := server.Run(ctx); err != nil {
		logger.Error("dashboard stopped", "error", err)
	}

	logger.Info("shutting down")
}
