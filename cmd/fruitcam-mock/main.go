// fruitcam-mock: Local stand-in for the fruit inference service.
// Answers every frame with a scripted or color-based prediction.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/teslashibe/fruitcam/internal/log"
	"github.com/teslashibe/fruitcam/pkg/detectsvc"
)

var (
	version = "0.1.0"
	port    = flag.Int("port", 8000, "HTTP server port")
	mode    = flag.String("predictor", "cycle", "Predictor: cycle (scripted) or color (mean frame color)")
	delay   = flag.Duration("delay", 0, "Artificial inference latency per frame")
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	// Override from environment
	if envPort := os.Getenv("PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", port)
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	lg := log.Init(level)

	var predictor detectsvc.Predictor
	switch *mode {
	case "cycle":
		predictor = detectsvc.NewCyclingPredictor(detectsvc.DefaultScript()...)
	case "color":
		predictor = detectsvc.ColorPredictor{}
	default:
		fmt.Fprintf(os.Stderr, "unknown predictor %q\n", *mode)
		os.Exit(2)
	}

	app := fiber.New(fiber.Config{
		AppName:               "fruitcam-mock",
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type",
	}))
	if *debug {
		app.Use(logger.New())
	}

	svc := detectsvc.New(predictor, detectsvc.WithLogger(lg), detectsvc.WithDelay(*delay))
	svc.RegisterRoutes(app)

	// Metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		stats := svc.GetStats()
		return c.SendString(fmt.Sprintf(`# HELP fruitcam_mock_connections Connected client count
# TYPE fruitcam_mock_connections gauge
fruitcam_mock_connections %d

# HELP fruitcam_mock_frames_received Total frames received
# TYPE fruitcam_mock_frames_received counter
fruitcam_mock_frames_received %d

# HELP fruitcam_mock_predictions_sent Total predictions sent
# TYPE fruitcam_mock_predictions_sent counter
fruitcam_mock_predictions_sent %d

# HELP fruitcam_mock_malformed Total malformed messages
# TYPE fruitcam_mock_malformed counter
fruitcam_mock_malformed %d
`, stats.Connections, stats.FramesReceived, stats.PredictionsSent, stats.Malformed))
	})

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", *port)
		lg.Info("starting server",
			"version", version,
			"addr", addr,
			"predictor", *mode,
			"websocket", fmt.Sprintf("ws://localhost:%d%s", *port, detectsvc.DetectPath))

		if err := app.Listen(addr); err != nil {
			lg.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		lg.Error("shutdown error", "error", err)
	}
}
