package web

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/fruitcam/pkg/camera"
	"github.com/teslashibe/fruitcam/pkg/session"
)

// handleHealth reports liveness
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleStatus returns the current session snapshot
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Snapshot())
}

// handleStart begins a session, also after a camera or link error. A live or
// stopping session is reported with 409 and left untouched.
func (s *Server) handleStart(c *fiber.Ctx) error {
	if err := s.ctrl.Start(); err != nil {
		if errors.Is(err, session.ErrActive) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":    err.Error(),
				"snapshot": s.ctrl.Snapshot(),
			})
		}
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(s.ctrl.Snapshot())
}

// handleStop ends the session and waits until it is idle
func (s *Server) handleStop(c *fiber.Ctx) error {
	s.ctrl.Stop()
	return c.JSON(s.ctrl.Snapshot())
}

// handleRestart stops any session and starts a fresh one
func (s *Server) handleRestart(c *fiber.Ctx) error {
	if err := s.ctrl.Restart(); err != nil {
		if errors.Is(err, session.ErrActive) {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(s.ctrl.Snapshot())
}

// handleGetCamera returns the capture constraints used by the next session
func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"config":       s.cameras.GetConfig(),
		"capabilities": camera.Capabilities(),
	})
}

// handleUpdateCamera applies a partial update or a {"preset": name} body.
// Changes take effect on the next session.
func (s *Server) handleUpdateCamera(c *fiber.Ctx) error {
	var params map[string]interface{}
	if err := c.BodyParser(&params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	if len(params) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "empty update")
	}
	if err := s.cameras.UpdateConfig(params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	s.logger.Info("camera config updated", "config", s.cameras.GetConfigJSON())
	return c.JSON(s.cameras.GetConfig())
}

// handlePresets lists the named camera presets
func (s *Server) handlePresets(c *fiber.Ctx) error {
	return c.JSON(camera.Presets())
}
