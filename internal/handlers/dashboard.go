package handlers

import (
	"time"

	"agent-scheduler/internal/services/monitor"
	ws "agent-scheduler/internal/services/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// DashboardHandler serves health, host stats and the live execution stream.
type DashboardHandler struct {
	sampler monitor.Sampler
	hub     *ws.Hub
	started time.Time
}

func NewDashboardHandler(sampler monitor.Sampler, hub *ws.Hub) *DashboardHandler {
	return &DashboardHandler{sampler: sampler, hub: hub, started: time.Now()}
}

func (h *DashboardHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"clients": h.hub.ClientCount(),
	})
}

func (h *DashboardHandler) GetSystemStats(c *fiber.Ctx) error {
	stats, err := h.sampler.Take(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get system stats",
		})
	}
	return c.JSON(stats)
}

// RequireUpgrade rejects plain HTTP requests on websocket routes.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Executions streams finalized execution records.
func (h *DashboardHandler) Executions() fiber.Handler {
	return websocket.New(h.hub.Handle)
}
