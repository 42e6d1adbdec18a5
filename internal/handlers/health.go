package handlers

import (
	"courier/internal/models"
	"courier/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler exposes liveness plus a few dispatch gauges
type HealthHandler struct {
	connManager *services.ConnectionManager
	outbox      *services.OutboxStore
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(connManager *services.ConnectionManager, outbox *services.OutboxStore) *HealthHandler {
	return &HealthHandler{connManager: connManager, outbox: outbox}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	pending, err := h.outbox.CountByStatus(c.Context(), models.EffectPending)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"status":          "ok",
		"connections":     h.connManager.Count(),
		"pending_effects": pending,
	})
}
