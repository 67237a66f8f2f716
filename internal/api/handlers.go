package api

import (
	"github.com/gofiber/fiber/v2"
	gofiberws "github.com/gofiber/websocket/v2"
)

// Handler exposes the Service's read-only surface as fiber routes.
type Handler struct {
	service *Service
}

// NewHandler creates a route handler bound to a Service.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) listPeers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"peers": h.service.ListPeers()})
}

func (h *Handler) getCounters(c *fiber.Ctx) error {
	h.service.RefreshMetrics()
	return c.JSON(h.service.Metrics().GetMetrics())
}

func (h *Handler) getPrometheusMetrics(c *fiber.Ctx) error {
	h.service.RefreshMetrics()
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(h.service.Metrics().PrometheusFormat())
}

func (h *Handler) handleTraceStream(c *gofiberws.Conn) {
	h.service.Hub().HandleWebSocket(c)
}

func (h *Handler) healthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "healthy"})
}
