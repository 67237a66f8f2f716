package api

import (
	"github.com/gofiber/fiber/v2"
	gofiberws "github.com/gofiber/websocket/v2"
)

// SetupRoutes wires the read-only Modbus diagnostics surface of spec.md §7
// ("Observability"): peer counters, aggregate metrics, and a streaming
// WebSocket of framed bytes in/out. The core never participates beyond the
// trace hook and Counters() the Service consults.
func SetupRoutes(app *fiber.App, service *Service) {
	h := NewHandler(service)

	app.Get("/api/v1/health", h.healthCheck)

	v1 := app.Group("/api/v1/modbus")
	v1.Get("/peers", h.listPeers)
	v1.Get("/counters", h.getCounters)
	v1.Get("/metrics", h.getPrometheusMetrics)

	v1.Use("/ws", func(c *fiber.Ctx) error {
		if gofiberws.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	v1.Get("/ws", gofiberws.New(h.handleTraceStream))
}
