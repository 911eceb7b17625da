package api

import (
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

// registerHealth mounts the component health registry and the Prometheus
// handler. They stay reachable in read-only mode.
func registerHealth(app *fiber.App) {
	app.Get("/health", adaptor.HTTPHandlerFunc(metrics.HealthHandler()))
	app.Get("/ready", adaptor.HTTPHandlerFunc(metrics.ReadyHandler()))
	app.Get("/live", adaptor.HTTPHandlerFunc(metrics.LivenessHandler()))
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
}
