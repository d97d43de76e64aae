package httpapi

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/carbon-collector/internal/collector"
)

// StatusSource exposes the collection loop's current state.
type StatusSource interface {
	Status() collector.Status
}

// RegisterRoutes wires the status handlers into the Fiber app.
// The surface is read-only and reports loop health; it does not serve the series.
func RegisterRoutes(app *fiber.App, src StatusSource, gatherer prometheus.Gatherer) {
	app.Get("/health", func(c *fiber.Ctx) error {
		st := src.Status()
		if st.ConsecutiveFailures > 0 {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":              "failing",
				"service":             "carbon-collector",
				"consecutiveFailures": st.ConsecutiveFailures,
			})
		}
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "carbon-collector",
		})
	})

	v1 := app.Group("/api/v1")
	v1.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(src.Status())
	})

	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}
