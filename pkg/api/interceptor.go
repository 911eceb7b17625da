package api

import (
	"strconv"

	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// requestMetrics counts every request by method and final status
func requestMetrics(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		timer := metrics.NewTimer()
		if err := c.Next(); err != nil {
			// Render the error now so the recorded status is the final one
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		metrics.APIRequestsTotal.WithLabelValues(c.Method(), strconv.Itoa(status)).Inc()

		logger.Debug().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", timer.Duration()).
			Msg("request")
		return nil
	}
}

// readOnly rejects every request that could change state
func readOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isReadOnlyMethod(c.Method()) {
			return c.Next()
		}
		return fiber.NewError(fiber.StatusForbidden, "write operations are disabled on this listener")
	}
}

func isReadOnlyMethod(method string) bool {
	switch method {
	case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
		return true
	}
	return false
}
