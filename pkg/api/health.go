// pkg/api/health.go
package api

import (
	"time"

	"github.com/ociproxy/imgfetch/pkg/version"

	"github.com/gofiber/fiber/v2"
)

var startedAt = time.Now()

// Health handles GET /api/health (§6).
func Health(c *fiber.Ctx) error {
	now := time.Now()
	return c.JSON(fiber.Map{
		"code": fiber.StatusOK,
		"data": fiber.Map{
			"status":    "ok",
			"version":   version.Version,
			"timestamp": now,
			"uptime":    now.Sub(startedAt).Seconds(),
		},
	})
}
