// pkg/api/maintenance.go
package api

import (
	"github.com/ociproxy/imgfetch/pkg/sweeper"
	"github.com/ociproxy/imgfetch/pkg/utils"

	"github.com/gofiber/fiber/v2"
)

// MaintenanceHandler exposes on-demand maintenance operations alongside
// the sweeper's own interval loop.
type MaintenanceHandler struct {
	sweeper *sweeper.Sweeper
	log     *utils.Logger
}

func NewMaintenanceHandler(sweep *sweeper.Sweeper, log *utils.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{sweeper: sweep, log: log}
}

// Sweep handles POST /api/maintenance/sweep, running one sweep pass
// immediately instead of waiting for the next tick of the interval loop.
func (h *MaintenanceHandler) Sweep(c *fiber.Ctx) error {
	result, err := h.sweeper.Run()
	if err != nil {
		return RespondErr(c, err)
	}
	if result == nil {
		// Run() returns (nil, nil) when a pass is already in flight.
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"code": fiber.StatusConflict, "message": "sweep already in progress"})
	}
	return c.JSON(fiber.Map{"code": fiber.StatusOK, "data": result})
}
