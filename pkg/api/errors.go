// pkg/api/errors.go
package api

import (
	"github.com/ociproxy/imgfetch/pkg/enginerr"

	"github.com/gofiber/fiber/v2"
)

// HTTPError sends a JSON error response with a consistent envelope.
func HTTPError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"code": status, "message": message})
}

// statusForKind maps an engine error Kind to an HTTP status (§7).
func statusForKind(kind enginerr.Kind) int {
	switch kind {
	case enginerr.InvalidArgument:
		return fiber.StatusBadRequest
	case enginerr.Auth:
		return fiber.StatusUnauthorized
	case enginerr.NotFound:
		return fiber.StatusNotFound
	case enginerr.ProtocolViolation:
		return fiber.StatusBadGateway
	case enginerr.Cancelled:
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

// RespondErr writes err to the response using its engine Kind when present,
// falling back to 500 for unclassified errors.
func RespondErr(c *fiber.Ctx, err error) error {
	return HTTPError(c, statusForKind(enginerr.KindOf(err)), err.Error())
}
