// pkg/middlewares/auth.go
package middlewares

import (
	"strings"

	"github.com/ociproxy/imgfetch/config"
	"github.com/ociproxy/imgfetch/pkg/utils"

	"github.com/gofiber/fiber/v2"
)

// AuthMiddleware guards the Control API with a single bearer token when
// one is configured (§6). An empty token disables the guard entirely -
// suitable for local/dev use where the engine has no untrusted callers.
type AuthMiddleware struct {
	config *config.Config
	log    *utils.Logger
}

func NewAuthMiddleware(cfg *config.Config, log *utils.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		config: cfg,
		log:    log,
	}
}

func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m.config.ControlAPI.Token == "" {
			return c.Next()
		}

		auth := c.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			m.log.Warn("missing bearer token")
			return c.Status(401).JSON(fiber.Map{
				"code":    401,
				"message": "authentication required",
			})
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token != m.config.ControlAPI.Token {
			m.log.Warn("invalid bearer token")
			return c.Status(401).JSON(fiber.Map{
				"code":    401,
				"message": "invalid token",
			})
		}

		return c.Next()
	}
}
