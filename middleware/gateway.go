// middleware/gateway.go
package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// GatewayAuthMiddleware accepts only requests carrying the gateway's service
// token, either as "Bearer <token>" or raw.
func GatewayAuthMiddleware(expectedToken string, logger zerolog.Logger) fiber.Handler {
	log := logger.With().Str("component", "gateway_auth").Logger()
	expected := []byte(expectedToken)

	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			log.Warn().Str("path", c.Path()).Msg("missing authorization header")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "gateway authentication token missing",
			})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			log.Warn().Str("path", c.Path()).Msg("invalid gateway token")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid gateway authentication token",
			})
		}
		return c.Next()
	}
}
