// middleware/auth.go
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	PlayerAddressHeader = "X-Player-Address"
	localPlayer         = "player_address"
)

// PlayerContextMiddleware requires the wallet address the gateway resolved
// for the caller and stores it for handlers.
func PlayerContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		player := strings.TrimSpace(c.Get(PlayerAddressHeader))
		if player == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing " + PlayerAddressHeader + ", request must come through gateway with player context",
			})
		}
		c.Locals(localPlayer, player)
		return c.Next()
	}
}

// Player returns the address set by PlayerContextMiddleware.
func Player(c *fiber.Ctx) string {
	p, _ := c.Locals(localPlayer).(string)
	return p
}
