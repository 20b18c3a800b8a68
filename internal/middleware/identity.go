package middleware

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

const userIDHeader = "X-User-ID"

// TrustedIdentity reads the caller identity forwarded by the edge proxy.
// Authentication itself happens upstream; this service only needs to know
// who the verified caller is.
func TrustedIdentity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get(userIDHeader)
		if userID == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing caller identity")
		}
		c.Locals("user_id", userID)
		return c.Next()
	}
}
