package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/dipu67/socialApp-sub000/internal/services"
)

// AuthMiddleware verifies the session token before the handler runs. When the
// token claims lack a canonical user_id the middleware falls back to a lookup
// by username; if that also fails the request is rejected rather than passed
// through unauthenticated.
func AuthMiddleware(users *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Token from query param `access_token` (websocket clients) or the
		// Authorization header.
		token := c.Query("access_token")
		if token == "" {
			authHeader := c.Get("Authorization")
			if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
				token = authHeader[7:]
			}
		}

		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Missing token")
		}

		claims, err := services.ValidateToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid token")
		}

		username, _ := claims["username"].(string)

		// claims["user_id"] comes as float64 from JSON
		if uid, ok := claims["user_id"].(float64); ok {
			c.Locals("user_id", int(uid))
		} else {
			// Fallback: resolve the identity from the store.
			if username == "" {
				return fiber.NewError(fiber.StatusUnauthorized, "Invalid token claims")
			}
			user, err := users.GetUserByUsername(c.Context(), username)
			if err != nil {
				return fiber.NewError(fiber.StatusUnauthorized, "Unknown user")
			}
			c.Locals("user_id", user.ID)
		}

		c.Locals("username", username)
		return c.Next()
	}
}
