package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// InternalTokenHeader carries the shared secret of trusted callers.
const InternalTokenHeader = "X-Internal-Token"

// RequireInternalToken accepts requests that carry token in the
// X-Internal-Token header or as a bearer token. An empty token rejects
// everything.
func RequireInternalToken(token string) fiber.Handler {
	if token == "" {
		log.Warn("[Middleware] INTERNAL_API_TOKEN is empty, internal routes will reject all requests")
	}
	expected := []byte(token)

	return func(c *fiber.Ctx) error {
		provided := extractToken(c)
		if token == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message":   "unauthorized",
				"errorCode": "unauthorized",
			})
		}
		return c.Next()
	}
}

func extractToken(c *fiber.Ctx) string {
	token := strings.TrimSpace(c.Get(InternalTokenHeader))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
