package middleware

import (
	"crypto/subtle"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AdminAuth guards the operator command surface with a static bearer
// token. The token comes from ADMIN_TOKEN; main refuses to boot without
// one, so an empty token never reaches this check.
func AdminAuth(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		presented := strings.TrimPrefix(header, "Bearer ")
		if presented == header || presented == "" {
			log.Printf("❌ [ADMIN] Missing bearer token on %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "admin bearer token required",
			})
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			log.Printf("❌ [ADMIN] Bad token on %s", c.Path())
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "invalid admin token",
			})
		}
		return c.Next()
	}
}
