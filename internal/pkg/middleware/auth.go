package middleware

import (
	"crypto/subtle"
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dreamtracer/mealnow-billing/internal/pkg/env"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/usercontext"
)

// JWTAuthMiddleware authenticates client requests carrying a bearer token
// minted by the main app (HS256, shared secret, sub = user id).
func JWTAuthMiddleware() fiber.Handler {
	secret := env.GetEnv("JWT_SECRET", "")
	return func(c *fiber.Ctx) error {
		if secret == "" {
			log.Print("auth middleware: JWT_SECRET is not configured")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Auth not configured"})
		}

		tokenStr := extractBearerToken(c)
		if tokenStr == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing bearer token"})
		}

		userID, err := parseUserID(tokenStr, secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid token"})
		}

		usercontext.SetUserContext(c, usercontext.UserContext{
			UserID:     userID,
			IsLoggedIn: true,
		})
		return c.Next()
	}
}

// ServiceTokenMiddleware guards internal collaborator routes with a
// static shared token compared in constant time.
func ServiceTokenMiddleware() fiber.Handler {
	expected := env.GetEnv("SERVICE_TOKEN", "")
	return func(c *fiber.Ctx) error {
		if expected == "" {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		}
		got := extractBearerToken(c)
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid service token"})
		}
		usercontext.SetUserContext(c, usercontext.UserContext{IsService: true})
		return c.Next()
	}
}

func parseUserID(tokenStr, secret string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
