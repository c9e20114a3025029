// Package middleware provides authentication, logging, tracing and rate-limit middleware.
package middleware

import (
	"context"
	"crypto/subtle"
	"strings"

	"fireframe/internal/models"

	"github.com/gofiber/fiber/v2"
)

// Fiber locals written by the middleware in this package.
const (
	LocalUserID      = "userID"
	LocalAuthUser    = "authUser"
	LocalAccessToken = "accessToken"
	LocalRole        = "role"
)

// Roles granted by the API key gate.
const (
	RoleAnon        = "anon"
	RoleServiceRole = "service_role"
)

// TokenVerifier resolves a bearer token to the user it was issued for.
type TokenVerifier interface {
	GetUser(ctx context.Context, accessToken string) (*models.AuthUser, error)
}

func bearerToken(c *fiber.Ctx) (string, string) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return "", "Authorization header required"
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", "Invalid authorization header format"
	}
	return parts[1], ""
}

func authenticate(c *fiber.Ctx, verifier TokenVerifier, token string) error {
	user, err := verifier.GetUser(c.UserContext(), token)
	if err != nil || user == nil || user.ID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired token",
		})
	}

	c.Locals(LocalUserID, user.ID)
	c.Locals(LocalAuthUser, user)
	c.Locals(LocalAccessToken, token)
	c.SetUserContext(context.WithValue(c.UserContext(), UserIDKey, user.ID))
	return c.Next()
}

// AuthRequired enforces a valid bearer token on protected routes.
func AuthRequired(verifier TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, problem := bearerToken(c)
		if problem != "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": problem,
			})
		}
		return authenticate(c, verifier, token)
	}
}

// WebSocketAuthRequired reads the token from the "token" query parameter,
// falling back to the Authorization header.
func WebSocketAuthRequired(verifier TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("token")
		if token == "" {
			var problem string
			token, problem = bearerToken(c)
			if problem != "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Token required",
				})
			}
		}
		return authenticate(c, verifier, token)
	}
}

// APIKeyRequired admits requests carrying the anon or service-role key in the
// apikey header or query parameter, and records the granted role.
func APIKeyRequired(anonKey, serviceRoleKey string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get("apikey")
		if key == "" {
			key = c.Query("apikey")
		}

		switch {
		case key != "" && serviceRoleKey != "" && constantTimeEqual(key, serviceRoleKey):
			c.Locals(LocalRole, RoleServiceRole)
		case key != "" && constantTimeEqual(key, anonKey):
			c.Locals(LocalRole, RoleAnon)
		default:
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "No API key found in request",
			})
		}
		return c.Next()
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// AuthUserFrom returns the authenticated user stored by AuthRequired.
func AuthUserFrom(c *fiber.Ctx) (*models.AuthUser, bool) {
	u, ok := c.Locals(LocalAuthUser).(*models.AuthUser)
	return u, ok && u != nil
}

// IsServiceRole reports whether the request presented the service-role key.
func IsServiceRole(c *fiber.Ctx) bool {
	role, _ := c.Locals(LocalRole).(string)
	return role == RoleServiceRole
}
