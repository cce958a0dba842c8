package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/quillpost/api/internal/auth"
	"github.com/quillpost/api/pkg/response"
)

const localUserID = "userId"

// AuthMiddleware authenticates requests with OIDC tokens, HMAC tokens, or both
type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string // legacy HMAC tokens
}

// NewAuthMiddleware accepts OIDC tokens, falling back to HMAC tokens when
// jwtSecret is set. verifier may be nil.
func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Authenticate validates the bearer token from the Authorization header.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		return m.authenticate(c, parts[1])
	}
}

// AuthenticateQuery validates a token passed as ?token=, for websocket
// upgrades where browsers cannot set headers.
func (m *AuthMiddleware) AuthenticateQuery() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("token")
		if token == "" {
			return response.Unauthorized(c, "Missing token")
		}
		return m.authenticate(c, token)
	}
}

func (m *AuthMiddleware) authenticate(c *fiber.Ctx, token string) error {
	if m.verifier != nil {
		claims, err := m.verifier.Validate(token)
		if err == nil {
			c.Locals(localUserID, claims.UserID)
			c.Locals("email", claims.Email)
			return c.Next()
		}
		if m.jwtSecret == "" {
			return response.Unauthorized(c, "Invalid or expired token")
		}
	}

	if m.jwtSecret != "" {
		claims, err := auth.ValidateLegacyToken(token, m.jwtSecret)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}
		c.Locals(localUserID, claims.UserID)
		c.Locals("email", claims.Email)
		return c.Next()
	}

	return response.Unauthorized(c, "Authentication not configured")
}

// GetUserID returns the authenticated user id, or "".
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals(localUserID).(string); ok {
		return userID
	}
	return ""
}
