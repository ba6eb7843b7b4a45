package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"memoryvault/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

// InternalTokenConfig configures InternalTokenAuth.
type InternalTokenConfig struct {
	Enabled    bool
	Token      string
	AllowedIPs []string
}

// InternalTokenAuth protects internal endpoints using a static bearer token.
// Callers may pass the acting user in X-User-ID.
func InternalTokenAuth(cfg InternalTokenConfig, logger *slog.Logger) gin.HandlerFunc {
	allowed := make(map[string]bool, len(cfg.AllowedIPs))
	for _, ip := range cfg.AllowedIPs {
		if ip = strings.TrimSpace(ip); ip != "" {
			allowed[ip] = true
		}
	}

	fail := func(c *gin.Context, status int, code, message, reason string) {
		logger.Warn("internal auth rejected",
			slog.Int("status", status),
			slog.String("request_id", requestID(c)),
			slog.String("client_ip", c.ClientIP()),
			slog.String("reason", reason),
		)
		response.Error(c, status, code, message)
		c.Abort()
	}

	return func(c *gin.Context) {
		if !cfg.Enabled {
			fail(c, http.StatusForbidden, "AUTH_INVALID", "Internal API disabled", "disabled")
			return
		}

		if len(allowed) > 0 && !allowed[c.ClientIP()] {
			fail(c, http.StatusForbidden, "AUTH_INVALID", "IP not allowed", "ip_not_allowed")
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			fail(c, http.StatusUnauthorized, "AUTH_MISSING", "Authorization header is required", "missing_auth")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			fail(c, http.StatusUnauthorized, "AUTH_INVALID", "Authorization header must be 'Bearer <token>'", "invalid_auth_format")
			return
		}

		if cfg.Token == "" {
			fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal token is not configured", "token_not_configured")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(cfg.Token)) != 1 {
			fail(c, http.StatusForbidden, "AUTH_INVALID", "Invalid internal token", "invalid_token")
			return
		}

		if userID := strings.TrimSpace(c.GetHeader("X-User-ID")); userID != "" {
			c.Set(ContextUserID, userID)
		}

		c.Next()
	}
}
