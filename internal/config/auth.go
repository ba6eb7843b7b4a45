package config

import (
	"fmt"
	"strings"
	"time"

	"memoryvault/internal/middleware"
)

const (
	defaultJWTSecret     = "change-me-jwt-secret"
	defaultInternalToken = "change-me-internal-token"
	defaultJWTTTL        = "24h"
)

type AuthConfig struct {
	JWTSecret string
	JWTTTL    time.Duration

	// Internal guards the bot-facing upload endpoint.
	Internal middleware.InternalTokenConfig
}

func loadAuth(r *envReader) AuthConfig {
	return AuthConfig{
		JWTSecret: strings.TrimSpace(getEnv("JWT_SECRET", defaultJWTSecret)),
		JWTTTL:    r.duration("JWT_TTL", defaultJWTTTL),
		Internal: middleware.InternalTokenConfig{
			Enabled:    parseBoolEnv("INTERNAL_API_ENABLED", "true"),
			Token:      strings.TrimSpace(getEnv("INTERNAL_API_TOKEN", defaultInternalToken)),
			AllowedIPs: parseListEnv("INTERNAL_API_ALLOWED_IPS"),
		},
	}
}

func (a AuthConfig) validate(appEnv string) error {
	if a.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be > 0")
	}
	if a.Internal.Enabled && strings.TrimSpace(a.Internal.Token) == "" {
		return fmt.Errorf("INTERNAL_API_TOKEN must be set when the internal API is enabled")
	}

	if isProdLike(appEnv) {
		if isEmptyOrDefault(a.JWTSecret, defaultJWTSecret) {
			return fmt.Errorf("in prod/release JWT_SECRET must be set and not default")
		}
		if a.Internal.Enabled && isEmptyOrDefault(a.Internal.Token, defaultInternalToken) {
			return fmt.Errorf("in prod/release INTERNAL_API_TOKEN must be set and not default")
		}
	}
	return nil
}

func isProdLike(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "prod" || env == "production" || env == "release"
}

func isEmptyOrDefault(v, def string) bool {
	trimmed := strings.TrimSpace(v)
	return trimmed == "" || trimmed == def
}
