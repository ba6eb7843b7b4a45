package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"memoryvault/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJWTAuth_ValidToken(t *testing.T) {
	jwtService := jwt.New("test-secret-123", time.Hour)
	validToken, err := jwtService.GenerateToken("42", "member", []string{"g-1"})
	require.NoError(t, err)

	router := gin.New()
	router.Use(JWTAuth(jwtService))
	router.GET("/protected", func(c *gin.Context) {
		claims := ClaimsFrom(c)
		c.JSON(http.StatusOK, gin.H{
			"user_id": c.GetString(ContextUserID),
			"role":    c.GetString(ContextRole),
			"member":  claims != nil && claims.MemberOf("g-1"),
		})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+validToken)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"42","role":"member","member":true}`, w.Body.String())
}

func TestJWTAuth_Rejections(t *testing.T) {
	jwtService := jwt.New("secret", time.Hour)

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{name: "missing", header: "", code: "AUTH_HEADER_MISSING"},
		{name: "wrong scheme", header: "Basic dGVzdA==", code: "INVALID_AUTH_FORMAT"},
		{name: "empty bearer", header: "Bearer  ", code: "INVALID_AUTH_FORMAT"},
		{name: "garbage token", header: "Bearer invalid-jwt-here", code: "INVALID_TOKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(JWTAuth(jwtService))
			router.GET("/protected", func(c *gin.Context) {
				t.Fatal("handler should not be reached")
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}

func TestAdminOnly(t *testing.T) {
	jwtService := jwt.New("secret", time.Hour)
	member, _ := jwtService.GenerateToken("1", "member", nil)
	admin, _ := jwtService.GenerateToken("2", RoleAdmin, nil)

	router := gin.New()
	router.Use(JWTAuth(jwtService), AdminOnly())
	router.GET("/admin", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for token, want := range map[string]int{member: http.StatusForbidden, admin: http.StatusNoContent} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code)
	}
}

func TestInternalTokenAuth(t *testing.T) {
	tests := []struct {
		name   string
		cfg    InternalTokenConfig
		header string
		status int
	}{
		{name: "ok", cfg: InternalTokenConfig{Enabled: true, Token: "s3cret"}, header: "Bearer s3cret", status: http.StatusOK},
		{name: "disabled", cfg: InternalTokenConfig{Enabled: false, Token: "s3cret"}, header: "Bearer s3cret", status: http.StatusForbidden},
		{name: "missing", cfg: InternalTokenConfig{Enabled: true, Token: "s3cret"}, status: http.StatusUnauthorized},
		{name: "wrong", cfg: InternalTokenConfig{Enabled: true, Token: "s3cret"}, header: "Bearer nope", status: http.StatusForbidden},
		{name: "unconfigured", cfg: InternalTokenConfig{Enabled: true}, header: "Bearer x", status: http.StatusInternalServerError},
		{name: "ip not allowed", cfg: InternalTokenConfig{Enabled: true, Token: "s3cret", AllowedIPs: []string{"10.0.0.1"}}, header: "Bearer s3cret", status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(InternalTokenAuth(tt.cfg, discardLogger()))
			router.POST("/internal", func(c *gin.Context) {
				c.String(http.StatusOK, c.GetString(ContextUserID))
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/internal", nil)
			req.Header.Set("X-User-ID", "u-7")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "u-7", w.Body.String())
			}
		})
	}
}

func TestErrorLogger_RecoversPanic(t *testing.T) {
	router := gin.New()
	router.Use(ErrorLogger(discardLogger()))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_SERVER_ERROR")
}

func TestCORS_Preflight(t *testing.T) {
	router := gin.New()
	router.Use(CORS([]string{"https://dash.example"}))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://dash.example")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://dash.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
