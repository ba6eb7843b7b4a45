// Package health serves liveness, readiness and Prometheus metrics.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Checker reports whether one dependency is usable.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type readyResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type Handler struct {
	checkers []Checker
	timeout  time.Duration
	metrics  http.Handler
}

func NewHandler(timeout time.Duration, checkers ...Checker) *Handler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Handler{checkers: checkers, timeout: timeout, metrics: promhttp.Handler()}
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
	r.GET("/metrics", gin.WrapH(h.metrics))
}

func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": StatusOK, "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

// Ready answers 503 if any checker fails.
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	resp := readyResponse{
		Status:    StatusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    make(map[string]CheckResult, len(h.checkers)),
	}
	for _, chk := range h.checkers {
		if err := chk.Check(ctx); err != nil {
			resp.Status = StatusFail
			resp.Checks[chk.Name()] = CheckResult{Status: StatusFail, Message: err.Error()}
			continue
		}
		resp.Checks[chk.Name()] = CheckResult{Status: StatusOK}
	}

	status := http.StatusOK
	if resp.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// DatabaseChecker pings the metadata store.
type DatabaseChecker struct {
	DB *gorm.DB
}

func (DatabaseChecker) Name() string { return "database" }

func (d DatabaseChecker) Check(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CheckFunc adapts a function to Checker.
type CheckFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (f CheckFunc) Name() string                    { return f.Label }
func (f CheckFunc) Check(ctx context.Context) error { return f.Fn(ctx) }
