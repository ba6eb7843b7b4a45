// Package backup pushes bytes to a content-addressed peer network through
// the Kubo (IPFS) RPC API. Every failure is soft: callers log it and move on.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrSoftFailure = errors.New("backup network unavailable")

var (
	backupAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoryvault_backup_attempts_total",
		Help: "Backup network add attempts by outcome.",
	}, []string{"outcome"})

	backupPinFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryvault_backup_pin_failures_total",
		Help: "Pin requests that failed after a successful add.",
	})
)

// Result identifies the backed-up copy.
type Result struct {
	CID        string
	GatewayURL string
	Pinned     bool
}

// Client is what the orchestrator needs from the backup network.
type Client interface {
	Backup(ctx context.Context, data []byte, displayName string) (*Result, error)
}

type Config struct {
	APIURL         string
	GatewayURL     string
	AttemptTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Pin            bool
}

func (c Config) withDefaults() Config {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = 10 * c.InitialBackoff
	}
	if c.GatewayURL == "" {
		c.GatewayURL = "https://ipfs.io"
	}
	return c
}

// KuboClient talks to a Kubo node's /api/v0 endpoints.
type KuboClient struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewKuboClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*KuboClient, error) {
	if cfg.APIURL == "" {
		return nil, errors.New("backup: API URL is required")
	}
	if _, err := url.Parse(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("backup: invalid API URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cfg = cfg.withDefaults()
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")

	return &KuboClient{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With(slog.String("component", "backup")),
	}, nil
}

// Backup adds data with bounded retries, then requests a pin. A failed pin
// still counts as a successful backup.
func (c *KuboClient) Backup(ctx context.Context, data []byte, displayName string) (*Result, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff
	policy.MaxInterval = c.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	var cid string
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()

		var err error
		cid, err = c.add(attemptCtx, data, displayName)
		if err == nil {
			backupAttemptsTotal.WithLabelValues("success").Inc()
			return nil
		}
		backupAttemptsTotal.WithLabelValues("failure").Inc()
		c.logger.Warn("backup add attempt failed",
			slog.Int("attempt", attempt),
			slog.String("name", displayName),
			slog.String("error", err.Error()),
		)
		var perm *permanentError
		if errors.As(err, &perm) {
			return backoff.Permanent(err)
		}
		return err
	}

	retries := backoff.WithMaxRetries(policy, uint64(c.cfg.MaxAttempts-1))
	if err := backoff.Retry(op, backoff.WithContext(retries, ctx)); err != nil {
		return nil, fmt.Errorf("%w: %d attempt(s): %v", ErrSoftFailure, attempt, err)
	}

	res := &Result{CID: cid, GatewayURL: c.cfg.GatewayURL + "/ipfs/" + cid}
	if c.cfg.Pin {
		pinCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
		if err := c.pin(pinCtx, cid); err != nil {
			backupPinFailuresTotal.Inc()
			c.logger.Warn("pin failed, keeping unpinned copy",
				slog.String("cid", cid),
				slog.String("error", err.Error()),
			)
		} else {
			res.Pinned = true
		}
	}
	return res, nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

func (c *KuboClient) add(ctx context.Context, data []byte, name string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", &permanentError{err}
	}
	if _, err := part.Write(data); err != nil {
		return "", &permanentError{err}
	}
	if err := mw.Close(); err != nil {
		return "", &permanentError{err}
	}

	q := url.Values{}
	q.Set("cid-version", "1")
	q.Set("pin", "false")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/api/v0/add?"+q.Encode(), &body)
	if err != nil {
		return "", &permanentError{err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	respBody, err := c.do(req)
	if err != nil {
		return "", err
	}

	// Kubo streams one JSON object per added entry; the first is the file.
	var out addResponse
	if err := json.NewDecoder(bytes.NewReader(respBody)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode add response: %w", err)
	}
	if out.Hash == "" {
		return "", errors.New("add response carried no hash")
	}
	return out.Hash, nil
}

func (c *KuboClient) pin(ctx context.Context, cid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIURL+"/api/v0/pin/add?arg="+url.QueryEscape(cid), nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

// do returns the body of a 2xx response. 4xx responses are permanent,
// everything else may be retried.
func (c *KuboClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	err = fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
		return nil, &permanentError{err}
	}
	return nil, err
}

// Disabled is used when no backup network is configured.
type Disabled struct{}

func (Disabled) Backup(context.Context, []byte, string) (*Result, error) {
	backupAttemptsTotal.WithLabelValues("disabled").Inc()
	return nil, fmt.Errorf("%w: backup network not configured", ErrSoftFailure)
}
