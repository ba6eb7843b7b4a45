// Package enrich resolves user ids to display names for API responses.
// Lookups are best effort and never fail the caller.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const DefaultFallbackName = "Unknown User"

type Config struct {
	// BaseURL of the user lookup API, e.g. https://discord.com/api/v10.
	// Empty disables lookups.
	BaseURL      string
	BotToken     string
	Timeout      time.Duration
	CacheTTL     time.Duration
	CacheSize    int
	FallbackName string
}

type Resolver struct {
	cfg    Config
	http   *http.Client
	cache  *expirable.LRU[string, string]
	logger *slog.Logger
}

func NewResolver(cfg Config, httpClient *http.Client, logger *slog.Logger) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.FallbackName == "" {
		cfg.FallbackName = DefaultFallbackName
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Resolver{
		cfg:    cfg,
		http:   httpClient,
		cache:  expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: logger.With(slog.String("component", "enrich")),
	}
}

// DisplayName returns the user's display name, or the fallback name when
// the lookup is disabled or fails. Failures are not cached.
func (r *Resolver) DisplayName(ctx context.Context, userID string) string {
	if userID == "" || r.cfg.BaseURL == "" {
		return r.cfg.FallbackName
	}
	if name, ok := r.cache.Get(userID); ok {
		return name
	}

	name, err := r.lookup(ctx, userID)
	if err != nil {
		r.logger.Debug("display name lookup failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return r.cfg.FallbackName
	}
	r.cache.Add(userID, name)
	return name
}

// DisplayNames resolves each distinct id once.
func (r *Resolver) DisplayNames(ctx context.Context, userIDs []string) map[string]string {
	names := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		if _, ok := names[id]; !ok {
			names[id] = r.DisplayName(ctx, id)
		}
	}
	return names
}

type userResponse struct {
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
}

func (r *Resolver) lookup(ctx context.Context, userID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return "", err
	}
	if r.cfg.BotToken != "" {
		req.Header.Set("Authorization", "Bot "+r.cfg.BotToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lookup %s: status %d", userID, resp.StatusCode)
	}

	var u userResponse
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return "", fmt.Errorf("lookup %s: %w", userID, err)
	}
	switch {
	case u.GlobalName != "":
		return u.GlobalName, nil
	case u.Username != "":
		return u.Username, nil
	}
	return "", fmt.Errorf("lookup %s: empty name", userID)
}
