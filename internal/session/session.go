// Package session tracks in-flight uploads. Sessions only correlate logs
// and retries of one attempt; nothing reads them to decide whether a
// memory exists.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrNotFound = errors.New("upload session not found")

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryvault_session_cache_hits_total",
		Help: "Upload session lookups that found a live session.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryvault_session_cache_misses_total",
		Help: "Upload session lookups that found nothing.",
	})
)

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New starts a session with a fresh id.
func New(userID string, ttl time.Duration, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Cache stores sessions until their TTL elapses.
type Cache interface {
	Put(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}
