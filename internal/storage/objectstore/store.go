// Package objectstore is the primary byte store. Writes are whole-object
// and keys are never reused.
package objectstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrStorageUnavailable = errors.New("object storage unavailable")
	ErrQuotaExceeded      = errors.New("object storage quota exceeded")
	ErrNotFound           = errors.New("object not found")
)

// Object is a listing entry.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// List calls fn for every object under prefix; a non-nil error from fn
	// stops the walk and is returned.
	List(ctx context.Context, prefix string, fn func(Object) error) error
}

// NewKey builds <prefix>/<yyyy>/<mm>/<dd>/<session>-<unixnano>-<random>.<ext>.
func NewKey(prefix, sessionID, filename string, now time.Time) (string, error) {
	var rnd [4]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return "", fmt.Errorf("generate key suffix: %w", err)
	}

	now = now.UTC()
	name := fmt.Sprintf("%s-%d-%s%s", sanitize(sessionID), now.UnixNano(), hex.EncodeToString(rnd[:]), extension(filename))
	return path.Join(
		strings.Trim(prefix, "/"),
		fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()),
		name,
	), nil
}

func extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return ""
		}
	}
	return ext
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '_'
	}, s)
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		return "upload"
	}
	return s
}
