package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCache_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10, time.Minute)
	s := New("user-1", time.Minute, time.Now())

	require.NoError(t, c.Put(ctx, s))

	got, err := c.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	require.NoError(t, c.Delete(ctx, s.ID))
	_, err = c.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLRUCache_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10, 30*time.Millisecond)
	s := New("user-1", 30*time.Millisecond, time.Now())
	require.NoError(t, c.Put(ctx, s))

	assert.Eventually(t, func() bool {
		_, err := c.Get(ctx, s.ID)
		return err == ErrNotFound
	}, time.Second, 10*time.Millisecond)
}

func TestLRUCache_EvictsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(2, time.Minute)
	first := New("u", time.Minute, time.Now())
	require.NoError(t, c.Put(ctx, first))
	require.NoError(t, c.Put(ctx, New("u", time.Minute, time.Now())))
	require.NoError(t, c.Put(ctx, New("u", time.Minute, time.Now())))

	assert.Equal(t, 2, c.Len())
	_, err := c.Get(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNew_SetsExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New("u", 15*time.Minute, now)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, now.Add(15*time.Minute), s.ExpiresAt)
}
