package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetOrCreateIsStable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	a, err := s.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	b, err := s.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, a.Token, b.Token)

	other, _ := s.GetOrCreate(ctx, "u2")
	assert.NotEqual(t, a.Token, other.Token)

	got, err := s.Get(ctx, a.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	sess, err := s.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, clock.Add(time.Hour), sess.ExpiresAt)

	clock = clock.Add(time.Hour)
	_, err = s.Get(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrNotFound)

	// An expired session is replaced on next use.
	fresh, err := s.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, sess.Token, fresh.Token)
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	sess, _ := s.GetOrCreate(ctx, "u1")
	require.NoError(t, s.Delete(ctx, sess.Token))
	require.NoError(t, s.Delete(ctx, "unknown"))

	_, err := s.Get(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrNotFound)

	again, _ := s.GetOrCreate(ctx, "u1")
	assert.NotEqual(t, sess.Token, again.Token)
}
