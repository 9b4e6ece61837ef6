// Package session maps opaque bearer tokens to users with an explicit expiry.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lzegg/papertrade/internal/model"
)

var ErrNotFound = errors.New("session: not found or expired")

// Store holds sessions. Implementations must treat expired sessions as absent.
type Store interface {
	// GetOrCreate returns the user's live session, creating one if needed.
	GetOrCreate(ctx context.Context, userID string) (model.Session, error)

	// Get resolves a token.
	Get(ctx context.Context, token string) (model.Session, error)

	// Delete ends a session. Deleting an unknown token is not an error.
	Delete(ctx context.Context, token string) error
}

func newSession(userID string, ttl time.Duration, now time.Time) model.Session {
	return model.Session{
		Token:     uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}
