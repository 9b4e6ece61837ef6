package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lzegg/papertrade/internal/model"
)

// RedisStore keeps sessions in Redis so every service instance sees them.
// Expiry is enforced by key TTL.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) GetOrCreate(ctx context.Context, userID string) (model.Session, error) {
	tok, err := s.rdb.Get(ctx, userKey(userID)).Result()
	if err == nil {
		if sess, err := s.Get(ctx, tok); err == nil {
			return sess, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return model.Session{}, fmt.Errorf("lookup session for %s: %w", userID, err)
	}

	sess := newSession(userID, s.ttl, time.Now().UTC())
	data, err := json.Marshal(sess)
	if err != nil {
		return model.Session{}, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, tokenKey(sess.Token), data, s.ttl)
	pipe.Set(ctx, userKey(userID), sess.Token, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.Session{}, fmt.Errorf("store session for %s: %w", userID, err)
	}
	return sess, nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (model.Session, error) {
	data, err := s.rdb.Get(ctx, tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("get session: %w", err)
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return model.Session{}, fmt.Errorf("decode session: %w", err)
	}
	if sess.Expired(time.Now().UTC()) {
		return model.Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	sess, err := s.Get(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, tokenKey(token), userKey(sess.UserID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func tokenKey(token string) string { return fmt.Sprintf("session:%s", token) }
func userKey(uid string) string    { return fmt.Sprintf("session:user:%s", uid) }
