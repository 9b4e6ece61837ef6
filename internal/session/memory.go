package session

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/lzegg/papertrade/internal/model"
)

// MemoryStore keeps sessions in process with a janitor sweeping expired
// entries. Sessions are lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens *cache.Cache // token → model.Session
	users  *cache.Cache // userID → token
	now    func() time.Time
}

// NewMemoryStore creates a session store whose sessions live for ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:    ttl,
		tokens: cache.New(ttl, ttl),
		users:  cache.New(ttl, ttl),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, userID string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok, ok := s.users.Get(userID); ok {
		if sess, ok := s.lookup(tok.(string)); ok {
			return sess, nil
		}
	}

	sess := newSession(userID, s.ttl, s.now())
	s.tokens.Set(sess.Token, sess, s.ttl)
	s.users.Set(userID, sess.Token, s.ttl)
	return sess, nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.lookup(token)
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.tokens.Get(token); ok {
		sess := v.(model.Session)
		if cur, ok := s.users.Get(sess.UserID); ok && cur.(string) == token {
			s.users.Delete(sess.UserID)
		}
	}
	s.tokens.Delete(token)
	return nil
}

// lookup checks expiry itself so results don't depend on janitor timing.
func (s *MemoryStore) lookup(token string) (model.Session, bool) {
	v, ok := s.tokens.Get(token)
	if !ok {
		return model.Session{}, false
	}
	sess := v.(model.Session)
	if sess.Expired(s.now()) {
		return model.Session{}, false
	}
	return sess, true
}
