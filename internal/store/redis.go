package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lzegg/papertrade/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Cached accounts carry their version, so a stale read can only cost a
// CommitTrade conflict, never a lost update.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, acct *model.Account) error {
	if err := s.primary.CreateAccount(ctx, acct); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(acct.UserID))
	return nil
}

func (s *CachedStore) CommitTrade(ctx context.Context, c TradeCommit) error {
	err := s.primary.CommitTrade(ctx, c)
	// Invalidate on conflict too; the cached copy is evidently stale.
	s.rdb.Del(ctx, accountKey(c.UserID))
	return err
}

func (s *CachedStore) UpsertMember(ctx context.Context, m *model.Member) error {
	if err := s.primary.UpsertMember(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, memberKey(m.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			if a.Positions == nil {
				a.Positions = make(map[string]model.Position)
			}
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(userID), data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) GetMember(ctx context.Context, userID string) (*model.Member, error) {
	data, err := s.rdb.Get(ctx, memberKey(userID)).Bytes()
	if err == nil {
		var m model.Member
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMember(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, memberKey(userID), data, s.ttl)
	}
	return m, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) AppendHistory(ctx context.Context, userID string, entry *model.HistoryEntry) error {
	return s.primary.AppendHistory(ctx, userID, entry)
}

func (s *CachedStore) GetHistory(ctx context.Context, userID string, limit int) ([]model.HistoryEntry, error) {
	return s.primary.GetHistory(ctx, userID, limit)
}

// --- Cache helpers ---

func accountKey(uid string) string { return fmt.Sprintf("account:%s", uid) }
func memberKey(uid string) string  { return fmt.Sprintf("member:%s", uid) }
