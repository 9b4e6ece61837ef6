package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lzegg/papertrade/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	history  map[string][]model.HistoryEntry
	members  map[string]*model.Member
	entryIDs map[string]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		history:  make(map[string][]model.HistoryEntry),
		members:  make(map[string]*model.Member),
		entryIDs: make(map[string]struct{}),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("get account %s: %w", userID, ErrAccountNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.UserID]; ok {
		return fmt.Errorf("create account %s: %w", acct.UserID, ErrAccountExists)
	}

	// Store a copy to avoid external mutation.
	c := acct.Clone()
	c.History = nil
	if c.Positions == nil {
		c.Positions = make(map[string]model.Position)
	}
	s.accounts[acct.UserID] = c
	return nil
}

func (s *MemoryStore) CommitTrade(_ context.Context, c TradeCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.entryIDs[c.Entry.ID]; done {
		return nil
	}
	a, ok := s.accounts[c.UserID]
	if !ok {
		return fmt.Errorf("commit trade %s: %w", c.UserID, ErrAccountNotFound)
	}
	if a.Version != c.Version {
		return fmt.Errorf("commit trade %s (have v%d, want v%d): %w", c.UserID, a.Version, c.Version, ErrVersionConflict)
	}
	newCash := a.Cash.Add(c.CashDelta)
	if newCash.IsNegative() {
		return fmt.Errorf("commit trade %s: %w", c.UserID, ErrNegativeBalance)
	}

	a.Cash = newCash
	a.RealizedPnL = a.RealizedPnL.Add(c.RealizedDelta)
	if c.Position.Quantity == 0 {
		delete(a.Positions, c.Position.Code)
	} else {
		a.Positions[c.Position.Code] = c.Position
	}
	a.Version++
	a.UpdatedAt = time.Now().UTC()

	s.appendLocked(c.UserID, c.Entry)
	return nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, userID string, entry *model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; !ok {
		return fmt.Errorf("append history %s: %w", userID, ErrAccountNotFound)
	}
	if _, done := s.entryIDs[entry.ID]; !done {
		s.appendLocked(userID, *entry)
	}
	return nil
}

func (s *MemoryStore) appendLocked(userID string, e model.HistoryEntry) {
	s.history[userID] = append(s.history[userID], e)
	s.entryIDs[e.ID] = struct{}{}
}

func (s *MemoryStore) GetHistory(_ context.Context, userID string, limit int) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := tail(s.history[userID], limit)
	return append([]model.HistoryEntry(nil), entries...), nil
}

func (s *MemoryStore) GetMember(_ context.Context, userID string) (*model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[userID]
	if !ok {
		return nil, fmt.Errorf("get member %s: %w", userID, ErrMemberNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) UpsertMember(_ context.Context, m *model.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	if existing, ok := s.members[m.UserID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	s.members[m.UserID] = &cp
	return nil
}
