package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzegg/papertrade/internal/model"
)

func seedAccount(t *testing.T, s *MemoryStore, userID string, cash int64) {
	t.Helper()
	err := s.CreateAccount(context.Background(), &model.Account{
		UserID:    userID,
		Cash:      decimal.NewFromInt(cash),
		Positions: map[string]model.Position{},
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func entry(id, action string) model.HistoryEntry {
	return model.HistoryEntry{ID: id, Category: model.CategoryTrade, Action: action, Timestamp: time.Now().UTC()}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetAccount(ctx, "u1")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	seedAccount(t, s, "u1", 1000)
	err = s.CreateAccount(ctx, &model.Account{UserID: "u1"})
	assert.ErrorIs(t, err, ErrAccountExists)

	a, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, a.Cash.Equal(decimal.NewFromInt(1000)))
	assert.NotNil(t, a.Positions)

	// Returned copies are detached from stored state.
	a.Positions["X"] = model.Position{Code: "X", Quantity: 1}
	again, _ := s.GetAccount(ctx, "u1")
	assert.Empty(t, again.Positions)
}

func TestMemoryStore_CommitTrade(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "u1", 1000)

	err := s.CommitTrade(ctx, TradeCommit{
		UserID:    "u1",
		Version:   0,
		CashDelta: decimal.NewFromInt(-400),
		Position:  model.Position{Code: "AAPL", Quantity: 4, AvgCost: decimal.NewFromInt(100)},
		Entry:     entry("e1", model.ActionBuy),
	})
	require.NoError(t, err)

	a, _ := s.GetAccount(ctx, "u1")
	assert.Equal(t, int64(1), a.Version)
	assert.True(t, a.Cash.Equal(decimal.NewFromInt(600)))
	assert.Equal(t, int64(4), a.Positions["AAPL"].Quantity)

	// Stale version is rejected without mutation.
	err = s.CommitTrade(ctx, TradeCommit{
		UserID:    "u1",
		Version:   0,
		CashDelta: decimal.NewFromInt(-100),
		Position:  model.Position{Code: "AAPL", Quantity: 5, AvgCost: decimal.NewFromInt(100)},
		Entry:     entry("e2", model.ActionBuy),
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	// Negative cash is rejected.
	err = s.CommitTrade(ctx, TradeCommit{
		UserID:    "u1",
		Version:   1,
		CashDelta: decimal.NewFromInt(-601),
		Position:  model.Position{Code: "AAPL", Quantity: 10, AvgCost: decimal.NewFromInt(100)},
		Entry:     entry("e3", model.ActionBuy),
	})
	assert.ErrorIs(t, err, ErrNegativeBalance)

	// Quantity 0 removes the position.
	err = s.CommitTrade(ctx, TradeCommit{
		UserID:        "u1",
		Version:       1,
		CashDelta:     decimal.NewFromInt(480),
		RealizedDelta: decimal.NewFromInt(80),
		Position:      model.Position{Code: "AAPL"},
		Entry:         entry("e4", model.ActionSell),
	})
	require.NoError(t, err)

	a, _ = s.GetAccount(ctx, "u1")
	assert.NotContains(t, a.Positions, "AAPL")
	assert.True(t, a.Cash.Equal(decimal.NewFromInt(1080)))
	assert.True(t, a.RealizedPnL.Equal(decimal.NewFromInt(80)))

	h, _ := s.GetHistory(ctx, "u1", 0)
	require.Len(t, h, 2)
	assert.Equal(t, "e1", h[0].ID)
	assert.Equal(t, "e4", h[1].ID)
}

func TestMemoryStore_History(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	e := entry("x", model.ActionOther)
	assert.ErrorIs(t, s.AppendHistory(ctx, "nobody", &e), ErrAccountNotFound)

	seedAccount(t, s, "u1", 0)
	for _, id := range []string{"a", "b", "c"} {
		e := entry(id, model.ActionOther)
		require.NoError(t, s.AppendHistory(ctx, "u1", &e))
	}

	last2, err := s.GetHistory(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "b", last2[0].ID)
	assert.Equal(t, "c", last2[1].ID)

	all, _ := s.GetHistory(ctx, "u1", -1)
	assert.Len(t, all, 3)
}

func TestMemoryStore_Members(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetMember(ctx, "u1")
	assert.ErrorIs(t, err, ErrMemberNotFound)

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertMember(ctx, &model.Member{UserID: "u1", SeedCash: decimal.NewFromInt(5), CreatedAt: created}))
	require.NoError(t, s.UpsertMember(ctx, &model.Member{UserID: "u1", SeedCash: decimal.NewFromInt(7), CreatedAt: time.Now()}))

	m, err := s.GetMember(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, m.SeedCash.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, created, m.CreatedAt)
}

func TestIsDomainError(t *testing.T) {
	assert.True(t, IsDomainError(ErrVersionConflict))
	assert.True(t, IsDomainError(ErrAccountNotFound))
	assert.False(t, IsDomainError(context.DeadlineExceeded))
}

func TestMemoryStore_IdempotentByEntryID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "u1", 1000)

	c := TradeCommit{
		UserID:    "u1",
		Version:   0,
		CashDelta: decimal.NewFromInt(-100),
		Position:  model.Position{Code: "AAPL", Quantity: 1, AvgCost: decimal.NewFromInt(100)},
		Entry:     entry("t1", model.ActionBuy),
	}
	require.NoError(t, s.CommitTrade(ctx, c))
	// Re-sent after a lost response: stale version, but already applied.
	require.NoError(t, s.CommitTrade(ctx, c))

	a, _ := s.GetAccount(ctx, "u1")
	assert.Equal(t, int64(1), a.Version)
	assert.True(t, a.Cash.Equal(decimal.NewFromInt(900)))

	e := entry("n1", model.ActionOther)
	require.NoError(t, s.AppendHistory(ctx, "u1", &e))
	require.NoError(t, s.AppendHistory(ctx, "u1", &e))

	h, _ := s.GetHistory(ctx, "u1", 0)
	assert.Len(t, h, 2)
}

func TestMemoryStore_ListAccounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	accts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accts)

	seedAccount(t, s, "u2", 500)
	seedAccount(t, s, "u1", 1000)
	require.NoError(t, s.CommitTrade(ctx, TradeCommit{
		UserID:    "u2",
		CashDelta: decimal.NewFromInt(-100),
		Position:  model.Position{Code: "AAPL", Quantity: 1, AvgCost: decimal.NewFromInt(100)},
		Entry:     entry("e1", model.ActionBuy),
	}))

	accts, err = s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accts, 2)
	assert.Equal(t, "u1", accts[0].UserID)
	assert.Equal(t, "u2", accts[1].UserID)
	assert.Equal(t, int64(1), accts[1].Positions["AAPL"].Quantity)

	// Listed accounts are copies.
	delete(accts[1].Positions, "AAPL")
	again, err := s.GetAccount(ctx, "u2")
	require.NoError(t, err)
	assert.Contains(t, again.Positions, "AAPL")
}
