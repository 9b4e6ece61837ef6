// Package store defines the persistence interface for the ledger service.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/lzegg/papertrade/internal/model"
)

var (
	ErrAccountNotFound = errors.New("store: account not found")
	ErrAccountExists   = errors.New("store: account already exists")
	ErrMemberNotFound  = errors.New("store: member not found")

	// ErrVersionConflict means the account changed since it was read.
	ErrVersionConflict = errors.New("store: account version conflict")

	// ErrNegativeBalance means the commit would take cash below zero.
	ErrNegativeBalance = errors.New("store: commit would make cash negative")
)

// TradeCommit is a single conditional write produced by one buy or sell.
// It applies only if the account is still at Version. Commits are
// idempotent by Entry.ID: re-sending one that already landed is a no-op.
type TradeCommit struct {
	UserID  string
	Version int64

	// CashDelta is added to cash (negative on buy).
	CashDelta decimal.Decimal

	// RealizedDelta is added to the realized P&L running total.
	RealizedDelta decimal.Decimal

	// Position is written under Position.Code; Quantity 0 removes it.
	Position model.Position

	Entry model.HistoryEntry
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Accounts ---

	// GetAccount retrieves an account with its positions (history not loaded).
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// CreateAccount persists a new account; ErrAccountExists if present.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// CommitTrade applies a trade if the account version still matches.
	CommitTrade(ctx context.Context, c TradeCommit) error

	// ListAccounts returns every account with its positions, ordered by user ID.
	ListAccounts(ctx context.Context) ([]*model.Account, error)

	// --- Immutable history ---

	// AppendHistory appends a non-trade record; idempotent by entry ID.
	AppendHistory(ctx context.Context, userID string, entry *model.HistoryEntry) error

	// GetHistory returns the newest limit entries, oldest first. limit <= 0 returns all.
	GetHistory(ctx context.Context, userID string, limit int) ([]model.HistoryEntry, error)

	// --- Members (account templates) ---

	// GetMember retrieves a member record.
	GetMember(ctx context.Context, userID string) (*model.Member, error)

	// UpsertMember creates or updates a member record.
	UpsertMember(ctx context.Context, m *model.Member) error
}

// IsDomainError reports whether err is a store outcome rather than a
// transport failure. Domain errors are never retried.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAccountExists) ||
		errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrNegativeBalance)
}

// tail returns the last limit entries; limit <= 0 returns all.
func tail(entries []model.HistoryEntry, limit int) []model.HistoryEntry {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	return entries[len(entries)-limit:]
}
