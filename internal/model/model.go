// Package model defines the core domain types shared across the ledger service.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// History categories.
const (
	CategoryTrade = "TRADE"
	CategoryChat  = "CHAT"
	CategoryQuery = "QUERY"
)

// History actions.
const (
	ActionBuy   = "BUY"
	ActionSell  = "SELL"
	ActionOther = "OTHER"
)

// HistoryEntry is an immutable record of one ledger operation.
// Once created, these are never modified or deleted.
type HistoryEntry struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Category  string          `json:"category" db:"category"` // TRADE, CHAT, QUERY
	Action    string          `json:"action" db:"action"`     // BUY, SELL, OTHER
	Code      string          `json:"code,omitempty" db:"code"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Message   string          `json:"message" db:"message"`
}

// Position is a user's holding in one instrument.
type Position struct {
	Code     string          `json:"code"`
	Quantity int64           `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// CostBasis is quantity × average cost.
func (p Position) CostBasis() decimal.Decimal {
	return p.AvgCost.Mul(decimal.NewFromInt(p.Quantity))
}

// Account is a user's cash balance, holdings, and trade history.
type Account struct {
	UserID      string              `json:"user_id" db:"user_id"`
	Cash        decimal.Decimal     `json:"cash" db:"cash"`
	RealizedPnL decimal.Decimal     `json:"realized_pnl" db:"realized_pnl"`
	Positions   map[string]Position `json:"positions"`
	History     []HistoryEntry      `json:"history,omitempty"`
	Version     int64               `json:"version" db:"version"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers can't mutate shared state.
func (a *Account) Clone() *Account {
	c := *a
	c.Positions = make(map[string]Position, len(a.Positions))
	for k, v := range a.Positions {
		c.Positions[k] = v
	}
	if a.History != nil {
		c.History = append([]HistoryEntry(nil), a.History...)
	}
	return &c
}

// SortedPositions returns positions ordered by code.
func (a *Account) SortedPositions() []Position {
	out := make([]Position, 0, len(a.Positions))
	for _, p := range a.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Member is the template record new accounts copy their seed cash from.
type Member struct {
	UserID    string          `json:"user_id" db:"user_id"`
	SeedCash  decimal.Decimal `json:"seed_cash" db:"seed_cash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Session binds an opaque token to a user until ExpiresAt.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Valuation is a mark-to-market view of one position.
type Valuation struct {
	Position
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Priced        bool            `json:"priced"`
}

// AccountStatus is the snapshot returned to callers.
type AccountStatus struct {
	UserID        string          `json:"user_id"`
	Cash          decimal.Decimal `json:"cash"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Positions     []Valuation     `json:"positions"`
	CostBasis     decimal.Decimal `json:"cost_basis"`     // Σ qty × avg
	MarketValue   decimal.Decimal `json:"market_value"`   // Σ priced market values
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // Σ priced unrealized
	TotalEquity   decimal.Decimal `json:"total_equity"`   // cash + market value (cost basis when unpriced)
	Recent        []HistoryEntry  `json:"recent_history"`
}

// Standing is one account's place on the profit leaderboard.
type Standing struct {
	Rank          int             `json:"rank"`
	UserID        string          `json:"user_id"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalProfit   decimal.Decimal `json:"total_profit"` // realized + unrealized
	TotalEquity   decimal.Decimal `json:"total_equity"`
}
