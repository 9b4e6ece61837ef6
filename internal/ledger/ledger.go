// Package ledger implements the average-cost portfolio ledger: buys and sells
// priced from an external lookup mutate a user's cash and positions and
// append an immutable history record.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lzegg/papertrade/internal/instrument"
	"github.com/lzegg/papertrade/internal/limits"
	"github.com/lzegg/papertrade/internal/metrics"
	"github.com/lzegg/papertrade/internal/model"
	"github.com/lzegg/papertrade/internal/price"
	"github.com/lzegg/papertrade/internal/store"
)

// DefaultSeedCash is the opening balance of an account with no member record.
var DefaultSeedCash = decimal.NewFromInt(10_000_000)

// Notifier is told about every committed trade. Implementations must not block.
type Notifier interface {
	TradeExecuted(res *TradeResult)
}

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	// DefaultSeed is copied into new accounts lacking a member record.
	// nil selects DefaultSeedCash; an explicit zero opens empty accounts.
	DefaultSeed *decimal.Decimal

	// RequireRegistration refuses to create accounts without a member record.
	RequireRegistration bool

	// CollaboratorTimeout bounds each price lookup and store call attempt.
	CollaboratorTimeout time.Duration

	// CASAttempts is how many times a trade is recomputed after a version conflict.
	CASAttempts int

	// RecentHistory is the number of entries included in Status.
	RecentHistory int

	Limiter  *limits.PositionLimiter
	Notifier Notifier
}

func (o Options) withDefaults() Options {
	seed := DefaultSeedCash
	if o.DefaultSeed != nil {
		seed = *o.DefaultSeed
	}
	o.DefaultSeed = &seed
	if o.CollaboratorTimeout <= 0 {
		o.CollaboratorTimeout = 5 * time.Second
	}
	if o.CASAttempts <= 0 {
		o.CASAttempts = 3
	}
	if o.RecentHistory <= 0 {
		o.RecentHistory = 20
	}
	return o
}

// Service is the portfolio ledger. Operations on one account are serialized
// in-process; commits are compare-and-swap on the account version so several
// instances can share a store.
type Service struct {
	store  store.Store
	prices price.Source
	opts   Options
	locks  *keyedMutex
	now    func() time.Time
}

// NewService creates a ledger over st, pricing trades from prices.
func NewService(st store.Store, prices price.Source, opts Options) *Service {
	return &Service{
		store:  st,
		prices: prices,
		opts:   opts.withDefaults(),
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DefaultSeed is the opening balance of accounts without a member record.
func (s *Service) DefaultSeed() decimal.Decimal { return *s.opts.DefaultSeed }

// EnsureAccount returns the user's account, creating it from the member
// template (or the default seed) on first access. Idempotent.
func (s *Service) EnsureAccount(ctx context.Context, userID string) (*model.Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}

	acct, err := s.getAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrAccountNotFound) {
		return nil, err
	}

	seed, err := s.seedFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	acct = &model.Account{
		UserID:      userID,
		Cash:        seed,
		RealizedPnL: decimal.Zero,
		Positions:   make(map[string]model.Position),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.call(ctx, func(ctx context.Context) error {
		return s.store.CreateAccount(ctx, acct)
	})
	switch {
	case err == nil:
		metrics.AccountsCreated.Inc()
		slog.Info("account created", "user", userID, "seed", seed.String())
		return acct, nil
	case errors.Is(err, store.ErrAccountExists):
		// Another caller created it first.
		return s.getAccount(ctx, userID)
	default:
		return nil, fmt.Errorf("create account %s: %w", userID, err)
	}
}

func (s *Service) seedFor(ctx context.Context, userID string) (decimal.Decimal, error) {
	var member *model.Member
	err := s.call(ctx, func(ctx context.Context) (err error) {
		member, err = s.store.GetMember(ctx, userID)
		return err
	})
	switch {
	case err == nil:
		return member.SeedCash, nil
	case errors.Is(err, store.ErrMemberNotFound):
		if s.opts.RequireRegistration {
			return decimal.Zero, fmt.Errorf("%w: %s is not registered", ErrAccountNotFound, userID)
		}
		return *s.opts.DefaultSeed, nil
	default:
		return decimal.Zero, fmt.Errorf("load member %s: %w", userID, err)
	}
}

func (s *Service) getAccount(ctx context.Context, userID string) (*model.Account, error) {
	var acct *model.Account
	err := s.call(ctx, func(ctx context.Context) (err error) {
		acct, err = s.store.GetAccount(ctx, userID)
		return err
	})
	return acct, err
}

// Status returns a snapshot of the account, creating it if needed. With
// valuate set, positions are marked to market; a position whose price can't
// be fetched is reported unpriced instead of failing the call.
func (s *Service) Status(ctx context.Context, userID string, valuate bool) (*model.AccountStatus, error) {
	acct, err := s.EnsureAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	recent, err := s.History(ctx, userID, s.opts.RecentHistory)
	if err != nil {
		return nil, err
	}

	st := &model.AccountStatus{
		UserID:        acct.UserID,
		Cash:          acct.Cash,
		RealizedPnL:   acct.RealizedPnL,
		Positions:     make([]model.Valuation, 0, len(acct.Positions)),
		CostBasis:     decimal.Zero,
		MarketValue:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		Recent:        recent,
	}
	marked := decimal.Zero // market value, falling back to cost basis when unpriced

	for _, p := range acct.SortedPositions() {
		v := model.Valuation{Position: p}
		cost := p.CostBasis()
		st.CostBasis = st.CostBasis.Add(cost)

		if valuate {
			if px, err := s.lookupPrice(ctx, p.Code); err == nil {
				v.Priced = true
				v.CurrentPrice = px
				v.MarketValue = px.Mul(decimal.NewFromInt(p.Quantity))
				v.UnrealizedPnL = v.MarketValue.Sub(cost)
				st.MarketValue = st.MarketValue.Add(v.MarketValue)
				st.UnrealizedPnL = st.UnrealizedPnL.Add(v.UnrealizedPnL)
			} else {
				slog.Warn("valuation skipped", "user", userID, "code", p.Code, "err", err)
			}
		}
		if v.Priced {
			marked = marked.Add(v.MarketValue)
		} else {
			marked = marked.Add(cost)
		}
		st.Positions = append(st.Positions, v)
	}
	st.TotalEquity = acct.Cash.Add(marked)

	return st, nil
}

// Record appends a non-trade history entry (chat transcript, query log).
func (s *Service) Record(ctx context.Context, userID, category, message string) (*model.HistoryEntry, error) {
	category = strings.ToUpper(strings.TrimSpace(category))
	if category != model.CategoryChat && category != model.CategoryQuery {
		return nil, ErrInvalidCategory
	}
	if _, err := s.EnsureAccount(ctx, userID); err != nil {
		return nil, err
	}

	entry := &model.HistoryEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Timestamp: s.now(),
		Category:  category,
		Action:    model.ActionOther,
		Price:     decimal.Zero,
		Message:   message,
	}
	err := s.call(ctx, func(ctx context.Context) error {
		return s.store.AppendHistory(ctx, userID, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("record %s history for %s: %w", category, userID, err)
	}
	return entry, nil
}

// History returns the newest limit entries, oldest first. limit <= 0 returns all.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]model.HistoryEntry, error) {
	var entries []model.HistoryEntry
	err := s.call(ctx, func(ctx context.Context) (err error) {
		entries, err = s.store.GetHistory(ctx, userID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", userID, err)
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	return entries, nil
}

// RegisterMember creates or updates the template a new account is seeded from.
func (s *Service) RegisterMember(ctx context.Context, userID string, seed decimal.Decimal) (*model.Member, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	if seed.IsNegative() {
		return nil, ErrInvalidAmount
	}

	m := &model.Member{UserID: userID, SeedCash: seed, CreatedAt: s.now()}
	err := s.call(ctx, func(ctx context.Context) error {
		return s.store.UpsertMember(ctx, m)
	})
	if err != nil {
		return nil, fmt.Errorf("register member %s: %w", userID, err)
	}
	slog.Info("member registered", "user", userID, "seed", seed.String())
	return m, nil
}

// Price returns the current price of an instrument code as the ledger sees it.
func (s *Service) Price(ctx context.Context, code string) (decimal.Decimal, error) {
	inst, err := instrument.Normalize(code)
	if err != nil {
		return decimal.Zero, err
	}
	return s.lookupPrice(ctx, inst.Code)
}

func (s *Service) lookupPrice(ctx context.Context, code string) (decimal.Decimal, error) {
	var px decimal.Decimal
	err := s.call(ctx, func(ctx context.Context) (err error) {
		px, err = s.prices.Price(ctx, code)
		return err
	})
	if err == nil && !px.IsPositive() {
		err = fmt.Errorf("non-positive quote %s", px)
	}
	if err != nil {
		metrics.PriceLookupFailures.Inc()
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, code, err)
	}
	return px, nil
}

// call runs fn with a per-attempt timeout and retries once on transport
// failures. Domain outcomes (not found, conflict, unavailable) are returned
// as-is.
func (s *Service) call(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		actx, cancel := context.WithTimeout(ctx, s.opts.CollaboratorTimeout)
		err = fn(actx)
		cancel()
		if err == nil || store.IsDomainError(err) || errors.Is(err, price.ErrUnavailable) || ctx.Err() != nil {
			return err
		}
		slog.Warn("collaborator call failed", "attempt", attempt+1, "err", err)
	}
	return err
}
