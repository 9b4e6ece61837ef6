package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lzegg/papertrade/internal/instrument"
	"github.com/lzegg/papertrade/internal/metrics"
	"github.com/lzegg/papertrade/internal/model"
	"github.com/lzegg/papertrade/internal/store"
)

// avgCostScale is the number of decimal places kept on average cost. Unit
// prices below one unit of that scale are refused, so a held position never
// rounds to a zero average.
const avgCostScale = 4

// MaxTradeQuantity bounds the units in a single buy or sell.
const MaxTradeQuantity int64 = 1_000_000_000_000

var minUnitPrice = decimal.New(1, -avgCostScale)

// TradeResult describes a committed buy or sell.
type TradeResult struct {
	Success   bool            `json:"success"`
	UserID    string          `json:"user_id"`
	Action    string          `json:"action"`
	Code      string          `json:"code"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Amount    decimal.Decimal `json:"amount"` // unit price × quantity

	// Position is the holding after the trade; Quantity 0 means it was closed.
	Position model.Position `json:"position"`
	Cash     decimal.Decimal `json:"cash"`

	RealizedPnL   decimal.Decimal `json:"realized_pnl"`       // this trade (sells only)
	RealizedTotal decimal.Decimal `json:"realized_pnl_total"` // account running total

	Entry model.HistoryEntry `json:"history_entry"`
}

// Summary renders the result for chat-style callers.
func (r *TradeResult) Summary() string {
	switch r.Action {
	case model.ActionBuy:
		return fmt.Sprintf("bought %d %s @ %s (total %s); holding %d @ avg %s; cash %s",
			r.Quantity, r.Code, r.UnitPrice.StringFixed(0), r.Amount.StringFixed(0),
			r.Position.Quantity, r.Position.AvgCost.StringFixed(2), r.Cash.StringFixed(0))
	case model.ActionSell:
		holding := "position closed"
		if r.Position.Quantity > 0 {
			holding = fmt.Sprintf("holding %d @ avg %s", r.Position.Quantity, r.Position.AvgCost.StringFixed(2))
		}
		return fmt.Sprintf("sold %d %s @ %s (+%s, realized %s); %s; cash %s",
			r.Quantity, r.Code, r.UnitPrice.StringFixed(0), r.Amount.StringFixed(0),
			r.RealizedPnL.StringFixed(0), holding, r.Cash.StringFixed(0))
	}
	return ""
}

// Buy purchases quantity units of code at the current looked-up price.
func (s *Service) Buy(ctx context.Context, userID, code string, quantity int64) (*TradeResult, error) {
	return s.trade(ctx, model.ActionBuy, userID, code, quantity, nil)
}

// BuyAt purchases at an explicit unit price.
func (s *Service) BuyAt(ctx context.Context, userID, code string, quantity int64, unitPrice decimal.Decimal) (*TradeResult, error) {
	return s.trade(ctx, model.ActionBuy, userID, code, quantity, &unitPrice)
}

// Sell disposes of quantity units of code at the current looked-up price.
func (s *Service) Sell(ctx context.Context, userID, code string, quantity int64) (*TradeResult, error) {
	return s.trade(ctx, model.ActionSell, userID, code, quantity, nil)
}

// SellAt sells at an explicit unit price.
func (s *Service) SellAt(ctx context.Context, userID, code string, quantity int64, unitPrice decimal.Decimal) (*TradeResult, error) {
	return s.trade(ctx, model.ActionSell, userID, code, quantity, &unitPrice)
}

func (s *Service) trade(ctx context.Context, action, userID, code string, quantity int64, unitPrice *decimal.Decimal) (*TradeResult, error) {
	start := time.Now()
	res, err := s.execute(ctx, action, userID, code, quantity, unitPrice)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(action, Reason(err)).Inc()
		slog.Info("trade rejected",
			"user", userID,
			"action", action,
			"code", code,
			"qty", quantity,
			"reason", Reason(err),
			"err", err,
		)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(action).Inc()
	metrics.TradeLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	amount, _ := res.Amount.Float64()
	metrics.TradedAmount.WithLabelValues(action, instrument.MarketOf(res.Code)).Add(amount)

	slog.Info("trade executed",
		"entry_id", res.Entry.ID,
		"user", userID,
		"action", action,
		"code", res.Code,
		"qty", quantity,
		"price", res.UnitPrice.String(),
		"amount", res.Amount.String(),
		"new_qty", res.Position.Quantity,
		"new_avg", res.Position.AvgCost.String(),
		"cash", res.Cash.String(),
	)

	if s.opts.Notifier != nil {
		s.opts.Notifier.TradeExecuted(res)
	}
	return res, nil
}

func (s *Service) execute(ctx context.Context, action, userID, code string, quantity int64, unitPrice *decimal.Decimal) (*TradeResult, error) {
	// --- Input validation ---
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	if quantity <= 0 || quantity > MaxTradeQuantity {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	inst, err := instrument.Normalize(code)
	if err != nil {
		return nil, err
	}

	// --- Price ---
	var px decimal.Decimal
	if unitPrice != nil {
		if !unitPrice.IsPositive() {
			return nil, fmt.Errorf("%w: %s: non-positive price %s", ErrPriceUnavailable, inst.Code, unitPrice)
		}
		px = *unitPrice
	} else if px, err = s.lookupPrice(ctx, inst.Code); err != nil {
		return nil, err
	}
	if px.LessThan(minUnitPrice) {
		return nil, fmt.Errorf("%w: %s: price %s below %s", ErrPriceUnavailable, inst.Code, px, minUnitPrice)
	}

	// Serialize trades per account.
	unlock := s.locks.Lock(userID)
	defer unlock()

	// The entry ID is fixed across attempts so a retried commit that already
	// landed is recognized by the store instead of applied twice.
	entry := model.HistoryEntry{
		ID:       uuid.NewString(),
		UserID:   userID,
		Category: model.CategoryTrade,
		Action:   action,
		Code:     inst.Code,
		Quantity: quantity,
		Price:    px,
	}

	for attempt := 1; ; attempt++ {
		acct, err := s.EnsureAccount(ctx, userID)
		if err != nil {
			return nil, err
		}

		var commit store.TradeCommit
		var res *TradeResult
		if action == model.ActionBuy {
			commit, res, err = s.planBuy(acct, inst, quantity, px)
		} else {
			commit, res, err = planSell(acct, inst, quantity, px)
		}
		if err != nil {
			return nil, err
		}

		entry.Timestamp = s.now()
		entry.Message = res.Summary()
		commit.Entry = entry
		res.Entry = entry

		err = s.call(ctx, func(ctx context.Context) error {
			return s.store.CommitTrade(ctx, commit)
		})
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, store.ErrVersionConflict):
			metrics.VersionConflicts.Inc()
			if attempt >= s.opts.CASAttempts {
				return nil, fmt.Errorf("%w: %s after %d attempts", ErrConcurrentUpdate, userID, attempt)
			}
			slog.Debug("account changed during trade, retrying", "user", userID, "attempt", attempt)
		case errors.Is(err, store.ErrNegativeBalance):
			// Cash moved between read and commit and no longer covers the buy.
			return nil, &InsufficientBalanceError{Required: res.Amount, Available: acct.Cash}
		case errors.Is(err, store.ErrAccountNotFound):
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
		default:
			return nil, fmt.Errorf("commit %s for %s: %w", action, userID, err)
		}
	}
}

// planBuy checks the buy against acct and computes the new position with
// a quantity-weighted average cost.
func (s *Service) planBuy(acct *model.Account, inst instrument.Instrument, quantity int64, px decimal.Decimal) (store.TradeCommit, *TradeResult, error) {
	qty := decimal.NewFromInt(quantity)
	total := px.Mul(qty)

	if acct.Cash.LessThan(total) {
		return store.TradeCommit{}, nil, &InsufficientBalanceError{Required: total, Available: acct.Cash}
	}
	if err := s.opts.Limiter.CheckBuy(inst, total, acct.Positions); err != nil {
		return store.TradeCommit{}, nil, err
	}

	old := acct.Positions[inst.Code]
	if quantity > math.MaxInt64-old.Quantity {
		return store.TradeCommit{}, nil, fmt.Errorf("%w: holding %d of %s cannot grow by %d", ErrInvalidQuantity, old.Quantity, inst.Code, quantity)
	}
	newQty := old.Quantity + quantity
	newAvg := old.AvgCost.Mul(decimal.NewFromInt(old.Quantity)).
		Add(total).
		Div(decimal.NewFromInt(newQty)).
		Round(avgCostScale)

	pos := model.Position{Code: inst.Code, Quantity: newQty, AvgCost: newAvg}
	commit := store.TradeCommit{
		UserID:        acct.UserID,
		Version:       acct.Version,
		CashDelta:     total.Neg(),
		RealizedDelta: decimal.Zero,
		Position:      pos,
	}
	res := &TradeResult{
		Success:       true,
		UserID:        acct.UserID,
		Action:        model.ActionBuy,
		Code:          inst.Code,
		Quantity:      quantity,
		UnitPrice:     px,
		Amount:        total,
		Position:      pos,
		Cash:          acct.Cash.Sub(total),
		RealizedPnL:   decimal.Zero,
		RealizedTotal: acct.RealizedPnL,
	}
	return commit, res, nil
}

// planSell checks the sell against acct. Average cost is left unchanged;
// the difference to the sale price is realized.
func planSell(acct *model.Account, inst instrument.Instrument, quantity int64, px decimal.Decimal) (store.TradeCommit, *TradeResult, error) {
	old, ok := acct.Positions[inst.Code]
	if !ok || old.Quantity == 0 {
		return store.TradeCommit{}, nil, fmt.Errorf("%w: %s", ErrPositionNotFound, inst.Code)
	}
	if old.Quantity < quantity {
		return store.TradeCommit{}, nil, &InsufficientQuantityError{Code: inst.Code, Held: old.Quantity, Requested: quantity}
	}

	qty := decimal.NewFromInt(quantity)
	proceeds := px.Mul(qty)
	realized := px.Sub(old.AvgCost).Mul(qty)

	pos := model.Position{Code: inst.Code, Quantity: old.Quantity - quantity, AvgCost: old.AvgCost}
	if pos.Quantity == 0 {
		pos.AvgCost = decimal.Zero
	}

	commit := store.TradeCommit{
		UserID:        acct.UserID,
		Version:       acct.Version,
		CashDelta:     proceeds,
		RealizedDelta: realized,
		Position:      pos,
	}
	res := &TradeResult{
		Success:       true,
		UserID:        acct.UserID,
		Action:        model.ActionSell,
		Code:          inst.Code,
		Quantity:      quantity,
		UnitPrice:     px,
		Amount:        proceeds,
		Position:      pos,
		Cash:          acct.Cash.Add(proceeds),
		RealizedPnL:   realized,
		RealizedTotal: acct.RealizedPnL.Add(realized),
	}
	return commit, res, nil
}
