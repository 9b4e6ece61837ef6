// Package limits implements optional exposure caps checked before a buy.
//
// Exposure is measured at cost basis (quantity × average cost). Holdings on
// the same market (KOSPI, KOSDAQ, US, ...) are treated as correlated and
// share an aggregate cap.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/lzegg/papertrade/internal/instrument"
	"github.com/lzegg/papertrade/internal/model"
)

var (
	// ErrInstrumentLimitExceeded is returned when a buy would push a single
	// instrument's cost basis beyond the per-instrument maximum.
	ErrInstrumentLimitExceeded = errors.New("limits: per-instrument exposure limit exceeded")

	// ErrMarketLimitExceeded is returned when a buy would push the aggregate
	// cost basis across one market beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("limits: per-market exposure limit exceeded")
)

// PositionLimiter enforces exposure limits. A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerInstrument is the maximum cost basis held in any single instrument.
	MaxPerInstrument decimal.Decimal

	// MaxPerMarket is the maximum aggregate cost basis across all
	// instruments listed on the same market.
	MaxPerMarket decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given caps.
func NewPositionLimiter(maxPerInstrument, maxPerMarket decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerInstrument: maxPerInstrument,
		MaxPerMarket:     maxPerMarket,
	}
}

// Enabled reports whether any cap is set.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerInstrument.IsPositive() || l.MaxPerMarket.IsPositive())
}

// CheckBuy validates whether buying addedCost worth of target respects the caps.
//
// Parameters:
//   - target: the instrument being bought
//   - addedCost: price × quantity of the buy
//   - holdings: the account's current positions keyed by code
//
// Returns nil if the buy is within limits, or an error describing the violation.
func (l *PositionLimiter) CheckBuy(
	target instrument.Instrument,
	addedCost decimal.Decimal,
	holdings map[string]model.Position,
) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-instrument limit.
	newExposure := holdings[target.Code].CostBasis().Add(addedCost)
	if l.MaxPerInstrument.IsPositive() && newExposure.GreaterThan(l.MaxPerInstrument) {
		return ErrInstrumentLimitExceeded
	}

	// 2. Market exposure: sum cost basis across holdings on the same market.
	if !l.MaxPerMarket.IsPositive() {
		return nil
	}
	total := newExposure
	for code, p := range holdings {
		if code == target.Code {
			continue // already counted via newExposure above
		}
		if instrument.MarketOf(code) == target.Market {
			total = total.Add(p.CostBasis())
		}
	}

	if total.GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}

	return nil
}
