// Package price looks up current instrument prices.
//
// Every Source signals unknown or delisted instruments with ErrUnavailable
// instead of returning a zero price. Any other error is a transport failure.
package price

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lzegg/papertrade/internal/instrument"
)

var ErrUnavailable = errors.New("price: unavailable")

// Source returns the latest price for a normalized instrument code.
type Source interface {
	Price(ctx context.Context, code string) (decimal.Decimal, error)
}

// StaticSource serves prices from a fixed table. Used for tests and the
// offline demo.
type StaticSource struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticSource creates a static source seeded with prices.
func NewStaticSource(prices map[string]decimal.Decimal) *StaticSource {
	s := &StaticSource{prices: make(map[string]decimal.Decimal, len(prices))}
	for k, v := range prices {
		s.prices[k] = v
	}
	return s
}

// ParseStatic parses "CODE=PRICE,CODE=PRICE" into a static source. Codes
// are normalized, so "005930=70000" is served as 005930.KS.
func ParseStatic(list string) (*StaticSource, error) {
	prices := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("price: bad static entry %q", pair)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("price: bad static price for %s: %w", code, err)
		}
		inst, err := instrument.Normalize(code)
		if err != nil {
			return nil, fmt.Errorf("price: bad static code %q: %w", code, err)
		}
		prices[inst.Code] = p
	}
	return NewStaticSource(prices), nil
}

// Set updates the price of code.
func (s *StaticSource) Set(code string, p decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[code] = p
}

func (s *StaticSource) Price(_ context.Context, code string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[code]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnavailable, code)
	}
	return p, nil
}

// Chain tries each source in order and returns the first positive price.
// The result wraps ErrUnavailable only when no source failed for another
// reason; transport failures are passed through so callers can retry them.
type Chain []Source

func (c Chain) Price(ctx context.Context, code string) (decimal.Decimal, error) {
	var failures []error
	for _, src := range c {
		p, err := src.Price(ctx, code)
		if err == nil && p.IsPositive() {
			return p, nil
		}
		if err != nil && !errors.Is(err, ErrUnavailable) {
			failures = append(failures, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(failures) > 0 {
		return decimal.Zero, fmt.Errorf("price %s: %w", code, errors.Join(failures...))
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrUnavailable, code)
}
