package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lzegg/papertrade/internal/instrument"
	"github.com/lzegg/papertrade/internal/limits"
)

// All ledger errors abort the operation before any state is mutated.
var (
	ErrPriceUnavailable     = errors.New("ledger: price unavailable")
	ErrInsufficientBalance  = errors.New("ledger: insufficient balance")
	ErrPositionNotFound     = errors.New("ledger: position not found")
	ErrInsufficientQuantity = errors.New("ledger: insufficient quantity")
	ErrAccountNotFound      = errors.New("ledger: account not found")

	ErrInvalidUser       = errors.New("ledger: user id is required")
	ErrInvalidQuantity   = errors.New("ledger: quantity must be a positive integer")
	ErrInvalidInstrument = instrument.ErrInvalidCode
	ErrInvalidCategory   = errors.New("ledger: category must be CHAT or QUERY")
	ErrInvalidAmount     = errors.New("ledger: amount must not be negative")

	// ErrConcurrentUpdate means the account kept changing under us until
	// the compare-and-swap attempts ran out.
	ErrConcurrentUpdate = errors.New("ledger: concurrent update, try again")

	ErrInstrumentLimitExceeded = limits.ErrInstrumentLimitExceeded
	ErrMarketLimitExceeded     = limits.ErrMarketLimitExceeded
)

// InsufficientBalanceError carries the amounts so callers can show the balance.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%v: need %s, have %s", ErrInsufficientBalance, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InsufficientQuantityError carries the held and requested quantities.
type InsufficientQuantityError struct {
	Code      string
	Held      int64
	Requested int64
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("%v: %s held %d, requested %d", ErrInsufficientQuantity, e.Code, e.Held, e.Requested)
}

func (e *InsufficientQuantityError) Unwrap() error { return ErrInsufficientQuantity }

// Reason maps an error to a stable slug for API responses and metric labels.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrInvalidUser):
		return "invalid_user"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidInstrument):
		return "invalid_instrument"
	case errors.Is(err, ErrInvalidCategory):
		return "invalid_category"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrConcurrentUpdate):
		return "concurrent_update"
	case errors.Is(err, ErrInstrumentLimitExceeded):
		return "instrument_limit_exceeded"
	case errors.Is(err, ErrMarketLimitExceeded):
		return "market_limit_exceeded"
	default:
		return "internal"
	}
}
