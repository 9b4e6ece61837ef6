// Package instrument handles instrument code normalization and
// classification for the Korean and US equity markets the ledger trades.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Markets an instrument can be listed on.
const (
	MarketKOSPI  = "KOSPI"
	MarketKOSDAQ = "KOSDAQ"
	MarketUS     = "US"
)

var suffixMarkets = map[string]string{
	"KS": MarketKOSPI,
	"KQ": MarketKOSDAQ,
}

// codeRegex matches: {symbol}[.{suffix}]
// Examples: 005930.KS, 035720.KQ, AAPL, BRK-B, ^KS11
var codeRegex = regexp.MustCompile(`^([A-Z0-9^=\-]{1,15})(?:\.([A-Z]{1,3}))?$`)

// krxCodeRegex matches bare six-digit KRX codes, which default to KOSPI.
var krxCodeRegex = regexp.MustCompile(`^\d{6}$`)

var ErrInvalidCode = errors.New("instrument: invalid instrument code")

// Instrument is a parsed, normalized instrument code.
type Instrument struct {
	Code   string `json:"code"`
	Symbol string `json:"symbol"`
	Suffix string `json:"suffix,omitempty"`
	Market string `json:"market"`
}

// Normalize parses and validates a user-supplied instrument code.
// Bare six-digit codes get the .KS suffix.
func Normalize(code string) (Instrument, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if krxCodeRegex.MatchString(c) {
		c += ".KS"
	}

	matches := codeRegex.FindStringSubmatch(c)
	if matches == nil {
		return Instrument{}, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}

	inst := Instrument{
		Code:   c,
		Symbol: matches[1],
		Suffix: matches[2],
	}
	switch {
	case inst.Suffix == "":
		inst.Market = MarketUS
	case suffixMarkets[inst.Suffix] != "":
		inst.Market = suffixMarkets[inst.Suffix]
	default:
		inst.Market = inst.Suffix
	}
	return inst, nil
}

// MarketOf returns the market for an already-normalized code, or "" if the
// code does not parse.
func MarketOf(code string) string {
	inst, err := Normalize(code)
	if err != nil {
		return ""
	}
	return inst.Market
}
