package instrument

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Valid(t *testing.T) {
	tests := []struct {
		in     string
		code   string
		symbol string
		market string
	}{
		{"005930", "005930.KS", "005930", MarketKOSPI},
		{" 005930.ks ", "005930.KS", "005930", MarketKOSPI},
		{"035720.KQ", "035720.KQ", "035720", MarketKOSDAQ},
		{"aapl", "AAPL", "AAPL", MarketUS},
		{"BRK-B", "BRK-B", "BRK-B", MarketUS},
		{"^KS11", "^KS11", "^KS11", MarketUS},
		{"7203.T", "7203.T", "7203", "T"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			inst, err := Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.code, inst.Code)
			assert.Equal(t, tt.symbol, inst.Symbol)
			assert.Equal(t, tt.market, inst.Market)
		})
	}
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"005930.KS.KS",
		"삼성전자",
		"AAPL.TOOLONG",
		"A B",
		"THISSYMBOLISWAYTOOLONG",
	}
	for _, code := range tests {
		_, err := Normalize(code)
		if !errors.Is(err, ErrInvalidCode) {
			t.Errorf("expected ErrInvalidCode for %q, got %v", code, err)
		}
	}
}

func TestMarketOf(t *testing.T) {
	assert.Equal(t, MarketKOSPI, MarketOf("005930.KS"))
	assert.Equal(t, MarketUS, MarketOf("MSFT"))
	assert.Equal(t, "", MarketOf("not a code"))
}
