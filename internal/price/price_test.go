package price

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func yahooServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		symbol := strings.TrimPrefix(r.URL.Path, "/v8/finance/chart/")
		switch symbol {
		case "005930.KS":
			fmt.Fprint(w, `{"chart":{"result":[{"meta":{"symbol":"005930.KS","regularMarketPrice":71200.0}}],"error":null}}`)
		case "ZERO":
			fmt.Fprint(w, `{"chart":{"result":[{"meta":{"symbol":"ZERO","regularMarketPrice":0}}],"error":null}}`)
		case "BROKEN":
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, "upstream down")
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestYahooSource_Price(t *testing.T) {
	srv := yahooServer(t, nil)
	y := NewYahooSource(srv.URL, time.Second, 0)

	p, err := y.Price(context.Background(), "005930.KS")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(71200)), "got %s", p)
}

func TestYahooSource_Unavailable(t *testing.T) {
	srv := yahooServer(t, nil)
	y := NewYahooSource(srv.URL, time.Second, 0)

	for _, code := range []string{"DELISTED", "ZERO"} {
		_, err := y.Price(context.Background(), code)
		assert.ErrorIs(t, err, ErrUnavailable, code)
	}

	// Upstream failures are transport errors, not unavailability.
	_, err := y.Price(context.Background(), "BROKEN")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestYahooSource_RateLimitHonorsContext(t *testing.T) {
	srv := yahooServer(t, nil)
	y := NewYahooSource(srv.URL, time.Second, 0.001)

	_, err := y.Price(context.Background(), "005930.KS")
	require.NoError(t, err)

	// The next token is ~1000s away; the wait must give up with the context.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = y.Price(ctx, "005930.KS")
	assert.Error(t, err)
}

func TestCachedSource(t *testing.T) {
	var hits int32
	srv := yahooServer(t, &hits)
	c := NewCachedSource(NewYahooSource(srv.URL, time.Second, 0), time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Price(ctx, "005930.KS")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	c.Invalidate("005930.KS")
	_, err := c.Price(ctx, "005930.KS")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	// Failures are not cached.
	_, _ = c.Price(ctx, "DELISTED")
	_, _ = c.Price(ctx, "DELISTED")
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
}

func TestChain_FallsBack(t *testing.T) {
	primary := NewStaticSource(map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(190)})
	backup := NewStaticSource(map[string]decimal.Decimal{
		"AAPL":      decimal.NewFromInt(1),
		"005930.KS": decimal.NewFromInt(70000),
	})
	chain := Chain{primary, backup}
	ctx := context.Background()

	p, err := chain.Price(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(190)))

	p, err = chain.Price(ctx, "005930.KS")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(70000)))

	_, err = chain.Price(ctx, "MSFT")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = Chain{}.Price(ctx, "MSFT")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestChain_PassesTransportFailuresThrough(t *testing.T) {
	srv := yahooServer(t, nil)
	static := NewStaticSource(map[string]decimal.Decimal{"005930.KS": decimal.NewFromInt(70000)})
	chain := Chain{NewYahooSource(srv.URL, time.Second, 0), static}
	ctx := context.Background()

	// BROKEN fails upstream and has no static fallback.
	_, err := chain.Price(ctx, "BROKEN")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable), err.Error())
	assert.Contains(t, err.Error(), "yahoo status 502")

	// Every source answered "no quote".
	_, err = chain.Price(ctx, "DELISTED")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestParseStatic(t *testing.T) {
	s, err := ParseStatic("005930.KS=71200, aapl=190.5,")
	require.NoError(t, err)

	p, err := s.Price(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("190.5")))

	s, err = ParseStatic("005930=70000")
	require.NoError(t, err)
	p, err = s.Price(context.Background(), "005930.KS")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(70000)))

	_, err = ParseStatic("AAPL")
	assert.Error(t, err)
	_, err = ParseStatic("AAPL=abc")
	assert.Error(t, err)
}

func TestStaticSource_NonPositiveIsUnavailable(t *testing.T) {
	s := NewStaticSource(nil)
	s.Set("X", decimal.Zero)
	_, err := s.Price(context.Background(), "X")
	assert.ErrorIs(t, err, ErrUnavailable)
}
