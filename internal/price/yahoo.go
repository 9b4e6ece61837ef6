package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// DefaultYahooBaseURL is the public Yahoo Finance chart API.
const DefaultYahooBaseURL = "https://query2.finance.yahoo.com"

// YahooSource fetches the latest regular-market price from the Yahoo
// Finance v8 chart endpoint. Requests are throttled so a burst of chat
// commands can't get the service blocked upstream.
type YahooSource struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewYahooSource creates a Yahoo source. ratePerSec <= 0 disables throttling.
func NewYahooSource(baseURL string, timeout time.Duration, ratePerSec float64) *YahooSource {
	if baseURL == "" {
		baseURL = DefaultYahooBaseURL
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &YahooSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

type chartPayload struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (y *YahooSource) Price(ctx context.Context, code string) (decimal.Decimal, error) {
	if err := y.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("yahoo rate limit wait: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", y.baseURL, url.PathEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create yahoo request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch yahoo quote %s: %w", code, err)
	}
	defer resp.Body.Close()

	// Yahoo answers unknown symbols with 404 and a chart.error body.
	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, fmt.Errorf("%w: %s not found", ErrUnavailable, code)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("yahoo status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload chartPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode yahoo quote %s: %w", code, err)
	}
	if payload.Chart.Error != nil || len(payload.Chart.Result) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s has no quote", ErrUnavailable, code)
	}

	p := decimal.NewFromFloat(payload.Chart.Result[0].Meta.RegularMarketPrice).Round(4)
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s quoted at %s", ErrUnavailable, code, p)
	}
	return p, nil
}
