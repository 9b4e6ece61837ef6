// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration.
type Config struct {
	Port        string
	DatabaseURL string // empty → in-memory store
	RedisURL    string // empty → no cache, in-memory sessions
	CacheTTL    time.Duration
	LogLevel    slog.Level

	DefaultSeedCash     decimal.Decimal
	RequireRegistration bool
	CollaboratorTimeout time.Duration
	CASAttempts         int

	PriceBaseURL    string // "off" disables the live feed
	PriceCacheTTL   time.Duration
	PriceRatePerSec float64
	StaticPrices    string // "CODE=PRICE,..." served when the live feed has no quote

	SessionTTL time.Duration

	MaxPerInstrument decimal.Decimal // zero disables
	MaxPerMarket     decimal.Decimal // zero disables
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    p.duration("CACHE_TTL", 30*time.Second),
		LogLevel:    p.level("LOG_LEVEL", slog.LevelInfo),

		DefaultSeedCash:     p.decimal("DEFAULT_SEED_CASH", decimal.NewFromInt(10_000_000)),
		RequireRegistration: p.bool("REQUIRE_REGISTRATION", false),
		CollaboratorTimeout: p.duration("COLLABORATOR_TIMEOUT", 5*time.Second),
		CASAttempts:         p.int("CAS_ATTEMPTS", 3),

		PriceBaseURL:    getEnv("PRICE_BASE_URL", "https://query1.finance.yahoo.com"),
		PriceCacheTTL:   p.duration("PRICE_CACHE_TTL", time.Minute),
		PriceRatePerSec: p.float("PRICE_RATE_PER_SEC", 2),
		StaticPrices:    getEnv("STATIC_PRICES", ""),

		SessionTTL: p.duration("SESSION_TTL", 24*time.Hour),

		MaxPerInstrument: p.decimal("MAX_PER_INSTRUMENT", decimal.Zero),
		MaxPerMarket:     p.decimal("MAX_PER_MARKET", decimal.Zero),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.DefaultSeedCash.IsNegative():
		return fmt.Errorf("config: DEFAULT_SEED_CASH must not be negative")
	case c.CASAttempts < 1:
		return fmt.Errorf("config: CAS_ATTEMPTS must be at least 1")
	case c.CollaboratorTimeout <= 0:
		return fmt.Errorf("config: COLLABORATOR_TIMEOUT must be positive")
	case c.SessionTTL <= 0:
		return fmt.Errorf("config: SESSION_TTL must be positive")
	case c.PriceRatePerSec < 0:
		return fmt.Errorf("config: PRICE_RATE_PER_SEC must not be negative")
	case c.MaxPerInstrument.IsNegative() || c.MaxPerMarket.IsNegative():
		return fmt.Errorf("config: position limits must not be negative")
	case !c.LivePrices() && c.StaticPrices == "":
		return fmt.Errorf("config: PRICE_BASE_URL=off requires STATIC_PRICES")
	}
	return nil
}

// LivePrices reports whether quotes are fetched from PRICE_BASE_URL.
func (c *Config) LivePrices() bool {
	return !strings.EqualFold(c.PriceBaseURL, "off")
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parser keeps the first malformed variable so Load reports it instead of
// silently falling back to the default.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.fail(key, v, err)
		return def
	}
	return l
}
