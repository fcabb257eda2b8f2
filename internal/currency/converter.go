package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/metrics"
)

const keyPrefix = "fx:rate:"

// Converter quotes conversions from a live rate, shared between processes
// through Redis for freshTTL. When the provider is down it falls back to the
// last rate this process saw, and marks the quote as Fallback so callers can
// refuse to move money on it.
type Converter struct {
	provider  RateProvider
	redis     *redis.Client
	freshTTL  time.Duration
	lastKnown *cache.Cache
	metrics   *metrics.Metrics
}

// NewConverter builds a converter. rdb may be nil, in which case every quote
// goes to the provider.
func NewConverter(provider RateProvider, rdb *redis.Client, freshTTL, fallbackTTL time.Duration, m *metrics.Metrics) *Converter {
	return &Converter{
		provider:  provider,
		redis:     rdb,
		freshTTL:  freshTTL,
		lastKnown: cache.New(fallbackTTL, fallbackTTL/2),
		metrics:   m,
	}
}

func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (*domain.Conversion, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return &domain.Conversion{ConvertedAmount: amount, Rate: decimal.NewFromInt(1)}, nil
	}

	rate, fallback, err := c.rate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return &domain.Conversion{
		ConvertedAmount: amount.Mul(rate).Round(2),
		Rate:            rate,
		Fallback:        fallback,
	}, nil
}

func (c *Converter) rate(ctx context.Context, from, to string) (decimal.Decimal, bool, error) {
	key := keyPrefix + from + ":" + to

	if rate, ok := c.cached(ctx, key); ok {
		c.metrics.FXLookup("cache")
		return rate, false, nil
	}

	rate, err := c.provider.Rate(ctx, from, to)
	if err == nil {
		c.metrics.FXLookup("live")
		c.lastKnown.SetDefault(key, rate)
		c.store(ctx, key, rate)
		return rate, false, nil
	}

	if v, found := c.lastKnown.Get(key); found {
		c.metrics.FXLookup("fallback")
		logger.Warn("FX provider unavailable, using last known rate", "pair", from+"/"+to, "error", err)
		return v.(decimal.Decimal), true, nil
	}

	c.metrics.FXLookup("unavailable")
	var currencyErr *CurrencyError
	if errors.As(err, &currencyErr) {
		return decimal.Zero, false, err
	}
	return decimal.Zero, false, NewCurrencyError(fmt.Errorf("%w: %v", ErrNoExchangeRate, err), from, to)
}

func (c *Converter) cached(ctx context.Context, key string) (decimal.Decimal, bool) {
	if c.redis == nil {
		return decimal.Zero, false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("FX cache read failed", "key", key, "error", err)
		}
		return decimal.Zero, false
	}
	rate, err := decimal.NewFromString(val)
	if err != nil || !rate.IsPositive() {
		logger.Warn("Discarding malformed cached FX rate", "key", key, "value", val)
		return decimal.Zero, false
	}
	return rate, true
}

func (c *Converter) store(ctx context.Context, key string, rate decimal.Decimal) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, key, rate.String(), c.freshTTL).Err(); err != nil {
		logger.Warn("FX cache write failed", "key", key, "error", err)
	}
}
