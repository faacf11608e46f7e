package events

import (
	"context"
	"time"

	"github.com/gartstein/reimburse/internal/expense/currency"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RateStore interface {
	UpsertRate(ctx context.Context, pair currency.Pair, date time.Time, rate decimal.Decimal) error
}

type RateCache interface {
	Forget(pair currency.Pair, date time.Time)
}

// RateIngestor returns a consumer handler that stores each published rate
// and evicts the cached conversions it supersedes.
func RateIngestor(store RateStore, cache RateCache, logger *zap.Logger) func(context.Context, RateUpdate) error {
	logger = logger.Named("rate_ingestor")
	return func(ctx context.Context, u RateUpdate) error {
		pair, day, err := u.Parsed()
		if err != nil {
			return err
		}
		if err := store.UpsertRate(ctx, pair, day, u.Rate); err != nil {
			return err
		}
		cache.Forget(pair, day)
		logger.Debug("exchange rate stored",
			zap.String("pair", pair.String()),
			zap.String("date", u.Date),
			zap.String("rate", u.Rate.String()),
		)
		return nil
	}
}
