// Package currency converts claim amounts into a company's base currency
// using an external exchange-rate provider, caching rates per pair and day.
package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	e "github.com/gartstein/reimburse/internal/expense/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/currency"
)

const (
	dayLayout      = "2006-01-02"
	DefaultTimeout = 2 * time.Second
)

// Pair is a directed currency pair: one unit of From costs Rate units of To.
type Pair struct {
	From string
	To   string
}

func (p Pair) String() string {
	return p.From + "/" + p.To
}

// Quote is a rate published for a given day.
type Quote struct {
	Rate decimal.Decimal
	Date time.Time
}

// RateProvider is the exchange-rate collaborator. Both methods return an
// error wrapping errors.ErrRateUnavailable when no rate matches.
type RateProvider interface {
	// Rate returns the rate published for exactly date.
	Rate(ctx context.Context, pair Pair, date time.Time) (Quote, error)
	// RateBefore returns the most recent rate strictly before date.
	RateBefore(ctx context.Context, pair Pair, date time.Time) (Quote, error)
}

// Conversion is the result of normalising an amount.
type Conversion struct {
	Amount   decimal.Decimal
	Rate     decimal.Decimal
	RateDate time.Time
	// Stale is set when no rate existed for the requested day and an earlier
	// one was used.
	Stale bool
}

type cacheKey struct {
	pair Pair
	day  string
}

type cachedQuote struct {
	quote Quote
	stale bool
}

// Normalizer converts amounts between currencies.
type Normalizer struct {
	provider RateProvider
	timeout  time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[cacheKey]cachedQuote
	group singleflight.Group
}

// NewNormalizer builds a Normalizer. A non-positive timeout selects DefaultTimeout.
func NewNormalizer(provider RateProvider, timeout time.Duration, logger *zap.Logger) *Normalizer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Normalizer{
		provider: provider,
		timeout:  timeout,
		logger:   logger.Named("currency_normalizer"),
		cache:    make(map[cacheKey]cachedQuote),
	}
}

// ValidateCode checks code is an ISO 4217 currency and returns it upper-cased.
func ValidateCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", e.Invalid("currency", fmt.Sprintf("%q is not a 3-letter ISO code", code))
	}
	if _, err := currency.ParseISO(code); err != nil {
		return "", e.Invalid("currency", fmt.Sprintf("%q is not a known ISO 4217 code", code))
	}
	return code, nil
}

// Normalize converts amount from source to target currency as of asOf.
func (n *Normalizer) Normalize(ctx context.Context, amount decimal.Decimal, source, target string, asOf time.Time) (Conversion, error) {
	if !amount.IsPositive() {
		return Conversion{}, e.Invalid("amount", "must be greater than zero")
	}
	from, err := ValidateCode(source)
	if err != nil {
		return Conversion{}, err
	}
	to, err := ValidateCode(target)
	if err != nil {
		return Conversion{}, err
	}

	day := truncateDay(asOf)
	if from == to {
		return Conversion{Amount: amount.RoundBank(2), Rate: decimal.NewFromInt(1), RateDate: day}, nil
	}

	cq, err := n.lookup(ctx, Pair{From: from, To: to}, day)
	if err != nil {
		return Conversion{}, err
	}
	return Conversion{
		Amount:   amount.Mul(cq.quote.Rate).RoundBank(2),
		Rate:     cq.quote.Rate,
		RateDate: cq.quote.Date,
		Stale:    cq.stale,
	}, nil
}

// Forget drops cached entries a newly published rate for (pair, date) may
// supersede: the exact day and any stale fallback for a later day.
func (n *Normalizer) Forget(pair Pair, date time.Time) {
	day := truncateDay(date).Format(dayLayout)
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, v := range n.cache {
		if k.pair != pair {
			continue
		}
		if k.day == day || (v.stale && k.day > day) {
			delete(n.cache, k)
		}
	}
}

func (n *Normalizer) lookup(ctx context.Context, pair Pair, day time.Time) (cachedQuote, error) {
	key := cacheKey{pair: pair, day: day.Format(dayLayout)}

	n.mu.RLock()
	cq, ok := n.cache[key]
	n.mu.RUnlock()
	if ok {
		return cq, nil
	}

	// The shared fetch outlives any one waiter's cancellation; the
	// timeout in fetch still bounds it.
	ch := n.group.DoChan(pair.String()+"@"+key.day, func() (interface{}, error) {
		return n.fetch(context.WithoutCancel(ctx), pair, day)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return cachedQuote{}, n.dependencyError(pair, day, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return cachedQuote{}, res.Err
	}
	cq = res.Val.(cachedQuote)

	n.mu.Lock()
	n.cache[key] = cq
	n.mu.Unlock()
	return cq, nil
}

func (n *Normalizer) fetch(ctx context.Context, pair Pair, day time.Time) (cachedQuote, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	q, err := n.provider.Rate(ctx, pair, day)
	if err == nil {
		if err := checkQuote(pair, q); err != nil {
			return cachedQuote{}, err
		}
		return cachedQuote{quote: q}, nil
	}
	if !errors.Is(err, e.ErrRateUnavailable) {
		return cachedQuote{}, n.dependencyError(pair, day, err)
	}

	q, err = n.provider.RateBefore(ctx, pair, day)
	if err != nil {
		if errors.Is(err, e.ErrRateUnavailable) {
			return cachedQuote{}, fmt.Errorf("%w: no rate for %s on or before %s", e.ErrRateUnavailable, pair, day.Format(dayLayout))
		}
		return cachedQuote{}, n.dependencyError(pair, day, err)
	}
	if err := checkQuote(pair, q); err != nil {
		return cachedQuote{}, err
	}
	n.logger.Info("using stale exchange rate",
		zap.String("pair", pair.String()),
		zap.String("requested", day.Format(dayLayout)),
		zap.String("rate_date", q.Date.Format(dayLayout)),
	)
	return cachedQuote{quote: q, stale: true}, nil
}

func (n *Normalizer) dependencyError(pair Pair, day time.Time, err error) error {
	n.logger.Warn("exchange rate lookup failed",
		zap.String("pair", pair.String()),
		zap.String("date", day.Format(dayLayout)),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s on %s: %v", e.ErrRateUnavailable, pair, day.Format(dayLayout), err)
}

func checkQuote(pair Pair, q Quote) error {
	if !q.Rate.IsPositive() {
		return fmt.Errorf("%w: non-positive rate %s for %s", e.ErrRateUnavailable, q.Rate, pair)
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
