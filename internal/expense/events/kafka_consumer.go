package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gartstein/reimburse/internal/expense/currency"
	e "github.com/gartstein/reimburse/internal/expense/errors"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RateUpdate is one message of the exchange-rate feed:
// {"base":"EUR","quote":"USD","date":"2024-03-01","rate":"1.0850"}.
type RateUpdate struct {
	Base  string          `json:"base"`
	Quote string          `json:"quote"`
	Date  string          `json:"date"`
	Rate  decimal.Decimal `json:"rate"`
}

// Parsed validates the update and returns its pair and day.
func (u RateUpdate) Parsed() (currency.Pair, time.Time, error) {
	from, err := currency.ValidateCode(u.Base)
	if err != nil {
		return currency.Pair{}, time.Time{}, err
	}
	to, err := currency.ValidateCode(u.Quote)
	if err != nil {
		return currency.Pair{}, time.Time{}, err
	}
	day, err := time.Parse("2006-01-02", u.Date)
	if err != nil {
		return currency.Pair{}, time.Time{}, e.Invalid("date", fmt.Sprintf("%q is not YYYY-MM-DD", u.Date))
	}
	if !u.Rate.IsPositive() {
		return currency.Pair{}, time.Time{}, e.Invalid("rate", "must be greater than zero")
	}
	return currency.Pair{From: from, To: to}, day, nil
}

type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the exchange-rate feed and hands each update to a handler.
type Consumer struct {
	reader  KafkaReader
	logger  *zap.Logger
	handler func(context.Context, RateUpdate) error
	// backoff yields the retry policy for a failed fetch or handler call.
	backoff func() backoff.BackOff
}

func NewConsumer(brokers []string, groupID, topic string, logger *zap.Logger) *Consumer {
	return newConsumer(kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
		Dialer:  kafka.DefaultDialer,
	}), logger)
}

func newConsumer(reader KafkaReader, logger *zap.Logger) *Consumer {
	return &Consumer{
		reader: reader,
		logger: logger.Named("kafka_consumer"),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func (c *Consumer) RegisterHandler(fn func(context.Context, RateUpdate) error) {
	c.handler = fn
}

func (c *Consumer) Start(ctx context.Context) {
	go c.run(ctx)
}

// run consumes until ctx is done or the reader is closed. A group reader
// never fetches an offset twice, so a message is retried in place until it
// is handled and only then committed. Malformed and invalid updates are
// committed and skipped.
func (c *Consumer) run(ctx context.Context) {
	if c.handler == nil {
		c.logger.Error("No rate update handler registered, consumer not started")
		return
	}

	fetchRetry := c.backoff()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			wait := fetchRetry.NextBackOff()
			if wait == backoff.Stop {
				c.logger.Error("Giving up fetching messages", zap.Error(err))
				return
			}
			c.logger.Error("Failed to fetch message", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		fetchRetry.Reset()

		var update RateUpdate
		if err := json.Unmarshal(msg.Value, &update); err != nil {
			c.logger.Error("Failed to parse rate update",
				zap.Error(err),
				zap.ByteString("value", msg.Value),
			)
			c.commit(ctx, msg)
			continue
		}

		if err := c.handle(ctx, update); err != nil {
			if ctx.Err() != nil {
				// Uncommitted: the group resumes from this offset.
				return
			}
			c.logger.Error("Failed to handle rate update",
				zap.Error(err),
				zap.String("pair", update.Base+"/"+update.Quote),
				zap.String("date", update.Date),
			)
		}
		c.commit(ctx, msg)
	}
}

// handle calls the handler until it succeeds, rejects the update as invalid,
// or ctx ends.
func (c *Consumer) handle(ctx context.Context, update RateUpdate) error {
	return backoff.RetryNotify(func() error {
		err := c.handler(ctx, update)
		if e.IsValidation(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(c.backoff(), ctx), func(err error, wait time.Duration) {
		c.logger.Warn("Retrying rate update",
			zap.Error(err),
			zap.String("pair", update.Base+"/"+update.Quote),
			zap.String("date", update.Date),
			zap.Duration("retry_in", wait),
		)
	})
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("Failed to commit message",
			zap.Error(err),
			zap.Int64("offset", msg.Offset),
		)
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.logger.Error("Failed to close Kafka reader", zap.Error(err))
	}
}
