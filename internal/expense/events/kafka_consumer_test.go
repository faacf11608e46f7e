package events

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gartstein/reimburse/internal/expense/currency"
	e "github.com/gartstein/reimburse/internal/expense/errors"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// fakeReader serves queued messages, then signals idle and blocks until the
// context ends.
type fakeReader struct {
	mu        sync.Mutex
	fetchErrs []error
	queue     []kafka.Message
	committed []int64
	closed    bool
	idle      chan struct{}
	once      sync.Once
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{queue: msgs, idle: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	r.once.Do(func() { close(r.idle) })
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type recordingStore struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
	// failures is the number of upcoming calls that fail.
	failures int
	calls    int
}

func (s *recordingStore) UpsertRate(_ context.Context, pair currency.Pair, date time.Time, rate decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("db down")
	}
	s.rates[pair.String()+"@"+date.Format("2006-01-02")] = rate
	return nil
}

type recordingCache struct {
	mu      sync.Mutex
	evicted []string
}

func (c *recordingCache) Forget(pair currency.Pair, date time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = append(c.evicted, pair.String()+"@"+date.Format("2006-01-02"))
}

func (s *recordingStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConsumer(r KafkaReader, logger *zap.Logger) *Consumer {
	c := newConsumer(r, logger)
	c.backoff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}
	return c
}

func runUntilDrained(t *testing.T, c *Consumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.run(ctx)
		close(done)
	}()
	select {
	case <-r.idle:
	case <-time.After(time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	cancel()
	<-done
}

func TestRateUpdateParsed(t *testing.T) {
	tests := []struct {
		name    string
		update  RateUpdate
		wantErr bool
	}{
		{"valid", RateUpdate{Base: "eur", Quote: "USD", Date: "2024-03-01", Rate: decimal.RequireFromString("1.085")}, false},
		{"unknown currency", RateUpdate{Base: "EUX", Quote: "USD", Date: "2024-03-01", Rate: decimal.NewFromInt(1)}, true},
		{"bad date", RateUpdate{Base: "EUR", Quote: "USD", Date: "01/03/2024", Rate: decimal.NewFromInt(1)}, true},
		{"zero rate", RateUpdate{Base: "EUR", Quote: "USD", Date: "2024-03-01"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair, day, err := tt.update.Parsed()
			if tt.wantErr {
				assert.ErrorIs(t, err, e.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, currency.Pair{From: "EUR", To: "USD"}, pair)
			assert.Equal(t, 2024, day.Year())
		})
	}
}

func TestConsumer_IngestsRates(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Offset: 1, Value: []byte(`{"base":"EUR","quote":"USD","date":"2024-03-01","rate":"1.0850"}`)},
		kafka.Message{Offset: 2, Value: []byte(`not json`)},
		kafka.Message{Offset: 3, Value: []byte(`{"base":"EUR","quote":"USD","date":"2024-03-01","rate":"-1"}`)},
		kafka.Message{Offset: 4, Value: []byte(`{"base":"GBP","quote":"USD","date":"2024-03-02","rate":1.27}`)},
	)
	store := &recordingStore{rates: map[string]decimal.Decimal{}}
	cache := &recordingCache{}
	core, recorded := observer.New(zap.ErrorLevel)

	c := testConsumer(reader, zap.New(core))
	c.RegisterHandler(RateIngestor(store, cache, zaptest.NewLogger(t)))
	runUntilDrained(t, c, reader)

	assert.Equal(t, []int64{1, 2, 3, 4}, reader.committed, "malformed and invalid messages are skipped")
	assert.Len(t, store.rates, 2)
	assert.Equal(t, "1.085", store.rates["EUR/USD@2024-03-01"].String())
	assert.Equal(t, []string{"EUR/USD@2024-03-01", "GBP/USD@2024-03-02"}, cache.evicted)
	assert.Equal(t, 1, recorded.FilterMessage("Failed to parse rate update").Len())
	assert.Equal(t, 1, recorded.FilterMessage("Failed to handle rate update").Len())
}

func TestConsumer_RetriesFailedUpdateBeforeMovingOn(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Offset: 1, Value: []byte(`{"base":"EUR","quote":"USD","date":"2024-03-01","rate":"1.08"}`)},
		kafka.Message{Offset: 2, Value: []byte(`{"base":"GBP","quote":"USD","date":"2024-03-01","rate":"1.27"}`)},
	)
	store := &recordingStore{rates: map[string]decimal.Decimal{}, failures: 2}
	cache := &recordingCache{}
	core, recorded := observer.New(zap.WarnLevel)

	c := testConsumer(reader, zap.New(core))
	c.RegisterHandler(RateIngestor(store, cache, zaptest.NewLogger(t)))
	runUntilDrained(t, c, reader)

	assert.Equal(t, []int64{1, 2}, reader.committed, "the failed rate is committed only after it is stored")
	assert.Len(t, store.rates, 2)
	assert.Equal(t, 4, store.calls)
	assert.Equal(t, []string{"EUR/USD@2024-03-01", "GBP/USD@2024-03-01"}, cache.evicted)
	assert.Equal(t, 2, recorded.FilterMessage("Retrying rate update").Len())
	assert.Zero(t, recorded.FilterMessage("Failed to handle rate update").Len())
}

func TestConsumer_ShutdownLeavesFailingUpdateUncommitted(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Offset: 9, Value: []byte(`{"base":"EUR","quote":"USD","date":"2024-03-01","rate":"1.08"}`)},
	)
	store := &recordingStore{rates: map[string]decimal.Decimal{}, failures: 1 << 30}
	cache := &recordingCache{}

	c := testConsumer(reader, zaptest.NewLogger(t))
	c.RegisterHandler(RateIngestor(store, cache, zaptest.NewLogger(t)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return store.callCount() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.Empty(t, reader.committed)
	assert.Empty(t, cache.evicted)

	c.Close()
	assert.True(t, reader.closed)
}

func TestConsumer_FetchErrors(t *testing.T) {
	t.Run("transient error is retried", func(t *testing.T) {
		reader := newFakeReader(
			kafka.Message{Offset: 1, Value: []byte(`{"base":"EUR","quote":"USD","date":"2024-03-01","rate":"1.08"}`)},
		)
		reader.fetchErrs = []error{errors.New("broker not available")}
		store := &recordingStore{rates: map[string]decimal.Decimal{}}
		core, recorded := observer.New(zap.ErrorLevel)

		c := testConsumer(reader, zap.New(core))
		c.RegisterHandler(RateIngestor(store, &recordingCache{}, zaptest.NewLogger(t)))
		runUntilDrained(t, c, reader)

		assert.Equal(t, []int64{1}, reader.committed)
		assert.Equal(t, 1, recorded.FilterMessage("Failed to fetch message").Len())
	})

	t.Run("closed reader stops the loop", func(t *testing.T) {
		reader := newFakeReader()
		reader.fetchErrs = []error{io.EOF}

		c := testConsumer(reader, zaptest.NewLogger(t))
		c.RegisterHandler(func(context.Context, RateUpdate) error { return nil })

		done := make(chan struct{})
		go func() {
			c.run(context.Background())
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("consumer kept fetching from a closed reader")
		}
	})
}

func TestConsumer_WithoutHandler(t *testing.T) {
	reader := newFakeReader(kafka.Message{Offset: 1, Value: []byte(`{}`)})
	core, recorded := observer.New(zap.ErrorLevel)

	c := testConsumer(reader, zap.New(core))
	c.run(context.Background())

	assert.Empty(t, reader.committed)
	assert.Equal(t, 1, recorded.FilterMessage("No rate update handler registered, consumer not started").Len())
}
