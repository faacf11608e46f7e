package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gartstein/reimburse/internal/expense/models"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// MockKafkaWriter implements KafkaWriter for testing
type MockKafkaWriter struct {
	mock.Mock
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockKafkaWriter) Close() error {
	args := m.Called()
	return args.Error(0)
}

func testProducer(w KafkaWriter, logger *zap.Logger) *Producer {
	p := newProducer(w, logger)
	p.backoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}
	return p
}

func testClaim() *models.Claim {
	return &models.Claim{
		ID:              uuid.New(),
		CompanyID:       uuid.New(),
		SubmitterID:     uuid.New(),
		Status:          models.ClaimPending,
		ConvertedAmount: decimal.RequireFromString("130.7"),
		BaseCurrency:    "USD",
		UpdatedAt:       time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewEvent(t *testing.T) {
	claim := testClaim()
	step := models.Step{ID: uuid.New(), StepNumber: 2, ApproverID: uuid.New(), Status: models.StepRejected, Comments: "no"}

	ev := NewEvent(StepDecided, claim, &step)
	assert.Equal(t, claim.ID, ev.ClaimID)
	assert.Equal(t, "130.70", ev.Amount)
	require.NotNil(t, ev.Step)
	assert.Equal(t, 2, ev.Step.StepNumber)
	assert.Equal(t, models.StepRejected, ev.Step.Status)

	assert.Nil(t, NewEvent(ClaimSubmitted, claim, nil).Step)
}

func TestProducer_Produce(t *testing.T) {
	t.Run("successful produce", func(t *testing.T) {
		producer := testProducer(new(MockKafkaWriter), zaptest.NewLogger(t))
		producer.Produce(NewEvent(ClaimSubmitted, testClaim(), nil))
		assert.Equal(t, 1, len(producer.events))
	})

	t.Run("dropped event when queue full", func(t *testing.T) {
		core, recorded := observer.New(zap.WarnLevel)
		producer := testProducer(new(MockKafkaWriter), zap.New(core))
		producer.events = make(chan Event, 1)
		ev := NewEvent(ClaimSubmitted, testClaim(), nil)

		producer.Produce(ev)
		producer.Produce(ev)

		assert.Equal(t, 1, recorded.FilterMessage("Kafka producer queue full, dropping event").Len())
	})
}

func TestProducer_SendEvent(t *testing.T) {
	ev := NewEvent(ClaimApproved, testClaim(), nil)
	value, err := json.Marshal(ev)
	require.NoError(t, err)

	t.Run("successful send keyed by claim", func(t *testing.T) {
		w := new(MockKafkaWriter)
		w.On("WriteMessages", mock.Anything, mock.Anything).Return(nil)
		producer := testProducer(w, zaptest.NewLogger(t))

		producer.sendEvent(context.Background(), ev)

		w.AssertCalled(t, "WriteMessages", mock.Anything, []kafka.Message{
			{Key: []byte(ev.ClaimID.String()), Value: value},
		})
	})

	t.Run("transient write error is retried", func(t *testing.T) {
		core, recorded := observer.New(zap.ErrorLevel)
		w := new(MockKafkaWriter)
		w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("leader not available")).Once()
		w.On("WriteMessages", mock.Anything, mock.Anything).Return(nil).Once()
		producer := testProducer(w, zap.New(core))

		producer.sendEvent(context.Background(), ev)

		w.AssertNumberOfCalls(t, "WriteMessages", 2)
		assert.Equal(t, 0, recorded.Len())
	})

	t.Run("write error after retries", func(t *testing.T) {
		core, recorded := observer.New(zap.ErrorLevel)
		w := new(MockKafkaWriter)
		w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("kafka error"))
		producer := testProducer(w, zap.New(core))

		producer.sendEvent(context.Background(), ev)

		w.AssertNumberOfCalls(t, "WriteMessages", 3)
		assert.Equal(t, 1, recorded.FilterMessage("Failed to produce event").Len())
	})

	t.Run("serialization error", func(t *testing.T) {
		core, recorded := observer.New(zap.ErrorLevel)
		w := new(MockKafkaWriter)
		producer := testProducer(w, zap.New(core))

		oldMarshal := jsonMarshal
		jsonMarshal = func(_ interface{}) ([]byte, error) {
			return nil, errors.New("mock marshal error")
		}
		defer func() { jsonMarshal = oldMarshal }()

		producer.sendEvent(context.Background(), ev)

		assert.Equal(t, 1, recorded.FilterMessage("Failed to serialize event").Len())
		assert.Equal(t, 1, recorded.FilterField(zap.String("claim_id", ev.ClaimID.String())).Len())
		w.AssertNotCalled(t, "WriteMessages", mock.Anything, mock.Anything)
	})
}

func TestProducer_EventLoopAndClose(t *testing.T) {
	w := new(MockKafkaWriter)
	sent := make(chan struct{})
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) { close(sent) })
	w.On("Close").Return(nil)
	producer := testProducer(w, zaptest.NewLogger(t))

	go producer.eventLoop()
	producer.Produce(NewEvent(ClaimRejected, testClaim(), nil))

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("event was not written")
	}

	producer.Close()
	select {
	case <-producer.closeChan:
	default:
		t.Error("closeChan not closed")
	}
	w.AssertCalled(t, "Close")
}
