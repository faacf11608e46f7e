package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gartstein/reimburse/internal/expense/models"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var jsonMarshal = json.Marshal

type EventType string

const (
	ClaimSubmitted EventType = "claim_submitted"
	StepDecided    EventType = "step_decided"
	ClaimApproved  EventType = "claim_approved"
	ClaimRejected  EventType = "claim_rejected"
)

// Event is the payload published on the claims topic.
type Event struct {
	Type        EventType          `json:"type"`
	ClaimID     uuid.UUID          `json:"claim_id"`
	CompanyID   uuid.UUID          `json:"company_id"`
	SubmitterID uuid.UUID          `json:"submitter_id"`
	Status      models.ClaimStatus `json:"status"`
	Amount      string             `json:"converted_amount"`
	Currency    string             `json:"base_currency"`
	// Step is set for step_decided.
	Step       *StepPayload `json:"step,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

type StepPayload struct {
	ID         uuid.UUID         `json:"id"`
	StepNumber int               `json:"step_number"`
	ApproverID uuid.UUID         `json:"approver_id"`
	Status     models.StepStatus `json:"status"`
	Comments   string            `json:"comments,omitempty"`
}

// NewEvent builds the event for claim at its current state.
func NewEvent(t EventType, claim *models.Claim, step *models.Step) Event {
	ev := Event{
		Type:        t,
		ClaimID:     claim.ID,
		CompanyID:   claim.CompanyID,
		SubmitterID: claim.SubmitterID,
		Status:      claim.Status,
		Amount:      claim.ConvertedAmount.StringFixed(2),
		Currency:    claim.BaseCurrency,
		OccurredAt:  claim.UpdatedAt,
	}
	if step != nil {
		ev.Step = &StepPayload{
			ID:         step.ID,
			StepNumber: step.StepNumber,
			ApproverID: step.ApproverID,
			Status:     step.Status,
			Comments:   step.Comments,
		}
	}
	return ev
}

type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer    KafkaWriter
	events    chan Event
	logger    *zap.Logger
	closeChan chan struct{}
	// backoff yields the retry policy for one publish.
	backoff func() backoff.BackOff
}

func NewProducer(brokers []string, logger *zap.Logger, topic string) (*Producer, error) {
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     3,
		ReplicationFactor: 1,
	})
	if err != nil {
		logger.Warn("failed to create topic (may already exist)", zap.Error(err))
	}

	p := newProducer(&kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
		Topic:    topic,
	}, logger)
	go p.eventLoop()
	return p, nil
}

func newProducer(writer KafkaWriter, logger *zap.Logger) *Producer {
	return &Producer{
		writer:    writer,
		events:    make(chan Event, 1000),
		logger:    logger.Named("kafka_producer"),
		closeChan: make(chan struct{}),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
	}
}

// Produce enqueues the event without blocking; a full queue drops it.
func (p *Producer) Produce(event Event) {
	select {
	case p.events <- event:
	default:
		p.logger.Warn("Kafka producer queue full, dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("claim_id", event.ClaimID.String()),
		)
	}
}

func (p *Producer) eventLoop() {
	for {
		select {
		case event := <-p.events:
			p.sendEvent(context.Background(), event)
		case <-p.closeChan:
			return
		}
	}
}

func (p *Producer) sendEvent(ctx context.Context, event Event) {
	value, err := jsonMarshal(event)
	if err != nil {
		p.logger.Error("Failed to serialize event",
			zap.Error(err),
			zap.String("claim_id", event.ClaimID.String()),
		)
		return
	}

	// Keyed by claim so one claim's events stay ordered within a partition.
	msg := kafka.Message{Key: []byte(event.ClaimID.String()), Value: value}
	err = backoff.Retry(func() error {
		return p.writer.WriteMessages(ctx, msg)
	}, backoff.WithContext(p.backoff(), ctx))
	if err != nil {
		p.logger.Error("Failed to produce event",
			zap.Error(err),
			zap.String("event_type", string(event.Type)),
			zap.String("claim_id", event.ClaimID.String()),
		)
	}
}

func (p *Producer) Close() {
	close(p.closeChan)
	if err := p.writer.Close(); err != nil {
		p.logger.Error("Failed to close Kafka writer", zap.Error(err))
	}
}
