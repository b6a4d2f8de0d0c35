package events

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pitabwire/quotedesk/internal/config"
	"github.com/pitabwire/quotedesk/internal/observability"
	"github.com/pitabwire/quotedesk/model"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("events: publisher closed")

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes session events as JSON to a single topic. Messages
// are keyed by tenant and proposal so one session's events stay ordered
// within a partition.
type KafkaPublisher struct {
	writer  MessageWriter
	topic   string
	brokers []string
	metrics *observability.Metrics
	logger  *zap.Logger
	closed  atomic.Bool
}

// KafkaOption configures a KafkaPublisher.
type KafkaOption func(*KafkaPublisher)

// WithWriter replaces the kafka writer.
func WithWriter(w MessageWriter) KafkaOption {
	return func(p *KafkaPublisher) { p.writer = w }
}

// WithPublisherMetrics records publish outcomes.
func WithPublisherMetrics(m *observability.Metrics) KafkaOption {
	return func(p *KafkaPublisher) { p.metrics = m }
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(l *zap.Logger) KafkaOption {
	return func(p *KafkaPublisher) { p.logger = l }
}

// NewKafkaPublisher creates a publisher for the configured brokers and topic.
func NewKafkaPublisher(cfg config.EventsConfig, opts ...KafkaOption) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("events: topic is required")
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}

	p := &KafkaPublisher{
		topic:   cfg.Topic,
		brokers: cfg.Brokers,
		logger:  zap.NewNop(),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           batchTimeout,
			RequiredAcks:           kafka.RequireOne,
			MaxAttempts:            3,
			WriteTimeout:           10 * time.Second,
			AllowAutoTopicCreation: true,
			Transport: &kafka.Transport{
				DialTimeout: 10 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// MessageKey is the partition key of a session's events.
func MessageKey(event model.SessionEvent) []byte {
	return []byte(event.TenantID + "/" + event.ProposalNo)
}

// Publish writes one event.
func (p *KafkaPublisher) Publish(ctx context.Context, event model.SessionEvent) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	value, err := json.Marshal(event)
	if err != nil {
		p.metrics.RecordEventPublished(event.Event, "error")
		return fmt.Errorf("events: marshal %s: %w", event.Event, err)
	}

	msg := kafka.Message{
		Key:   MessageKey(event),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(event.Event)},
			{Key: "tenant_id", Value: []byte(event.TenantID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.metrics.RecordEventPublished(event.Event, "error")
		p.logger.Warn("events: publish failed",
			zap.String("event", event.Event),
			zap.String("topic", p.topic),
			zap.Error(err),
		)
		return fmt.Errorf("events: publish %s: %w", event.Event, err)
	}
	p.metrics.RecordEventPublished(event.Event, "ok")
	return nil
}

// HealthCheck dials the first reachable broker.
func (p *KafkaPublisher) HealthCheck(ctx context.Context) error {
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("events: no broker reachable: %w", lastErr)
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.writer.Close()
}
