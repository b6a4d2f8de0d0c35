// Package events publishes quotation session events to downstream systems.
package events

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pitabwire/quotedesk/model"
)

// Publisher delivers session events. Publishing is best effort: callers log
// failures and carry on, since the audit trail in the session store is the
// record of truth.
type Publisher interface {
	Publish(ctx context.Context, event model.SessionEvent) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, model.SessionEvent) error { return nil }
func (NopPublisher) Close() error                                     { return nil }

// LogPublisher writes each event to a logger at info level.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher that logs events.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(_ context.Context, event model.SessionEvent) error {
	p.logger.Info("session event",
		zap.String("event", event.Event),
		zap.String("event_id", event.ID),
		zap.String("tenant_id", event.TenantID),
		zap.String("proposal_no", event.ProposalNo),
		zap.String("actor_id", event.ActorID),
		zap.Any("data", event.Data),
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }

// Multi fans an event out to several publishers. Every publisher is tried;
// the errors are joined.
type Multi []Publisher

// Publish sends the event to each publisher.
func (m Multi) Publish(ctx context.Context, event model.SessionEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes each publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
