// Package session persists quotation sessions and their audit trail.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/quotedesk/model"
)

// Store persists quotation sessions and events. Sessions are keyed by
// tenant and proposal number; a proposal number is only unique within a
// tenant.
type Store interface {
	// Create persists a new session. Returns CONFLICT if one already exists.
	Create(ctx context.Context, s model.Session) error

	// Get retrieves a session. Returns NOT_FOUND if it does not exist.
	Get(ctx context.Context, tenantID, proposalNo string) (model.Session, error)

	// Update persists s if the stored version equals s.Version and returns
	// the stored copy, whose version is one higher. Returns CONFLICT when
	// the version has moved.
	Update(ctx context.Context, s model.Session) (model.Session, error)

	// Delete removes a session and its events.
	Delete(ctx context.Context, tenantID, proposalNo string) error

	// AppendEvent adds an event to the session's audit trail.
	AppendEvent(ctx context.Context, event model.SessionEvent) error

	// GetEvents returns the session's events oldest first.
	GetEvents(ctx context.Context, tenantID, proposalNo string) ([]model.SessionEvent, error)

	// FindExpired returns sessions whose ExpiresAt is before cutoff.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.Session, error)

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

func notFound(proposalNo string) error {
	return model.NewNotFoundError(fmt.Sprintf("quotation session %q not found", proposalNo))
}

func versionConflict(proposalNo string, expected int) error {
	return model.NewConflictError(
		fmt.Sprintf("quotation session %q version conflict (expected %d)", proposalNo, expected),
	)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*PgStore)(nil)
)
