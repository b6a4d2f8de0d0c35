// Package quotation runs the motor quotation workflow: the vehicle
// collection, complete calculation, the stepwise vehicle draft and
// proposal aggregation. Session state lives in a session.Store; remote
// arithmetic is delegated to a Calculator.
package quotation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/quotedesk/internal/events"
	"github.com/pitabwire/quotedesk/internal/observability"
	"github.com/pitabwire/quotedesk/internal/session"
	"github.com/pitabwire/quotedesk/model"
)

const (
	defaultSessionTTL       = 8 * time.Hour
	defaultComputingTimeout = 2 * time.Minute
	defaultIdempotencyTTL   = 24 * time.Hour
)

// Service coordinates quotation sessions. Each session is mutated under a
// per-(tenant, proposal) lock; remote calls run outside it.
type Service struct {
	store            session.Store
	calc             Calculator
	idem             IdempotencyStore
	idemTTL          time.Duration
	publisher        events.Publisher
	metrics          *observability.Metrics
	logger           *zap.Logger
	ttl              time.Duration
	computingTimeout time.Duration
	now              func() time.Time
	newID            func() string
	locks            *keyedMutex
}

// Option configures a Service.
type Option func(*Service)

// WithSessionTTL sets how long an untouched session lives. Zero disables
// expiry.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// WithComputingTimeout sets how long a Computing phase blocks another
// calculation before it is treated as abandoned.
func WithComputingTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.computingTimeout = d
		}
	}
}

// WithIdempotency enables keyed deduplication of complete calculations.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(s *Service) {
		s.idem = store
		if ttl > 0 {
			s.idemTTL = ttl
		}
	}
}

// WithPublisher publishes session events.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics records workflow metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now. For tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the vehicle and event id generator. For tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService creates a quotation service.
func NewService(store session.Store, calc Calculator, opts ...Option) *Service {
	s := &Service{
		store:            store,
		calc:             calc,
		idemTTL:          defaultIdempotencyTTL,
		publisher:        events.NopPublisher{},
		logger:           zap.NewNop(),
		ttl:              defaultSessionTTL,
		computingTimeout: defaultComputingTimeout,
		now:              func() time.Time { return time.Now().UTC() },
		newID:            func() string { return uuid.New().String() },
		locks:            newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func lockKey(tenantID, proposalNo string) string {
	return tenantID + "\x00" + proposalNo
}

// Get returns the session for a proposal, creating an empty one on first
// access.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
	if err := validateProposalNo(proposalNo); err != nil {
		return model.Session{}, err
	}
	return s.open(ctx, rctx, proposalNo)
}

// Events returns a session's audit trail.
func (s *Service) Events(ctx context.Context, rctx *model.RequestContext, proposalNo string) ([]model.SessionEvent, error) {
	return s.store.GetEvents(ctx, rctx.TenantID, proposalNo)
}

// open loads a session or creates it. An expired session is deleted and
// reported once as SESSION_EXPIRED; the next access starts afresh.
func (s *Service) open(ctx context.Context, rctx *model.RequestContext, proposalNo string) (model.Session, error) {
	sess, err := s.store.Get(ctx, rctx.TenantID, proposalNo)
	if err == nil {
		if sess.ExpiresAt != nil && sess.ExpiresAt.Before(s.now()) {
			if derr := s.store.Delete(ctx, rctx.TenantID, proposalNo); derr != nil && !model.HasCode(derr, model.ErrNotFound) {
				return model.Session{}, derr
			}
			s.metrics.RecordSessionsExpired(1)
			s.publish(ctx, s.event(rctx.TenantID, proposalNo, model.EventSessionExpired, "system", nil))
			return model.Session{}, model.NewSessionExpiredError(proposalNo)
		}
		return sess, nil
	}
	if !model.HasCode(err, model.ErrNotFound) {
		return model.Session{}, err
	}

	now := s.now()
	sess = model.NewSession(rctx.TenantID, proposalNo, now)
	s.touch(&sess)
	if err := s.store.Create(ctx, sess); err != nil {
		if model.HasCode(err, model.ErrConflict) {
			return s.store.Get(ctx, rctx.TenantID, proposalNo)
		}
		return model.Session{}, err
	}
	s.record(ctx, rctx, sess, model.EventSessionCreated, nil)
	return sess, nil
}

// touch slides the session's expiry.
func (s *Service) touch(sess *model.Session) {
	if s.ttl <= 0 {
		sess.ExpiresAt = nil
		return
	}
	exp := s.now().Add(s.ttl)
	sess.ExpiresAt = &exp
}

// update runs fn on the locked session and persists the result. fn returns
// the event to record, or "" for none.
func (s *Service) update(
	ctx context.Context,
	rctx *model.RequestContext,
	proposalNo string,
	fn func(sess *model.Session) (event string, data map[string]any, err error),
) (model.Session, error) {
	if err := validateProposalNo(proposalNo); err != nil {
		return model.Session{}, err
	}

	unlock := s.locks.Lock(lockKey(rctx.TenantID, proposalNo))
	defer unlock()

	sess, err := s.open(ctx, rctx, proposalNo)
	if err != nil {
		return model.Session{}, err
	}

	event, data, err := fn(&sess)
	if err != nil {
		return model.Session{}, err
	}

	s.touch(&sess)
	updated, err := s.store.Update(ctx, sess)
	if err != nil {
		return model.Session{}, err
	}
	if event != "" {
		s.record(ctx, rctx, updated, event, data)
	}
	return updated, nil
}

func (s *Service) event(tenantID, proposalNo, name, actor string, data map[string]any) model.SessionEvent {
	return model.SessionEvent{
		ID:         s.newID(),
		TenantID:   tenantID,
		ProposalNo: proposalNo,
		Event:      name,
		ActorID:    actor,
		Data:       data,
		Timestamp:  s.now(),
	}
}

// record appends an event to the audit trail and publishes it. Failures are
// logged; the mutation has already been committed.
func (s *Service) record(ctx context.Context, rctx *model.RequestContext, sess model.Session, name string, data map[string]any) {
	evt := s.event(sess.TenantID, sess.ProposalNo, name, rctx.SubjectID, data)
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		observability.SessionLogger(ctx, s.logger, sess.ProposalNo).Error("failed to append session event",
			zap.String("event", name),
			zap.Error(err),
		)
	}
	s.publish(ctx, evt)
}

func (s *Service) publish(ctx context.Context, evt model.SessionEvent) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		observability.SessionLogger(ctx, s.logger, evt.ProposalNo).Warn("failed to publish session event",
			zap.String("event", evt.Event),
			zap.Error(err),
		)
	}
}

// ProcessExpired deletes sessions past their expiry and returns how many
// were removed.
func (s *Service) ProcessExpired(ctx context.Context) (int, error) {
	expired, err := s.store.FindExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("find expired sessions: %w", err)
	}

	removed := 0
	for _, sess := range expired {
		unlock := s.locks.Lock(lockKey(sess.TenantID, sess.ProposalNo))
		err := s.store.Delete(ctx, sess.TenantID, sess.ProposalNo)
		unlock()
		if err != nil {
			if !model.HasCode(err, model.ErrNotFound) {
				s.logger.Error("failed to delete expired session",
					zap.String("tenant_id", sess.TenantID),
					zap.String("proposal_no", sess.ProposalNo),
					zap.Error(err),
				)
			}
			continue
		}
		removed++
		s.publish(ctx, s.event(sess.TenantID, sess.ProposalNo, model.EventSessionExpired, "system", nil))
	}
	s.metrics.RecordSessionsExpired(removed)
	return removed, nil
}

// RunSweeper calls ProcessExpired every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ProcessExpired(ctx)
			if err != nil {
				s.logger.Error("session expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired quotation sessions removed", zap.Int("count", n))
			}
		}
	}
}

func validateProposalNo(proposalNo string) error {
	if proposalNo == "" {
		return model.NewBadRequestError("proposal number is required")
	}
	if len(proposalNo) > 64 {
		return model.NewBadRequestError("proposal number is too long")
	}
	return nil
}
