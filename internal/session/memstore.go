package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/quotedesk/model"
)

type key struct {
	tenantID   string
	proposalNo string
}

// MemoryStore is an in-memory Store for tests and single-instance use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[key]model.Session
	events   map[key][]model.SessionEvent
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[key]model.Session),
		events:   make(map[key][]model.SessionEvent),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new session.
func (s *MemoryStore) Create(_ context.Context, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{sess.TenantID, sess.ProposalNo}
	if _, exists := s.sessions[k]; exists {
		return model.NewConflictError(
			fmt.Sprintf("quotation session %q already exists", sess.ProposalNo),
		)
	}
	s.sessions[k] = sess.Clone()
	return nil
}

// Get retrieves a session.
func (s *MemoryStore) Get(_ context.Context, tenantID, proposalNo string) (model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[key{tenantID, proposalNo}]
	if !exists {
		return model.Session{}, notFound(proposalNo)
	}
	return sess.Clone(), nil
}

// Update persists a session with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, sess model.Session) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{sess.TenantID, sess.ProposalNo}
	existing, exists := s.sessions[k]
	if !exists {
		return model.Session{}, notFound(sess.ProposalNo)
	}
	if existing.Version != sess.Version {
		return model.Session{}, model.NewConflictError(
			fmt.Sprintf("quotation session %q version conflict (expected %d, got %d)",
				sess.ProposalNo, sess.Version, existing.Version),
		)
	}

	sess.Version++
	sess.UpdatedAt = s.now()
	s.sessions[k] = sess.Clone()
	return sess, nil
}

// Delete removes a session and its events.
func (s *MemoryStore) Delete(_ context.Context, tenantID, proposalNo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{tenantID, proposalNo}
	if _, exists := s.sessions[k]; !exists {
		return notFound(proposalNo)
	}
	delete(s.sessions, k)
	delete(s.events, k)
	return nil
}

// AppendEvent adds an event to the audit trail.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{event.TenantID, event.ProposalNo}
	s.events[k] = append(s.events[k], event)
	return nil
}

// GetEvents returns the audit trail ordered by timestamp.
func (s *MemoryStore) GetEvents(_ context.Context, tenantID, proposalNo string) ([]model.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k := key{tenantID, proposalNo}
	if _, exists := s.sessions[k]; !exists {
		return nil, notFound(proposalNo)
	}

	result := make([]model.SessionEvent, len(s.events[k]))
	copy(result, s.events[k])
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// FindExpired returns sessions past their expiry, soonest first.
func (s *MemoryStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Session
	for _, sess := range s.sessions {
		if sess.ExpiresAt == nil || !sess.ExpiresAt.Before(cutoff) {
			continue
		}
		result = append(result, sess.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
	})
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of sessions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
