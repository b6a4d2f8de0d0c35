package quotation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/quotedesk/model"
)

// IdempotencyStore deduplicates complete calculations. Keys are built with
// FormatIdempotencyKey.
type IdempotencyStore interface {
	// Check looks up a previous outcome. A stored key with a different
	// input hash is a CONFLICT.
	Check(ctx context.Context, key, inputHash string) (outcome *Calculation, found bool, err error)

	// Store saves an outcome under key for ttl.
	Store(ctx context.Context, key, inputHash string, outcome Calculation, ttl time.Duration) error
}

type idempotencyEntry struct {
	InputHash string      `json:"input_hash"`
	Outcome   Calculation `json:"outcome"`
}

// FormatIdempotencyKey scopes a client key to one tenant's proposal.
func FormatIdempotencyKey(tenantID, proposalNo, key string) string {
	return fmt.Sprintf("idem:calculate:%s:%s:%s", tenantID, proposalNo, key)
}

// HashRequest fingerprints the body of a complete calculation.
func HashRequest(req model.CompleteCalculationRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("hash calculation request: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func keyConflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

// MemoryIdempotencyStore keeps outcomes in memory with a TTL.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check looks up an outcome.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key, inputHash string) (*Calculation, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if entry.data.InputHash != inputHash {
		return nil, true, keyConflict(key)
	}

	outcome := entry.data.Outcome
	return &outcome, true, nil
}

// Store saves an outcome.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, inputHash string, outcome Calculation, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{
		data:      idempotencyEntry{InputHash: inputHash, Outcome: outcome},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, expired ones included. For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisIdempotencyStore keeps outcomes in Redis with a key TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a Redis-backed store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up an outcome.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key, inputHash string) (*Calculation, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.InputHash != inputHash {
		return nil, true, keyConflict(key)
	}
	return &entry.Outcome, true, nil
}

// Store saves an outcome.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, inputHash string, outcome Calculation, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Outcome: outcome})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
