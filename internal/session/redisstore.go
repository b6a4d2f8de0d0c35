package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/quotedesk/model"
)

const (
	redisSessionPrefix = "quotedesk:session:"
	redisEventsPrefix  = "quotedesk:session-events:"
	redisExpiryIndex   = "quotedesk:session-expiry"

	// Keys outlive ExpiresAt by this much so the sweeper sees them first.
	redisExpiryGrace = time.Hour
)

// RedisStore is a Redis-backed Store. Each session is one JSON value with a
// key TTL derived from ExpiresAt; events are a list beside it. A sorted set
// indexes sessions by expiry for the sweeper.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis session store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(tenantID, proposalNo string) string {
	return redisSessionPrefix + tenantID + ":" + proposalNo
}

func eventsKey(tenantID, proposalNo string) string {
	return redisEventsPrefix + tenantID + ":" + proposalNo
}

func keyTTL(sess model.Session) time.Duration {
	if sess.ExpiresAt == nil {
		return 0
	}
	ttl := time.Until(*sess.ExpiresAt) + redisExpiryGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Create persists a new session.
func (s *RedisStore) Create(ctx context.Context, sess model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	k := sessionKey(sess.TenantID, sess.ProposalNo)
	ok, err := s.client.SetNX(ctx, k, data, keyTTL(sess)).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %q: %w", k, err)
	}
	if !ok {
		return model.NewConflictError(
			fmt.Sprintf("quotation session %q already exists", sess.ProposalNo),
		)
	}
	return s.indexExpiry(ctx, s.client, sess)
}

// Get retrieves a session.
func (s *RedisStore) Get(ctx context.Context, tenantID, proposalNo string) (model.Session, error) {
	return s.get(ctx, s.client, tenantID, proposalNo)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c stringGetter, tenantID, proposalNo string) (model.Session, error) {
	k := sessionKey(tenantID, proposalNo)
	raw, err := c.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Session{}, notFound(proposalNo)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("redis get %q: %w", k, err)
	}

	var sess model.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return model.Session{}, fmt.Errorf("unmarshal session %q: %w", k, err)
	}
	return sess, nil
}

// Update persists a session with optimistic locking. The version check and
// write run under WATCH so a concurrent writer aborts the transaction.
func (s *RedisStore) Update(ctx context.Context, sess model.Session) (model.Session, error) {
	k := sessionKey(sess.TenantID, sess.ProposalNo)
	expected := sess.Version

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, sess.TenantID, sess.ProposalNo)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return versionConflict(sess.ProposalNo, expected)
		}

		sess.Version = expected + 1
		sess.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, keyTTL(sess))
			return s.indexExpiry(ctx, pipe, sess)
		})
		return err
	}, k)

	if errors.Is(err, redis.TxFailedErr) {
		return model.Session{}, versionConflict(sess.ProposalNo, expected)
	}
	if err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func (s *RedisStore) indexExpiry(ctx context.Context, c redis.Cmdable, sess model.Session) error {
	member := sessionKey(sess.TenantID, sess.ProposalNo)
	if sess.ExpiresAt == nil {
		return c.ZRem(ctx, redisExpiryIndex, member).Err()
	}
	return c.ZAdd(ctx, redisExpiryIndex, redis.Z{
		Score:  float64(sess.ExpiresAt.Unix()),
		Member: member,
	}).Err()
}

// Delete removes a session and its events.
func (s *RedisStore) Delete(ctx context.Context, tenantID, proposalNo string) error {
	k := sessionKey(tenantID, proposalNo)

	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, k)
		pipe.Del(ctx, eventsKey(tenantID, proposalNo))
		pipe.ZRem(ctx, redisExpiryIndex, k)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %q: %w", k, err)
	}
	if del.Val() == 0 {
		return notFound(proposalNo)
	}
	return nil
}

// AppendEvent pushes an event onto the session's list. The list shares the
// session's expiry.
func (s *RedisStore) AppendEvent(ctx context.Context, event model.SessionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}

	ek := eventsKey(event.TenantID, event.ProposalNo)
	ttl, err := s.client.PTTL(ctx, sessionKey(event.TenantID, event.ProposalNo)).Result()
	if err != nil {
		return fmt.Errorf("redis pttl: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, ek, data)
		if ttl > 0 {
			pipe.PExpire(ctx, ek, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis rpush %q: %w", ek, err)
	}
	return nil
}

// GetEvents returns the audit trail in append order.
func (s *RedisStore) GetEvents(ctx context.Context, tenantID, proposalNo string) ([]model.SessionEvent, error) {
	n, err := s.client.Exists(ctx, sessionKey(tenantID, proposalNo)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis exists: %w", err)
	}
	if n == 0 {
		return nil, notFound(proposalNo)
	}

	ek := eventsKey(tenantID, proposalNo)
	raw, err := s.client.LRange(ctx, ek, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %q: %w", ek, err)
	}

	events := make([]model.SessionEvent, 0, len(raw))
	for _, r := range raw {
		var evt model.SessionEvent
		if err := json.Unmarshal([]byte(r), &evt); err != nil {
			return nil, fmt.Errorf("unmarshal session event: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// FindExpired reads the expiry index up to cutoff. Index entries whose key
// has already been evicted are dropped.
func (s *RedisStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.Session, error) {
	members, err := s.client.ZRangeByScore(ctx, redisExpiryIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	var result []model.Session
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		var sess model.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session %q: %w", members[i], err)
		}
		result = append(result, sess)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, redisExpiryIndex, stale...).Err()
	}
	return result, nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
