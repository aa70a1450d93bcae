package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "call_session:"
	// updateRetries bounds the optimistic-transaction retry loop when two
	// writers race on the same call id.
	updateRetries = 8
)

// RedisRegistry is a Registry backed by Redis, letting multiple relay
// instances share one view of in-flight calls. Entries carry a TTL equal to
// the idle timeout so abandoned sessions cannot accumulate; TTL expiry is
// silent (no expiry callback), which is acceptable because the in-memory
// janitor semantics only matter for single-instance deployments.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisRegistry creates a Redis-backed registry. ttl <= 0 disables entry
// expiry.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if client == nil {
		panic("session: redis client cannot be nil")
	}
	return &RedisRegistry{client: client, ttl: ttl, now: time.Now}
}

func (r *RedisRegistry) Create(ctx context.Context, callID string, dynamicVariables map[string]string) (*CallSession, error) {
	s := newCallSession(callID, dynamicVariables, r.now().UTC())
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("session: marshal call session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, redisKey(callID), data, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("session: create call session: %w", err)
	}
	if !ok {
		return nil, ErrDuplicateSession
	}
	return s, nil
}

func (r *RedisRegistry) Get(ctx context.Context, callID string) (*CallSession, error) {
	data, err := r.client.Get(ctx, redisKey(callID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: load call session: %w", err)
	}
	return decodeSession(data)
}

func (r *RedisRegistry) Update(ctx context.Context, callID string, mutate func(*CallSession) error) (*CallSession, error) {
	key := redisKey(callID)
	var updated *CallSession

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		s, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := mutate(s); err != nil {
			return err
		}
		s.UpdatedAt = r.now().UTC()
		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("session: marshal call session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = s
		return nil
	}

	for attempt := 0; attempt < updateRetries; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("session: update contention on call %s", callID)
}

func (r *RedisRegistry) Evict(ctx context.Context, callID string) error {
	if err := r.client.Del(ctx, redisKey(callID)).Err(); err != nil {
		return fmt.Errorf("session: evict call session: %w", err)
	}
	return nil
}

func redisKey(callID string) string {
	return redisKeyPrefix + callID
}

func decodeSession(data []byte) (*CallSession, error) {
	var s CallSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: decode call session: %w", err)
	}
	return &s, nil
}
