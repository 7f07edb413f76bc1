package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/meridianlabs/conductor/pkg/faults"
)

// RedisStore keeps checkpoints in Redis for deployments where the
// projection host is separate from the durable log host.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store using the given client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "surface_checkpoint"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(tenantID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, tenantID)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, tenantID string) (Checkpoint, error) {
	val, err := s.client.Get(ctx, s.key(tenantID)).Bytes()
	if err == redis.Nil {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, faults.Transient(err, "checkpoint read failed for tenant %s", tenantID)
	}
	var cp Checkpoint
	if err := json.Unmarshal(val, &cp); err != nil {
		return Checkpoint{}, faults.Transient(err, "corrupt checkpoint for tenant %s", tenantID)
	}
	return cp, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, tenantID string, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return faults.Transient(err, "checkpoint encode failed for tenant %s", tenantID)
	}
	if err := s.client.Set(ctx, s.key(tenantID), raw, 0).Err(); err != nil {
		return faults.Transient(err, "checkpoint write failed for tenant %s", tenantID)
	}
	return nil
}
