package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "tbl-bridge:snapshot"

// RedisRepository keeps the snapshot as one JSON value under a single key.
type RedisRepository struct {
	client *redis.Client
	key    string
}

// NewRedisRepositoryWithClient uses an existing client. An empty key selects the
// default one.
func NewRedisRepositoryWithClient(client *redis.Client, key string) *RedisRepository {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisRepository{client: client, key: key}
}

func (r *RedisRepository) Load(ctx context.Context) (Snapshot, error) {
	payload, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return decode(payload)
}

func (r *RedisRepository) Save(ctx context.Context, snap Snapshot) error {
	payload, err := encode(snap)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
