package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore initializes Redis storage.
// Final key is prefix + stream, prefix defaults to "indexer:".
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	if prefix == "" {
		prefix = "indexer:"
	}

	return &RedisStore{
		client: rdb,
		prefix: prefix,
	}, nil
}

func (r *RedisStore) Load(ctx context.Context, stream string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	val, err := r.client.Get(ctx, r.prefix+stream).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Save compares then sets. A stream has a single writer so the two calls
// cannot interleave with another Save of the same key.
func (r *RedisStore) Save(ctx context.Context, stream string, block uint64) error {
	cur, err := r.Load(ctx, stream)
	if err != nil {
		return err
	}
	if block < cur {
		return regression(stream, cur, block)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Set(ctx, r.prefix+stream, block, 0).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
