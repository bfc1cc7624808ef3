package metastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stowage-io/stowage/internal/config"
	"github.com/stowage-io/stowage/internal/fault"
)

// Redis backs the store with a Redis instance. All primitives map to
// single-key commands, so no scripting or transactions are needed.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the configured Redis instance and verifies it
// responds before returning.
func NewRedis(cfg config.MetastoreConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddress, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fault.Newf(fault.KindNotFound, "metastore.get", "key %s not found", key)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "metastore.get", err)
	}
	return v, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	return fault.Wrap(fault.KindTransient, "metastore.put", r.client.Set(ctx, key, value, 0).Err())
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return fault.Wrap(fault.KindTransient, "metastore.delete", r.client.Del(ctx, key).Err())
}

func (r *Redis) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	created, err := r.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, fault.Wrap(fault.KindTransient, "metastore.put_if_absent", err)
	}
	return created, nil
}

func (r *Redis) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, "metastore.incr", err)
	}
	return n, nil
}

func (r *Redis) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fault.Wrap(fault.KindTransient, "metastore.scan", err)
	}
	return keys, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
