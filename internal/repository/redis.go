package repository

import (
	"context"
	"errors"
	"fmt"

	"techsync/internal/config"
	"techsync/internal/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each bucket as a hash of values plus a sorted set whose
// scores record first-insertion order.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ domain.KVStore = (*RedisStore)(nil)

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "techsync"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) dataKey(bucket string) string  { return fmt.Sprintf("%s:%s:data", r.prefix, bucket) }
func (r *RedisStore) orderKey(bucket string) string { return fmt.Sprintf("%s:%s:order", r.prefix, bucket) }
func (r *RedisStore) seqKey(bucket string) string   { return fmt.Sprintf("%s:%s:seq", r.prefix, bucket) }

func (r *RedisStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.HGet(ctx, r.dataKey(bucket), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s from redis: %w", bucket, key, err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, bucket, key string, value []byte) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	seq, err := r.client.Incr(ctx, r.seqKey(bucket)).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence for %s: %w", bucket, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.dataKey(bucket), key, value)
		// NX keeps the original score, so updates never reorder the bucket.
		pipe.ZAddNX(ctx, r.orderKey(bucket), redis.Z{Score: float64(seq), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set %s/%s in redis: %w", bucket, key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, bucket, key string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.dataKey(bucket), key)
		pipe.ZRem(ctx, r.orderKey(bucket), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s from redis: %w", bucket, key, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, bucket string) ([]domain.Entry, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	keys, err := r.client.ZRange(ctx, r.orderKey(bucket), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s order from redis: %w", bucket, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.HMGet(ctx, r.dataKey(bucket), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s values from redis: %w", bucket, err)
	}

	entries := make([]domain.Entry, 0, len(keys))
	for i, k := range keys {
		s, ok := values[i].(string)
		if !ok {
			// Index entry without data: a Set interrupted between commands.
			continue
		}
		entries = append(entries, domain.Entry{Key: k, Value: []byte(s)})
	}
	return entries, nil
}

func (r *RedisStore) Close() error {
	return Close(r.client)
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
