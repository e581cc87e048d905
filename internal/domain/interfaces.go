package domain

import (
	"context"
	"errors"
)

// ErrNotFound is returned by KVStore.Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Entry is one key/value pair of a bucket.
type Entry struct {
	Key   string
	Value []byte
}

// KVStore is the durable key-value persistence behind the action queue and
// the offline cache. List returns entries in first-insertion order; Set on an
// existing key replaces the value without moving the key.
type KVStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Set(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket string) ([]Entry, error)
	Close() error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
