package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"techsync/internal/domain"

	"github.com/rs/zerolog"
)

const defaultRecoveryInterval = time.Minute

// FailoverStore routes calls to primary until it fails, then to fallback.
// After RecoveryInterval the primary is tried again, and writes that landed in
// fallback meanwhile are moved back into primary before anything else runs
// there. ErrNotFound is a normal answer and never triggers a failover.
type FailoverStore struct {
	primary  domain.KVStore
	fallback domain.KVStore
	logger   *zerolog.Logger

	RecoveryInterval time.Duration

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
	// buckets written to fallback and not yet restored
	pending map[string]struct{}

	restoreMu sync.Mutex
}

var _ domain.KVStore = (*FailoverStore)(nil)

func NewFailoverStore(primary, fallback domain.KVStore, logger *zerolog.Logger) *FailoverStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverStore{
		primary:          primary,
		fallback:         fallback,
		logger:           logger,
		RecoveryInterval: defaultRecoveryInterval,
		pending:          make(map[string]struct{}),
	}
}

// Degraded reports whether calls currently go to the fallback.
func (r *FailoverStore) Degraded() bool {
	return r.isDown.Load()
}

func (r *FailoverStore) usePrimary(ctx context.Context) bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	due := time.Since(r.lastCheck) > r.RecoveryInterval
	r.mu.Unlock()
	if !due {
		return false
	}
	if err := r.restore(ctx); err != nil {
		r.markDown(err)
		return false
	}
	return true
}

// restore copies every fallback entry of a pending bucket into primary, in
// fallback order, and removes it from fallback once primary holds it.
func (r *FailoverStore) restore(ctx context.Context) error {
	r.restoreMu.Lock()
	defer r.restoreMu.Unlock()

	r.mu.Lock()
	buckets := slices.Sorted(maps.Keys(r.pending))
	r.mu.Unlock()

	for _, bucket := range buckets {
		entries, err := r.fallback.List(ctx, bucket)
		if err != nil {
			return fmt.Errorf("list fallback %s: %w", bucket, err)
		}
		for _, e := range entries {
			if err := r.primary.Set(ctx, bucket, e.Key, e.Value); err != nil {
				return fmt.Errorf("restore %s/%s: %w", bucket, e.Key, err)
			}
			if err := r.fallback.Delete(ctx, bucket, e.Key); err != nil {
				return fmt.Errorf("drop restored %s/%s: %w", bucket, e.Key, err)
			}
		}

		left, err := r.fallback.List(ctx, bucket)
		if err != nil {
			return fmt.Errorf("list fallback %s: %w", bucket, err)
		}
		if len(left) == 0 {
			r.mu.Lock()
			delete(r.pending, bucket)
			r.mu.Unlock()
		}
		if len(entries) > 0 {
			r.logger.Info().Str("bucket", bucket).Int("entries", len(entries)).Msg("restored fallback entries to primary store")
		}
	}
	return nil
}

func (r *FailoverStore) markDown(err error) {
	if !r.isDown.Load() {
		r.logger.Error().Err(err).Msg("primary store failed, falling back to memory")
	}
	r.isDown.Store(true)
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

func (r *FailoverStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("primary store recovered")
	}
}

func isStoreFailure(err error) bool {
	return err != nil && !errors.Is(err, domain.ErrNotFound)
}

func (r *FailoverStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if r.usePrimary(ctx) {
		val, err := r.primary.Get(ctx, bucket, key)
		if !isStoreFailure(err) {
			r.markUp()
			return val, err
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, bucket, key)
}

func (r *FailoverStore) Set(ctx context.Context, bucket, key string, value []byte) error {
	if r.usePrimary(ctx) {
		err := r.primary.Set(ctx, bucket, key, value)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	if err := r.fallback.Set(ctx, bucket, key, value); err != nil {
		return err
	}
	r.mu.Lock()
	r.pending[bucket] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *FailoverStore) Delete(ctx context.Context, bucket, key string) error {
	if r.usePrimary(ctx) {
		err := r.primary.Delete(ctx, bucket, key)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Delete(ctx, bucket, key)
}

func (r *FailoverStore) List(ctx context.Context, bucket string) ([]domain.Entry, error) {
	if r.usePrimary(ctx) {
		entries, err := r.primary.List(ctx, bucket)
		if err == nil {
			r.markUp()
			return entries, nil
		}
		r.markDown(err)
	}
	return r.fallback.List(ctx, bucket)
}

func (r *FailoverStore) Close() error {
	return errors.Join(r.primary.Close(), r.fallback.Close())
}
