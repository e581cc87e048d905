package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"techsync/internal/domain"
	"techsync/internal/models"
)

// Cache keeps the last agenda and order details fetched from the remote API
// so they can be read offline. Snapshots are replaced wholesale.
type Cache struct {
	store domain.KVStore
	now   func() time.Time
}

func New(store domain.KVStore) *Cache {
	return &Cache{store: store, now: time.Now}
}

// agendaGenerationKey in BucketMeta names the agenda generation Agenda reads.
// Agenda entries are keyed "<generation>/<id>".
const agendaGenerationKey = "agenda_generation"

// ReplaceAgenda stores entries as the new agenda. Every entry must carry an
// "id"; nothing is written if one does not. The new entries are written under
// a fresh generation and become visible in one Set, so a failed replace
// leaves the previous agenda readable.
func (c *Cache) ReplaceAgenda(ctx context.Context, entries []json.RawMessage) error {
	snapshots := make([]models.Snapshot, 0, len(entries))
	for i, raw := range entries {
		snap, err := c.snapshot(raw)
		if err != nil {
			return fmt.Errorf("agenda entry %d: %w", i, err)
		}
		snapshots = append(snapshots, snap)
	}

	current, err := c.agendaGeneration(ctx)
	if err != nil {
		return err
	}
	next := current + 1
	prefix := generationPrefix(next)

	existing, err := c.store.List(ctx, models.BucketAgenda)
	if err != nil {
		return fmt.Errorf("list agenda: %w", err)
	}
	// Leftovers of an earlier replace that failed before switching.
	for _, e := range existing {
		if strings.HasPrefix(e.Key, prefix) {
			if err := c.store.Delete(ctx, models.BucketAgenda, e.Key); err != nil {
				return fmt.Errorf("clear agenda entry %s: %w", e.Key, err)
			}
		}
	}

	for _, snap := range snapshots {
		if err := c.put(ctx, models.BucketAgenda, prefix+snap.ID, snap); err != nil {
			return err
		}
	}
	if err := c.store.Set(ctx, models.BucketMeta, agendaGenerationKey, []byte(strconv.FormatUint(next, 10))); err != nil {
		return fmt.Errorf("switch agenda generation: %w", err)
	}

	// Older generations are no longer read. Entries that fail to delete here
	// are retried by the next replace.
	for _, e := range existing {
		if !strings.HasPrefix(e.Key, prefix) {
			_ = c.store.Delete(ctx, models.BucketAgenda, e.Key)
		}
	}
	return nil
}

// Agenda returns the cached agenda in the order it was fetched.
func (c *Cache) Agenda(ctx context.Context) ([]models.Snapshot, error) {
	current, err := c.agendaGeneration(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := c.store.List(ctx, models.BucketAgenda)
	if err != nil {
		return nil, fmt.Errorf("list agenda: %w", err)
	}
	prefix := generationPrefix(current)
	out := make([]models.Snapshot, 0, len(entries))
	for _, e := range entries {
		if current == 0 || !strings.HasPrefix(e.Key, prefix) {
			continue
		}
		var snap models.Snapshot
		if err := json.Unmarshal(e.Value, &snap); err != nil {
			return nil, fmt.Errorf("decode agenda entry %s: %w", e.Key, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (c *Cache) agendaGeneration(ctx context.Context) (uint64, error) {
	raw, err := c.store.Get(ctx, models.BucketMeta, agendaGenerationKey)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get agenda generation: %w", err)
	}
	gen, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse agenda generation %q: %w", raw, err)
	}
	return gen, nil
}

func generationPrefix(gen uint64) string {
	return strconv.FormatUint(gen, 10) + "/"
}

// PutOrder caches an order detail under its "id".
func (c *Cache) PutOrder(ctx context.Context, order json.RawMessage) (models.Snapshot, error) {
	snap, err := c.snapshot(order)
	if err != nil {
		return models.Snapshot{}, err
	}
	if err := c.put(ctx, models.BucketOrders, snap.ID, snap); err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

// Order returns the cached order, or nil when nothing is cached for id.
func (c *Cache) Order(ctx context.Context, id string) (*models.Snapshot, error) {
	raw, err := c.store.Get(ctx, models.BucketOrders, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", id, err)
	}
	return &snap, nil
}

func (c *Cache) snapshot(raw json.RawMessage) (models.Snapshot, error) {
	id, err := models.SnapshotID(raw)
	if err != nil {
		return models.Snapshot{}, err
	}
	return models.Snapshot{
		ID:       id,
		Data:     append(json.RawMessage(nil), raw...),
		CachedAt: c.now().UTC(),
	}, nil
}

func (c *Cache) put(ctx context.Context, bucket, key string, snap models.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.store.Set(ctx, bucket, key, raw); err != nil {
		return fmt.Errorf("store %s/%s: %w", bucket, key, err)
	}
	return nil
}
