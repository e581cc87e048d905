package remote

import (
	"context"
	"errors"
	"fmt"

	"techsync/internal/domain"
	"techsync/internal/models"
)

const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
)

// Credentials keeps the bearer and refresh tokens in the auth bucket so a
// refreshed token survives restarts.
type Credentials struct {
	store domain.KVStore
}

func NewCredentials(store domain.KVStore) *Credentials {
	return &Credentials{store: store}
}

// Seed stores the configured tokens unless tokens are already persisted.
func (c *Credentials) Seed(ctx context.Context, access, refresh string) error {
	current, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}
	if current != "" || access == "" {
		return nil
	}
	if err := c.store.Set(ctx, models.BucketAuth, keyAccessToken, []byte(access)); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if refresh != "" {
		if err := c.store.Set(ctx, models.BucketAuth, keyRefreshToken, []byte(refresh)); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
	}
	return nil
}

func (c *Credentials) AccessToken(ctx context.Context) (string, error) {
	return c.get(ctx, keyAccessToken)
}

func (c *Credentials) RefreshToken(ctx context.Context) (string, error) {
	return c.get(ctx, keyRefreshToken)
}

func (c *Credentials) SetAccessToken(ctx context.Context, token string) error {
	if err := c.store.Set(ctx, models.BucketAuth, keyAccessToken, []byte(token)); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	return nil
}

// Clear forgets both tokens.
func (c *Credentials) Clear(ctx context.Context) error {
	return errors.Join(
		c.store.Delete(ctx, models.BucketAuth, keyAccessToken),
		c.store.Delete(ctx, models.BucketAuth, keyRefreshToken),
	)
}

func (c *Credentials) get(ctx context.Context, key string) (string, error) {
	raw, err := c.store.Get(ctx, models.BucketAuth, key)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return string(raw), nil
}
