package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"techsync/internal/cache"
	"techsync/internal/domain"
	"techsync/internal/events"
	"techsync/internal/models"

	"github.com/rs/zerolog"
)

// ErrOrderUnavailable is returned when an order can be neither fetched nor
// served from the cache.
var ErrOrderUnavailable = errors.New("order unavailable")

type Remote interface {
	Pull(ctx context.Context) (*models.PullResult, error)
	GetOrder(ctx context.Context, id string) (json.RawMessage, error)
}

type Drainer interface {
	Drain(ctx context.Context) ([]models.SyncResult, error)
}

type Connectivity interface {
	Online() bool
}

// SyncService keeps the offline cache fresh and replays the queue whenever
// the agent comes back online.
type SyncService struct {
	remote Remote
	cache  *cache.Cache
	queue  Drainer
	online Connectivity
	events domain.EventPublisher
	logger *zerolog.Logger

	catchUp chan struct{}
}

func NewSyncService(remote Remote, c *cache.Cache, queue Drainer, online Connectivity, publisher domain.EventPublisher, logger *zerolog.Logger) *SyncService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SyncService{
		remote:  remote,
		cache:   c,
		queue:   queue,
		online:  online,
		events:  publisher,
		logger:  logger,
		catchUp: make(chan struct{}, 1),
	}
}

// Pull fetches the agenda and notifications and replaces the cached agenda.
// A response without an agenda leaves the cached one untouched; an empty
// agenda clears it.
func (s *SyncService) Pull(ctx context.Context) (*models.PullResult, error) {
	res, err := s.remote.Pull(ctx)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	if res.Agenda != nil {
		if err := s.cache.ReplaceAgenda(ctx, res.Agenda); err != nil {
			return nil, fmt.Errorf("cache agenda: %w", err)
		}
	}

	s.logger.Info().
		Int("agenda", len(res.Agenda)).
		Int("notifications", len(res.Notifications)).
		Msg("agenda refreshed")

	if s.events != nil {
		payload := events.AgendaEventPayload{Entries: len(res.Agenda), Notifications: len(res.Notifications)}
		if err := s.events.PublishJSON(events.EventAgendaRefreshed, payload); err != nil {
			s.logger.Warn().Err(err).Msg("publish agenda event")
		}
	}
	return res, nil
}

// Agenda returns the cached agenda.
func (s *SyncService) Agenda(ctx context.Context) ([]models.Snapshot, error) {
	return s.cache.Agenda(ctx)
}

// Order fetches an order detail and caches it. When the remote call fails
// the cached copy is returned with Stale set.
func (s *SyncService) Order(ctx context.Context, id string) (*models.Snapshot, error) {
	raw, fetchErr := s.remote.GetOrder(ctx, id)
	if fetchErr == nil {
		snap, err := s.cache.PutOrder(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("cache order %s: %w", id, err)
		}
		return &snap, nil
	}

	cached, err := s.cache.Order(ctx, id)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOrderUnavailable, id, fetchErr)
	}

	s.logger.Debug().Err(fetchErr).Str("order_id", id).Msg("serving cached order")
	cached.Stale = true
	return cached, nil
}

// HandleOnline schedules a drain followed by a pull on the Run loop. It is
// meant to be registered with the connectivity listener and never blocks.
func (s *SyncService) HandleOnline() {
	select {
	case s.catchUp <- struct{}{}:
	default:
	}
}

// CatchUp drains the queue and then refreshes the agenda.
func (s *SyncService) CatchUp(ctx context.Context) error {
	if _, err := s.queue.Drain(ctx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if _, err := s.Pull(ctx); err != nil {
		return err
	}
	return nil
}

// Run serves HandleOnline requests and, when pullInterval is positive,
// refreshes the agenda periodically while online.
func (s *SyncService) Run(ctx context.Context, pullInterval time.Duration) {
	var tick <-chan time.Time
	if pullInterval > 0 {
		ticker := time.NewTicker(pullInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.catchUp:
			if err := s.CatchUp(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("catch-up after reconnect failed")
			}
		case <-tick:
			if s.online != nil && !s.online.Online() {
				continue
			}
			if _, err := s.Pull(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn().Err(err).Msg("periodic pull failed")
			}
		}
	}
}
