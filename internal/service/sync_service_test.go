package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"techsync/internal/cache"
	"techsync/internal/events"
	"techsync/internal/models"
	"techsync/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRemote struct {
	mock.Mock
}

func (m *MockRemote) Pull(ctx context.Context) (*models.PullResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PullResult), args.Error(1)
}

func (m *MockRemote) GetOrder(ctx context.Context, id string) (json.RawMessage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

type MockDrainer struct {
	mock.Mock
}

func (m *MockDrainer) Drain(ctx context.Context) ([]models.SyncResult, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).([]models.SyncResult)
	return res, args.Error(1)
}

func newService(remote *MockRemote, drainer *MockDrainer, bus *events.EventBus) (*SyncService, *cache.Cache) {
	logger := zerolog.Nop()
	c := cache.New(repository.NewMemoryStore())
	return NewSyncService(remote, c, drainer, nil, bus, &logger), c
}

func TestSyncService_Pull(t *testing.T) {
	remote := new(MockRemote)
	bus := events.NewEventBus()
	var published []string
	bus.Subscribe(events.EventAgendaRefreshed, func(e *events.Event) error {
		published = append(published, string(e.Payload))
		return nil
	})

	pull := &models.PullResult{
		Agenda:        []json.RawMessage{json.RawMessage(`{"id":"o1"}`), json.RawMessage(`{"id":"o2"}`)},
		Notifications: []json.RawMessage{json.RawMessage(`{"id":"n1"}`)},
	}
	remote.On("Pull", mock.Anything).Return(pull, nil)

	s, c := newService(remote, new(MockDrainer), bus)
	res, err := s.Pull(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Notifications, 1)

	agenda, err := c.Agenda(context.Background())
	require.NoError(t, err)
	require.Len(t, agenda, 2)
	assert.Equal(t, "o1", agenda[0].ID)
	assert.Equal(t, []string{`{"entries":2,"notifications":1}`}, published)
	remote.AssertExpectations(t)
}

func TestSyncService_PullErrorKeepsCache(t *testing.T) {
	remote := new(MockRemote)
	remote.On("Pull", mock.Anything).Return(nil, assert.AnError)

	s, c := newService(remote, new(MockDrainer), nil)
	require.NoError(t, c.ReplaceAgenda(context.Background(), []json.RawMessage{json.RawMessage(`{"id":"old"}`)}))

	_, err := s.Pull(context.Background())
	assert.ErrorIs(t, err, assert.AnError)

	agenda, err := s.Agenda(context.Background())
	require.NoError(t, err)
	require.Len(t, agenda, 1)
	assert.Equal(t, "old", agenda[0].ID)
}

func TestSyncService_PullWithoutAgendaKeepsCache(t *testing.T) {
	ctx := context.Background()

	t.Run("Missing", func(t *testing.T) {
		remote := new(MockRemote)
		remote.On("Pull", mock.Anything).Return(&models.PullResult{
			Notifications: []json.RawMessage{json.RawMessage(`{"id":"n1"}`)},
		}, nil)

		s, c := newService(remote, new(MockDrainer), nil)
		require.NoError(t, c.ReplaceAgenda(ctx, []json.RawMessage{json.RawMessage(`{"id":"a1"}`)}))

		_, err := s.Pull(ctx)
		require.NoError(t, err)

		agenda, err := s.Agenda(ctx)
		require.NoError(t, err)
		require.Len(t, agenda, 1)
		assert.Equal(t, "a1", agenda[0].ID)
	})

	t.Run("EmptyClears", func(t *testing.T) {
		remote := new(MockRemote)
		remote.On("Pull", mock.Anything).Return(&models.PullResult{Agenda: []json.RawMessage{}}, nil)

		s, c := newService(remote, new(MockDrainer), nil)
		require.NoError(t, c.ReplaceAgenda(ctx, []json.RawMessage{json.RawMessage(`{"id":"a1"}`)}))

		_, err := s.Pull(ctx)
		require.NoError(t, err)

		agenda, err := s.Agenda(ctx)
		require.NoError(t, err)
		assert.Empty(t, agenda)
	})
}

func TestSyncService_Order(t *testing.T) {
	remote := new(MockRemote)
	remote.On("GetOrder", mock.Anything, "o1").Return(json.RawMessage(`{"id":"o1","status":"OPEN"}`), nil).Once()
	remote.On("GetOrder", mock.Anything, "o1").Return(nil, errors.New("offline")).Once()
	remote.On("GetOrder", mock.Anything, "o2").Return(nil, errors.New("offline"))

	s, _ := newService(remote, new(MockDrainer), nil)
	ctx := context.Background()

	fresh, err := s.Order(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, fresh.Stale)

	cached, err := s.Order(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, cached.Stale)
	assert.JSONEq(t, `{"id":"o1","status":"OPEN"}`, string(cached.Data))

	_, err = s.Order(ctx, "o2")
	assert.ErrorIs(t, err, ErrOrderUnavailable)
	remote.AssertExpectations(t)
}

func TestSyncService_CatchUpDrainsThenPulls(t *testing.T) {
	remote := new(MockRemote)
	drainer := new(MockDrainer)

	var order []string
	drainer.On("Drain", mock.Anything).Run(func(mock.Arguments) { order = append(order, "drain") }).Return([]models.SyncResult{}, nil)
	remote.On("Pull", mock.Anything).Run(func(mock.Arguments) { order = append(order, "pull") }).Return(&models.PullResult{}, nil)

	s, _ := newService(remote, drainer, nil)
	require.NoError(t, s.CatchUp(context.Background()))
	assert.Equal(t, []string{"drain", "pull"}, order)
}

func TestSyncService_CatchUpStopsOnDrainError(t *testing.T) {
	remote := new(MockRemote)
	drainer := new(MockDrainer)
	drainer.On("Drain", mock.Anything).Return(nil, assert.AnError)

	s, _ := newService(remote, drainer, nil)
	assert.ErrorIs(t, s.CatchUp(context.Background()), assert.AnError)
	remote.AssertNotCalled(t, "Pull", mock.Anything)
}

func TestSyncService_RunHandlesOnline(t *testing.T) {
	remote := new(MockRemote)
	drainer := new(MockDrainer)
	pulled := make(chan struct{}, 1)
	drainer.On("Drain", mock.Anything).Return([]models.SyncResult{}, nil)
	remote.On("Pull", mock.Anything).Run(func(mock.Arguments) { pulled <- struct{}{} }).Return(&models.PullResult{}, nil)

	s, _ := newService(remote, drainer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 0)

	s.HandleOnline()
	select {
	case <-pulled:
	case <-time.After(time.Second):
		t.Fatal("catch-up did not run")
	}
	drainer.AssertNumberOfCalls(t, "Drain", 1)
}
