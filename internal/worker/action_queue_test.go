package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"techsync/internal/events"
	"techsync/internal/models"
	"techsync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls [][]models.SyncAction
	fn    func(call int, actions []models.SyncAction) (*models.BatchResponse, error)
}

func (f *fakeSubmitter) SubmitBatch(ctx context.Context, actions []models.SyncAction) (*models.BatchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, actions)
	call := len(f.calls)
	f.mu.Unlock()

	if f.fn == nil {
		return &models.BatchResponse{}, nil
	}
	return f.fn(call, actions)
}

func (f *fakeSubmitter) submittedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, batch := range f.calls {
		for _, a := range batch {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

type staticConnectivity bool

func (s staticConnectivity) Online() bool { return bool(s) }

func newTestQueue(t *testing.T, sub *fakeSubmitter, opts Options) *ActionQueue {
	t.Helper()
	q := NewActionQueue(repository.NewMemoryStore(), sub, opts, nil)
	seq := 0
	q.newID = func() string {
		seq++
		return fmt.Sprintf("act-%02d", seq)
	}
	q.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return q
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, &fakeSubmitter{}, Options{})

	id, err := q.Enqueue(ctx, models.ActionUpdateOrderStatus, json.RawMessage(`{"orderId":"o1","status":"DONE"}`))
	require.NoError(t, err)
	assert.Equal(t, "act-01", id)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.Equal(t, models.ActionUpdateOrderStatus, pending[0].Type)
	assert.Equal(t, "o1", pending[0].OrderID())
	assert.Equal(t, 2026, pending[0].Timestamp.Year())

	_, err = q.Enqueue(ctx, models.ActionType("DELETE_EVERYTHING"), nil)
	assert.ErrorIs(t, err, ErrUnknownActionType)

	_, err = q.Enqueue(ctx, models.ActionAddPhoto, json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueueTriggersDrainWhenOnline(t *testing.T) {
	ctx := context.Background()

	offline := newTestQueue(t, &fakeSubmitter{}, Options{Connectivity: staticConnectivity(false)})
	_, err := offline.Enqueue(ctx, models.ActionAddPhoto, nil)
	require.NoError(t, err)
	assert.Len(t, offline.trigger, 0)

	online := newTestQueue(t, &fakeSubmitter{}, Options{Connectivity: staticConnectivity(true)})
	_, err = online.Enqueue(ctx, models.ActionAddPhoto, nil)
	require.NoError(t, err)
	_, err = online.Enqueue(ctx, models.ActionAddPhoto, nil)
	require.NoError(t, err)
	assert.Len(t, online.trigger, 1)
}

func TestDrainEmptyQueue(t *testing.T) {
	sub := &fakeSubmitter{}
	q := newTestQueue(t, sub, Options{})

	results, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Empty(t, sub.calls)
}

func TestDrainSubmitsInOrderOnePerBatch(t *testing.T) {
	ctx := context.Background()
	sub := &fakeSubmitter{}
	q := newTestQueue(t, sub, Options{})

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, models.ActionUpdateLocation, json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
	}

	results, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.True(t, r.Success)
	}

	require.Len(t, sub.calls, 5)
	for _, batch := range sub.calls {
		assert.Len(t, batch, 1)
	}
	assert.Equal(t, []string{"act-01", "act-02", "act-03", "act-04", "act-05"}, sub.submittedIDs())

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainDropsAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	sub := &fakeSubmitter{fn: func(int, []models.SyncAction) (*models.BatchResponse, error) {
		return nil, errors.New("connection refused")
	}}
	q := newTestQueue(t, sub, Options{})

	_, err := q.Enqueue(ctx, models.ActionAddSignature, nil)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		results, err := q.Drain(ctx)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.False(t, results[0].Success)
		assert.False(t, results[0].Permanent)
		assert.Equal(t, "connection refused", results[0].Error)

		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, attempt, pending[0].RetryCount)
	}

	results, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.True(t, results[0].Permanent)
	assert.Equal(t, "max retries exceeded", results[0].Error)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	results, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Len(t, sub.calls, 3)
}

func TestDrainSucceedsOnSecondAttempt(t *testing.T) {
	ctx := context.Background()
	sub := &fakeSubmitter{fn: func(call int, _ []models.SyncAction) (*models.BatchResponse, error) {
		if call == 1 {
			return nil, errors.New("timeout")
		}
		return &models.BatchResponse{}, nil
	}}
	q := newTestQueue(t, sub, Options{})

	_, err := q.Enqueue(ctx, models.ActionUpdateChecklist, nil)
	require.NoError(t, err)

	results, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.False(t, results[0].Success)

	results, err = q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainKeepsOrderAcrossFailures(t *testing.T) {
	ctx := context.Background()
	failB := true
	sub := &fakeSubmitter{}
	sub.fn = func(_ int, actions []models.SyncAction) (*models.BatchResponse, error) {
		if actions[0].ID == "act-02" && failB {
			return nil, errors.New("503")
		}
		return &models.BatchResponse{}, nil
	}
	q := newTestQueue(t, sub, Options{})

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, models.ActionAddMaterials, nil)
		require.NoError(t, err)
	}

	results, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
	assert.Equal(t, []string{"act-01", "act-02", "act-03"}, sub.submittedIDs())

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "act-02", pending[0].ID)
	assert.Equal(t, 1, pending[0].RetryCount)
}

func TestDrainRecordsServerVerdict(t *testing.T) {
	ctx := context.Background()
	sub := &fakeSubmitter{fn: func(_ int, actions []models.SyncAction) (*models.BatchResponse, error) {
		return &models.BatchResponse{
			TotalActions: 1,
			FailedCount:  1,
			Results: []models.BatchActionResult{
				{ClientID: actions[0].ID, Status: models.ServerStatusConflict, ErrorCode: "STALE"},
			},
		}, nil
	}}
	q := newTestQueue(t, sub, Options{})

	_, err := q.Enqueue(ctx, models.ActionUpdateOrderStatus, nil)
	require.NoError(t, err)

	results, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, models.ServerStatusConflict, results[0].ServerStatus)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainCancelledDoesNotChargeRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &fakeSubmitter{}
	sub.fn = func(int, []models.SyncAction) (*models.BatchResponse, error) {
		cancel()
		return nil, context.Canceled
	}
	q := newTestQueue(t, sub, Options{})

	_, err := q.Enqueue(context.Background(), models.ActionAddPhoto, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), models.ActionAddPhoto, nil)
	require.NoError(t, err)

	results, err := q.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
	assert.Len(t, sub.calls, 1)

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Zero(t, pending[0].RetryCount)
}

func TestDrainRemovesUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	sub := &fakeSubmitter{}
	q := NewActionQueue(store, sub, Options{}, nil)

	require.NoError(t, store.Set(ctx, models.BucketActions, "junk", []byte("not json")))
	_, err := q.Enqueue(ctx, models.ActionAddPhoto, nil)
	require.NoError(t, err)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	results, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	entries, err := store.List(ctx, models.BucketActions)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrainPublishesEvents(t *testing.T) {
	ctx := context.Background()
	bus := events.NewEventBus()
	var mu sync.Mutex
	var seen []string
	bus.SubscribeAll(func(e *events.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	})

	sub := &fakeSubmitter{fn: func(call int, _ []models.SyncAction) (*models.BatchResponse, error) {
		if call <= 3 {
			return nil, errors.New("down")
		}
		return &models.BatchResponse{}, nil
	}}
	q := newTestQueue(t, sub, Options{Events: bus})

	_, err := q.Enqueue(ctx, models.ActionAddPhoto, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = q.Drain(ctx)
		require.NoError(t, err)
	}
	_, err = q.Enqueue(ctx, models.ActionAddPhoto, nil)
	require.NoError(t, err)
	_, err = q.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		events.EventActionEnqueued,
		events.EventActionRetry,
		events.EventActionRetry,
		events.EventActionDropped,
		events.EventActionEnqueued,
		events.EventActionSynced,
	}, seen)
}

func TestRunDrainsOnTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := &fakeSubmitter{}
	q := newTestQueue(t, sub, Options{})

	_, err := q.Enqueue(ctx, models.ActionUpdateLocation, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	q.Trigger()
	require.Eventually(t, func() bool {
		n, err := q.PendingCount(context.Background())
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestConcurrentDrainsDoNotDoubleSubmit(t *testing.T) {
	ctx := context.Background()
	sub := &fakeSubmitter{fn: func(int, []models.SyncAction) (*models.BatchResponse, error) {
		time.Sleep(5 * time.Millisecond)
		return &models.BatchResponse{}, nil
	}}
	q := newTestQueue(t, sub, Options{})

	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(ctx, models.ActionAddPhoto, nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Drain(ctx)
		}()
	}
	wg.Wait()

	assert.Len(t, sub.calls, 4)
}

func TestRetryPolicyExhausted(t *testing.T) {
	assert.False(t, RetryPolicy{}.Exhausted(2))
	assert.True(t, RetryPolicy{}.Exhausted(3))
	assert.True(t, RetryPolicy{MaxRetries: 1}.Exhausted(1))
	assert.False(t, RetryPolicy{MaxRetries: 5}.Exhausted(4))
}
