package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"techsync/internal/domain"
	"techsync/internal/events"
	"techsync/internal/metrics"
	"techsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const errMaxRetries = "max retries exceeded"

const (
	outcomeSynced  = "synced"
	outcomeRetry   = "retry"
	outcomeDropped = "dropped"
)

var (
	ErrUnknownActionType = errors.New("unknown action type")
	ErrInvalidPayload    = errors.New("payload is not valid JSON")
)

// Submitter delivers a batch of actions to the remote API. Any returned error
// counts as a failed attempt for every action in the batch.
type Submitter interface {
	SubmitBatch(ctx context.Context, actions []models.SyncAction) (*models.BatchResponse, error)
}

// Connectivity reports the agent's current belief about network reachability.
type Connectivity interface {
	Online() bool
}

type Options struct {
	Retry        RetryPolicy
	Connectivity Connectivity
	Events       domain.EventPublisher
}

// ActionQueue is the durable FIFO of mutations waiting for the batch endpoint.
// Delivery is at-least-once: an action is removed only after the server
// acknowledged it or after it exhausted its retries.
type ActionQueue struct {
	store     domain.KVStore
	submitter Submitter
	online    Connectivity
	events    domain.EventPublisher
	retry     RetryPolicy
	logger    *zerolog.Logger

	drainMu sync.Mutex
	trigger chan struct{}

	now   func() time.Time
	newID func() string
}

func NewActionQueue(store domain.KVStore, submitter Submitter, opts Options, logger *zerolog.Logger) *ActionQueue {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ActionQueue{
		store:     store,
		submitter: submitter,
		online:    opts.Connectivity,
		events:    opts.Events,
		retry:     opts.Retry,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Enqueue persists a new action and returns its id. When the agent believes
// it is online a drain is scheduled right away.
func (q *ActionQueue) Enqueue(ctx context.Context, actionType models.ActionType, payload json.RawMessage) (string, error) {
	if !actionType.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownActionType, actionType)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return "", ErrInvalidPayload
	}

	action := models.SyncAction{
		ID:         q.newID(),
		Type:       actionType,
		Payload:    append(json.RawMessage(nil), payload...),
		Timestamp:  q.now().UTC(),
		RetryCount: 0,
	}

	if err := q.save(ctx, action); err != nil {
		return "", fmt.Errorf("persist action: %w", err)
	}

	metrics.IncEnqueued(string(actionType))
	q.publish(events.EventActionEnqueued, action, "")
	q.refreshDepth(ctx)

	q.logger.Debug().Str("action_id", action.ID).Str("type", string(actionType)).Msg("action enqueued")

	if q.online != nil && q.online.Online() {
		q.Trigger()
	}
	return action.ID, nil
}

// Pending returns the queued actions in insertion order. Entries that cannot
// be decoded are skipped.
func (q *ActionQueue) Pending(ctx context.Context) ([]models.SyncAction, error) {
	actions, _, err := q.load(ctx)
	return actions, err
}

// PendingCount returns the number of queued actions.
func (q *ActionQueue) PendingCount(ctx context.Context) (int, error) {
	entries, err := q.store.List(ctx, models.BucketActions)
	if err != nil {
		return 0, fmt.Errorf("list actions: %w", err)
	}
	return len(entries), nil
}

// Drain submits every queued action, oldest first, one action per batch.
// Drains never overlap. If ctx is cancelled the drain stops and the action in
// flight keeps its retry count.
func (q *ActionQueue) Drain(ctx context.Context) ([]models.SyncResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	start := time.Now()
	defer func() { metrics.ObserveDrain(time.Since(start)) }()

	actions, corrupt, err := q.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending actions: %w", err)
	}
	for _, key := range corrupt {
		q.logger.Error().Str("action_id", key).Msg("dropping undecodable action")
		if err := q.store.Delete(ctx, models.BucketActions, key); err != nil {
			return nil, fmt.Errorf("remove undecodable action %s: %w", key, err)
		}
	}

	results := make([]models.SyncResult, 0, len(actions))
	if len(actions) == 0 {
		return results, nil
	}

	for i := range actions {
		if err := ctx.Err(); err != nil {
			q.refreshDepth(context.WithoutCancel(ctx))
			return results, err
		}
		res, err := q.submit(ctx, &actions[i])
		if err != nil {
			q.refreshDepth(context.WithoutCancel(ctx))
			return results, err
		}
		results = append(results, res)
	}

	q.refreshDepth(ctx)

	synced := 0
	for _, r := range results {
		if r.Success {
			synced++
		}
	}
	q.logger.Info().
		Int("total", len(results)).
		Int("synced", synced).
		Int("failed", len(results)-synced).
		Dur("duration", time.Since(start)).
		Msg("queue drained")

	return results, nil
}

func (q *ActionQueue) submit(ctx context.Context, action *models.SyncAction) (models.SyncResult, error) {
	resp, submitErr := q.submitter.SubmitBatch(ctx, []models.SyncAction{*action})
	if submitErr == nil {
		return q.acknowledge(ctx, action, resp)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.SyncResult{}, ctxErr
	}

	action.RetryCount++
	if q.retry.Exhausted(action.RetryCount) {
		if err := q.store.Delete(ctx, models.BucketActions, action.ID); err != nil {
			return models.SyncResult{}, fmt.Errorf("remove exhausted action %s: %w", action.ID, err)
		}
		q.logger.Error().
			Err(submitErr).
			Str("action_id", action.ID).
			Str("type", string(action.Type)).
			Int("retry_count", action.RetryCount).
			Msg("action dropped after max retries")
		metrics.IncSubmission(outcomeDropped)
		q.publish(events.EventActionDropped, *action, submitErr.Error())
		return models.SyncResult{ID: action.ID, Success: false, Error: errMaxRetries, Permanent: true}, nil
	}

	if err := q.save(ctx, *action); err != nil {
		return models.SyncResult{}, fmt.Errorf("persist retry count for %s: %w", action.ID, err)
	}
	q.logger.Warn().
		Err(submitErr).
		Str("action_id", action.ID).
		Int("retry_count", action.RetryCount).
		Msg("action submission failed, will retry")
	metrics.IncSubmission(outcomeRetry)
	q.publish(events.EventActionRetry, *action, submitErr.Error())
	return models.SyncResult{ID: action.ID, Success: false, Error: submitErr.Error()}, nil
}

func (q *ActionQueue) acknowledge(ctx context.Context, action *models.SyncAction, resp *models.BatchResponse) (models.SyncResult, error) {
	if err := q.store.Delete(ctx, models.BucketActions, action.ID); err != nil {
		return models.SyncResult{}, fmt.Errorf("remove synced action %s: %w", action.ID, err)
	}

	res := models.SyncResult{ID: action.ID, Success: true}
	if verdict, ok := resp.ResultFor(action.ID); ok {
		res.ServerStatus = verdict.Status
		res.ServerID = verdict.ServerID
		if verdict.Status != "" && verdict.Status != models.ServerStatusSuccess {
			q.logger.Warn().
				Str("action_id", action.ID).
				Str("server_status", verdict.Status).
				Str("error_code", verdict.ErrorCode).
				Str("error_message", verdict.ErrorMessage).
				Msg("server accepted batch but rejected action")
		}
	}

	metrics.IncSubmission(outcomeSynced)
	q.publish(events.EventActionSynced, *action, "")
	return res, nil
}

// Trigger schedules a drain on the Run loop. It never blocks; triggers that
// arrive while one is already pending are coalesced.
func (q *ActionQueue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Run performs a drain for every trigger until ctx is done.
func (q *ActionQueue) Run(ctx context.Context) {
	q.logger.Info().Msg("action queue started")
	defer q.logger.Info().Msg("action queue stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.trigger:
			if _, err := q.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error().Err(err).Msg("drain failed")
			}
		}
	}
}

func (q *ActionQueue) save(ctx context.Context, action models.SyncAction) error {
	raw, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	return q.store.Set(ctx, models.BucketActions, action.ID, raw)
}

func (q *ActionQueue) load(ctx context.Context) ([]models.SyncAction, []string, error) {
	entries, err := q.store.List(ctx, models.BucketActions)
	if err != nil {
		return nil, nil, fmt.Errorf("list actions: %w", err)
	}

	actions := make([]models.SyncAction, 0, len(entries))
	var corrupt []string
	for _, e := range entries {
		var a models.SyncAction
		if err := json.Unmarshal(e.Value, &a); err != nil || a.ID == "" {
			q.logger.Warn().Err(err).Str("key", e.Key).Msg("skipping undecodable action")
			corrupt = append(corrupt, e.Key)
			continue
		}
		actions = append(actions, a)
	}
	return actions, corrupt, nil
}

func (q *ActionQueue) refreshDepth(ctx context.Context) {
	n, err := q.PendingCount(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(n)
}

func (q *ActionQueue) publish(eventType string, action models.SyncAction, errMsg string) {
	if q.events == nil {
		return
	}
	payload := events.ActionEventPayload{
		ActionID:   action.ID,
		ActionType: string(action.Type),
		RetryCount: action.RetryCount,
		Error:      errMsg,
	}
	if err := q.events.PublishJSON(eventType, payload); err != nil {
		q.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
