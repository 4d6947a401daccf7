package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

/* Emitter is the producer-facing API: given an event, it fans out one
 * delivery job per matching enabled webhook. Uses pointer semantics as
 * it's an API, not data.
 */
type Emitter struct {
	repo  Repository
	queue Queue
	log   *slog.Logger

	// enabled gates the whole engine; when false Emit is a silent no-op.
	enabled         bool
	maxPayloadBytes int
}

type EmitterConfig struct {
	Enabled         bool
	MaxPayloadBytes int
}

func NewEmitter(repo Repository, queue Queue, cfg EmitterConfig, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{
		repo:            repo,
		queue:           queue,
		log:             log,
		enabled:         cfg.Enabled,
		maxPayloadBytes: cfg.MaxPayloadBytes,
	}
}

// EmitOption adjusts a single Emit call.
type EmitOption func(*emitParams)

type emitParams struct {
	eventID string
}

// WithEventID pins the event id instead of generating one; replays and
// idempotent producers use it.
func WithEventID(id string) EmitOption {
	return func(p *emitParams) { p.eventID = id }
}

/* Emit enqueues one delivery per enabled webhook matching (ownerID,
 * eventType) and returns the delivery ids it managed to enqueue. One
 * webhook's enqueue failure never blocks delivery to the others: errors
 * are joined and returned alongside the successful ids.
 */
func (e *Emitter) Emit(ctx context.Context, eventType, ownerID string, data json.RawMessage, opts ...EmitOption) ([]string, error) {
	if !e.enabled {
		return nil, nil
	}
	if err := ValidateEventType(eventType); err != nil {
		return nil, wrapErr(ErrInvalidWebhook, err)
	}
	if e.maxPayloadBytes > 0 && len(data) > e.maxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	params := emitParams{}
	for _, opt := range opts {
		opt(&params)
	}
	if params.eventID == "" {
		params.eventID = uuid.New().String()
	}

	hooks, err := e.repo.GetForEvent(ctx, ownerID, eventType)
	if err != nil {
		return nil, fmt.Errorf("looking up webhooks for event: %w", err)
	}
	if len(hooks) == 0 {
		return nil, nil
	}

	now := time.Now()
	var (
		deliveryIDs []string
		errs        []error
	)
	for _, wh := range hooks {
		deliveryID, err := e.enqueueOne(ctx, wh, eventType, params.eventID, data, now)
		if err != nil {
			e.log.WarnContext(ctx, "webhook enqueue failed",
				"webhook_id", wh.ID, "event_type", eventType, "error", err)
			errs = append(errs, fmt.Errorf("webhook %s: %w", wh.ID, err))
			continue
		}
		deliveryIDs = append(deliveryIDs, deliveryID)
	}

	return deliveryIDs, errors.Join(errs...)
}

func (e *Emitter) enqueueOne(ctx context.Context, wh Webhook, eventType, eventID string, data json.RawMessage, now time.Time) (string, error) {
	deliveryID := uuid.New().String()

	rec := DeliveryRecord{
		DeliveryID: deliveryID,
		WebhookID:  wh.ID,
		EventID:    eventID,
		EventType:  eventType,
		Payload:    data,
		Attempt:    1,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.repo.AppendDelivery(ctx, rec); err != nil {
		return "", fmt.Errorf("recording delivery: %w", err)
	}

	job := Job{
		DeliveryID:   deliveryID,
		WebhookID:    wh.ID,
		EventID:      eventID,
		EventType:    eventType,
		Payload:      data,
		Attempt:      1,
		EventCreated: now,
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		e.closeOrphan(ctx, rec, err)
		return "", err
	}
	return deliveryID, nil
}

/* closeOrphan marks a pending record failed when its job never made it
 * onto the queue. Left pending it would sit in the log forever: no
 * worker will ever pick it up and pruning only removes terminal rows.
 */
func (e *Emitter) closeOrphan(ctx context.Context, rec DeliveryRecord, cause error) {
	rec.Status = StatusFailed
	rec.Error = cause.Error()
	rec.UpdatedAt = time.Now()
	if err := e.repo.UpdateDelivery(ctx, rec); err != nil {
		e.log.ErrorContext(ctx, "closing unqueued delivery record failed",
			"delivery_id", rec.DeliveryID, "webhook_id", rec.WebhookID, "error", err)
	}
}

// EmitChatCompleted truncates oversized responses and emits chat.completed.
func (e *Emitter) EmitChatCompleted(ctx context.Context, ownerID string, data ChatCompletedData) ([]string, error) {
	if e.maxPayloadBytes > 0 {
		data.Truncate(e.maxPayloadBytes)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling chat.completed data: %w", err)
	}
	return e.Emit(ctx, EventChatCompleted, ownerID, raw)
}

// EmitChatFailed truncates oversized error text and emits chat.failed.
func (e *Emitter) EmitChatFailed(ctx context.Context, ownerID string, data ChatFailedData) ([]string, error) {
	if e.maxPayloadBytes > 0 {
		data.Truncate(e.maxPayloadBytes)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling chat.failed data: %w", err)
	}
	return e.Emit(ctx, EventChatFailed, ownerID, raw)
}

// EmitBatchCompleted emits batch.completed; counts never need truncation.
func (e *Emitter) EmitBatchCompleted(ctx context.Context, ownerID string, data BatchCompletedData) ([]string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling batch.completed data: %w", err)
	}
	return e.Emit(ctx, EventBatchCompleted, ownerID, raw)
}
