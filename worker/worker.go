// Package worker consumes the delivery queue: it signs and POSTs each
// job to its subscriber, schedules retries on the fixed backoff
// schedule, and trips the per-webhook circuit breaker.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/consoul-dev/consoul-hooks/dispatch"
	"github.com/consoul-dev/consoul-hooks/internal/keymutex"
	"github.com/consoul-dev/consoul-hooks/metrics"
	"github.com/consoul-dev/consoul-hooks/webhook"
	"github.com/consoul-dev/consoul-hooks/webhook/safeurl"
	"github.com/consoul-dev/consoul-hooks/webhook/signature"
)

// Sender performs the outbound POST. Satisfied by *dispatch.Dispatcher.
type Sender interface {
	Send(ctx context.Context, target safeurl.ValidatedURL, body []byte, sigHeader string) (*dispatch.Response, error)
}

type Config struct {
	Concurrency      int
	MaxRetries       int
	FailureThreshold int
	// RotationGrace keeps the pre-rotation secret in the signature
	// header for this long after a rotation.
	RotationGrace time.Duration
	// Retention drives the delivery-record pruning sweep.
	Retention     time.Duration
	PruneInterval time.Duration
}

type Worker struct {
	repo      webhook.Repository
	queue     webhook.Queue
	sender    Sender
	validator *safeurl.Validator
	log       *slog.Logger
	recorder  *metrics.Recorder
	cfg       Config

	/* deliveries serializes attempts per delivery id inside this
	 * process; cross-process exclusion comes from the queue's consumer
	 * group semantics.
	 */
	deliveries *keymutex.KeyMutex
}

func New(repo webhook.Repository, queue webhook.Queue, sender Sender, validator *safeurl.Validator, cfg Config, recorder *metrics.Recorder, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RotationGrace <= 0 {
		cfg.RotationGrace = 24 * time.Hour
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	return &Worker{
		repo:       repo,
		queue:      queue,
		sender:     sender,
		validator:  validator,
		log:        log,
		recorder:   recorder,
		cfg:        cfg,
		deliveries: keymutex.New(),
	}
}

/* Run blocks, processing deliveries on Concurrency independent loops
 * plus a retention sweeper, until ctx is cancelled.
 */
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error { return w.consumeLoop(ctx) })
	}
	if w.cfg.Retention > 0 {
		g.Go(func() error { return w.pruneLoop(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) consumeLoop(ctx context.Context) error {
	for {
		job, err := w.queue.Dequeue(ctx)
		if ctx.Err() != nil {
			if err != nil {
				// Usually the dequeue error wraps the cancellation.
				return err
			}
			return ctx.Err()
		}
		if err != nil {
			w.log.ErrorContext(ctx, "dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.Process(ctx, *job)
	}
}

func (w *Worker) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := w.repo.PruneDeliveries(ctx, time.Now().Add(-w.cfg.Retention))
			if err != nil {
				w.log.ErrorContext(ctx, "delivery prune failed", "error", err)
				continue
			}
			if n > 0 {
				w.log.InfoContext(ctx, "pruned delivery records", "count", n)
			}
		}
	}
}

/* Process runs the full state machine for one dequeued job:
 * pending -> success | retry-scheduled | expired. Exported so the
 * worker binary's loop and tests drive the same path.
 */
func (w *Worker) Process(ctx context.Context, job webhook.Job) {
	// Two attempts of one delivery must never run concurrently here.
	if !w.deliveries.TryLock(job.DeliveryID) {
		if err := w.queue.Requeue(ctx, job, time.Now().Add(time.Second)); err != nil {
			w.log.ErrorContext(ctx, "requeue of busy delivery failed", "delivery_id", job.DeliveryID, "error", err)
		}
		return
	}
	defer w.deliveries.Unlock(job.DeliveryID)

	w.recorder.DeliveryAttempt(ctx, job.EventType)

	wh, err := w.repo.Get(ctx, job.WebhookID)
	if err != nil {
		// Webhook deleted while the job was queued; nothing to deliver to.
		w.closeRecord(ctx, job, webhook.StatusFailed, 0, "webhook no longer exists")
		w.ack(ctx, job)
		return
	}
	if !wh.Enabled {
		w.closeRecord(ctx, job, webhook.StatusFailed, 0, "webhook disabled")
		w.ack(ctx, job)
		return
	}

	// Validate-then-use on every attempt: DNS may have changed since
	// registration, and a flipped answer must not reach dial.
	target, err := w.validator.Validate(ctx, wh.URL)
	if err != nil {
		w.log.WarnContext(ctx, "delivery target failed validation",
			"webhook_id", wh.ID, "delivery_id", job.DeliveryID, "error", err)
		w.closeRecord(ctx, job, webhook.StatusFailed, 0, fmt.Sprintf("url validation: %v", err))
		w.recordTerminalFailure(ctx, wh)
		w.ack(ctx, job)
		return
	}

	body, err := w.envelope(job, wh.ID)
	if err != nil {
		w.closeRecord(ctx, job, webhook.StatusFailed, 0, fmt.Sprintf("building payload: %v", err))
		w.ack(ctx, job)
		return
	}
	header := signature.SignAll(body, wh.SigningSecrets(w.cfg.RotationGrace), time.Now())

	resp, sendErr := w.sender.Send(ctx, target, body, header)
	if sendErr == nil && resp.Success() {
		w.succeed(ctx, job, wh, resp.StatusCode)
		return
	}

	httpStatus := 0
	errMsg := ""
	if resp != nil {
		httpStatus = resp.StatusCode
		errMsg = fmt.Sprintf("subscriber returned %s", resp.Status)
	}
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	w.fail(ctx, job, wh, httpStatus, errMsg)
}

func (w *Worker) succeed(ctx context.Context, job webhook.Job, wh webhook.Webhook, httpStatus int) {
	w.closeRecord(ctx, job, webhook.StatusSuccess, httpStatus, "")

	if err := w.repo.ResetFailures(ctx, wh.ID); err != nil {
		w.log.ErrorContext(ctx, "failure counter reset failed", "webhook_id", wh.ID, "error", err)
	}
	w.ack(ctx, job)
	w.recorder.DeliveryOutcome(ctx, job.EventType, metrics.ResultSuccess)

	w.log.InfoContext(ctx, "delivery succeeded",
		"delivery_id", job.DeliveryID, "webhook_id", wh.ID, "attempt", job.Attempt, "http_status", httpStatus)
}

/* fail either schedules the next attempt on the fixed backoff schedule
 * or, once the retry budget is spent, expires the delivery and feeds
 * the circuit breaker.
 */
func (w *Worker) fail(ctx context.Context, job webhook.Job, wh webhook.Webhook, httpStatus int, errMsg string) {
	now := time.Now()

	if job.Attempt <= w.cfg.MaxRetries {
		retryAt := now.Add(webhook.NextRetryDelay(job.Attempt))

		rec := w.loadRecord(ctx, job)
		rec.Status = webhook.StatusFailed
		rec.HTTPStatus = httpStatus
		rec.Error = errMsg
		rec.NextRetryAt = retryAt
		if err := w.repo.UpdateDelivery(ctx, rec); err != nil {
			w.log.ErrorContext(ctx, "delivery record update failed", "delivery_id", job.DeliveryID, "error", err)
		}

		// The retry is a new attempt with its own delivery id.
		next := job
		next.DeliveryID = uuid.New().String()
		next.Attempt = job.Attempt + 1
		next.NotBefore = retryAt

		nextRec := w.recordFromJob(next)
		nextRec.Status = webhook.StatusPending
		nextRec.NextRetryAt = retryAt
		nextRec.CreatedAt = now
		if err := w.repo.AppendDelivery(ctx, nextRec); err != nil {
			w.log.ErrorContext(ctx, "retry record append failed", "delivery_id", next.DeliveryID, "error", err)
		}

		if err := w.queue.Requeue(ctx, next, retryAt); err != nil {
			w.log.ErrorContext(ctx, "retry requeue failed", "delivery_id", next.DeliveryID, "error", err)
		}
		w.recorder.DeliveryOutcome(ctx, job.EventType, metrics.ResultRetry)

		w.log.WarnContext(ctx, "delivery failed, retry scheduled",
			"delivery_id", job.DeliveryID, "webhook_id", wh.ID, "attempt", job.Attempt,
			"http_status", httpStatus, "retry_at", retryAt)
		return
	}

	w.closeRecord(ctx, job, webhook.StatusExpired, httpStatus, errMsg)
	w.recordTerminalFailure(ctx, wh)
	w.ack(ctx, job)
	w.recorder.DeliveryOutcome(ctx, job.EventType, metrics.ResultExpired)

	w.log.WarnContext(ctx, "delivery expired",
		"delivery_id", job.DeliveryID, "webhook_id", wh.ID, "attempt", job.Attempt)
}

// recordTerminalFailure bumps the consecutive-failure counter and flips
// the webhook off once it crosses the threshold.
func (w *Worker) recordTerminalFailure(ctx context.Context, wh webhook.Webhook) {
	count, err := w.repo.RecordFailure(ctx, wh.ID)
	if err != nil {
		w.log.ErrorContext(ctx, "failure counter update failed", "webhook_id", wh.ID, "error", err)
		return
	}
	if count >= w.cfg.FailureThreshold {
		if err := w.repo.SetEnabled(ctx, wh.ID, false); err != nil {
			w.log.ErrorContext(ctx, "auto-disable failed", "webhook_id", wh.ID, "error", err)
			return
		}
		w.log.WarnContext(ctx, "webhook auto-disabled after repeated failures",
			"webhook_id", wh.ID, "consecutive_failures", count)
	}
}

func (w *Worker) closeRecord(ctx context.Context, job webhook.Job, status webhook.DeliveryStatus, httpStatus int, errMsg string) {
	rec := w.loadRecord(ctx, job)
	rec.Status = status
	rec.HTTPStatus = httpStatus
	rec.Error = errMsg
	if err := w.repo.UpdateDelivery(ctx, rec); err != nil {
		w.log.ErrorContext(ctx, "delivery record update failed",
			"delivery_id", job.DeliveryID, "error", err)
	}
}

/* loadRecord fetches the pending record for this attempt, rebuilding it
 * from the job if the audit row went missing so the outcome is never
 * lost.
 */
func (w *Worker) loadRecord(ctx context.Context, job webhook.Job) webhook.DeliveryRecord {
	rec, err := w.repo.GetDelivery(ctx, job.DeliveryID)
	if err == nil {
		return rec
	}
	return w.recordFromJob(job)
}

func (w *Worker) recordFromJob(job webhook.Job) webhook.DeliveryRecord {
	return webhook.DeliveryRecord{
		DeliveryID: job.DeliveryID,
		WebhookID:  job.WebhookID,
		EventID:    job.EventID,
		EventType:  job.EventType,
		Payload:    job.Payload,
		Attempt:    job.Attempt,
		CreatedAt:  job.EventCreated,
	}
}

// envelope rebuilds the wire payload for this attempt.
func (w *Worker) envelope(job webhook.Job, webhookID string) ([]byte, error) {
	event := webhook.Event{
		ID:         job.EventID,
		Type:       job.EventType,
		Created:    job.EventCreated,
		APIVersion: webhook.APIVersion,
		Delivery: webhook.DeliveryInfo{
			ID:        job.DeliveryID,
			Attempt:   job.Attempt,
			WebhookID: webhookID,
		},
		Data: job.Payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling event envelope: %w", err)
	}
	return body, nil
}

func (w *Worker) ack(ctx context.Context, job webhook.Job) {
	if err := w.queue.Ack(ctx, job); err != nil {
		w.log.ErrorContext(ctx, "ack failed", "delivery_id", job.DeliveryID, "error", err)
	}
}
