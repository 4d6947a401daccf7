package webhook

import (
	"context"
	"time"
)

/* Small, focused interfaces composed into Repository
 * Interfaces abstract behavior, not things; backends live in subpackages
 * (memory, redis) and are injected, never reached through package state
 */

// Reader provides read operations for webhook registrations
type Reader interface {
	Get(ctx context.Context, id string) (Webhook, error)
	List(ctx context.Context, ownerID string) ([]Webhook, error)
	/* GetForEvent returns only enabled webhooks subscribed to the event
	 * type for the owner; it is the fan-out lookup the emitter uses
	 */
	GetForEvent(ctx context.Context, ownerID, eventType string) ([]Webhook, error)
}

// Writer provides write operations for webhook registrations
type Writer interface {
	Create(ctx context.Context, wh Webhook) error
	Update(ctx context.Context, wh Webhook) error
	Delete(ctx context.Context, id string) error
	/* SetEnabled flips the enabled flag; enabling resets the
	 * consecutive-failure counter so the breaker re-arms cleanly
	 */
	SetEnabled(ctx context.Context, id string, enabled bool) error
	// ResetFailures zeroes the consecutive-failure counter after a success
	ResetFailures(ctx context.Context, id string) error
	/* RecordFailure atomically increments the consecutive-failure counter
	 * and returns the new value so the caller can trip the breaker
	 */
	RecordFailure(ctx context.Context, id string) (int, error)
}

// DeliveryLog records and serves per-attempt delivery history
type DeliveryLog interface {
	AppendDelivery(ctx context.Context, rec DeliveryRecord) error
	UpdateDelivery(ctx context.Context, rec DeliveryRecord) error
	GetDelivery(ctx context.Context, deliveryID string) (DeliveryRecord, error)
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]DeliveryRecord, error)
	/* PruneDeliveries drops terminal records created before cutoff,
	 * returning how many were removed. Retention enforcement only; the
	 * worker calls it on a timer
	 */
	PruneDeliveries(ctx context.Context, cutoff time.Time) (int, error)
}

type Repository interface {
	Reader
	Writer
	DeliveryLog
	Close(ctx context.Context) error
}

/* Queue is the durable, multi-consumer delivery job queue
 * It owns both engine-wide bounds: total depth and per-webhook in-flight.
 * Enforcing the in-flight cap here keeps the invariant true across
 * multiple worker processes
 */
type Queue interface {
	// Enqueue adds a job, failing fast with ErrQueueFull at max depth
	Enqueue(ctx context.Context, job Job) error
	/* Dequeue blocks until a job is ready, the poll interval elapses, or
	 * ctx is done. A nil job with nil error means nothing was ready.
	 * Dequeued jobs hold an in-flight slot for their webhook until
	 * Ack or Requeue releases it
	 */
	Dequeue(ctx context.Context) (*Job, error)
	// Ack finishes a job and releases its in-flight slot
	Ack(ctx context.Context, job Job) error
	// Requeue schedules the job to run again at the given time and
	// releases the in-flight slot
	Requeue(ctx context.Context, job Job, at time.Time) error
	Depth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context, webhookID string) (int64, error)
	Close(ctx context.Context) error
}
