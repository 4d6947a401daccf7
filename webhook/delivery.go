package webhook

import (
	"encoding/json"
	"time"
)

/* DeliveryRecord is one row per delivery attempt
 * Attempts for a (webhook, event) pair form a monotonically increasing
 * sequence; DeliveryID is unique per attempt, not per event.
 */
type DeliveryRecord struct {
	DeliveryID string
	WebhookID  string
	EventID    string
	EventType  string

	// Payload keeps the event-specific data so a past delivery can be
	// reconstructed and replayed.
	Payload json.RawMessage

	Attempt     int
	Status      DeliveryStatus
	HTTPStatus  int
	Error       string
	NextRetryAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

/* Job is the unit the delivery queue carries
 * Receipt is a backend-assigned token set on dequeue and consumed by
 * Ack/Requeue; it never crosses the wire.
 */
type Job struct {
	DeliveryID   string          `json:"delivery_id"`
	WebhookID    string          `json:"webhook_id"`
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Attempt      int             `json:"attempt"`
	EventCreated time.Time       `json:"event_created"`
	NotBefore    time.Time       `json:"not_before,omitempty"`

	Receipt string `json:"-"`
}

// RetryDelays is the fixed backoff schedule, indexed by attempt-1.
var RetryDelays = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	1800 * time.Second,
	7200 * time.Second,
	86400 * time.Second,
}

// NextRetryDelay returns the wait before the attempt following a failed
// attempt number (1-based). Attempts past the schedule reuse the last slot.
func NextRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(RetryDelays) {
		attempt = len(RetryDelays)
	}
	return RetryDelays[attempt-1]
}
