package webhook

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// APIVersion is stamped into every outgoing payload envelope.
const APIVersion = "2026-06-01"

// First-class event kinds emitted by the host application.
const (
	EventChatCompleted  = "chat.completed"
	EventChatFailed     = "chat.failed"
	EventBatchCompleted = "batch.completed"
	EventTestPing       = "test.ping"
)

// eventTypePattern validates event types: hierarchical, full-stop delimited, [a-zA-Z0-9_.]
var eventTypePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+(\.[a-zA-Z0-9_]+)*$`)

// ValidateEventType checks an event type against the naming rules.
func ValidateEventType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	if !eventTypePattern.MatchString(eventType) {
		return fmt.Errorf("event type must be full-stop delimited [a-zA-Z0-9_.]: %s", eventType)
	}
	return nil
}

/* Event is the wire envelope POSTed to subscribers
 * Consumers de-duplicate on Delivery.ID; the envelope is rebuilt per
 * attempt so Delivery.Attempt always reflects the attempt being made.
 */
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Created    time.Time       `json:"created"`
	APIVersion string          `json:"api_version"`
	Delivery   DeliveryInfo    `json:"delivery"`
	Data       json.RawMessage `json:"data"`
}

// DeliveryInfo identifies the attempt carrying the event.
type DeliveryInfo struct {
	ID        string `json:"id"`
	Attempt   int    `json:"attempt"`
	WebhookID string `json:"webhook_id"`
}

// ChatCompletedData is the data payload for chat.completed events.
type ChatCompletedData struct {
	SessionID string `json:"session_id"`
	Response  string `json:"response,omitempty"`
	Model     string `json:"model,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ChatFailedData is the data payload for chat.failed events.
type ChatFailedData struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
	Truncated bool   `json:"truncated,omitempty"`
}

// BatchCompletedData is the data payload for batch.completed events.
type BatchCompletedData struct {
	BatchID   string `json:"batch_id"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// TestPingData is the data payload for test.ping events sent via the
// management API's send-test-event operation.
type TestPingData struct {
	WebhookID string    `json:"webhook_id"`
	SentAt    time.Time `json:"sent_at"`
}

/* Truncate clips the free-text field so the marshaled payload fits
 * maxBytes, flagging the clip for the consumer. Identifiers are never
 * clipped; if the budget is too small for them the payload stays over
 * and the size check at emit time rejects it.
 */
func (d *ChatCompletedData) Truncate(maxBytes int) {
	d.Response, d.Truncated = clipToFit(d.Response, d, maxBytes)
}

func (d *ChatFailedData) Truncate(maxBytes int) {
	d.Error, d.Truncated = clipToFit(d.Error, d, maxBytes)
}

// clipToFit shortens field until marshaling container fits maxBytes.
func clipToFit(field string, container any, maxBytes int) (string, bool) {
	raw, err := json.Marshal(container)
	if err != nil || len(raw) <= maxBytes {
		return field, false
	}

	// The truncated flag itself costs bytes once set; budget for it.
	over := len(raw) - maxBytes + len(`,"truncated":true`)
	if over >= len(field) {
		return "", true
	}

	clipped := field[:len(field)-over]
	// Back off to a rune boundary so the clip never splits UTF-8.
	for len(clipped) > 0 && clipped[len(clipped)-1]&0xC0 == 0x80 {
		clipped = clipped[:len(clipped)-1]
	}
	return clipped, true
}
