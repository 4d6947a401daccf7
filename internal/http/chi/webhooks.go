package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/consoul-dev/consoul-hooks/webhook"
)

/* HTTP layer DTOs for the webhook management API
 * Separate from domain entities to avoid leaking internal structure;
 * signing secrets only ever appear in create and rotate responses.
 */

// createWebhookRequest registers a new webhook subscription
type createWebhookRequest struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
}

// updateWebhookRequest carries the mutable fields; absent means unchanged
type updateWebhookRequest struct {
	URL        *string  `json:"url"`
	EventTypes []string `json:"event_types"`
}

// webhookResponse represents a webhook in the API
type webhookResponse struct {
	ID                  string    `json:"id"`
	URL                 string    `json:"url"`
	EventTypes          []string  `json:"event_types"`
	Enabled             bool      `json:"enabled"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Secret              string    `json:"secret,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func toWebhookResponse(wh webhook.Webhook) webhookResponse {
	return webhookResponse{
		ID:                  wh.ID,
		URL:                 wh.URL,
		EventTypes:          wh.EventTypes,
		Enabled:             wh.Enabled,
		ConsecutiveFailures: wh.ConsecutiveFailures,
		Secret:              wh.Secret,
		CreatedAt:           wh.CreatedAt,
		UpdatedAt:           wh.UpdatedAt,
	}
}

// secretResponse returns a freshly rotated signing secret, exactly once
type secretResponse struct {
	Secret string `json:"secret"`
}

// deliveryResponse represents one delivery attempt in the audit trail
type deliveryResponse struct {
	DeliveryID  string     `json:"delivery_id"`
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	Attempt     int        `json:"attempt"`
	Status      string     `json:"status"`
	HTTPStatus  int        `json:"http_status,omitempty"`
	Error       string     `json:"error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toDeliveryResponse(rec webhook.DeliveryRecord) deliveryResponse {
	resp := deliveryResponse{
		DeliveryID: rec.DeliveryID,
		EventID:    rec.EventID,
		EventType:  rec.EventType,
		Attempt:    rec.Attempt,
		Status:     rec.Status.String(),
		HTTPStatus: rec.HTTPStatus,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if !rec.NextRetryAt.IsZero() {
		t := rec.NextRetryAt
		resp.NextRetryAt = &t
	}
	return resp
}

// deliveryRefResponse acknowledges an enqueued delivery
type deliveryRefResponse struct {
	DeliveryID string `json:"delivery_id"`
}

/* errorResponse is the stable error shape of the API: a machine-readable
 * code, a human-readable message, and whether retrying the same request
 * can ever succeed.
 */
type errorResponse struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// errUnauthorized rejects requests without a caller identity.
var errUnauthorized = &webhook.Error{
	Code:    "E401",
	Message: "owner identity is required",
	Status:  http.StatusUnauthorized,
}

func writeError(w http.ResponseWriter, err error) {
	var whErr *webhook.Error
	if !errors.As(err, &whErr) {
		whErr = &webhook.Error{
			Code:    "E500",
			Message: "internal error",
			Status:  http.StatusInternalServerError,
		}
	}
	writeJSON(w, whErr.Status, errorResponse{
		Code:        whErr.Code,
		Message:     whErr.Message,
		Recoverable: whErr.Recoverable,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

/* OwnerHeader identifies the caller. The API trusts the gateway in
 * front of it to authenticate and stamp this header.
 */
const OwnerHeader = "X-Consoul-Owner"

func ownerID(r *http.Request) string {
	return r.Header.Get(OwnerHeader)
}
