package webhook

import (
	"errors"
	"fmt"
	"net/http"
)

/* Error is the structured error surfaced to management-API callers
 * Code is stable across releases; Recoverable tells the caller whether
 * retrying the same request can ever succeed.
 */
type Error struct {
	Code        string
	Message     string
	Status      int
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so sentinel comparisons survive wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code && e.Message == other.Message
}

// Resource errors: not retried, 4xx to the caller.
var (
	ErrWebhookNotFound  = &Error{Code: "E404", Message: "webhook not found", Status: http.StatusNotFound}
	ErrDeliveryNotFound = &Error{Code: "E404", Message: "delivery not found", Status: http.StatusNotFound}
	ErrWebhookExists    = &Error{Code: "E409", Message: "webhook already exists", Status: http.StatusConflict}
	ErrForbidden        = &Error{Code: "E403", Message: "forbidden", Status: http.StatusForbidden}
)

// Validation errors: rejected at registration, never retried.
var (
	ErrInvalidWebhook  = &Error{Code: "E400", Message: "invalid webhook", Status: http.StatusBadRequest}
	ErrInvalidURL      = &Error{Code: "E422", Message: "url failed validation", Status: http.StatusUnprocessableEntity}
	ErrPayloadTooLarge = &Error{Code: "E413", Message: "payload exceeds size limit", Status: http.StatusRequestEntityTooLarge}
)

// State errors: recoverable, surfaced with a retry hint.
var (
	ErrQueueFull       = &Error{Code: "E429", Message: "delivery queue is full", Status: http.StatusTooManyRequests, Recoverable: true}
	ErrWebhookDisabled = &Error{Code: "E423", Message: "webhook is disabled", Status: http.StatusLocked, Recoverable: true}
	ErrEngineDisabled  = &Error{Code: "E503", Message: "webhook delivery is disabled", Status: http.StatusServiceUnavailable, Recoverable: true}
)

// ErrDeliveryExpired rejects replay of a delivery outside the retention window.
var ErrDeliveryExpired = &Error{Code: "E410", Message: "delivery is outside the retention window", Status: http.StatusGone}

// wrapErr attaches a cause to a sentinel without mutating it.
func wrapErr(sentinel *Error, err error) *Error {
	return &Error{
		Code:        sentinel.Code,
		Message:     sentinel.Message,
		Status:      sentinel.Status,
		Recoverable: sentinel.Recoverable,
		Err:         err,
	}
}
