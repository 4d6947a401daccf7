package webhook

import "fmt"

/* DeliveryStatus represents the state of a single delivery attempt
 * Lifecycle: Pending -> Success | Failed | Expired
 * Failed attempts with NextRetryAt set are retry-scheduled; Expired means
 * the retry budget is exhausted and only manual replay can resend.
 */
type DeliveryStatus int

const (
	StatusPending DeliveryStatus = iota + 1
	StatusSuccess
	StatusFailed
	StatusExpired
)

// String returns the string representation of the status
func (s DeliveryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// NewDeliveryStatus creates a DeliveryStatus from a string
func NewDeliveryStatus(str string) DeliveryStatus {
	switch str {
	case "pending":
		return StatusPending
	case "success":
		return StatusSuccess
	case "failed":
		return StatusFailed
	case "expired":
		return StatusExpired
	default:
		return StatusPending
	}
}

// Validate checks if the status is valid
func (s DeliveryStatus) Validate() error {
	if s < StatusPending || s > StatusExpired {
		return fmt.Errorf("invalid delivery status: %d", s)
	}
	return nil
}

// IsTerminal returns true once a record must no longer be mutated.
// A failed attempt is terminal for its record; the retry is a new record.
func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusExpired
}
