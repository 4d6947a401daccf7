package webhook

import (
	"slices"
	"time"
)

/* Webhook represents a subscriber registration in the system
 * Uses value semantics as it represents data, not behavior
 */
type Webhook struct {
	ID      string
	OwnerID string
	URL     string

	// Secret is the current signing secret. It is returned exactly once,
	// on creation or rotation, and redacted everywhere else.
	Secret string

	// PreviousSecret is kept after a rotation so subscribers can keep
	// verifying in-transit deliveries signed with the old key.
	PreviousSecret  string
	SecretRotatedAt time.Time

	EventTypes          []string
	Enabled             bool
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Matches reports whether this webhook subscribes to the given event type.
func (w Webhook) Matches(eventType string) bool {
	return slices.Contains(w.EventTypes, eventType)
}

/* SigningSecrets returns the secrets to sign outgoing deliveries with,
 * current first. The previous secret is included only while a rotation
 * is still inside the grace window, so subscribers holding the old key
 * keep verifying until they switch over.
 */
func (w Webhook) SigningSecrets(grace time.Duration) []string {
	secrets := []string{w.Secret}
	if w.PreviousSecret != "" && time.Since(w.SecretRotatedAt) <= grace {
		secrets = append(secrets, w.PreviousSecret)
	}
	return secrets
}

// Redacted returns a copy safe to hand to API callers: secrets stripped.
func (w Webhook) Redacted() Webhook {
	w.Secret = ""
	w.PreviousSecret = ""
	return w
}
