package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/consoul-dev/consoul-hooks/webhook/safeurl"
	"github.com/consoul-dev/consoul-hooks/webhook/signature"
	"github.com/google/uuid"
)

/* Service is the management layer behind the webhook API: registration,
 * lifecycle, delivery audit and replay. URL validation happens here, at
 * the trust boundary, so nothing unvalidated ever reaches the store.
 */
type Service struct {
	repo      Repository
	queue     Queue
	validator *safeurl.Validator
	log       *slog.Logger

	// retention bounds replay; rotationGrace bounds dual-secret signing.
	retention     time.Duration
	rotationGrace time.Duration
}

type ServiceConfig struct {
	Retention     time.Duration
	RotationGrace time.Duration
}

func NewService(repo Repository, queue Queue, validator *safeurl.Validator, cfg ServiceConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RotationGrace <= 0 {
		cfg.RotationGrace = 24 * time.Hour
	}
	return &Service{
		repo:          repo,
		queue:         queue,
		validator:     validator,
		log:           log,
		retention:     cfg.Retention,
		rotationGrace: cfg.RotationGrace,
	}
}

/* Create registers a webhook. The returned record carries the generated
 * secret; this is the only read that ever includes it.
 */
func (s *Service) Create(ctx context.Context, ownerID, rawURL string, eventTypes []string) (Webhook, error) {
	if ownerID == "" {
		return Webhook{}, wrapErr(ErrInvalidWebhook, fmt.Errorf("owner_id is required"))
	}
	if len(eventTypes) == 0 {
		return Webhook{}, wrapErr(ErrInvalidWebhook, fmt.Errorf("at least one event type is required"))
	}
	for _, et := range eventTypes {
		if err := ValidateEventType(et); err != nil {
			return Webhook{}, wrapErr(ErrInvalidWebhook, err)
		}
	}

	if _, err := s.validator.Validate(ctx, rawURL); err != nil {
		return Webhook{}, wrapErr(ErrInvalidURL, err)
	}

	secret, err := signature.GenerateSecret()
	if err != nil {
		return Webhook{}, fmt.Errorf("generating signing secret: %w", err)
	}

	now := time.Now()
	wh := Webhook{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		URL:        rawURL,
		Secret:     secret,
		EventTypes: eventTypes,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, wh); err != nil {
		return Webhook{}, fmt.Errorf("storing webhook: %w", err)
	}

	s.log.InfoContext(ctx, "webhook created", "webhook_id", wh.ID, "owner_id", ownerID)
	return wh, nil
}

// Get returns a webhook with secrets redacted.
func (s *Service) Get(ctx context.Context, ownerID, id string) (Webhook, error) {
	wh, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return Webhook{}, err
	}
	return wh.Redacted(), nil
}

// List returns the owner's webhooks with secrets redacted.
func (s *Service) List(ctx context.Context, ownerID string) ([]Webhook, error) {
	hooks, err := s.repo.List(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	for i := range hooks {
		hooks[i] = hooks[i].Redacted()
	}
	return hooks, nil
}

// UpdateParams carries the mutable webhook fields; nil means unchanged.
type UpdateParams struct {
	URL        *string
	EventTypes []string
}

// Update revalidates a changed URL before persisting it.
func (s *Service) Update(ctx context.Context, ownerID, id string, params UpdateParams) (Webhook, error) {
	wh, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return Webhook{}, err
	}

	if params.URL != nil && *params.URL != wh.URL {
		if _, err := s.validator.Validate(ctx, *params.URL); err != nil {
			return Webhook{}, wrapErr(ErrInvalidURL, err)
		}
		wh.URL = *params.URL
	}
	if params.EventTypes != nil {
		for _, et := range params.EventTypes {
			if err := ValidateEventType(et); err != nil {
				return Webhook{}, wrapErr(ErrInvalidWebhook, err)
			}
		}
		wh.EventTypes = params.EventTypes
	}

	if err := s.repo.Update(ctx, wh); err != nil {
		return Webhook{}, fmt.Errorf("updating webhook: %w", err)
	}
	return wh.Redacted(), nil
}

func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting webhook: %w", err)
	}
	s.log.InfoContext(ctx, "webhook deleted", "webhook_id", id)
	return nil
}

// SetEnabled re-enables or disables a webhook. Enabling resets the
// consecutive-failure counter, re-arming the circuit breaker.
func (s *Service) SetEnabled(ctx context.Context, ownerID, id string, enabled bool) error {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.repo.SetEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("setting enabled flag: %w", err)
	}
	return nil
}

/* RotateSecret issues a fresh signing secret and keeps the old one in
 * the grace window so in-flight and newly signed deliveries stay
 * verifiable by subscribers still holding the previous key. The new
 * secret is returned exactly once.
 */
func (s *Service) RotateSecret(ctx context.Context, ownerID, id string) (string, error) {
	wh, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return "", err
	}

	secret, err := signature.GenerateSecret()
	if err != nil {
		return "", fmt.Errorf("generating signing secret: %w", err)
	}

	wh.PreviousSecret = wh.Secret
	wh.Secret = secret
	wh.SecretRotatedAt = time.Now()
	if err := s.repo.Update(ctx, wh); err != nil {
		return "", fmt.Errorf("storing rotated secret: %w", err)
	}

	s.log.InfoContext(ctx, "webhook secret rotated", "webhook_id", id)
	return secret, nil
}

func (s *Service) ListDeliveries(ctx context.Context, ownerID, id string, limit int) ([]DeliveryRecord, error) {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return nil, err
	}
	recs, err := s.repo.ListDeliveries(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("listing deliveries: %w", err)
	}
	return recs, nil
}

/* Replay reconstructs a past delivery's payload and enqueues it as a
 * fresh delivery: new id, attempt 1. Outside the retention window the
 * payload may already be gone, so replay fails with ErrDeliveryExpired.
 */
func (s *Service) Replay(ctx context.Context, ownerID, deliveryID string) (string, error) {
	rec, err := s.repo.GetDelivery(ctx, deliveryID)
	if err != nil {
		return "", err
	}
	wh, err := s.owned(ctx, ownerID, rec.WebhookID)
	if err != nil {
		return "", err
	}
	if s.retention > 0 && time.Since(rec.CreatedAt) > s.retention {
		return "", ErrDeliveryExpired
	}
	if !wh.Enabled {
		return "", ErrWebhookDisabled
	}

	now := time.Now()
	newID := uuid.New().String()
	newRec := DeliveryRecord{
		DeliveryID: newID,
		WebhookID:  rec.WebhookID,
		EventID:    rec.EventID,
		EventType:  rec.EventType,
		Payload:    rec.Payload,
		Attempt:    1,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.AppendDelivery(ctx, newRec); err != nil {
		return "", fmt.Errorf("recording replay delivery: %w", err)
	}

	job := Job{
		DeliveryID:   newID,
		WebhookID:    rec.WebhookID,
		EventID:      rec.EventID,
		EventType:    rec.EventType,
		Payload:      rec.Payload,
		Attempt:      1,
		EventCreated: now,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.closeOrphan(ctx, newRec, err)
		return "", err
	}

	s.log.InfoContext(ctx, "delivery replayed",
		"delivery_id", deliveryID, "new_delivery_id", newID, "webhook_id", rec.WebhookID)
	return newID, nil
}

// SendTest enqueues a test.ping delivery to one webhook, bypassing the
// event-type subscription filter.
func (s *Service) SendTest(ctx context.Context, ownerID, id string) (string, error) {
	wh, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return "", err
	}
	if !wh.Enabled {
		return "", ErrWebhookDisabled
	}

	now := time.Now()
	data, err := json.Marshal(TestPingData{WebhookID: id, SentAt: now})
	if err != nil {
		return "", fmt.Errorf("marshaling test payload: %w", err)
	}

	deliveryID := uuid.New().String()
	rec := DeliveryRecord{
		DeliveryID: deliveryID,
		WebhookID:  id,
		EventID:    uuid.New().String(),
		EventType:  EventTestPing,
		Payload:    data,
		Attempt:    1,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.AppendDelivery(ctx, rec); err != nil {
		return "", fmt.Errorf("recording test delivery: %w", err)
	}

	job := Job{
		DeliveryID:   deliveryID,
		WebhookID:    id,
		EventID:      rec.EventID,
		EventType:    EventTestPing,
		Payload:      data,
		Attempt:      1,
		EventCreated: now,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.closeOrphan(ctx, rec, err)
		return "", err
	}
	return deliveryID, nil
}

/* closeOrphan marks a pending record failed when its job never reached
 * the queue; otherwise the record stays pending forever and pruning
 * never touches it.
 */
func (s *Service) closeOrphan(ctx context.Context, rec DeliveryRecord, cause error) {
	rec.Status = StatusFailed
	rec.Error = cause.Error()
	rec.UpdatedAt = time.Now()
	if err := s.repo.UpdateDelivery(ctx, rec); err != nil {
		s.log.ErrorContext(ctx, "closing unqueued delivery record failed",
			"delivery_id", rec.DeliveryID, "webhook_id", rec.WebhookID, "error", err)
	}
}

// owned fetches a webhook and enforces ownership without revealing
// whether a foreign id exists.
func (s *Service) owned(ctx context.Context, ownerID, id string) (Webhook, error) {
	wh, err := s.repo.Get(ctx, id)
	if err != nil {
		return Webhook{}, err
	}
	if ownerID != "" && wh.OwnerID != ownerID {
		return Webhook{}, ErrWebhookNotFound
	}
	return wh, nil
}
