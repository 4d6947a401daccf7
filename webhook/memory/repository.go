package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/consoul-dev/consoul-hooks/internal/keymutex"
	"github.com/consoul-dev/consoul-hooks/webhook"
)

/* In-memory implementation of webhook.Repository for single-process
 * deployments and tests. Per-webhook load-mutate-save sequences are
 * serialized through a keyed mutex instead of store-side atomics.
 */
type Repository struct {
	mu         sync.RWMutex
	webhooks   map[string]webhook.Webhook
	deliveries map[string]webhook.DeliveryRecord

	locks *keymutex.KeyMutex
}

func NewRepository() *Repository {
	return &Repository{
		webhooks:   make(map[string]webhook.Webhook),
		deliveries: make(map[string]webhook.DeliveryRecord),
		locks:      keymutex.New(),
	}
}

func (r *Repository) Get(ctx context.Context, id string) (webhook.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wh, ok := r.webhooks[id]
	if !ok {
		return webhook.Webhook{}, webhook.ErrWebhookNotFound
	}
	return wh, nil
}

func (r *Repository) List(ctx context.Context, ownerID string) ([]webhook.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []webhook.Webhook
	for _, wh := range r.webhooks {
		if wh.OwnerID == ownerID {
			out = append(out, wh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) GetForEvent(ctx context.Context, ownerID, eventType string) ([]webhook.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []webhook.Webhook
	for _, wh := range r.webhooks {
		if wh.OwnerID == ownerID && wh.Enabled && wh.Matches(eventType) {
			out = append(out, wh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) Create(ctx context.Context, wh webhook.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.webhooks[wh.ID]; ok {
		return webhook.ErrWebhookExists
	}
	r.webhooks[wh.ID] = wh
	return nil
}

func (r *Repository) Update(ctx context.Context, wh webhook.Webhook) error {
	r.locks.Lock(wh.ID)
	defer r.locks.Unlock(wh.ID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.webhooks[wh.ID]; !ok {
		return webhook.ErrWebhookNotFound
	}
	wh.UpdatedAt = time.Now()
	r.webhooks[wh.ID] = wh
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.webhooks[id]; !ok {
		return webhook.ErrWebhookNotFound
	}
	delete(r.webhooks, id)
	return nil
}

func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.mutate(id, func(wh *webhook.Webhook) {
		wh.Enabled = enabled
		if enabled {
			wh.ConsecutiveFailures = 0
		}
	})
}

func (r *Repository) ResetFailures(ctx context.Context, id string) error {
	return r.mutate(id, func(wh *webhook.Webhook) {
		wh.ConsecutiveFailures = 0
	})
}

func (r *Repository) RecordFailure(ctx context.Context, id string) (int, error) {
	var count int
	err := r.mutate(id, func(wh *webhook.Webhook) {
		wh.ConsecutiveFailures++
		count = wh.ConsecutiveFailures
	})
	return count, err
}

// mutate serializes a load-mutate-save on one webhook.
func (r *Repository) mutate(id string, fn func(*webhook.Webhook)) error {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	wh, ok := r.webhooks[id]
	if !ok {
		return webhook.ErrWebhookNotFound
	}
	fn(&wh)
	wh.UpdatedAt = time.Now()
	r.webhooks[id] = wh
	return nil
}

func (r *Repository) AppendDelivery(ctx context.Context, rec webhook.DeliveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deliveries[rec.DeliveryID] = rec
	return nil
}

func (r *Repository) UpdateDelivery(ctx context.Context, rec webhook.DeliveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deliveries[rec.DeliveryID]; !ok {
		return webhook.ErrDeliveryNotFound
	}
	rec.UpdatedAt = time.Now()
	r.deliveries[rec.DeliveryID] = rec
	return nil
}

func (r *Repository) GetDelivery(ctx context.Context, deliveryID string) (webhook.DeliveryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.deliveries[deliveryID]
	if !ok {
		return webhook.DeliveryRecord{}, webhook.ErrDeliveryNotFound
	}
	return rec, nil
}

func (r *Repository) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]webhook.DeliveryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []webhook.DeliveryRecord
	for _, rec := range r.deliveries {
		if rec.WebhookID == webhookID {
			out = append(out, rec)
		}
	}
	// Newest first, attempts of one event in order.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Attempt > out[j].Attempt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) PruneDeliveries(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for id, rec := range r.deliveries {
		if rec.Status.IsTerminal() && rec.CreatedAt.Before(cutoff) {
			delete(r.deliveries, id)
			pruned++
		}
	}
	return pruned, nil
}

func (r *Repository) Close(ctx context.Context) error { return nil }
