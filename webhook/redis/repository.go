package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/consoul-dev/consoul-hooks/webhook"
	"github.com/redis/go-redis/v9"
)

/* Redis implementation of webhook.Repository
 * Hashes hold webhook and delivery records; sets index webhooks by
 * owner and sorted sets index deliveries by webhook and by age.
 */
const (
	hookPrefix     = "hook"             // hook:{webhook_id}
	ownerPrefix    = "hooks:owner"      // hooks:owner:{owner_id} -> set of webhook ids
	deliveryPrefix = "delivery"         // delivery:{delivery_id}
	byHookPrefix   = "deliveries:hook"  // deliveries:hook:{webhook_id} -> zset by created_at
	byAgeKey       = "deliveries:byage" // zset of delivery ids by created_at
)

type Repository struct {
	client *redis.Client

	// retention applied as TTL once a delivery record turns terminal.
	retention time.Duration
}

// NewRepository connects to Redis and verifies the connection.
func NewRepository(addr, password string, db int, retention time.Duration) (*Repository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return &Repository{client: client, retention: retention}, nil
}

// NewRepositoryWithClient wraps an existing client; tests use it with miniredis.
func NewRepositoryWithClient(client *redis.Client, retention time.Duration) *Repository {
	return &Repository{client: client, retention: retention}
}

func hookKey(id string) string     { return fmt.Sprintf("%s:%s", hookPrefix, id) }
func ownerKey(owner string) string { return fmt.Sprintf("%s:%s", ownerPrefix, owner) }
func deliveryKey(id string) string { return fmt.Sprintf("%s:%s", deliveryPrefix, id) }
func byHookKey(id string) string   { return fmt.Sprintf("%s:%s", byHookPrefix, id) }

func (r *Repository) Get(ctx context.Context, id string) (webhook.Webhook, error) {
	data, err := r.client.HGetAll(ctx, hookKey(id)).Result()
	if err != nil {
		return webhook.Webhook{}, fmt.Errorf("getting webhook: %w", err)
	}
	if len(data) == 0 {
		return webhook.Webhook{}, webhook.ErrWebhookNotFound
	}
	return hashToWebhook(data)
}

func (r *Repository) List(ctx context.Context, ownerID string) ([]webhook.Webhook, error) {
	ids, err := r.client.SMembers(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing webhook ids: %w", err)
	}

	out := make([]webhook.Webhook, 0, len(ids))
	for _, id := range ids {
		wh, err := r.Get(ctx, id)
		if err == webhook.ErrWebhookNotFound {
			// Index entry outlived the hash; self-heal.
			r.client.SRem(ctx, ownerKey(ownerID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, wh)
	}
	return out, nil
}

func (r *Repository) GetForEvent(ctx context.Context, ownerID, eventType string) ([]webhook.Webhook, error) {
	all, err := r.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var out []webhook.Webhook
	for _, wh := range all {
		if wh.Enabled && wh.Matches(eventType) {
			out = append(out, wh)
		}
	}
	return out, nil
}

func (r *Repository) Create(ctx context.Context, wh webhook.Webhook) error {
	ok, err := r.client.HSetNX(ctx, hookKey(wh.ID), "id", wh.ID).Result()
	if err != nil {
		return fmt.Errorf("creating webhook: %w", err)
	}
	if !ok {
		return webhook.ErrWebhookExists
	}

	if err := r.writeWebhook(ctx, wh); err != nil {
		return err
	}
	if err := r.client.SAdd(ctx, ownerKey(wh.OwnerID), wh.ID).Err(); err != nil {
		return fmt.Errorf("indexing webhook by owner: %w", err)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, wh webhook.Webhook) error {
	if err := r.exists(ctx, wh.ID); err != nil {
		return err
	}
	wh.UpdatedAt = time.Now()
	return r.writeWebhook(ctx, wh)
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	wh, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, hookKey(id))
	pipe.SRem(ctx, ownerKey(wh.OwnerID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting webhook: %w", err)
	}
	return nil
}

func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := r.exists(ctx, id); err != nil {
		return err
	}

	fields := map[string]interface{}{
		"enabled":    strconv.FormatBool(enabled),
		"updated_at": time.Now().Unix(),
	}
	if enabled {
		fields["consecutive_failures"] = 0
	}
	if err := r.client.HSet(ctx, hookKey(id), fields).Err(); err != nil {
		return fmt.Errorf("setting enabled flag: %w", err)
	}
	return nil
}

func (r *Repository) ResetFailures(ctx context.Context, id string) error {
	if err := r.exists(ctx, id); err != nil {
		return err
	}
	err := r.client.HSet(ctx, hookKey(id), map[string]interface{}{
		"consecutive_failures": 0,
		"updated_at":           time.Now().Unix(),
	}).Err()
	if err != nil {
		return fmt.Errorf("resetting failure counter: %w", err)
	}
	return nil
}

/* RecordFailure uses HINCRBY so concurrent workers across processes
 * never lose an increment; the returned count is what the caller trips
 * the breaker on.
 */
func (r *Repository) RecordFailure(ctx context.Context, id string) (int, error) {
	if err := r.exists(ctx, id); err != nil {
		return 0, err
	}
	count, err := r.client.HIncrBy(ctx, hookKey(id), "consecutive_failures", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing failure counter: %w", err)
	}
	r.client.HSet(ctx, hookKey(id), "updated_at", time.Now().Unix())
	return int(count), nil
}

func (r *Repository) AppendDelivery(ctx context.Context, rec webhook.DeliveryRecord) error {
	fields, err := deliveryToHash(rec)
	if err != nil {
		return err
	}

	score := float64(rec.CreatedAt.UnixMilli())
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, deliveryKey(rec.DeliveryID), fields)
	pipe.ZAdd(ctx, byHookKey(rec.WebhookID), redis.Z{Score: score, Member: rec.DeliveryID})
	pipe.ZAdd(ctx, byAgeKey, redis.Z{Score: score, Member: rec.DeliveryID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending delivery record: %w", err)
	}
	return nil
}

func (r *Repository) UpdateDelivery(ctx context.Context, rec webhook.DeliveryRecord) error {
	n, err := r.client.Exists(ctx, deliveryKey(rec.DeliveryID)).Result()
	if err != nil {
		return fmt.Errorf("checking delivery record: %w", err)
	}
	if n == 0 {
		return webhook.ErrDeliveryNotFound
	}

	rec.UpdatedAt = time.Now()
	fields, err := deliveryToHash(rec)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, deliveryKey(rec.DeliveryID), fields).Err(); err != nil {
		return fmt.Errorf("updating delivery record: %w", err)
	}

	// Terminal records expire with the retention window.
	if rec.Status.IsTerminal() && r.retention > 0 {
		r.client.Expire(ctx, deliveryKey(rec.DeliveryID), r.retention)
	}
	return nil
}

func (r *Repository) GetDelivery(ctx context.Context, deliveryID string) (webhook.DeliveryRecord, error) {
	data, err := r.client.HGetAll(ctx, deliveryKey(deliveryID)).Result()
	if err != nil {
		return webhook.DeliveryRecord{}, fmt.Errorf("getting delivery record: %w", err)
	}
	if len(data) == 0 {
		return webhook.DeliveryRecord{}, webhook.ErrDeliveryNotFound
	}
	return hashToDelivery(data)
}

func (r *Repository) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]webhook.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRevRange(ctx, byHookKey(webhookID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing delivery ids: %w", err)
	}

	out := make([]webhook.DeliveryRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetDelivery(ctx, id)
		if err == webhook.ErrDeliveryNotFound {
			// Hash expired; drop the index entry.
			r.client.ZRem(ctx, byHookKey(webhookID), id)
			r.client.ZRem(ctx, byAgeKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Repository) PruneDeliveries(ctx context.Context, cutoff time.Time) (int, error) {
	max := strconv.FormatInt(cutoff.UnixMilli(), 10)
	ids, err := r.client.ZRangeByScore(ctx, byAgeKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning old deliveries: %w", err)
	}

	pruned := 0
	for _, id := range ids {
		rec, err := r.GetDelivery(ctx, id)
		if err == nil && !rec.Status.IsTerminal() {
			continue
		}
		if err == nil {
			r.client.Del(ctx, deliveryKey(id))
			r.client.ZRem(ctx, byHookKey(rec.WebhookID), id)
		}
		r.client.ZRem(ctx, byAgeKey, id)
		pruned++
	}
	return pruned, nil
}

func (r *Repository) Close(ctx context.Context) error {
	return r.client.Close()
}

func (r *Repository) exists(ctx context.Context, id string) error {
	n, err := r.client.Exists(ctx, hookKey(id)).Result()
	if err != nil {
		return fmt.Errorf("checking webhook: %w", err)
	}
	if n == 0 {
		return webhook.ErrWebhookNotFound
	}
	return nil
}

func (r *Repository) writeWebhook(ctx context.Context, wh webhook.Webhook) error {
	eventTypes, err := json.Marshal(wh.EventTypes)
	if err != nil {
		return fmt.Errorf("marshaling event types: %w", err)
	}

	err = r.client.HSet(ctx, hookKey(wh.ID), map[string]interface{}{
		"id":                   wh.ID,
		"owner_id":             wh.OwnerID,
		"url":                  wh.URL,
		"secret":               wh.Secret,
		"previous_secret":      wh.PreviousSecret,
		"secret_rotated_at":    wh.SecretRotatedAt.Unix(),
		"event_types":          string(eventTypes),
		"enabled":              strconv.FormatBool(wh.Enabled),
		"consecutive_failures": wh.ConsecutiveFailures,
		"created_at":           wh.CreatedAt.Unix(),
		"updated_at":           wh.UpdatedAt.Unix(),
	}).Err()
	if err != nil {
		return fmt.Errorf("storing webhook: %w", err)
	}
	return nil
}

func hashToWebhook(data map[string]string) (webhook.Webhook, error) {
	var eventTypes []string
	if s := data["event_types"]; s != "" {
		if err := json.Unmarshal([]byte(s), &eventTypes); err != nil {
			return webhook.Webhook{}, fmt.Errorf("unmarshaling event types: %w", err)
		}
	}

	return webhook.Webhook{
		ID:                  data["id"],
		OwnerID:             data["owner_id"],
		URL:                 data["url"],
		Secret:              data["secret"],
		PreviousSecret:      data["previous_secret"],
		SecretRotatedAt:     time.Unix(parseInt64(data["secret_rotated_at"]), 0),
		EventTypes:          eventTypes,
		Enabled:             data["enabled"] == "true",
		ConsecutiveFailures: int(parseInt64(data["consecutive_failures"])),
		CreatedAt:           time.Unix(parseInt64(data["created_at"]), 0),
		UpdatedAt:           time.Unix(parseInt64(data["updated_at"]), 0),
	}, nil
}

func deliveryToHash(rec webhook.DeliveryRecord) (map[string]interface{}, error) {
	return map[string]interface{}{
		"delivery_id":   rec.DeliveryID,
		"webhook_id":    rec.WebhookID,
		"event_id":      rec.EventID,
		"event_type":    rec.EventType,
		"payload":       string(rec.Payload),
		"attempt":       rec.Attempt,
		"status":        rec.Status.String(),
		"http_status":   rec.HTTPStatus,
		"error":         rec.Error,
		"next_retry_at": rec.NextRetryAt.Unix(),
		"created_at":    rec.CreatedAt.UnixMilli(),
		"updated_at":    rec.UpdatedAt.UnixMilli(),
	}, nil
}

func hashToDelivery(data map[string]string) (webhook.DeliveryRecord, error) {
	return webhook.DeliveryRecord{
		DeliveryID:  data["delivery_id"],
		WebhookID:   data["webhook_id"],
		EventID:     data["event_id"],
		EventType:   data["event_type"],
		Payload:     []byte(data["payload"]),
		Attempt:     int(parseInt64(data["attempt"])),
		Status:      webhook.NewDeliveryStatus(data["status"]),
		HTTPStatus:  int(parseInt64(data["http_status"])),
		Error:       data["error"],
		NextRetryAt: time.Unix(parseInt64(data["next_retry_at"]), 0),
		CreatedAt:   time.UnixMilli(parseInt64(data["created_at"])),
		UpdatedAt:   time.UnixMilli(parseInt64(data["updated_at"])),
	}, nil
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
