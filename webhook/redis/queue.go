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

/* Redis Streams implementation of webhook.Queue
 * Ready jobs live in a stream consumed through a consumer group; delayed
 * jobs (retries) sit in a sorted set scored by their due time and are
 * promoted into the stream when due. Per-webhook in-flight counts are
 * plain INCR/DECR keys with a lease TTL, so a crashed worker releases
 * its slots by expiry instead of wedging the cap.
 */
const (
	streamKey  = "deliveries:ready"
	delayedKey = "deliveries:delayed"
	groupName  = "delivery-workers"

	inflightPrefix = "deliveries:inflight" // deliveries:inflight:{webhook_id}

	dequeueBlock = time.Second
)

type Queue struct {
	client   *redis.Client
	consumer string

	maxDepth    int64
	maxInFlight int64

	// inflightLease bounds how long a crashed worker can hold a slot.
	inflightLease time.Duration
}

// NewQueue connects to Redis and prepares the consumer group. consumer
// must be unique per worker process.
func NewQueue(addr, password string, db int, consumer string, maxDepth, maxInFlight int64, lease time.Duration) (*Queue, error) {
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

	q := NewQueueWithClient(client, consumer, maxDepth, maxInFlight, lease)
	q.ensureGroup(ctx)
	return q, nil
}

// NewQueueWithClient wraps an existing client; tests use it with miniredis.
func NewQueueWithClient(client *redis.Client, consumer string, maxDepth, maxInFlight int64, lease time.Duration) *Queue {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Queue{
		client:        client,
		consumer:      consumer,
		maxDepth:      maxDepth,
		maxInFlight:   maxInFlight,
		inflightLease: lease,
	}
}

func (q *Queue) ensureGroup(ctx context.Context) {
	// Idempotent; BUSYGROUP just means it already exists.
	q.client.XGroupCreateMkStream(ctx, streamKey, groupName, "0")
}

func inflightKey(webhookID string) string {
	return fmt.Sprintf("%s:%s", inflightPrefix, webhookID)
}

func (q *Queue) Enqueue(ctx context.Context, job webhook.Job) error {
	depth, err := q.Depth(ctx)
	if err != nil {
		return err
	}
	if depth >= q.maxDepth {
		return webhook.ErrQueueFull
	}

	if job.NotBefore.After(time.Now()) {
		member, err := q.addDelayed(ctx, job, job.NotBefore)
		if err != nil {
			return err
		}
		return q.verifyDepth(ctx, func() {
			q.client.ZRem(ctx, delayedKey, member)
		})
	}
	id, err := q.addReady(ctx, job)
	if err != nil {
		return err
	}
	return q.verifyDepth(ctx, func() {
		q.client.XDel(ctx, streamKey, id)
	})
}

/* verifyDepth re-checks the bound after the write. The pre-check alone
 * is check-then-act and concurrent producers can race past it; whoever
 * lands over the cap rolls its own entry back, so the bound holds
 * without a transaction.
 */
func (q *Queue) verifyDepth(ctx context.Context, rollback func()) error {
	depth, err := q.Depth(ctx)
	if err != nil {
		return err
	}
	if depth > q.maxDepth {
		rollback()
		return webhook.ErrQueueFull
	}
	return nil
}

func (q *Queue) addReady(ctx context.Context, job webhook.Job) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshaling job: %w", err)
	}

	q.ensureGroup(ctx)
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"job": string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("adding job to stream: %w", err)
	}
	return id, nil
}

func (q *Queue) addDelayed(ctx context.Context, job webhook.Job, at time.Time) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshaling job: %w", err)
	}
	err = q.client.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(payload),
	}).Err()
	if err != nil {
		return "", fmt.Errorf("adding job to delay bucket: %w", err)
	}
	return string(payload), nil
}

/* Dequeue promotes due delayed jobs, reclaims entries a dead consumer
 * left pending, then reads one message from the consumer group. A job
 * whose webhook sits at the in-flight cap is pushed back with a short
 * delay rather than dropped.
 */
func (q *Queue) Dequeue(ctx context.Context) (*webhook.Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}
	q.ensureGroup(ctx)

	if job, err := q.claimStale(ctx); job != nil || err != nil {
		return job, err
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName,
		Consumer: q.consumer,
		Streams:  []string{streamKey, ">"},
		Count:    1,
		Block:    dequeueBlock,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	return q.adoptMessage(ctx, streams[0].Messages[0])
}

/* claimStale takes over a pending entry whose consumer stopped working
 * it. Workers get a fresh consumer name on restart, so a crashed
 * worker's pending entries would otherwise never be read again. The
 * idle floor is the in-flight lease: once it has lapsed the original
 * holder's slot has expired and the job is safe to redeliver.
 */
func (q *Queue) claimStale(ctx context.Context) (*webhook.Job, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    groupName,
		Consumer: q.consumer,
		MinIdle:  q.inflightLease,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming stale jobs: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return q.adoptMessage(ctx, msgs[0])
}

// adoptMessage decodes a stream entry and takes an in-flight slot for it.
func (q *Queue) adoptMessage(ctx context.Context, msg redis.XMessage) (*webhook.Job, error) {
	raw, _ := msg.Values["job"].(string)

	var job webhook.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Poison message; drop it rather than jam the stream.
		q.client.XAck(ctx, streamKey, groupName, msg.ID)
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	job.Receipt = msg.ID

	ok, err := q.acquireSlot(ctx, job.WebhookID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// At the cap: move the job back to the delay bucket.
		q.client.XAck(ctx, streamKey, groupName, msg.ID)
		q.client.XDel(ctx, streamKey, msg.ID)
		job.Receipt = ""
		if _, err := q.addDelayed(ctx, job, time.Now().Add(2*time.Second)); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &job, nil
}

func (q *Queue) Ack(ctx context.Context, job webhook.Job) error {
	if job.Receipt != "" {
		if err := q.client.XAck(ctx, streamKey, groupName, job.Receipt).Err(); err != nil {
			return fmt.Errorf("acknowledging job: %w", err)
		}
		q.client.XDel(ctx, streamKey, job.Receipt)
	}
	q.releaseSlot(ctx, job.WebhookID)
	return nil
}

func (q *Queue) Requeue(ctx context.Context, job webhook.Job, at time.Time) error {
	receipt := job.Receipt
	job.Receipt = ""
	job.NotBefore = at

	if _, err := q.addDelayed(ctx, job, at); err != nil {
		return err
	}
	if receipt != "" {
		q.client.XAck(ctx, streamKey, groupName, receipt)
		q.client.XDel(ctx, streamKey, receipt)
	}
	q.releaseSlot(ctx, job.WebhookID)
	return nil
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.XLen(ctx, streamKey)
	delayed := pipe.ZCard(ctx, delayedKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return ready.Val() + delayed.Val(), nil
}

func (q *Queue) InFlight(ctx context.Context, webhookID string) (int64, error) {
	n, err := q.client.Get(ctx, inflightKey(webhookID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading in-flight count: %w", err)
	}
	return n, nil
}

func (q *Queue) Close(ctx context.Context) error {
	return q.client.Close()
}

// promoteDue moves delayed jobs whose due time has passed into the stream.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("scanning delayed jobs: %w", err)
	}

	for _, member := range members {
		// ZREM first: whoever removes the member owns the promotion, so
		// concurrent workers never double-promote.
		removed, err := q.client.ZRem(ctx, delayedKey, member).Result()
		if err != nil {
			return fmt.Errorf("claiming delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}

		err = q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey,
			Values: map[string]interface{}{"job": member},
		}).Err()
		if err != nil {
			// Put it back; losing a delivery is worse than a double send.
			q.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: member})
			return fmt.Errorf("promoting delayed job: %w", err)
		}
	}
	return nil
}

/* acquireSlot reserves an in-flight slot for the webhook. The counter
 * key carries a lease TTL refreshed on every acquire; slots held by a
 * crashed worker free themselves when the lease lapses.
 */
func (q *Queue) acquireSlot(ctx context.Context, webhookID string) (bool, error) {
	key := inflightKey(webhookID)
	n, err := q.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring in-flight slot: %w", err)
	}
	q.client.Expire(ctx, key, q.inflightLease)

	if n > q.maxInFlight {
		q.client.Decr(ctx, key)
		return false, nil
	}
	return true, nil
}

func (q *Queue) releaseSlot(ctx context.Context, webhookID string) {
	key := inflightKey(webhookID)
	n, err := q.client.Decr(ctx, key).Result()
	if err == nil && n <= 0 {
		q.client.Del(ctx, key)
	}
}
