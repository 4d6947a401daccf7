package memory

import (
	"context"
	"sync"
	"time"

	"github.com/consoul-dev/consoul-hooks/webhook"
	"github.com/google/uuid"
)

const pollInterval = 50 * time.Millisecond

/* Queue is an in-memory webhook.Queue for single-process deployments.
 * Depth and per-webhook in-flight bounds are enforced here, not in the
 * worker, so delivery code behaves identically on every backend.
 */
type Queue struct {
	mu       sync.Mutex
	jobs     []webhook.Job
	inflight map[string]int64
	receipts map[string]string

	maxDepth    int64
	maxInFlight int64
}

func NewQueue(maxDepth, maxInFlight int64) *Queue {
	return &Queue{
		inflight: make(map[string]int64),
		receipts: make(map[string]string),

		maxDepth:    maxDepth,
		maxInFlight: maxInFlight,
	}
}

func (q *Queue) Enqueue(ctx context.Context, job webhook.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if int64(len(q.jobs)) >= q.maxDepth {
		return webhook.ErrQueueFull
	}
	q.jobs = append(q.jobs, job)
	return nil
}

/* Dequeue pops the first ready job whose webhook is under the in-flight
 * cap. It polls so a blocked caller notices newly due retries; a nil
 * job with nil error means the poll interval elapsed with nothing ready.
 */
func (q *Queue) Dequeue(ctx context.Context) (*webhook.Job, error) {
	deadline := time.NewTimer(pollInterval * 20)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		if job := q.tryPop(); job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-tick.C:
		}
	}
}

func (q *Queue) tryPop() *webhook.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for i, job := range q.jobs {
		if job.NotBefore.After(now) {
			continue
		}
		if q.inflight[job.WebhookID] >= q.maxInFlight {
			continue
		}

		q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
		q.inflight[job.WebhookID]++

		job.Receipt = uuid.New().String()
		q.receipts[job.Receipt] = job.WebhookID
		return &job
	}
	return nil
}

func (q *Queue) Ack(ctx context.Context, job webhook.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.release(job.Receipt)
	return nil
}

func (q *Queue) Requeue(ctx context.Context, job webhook.Job, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.release(job.Receipt)
	job.Receipt = ""
	job.NotBefore = at
	q.jobs = append(q.jobs, job)
	return nil
}

// release frees the in-flight slot held by a receipt, idempotently.
func (q *Queue) release(receipt string) {
	webhookID, ok := q.receipts[receipt]
	if !ok {
		return
	}
	delete(q.receipts, receipt)
	if q.inflight[webhookID] > 0 {
		q.inflight[webhookID]--
	}
	if q.inflight[webhookID] == 0 {
		delete(q.inflight, webhookID)
	}
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

func (q *Queue) InFlight(ctx context.Context, webhookID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight[webhookID], nil
}

func (q *Queue) Close(ctx context.Context) error { return nil }
