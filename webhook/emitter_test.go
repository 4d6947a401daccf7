package webhook_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/consoul-dev/consoul-hooks/webhook"
	"github.com/consoul-dev/consoul-hooks/webhook/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func enabledHook(id string) webhook.Webhook {
	return webhook.Webhook{
		ID:         id,
		OwnerID:    "owner-1",
		URL:        "https://example.com/" + id,
		Secret:     "whsec_" + id,
		EventTypes: []string{webhook.EventChatCompleted},
		Enabled:    true,
	}
}

func newEmitter(repo *mocks.Repository, queue *mocks.Queue) *webhook.Emitter {
	return webhook.NewEmitter(repo, queue, webhook.EmitterConfig{
		Enabled:         true,
		MaxPayloadBytes: 64 * 1024,
	}, nil)
}

func TestEmitFanOut(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository(t)
	queue := mocks.NewQueue(t)
	emitter := newEmitter(repo, queue)

	data := json.RawMessage(`{"session_id":"s1"}`)
	repo.On("GetForEvent", ctx, "owner-1", webhook.EventChatCompleted).
		Return([]webhook.Webhook{enabledHook("wh-1"), enabledHook("wh-2")}, nil)

	repo.On("AppendDelivery", ctx, webhook.MatchDelivery(func(rec webhook.DeliveryRecord) bool {
		return rec.Status == webhook.StatusPending && rec.Attempt == 1
	})).Return(nil).Twice()

	queue.On("Enqueue", ctx, webhook.MatchJob(func(j webhook.Job) bool {
		return j.Attempt == 1 && j.EventType == webhook.EventChatCompleted &&
			string(j.Payload) == string(data)
	})).Return(nil).Twice()

	ids, err := emitter.Emit(ctx, webhook.EventChatCompleted, "owner-1", data)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1], "each delivery gets its own id")
}

func TestEmitIsolation(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository(t)
	queue := mocks.NewQueue(t)
	emitter := newEmitter(repo, queue)

	hooks := []webhook.Webhook{enabledHook("wh-1"), enabledHook("wh-2"), enabledHook("wh-3")}
	repo.On("GetForEvent", ctx, "owner-1", webhook.EventChatCompleted).Return(hooks, nil)
	repo.On("AppendDelivery", ctx, mock.Anything).Return(nil).Times(3)

	// The middle webhook's enqueue blows up; the other two still deliver.
	queue.On("Enqueue", ctx, webhook.MatchJob(func(j webhook.Job) bool {
		return j.WebhookID == "wh-2"
	})).Return(webhook.ErrQueueFull)
	queue.On("Enqueue", ctx, webhook.MatchJob(func(j webhook.Job) bool {
		return j.WebhookID != "wh-2"
	})).Return(nil).Twice()
	repo.On("UpdateDelivery", ctx, webhook.MatchDelivery(func(rec webhook.DeliveryRecord) bool {
		return rec.WebhookID == "wh-2" && rec.Status == webhook.StatusFailed
	})).Return(nil)

	ids, err := emitter.Emit(ctx, webhook.EventChatCompleted, "owner-1", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, webhook.ErrQueueFull)
	assert.Len(t, ids, 2, "one enqueue failure must not block the others")
}

func TestEmitEnqueueFailureClosesRecord(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository(t)
	queue := mocks.NewQueue(t)
	emitter := newEmitter(repo, queue)

	repo.On("GetForEvent", ctx, "owner-1", webhook.EventChatCompleted).
		Return([]webhook.Webhook{enabledHook("wh-1")}, nil)

	var appended webhook.DeliveryRecord
	repo.On("AppendDelivery", ctx, mock.Anything).Run(func(args mock.Arguments) {
		appended = args.Get(1).(webhook.DeliveryRecord)
	}).Return(nil)
	queue.On("Enqueue", ctx, mock.Anything).Return(webhook.ErrQueueFull)

	// The pending record must not outlive the failed enqueue: the job was
	// never queued, so no worker will ever close it.
	repo.On("UpdateDelivery", ctx, webhook.MatchDelivery(func(rec webhook.DeliveryRecord) bool {
		return rec.DeliveryID == appended.DeliveryID &&
			rec.Status == webhook.StatusFailed &&
			rec.Error != ""
	})).Return(nil)

	ids, err := emitter.Emit(ctx, webhook.EventChatCompleted, "owner-1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, webhook.ErrQueueFull)
	assert.Empty(t, ids)
}

func TestEmitNoMatch(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository(t)
	queue := mocks.NewQueue(t)
	emitter := newEmitter(repo, queue)

	repo.On("GetForEvent", ctx, "owner-1", webhook.EventChatCompleted).
		Return([]webhook.Webhook{}, nil)

	ids, err := emitter.Emit(ctx, webhook.EventChatCompleted, "owner-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEmitDisabledEngine(t *testing.T) {
	repo := mocks.NewRepository(t)
	queue := mocks.NewQueue(t)
	emitter := webhook.NewEmitter(repo, queue, webhook.EmitterConfig{Enabled: false}, nil)

	// No store or queue calls at all: expectations stay empty.
	ids, err := emitter.Emit(context.Background(), webhook.EventChatCompleted, "owner-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestEmitValidation(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository(t)
	queue := mocks.NewQueue(t)
	emitter := newEmitter(repo, queue)

	t.Run("bad event type", func(t *testing.T) {
		_, err := emitter.Emit(ctx, "not a type!", "owner-1", json.RawMessage(`{}`))
		require.Error(t, err)
	})

	t.Run("oversized payload", func(t *testing.T) {
		big := json.RawMessage(`"` + strings.Repeat("x", 70*1024) + `"`)
		_, err := emitter.Emit(ctx, webhook.EventChatCompleted, "owner-1", big)
		assert.ErrorIs(t, err, webhook.ErrPayloadTooLarge)
	})
}

func TestEmitWithEventID(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository(t)
	queue := mocks.NewQueue(t)
	emitter := newEmitter(repo, queue)

	repo.On("GetForEvent", ctx, "owner-1", webhook.EventChatCompleted).
		Return([]webhook.Webhook{enabledHook("wh-1")}, nil)
	repo.On("AppendDelivery", ctx, webhook.MatchDelivery(func(rec webhook.DeliveryRecord) bool {
		return rec.EventID == "ev-pinned"
	})).Return(nil)
	queue.On("Enqueue", ctx, webhook.MatchJob(func(j webhook.Job) bool {
		return j.EventID == "ev-pinned"
	})).Return(nil)

	_, err := emitter.Emit(ctx, webhook.EventChatCompleted, "owner-1",
		json.RawMessage(`{}`), webhook.WithEventID("ev-pinned"))
	require.NoError(t, err)
}

func TestEmitChatCompletedTruncation(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository(t)
	queue := mocks.NewQueue(t)
	emitter := webhook.NewEmitter(repo, queue, webhook.EmitterConfig{
		Enabled:         true,
		MaxPayloadBytes: 200,
	}, nil)

	var enqueued webhook.Job
	repo.On("GetForEvent", ctx, "owner-1", webhook.EventChatCompleted).
		Return([]webhook.Webhook{enabledHook("wh-1")}, nil)
	repo.On("AppendDelivery", ctx, mock.Anything).Return(nil)
	queue.On("Enqueue", ctx, mock.Anything).Run(func(args mock.Arguments) {
		enqueued = args.Get(1).(webhook.Job)
	}).Return(nil)

	_, err := emitter.EmitChatCompleted(ctx, "owner-1", webhook.ChatCompletedData{
		SessionID: "s1",
		Response:  strings.Repeat("long response ", 100),
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(enqueued.Payload), 200)

	var data webhook.ChatCompletedData
	require.NoError(t, json.Unmarshal(enqueued.Payload, &data))
	assert.True(t, data.Truncated)
	assert.Equal(t, "s1", data.SessionID, "identifiers survive truncation")
}
