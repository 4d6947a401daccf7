package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	wredis "github.com/consoul-dev/consoul-hooks/webhook/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consoul-dev/consoul-hooks/webhook"
)

func newTestRepository(t *testing.T) (*wredis.Repository, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return wredis.NewRepositoryWithClient(client, time.Hour), mr
}

func testWebhook(id, owner string) webhook.Webhook {
	now := time.Now().Truncate(time.Second)
	return webhook.Webhook{
		ID:         id,
		OwnerID:    owner,
		URL:        "https://example.com/hook",
		Secret:     "whsec_abc",
		EventTypes: []string{webhook.EventChatCompleted, webhook.EventBatchCompleted},
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestRepositoryCRUD(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	wh := testWebhook("wh-1", "owner-1")
	require.NoError(t, repo.Create(ctx, wh))

	t.Run("round-trips all fields", func(t *testing.T) {
		got, err := repo.Get(ctx, "wh-1")
		require.NoError(t, err)
		assert.Equal(t, wh.OwnerID, got.OwnerID)
		assert.Equal(t, wh.URL, got.URL)
		assert.Equal(t, wh.Secret, got.Secret)
		assert.Equal(t, wh.EventTypes, got.EventTypes)
		assert.True(t, got.Enabled)
	})

	t.Run("duplicate create rejected", func(t *testing.T) {
		assert.ErrorIs(t, repo.Create(ctx, wh), webhook.ErrWebhookExists)
	})

	t.Run("list by owner", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, testWebhook("wh-2", "owner-1")))
		require.NoError(t, repo.Create(ctx, testWebhook("wh-3", "owner-2")))

		list, err := repo.List(ctx, "owner-1")
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("delete removes record and index", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "wh-2"))
		_, err := repo.Get(ctx, "wh-2")
		assert.ErrorIs(t, err, webhook.ErrWebhookNotFound)

		list, err := repo.List(ctx, "owner-1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestRepositoryGetForEvent(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	require.NoError(t, repo.Create(ctx, testWebhook("wh-1", "owner-1")))

	other := testWebhook("wh-2", "owner-1")
	other.EventTypes = []string{webhook.EventChatFailed}
	require.NoError(t, repo.Create(ctx, other))

	disabled := testWebhook("wh-3", "owner-1")
	disabled.Enabled = false
	require.NoError(t, repo.Create(ctx, disabled))

	matches, err := repo.GetForEvent(ctx, "owner-1", webhook.EventChatCompleted)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "wh-1", matches[0].ID)
}

func TestRepositoryFailureCounter(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	require.NoError(t, repo.Create(ctx, testWebhook("wh-1", "owner-1")))

	for i := 1; i <= 3; i++ {
		count, err := repo.RecordFailure(ctx, "wh-1")
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	require.NoError(t, repo.ResetFailures(ctx, "wh-1"))
	got, err := repo.Get(ctx, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.ConsecutiveFailures)

	require.NoError(t, repo.SetEnabled(ctx, "wh-1", false))
	got, err = repo.Get(ctx, "wh-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestRepositoryDeliveries(t *testing.T) {
	ctx := context.Background()
	repo, mr := newTestRepository(t)

	base := time.Now()
	for i := 1; i <= 3; i++ {
		rec := webhook.DeliveryRecord{
			DeliveryID: []string{"d-1", "d-2", "d-3"}[i-1],
			WebhookID:  "wh-1",
			EventID:    "ev-1",
			EventType:  webhook.EventChatCompleted,
			Payload:    []byte(`{"session_id":"s1"}`),
			Attempt:    i,
			Status:     webhook.StatusPending,
			CreatedAt:  base.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, repo.AppendDelivery(ctx, rec))
	}

	t.Run("list newest first", func(t *testing.T) {
		recs, err := repo.ListDeliveries(ctx, "wh-1", 10)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "d-3", recs[0].DeliveryID)
	})

	t.Run("terminal update sets retention TTL", func(t *testing.T) {
		rec, err := repo.GetDelivery(ctx, "d-1")
		require.NoError(t, err)
		rec.Status = webhook.StatusSuccess
		rec.HTTPStatus = 200
		require.NoError(t, repo.UpdateDelivery(ctx, rec))

		assert.Greater(t, mr.TTL("delivery:d-1"), time.Duration(0))
	})

	t.Run("prune removes old terminal records", func(t *testing.T) {
		pruned, err := repo.PruneDeliveries(ctx, base.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, pruned)

		_, err = repo.GetDelivery(ctx, "d-1")
		assert.ErrorIs(t, err, webhook.ErrDeliveryNotFound)
		_, err = repo.GetDelivery(ctx, "d-2")
		assert.NoError(t, err)
	})
}
