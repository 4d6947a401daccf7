package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consoul-dev/consoul-hooks/webhook"
	"github.com/consoul-dev/consoul-hooks/webhook/memory"
	"github.com/consoul-dev/consoul-hooks/webhook/safeurl"
	"github.com/consoul-dev/consoul-hooks/webhook/signature"
)

func newTestAPI(t *testing.T) (http.Handler, *memory.Repository, *memory.Queue) {
	t.Helper()
	repo := memory.NewRepository()
	queue := memory.NewQueue(100, 4)
	validator := safeurl.New(safeurl.WithAllowLocalhost(true))
	service := webhook.NewService(repo, queue, validator, webhook.ServiceConfig{
		Retention: 168 * time.Hour,
	}, nil)
	return Handlers(service, nil), repo, queue
}

func doRequest(t *testing.T, h http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func createWebhook(t *testing.T, h http.Handler, owner, url string) webhookResponse {
	t.Helper()
	w := doRequest(t, h, http.MethodPost, "/v1/webhooks", owner, createWebhookRequest{
		URL:        url,
		EventTypes: []string{webhook.EventChatCompleted},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestCreateWebhookReturnsSecretOnce(t *testing.T) {
	h, _, _ := newTestAPI(t)

	created := createWebhook(t, h, "owner-1", "http://127.0.0.1:9999/hook")
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)
	assert.True(t, strings.HasPrefix(created.Secret, signature.SecretPrefix))

	// Subsequent reads never include the secret.
	w := doRequest(t, h, http.MethodGet, "/v1/webhooks/"+created.ID, "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got webhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Empty(t, got.Secret)
	assert.Equal(t, created.ID, got.ID)
}

func TestCreateWebhookRejectsUnsafeURL(t *testing.T) {
	h, _, _ := newTestAPI(t)

	w := doRequest(t, h, http.MethodPost, "/v1/webhooks", "owner-1", createWebhookRequest{
		URL:        "https://169.254.169.254/hook",
		EventTypes: []string{webhook.EventChatCompleted},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "E422", resp.Code)
	assert.False(t, resp.Recoverable)
}

func TestRequestsWithoutOwnerAreRejected(t *testing.T) {
	h, _, _ := newTestAPI(t)

	w := doRequest(t, h, http.MethodGet, "/v1/webhooks", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "E401", resp.Code)
}

func TestWebhookLifecycle(t *testing.T) {
	h, _, _ := newTestAPI(t)
	created := createWebhook(t, h, "owner-1", "http://127.0.0.1:9999/hook")

	// Disable, then re-enable.
	w := doRequest(t, h, http.MethodPost, "/v1/webhooks/"+created.ID+"/disable", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got webhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.False(t, got.Enabled)

	w = doRequest(t, h, http.MethodPost, "/v1/webhooks/"+created.ID+"/enable", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Enabled)

	// Rotate: a fresh secret comes back exactly once.
	w = doRequest(t, h, http.MethodPost, "/v1/webhooks/"+created.ID+"/rotate-secret", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rotated secretResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.True(t, strings.HasPrefix(rotated.Secret, signature.SecretPrefix))
	assert.NotEqual(t, created.Secret, rotated.Secret)

	// Update the subscription list.
	w = doRequest(t, h, http.MethodPut, "/v1/webhooks/"+created.ID, "owner-1", updateWebhookRequest{
		EventTypes: []string{webhook.EventBatchCompleted},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []string{webhook.EventBatchCompleted}, got.EventTypes)

	// Delete, then reads 404.
	w = doRequest(t, h, http.MethodDelete, "/v1/webhooks/"+created.ID, "owner-1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, h, http.MethodGet, "/v1/webhooks/"+created.ID, "owner-1", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "E404", resp.Code)
}

func TestForeignWebhookReadsAsNotFound(t *testing.T) {
	h, _, _ := newTestAPI(t)
	created := createWebhook(t, h, "owner-a", "http://127.0.0.1:9999/hook")

	w := doRequest(t, h, http.MethodGet, "/v1/webhooks/"+created.ID, "owner-b", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendTestEventAndListDeliveries(t *testing.T) {
	h, _, queue := newTestAPI(t)
	created := createWebhook(t, h, "owner-1", "http://127.0.0.1:9999/hook")

	w := doRequest(t, h, http.MethodPost, "/v1/webhooks/"+created.ID+"/test", "owner-1", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var ref deliveryRefResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ref))
	assert.NotEmpty(t, ref.DeliveryID)

	depth, err := queue.Depth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	w = doRequest(t, h, http.MethodGet, "/v1/webhooks/"+created.ID+"/deliveries", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recs []deliveryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, ref.DeliveryID, recs[0].DeliveryID)
	assert.Equal(t, webhook.EventTestPing, recs[0].EventType)
	assert.Equal(t, "pending", recs[0].Status)
}

func TestReplayDelivery(t *testing.T) {
	h, repo, queue := newTestAPI(t)
	created := createWebhook(t, h, "owner-1", "http://127.0.0.1:9999/hook")

	rec := webhook.DeliveryRecord{
		DeliveryID: "dlv-old",
		WebhookID:  created.ID,
		EventID:    "evt-1",
		EventType:  webhook.EventChatCompleted,
		Payload:    json.RawMessage(`{"session_id":"sess-1"}`),
		Attempt:    4,
		Status:     webhook.StatusSuccess,
		CreatedAt:  time.Now().Add(-time.Hour),
	}
	require.NoError(t, repo.AppendDelivery(context.Background(), rec))

	w := doRequest(t, h, http.MethodPost, "/v1/deliveries/dlv-old/replay", "owner-1", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var ref deliveryRefResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ref))
	assert.NotEqual(t, "dlv-old", ref.DeliveryID)

	depth, err := queue.Depth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestReplayToDisabledWebhookIsRecoverable(t *testing.T) {
	h, repo, _ := newTestAPI(t)
	created := createWebhook(t, h, "owner-1", "http://127.0.0.1:9999/hook")

	require.NoError(t, repo.AppendDelivery(context.Background(), webhook.DeliveryRecord{
		DeliveryID: "dlv-old",
		WebhookID:  created.ID,
		EventID:    "evt-1",
		EventType:  webhook.EventChatCompleted,
		Payload:    json.RawMessage(`{}`),
		Attempt:    1,
		Status:     webhook.StatusExpired,
		CreatedAt:  time.Now().Add(-time.Hour),
	}))

	w := doRequest(t, h, http.MethodPost, "/v1/webhooks/"+created.ID+"/disable", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, h, http.MethodPost, "/v1/deliveries/dlv-old/replay", "owner-1", nil)
	require.Equal(t, http.StatusLocked, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "E423", resp.Code)
	assert.True(t, resp.Recoverable)
}

func TestHealthEndpoint(t *testing.T) {
	h, _, _ := newTestAPI(t)

	w := doRequest(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}
