package chi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/consoul-dev/consoul-hooks/webhook"
)

// postWebhook handles POST /v1/webhooks
func postWebhook(service *webhook.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, errUnauthorized)
			return
		}

		var req createWebhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, webhook.ErrInvalidWebhook)
			return
		}

		wh, err := service.Create(r.Context(), owner, req.URL, req.EventTypes)
		if err != nil {
			writeError(w, err)
			return
		}

		// The only response that ever carries the signing secret.
		writeJSON(w, http.StatusCreated, toWebhookResponse(wh))
	})
}

// getWebhooks handles GET /v1/webhooks
func getWebhooks(service *webhook.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, errUnauthorized)
			return
		}

		hooks, err := service.List(r.Context(), owner)
		if err != nil {
			writeError(w, err)
			return
		}

		responses := make([]webhookResponse, 0, len(hooks))
		for _, wh := range hooks {
			responses = append(responses, toWebhookResponse(wh))
		}
		writeJSON(w, http.StatusOK, responses)
	})
}

// getWebhook handles GET /v1/webhooks/{webhook_id}
func getWebhook(service *webhook.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, errUnauthorized)
			return
		}

		wh, err := service.Get(r.Context(), owner, chi.URLParam(r, "webhook_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWebhookResponse(wh))
	})
}

// putWebhook handles PUT /v1/webhooks/{webhook_id}
func putWebhook(service *webhook.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, errUnauthorized)
			return
		}

		var req updateWebhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, webhook.ErrInvalidWebhook)
			return
		}

		wh, err := service.Update(r.Context(), owner, chi.URLParam(r, "webhook_id"), webhook.UpdateParams{
			URL:        req.URL,
			EventTypes: req.EventTypes,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWebhookResponse(wh))
	})
}

// deleteWebhook handles DELETE /v1/webhooks/{webhook_id}
func deleteWebhook(service *webhook.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, errUnauthorized)
			return
		}

		if err := service.Delete(r.Context(), owner, chi.URLParam(r, "webhook_id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// setWebhookEnabled handles POST /v1/webhooks/{webhook_id}/enable and /disable
func setWebhookEnabled(service *webhook.Service, enabled bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, errUnauthorized)
			return
		}

		id := chi.URLParam(r, "webhook_id")
		if err := service.SetEnabled(r.Context(), owner, id, enabled); err != nil {
			writeError(w, err)
			return
		}

		wh, err := service.Get(r.Context(), owner, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWebhookResponse(wh))
	})
}

// rotateWebhookSecret handles POST /v1/webhooks/{webhook_id}/rotate-secret
func rotateWebhookSecret(service *webhook.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, errUnauthorized)
			return
		}

		secret, err := service.RotateSecret(r.Context(), owner, chi.URLParam(r, "webhook_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, secretResponse{Secret: secret})
	})
}

// postTestEvent handles POST /v1/webhooks/{webhook_id}/test
func postTestEvent(service *webhook.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, errUnauthorized)
			return
		}

		deliveryID, err := service.SendTest(r.Context(), owner, chi.URLParam(r, "webhook_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, deliveryRefResponse{DeliveryID: deliveryID})
	})
}

// getDeliveries handles GET /v1/webhooks/{webhook_id}/deliveries
func getDeliveries(service *webhook.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, errUnauthorized)
			return
		}

		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 500 {
				writeError(w, webhook.ErrInvalidWebhook)
				return
			}
			limit = n
		}

		recs, err := service.ListDeliveries(r.Context(), owner, chi.URLParam(r, "webhook_id"), limit)
		if err != nil {
			writeError(w, err)
			return
		}

		responses := make([]deliveryResponse, 0, len(recs))
		for _, rec := range recs {
			responses = append(responses, toDeliveryResponse(rec))
		}
		writeJSON(w, http.StatusOK, responses)
	})
}

// postReplay handles POST /v1/deliveries/{delivery_id}/replay
func postReplay(service *webhook.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			writeError(w, errUnauthorized)
			return
		}

		newID, err := service.Replay(r.Context(), owner, chi.URLParam(r, "delivery_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, deliveryRefResponse{DeliveryID: newID})
	})
}
