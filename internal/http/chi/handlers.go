// Package chi wires the webhook management API onto a chi router.
package chi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"

	"github.com/consoul-dev/consoul-hooks/webhook"
)

// Handlers sets up the management API routes. metricsHandler is
// optional; when nil, no /metrics endpoint is exposed.
func Handlers(service *webhook.Service, metricsHandler http.Handler) *chi.Mux {
	logger := httplog.NewLogger("consoul-hooks-api", httplog.Options{
		JSON: true,
	})

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", postWebhook(service).ServeHTTP)
			r.Get("/", getWebhooks(service).ServeHTTP)

			r.Route("/{webhook_id}", func(r chi.Router) {
				r.Get("/", getWebhook(service).ServeHTTP)
				r.Put("/", putWebhook(service).ServeHTTP)
				r.Delete("/", deleteWebhook(service).ServeHTTP)
				r.Post("/enable", setWebhookEnabled(service, true).ServeHTTP)
				r.Post("/disable", setWebhookEnabled(service, false).ServeHTTP)
				r.Post("/rotate-secret", rotateWebhookSecret(service).ServeHTTP)
				r.Post("/test", postTestEvent(service).ServeHTTP)
				r.Get("/deliveries", getDeliveries(service).ServeHTTP)
			})
		})

		r.Post("/deliveries/{delivery_id}/replay", postReplay(service).ServeHTTP)
	})

	return r
}
