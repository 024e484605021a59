package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router возвращает chi-роутер со всеми служебными маршрутами.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(
		Recovery(h.logger),
		Logging(h.logger),
	)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		NotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		MethodNotAllowed(w)
	})

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/debug", func(r chi.Router) {
		r.Get("/breakers", h.ListBreakers)
		r.Get("/queue", h.QueueDepth)
		r.Get("/workers", h.Workers)
	})

	return r
}
