// internal/httpapi/routes.go
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes возвращает роутер управляющего API (монтируется под /api).
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Metrics)

	r.Get("/status", h.Status)
	r.Get("/debug", h.Debug)
	r.Get("/live-cars", h.LiveCars)
	r.Post("/live-cars/refresh", h.RefreshLiveCars)

	r.Post("/connect", h.Connect)
	r.Post("/disconnect", h.Disconnect)
	r.Post("/retry", h.Retry)
	r.Post("/test", h.Test)

	r.Post("/bids", h.PlaceBid)

	return r
}
