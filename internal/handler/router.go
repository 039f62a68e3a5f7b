package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/storage-rental/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса аренды ячеек.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/unit-types/{id}/availability", h.CheckAvailability)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders/{id}", h.GetOrder)
			r.Post("/orders/{id}/reserve", h.ReserveOrder)
			r.Post("/orders/{id}/pay", h.PayOrder)
			r.Post("/orders/{id}/cancel", h.CancelOrder)

			r.Get("/contracts/{id}", h.GetContract)
			r.Post("/contracts/{id}/sign", h.SignContract)
			r.Post("/contracts/{id}/terminate", h.TerminateContract)
			r.Delete("/contracts/{id}/recurring-payment", h.CancelRecurringPayment)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.authMiddleware.AdminMiddleware)

			r.Get("/units/{id}/blocking-reasons", h.BlockingReasons)
			r.Post("/units/{id}/blocks", h.BlockUnit)
			r.Delete("/blocks/{id}", h.UnblockUnit)
			r.Post("/settlements", h.Settle)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
