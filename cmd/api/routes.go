package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sagalabs/fulfillment/internal/metrics"
)

func (app *application) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", app.healthzHandler)
	r.Get("/readyz", app.readyzHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", app.listOrdersHandler)
		r.Get("/{id}", app.getOrderHandler)

		r.With(app.requireAuth).Post("/", app.createOrderHandler)
		r.With(app.requireAuth).Post("/{id}/cancel", app.cancelOrderHandler)
	})

	return r
}
