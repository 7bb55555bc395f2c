// Package metrics defines the Prometheus collectors shared by the API and the
// stage workers.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersCreated counts orders accepted by the API.
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_orders_created_total",
		Help: "Orders accepted and persisted by the API.",
	})

	// EventsPublished counts messages published to the exchange by routing key.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_events_published_total",
		Help: "Messages published to the order events exchange.",
	}, []string{"routing_key"})

	// PublishFailures counts swallowed publish errors; a non-zero rate means
	// orders are progressing without their notifications.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_publish_failures_total",
		Help: "Publish attempts dropped because the broker was unreachable.",
	}, []string{"routing_key"})

	// Deliveries counts consumed deliveries by queue and disposition
	// (ack, discard, requeue).
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_deliveries_total",
		Help: "Broker deliveries by queue and disposition.",
	}, []string{"queue", "disposition"})

	// StageOutcomes counts terminal stage decisions (approved, rejected,
	// reserved, out_of_stock, notified, exhausted).
	StageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_stage_outcomes_total",
		Help: "Terminal outcomes recorded by each saga stage.",
	}, []string{"stage", "outcome"})
)

// Handler returns the Prometheus scrape handler for mounting on a router.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics and /healthz for a worker process. An empty port
// disables the listener. Serve blocks; run it in a goroutine.
func Serve(logger *slog.Logger, port string) {
	if port == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	logger.Info("Metrics listener starting", "port", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%s", port), mux); err != nil {
		logger.Error("Metrics listener stopped", "error", err)
	}
}
