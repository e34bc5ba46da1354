// Package metrics exposes the saga counters on a Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	MessagesHandled   *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	OutboxPublished   *prometheus.CounterVec
	OutboxFailures    *prometheus.CounterVec
	ReservationResult *prometheus.CounterVec
}

func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	labels := prometheus.Labels{"service": service}
	m := &Metrics{
		Registry: reg,
		MessagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "saga_messages_handled_total",
			Help:        "Consumed messages by consumer and outcome.",
			ConstLabels: labels,
		}, []string{"consumer", "outcome"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "saga_handler_duration_seconds",
			Help:        "Handler latency per consumer.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"consumer"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "saga_outbox_published_total",
			Help:        "Outbox rows acknowledged by the broker.",
			ConstLabels: labels,
		}, []string{"topic"}),
		OutboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "saga_outbox_failures_total",
			Help:        "Outbox publish attempts that failed.",
			ConstLabels: labels,
		}, []string{"topic"}),
		ReservationResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "saga_reservations_total",
			Help:        "Stock reservation commands by result.",
			ConstLabels: labels,
		}, []string{"result"}),
	}
	reg.MustRegister(m.MessagesHandled, m.HandlerDuration, m.OutboxPublished, m.OutboxFailures, m.ReservationResult)
	return m
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Published and Failed let Metrics observe the outbox relay.
func (m *Metrics) Published(topic string) { m.OutboxPublished.WithLabelValues(topic).Inc() }
func (m *Metrics) Failed(topic string)    { m.OutboxFailures.WithLabelValues(topic).Inc() }

// Handled lets Metrics observe consumers.
func (m *Metrics) Handled(consumer, outcome string, elapsed time.Duration) {
	m.MessagesHandled.WithLabelValues(consumer, outcome).Inc()
	m.HandlerDuration.WithLabelValues(consumer).Observe(elapsed.Seconds())
}

func (m *Metrics) ReservationOutcome(result string) {
	m.ReservationResult.WithLabelValues(result).Inc()
}
