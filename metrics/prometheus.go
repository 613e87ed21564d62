// Package metrics provides messaging.MetricsCollector implementations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config names the exported metrics
type Config struct {
	Namespace string
	Subsystem string
	Buckets   []float64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "servicebus",
		Buckets:   prometheus.DefBuckets,
	}
}

// Prometheus implements messaging.MetricsCollector on its own registry
type Prometheus struct {
	registry *prometheus.Registry

	MessagesSent    *prometheus.CounterVec
	SendCalls       *prometheus.CounterVec
	SendDuration    *prometheus.HistogramVec
	MessagesHandled *prometheus.CounterVec
	HandleDuration  *prometheus.HistogramVec
	TransportFaults *prometheus.CounterVec
}

// NewPrometheus creates a collector with the default configuration
func NewPrometheus() *Prometheus {
	return NewPrometheusWithConfig(DefaultConfig())
}

// NewPrometheusWithConfig creates a collector with its own Prometheus registry
func NewPrometheusWithConfig(cfg Config) *Prometheus {
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns, sub := cfg.Namespace, cfg.Subsystem

	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "messages_sent_total",
			Help:      "Messages accepted by the broker",
		}, []string{"entity"}),
		SendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "send_calls_total",
			Help:      "Send calls by result",
		}, []string{"entity", "status"}),
		SendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "send_duration_seconds",
			Help:      "Duration of send calls including transport retries",
			Buckets:   buckets,
		}, []string{"entity"}),
		MessagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "messages_received_total",
			Help:      "Delivered messages by outcome",
		}, []string{"entity", "outcome"}),
		HandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "handle_duration_seconds",
			Help:      "Time from delivery to settlement",
			Buckets:   buckets,
		}, []string{"entity"}),
		TransportFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "transport_faults_total",
			Help:      "Failed pulls and connection faults",
		}, []string{"entity", "op"}),
	}

	p.registry.MustRegister(
		p.MessagesSent,
		p.SendCalls,
		p.SendDuration,
		p.MessagesHandled,
		p.HandleDuration,
		p.TransportFaults,
	)
	return p
}

// RecordSend implements messaging.MetricsCollector
func (p *Prometheus) RecordSend(entity string, count int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	} else {
		p.MessagesSent.WithLabelValues(entity).Add(float64(count))
	}
	p.SendCalls.WithLabelValues(entity, status).Inc()
	p.SendDuration.WithLabelValues(entity).Observe(duration.Seconds())
}

// RecordReceive implements messaging.MetricsCollector
func (p *Prometheus) RecordReceive(entity string, outcome string, duration time.Duration) {
	p.MessagesHandled.WithLabelValues(entity, outcome).Inc()
	p.HandleDuration.WithLabelValues(entity).Observe(duration.Seconds())
}

// RecordTransportFault implements messaging.MetricsCollector
func (p *Prometheus) RecordTransportFault(entity string, op string) {
	p.TransportFaults.WithLabelValues(entity, op).Inc()
}

// Registry returns the registry the collectors are registered on
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
