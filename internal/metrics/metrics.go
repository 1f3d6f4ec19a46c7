package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WAIncomingMessages *prometheus.CounterVec
	WAOutgoingMessages *prometheus.CounterVec
	RuleMatches        *prometheus.CounterVec
	ResponseItems      *prometheus.CounterVec
	DeletionsObserved  prometheus.Counter
	DeletionsRecovered *prometheus.CounterVec
	StatusSaves        *prometheus.CounterVec
	Commands           *prometheus.CounterVec
	MediaCacheEntries  prometheus.Gauge
	ImageHostRequests  *prometheus.CounterVec
	ImageHostLatency   *prometheus.HistogramVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WAIncomingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_incoming_messages_total",
				Help:      "Total incoming WhatsApp messages processed by kind.",
			}, []string{"kind"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent by type.",
			}, []string{"type"}),
			RuleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_matches_total",
				Help:      "Total auto-reply rule matches by rule trigger.",
			}, []string{"trigger"}),
			ResponseItems: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "response_items_total",
				Help:      "Total dispatched rule response items by type and outcome.",
			}, []string{"type", "outcome"}),
			DeletionsObserved: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deletions_observed_total",
				Help:      "Total message revocations seen on the update stream.",
			}),
			DeletionsRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deletions_recovered_total",
				Help:      "Total anti-delete recoveries by reconstruction source.",
			}, []string{"source"}),
			StatusSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_saves_total",
				Help:      "Total quoted-status save requests by outcome.",
			}, []string{"outcome"}),
			Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total chat commands executed by name.",
			}, []string{"name"}),
			MediaCacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "media_cache_entries",
				Help:      "Current number of entries in the ephemeral media cache.",
			}),
			ImageHostRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_host_requests_total",
				Help:      "Total image hosting upload requests by status.",
			}, []string{"status"}),
			ImageHostLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "image_host_request_duration_seconds",
				Help:      "Latency distribution for image hosting uploads.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WAIncomingMessages,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.RuleMatches,
			metricsInstance.ResponseItems,
			metricsInstance.DeletionsObserved,
			metricsInstance.DeletionsRecovered,
			metricsInstance.StatusSaves,
			metricsInstance.Commands,
			metricsInstance.MediaCacheEntries,
			metricsInstance.ImageHostRequests,
			metricsInstance.ImageHostLatency,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
