package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detections counts threat events by correlation outcome
	// (created, suppressed, failed) and no_threat runs.
	Detections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatdesk_detections_total",
			Help: "Threat events processed by the incident builder, by outcome",
		},
		[]string{"outcome"},
	)

	DetectionRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threatdesk_detection_run_duration_seconds",
			Help:    "Duration of a full detect and correlate run",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatdesk_transitions_total",
			Help: "Incident stage transition requests, by edge and result",
		},
		[]string{"from", "to", "result"},
	)

	Enrichments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatdesk_enrichments_total",
			Help: "Reasoning service calls, by kind and result",
		},
		[]string{"kind", "result"},
	)

	EnrichmentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threatdesk_enrichment_duration_seconds",
			Help:    "Latency of reasoning service calls",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"kind"},
	)

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatdesk_events_ingested_total",
			Help: "Raw security events accepted by the ingest endpoint",
		},
		[]string{"event_type"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatdesk_http_requests_total",
			Help: "HTTP requests served, by route and status code",
		},
		[]string{"route", "code"},
	)
)
