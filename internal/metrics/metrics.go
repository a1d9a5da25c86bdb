package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts events accepted into incident state.
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threatlens_events_ingested_total",
		Help: "Events accepted and merged into incident state.",
	})

	// EventsRejected counts malformed payloads by offending field.
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threatlens_events_rejected_total",
		Help: "Events rejected by the normalizer.",
	}, []string{"field"})

	// EventsDuplicate counts idempotent re-ingestions.
	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threatlens_events_duplicate_total",
		Help: "Events dropped because their id was already ingested.",
	})

	// Transitions counts lifecycle transitions by target status.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threatlens_transitions_total",
		Help: "Incident status transitions applied.",
	}, []string{"to"})

	// TransitionsRejected counts workflow violations.
	TransitionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threatlens_transitions_rejected_total",
		Help: "Transition attempts rejected by the workflow table.",
	})

	// OpenIncidents tracks incidents not yet resolved or dismissed.
	OpenIncidents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "threatlens_open_incidents",
		Help: "Incidents currently open.",
	})

	// Subscribers tracks connected update consumers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "threatlens_subscribers",
		Help: "Active broadcast subscriptions.",
	})

	// BroadcastDropped counts updates dropped from slow subscriber queues.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threatlens_broadcast_dropped_total",
		Help: "Updates dropped because a subscriber queue was full.",
	})

	// IngestSeconds observes per-event ingestion latency.
	IngestSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "threatlens_ingest_seconds",
		Help:    "Wall time to normalize, score and merge one event.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
	})
)
