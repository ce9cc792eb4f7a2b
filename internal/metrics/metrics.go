package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeAccepted labels events admitted into the pipeline.
	OutcomeAccepted = "accepted"
	// OutcomeRejected labels malformed events dropped with a signal.
	OutcomeRejected = "rejected"
	// OutcomeOverload labels events refused by backpressure.
	OutcomeOverload = "overload"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "events_total",
			Help:      "Anomaly events received, partitioned by admission outcome.",
		},
		[]string{"outcome"},
	)

	suppressionHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "suppression_hits_total",
			Help:      "Events folded into an existing incident via a live suppression key.",
		},
	)

	correlationMergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "correlation_merges_total",
			Help:      "Events merged into an open incident via a shared correlation key.",
		},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "incidents_total",
			Help:      "Incident lifecycle actions: opened, resolved, closed, reconciled.",
		},
		[]string{"action"},
	)

	openIncidents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "incident_engine",
			Name:      "open_incidents",
			Help:      "Incidents currently OPEN or ACKNOWLEDGED.",
		},
	)

	dispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "incident_engine",
			Name:      "dispatch_queue_depth",
			Help:      "Notifications buffered for downstream publication.",
		},
	)

	publishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "publishes_total",
			Help:      "Outbound notification publish attempts by outcome.",
		},
		[]string{"outcome"},
	)

	publishRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "publish_retries_total",
			Help:      "Publish attempts retried after a downstream failure.",
		},
	)

	processingSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "incident_engine",
			Name:      "event_processing_seconds",
			Help:      "Latency of one event through the suppression/correlation hot path.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)
)

// Register attaches all collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsTotal,
		suppressionHitsTotal,
		correlationMergesTotal,
		incidentsTotal,
		openIncidents,
		dispatchQueueDepth,
		publishesTotal,
		publishRetriesTotal,
		processingSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveEvent records an event admission outcome.
func ObserveEvent(outcome string) {
	eventsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSuppressionHit counts a suppression-window refresh.
func ObserveSuppressionHit() { suppressionHitsTotal.Inc() }

// ObserveCorrelationMerge counts a cross-key merge.
func ObserveCorrelationMerge() { correlationMergesTotal.Inc() }

// ObserveIncident records a lifecycle action label.
func ObserveIncident(action string) {
	incidentsTotal.WithLabelValues(action).Inc()
}

// SetOpenIncidents updates the open-incident gauge.
func SetOpenIncidents(n int) { openIncidents.Set(float64(n)) }

// SetDispatchQueueDepth updates the outbound buffer gauge.
func SetDispatchQueueDepth(n int) { dispatchQueueDepth.Set(float64(n)) }

// ObservePublish records a publish outcome; retried marks re-attempts.
func ObservePublish(outcome string, retried bool) {
	publishesTotal.WithLabelValues(outcome).Inc()
	if retried {
		publishRetriesTotal.Inc()
	}
}

// ObserveProcessing records hot-path latency for one event.
func ObserveProcessing(d time.Duration) {
	if d < 0 {
		d = 0
	}
	processingSeconds.Observe(d.Seconds())
}
