// Registers:
//
//	#quoteflow_events_total{kind}
//	#quoteflow_events_dropped_total{kind,reason}
//	#quoteflow_observer_failures_total{slot}
//	#quoteflow_completion_seconds
//	#quoteflow_exports_total{sink,result}
//	#quoteflow_channel_length{channel}
//	#go_* and process_* system metrics
//
// on a private registry served by Handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	eventsApplied    *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	observerFailures *prometheus.CounterVec
	completionTime   prometheus.Histogram
	exports          *prometheus.CounterVec
	channelLength    *prometheus.GaugeVec
)

// Init builds the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		eventsApplied = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quoteflow_events_total",
				Help: "Events applied to the cache",
			},
			[]string{"kind"},
		)
		eventsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quoteflow_events_dropped_total",
				Help: "Events rejected by the cache or dropped before reaching it",
			},
			[]string{"kind", "reason"},
		)
		observerFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quoteflow_observer_failures_total",
				Help: "Observer invocations that returned an error or panicked",
			},
			[]string{"slot"},
		)
		completionTime = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quoteflow_completion_seconds",
			Help:    "Time from open until every instrument had an image or a terminal status",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		})
		exports = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quoteflow_exports_total",
				Help: "Snapshot exports and notification publishes by sink and result",
			},
			[]string{"sink", "result"},
		)
		channelLength = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quoteflow_channel_length",
				Help: "Buffered events waiting for the dispatcher",
			},
			[]string{"channel"},
		)

		registry.MustRegister(eventsApplied, eventsDropped, observerFailures, completionTime, exports, channelLength)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func promEnabled() bool {
	return registry != nil && IsFeatureEnabled(FeaturePrometheus)
}

func IncrementApplied(kind string) {
	if promEnabled() {
		eventsApplied.WithLabelValues(kind).Inc()
	}
}

func IncrementDropped(kind, reason string) {
	if promEnabled() {
		eventsDropped.WithLabelValues(kind, reason).Inc()
	}
}

func IncrementObserverFailure(slot string) {
	if promEnabled() {
		observerFailures.WithLabelValues(slot).Inc()
	}
}

func ObserveCompletion(seconds float64) {
	if promEnabled() {
		completionTime.Observe(seconds)
	}
}

func IncrementExport(sink string, ok bool) {
	if !promEnabled() {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	exports.WithLabelValues(sink, result).Inc()
}

func setChannelLength(channel string, length int) {
	if promEnabled() {
		channelLength.WithLabelValues(channel).Set(float64(length))
	}
}
