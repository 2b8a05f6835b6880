package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	EventsReceived    *prometheus.CounterVec
	EventsDispatched  *prometheus.CounterVec
	FanoutMessages    *prometheus.CounterVec
	PrefillObjects    *prometheus.CounterVec
)

// Init registers all collectors. Call once at startup, before any component
// starts.
func Init() {
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provbus",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed, labeled by method and route.",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "provbus",
		Name:      "http_request_duration_seconds",
		Help:      "Histogram of request durations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provbus",
		Name:      "events_received_total",
		Help:      "Events accepted into the incoming stream, labeled by publisher.",
	}, []string{"publisher"})

	EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provbus",
		Name:      "events_dispatched_total",
		Help:      "Incoming events processed by the dispatcher, labeled by outcome.",
	}, []string{"result"})

	FanoutMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provbus",
		Name:      "fanout_messages_total",
		Help:      "Copies published to subscription streams.",
	}, []string{"subscription"})

	PrefillObjects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provbus",
		Name:      "prefill_objects_total",
		Help:      "Directory objects written to pre-fill streams.",
	}, []string{"subscription"})

	prometheus.MustRegister(
		HTTPRequestsTotal, HTTPDuration,
		EventsReceived, EventsDispatched, FanoutMessages, PrefillObjects,
	)
}
