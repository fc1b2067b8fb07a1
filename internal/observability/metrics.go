package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modemctl",
			Subsystem: "transport",
			Name:      "frames_written_total",
			Help:      "QMI frames written to a transport.",
		},
		[]string{"transport"},
	)
	framesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modemctl",
			Subsystem: "transport",
			Name:      "frames_read_total",
			Help:      "QMI frames decoded from a transport.",
		},
		[]string{"transport"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modemctl",
			Subsystem: "transport",
			Name:      "frames_dropped_total",
			Help:      "Inbound or outbound frames discarded.",
		},
		[]string{"transport", "reason"},
	)
	requestsInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "modemctl",
			Subsystem: "transport",
			Name:      "requests_inflight",
			Help:      "Requests queued or awaiting a response.",
		},
		[]string{"transport"},
	)
	indications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modemctl",
			Subsystem: "transport",
			Name:      "indications_total",
			Help:      "Indications routed to at least one service family.",
		},
		[]string{"transport", "service"},
	)
	discoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "modemctl",
			Subsystem: "discovery",
			Name:      "duration_seconds",
			Help:      "Time from discovery start to completion.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"transport", "outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modemctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"server", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "modemctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "route", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesWritten, framesRead, framesDropped, requestsInflight,
			indications, discoveryDuration, httpRequests, httpDuration,
		)
	})
}

func RecordFrameWritten(transport string) {
	RegisterMetrics()
	framesWritten.WithLabelValues(transport).Inc()
}

func RecordFrameRead(transport string) {
	RegisterMetrics()
	framesRead.WithLabelValues(transport).Inc()
}

func RecordFrameDropped(transport, reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(transport, reason).Inc()
}

func SetRequestsInflight(transport string, n int) {
	RegisterMetrics()
	requestsInflight.WithLabelValues(transport).Set(float64(n))
}

func RecordIndication(transport, service string) {
	RegisterMetrics()
	indications.WithLabelValues(transport, service).Inc()
}

func RecordDiscovery(transport string, err error, duration time.Duration) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	discoveryDuration.WithLabelValues(transport, outcome).Observe(duration.Seconds())
}

func RecordHTTPRequest(server, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(server, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(server, method, route, statusLabel).Observe(duration.Seconds())
}
