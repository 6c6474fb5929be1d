package telemetry

import "github.com/prometheus/client_golang/prometheus"

const rtcgateNamespace string = "rtcgate"

var (
	promSessionsTotal prometheus.Gauge
	promHandlesTotal  prometheus.Gauge

	RequestCounter *prometheus.CounterVec
)

func init() {
	promSessionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: rtcgateNamespace,
		Subsystem: "session",
		Name:      "total",
	})

	promHandlesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: rtcgateNamespace,
		Subsystem: "handle",
		Name:      "total",
	})

	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: rtcgateNamespace,
			Subsystem: "api",
			Name:      "requests",
		},
		[]string{"command", "status"},
	)

	prometheus.MustRegister(promSessionsTotal)
	prometheus.MustRegister(promHandlesTotal)
	prometheus.MustRegister(RequestCounter)
}

func SessionCreated() {
	promSessionsTotal.Inc()
}

func SessionDestroyed() {
	promSessionsTotal.Dec()
}

func HandleAttached() {
	promHandlesTotal.Inc()
}

func HandleDetached() {
	promHandlesTotal.Dec()
}
