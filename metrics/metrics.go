// Package metrics has prometheus metric variables shared across packages.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "drover_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{"pkg"},
)

// PanicInc counts a recovered panic in pkg.
func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}

var metricAdminAPI = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "drover_adminapi_request_duration_seconds",
		Help:    "Admin API requests, by method, path pattern and status code.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5},
	},
	[]string{"method", "pattern", "code"},
)

// AdminAPIObserve records one admin API request.
func AdminAPIObserve(method, pattern string, code int, start time.Time) {
	metricAdminAPI.WithLabelValues(method, pattern, strconv.Itoa(code)).Observe(time.Since(start).Seconds())
}
