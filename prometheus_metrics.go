package main

import (
	"net/http"

	"blitiri.com.ar/go/chasquid/internal/smtpsrv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newQueueMetricsHandler exports outgoing queue depth through a
// prometheus.Registry of its own, served alongside (not instead of) the
// expvarom-based /metrics openmetrics exporter.
func newQueueMetricsHandler(s *smtpsrv.Server) http.Handler {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "chasquid_queue_length",
			Help: "Number of messages currently in the outgoing queue.",
		},
		func() float64 {
			return float64(s.Queue().Len())
		}))

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
