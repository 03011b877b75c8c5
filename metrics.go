// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evhttp

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gogama/evhttp/dial"
)

// A MetricsCollector provides Prometheus metrics for the engine's
// connection lifecycle. Install one in a Client to collect them; a nil
// collector collects nothing.
type MetricsCollector struct {
	connectionsTotal    *prometheus.CounterVec
	connectionsInFlight prometheus.Gauge
	connectionDuration  *prometheus.HistogramVec
	errorsTotal         *prometheus.CounterVec
}

// NewMetricsCollector creates a metrics collector registered on the
// default Prometheus registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a metrics collector
// registered on the supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		connectionsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "evhttp_connections_total",
				Help: "Total number of connections started by the engine",
			},
			[]string{"host"},
		),
		connectionsInFlight: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "evhttp_connections_in_flight",
				Help: "Number of connections currently in the engine's table",
			},
		),
		connectionDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evhttp_connection_duration_seconds",
				Help:    "Duration of finished connections in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"host"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "evhttp_errors_total",
				Help: "Total number of connections finished via the error path",
			},
			[]string{"host", "reason"},
		),
	}
}

func (m *MetricsCollector) connStarted(tx Transaction) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(txHost(tx)).Inc()
	m.connectionsInFlight.Inc()
}

func (m *MetricsCollector) connFinished(tx Transaction, d time.Duration) {
	if m == nil {
		return
	}
	m.connectionsInFlight.Dec()
	m.connectionDuration.WithLabelValues(txHost(tx)).Observe(d.Seconds())
}

func (m *MetricsCollector) connFailed(tx Transaction, err error) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(txHost(tx), errorReason(err)).Inc()
}

func txHost(tx Transaction) string {
	if u := tx.RequestURL(); u != nil {
		return u.Hostname()
	}
	return ""
}

// errorReason folds the engine's error taxonomy into a low-cardinality
// label.
func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrInactivityTimeout):
		return "inactivity_timeout"
	case errors.Is(err, ErrRequestTimeout):
		return "request_timeout"
	case errors.Is(err, dial.ErrTimeout):
		return "connect_timeout"
	default:
		return "transport"
	}
}
