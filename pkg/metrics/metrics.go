// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the endpoint. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Message metrics
	MessagesTotal   *prometheus.CounterVec
	MessageSize     *prometheus.HistogramVec
	DuplicatesTotal prometheus.Counter
	ParseErrors     prometheus.Counter
	ProcessDuration *prometheus.HistogramVec
	TransmitErrors  prometheus.Counter
	TimeoutsTotal   *prometheus.CounterVec

	// Registration metrics
	RegistrationState  prometheus.Gauge
	RegistrationEvents *prometheus.CounterVec
	BootstrapDone      prometheus.Gauge

	// Resource metrics
	Resources prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests *prometheus.CounterVec
}

// New creates the endpoint metrics and registers them with reg. A nil reg
// leaves the metrics unregistered.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mendpoint"
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_messages_total",
				Help:      "Total number of CoAP messages",
			},
			[]string{"direction", "type", "code"},
		),
		MessageSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "coap_message_size_bytes",
				Help:      "CoAP datagram size in bytes",
				Buckets:   []float64{16, 32, 64, 128, 256, 512, 1024, 2048},
			},
			[]string{"direction"},
		),
		DuplicatesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_duplicates_total",
				Help:      "Total number of duplicate CoAP messages dropped",
			},
		),
		ParseErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_parse_errors_total",
				Help:      "Total number of datagrams that failed to parse",
			},
		),
		ProcessDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "process_duration_seconds",
				Help:      "Datagram processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		TransmitErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transmit_errors_total",
				Help:      "Total number of datagrams the transport rejected",
			},
		),
		TimeoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_timeouts_total",
				Help:      "Total number of confirmable messages that exhausted retransmissions",
			},
			[]string{"kind"},
		),
		RegistrationState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registration_state",
				Help:      "Registration state (0=unregistered, 1=registering, 2=registered)",
			},
		),
		RegistrationEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registration_events_total",
				Help:      "Total number of registration requests and their outcomes",
			},
			[]string{"kind", "event"},
		),
		BootstrapDone: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bootstrap_done",
				Help:      "Whether bootstrap has completed (0 or 1)",
			},
		),
		Resources: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources",
				Help:      "Number of resources in the store",
			},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"name"},
		),
		RateLimitedRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_datagrams_total",
				Help:      "Total number of datagrams dropped by the rate limiter",
			},
			[]string{"protocol"},
		),
	}
}

// ObserveMessage counts one CoAP message.
func (m *Metrics) ObserveMessage(direction, msgType, code string, size int) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction, msgType, code).Inc()
	m.MessageSize.WithLabelValues(direction).Observe(float64(size))
}

// ObserveProcess tracks one datagram processing call.
func (m *Metrics) ObserveProcess(f func() error) error {
	if m == nil {
		return f()
	}
	start := time.Now()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ProcessDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	return err
}

// Duplicate counts a dropped duplicate.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.DuplicatesTotal.Inc()
}

// ParseError counts an undecodable datagram.
func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// TransmitError counts a rejected send.
func (m *Metrics) TransmitError() {
	if m == nil {
		return
	}
	m.TransmitErrors.Inc()
}

// Timeout counts a confirmable message that was never acknowledged.
func (m *Metrics) Timeout(kind string) {
	if m == nil {
		return
	}
	m.TimeoutsTotal.WithLabelValues(kind).Inc()
}

// SetRegistrationState records the registration state.
func (m *Metrics) SetRegistrationState(state int) {
	if m == nil {
		return
	}
	m.RegistrationState.Set(float64(state))
}

// RegistrationEvent counts a registration request or outcome.
func (m *Metrics) RegistrationEvent(kind, event string) {
	if m == nil {
		return
	}
	m.RegistrationEvents.WithLabelValues(kind, event).Inc()
}

// SetBootstrapDone records bootstrap completion.
func (m *Metrics) SetBootstrapDone(done bool) {
	if m == nil {
		return
	}
	v := 0.0
	if done {
		v = 1
	}
	m.BootstrapDone.Set(v)
}

// SetResources records the store size.
func (m *Metrics) SetResources(n int) {
	if m == nil {
		return
	}
	m.Resources.Set(float64(n))
}

// SetCircuitBreakerState records a breaker state transition.
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	if state == 2 {
		m.CircuitBreakerTrips.WithLabelValues(name).Inc()
	}
}

// RateLimited counts a dropped datagram.
func (m *Metrics) RateLimited(protocol string) {
	if m == nil {
		return
	}
	m.RateLimitedRequests.WithLabelValues(protocol).Inc()
}
