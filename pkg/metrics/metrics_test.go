// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.ObserveMessage("in", "CON", "POST", 42)
	m.Duplicate()
	m.SetRegistrationState(2)
	m.RegistrationEvent("register", "sent")
	m.SetCircuitBreakerState("transmit", 2)
	require.NoError(t, m.ObserveProcess(func() error { return nil }))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"test_coap_messages_total",
		"test_coap_message_size_bytes",
		"test_coap_duplicates_total",
		"test_registration_state",
		"test_registration_events_total",
		"test_circuit_breaker_state",
		"test_circuit_breaker_trips_total",
		"test_process_duration_seconds",
	} {
		assert.True(t, names[want], want)
	}
}

func TestNewWithoutRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		New("", nil)
		New("", nil)
	})
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	expectedErr := errors.New("failed")

	assert.NotPanics(t, func() {
		m.ObserveMessage("out", "ACK", "2.05", 10)
		m.Duplicate()
		m.ParseError()
		m.TransmitError()
		m.Timeout("register")
		m.SetRegistrationState(1)
		m.RegistrationEvent("update", "changed")
		m.SetBootstrapDone(true)
		m.SetResources(3)
		m.SetCircuitBreakerState("transmit", 0)
		m.RateLimited("coap")
	})
	assert.ErrorIs(t, m.ObserveProcess(func() error { return expectedErr }), expectedErr)
}
