// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the UDP transport that drives an LWM2M endpoint.
//
// # Overview
//
// The endpoint handle is single threaded. The transport owns the socket and
// one worker goroutine through which every call into the endpoint is
// serialized:
//
//	┌─────────┐         ┌───────────┐         ┌──────────┐
//	│ Server  │ ←─UDP─→ │ Read loop │ ──job─→ │  Worker  │
//	└─────────┘         └───────────┘         └──────────┘
//	     ↑                                         │
//	     │                                         ↓
//	     │                                   ┌──────────┐
//	     └────────── Transmit ────────────── │ Endpoint │
//	                                         └──────────┘
//
// # Worker
//
// The worker runs, in order of arrival:
//
//   - ProcessPacket for each received datagram
//   - Exec on every ExecInterval tick
//   - functions queued by Do, used by the application to register, update
//     and query the endpoint
//
// When the queue is full, received datagrams are dropped and logged.
//
// # Transmit
//
// Transmit returns the coap.TransmitFunc to configure the endpoint with.
// Host name addresses are resolved once and cached. With a breaker
// configured, a failing socket stops being written to until the breaker's
// reset timeout elapses.
//
// # Example
//
//	tr, _ := udp.New(udp.Config{Address: ":0"})
//	ep, _ := nsdl.New(nsdl.Config{Transmit: tr.Transmit()})
//	tr.Bind(ep)
//	go tr.Listen(ctx)
//
//	err := tr.Do(ctx, func() {
//		_, err = ep.Register(info)
//	})
package udp
