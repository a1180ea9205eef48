// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap wraps the go-coap message codec into the engine consumed by the
// endpoint: datagram parsing and serialization, confirmable retransmission and
// duplicate detection.
//
// # Message
//
// Message is a flat view of a CoAP message holding only the options the
// endpoint reads or writes (Uri-Path, Uri-Query, Location-Path, Proxy-Uri,
// Content-Format, Max-Age and the Block1 number). Paths are stored without
// leading or trailing slashes.
//
// # Engine
//
// The Engine never touches a socket. Serialized datagrams are handed to a
// TransmitFunc and incoming datagrams are fed to Parse:
//
//	eng, _ := coap.NewEngine(coap.Config{}, transmit)
//	msg, err := eng.Parse(data, from)
//	if errors.Is(err, coap.ErrDuplicate) {
//		return nil // cached response already resent
//	}
//
// Exec must be called periodically so overdue confirmable messages are resent
// with exponential backoff. Blockwise transfer is not performed; payloads
// larger than the block size are rejected with ErrMessageTooLarge.
package coap
