// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lwm2m holds the parsers used on the LWM2M bootstrap interface:
// decimal and hex integers, server URIs and TLV records.
//
// ParseServerURI classifies the authority of a URI as a bracketed IPv6
// literal, a dotted IPv4 quad or a host name:
//
//	a, _ := lwm2m.ParseServerURI("coap://1.2.3.4:66")    // IPv4 1.2.3.4, port 66
//	a, _ = lwm2m.ParseServerURI("coap://s.t.u.v:6")      // host name "s.t.u.v", port 6
//	a, _ = lwm2m.ParseServerURI("coaps://[fe80::1]/")    // IPv6, port 5683
//
// DecodeTLV splits a bootstrap payload into top-level records. Only
// ResourceWithValue records are interpreted by the endpoint; object instance
// records are skipped whole.
package lwm2m
