// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package nsdl implements the LWM2M endpoint handle: registration with a
// resource directory, OMA bootstrap and dispatch of incoming requests to the
// resource store.
//
// A Client never blocks and holds no locks. The embedder feeds it datagrams
// through ProcessPacket, calls Exec periodically and serializes every call:
//
//	c, _ := nsdl.New(nsdl.Config{Transmit: transmit})
//	c.SetServerAddress(server)
//	id, err := c.Register(nsdl.EndpointInfo{Name: "node-1", Lifetime: 3600})
//
// Each confirmable register, update, unregister and bootstrap request is
// tracked until its response arrives or its retransmissions are exhausted.
// The endpoint is Registered only after the directory answers the tracked
// register request with 2.01 Created.
package nsdl
