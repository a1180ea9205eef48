// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"

	"github.com/absmach/mendpoint/pkg/addr"
	"github.com/absmach/mendpoint/pkg/coap"
)

// Context carries the metadata of one processed datagram.
type Context struct {
	// ExchangeID is a unique identifier for this datagram, used to correlate logs
	ExchangeID string

	// RemoteAddr is the address the datagram came from
	RemoteAddr addr.Address

	// Protocol tags the transport the datagram arrived on
	Protocol coap.Protocol

	// Value is the application context attached to the endpoint
	Value any
}

// Handler receives the traffic the endpoint does not answer itself.
//
// Receive is called for every response, reset and empty message, and for
// bootstrap server requests when the application handles bootstrap on its
// own. UnmatchedRequest is called for a POST to a path with no resource.
//
// Errors are logged by the endpoint and do not change its state.
type Handler interface {
	// Receive is handed a parsed message after the endpoint correlated it.
	Receive(ctx context.Context, hctx *Context, msg *coap.Message) error

	// UnmatchedRequest is handed a POST whose path matches no resource.
	// No response is sent on its behalf.
	UnmatchedRequest(ctx context.Context, hctx *Context, msg *coap.Message) error
}

// NoopHandler is a Handler implementation that ignores everything.
// Useful for testing or when the application needs no callbacks.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) Receive(ctx context.Context, hctx *Context, msg *coap.Message) error {
	return nil
}

func (h *NoopHandler) UnmatchedRequest(ctx context.Context, hctx *Context, msg *coap.Message) error {
	return nil
}
