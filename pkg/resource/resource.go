// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resource holds the endpoint's resource tree in a go-memdb store.
package resource

import (
	"context"

	"github.com/absmach/mendpoint/pkg/addr"
	"github.com/absmach/mendpoint/pkg/coap"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Mode tells how a resource answers requests.
type Mode uint8

const (
	// Static resources answer from their stored value.
	Static Mode = iota
	// Dynamic resources answer through their Handler.
	Dynamic
)

func (m Mode) String() string {
	if m == Dynamic {
		return "dynamic"
	}
	return "static"
}

// Access is the set of methods a resource accepts.
type Access uint8

const (
	AccessGET Access = 1 << iota
	AccessPUT
	AccessPOST
	AccessDELETE

	AccessAll = AccessGET | AccessPUT | AccessPOST | AccessDELETE
)

// Allows reports whether the request method is in the set.
func (a Access) Allows(code codes.Code) bool {
	switch code {
	case codes.GET:
		return a&AccessGET != 0
	case codes.PUT:
		return a&AccessPUT != 0
	case codes.POST:
		return a&AccessPOST != 0
	case codes.DELETE:
		return a&AccessDELETE != 0
	default:
		return false
	}
}

// RegState tracks whether a resource has been announced to the directory.
type RegState uint8

const (
	NotRegistered RegState = iota
	Registering
	Registered
)

func (s RegState) String() string {
	switch s {
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	default:
		return "not_registered"
	}
}

// Handler answers requests addressed to a dynamic resource. A nil response
// means the handler sends nothing itself through the endpoint.
type Handler interface {
	HandleRequest(ctx context.Context, req *coap.Message, from addr.Address, proto coap.Protocol) (*coap.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *coap.Message, from addr.Address, proto coap.Protocol) (*coap.Message, error)

func (f HandlerFunc) HandleRequest(ctx context.Context, req *coap.Message, from addr.Address, proto coap.Protocol) (*coap.Message, error) {
	return f(ctx, req, from, proto)
}

// Resource is one addressable path of the endpoint.
type Resource struct {
	// Path has no leading or trailing slash.
	Path string

	Mode    Mode
	Value   []byte
	Handler Handler
	Access  Access

	// ContentType is the CoAP content-format; 0 is treated as unset.
	ContentType uint16
	Observable  bool

	// Publish includes the resource in the registration body.
	Publish bool

	ResourceType string
	Interface    string

	Registered RegState

	external bool
}

// External reports whether the caller owns the value buffer.
func (r *Resource) External() bool {
	return r.external
}
