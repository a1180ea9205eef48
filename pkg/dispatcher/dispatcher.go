// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher answers incoming CoAP requests from the resource store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/mendpoint/pkg/addr"
	"github.com/absmach/mendpoint/pkg/alloc"
	"github.com/absmach/mendpoint/pkg/coap"
	nerrors "github.com/absmach/mendpoint/pkg/errors"
	"github.com/absmach/mendpoint/pkg/handler"
	"github.com/absmach/mendpoint/pkg/linkformat"
	"github.com/absmach/mendpoint/pkg/resource"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// WellKnownCore is the resource discovery path.
const WellKnownCore = ".well-known/core"

// Sender transmits a response.
type Sender interface {
	SendMessage(msg *coap.Message, to addr.Address) error
}

// Dispatcher routes requests to resources and sends the responses.
type Dispatcher struct {
	store   *resource.Store
	alloc   alloc.Allocator
	sender  Sender
	handler handler.Handler
	logger  *slog.Logger
}

// New creates a dispatcher over store. Discovery bodies are allocated from a.
func New(store *resource.Store, a alloc.Allocator, sender Sender, h handler.Handler, logger *slog.Logger) *Dispatcher {
	if a == nil {
		a = alloc.Heap{}
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		alloc:   a,
		sender:  sender,
		handler: h,
		logger:  logger,
	}
}

// Dispatch answers req. Every request gets exactly one response except a
// POST to an unknown path, which goes to the handler, and a dynamic resource
// whose handler returns no response.
func (d *Dispatcher) Dispatch(ctx context.Context, hctx *handler.Context, req *coap.Message) error {
	if req.ProxyURI != "" {
		return d.respond(hctx, req, codes.ProxyingNotSupported)
	}

	if req.Path == WellKnownCore && isMethod(req.Code) {
		return d.discover(hctx, req)
	}

	res, err := d.store.Search(req.Path, resource.Exact)
	switch {
	case errors.Is(err, nerrors.ErrNotFound), errors.Is(err, nerrors.ErrInvalidPath):
		if req.Code == codes.POST {
			return d.handler.UnmatchedRequest(ctx, hctx, req)
		}
		return d.respond(hctx, req, codes.NotFound)
	case err != nil:
		return err
	}

	if !isMethod(req.Code) {
		return d.respond(hctx, req, codes.MethodNotAllowed)
	}

	if res.Mode == resource.Dynamic {
		return d.dynamic(ctx, hctx, req, res)
	}
	return d.static(hctx, req, res)
}

func (d *Dispatcher) discover(hctx *handler.Context, req *coap.Message) error {
	body, err := linkformat.Build(d.store, linkformat.Discovery, d.alloc)
	if err != nil {
		d.logger.Warn("failed to build discovery body",
			slog.String("exchange", hctx.ExchangeID),
			slog.String("error", err.Error()))
		return d.respond(hctx, req, codes.InternalServerError)
	}
	defer d.alloc.Free(body)

	resp := coap.NewResponse(req, codes.Content)
	resp.SetContentFormat(message.AppLinkFormat)
	resp.Payload = body
	return d.reply(hctx, req, resp)
}

func (d *Dispatcher) dynamic(ctx context.Context, hctx *handler.Context, req *coap.Message, res *resource.Resource) error {
	if !res.Access.Allows(req.Code) {
		return d.respond(hctx, req, codes.MethodNotAllowed)
	}
	if res.Handler == nil {
		return nil
	}

	out, err := res.Handler.HandleRequest(ctx, req, hctx.RemoteAddr, hctx.Protocol)
	if err != nil {
		d.logger.Warn("resource handler failed",
			slog.String("exchange", hctx.ExchangeID),
			slog.String("path", res.Path),
			slog.String("error", err.Error()))
		return d.respond(hctx, req, codes.InternalServerError)
	}
	if out == nil {
		return nil
	}

	hdr := coap.NewResponse(req, out.Code)
	out.Type, out.MessageID, out.Token = hdr.Type, hdr.MessageID, hdr.Token
	return d.reply(hctx, req, out)
}

func (d *Dispatcher) static(hctx *handler.Context, req *coap.Message, res *resource.Resource) error {
	if !res.Access.Allows(req.Code) {
		return d.respond(hctx, req, codes.MethodNotAllowed)
	}

	switch req.Code {
	case codes.GET:
		resp := coap.NewResponse(req, codes.Content)
		if res.ContentType != 0 {
			resp.SetContentFormat(message.MediaType(res.ContentType))
		}
		resp.SetMaxAge(0)
		resp.Payload = res.Value
		return d.reply(hctx, req, resp)

	case codes.PUT, codes.POST:
		if err := d.store.SetValue(res.Path, req.Payload); err != nil {
			d.logger.Warn("failed to store resource value",
				slog.String("exchange", hctx.ExchangeID),
				slog.String("path", res.Path),
				slog.String("error", err.Error()))
			return d.respond(hctx, req, codes.InternalServerError)
		}
		if req.HasContentFormat {
			res.ContentType = uint16(req.ContentFormat)
		}
		return d.respond(hctx, req, codes.Changed)

	case codes.DELETE:
		if err := d.store.Delete(res.Path); err != nil {
			d.logger.Error("failed to delete resource",
				slog.String("exchange", hctx.ExchangeID),
				slog.String("path", res.Path),
				slog.String("error", err.Error()))
			return d.respond(hctx, req, codes.InternalServerError)
		}
		return d.respond(hctx, req, codes.Deleted)
	}

	return fmt.Errorf("unhandled method %s", req.Code)
}

// reply sends resp, falling back to a bare InternalServerError when its
// payload does not fit a single message.
func (d *Dispatcher) reply(hctx *handler.Context, req, resp *coap.Message) error {
	err := d.sender.SendMessage(resp, hctx.RemoteAddr)
	if !errors.Is(err, coap.ErrMessageTooLarge) {
		return err
	}
	d.logger.Warn("response too large",
		slog.String("exchange", hctx.ExchangeID),
		slog.String("path", req.Path),
		slog.Int("payload_size", len(resp.Payload)))
	return d.respond(hctx, req, codes.InternalServerError)
}

func (d *Dispatcher) respond(hctx *handler.Context, req *coap.Message, code codes.Code) error {
	return d.sender.SendMessage(coap.NewResponse(req, code), hctx.RemoteAddr)
}

func isMethod(code codes.Code) bool {
	switch code {
	case codes.GET, codes.PUT, codes.POST, codes.DELETE:
		return true
	default:
		return false
	}
}
