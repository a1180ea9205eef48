// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nsdl

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/mendpoint/pkg/addr"
	"github.com/absmach/mendpoint/pkg/coap"
	"github.com/absmach/mendpoint/pkg/handler"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// kind indexes the pending message table.
type kind uint8

const (
	kindRegister kind = iota
	kindUnregister
	kindUpdate
	kindBootstrap
	numKinds
)

func (k kind) String() string {
	switch k {
	case kindRegister:
		return "register"
	case kindUnregister:
		return "unregister"
	case kindUpdate:
		return "update"
	case kindBootstrap:
		return "bootstrap"
	default:
		return "unknown"
	}
}

// pendingMsg is an outstanding confirmable request of one kind.
type pendingMsg struct {
	set    bool
	id     uint16
	token  message.Token
	length int

	// expires is armed once the engine stops retransmitting the request.
	expires time.Time
}

func (c *Client) track(k kind, msg *coap.Message, length int) {
	c.pending[k] = pendingMsg{
		set:    true,
		id:     msg.MessageID,
		token:  msg.Token,
		length: length,
	}
	c.metrics.RegistrationEvent(k.String(), "sent")
	c.updateStateMetric()
}

func (c *Client) clear(k kind) {
	c.pending[k] = pendingMsg{}
	c.updateStateMetric()
}

// match finds the pending request msg answers. A piggybacked response
// matches on message id, adjusted for preceding blocks; a separate response
// matches on token.
func (c *Client) match(msg *coap.Message) (kind, bool) {
	id := msg.CorrelationID()
	for k := kindRegister; k < numKinds; k++ {
		p := c.pending[k]
		if !p.set {
			continue
		}
		if msg.Type == message.Acknowledgement || msg.Type == message.Reset {
			if p.id == id {
				return k, true
			}
			continue
		}
		if len(p.token) > 0 && bytes.Equal(p.token, msg.Token) {
			return k, true
		}
	}
	return 0, false
}

func (c *Client) handleResponse(ctx context.Context, hctx *handler.Context, msg *coap.Message) error {
	if msg.Type == message.Confirmable {
		ack := &coap.Message{Type: message.Acknowledgement, Code: codes.Empty, MessageID: msg.MessageID}
		if err := c.SendMessage(ack, hctx.RemoteAddr); err != nil {
			c.logger.Warn("failed to acknowledge separate response",
				slog.String("exchange", hctx.ExchangeID),
				slog.String("error", err.Error()))
		}
	}

	k, ok := c.match(msg)
	if ok {
		c.resolve(k, msg)
	}

	err := c.forward(ctx, hctx, msg)

	// Cleared after forwarding so a later message reusing the id cannot match.
	if ok {
		c.clear(k)
	}
	return err
}

func (c *Client) resolve(k kind, msg *coap.Message) {
	c.metrics.RegistrationEvent(k.String(), msg.Code.String())

	switch k {
	case kindRegister:
		if msg.Code != codes.Created {
			c.logger.Warn("registration rejected", slog.String("code", msg.Code.String()))
			return
		}
		c.registered = true
		c.store.MarkRegistered()
		c.applyLocation(msg.LocationPath)
		c.logger.Info("registered",
			slog.String("endpoint", c.endpoint.name),
			slog.String("location", c.endpoint.location))

	case kindUpdate:
		if msg.Code == codes.Changed {
			c.store.MarkRegistered()
		}

	case kindUnregister:
		if msg.Code == codes.Deleted {
			c.endpoint.name = ""
			c.endpoint.domain = ""
			c.endpoint.location = ""
			c.logger.Info("unregistered")
		}

	case kindBootstrap:
		if msg.Code != codes.Changed && msg.Code != codes.Created {
			c.logger.Warn("bootstrap request rejected", slog.String("code", msg.Code.String()))
		}
	}
}

// applyLocation stores the Location-Path of a registration. With three or
// more segments the second names the domain and the third the endpoint.
func (c *Client) applyLocation(location string) {
	location = coap.TrimPath(location)
	if location == "" {
		return
	}
	c.endpoint.location = location

	segs := strings.Split(location, "/")
	if len(segs) >= 3 {
		c.endpoint.domain = segs[1]
		c.endpoint.name = segs[2]
	}
}

func (c *Client) handleReset(ctx context.Context, hctx *handler.Context, msg *coap.Message) error {
	k, ok := c.match(msg)
	if ok {
		c.logger.Warn("request reset by peer", slog.String("kind", k.String()))
		c.metrics.RegistrationEvent(k.String(), "reset")
	}
	err := c.forward(ctx, hctx, msg)
	if ok {
		c.clear(k)
	}
	return err
}

// timeout clears the pending entry of a request that was never acknowledged.
func (c *Client) timeout(id uint16, to addr.Address) {
	for k := kindRegister; k < numKinds; k++ {
		if c.pending[k].set && c.pending[k].id == id {
			c.logger.Warn("request timed out",
				slog.String("kind", k.String()),
				slog.Int("message_id", int(id)),
				slog.String("to", to.String()))
			c.metrics.Timeout(k.String())
			c.clear(k)
			return
		}
	}
}

// expire clears pending entries the engine no longer retransmits, such as a
// request acknowledged empty whose separate response never came, once
// coap.ExchangeLifetime has passed.
func (c *Client) expire(now time.Time) {
	for k := kindRegister; k < numKinds; k++ {
		p := &c.pending[k]
		if !p.set || c.engine.Retained(p.id) {
			continue
		}
		if p.expires.IsZero() {
			p.expires = now.Add(coap.ExchangeLifetime)
			continue
		}
		if now.Before(p.expires) {
			continue
		}
		c.logger.Warn("response never arrived",
			slog.String("kind", k.String()),
			slog.Int("message_id", int(p.id)))
		c.metrics.Timeout(k.String())
		c.clear(k)
	}
}
