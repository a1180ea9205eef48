// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nsdl

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/absmach/mendpoint/pkg/coap"
	nerrors "github.com/absmach/mendpoint/pkg/errors"
	"github.com/absmach/mendpoint/pkg/linkformat"
	"github.com/absmach/mendpoint/pkg/resource"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// DirectoryPath is the resource directory the endpoint registers with.
const DirectoryPath = "rd"

// Binding is the set of LWM2M binding and queue mode flags.
type Binding uint8

const (
	BindingU Binding = 1 << iota
	BindingQ
	BindingS
)

// String returns the b= query value: U, UQ, S, SQ, US or UQS.
func (b Binding) String() string {
	var sb strings.Builder
	if b&BindingU != 0 {
		sb.WriteByte('U')
		if b&BindingQ != 0 {
			sb.WriteByte('Q')
		}
	}
	if b&BindingS != 0 {
		sb.WriteByte('S')
		if b&BindingQ != 0 && b&BindingU == 0 {
			sb.WriteByte('Q')
		}
	}
	return sb.String()
}

// ParseBinding parses a b= query value. The empty string is no binding.
func ParseBinding(s string) (Binding, error) {
	var b Binding
	for i := 0; i < len(s); i++ {
		var flag Binding
		switch s[i] {
		case 'U':
			flag = BindingU
		case 'Q':
			flag = BindingQ
		case 'S':
			flag = BindingS
		default:
			return 0, fmt.Errorf("binding %q: %w", s, nerrors.ErrInvalidArgument)
		}
		if b&flag != 0 {
			return 0, fmt.Errorf("binding %q: %w", s, nerrors.ErrInvalidArgument)
		}
		b |= flag
	}
	if b == BindingQ {
		return 0, fmt.Errorf("binding %q: %w", s, nerrors.ErrInvalidArgument)
	}
	return b, nil
}

// RegistrationMode selects whether the registration carries the resource list.
type RegistrationMode uint8

const (
	RegisterWithResources RegistrationMode = iota
	RegisterWithoutResources
)

// EndpointInfo describes the endpoint to the directory. Empty fields are
// left out of the registration query.
type EndpointInfo struct {
	Name     string
	Domain   string
	Type     string
	Lifetime uint32
	Binding  Binding
	Mode     RegistrationMode
}

func (info EndpointInfo) validate() error {
	for _, f := range []string{info.Name, info.Domain, info.Type} {
		if strings.ContainsRune(f, '&') {
			return nerrors.New("register", f, nerrors.ErrInvalidArgument)
		}
	}
	return nil
}

func (info EndpointInfo) queries() []string {
	var q []string
	if info.Name != "" {
		q = append(q, "ep="+info.Name)
	}
	if info.Type != "" {
		q = append(q, "et="+info.Type)
	}
	if info.Lifetime != 0 {
		q = append(q, "lt="+strconv.FormatUint(uint64(info.Lifetime), 10))
	}
	if info.Domain != "" {
		q = append(q, "d="+info.Domain)
	}
	if b := info.Binding.String(); b != "" {
		q = append(q, "b="+b)
	}
	return q
}

// Register sends a confirmable registration to the server address and
// returns its message id. The endpoint identity is committed only once the
// request is handed to the transport.
func (c *Client) Register(info EndpointInfo) (uint16, error) {
	if err := info.validate(); err != nil {
		return 0, err
	}
	if c.server.IsZero() {
		return 0, nerrors.New("register", "", nerrors.ErrNotConfigured)
	}

	req, err := c.newRequest(codes.POST, DirectoryPath)
	if err != nil {
		return 0, err
	}
	req.Queries = info.queries()

	if info.Mode == RegisterWithResources {
		body, err := linkformat.Build(c.store, linkformat.Register, c.alloc)
		if err != nil {
			return 0, nerrors.New("register", "", err)
		}
		defer c.alloc.Free(body)
		if len(body) > 0 {
			req.SetContentFormat(message.AppLinkFormat)
			req.Payload = body
		}
	}

	n, err := c.send(req, c.server)
	if err != nil {
		c.revert(resource.Registered)
		return 0, nerrors.New("register", "", err)
	}

	if info.Name != c.endpoint.name || info.Domain != c.endpoint.domain {
		c.endpoint.location = ""
	}
	c.endpoint.name = info.Name
	c.endpoint.domain = info.Domain
	c.endpoint.typ = info.Type
	c.endpoint.lifetime = info.Lifetime
	c.endpoint.binding = info.Binding
	c.endpoint.mode = info.Mode
	c.registered = false
	c.track(kindRegister, req, n)

	c.logger.Info("registration sent",
		slog.String("endpoint", info.Name),
		slog.String("server", c.server.String()),
		slog.Int("message_id", int(req.MessageID)))
	return req.MessageID, nil
}

// Unregister deletes the registration. It returns 0 without sending when the
// endpoint is not registered.
func (c *Client) Unregister() (uint16, error) {
	if !c.registered {
		return 0, nil
	}

	req, err := c.newRequest(codes.DELETE, c.registrationPath())
	if err != nil {
		return 0, err
	}
	n, err := c.send(req, c.server)
	if err != nil {
		return 0, nerrors.New("unregister", req.Path, err)
	}

	c.registered = false
	c.track(kindUnregister, req, n)

	c.logger.Info("deregistration sent",
		slog.String("location", req.Path),
		slog.Int("message_id", int(req.MessageID)))
	return req.MessageID, nil
}

// UpdateRegistration refreshes the registration, optionally with a new
// lifetime, and announces resources added since the last registration.
func (c *Client) UpdateRegistration(lifetime uint32) (uint16, error) {
	if !c.registered {
		return 0, nerrors.New("update registration", "", nerrors.ErrNotRegistered)
	}

	req, err := c.newRequest(codes.POST, c.registrationPath())
	if err != nil {
		return 0, err
	}
	if lifetime != 0 {
		req.Queries = []string{"lt=" + strconv.FormatUint(uint64(lifetime), 10)}
	}

	if c.endpoint.mode == RegisterWithResources {
		body, err := linkformat.Build(c.store, linkformat.Update, c.alloc)
		if err != nil {
			return 0, nerrors.New("update registration", req.Path, err)
		}
		defer c.alloc.Free(body)
		if len(body) > 0 {
			req.SetContentFormat(message.AppLinkFormat)
			req.Payload = body
		}
	}

	n, err := c.send(req, c.server)
	if err != nil {
		c.revert(resource.Registering)
		return 0, nerrors.New("update registration", req.Path, err)
	}

	if lifetime != 0 {
		c.endpoint.lifetime = lifetime
	}
	c.track(kindUpdate, req, n)

	c.logger.Debug("registration update sent",
		slog.String("location", req.Path),
		slog.Int("message_id", int(req.MessageID)))
	return req.MessageID, nil
}

// registrationPath is the server-assigned location, or rd/<domain>/<name>
// with empty segments left out.
func (c *Client) registrationPath() string {
	if c.endpoint.location != "" {
		return c.endpoint.location
	}
	segs := []string{DirectoryPath}
	for _, s := range []string{c.endpoint.domain, c.endpoint.name} {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return strings.Join(segs, "/")
}

func (c *Client) newRequest(code codes.Code, path string) (*coap.Message, error) {
	token, err := c.engine.NewToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	return &coap.Message{
		Type:      message.Confirmable,
		Code:      code,
		MessageID: c.engine.NextMessageID(),
		Token:     token,
		Path:      path,
	}, nil
}

// revert returns resources left in state by a failed build-and-send to
// NotRegistered so the next registration lists them again.
func (c *Client) revert(state resource.RegState) {
	for _, res := range c.store.All() {
		if res.Registered == state {
			res.Registered = resource.NotRegistered
		}
	}
}
