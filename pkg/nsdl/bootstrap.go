// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nsdl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/absmach/mendpoint/pkg/addr"
	"github.com/absmach/mendpoint/pkg/coap"
	nerrors "github.com/absmach/mendpoint/pkg/errors"
	"github.com/absmach/mendpoint/pkg/handler"
	"github.com/absmach/mendpoint/pkg/lwm2m"
	"github.com/absmach/mendpoint/pkg/resource"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// BootstrapPath is the bootstrap server's request path.
const BootstrapPath = "bs"

// ServerInfo is the LWM2M server configuration delivered by bootstrap.
type ServerInfo struct {
	Address addr.Address
	Mode    lwm2m.Mode
}

// BootstrapInfo holds the bootstrap callbacks and the device error code.
type BootstrapInfo struct {
	// Done is called once when the server address and security mode are
	// known.
	Done func(ServerInfo)

	// OnReboot is called on a POST to the device reboot resource.
	OnReboot func()

	ErrorCode int
}

type bootstrapState struct {
	address addr.Address
	info    *BootstrapInfo
	mode    lwm2m.Mode
	done    bool
}

// OMABootstrap creates the device object resources and requests bootstrap
// from the server at bsAddr. Until bootstrap completes, requests from bsAddr
// are interpreted as security object writes.
func (c *Client) OMABootstrap(bsAddr addr.Address, info EndpointInfo, bsInfo *BootstrapInfo) (uint16, error) {
	if info.Name == "" {
		return 0, nerrors.New("bootstrap", "", nerrors.ErrInvalidArgument)
	}
	if err := info.validate(); err != nil {
		return 0, err
	}
	if bsAddr.IsZero() {
		return 0, nerrors.New("bootstrap", "", nerrors.ErrNotConfigured)
	}
	if bsInfo == nil {
		bsInfo = &BootstrapInfo{}
	}

	if err := c.createDeviceObject(info, bsInfo); err != nil {
		return 0, err
	}

	c.bootstrap = bootstrapState{
		address: bsAddr.Clone(),
		info:    bsInfo,
	}
	c.server = addr.Address{}
	c.metrics.SetBootstrapDone(false)

	req, err := c.newRequest(codes.POST, BootstrapPath)
	if err != nil {
		return 0, err
	}
	req.Queries = []string{"ep=" + info.Name}

	n, err := c.send(req, c.bootstrap.address)
	if err != nil {
		return 0, nerrors.New("bootstrap", BootstrapPath, err)
	}
	c.track(kindBootstrap, req, n)

	c.logger.Info("bootstrap requested",
		slog.String("endpoint", info.Name),
		slog.String("bootstrap_server", bsAddr.String()),
		slog.Int("message_id", int(req.MessageID)))
	return req.MessageID, nil
}

// createDeviceObject creates the error code, supported binding and reboot
// resources. Resources that already exist are kept.
func (c *Client) createDeviceObject(info EndpointInfo, bsInfo *BootstrapInfo) error {
	i := 0
	for {
		if _, err := c.store.Search(fmt.Sprintf("%s/%d", lwm2m.DeviceErrorCode, i), resource.Exact); err != nil {
			break
		}
		i++
	}

	reboot := resource.HandlerFunc(func(context.Context, *coap.Message, addr.Address, coap.Protocol) (*coap.Message, error) {
		c.logger.Info("reboot requested")
		if bsInfo.OnReboot != nil {
			bsInfo.OnReboot()
		}
		return &coap.Message{Code: codes.Changed}, nil
	})

	binding := info.Binding.String()
	if binding == "" {
		binding = BindingU.String()
	}

	for _, r := range []*resource.Resource{
		{
			Path:   fmt.Sprintf("%s/%d", lwm2m.DeviceErrorCode, i),
			Mode:   resource.Static,
			Value:  []byte(strconv.Itoa(bsInfo.ErrorCode)),
			Access: resource.AccessGET,
		},
		{
			Path:   lwm2m.DeviceBindings,
			Mode:   resource.Static,
			Value:  []byte(binding),
			Access: resource.AccessGET,
		},
		{
			Path:    lwm2m.DeviceReboot,
			Mode:    resource.Dynamic,
			Handler: reboot,
			Access:  resource.AccessPOST,
		},
	} {
		if err := c.store.Create(r); err != nil && !errors.Is(err, nerrors.ErrAlreadyExists) {
			return nerrors.New("bootstrap", r.Path, err)
		}
	}
	c.updateResourceCount()
	return nil
}

func (c *Client) handleBootstrapRequest(ctx context.Context, hctx *handler.Context, req *coap.Message) error {
	if c.config.ForwardBootstrap {
		return c.forward(ctx, hctx, req)
	}

	var err error
	switch {
	case req.HasContentFormat && req.ContentFormat == lwm2m.ContentFormatTLV:
		code := codes.Created
		if aerr := c.applyTLV(req.Payload); aerr != nil {
			c.logger.Warn("rejected bootstrap TLV",
				slog.String("exchange", hctx.ExchangeID),
				slog.String("error", aerr.Error()))
			code = codes.NotAcceptable
		}
		err = c.SendMessage(coap.NewResponse(req, code), hctx.RemoteAddr)

	case req.HasContentFormat && req.ContentFormat == lwm2m.ContentFormatText:
		err = c.applyText(ctx, hctx, req)

	default:
		err = c.dispatcher.Dispatch(ctx, hctx, req)
	}

	c.checkBootstrapDone()
	return err
}

// applyTLV stores the security object resources of a TLV payload and parses
// the server URI and security mode out of them.
func (c *Client) applyTLV(payload []byte) error {
	records, err := lwm2m.DecodeTLV(payload)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Type != lwm2m.ResourceWithValue {
			continue
		}
		path, ok := lwm2m.SecurityPath(rec.ID)
		if !ok {
			continue
		}
		if err := c.storeSecurityValue(path, rec.Value); err != nil {
			return err
		}
		if err := c.applySecurityValue(strconv.Itoa(int(rec.ID)), rec.Value, false); err != nil {
			return err
		}
	}
	return nil
}

// applyText writes a plain text security resource through the dispatcher,
// creating it first if needed, and parses the server URI or mode from it.
func (c *Client) applyText(ctx context.Context, hctx *handler.Context, req *coap.Message) error {
	segment, isSecurity := securitySegment(req.Path)
	if isSecurity && (req.Code == codes.PUT || req.Code == codes.POST) {
		if _, err := c.store.Search(req.Path, resource.Exact); errors.Is(err, nerrors.ErrNotFound) {
			if err := c.store.Create(&resource.Resource{
				Path:   req.Path,
				Mode:   resource.Static,
				Access: resource.AccessPUT | resource.AccessPOST,
			}); err != nil {
				c.logger.Warn("failed to create security resource",
					slog.String("path", req.Path),
					slog.String("error", err.Error()))
			}
		}
	}

	if err := c.dispatcher.Dispatch(ctx, hctx, req); err != nil {
		return err
	}

	if !isSecurity || (segment != "0" && segment != "2") {
		return nil
	}
	if err := c.applySecurityValue(segment, req.Payload, true); err != nil {
		c.logger.Warn("invalid bootstrap value",
			slog.String("exchange", hctx.ExchangeID),
			slog.String("path", req.Path),
			slog.String("error", err.Error()))
	}
	return nil
}

func (c *Client) storeSecurityValue(path string, value []byte) error {
	err := c.store.SetValue(path, value)
	if !errors.Is(err, nerrors.ErrNotFound) {
		return err
	}
	return c.store.Create(&resource.Resource{
		Path:   path,
		Mode:   resource.Static,
		Value:  value,
		Access: resource.AccessGET | resource.AccessPUT | resource.AccessPOST,
	})
}

// applySecurityValue parses the server URI (resource 0) or the security mode
// (resource 2). A text mode is a decimal string, a TLV mode a big-endian
// integer.
func (c *Client) applySecurityValue(id string, value []byte, text bool) error {
	switch id {
	case "0":
		a, err := lwm2m.ParseServerURI(string(value))
		if err != nil {
			return err
		}
		c.server = a
		c.logger.Info("server address bootstrapped", slog.String("server", a.String()))

	case "2":
		var v int64
		if text {
			u, err := lwm2m.ParseUint(strings.TrimSpace(string(value)))
			if err != nil {
				return err
			}
			v = int64(u)
		} else {
			i, err := lwm2m.DecodeInt(value)
			if err != nil {
				return err
			}
			v = i
		}
		mode, err := lwm2m.ModeFromValue(v)
		if err != nil {
			return err
		}
		c.bootstrap.mode = mode
	}
	return nil
}

// securitySegment returns the last path segment of a security object path.
func securitySegment(path string) (string, bool) {
	path = coap.TrimPath(path)
	if !strings.HasPrefix(path, lwm2m.SecurityObject+"/") {
		return "", false
	}
	return path[strings.LastIndexByte(path, '/')+1:], true
}

func (c *Client) checkBootstrapDone() {
	if c.bootstrap.done || c.bootstrap.mode == lwm2m.ModeUnset || c.server.IsZero() {
		return
	}
	if c.bootstrap.mode == lwm2m.ModeCertificate {
		for _, p := range []string{lwm2m.SecurityPublicKey, lwm2m.SecurityServerPubKey, lwm2m.SecuritySecretKey} {
			if _, err := c.store.Search(p, resource.Exact); err != nil {
				return
			}
		}
	}

	c.bootstrap.done = true
	c.metrics.SetBootstrapDone(true)
	c.logger.Info("bootstrap done",
		slog.String("server", c.server.String()),
		slog.String("security_mode", c.bootstrap.mode.String()))

	if c.bootstrap.info != nil && c.bootstrap.info.Done != nil {
		c.bootstrap.info.Done(c.ServerInfo())
	}
}

// BootstrapDone reports whether bootstrap has delivered a usable server
// configuration.
func (c *Client) BootstrapDone() bool {
	return c.bootstrap.done
}

// SecurityMode returns the bootstrapped security mode.
func (c *Client) SecurityMode() lwm2m.Mode {
	return c.bootstrap.mode
}

// ServerInfo returns the bootstrapped server configuration.
func (c *Client) ServerInfo() ServerInfo {
	return ServerInfo{Address: c.server.Clone(), Mode: c.bootstrap.mode}
}
