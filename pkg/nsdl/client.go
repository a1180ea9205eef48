// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nsdl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mendpoint/pkg/addr"
	"github.com/absmach/mendpoint/pkg/alloc"
	"github.com/absmach/mendpoint/pkg/coap"
	"github.com/absmach/mendpoint/pkg/dispatcher"
	nerrors "github.com/absmach/mendpoint/pkg/errors"
	"github.com/absmach/mendpoint/pkg/handler"
	"github.com/absmach/mendpoint/pkg/metrics"
	"github.com/absmach/mendpoint/pkg/resource"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// State is the registration state of the endpoint.
type State uint8

const (
	Unregistered State = iota
	Registering
	Registered
)

func (s State) String() string {
	switch s {
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	default:
		return "unregistered"
	}
}

// Config holds the endpoint configuration.
type Config struct {
	// Transmit hands serialized datagrams to the transport. Required.
	Transmit coap.TransmitFunc

	// Handler receives responses and unmatched requests.
	// If nil, handler.NoopHandler is used.
	Handler handler.Handler

	// Allocator provides resource value and payload buffers.
	// If nil, alloc.Heap is used.
	Allocator alloc.Allocator

	// Engine configures the CoAP engine. Its OnTimeout hook is chained
	// after the endpoint's own.
	Engine coap.Config

	// ForwardBootstrap hands bootstrap server requests to Handler.Receive
	// instead of interpreting them.
	ForwardBootstrap bool

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for endpoint events
	Logger *slog.Logger
}

// identity is the endpoint identity committed by a successful register send.
type identity struct {
	name     string
	domain   string
	typ      string
	lifetime uint32
	binding  Binding
	mode     RegistrationMode
	location string
}

// Client is the endpoint handle. It owns the resource store, the pending
// message table and the bootstrap state. It is not safe for concurrent use;
// the embedder serializes calls.
type Client struct {
	config     Config
	logger     *slog.Logger
	alloc      alloc.Allocator
	handler    handler.Handler
	metrics    *metrics.Metrics
	engine     *coap.Engine
	store      *resource.Store
	dispatcher *dispatcher.Dispatcher

	registered bool
	endpoint   identity
	server     addr.Address
	pending    [numKinds]pendingMsg
	bootstrap  bootstrapState
	value      any
}

// New creates an endpoint handle.
func New(cfg Config) (*Client, error) {
	if cfg.Transmit == nil {
		return nil, fmt.Errorf("transmit function is required: %w", nerrors.ErrInvalidArgument)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Allocator == nil {
		cfg.Allocator = alloc.Heap{}
	}

	c := &Client{
		config:  cfg,
		logger:  cfg.Logger,
		alloc:   cfg.Allocator,
		handler: cfg.Handler,
		metrics: cfg.Metrics,
	}

	engineCfg := cfg.Engine
	if engineCfg.Logger == nil {
		engineCfg.Logger = cfg.Logger
	}
	userTimeout := engineCfg.OnTimeout
	engineCfg.OnTimeout = func(id uint16, to addr.Address) {
		c.timeout(id, to)
		if userTimeout != nil {
			userTimeout(id, to)
		}
	}

	engine, err := coap.NewEngine(engineCfg, cfg.Transmit)
	if err != nil {
		return nil, err
	}
	store, err := resource.NewStore(cfg.Allocator)
	if err != nil {
		return nil, err
	}

	c.engine = engine
	c.store = store
	c.dispatcher = dispatcher.New(store, cfg.Allocator, c, cfg.Handler, cfg.Logger)
	return c, nil
}

// SetServerAddress sets the registration server address.
func (c *Client) SetServerAddress(a addr.Address) {
	c.server = a.Clone()
}

// ServerAddress returns the registration server address.
func (c *Client) ServerAddress() addr.Address {
	return c.server
}

// SetContext attaches an application value passed to handler calls.
func (c *Client) SetContext(v any) {
	c.value = v
}

// Context returns the application value.
func (c *Client) Context() any {
	return c.value
}

// Store returns the resource store.
func (c *Client) Store() *resource.Store {
	return c.store
}

// State returns the registration state. It is derived from the pending
// register request: Registering while one awaits its response, whether or
// not a response with another id or token has arrived meanwhile.
func (c *Client) State() State {
	switch {
	case c.registered:
		return Registered
	case c.pending[kindRegister].set:
		return Registering
	default:
		return Unregistered
	}
}

// IsRegistered reports whether the directory accepted the registration.
func (c *Client) IsRegistered() bool {
	return c.registered
}

// Endpoint returns the committed endpoint name, domain and server-assigned
// location.
func (c *Client) Endpoint() (name, domain, location string) {
	return c.endpoint.name, c.endpoint.domain, c.endpoint.location
}

// CreateResource stores a copy of r.
func (c *Client) CreateResource(r *resource.Resource) error {
	defer c.updateResourceCount()
	return c.store.Create(r)
}

// PutResource stores r without copying.
func (c *Client) PutResource(r *resource.Resource) error {
	defer c.updateResourceCount()
	return c.store.Put(r)
}

// UpdateResource replaces the value and handler of an existing resource.
func (c *Client) UpdateResource(r *resource.Resource) error {
	return c.store.Update(r)
}

// DeleteResource removes a resource and its subresources.
func (c *Client) DeleteResource(path string) error {
	defer c.updateResourceCount()
	return c.store.Delete(path)
}

// GetResource returns the resource at path.
func (c *Client) GetResource(path string) (*resource.Resource, error) {
	return c.store.Search(path, resource.Exact)
}

// Resources returns every stored resource, newest first.
func (c *Client) Resources() []*resource.Resource {
	return c.store.All()
}

// SetBlockSize sets the maximum payload size.
func (c *Client) SetBlockSize(size uint16) error {
	return c.engine.SetBlockSize(size)
}

// SetDuplicateBufferSize sets the number of request ids remembered.
func (c *Client) SetDuplicateBufferSize(size int) error {
	return c.engine.SetDuplicateBufferSize(size)
}

// SetRetransmissionParameters sets the resend count and initial interval.
func (c *Client) SetRetransmissionParameters(count int, timeout time.Duration) error {
	return c.engine.SetRetransmissionParameters(count, timeout)
}

// SetRetransmissionBuffer bounds what is retained for resending.
func (c *Client) SetRetransmissionBuffer(messages, size int) error {
	return c.engine.SetRetransmissionBuffer(messages, size)
}

// SendMessage serializes msg and transmits it to the given address.
func (c *Client) SendMessage(msg *coap.Message, to addr.Address) error {
	_, err := c.send(msg, to)
	return err
}

// Exec lets the engine resend overdue confirmable messages and gives up on
// requests whose response is overdue. It must be called periodically.
func (c *Client) Exec(now time.Time) {
	c.engine.Exec(now)
	c.expire(now)
}

// ProcessPacket handles one datagram received from the given address.
func (c *Client) ProcessPacket(ctx context.Context, data []byte, from addr.Address) error {
	return c.metrics.ObserveProcess(func() error {
		return c.process(ctx, data, from)
	})
}

func (c *Client) process(ctx context.Context, data []byte, from addr.Address) error {
	msg, err := c.engine.Parse(data, from)
	switch {
	case errors.Is(err, coap.ErrDuplicate):
		c.metrics.Duplicate()
		c.logger.Debug("duplicate message dropped", slog.String("from", from.String()))
		return nil
	case err != nil:
		c.metrics.ParseError()
		return err
	}
	c.metrics.ObserveMessage("in", msg.Type.String(), msg.Code.String(), len(data))

	hctx := &handler.Context{
		ExchangeID: uuid.NewString(),
		RemoteAddr: from.Clone(),
		Protocol:   coap.ProtocolCoAP,
		Value:      c.value,
	}

	switch {
	case msg.Type == message.Reset:
		return c.handleReset(ctx, hctx, msg)

	case msg.Code == codes.Empty:
		if msg.Type == message.Confirmable {
			// CoAP ping
			return c.SendMessage(&coap.Message{Type: message.Reset, Code: codes.Empty, MessageID: msg.MessageID}, from)
		}
		return c.forward(ctx, hctx, msg)

	case msg.IsResponse():
		return c.handleResponse(ctx, hctx, msg)

	case !c.bootstrap.address.IsZero() && c.bootstrap.address.Matches(from):
		err := c.handleBootstrapRequest(ctx, hctx, msg)
		c.updateResourceCount()
		return err

	default:
		err := c.dispatcher.Dispatch(ctx, hctx, msg)
		c.updateResourceCount()
		return err
	}
}

func (c *Client) send(msg *coap.Message, to addr.Address) (int, error) {
	if to.IsZero() {
		return 0, fmt.Errorf("destination address: %w", nerrors.ErrNotConfigured)
	}
	n, err := c.engine.Send(coap.ProtocolCoAP, msg, to)
	if err != nil {
		if errors.Is(err, nerrors.ErrTransmit) {
			c.metrics.TransmitError()
		}
		return 0, err
	}
	c.metrics.ObserveMessage("out", msg.Type.String(), msg.Code.String(), n)
	return n, nil
}

// forward hands msg to the application, logging its error.
func (c *Client) forward(ctx context.Context, hctx *handler.Context, msg *coap.Message) error {
	if err := c.handler.Receive(ctx, hctx, msg); err != nil {
		c.logger.Warn("receive handler failed",
			slog.String("exchange", hctx.ExchangeID),
			slog.String("error", err.Error()))
	}
	return nil
}

func (c *Client) updateResourceCount() {
	c.metrics.SetResources(c.store.Len())
}

func (c *Client) updateStateMetric() {
	c.metrics.SetRegistrationState(int(c.State()))
}
