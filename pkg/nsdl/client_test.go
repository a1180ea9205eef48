// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nsdl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/mendpoint/pkg/addr"
	"github.com/absmach/mendpoint/pkg/coap"
	nerrors "github.com/absmach/mendpoint/pkg/errors"
	"github.com/absmach/mendpoint/pkg/handler"
	"github.com/absmach/mendpoint/pkg/metrics"
	"github.com/absmach/mendpoint/pkg/resource"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	server    = addr.Address{Type: addr.IPv4, Bytes: []byte{10, 0, 0, 1}, Port: 5683}
	bsServer  = addr.Address{Type: addr.IPv4, Bytes: []byte{10, 0, 0, 2}, Port: 5683}
	stranger  = addr.Address{Type: addr.IPv4, Bytes: []byte{10, 0, 0, 3}, Port: 40000}
	errSocket = errors.New("socket closed")
)

type datagram struct {
	data []byte
	to   addr.Address
}

// network records what the client transmits and plays the server side with
// its own engine.
type network struct {
	t    *testing.T
	peer *coap.Engine
	sent []datagram
	err  error
}

func (n *network) transmit(_ coap.Protocol, data []byte, to addr.Address) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, datagram{data: data, to: to})
	return nil
}

// last decodes the most recent datagram sent by the client.
func (n *network) last() (*coap.Message, addr.Address) {
	n.t.Helper()
	require.NotEmpty(n.t, n.sent)
	d := n.sent[len(n.sent)-1]
	msg, err := n.peer.Parse(d.data, d.to)
	require.NoError(n.t, err)
	return msg, d.to
}

// deliver encodes msg and feeds it to the client as if sent from.
func (n *network) deliver(c *Client, msg *coap.Message, from addr.Address) error {
	n.t.Helper()
	data, err := n.peer.Build(msg)
	require.NoError(n.t, err)
	return c.ProcessPacket(context.Background(), data, from)
}

// ack answers req with a piggybacked response.
func (n *network) ack(c *Client, req *coap.Message, code codes.Code, from addr.Address) {
	n.t.Helper()
	require.NoError(n.t, n.deliver(c, coap.NewResponse(req, code), from))
}

type recordingHandler struct {
	received  []*coap.Message
	unmatched []*coap.Message
	err       error
}

func (h *recordingHandler) Receive(_ context.Context, _ *handler.Context, msg *coap.Message) error {
	h.received = append(h.received, msg)
	return h.err
}

func (h *recordingHandler) UnmatchedRequest(_ context.Context, _ *handler.Context, msg *coap.Message) error {
	h.unmatched = append(h.unmatched, msg)
	return nil
}

func newTestClient(t *testing.T, cfg Config) (*Client, *network, *recordingHandler) {
	t.Helper()
	peer, err := coap.NewEngine(coap.Config{DuplicateBufferSize: -1}, func(coap.Protocol, []byte, addr.Address) error { return nil })
	require.NoError(t, err)

	n := &network{t: t, peer: peer}
	h := &recordingHandler{}
	cfg.Transmit = n.transmit
	if cfg.Handler == nil {
		cfg.Handler = h
	}
	c, err := New(cfg)
	require.NoError(t, err)
	c.SetServerAddress(server)
	return c, n, h
}

func TestNewRequiresTransmit(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, nerrors.ErrInvalidArgument)
}

func TestContextValue(t *testing.T) {
	c, n, _ := newTestClient(t, Config{})
	c.SetContext("app")
	assert.Equal(t, "app", c.Context())

	var seen any
	require.NoError(t, c.CreateResource(&resource.Resource{
		Path:   "ctx",
		Mode:   resource.Dynamic,
		Access: resource.AccessGET,
		Handler: resource.HandlerFunc(func(ctx context.Context, req *coap.Message, from addr.Address, proto coap.Protocol) (*coap.Message, error) {
			seen = c.Context()
			return &coap.Message{Code: codes.Content, Payload: []byte("ok")}, nil
		}),
	}))

	require.NoError(t, n.deliver(c, &coap.Message{Type: message.Confirmable, Code: codes.GET, MessageID: 9, Path: "ctx"}, stranger))
	assert.Equal(t, "app", seen)

	resp, to := n.last()
	assert.Equal(t, stranger, to)
	assert.Equal(t, message.Acknowledgement, resp.Type)
	assert.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, uint16(9), resp.MessageID)
}

func TestProcessPacketDispatchesRequests(t *testing.T) {
	c, n, _ := newTestClient(t, Config{})
	require.NoError(t, c.CreateResource(&resource.Resource{
		Path:   "sen/temp",
		Value:  []byte("21.5"),
		Access: resource.AccessGET,
	}))

	req := &coap.Message{Type: message.Confirmable, Code: codes.GET, MessageID: 100, Token: message.Token{1, 2}, Path: "sen/temp"}
	require.NoError(t, n.deliver(c, req, stranger))

	resp, _ := n.last()
	assert.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, []byte("21.5"), resp.Payload)
	assert.Equal(t, req.Token, resp.Token)
}

func TestProcessPacketDuplicateRequest(t *testing.T) {
	c, n, _ := newTestClient(t, Config{})
	require.NoError(t, c.CreateResource(&resource.Resource{
		Path:   "cnt",
		Value:  []byte("0"),
		Access: resource.AccessGET | resource.AccessPUT,
	}))

	req := &coap.Message{Type: message.Confirmable, Code: codes.PUT, MessageID: 200, Path: "cnt", Payload: []byte("1")}
	require.NoError(t, n.deliver(c, req, stranger))
	require.Len(t, n.sent, 1)

	// Applying the write again would be visible; the cached response is
	// resent instead.
	require.NoError(t, c.UpdateResource(&resource.Resource{Path: "cnt", Value: []byte("5"), Access: resource.AccessGET | resource.AccessPUT}))
	require.NoError(t, n.deliver(c, req, stranger))
	require.Len(t, n.sent, 2)
	assert.Equal(t, n.sent[0].data, n.sent[1].data)

	res, err := c.GetResource("cnt")
	require.NoError(t, err)
	assert.Equal(t, []byte("5"), res.Value)
}

func TestProcessPacketPing(t *testing.T) {
	c, n, h := newTestClient(t, Config{})

	require.NoError(t, n.deliver(c, &coap.Message{Type: message.Confirmable, Code: codes.Empty, MessageID: 77}, stranger))

	resp, to := n.last()
	assert.Equal(t, message.Reset, resp.Type)
	assert.Equal(t, codes.Empty, resp.Code)
	assert.Equal(t, uint16(77), resp.MessageID)
	assert.Equal(t, stranger, to)
	assert.Empty(t, h.received)
}

func TestProcessPacketMalformed(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, _, _ := newTestClient(t, Config{Metrics: metrics.New("test", reg)})

	err := c.ProcessPacket(context.Background(), []byte{0xFF, 0x00}, stranger)
	assert.Error(t, err)
}

func TestProcessPacketUnmatchedPost(t *testing.T) {
	c, n, h := newTestClient(t, Config{})

	req := &coap.Message{Type: message.NonConfirmable, Code: codes.POST, MessageID: 5, Path: "missing"}
	require.NoError(t, n.deliver(c, req, stranger))

	require.Len(t, h.unmatched, 1)
	assert.Equal(t, "missing", h.unmatched[0].Path)
	assert.Empty(t, n.sent)
}

func TestHandlerErrorIsNotPropagated(t *testing.T) {
	c, n, h := newTestClient(t, Config{})
	h.err = errors.New("application failed")

	resp := &coap.Message{Type: message.NonConfirmable, Code: codes.Content, MessageID: 3, Token: message.Token{9}}
	assert.NoError(t, n.deliver(c, resp, server))
	assert.Len(t, h.received, 1)
}

func TestSendMessageWithoutAddress(t *testing.T) {
	c, _, _ := newTestClient(t, Config{})

	err := c.SendMessage(&coap.Message{Type: message.NonConfirmable, Code: codes.Content}, addr.Address{})
	assert.ErrorIs(t, err, nerrors.ErrNotConfigured)
}

func TestSendMessageTransmitFailure(t *testing.T) {
	c, n, _ := newTestClient(t, Config{})
	n.err = errSocket

	err := c.SendMessage(&coap.Message{Type: message.NonConfirmable, Code: codes.Content}, stranger)
	assert.ErrorIs(t, err, nerrors.ErrTransmit)
}

func TestResourcePassThrough(t *testing.T) {
	c, _, _ := newTestClient(t, Config{})

	require.NoError(t, c.CreateResource(&resource.Resource{Path: "a"}))
	require.NoError(t, c.CreateResource(&resource.Resource{Path: "/a/b/", Value: []byte("v")}))
	assert.ErrorIs(t, c.CreateResource(&resource.Resource{Path: "a/b"}), nerrors.ErrAlreadyExists)

	res, err := c.GetResource("a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), res.Value)

	ext := &resource.Resource{Path: "ext", Value: []byte("mine")}
	require.NoError(t, c.PutResource(ext))
	got, err := c.GetResource("ext")
	require.NoError(t, err)
	assert.Same(t, ext, got)

	var paths []string
	for _, r := range c.Resources() {
		paths = append(paths, r.Path)
	}
	assert.Equal(t, []string{"ext", "a/b", "a"}, paths)

	require.NoError(t, c.DeleteResource("a"))
	_, err = c.GetResource("a/b")
	assert.ErrorIs(t, err, nerrors.ErrNotFound)
	assert.Equal(t, 1, c.Store().Len())
}

func TestEngineSettings(t *testing.T) {
	c, _, _ := newTestClient(t, Config{})

	assert.NoError(t, c.SetBlockSize(256))
	assert.ErrorIs(t, c.SetBlockSize(100), nerrors.ErrInvalidArgument)
	assert.NoError(t, c.SetDuplicateBufferSize(0))
	assert.NoError(t, c.SetRetransmissionParameters(2, 3*time.Second))
	assert.ErrorIs(t, c.SetRetransmissionParameters(-1, time.Second), nerrors.ErrInvalidArgument)
	assert.NoError(t, c.SetRetransmissionBuffer(4, 2048))
}
