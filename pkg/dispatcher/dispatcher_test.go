// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/absmach/mendpoint/pkg/addr"
	"github.com/absmach/mendpoint/pkg/alloc"
	"github.com/absmach/mendpoint/pkg/coap"
	"github.com/absmach/mendpoint/pkg/handler"
	"github.com/absmach/mendpoint/pkg/resource"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	sent []*coap.Message
	to   []addr.Address

	// blockSize rejects larger payloads the way the engine does; 0 is no limit.
	blockSize int
}

func (m *mockSender) SendMessage(msg *coap.Message, to addr.Address) error {
	if m.blockSize > 0 && len(msg.Payload) > m.blockSize {
		return fmt.Errorf("%d bytes: %w", len(msg.Payload), coap.ErrMessageTooLarge)
	}
	cp := *msg
	cp.Payload = append([]byte(nil), msg.Payload...)
	m.sent = append(m.sent, &cp)
	m.to = append(m.to, to)
	return nil
}

type mockHandler struct {
	handler.NoopHandler
	unmatched []*coap.Message
}

func (m *mockHandler) UnmatchedRequest(ctx context.Context, hctx *handler.Context, msg *coap.Message) error {
	m.unmatched = append(m.unmatched, msg)
	return nil
}

var client = addr.Address{Type: addr.IPv4, Bytes: []byte{192, 168, 1, 10}, Port: 40000}

type fixture struct {
	store   *resource.Store
	sender  *mockSender
	handler *mockHandler
	d       *Dispatcher
	hctx    *handler.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := resource.NewStore(nil)
	require.NoError(t, err)
	f := &fixture{
		store:   s,
		sender:  &mockSender{},
		handler: &mockHandler{},
		hctx:    &handler.Context{ExchangeID: "x", RemoteAddr: client, Protocol: coap.ProtocolCoAP},
	}
	f.d = New(s, alloc.Heap{}, f.sender, f.handler, nil)
	return f
}

func (f *fixture) dispatch(t *testing.T, req *coap.Message) *coap.Message {
	t.Helper()
	n := len(f.sender.sent)
	require.NoError(t, f.d.Dispatch(context.Background(), f.hctx, req))
	if len(f.sender.sent) == n {
		return nil
	}
	require.Len(t, f.sender.sent, n+1)
	assert.Equal(t, client, f.sender.to[n])
	return f.sender.sent[n]
}

func request(code codes.Code, path string) *coap.Message {
	return &coap.Message{
		Type:      message.Confirmable,
		Code:      code,
		MessageID: 77,
		Token:     message.Token{0x01, 0x02},
		Path:      path,
	}
}

func TestStaticGet(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(&resource.Resource{
		Path: "sen/temp", Value: []byte("21.5"), Access: resource.AccessGET, ContentType: 50,
	}))

	resp := f.dispatch(t, request(codes.GET, "sen/temp"))
	require.NotNil(t, resp)
	assert.Equal(t, message.Acknowledgement, resp.Type)
	assert.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, uint16(77), resp.MessageID)
	assert.Equal(t, message.Token{0x01, 0x02}, resp.Token)
	assert.Equal(t, []byte("21.5"), resp.Payload)
	assert.True(t, resp.HasContentFormat)
	assert.Equal(t, message.MediaType(50), resp.ContentFormat)
	assert.True(t, resp.HasMaxAge)
	assert.Equal(t, uint32(0), resp.MaxAge)
}

func TestStaticGetPlainText(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(&resource.Resource{Path: "a", Value: []byte("v"), Access: resource.AccessGET}))

	req := request(codes.GET, "a")
	req.Type = message.NonConfirmable
	resp := f.dispatch(t, req)
	assert.Equal(t, message.NonConfirmable, resp.Type)
	assert.False(t, resp.HasContentFormat)
}

func TestStaticWrite(t *testing.T) {
	for _, code := range []codes.Code{codes.PUT, codes.POST} {
		t.Run(code.String(), func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.store.Create(&resource.Resource{
				Path: "cfg", Value: []byte("old"), Access: resource.AccessGET | resource.AccessPUT | resource.AccessPOST,
			}))

			req := request(code, "cfg")
			req.Payload = []byte("new")
			req.SetContentFormat(message.AppXML)
			resp := f.dispatch(t, req)
			assert.Equal(t, codes.Changed, resp.Code)

			res, err := f.store.Search("cfg", resource.Exact)
			require.NoError(t, err)
			assert.Equal(t, []byte("new"), res.Value)
			assert.Equal(t, uint16(message.AppXML), res.ContentType)
		})
	}
}

func TestStaticDelete(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(&resource.Resource{Path: "a", Access: resource.AccessDELETE}))
	require.NoError(t, f.store.Create(&resource.Resource{Path: "a/b"}))

	resp := f.dispatch(t, request(codes.DELETE, "a"))
	assert.Equal(t, codes.Deleted, resp.Code)
	assert.Equal(t, 0, f.store.Len())
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(&resource.Resource{Path: "ro", Value: []byte("v"), Access: resource.AccessGET}))
	require.NoError(t, f.store.Create(&resource.Resource{Path: "dyn", Mode: resource.Dynamic, Access: resource.AccessGET}))

	for _, tc := range []struct {
		code codes.Code
		path string
	}{
		{codes.PUT, "ro"},
		{codes.POST, "ro"},
		{codes.DELETE, "ro"},
		{codes.PUT, "dyn"},
	} {
		resp := f.dispatch(t, request(tc.code, tc.path))
		assert.Equal(t, codes.MethodNotAllowed, resp.Code, "%s %s", tc.code, tc.path)
	}

	res, err := f.store.Search("ro", resource.Exact)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), res.Value)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, request(codes.GET, "missing"))
	assert.Equal(t, codes.NotFound, resp.Code)

	req := request(codes.POST, "missing")
	resp = f.dispatch(t, req)
	assert.Nil(t, resp)
	require.Len(t, f.handler.unmatched, 1)
	assert.Same(t, req, f.handler.unmatched[0])
}

func TestProxyURI(t *testing.T) {
	f := newFixture(t)
	req := request(codes.GET, WellKnownCore)
	req.ProxyURI = "coap://other/x"

	resp := f.dispatch(t, req)
	assert.Equal(t, codes.ProxyingNotSupported, resp.Code)
}

func TestDiscovery(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(&resource.Resource{Path: "sen/temp", ResourceType: "t", Publish: true}))

	res, err := f.store.Search("sen/temp", resource.Exact)
	require.NoError(t, err)
	res.Registered = resource.Registered

	for _, code := range []codes.Code{codes.GET, codes.PUT, codes.POST, codes.DELETE} {
		resp := f.dispatch(t, request(code, WellKnownCore))
		assert.Equal(t, codes.Content, resp.Code)
		assert.Equal(t, message.AppLinkFormat, resp.ContentFormat)
		assert.Equal(t, `</sen/temp>;rt="t"`, string(resp.Payload))
	}
	assert.Equal(t, resource.Registered, res.Registered)
}

func TestDynamic(t *testing.T) {
	f := newFixture(t)

	var got *coap.Message
	h := resource.HandlerFunc(func(ctx context.Context, req *coap.Message, from addr.Address, proto coap.Protocol) (*coap.Message, error) {
		got = req
		assert.Equal(t, client, from)
		resp := &coap.Message{Code: codes.Changed, Payload: []byte("ok")}
		return resp, nil
	})
	require.NoError(t, f.store.Create(&resource.Resource{
		Path: "3/0/4", Mode: resource.Dynamic, Access: resource.AccessPOST, Handler: h,
	}))

	req := request(codes.POST, "3/0/4")
	resp := f.dispatch(t, req)
	assert.Same(t, req, got)
	assert.Equal(t, codes.Changed, resp.Code)
	assert.Equal(t, message.Acknowledgement, resp.Type)
	assert.Equal(t, req.MessageID, resp.MessageID)
	assert.Equal(t, req.Token, resp.Token)
	assert.Equal(t, []byte("ok"), resp.Payload)
}

func TestDynamicNoResponse(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(&resource.Resource{Path: "nil", Mode: resource.Dynamic, Access: resource.AccessAll}))
	require.NoError(t, f.store.Create(&resource.Resource{
		Path: "silent", Mode: resource.Dynamic, Access: resource.AccessAll,
		Handler: resource.HandlerFunc(func(context.Context, *coap.Message, addr.Address, coap.Protocol) (*coap.Message, error) {
			return nil, nil
		}),
	}))

	assert.Nil(t, f.dispatch(t, request(codes.GET, "nil")))
	assert.Nil(t, f.dispatch(t, request(codes.GET, "silent")))
}

func TestDynamicHandlerError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(&resource.Resource{
		Path: "bad", Mode: resource.Dynamic, Access: resource.AccessGET,
		Handler: resource.HandlerFunc(func(context.Context, *coap.Message, addr.Address, coap.Protocol) (*coap.Message, error) {
			return nil, errors.New("boom")
		}),
	}))

	resp := f.dispatch(t, request(codes.GET, "bad"))
	assert.Equal(t, codes.InternalServerError, resp.Code)
}

func TestWriteAllocationFailure(t *testing.T) {
	s, err := resource.NewStore(alloc.NewBudget(4))
	require.NoError(t, err)
	sender := &mockSender{}
	d := New(s, nil, sender, nil, nil)
	require.NoError(t, s.Create(&resource.Resource{Path: "a", Value: []byte("1"), Access: resource.AccessPUT}))

	req := request(codes.PUT, "a")
	req.Payload = []byte("too long")
	require.NoError(t, d.Dispatch(context.Background(), &handler.Context{RemoteAddr: client}, req))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, codes.InternalServerError, sender.sent[0].Code)
}

func TestResponseTooLarge(t *testing.T) {
	big := make([]byte, 2000)
	cases := []struct {
		desc  string
		setup func(t *testing.T, s *resource.Store)
		req   *coap.Message
	}{
		{
			desc: "static get",
			setup: func(t *testing.T, s *resource.Store) {
				require.NoError(t, s.Create(&resource.Resource{Path: "big", Value: big, Access: resource.AccessGET}))
			},
			req: request(codes.GET, "big"),
		},
		{
			desc: "discovery",
			setup: func(t *testing.T, s *resource.Store) {
				for i := 0; i < 100; i++ {
					require.NoError(t, s.Create(&resource.Resource{Path: fmt.Sprintf("sen/%d", i), Publish: true, ResourceType: "temperature"}))
				}
			},
			req: request(codes.GET, WellKnownCore),
		},
		{
			desc: "dynamic",
			setup: func(t *testing.T, s *resource.Store) {
				require.NoError(t, s.Create(&resource.Resource{
					Path: "dyn", Mode: resource.Dynamic, Access: resource.AccessGET,
					Handler: resource.HandlerFunc(func(context.Context, *coap.Message, addr.Address, coap.Protocol) (*coap.Message, error) {
						return &coap.Message{Code: codes.Content, Payload: big}, nil
					}),
				}))
			},
			req: request(codes.GET, "dyn"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t)
			f.sender.blockSize = 1024
			tc.setup(t, f.store)

			resp := f.dispatch(t, tc.req)
			require.NotNil(t, resp)
			assert.Equal(t, message.Acknowledgement, resp.Type)
			assert.Equal(t, codes.InternalServerError, resp.Code)
			assert.Equal(t, uint16(77), resp.MessageID)
			assert.Equal(t, message.Token{0x01, 0x02}, resp.Token)
			assert.Empty(t, resp.Payload)
		})
	}
}
