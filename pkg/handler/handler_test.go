// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/mendpoint/pkg/addr"
	"github.com/absmach/mendpoint/pkg/coap"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
)

func TestNoopHandler(t *testing.T) {
	h := &NoopHandler{}
	ctx := context.Background()
	hctx := &Context{
		ExchangeID: "test-exchange",
		RemoteAddr: addr.Address{Type: addr.IPv4, Bytes: []byte{127, 0, 0, 1}, Port: 5683},
		Protocol:   coap.ProtocolCoAP,
	}
	msg := &coap.Message{Type: message.Acknowledgement, Code: codes.Created}

	assert.NoError(t, h.Receive(ctx, hctx, msg))
	assert.NoError(t, h.UnmatchedRequest(ctx, hctx, msg))
}

// MockHandler is a mock implementation for testing.
type MockHandler struct {
	ReceiveErr error
	Received   []*coap.Message
	Unmatched  []*coap.Message
}

func (m *MockHandler) Receive(ctx context.Context, hctx *Context, msg *coap.Message) error {
	m.Received = append(m.Received, msg)
	return m.ReceiveErr
}

func (m *MockHandler) UnmatchedRequest(ctx context.Context, hctx *Context, msg *coap.Message) error {
	m.Unmatched = append(m.Unmatched, msg)
	return nil
}

func TestMockHandler(t *testing.T) {
	expectedErr := errors.New("receive failed")
	h := &MockHandler{ReceiveErr: expectedErr}
	var _ Handler = h

	msg := &coap.Message{Code: codes.POST, Path: "unknown"}
	err := h.Receive(context.Background(), &Context{}, msg)
	assert.ErrorIs(t, err, expectedErr)
	assert.Len(t, h.Received, 1)

	assert.NoError(t, h.UnmatchedRequest(context.Background(), &Context{}, msg))
	assert.Same(t, msg, h.Unmatched[0])
}
