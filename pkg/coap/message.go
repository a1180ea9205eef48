// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Protocol tags the transport a message arrived on or leaves through.
type Protocol uint8

const (
	ProtocolCoAP Protocol = iota
)

// String returns a string representation of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolCoAP:
		return "coap"
	default:
		return "unknown"
	}
}

// Message is the parsed header view of a CoAP message the endpoint engine
// reads and fills in. Paths carry no leading or trailing slash.
type Message struct {
	Type      message.Type
	Code      codes.Code
	MessageID uint16
	Token     message.Token

	Path         string
	Queries      []string
	LocationPath string
	ProxyURI     string

	ContentFormat    message.MediaType
	HasContentFormat bool

	MaxAge    uint32
	HasMaxAge bool

	// BlockNum is the Block1 block number, used to correlate the final
	// response of a blockwise request with the id of its first block.
	BlockNum uint32

	Payload []byte
}

// SetContentFormat sets the Content-Format option.
func (m *Message) SetContentFormat(mt message.MediaType) {
	m.ContentFormat = mt
	m.HasContentFormat = true
}

// SetMaxAge sets the Max-Age option.
func (m *Message) SetMaxAge(v uint32) {
	m.MaxAge = v
	m.HasMaxAge = true
}

// IsRequest reports whether the code is a request method.
func (m *Message) IsRequest() bool {
	return m.Code >= codes.GET && m.Code <= codes.DELETE
}

// IsResponse reports whether the code is in the 2.xx-5.xx response range.
func (m *Message) IsResponse() bool {
	return m.Code >= codes.Created
}

// CorrelationID returns the id of the request this response completes,
// discounting the ids consumed by preceding blocks.
func (m *Message) CorrelationID() uint16 {
	return m.MessageID - uint16(m.BlockNum)
}

// NewResponse returns a response for req carrying the given code: an ACK for
// a confirmable request, otherwise non-confirmable, with the message id and
// token echoed.
func NewResponse(req *Message, code codes.Code) *Message {
	typ := message.NonConfirmable
	if req.Type == message.Confirmable {
		typ = message.Acknowledgement
	}
	resp := &Message{
		Type:      typ,
		Code:      code,
		MessageID: req.MessageID,
	}
	if len(req.Token) > 0 {
		resp.Token = append(message.Token(nil), req.Token...)
	}
	return resp
}

// TrimPath removes leading and trailing slashes.
func TrimPath(p string) string {
	return strings.Trim(p, "/")
}
