// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/mendpoint/pkg/addr"
	nerrors "github.com/absmach/mendpoint/pkg/errors"
	lru "github.com/hashicorp/golang-lru"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

const (
	// DefaultBlockSize is the largest payload sent in one datagram.
	DefaultBlockSize = 1024

	// DefaultDuplicateBufferSize is the number of request ids remembered for
	// duplicate detection.
	DefaultDuplicateBufferSize = 16

	// DefaultRetransmissionCount is MAX_RETRANSMIT of RFC 7252.
	DefaultRetransmissionCount = 4

	// DefaultRetransmissionTimeout is ACK_TIMEOUT of RFC 7252.
	DefaultRetransmissionTimeout = 2 * time.Second

	// DefaultRetransmissionBufferMessages bounds the confirmable messages kept
	// for retransmission.
	DefaultRetransmissionBufferMessages = 8

	// DefaultRetransmissionBufferBytes bounds the bytes kept for retransmission.
	DefaultRetransmissionBufferBytes = 8192

	// ExchangeLifetime is EXCHANGE_LIFETIME of RFC 7252, how long a request
	// that is no longer retransmitted may still be answered.
	ExchangeLifetime = 247 * time.Second
)

var (
	// ErrDuplicate is returned by Parse for a message id already seen from the
	// same address.
	ErrDuplicate = errors.New("duplicate message")

	// ErrMessageTooLarge is returned when a payload exceeds the block size.
	ErrMessageTooLarge = errors.New("payload exceeds block size")
)

// TransmitFunc hands a serialized datagram to the transport.
type TransmitFunc func(proto Protocol, data []byte, to addr.Address) error

// TimeoutFunc is called when a confirmable message exhausts its retransmissions.
type TimeoutFunc func(messageID uint16, to addr.Address)

// Config holds the engine configuration.
type Config struct {
	// BlockSize is the maximum payload size, a power of two in [16, 1024].
	BlockSize uint16

	// DuplicateBufferSize is the number of remembered request ids.
	// Negative disables duplicate detection, 0 uses the default.
	DuplicateBufferSize int

	// RetransmissionCount is the number of resends before giving up.
	RetransmissionCount int

	// RetransmissionTimeout is the initial resend interval, doubled each attempt.
	RetransmissionTimeout time.Duration

	// RetransmissionBufferMessages and RetransmissionBufferBytes bound what is
	// retained for resending. A confirmable message that does not fit is sent
	// once without retransmission.
	RetransmissionBufferMessages int
	RetransmissionBufferBytes    int

	// OnTimeout is notified when retransmissions are exhausted.
	OnTimeout TimeoutFunc

	// Logger for engine events
	Logger *slog.Logger
}

// pendingSend is a confirmable message awaiting acknowledgement.
type pendingSend struct {
	proto     Protocol
	to        addr.Address
	messageID uint16
	data      []byte
	attempts  int
	deadline  time.Time
}

// seenRequest is a duplicate buffer entry; response holds what was answered.
type seenRequest struct {
	proto    Protocol
	response []byte
}

// Engine encodes, decodes and retransmits CoAP messages on top of go-coap.
// It is not safe for concurrent use; the endpoint handle serializes calls.
type Engine struct {
	config   Config
	transmit TransmitFunc
	seen     *lru.Cache
	pending  []*pendingSend
	now      func() time.Time
}

// NewEngine creates an engine that hands datagrams to transmit.
func NewEngine(cfg Config, transmit TransmitFunc) (*Engine, error) {
	if transmit == nil {
		return nil, fmt.Errorf("transmit function is required: %w", nerrors.ErrInvalidArgument)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if !validBlockSize(cfg.BlockSize) {
		return nil, fmt.Errorf("block size %d: %w", cfg.BlockSize, nerrors.ErrInvalidArgument)
	}
	if cfg.DuplicateBufferSize == 0 {
		cfg.DuplicateBufferSize = DefaultDuplicateBufferSize
	}
	if cfg.RetransmissionCount == 0 {
		cfg.RetransmissionCount = DefaultRetransmissionCount
	}
	if cfg.RetransmissionTimeout == 0 {
		cfg.RetransmissionTimeout = DefaultRetransmissionTimeout
	}
	if cfg.RetransmissionBufferMessages == 0 {
		cfg.RetransmissionBufferMessages = DefaultRetransmissionBufferMessages
	}
	if cfg.RetransmissionBufferBytes == 0 {
		cfg.RetransmissionBufferBytes = DefaultRetransmissionBufferBytes
	}

	e := &Engine{
		config:   cfg,
		transmit: transmit,
		now:      time.Now,
	}
	if err := e.SetDuplicateBufferSize(cfg.DuplicateBufferSize); err != nil {
		return nil, err
	}
	return e, nil
}

// SetBlockSize sets the maximum payload size.
func (e *Engine) SetBlockSize(size uint16) error {
	if !validBlockSize(size) {
		return fmt.Errorf("block size %d: %w", size, nerrors.ErrInvalidArgument)
	}
	e.config.BlockSize = size
	return nil
}

// BlockSize returns the maximum payload size.
func (e *Engine) BlockSize() uint16 {
	return e.config.BlockSize
}

// SetDuplicateBufferSize resizes the duplicate detection buffer. A size of
// zero or less disables duplicate detection.
func (e *Engine) SetDuplicateBufferSize(size int) error {
	e.config.DuplicateBufferSize = size
	if size <= 0 {
		e.seen = nil
		return nil
	}
	if e.seen != nil {
		e.seen.Resize(size)
		return nil
	}
	cache, err := lru.New(size)
	if err != nil {
		return fmt.Errorf("failed to create duplicate buffer: %w", err)
	}
	e.seen = cache
	return nil
}

// SetRetransmissionParameters sets the resend count and initial interval.
// A count of zero disables retransmission.
func (e *Engine) SetRetransmissionParameters(count int, timeout time.Duration) error {
	if count < 0 || timeout <= 0 {
		return nerrors.ErrInvalidArgument
	}
	e.config.RetransmissionCount = count
	e.config.RetransmissionTimeout = timeout
	if count == 0 {
		e.pending = nil
	}
	return nil
}

// SetRetransmissionBuffer bounds the messages and bytes kept for resending.
func (e *Engine) SetRetransmissionBuffer(messages, size int) error {
	if messages < 0 || size < 0 {
		return nerrors.ErrInvalidArgument
	}
	e.config.RetransmissionBufferMessages = messages
	e.config.RetransmissionBufferBytes = size
	return nil
}

// NextMessageID returns a fresh message id.
func (e *Engine) NextMessageID() uint16 {
	return uint16(message.GetMID())
}

// NewToken returns a random token.
func (e *Engine) NewToken() (message.Token, error) {
	return message.GetToken()
}

// Parse decodes a datagram received from src. Acknowledgements and resets
// complete pending retransmissions. A repeated request id from the same
// address yields ErrDuplicate after the cached response, if any, is resent.
func (e *Engine) Parse(data []byte, from addr.Address) (*Message, error) {
	msg := pool.NewMessage(context.Background())
	defer msg.Reset()

	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal CoAP message: %w", err)
	}

	m := &Message{
		Type:      msg.Type(),
		Code:      msg.Code(),
		MessageID: uint16(msg.MessageID()),
	}
	if tok := msg.Token(); len(tok) > 0 {
		m.Token = append(message.Token(nil), tok...)
	}

	var path, location []string
	for _, opt := range msg.Options() {
		switch opt.ID {
		case message.URIPath:
			path = append(path, string(opt.Value))
		case message.URIQuery:
			m.Queries = append(m.Queries, string(opt.Value))
		case message.LocationPath:
			location = append(location, string(opt.Value))
		case message.ProxyURI:
			m.ProxyURI = string(opt.Value)
		}
	}
	m.Path = TrimPath(strings.Join(path, "/"))
	m.LocationPath = TrimPath(strings.Join(location, "/"))

	if cf, err := msg.ContentFormat(); err == nil {
		m.SetContentFormat(cf)
	}
	if v, err := msg.GetOptionUint32(message.MaxAge); err == nil {
		m.SetMaxAge(v)
	}
	if v, err := msg.GetOptionUint32(message.Block1); err == nil {
		m.BlockNum = v >> 4
	}
	if body := msg.Body(); body != nil {
		payload, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read CoAP payload: %w", err)
		}
		if len(payload) > 0 {
			m.Payload = payload
		}
	}

	switch m.Type {
	case message.Acknowledgement, message.Reset:
		e.complete(m.MessageID, from)
	default:
		if e.duplicate(m, from) {
			return nil, ErrDuplicate
		}
	}

	return m, nil
}

// Build serializes m.
func (e *Engine) Build(m *Message) ([]byte, error) {
	if len(m.Payload) > int(e.config.BlockSize) {
		return nil, fmt.Errorf("%d bytes: %w", len(m.Payload), ErrMessageTooLarge)
	}

	msg := pool.NewMessage(context.Background())
	defer msg.Reset()

	msg.SetType(m.Type)
	msg.SetCode(m.Code)
	msg.SetMessageID(int32(m.MessageID))
	if len(m.Token) > 0 {
		msg.SetToken(m.Token)
	}
	if m.Path != "" {
		if err := msg.SetPath(m.Path); err != nil {
			return nil, fmt.Errorf("failed to set path %q: %w", m.Path, err)
		}
	}
	if m.LocationPath != "" {
		for _, seg := range strings.Split(m.LocationPath, "/") {
			msg.AddOptionString(message.LocationPath, seg)
		}
	}
	if m.HasContentFormat {
		msg.SetContentFormat(m.ContentFormat)
	}
	if m.HasMaxAge {
		msg.SetOptionUint32(message.MaxAge, m.MaxAge)
	}
	for _, q := range m.Queries {
		msg.AddQuery(q)
	}
	if m.ProxyURI != "" {
		msg.SetOptionString(message.ProxyURI, m.ProxyURI)
	}
	if len(m.Payload) > 0 {
		msg.SetBody(bytes.NewReader(m.Payload))
	}

	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CoAP message: %w", err)
	}
	return append([]byte(nil), data...), nil
}

// Size returns the serialized length of m.
func (e *Engine) Size(m *Message) (int, error) {
	data, err := e.Build(m)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Send serializes m and hands it to the transport. Confirmable messages are
// retained for retransmission; responses are remembered against the request
// id so a duplicate request is answered identically. It returns the number of
// bytes sent.
func (e *Engine) Send(proto Protocol, m *Message, to addr.Address) (int, error) {
	data, err := e.Build(m)
	if err != nil {
		return 0, err
	}
	if err := e.transmit(proto, data, to); err != nil {
		return 0, fmt.Errorf("%w: %v", nerrors.ErrTransmit, err)
	}

	switch {
	case m.Type == message.Confirmable:
		e.retain(proto, m.MessageID, data, to)
	case m.Type == message.Acknowledgement || m.IsResponse():
		e.remember(m.MessageID, data, to)
	}

	return len(data), nil
}

// Exec resends confirmable messages whose acknowledgement is overdue and
// drops those that exhausted their retransmissions.
func (e *Engine) Exec(now time.Time) {
	kept := e.pending[:0]
	for _, p := range e.pending {
		if now.Before(p.deadline) {
			kept = append(kept, p)
			continue
		}
		if p.attempts >= e.config.RetransmissionCount {
			e.config.Logger.Debug("retransmissions exhausted",
				slog.Int("message_id", int(p.messageID)),
				slog.String("to", p.to.String()))
			if e.config.OnTimeout != nil {
				e.config.OnTimeout(p.messageID, p.to)
			}
			continue
		}
		p.attempts++
		p.deadline = now.Add(e.config.RetransmissionTimeout << p.attempts)
		if err := e.transmit(p.proto, p.data, p.to); err != nil {
			e.config.Logger.Warn("failed to retransmit",
				slog.Int("message_id", int(p.messageID)),
				slog.String("error", err.Error()))
		}
		kept = append(kept, p)
	}
	e.pending = kept
}

// Retained reports whether the confirmable message id is still being
// retransmitted.
func (e *Engine) Retained(id uint16) bool {
	for _, p := range e.pending {
		if p.messageID == id {
			return true
		}
	}
	return false
}

// Pending returns the number of messages awaiting acknowledgement.
func (e *Engine) Pending() int {
	return len(e.pending)
}

func (e *Engine) retain(proto Protocol, id uint16, data []byte, to addr.Address) {
	if e.config.RetransmissionCount == 0 {
		return
	}
	used := len(data)
	for _, p := range e.pending {
		used += len(p.data)
	}
	if len(e.pending) >= e.config.RetransmissionBufferMessages || used > e.config.RetransmissionBufferBytes {
		e.config.Logger.Warn("retransmission buffer full, message sent once",
			slog.Int("message_id", int(id)))
		return
	}
	e.pending = append(e.pending, &pendingSend{
		proto:     proto,
		to:        to.Clone(),
		messageID: id,
		data:      data,
		deadline:  e.now().Add(e.config.RetransmissionTimeout),
	})
}

func (e *Engine) complete(id uint16, from addr.Address) {
	for i, p := range e.pending {
		if p.messageID == id && p.to.Matches(from) {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

func (e *Engine) duplicate(m *Message, from addr.Address) bool {
	if e.seen == nil {
		return false
	}
	key := seenKey(m.MessageID, from)
	if v, ok := e.seen.Get(key); ok {
		entry := v.(*seenRequest)
		if entry.response != nil {
			if err := e.transmit(entry.proto, entry.response, from); err != nil {
				e.config.Logger.Warn("failed to resend cached response",
					slog.Int("message_id", int(m.MessageID)),
					slog.String("error", err.Error()))
			}
		}
		return true
	}
	e.seen.Add(key, &seenRequest{proto: ProtocolCoAP})
	return false
}

func (e *Engine) remember(id uint16, data []byte, to addr.Address) {
	if e.seen == nil {
		return
	}
	if v, ok := e.seen.Peek(seenKey(id, to)); ok {
		v.(*seenRequest).response = data
	}
}

func seenKey(id uint16, from addr.Address) string {
	return fmt.Sprintf("%s#%d", from.String(), id)
}

func validBlockSize(size uint16) bool {
	switch size {
	case 16, 32, 64, 128, 256, 512, 1024:
		return true
	default:
		return false
	}
}
