// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mendpoint/pkg/addr"
	"github.com/absmach/mendpoint/pkg/breaker"
	"github.com/absmach/mendpoint/pkg/coap"
	"github.com/absmach/mendpoint/pkg/metrics"
	"github.com/absmach/mendpoint/pkg/ratelimit"
	lru "github.com/hashicorp/golang-lru"
)

const (
	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 2048

	// DefaultQueueSize is the default number of datagrams waiting for the worker.
	DefaultQueueSize = 64

	// DefaultExecInterval is how often the endpoint's Exec is called.
	DefaultExecInterval = time.Second

	// DefaultResolverCacheSize bounds the number of resolved host names kept.
	DefaultResolverCacheSize = 32
)

var (
	// ErrNotListening is returned by Transmit before Listen opened the socket.
	ErrNotListening = errors.New("transport is not listening")

	// ErrClosed is returned by Do once the worker has stopped.
	ErrClosed = errors.New("transport is closed")
)

// Endpoint is the handle the transport drives. Its methods are only ever
// called from the transport worker.
type Endpoint interface {
	ProcessPacket(ctx context.Context, data []byte, from addr.Address) error
	Exec(now time.Time)
}

// Config holds the UDP transport configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize. Must not exceed MaxDatagramSize.
	BufferSize int

	// QueueSize bounds the datagrams and calls waiting for the worker.
	// When full, incoming datagrams are dropped.
	QueueSize int

	// ExecInterval is the period of the endpoint's retransmission bookkeeping.
	ExecInterval time.Duration

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Limiter drops datagrams from sources exceeding their rate. Optional.
	Limiter *ratelimit.Limiter

	// Breaker guards the socket writes. Optional.
	Breaker *breaker.CircuitBreaker

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for transport events
	Logger *slog.Logger
}

// Transport owns the UDP socket and a single worker goroutine. Every call
// into the endpoint runs on that worker, so the endpoint needs no locking.
type Transport struct {
	config     Config
	endpoint   Endpoint
	conn       atomic.Pointer[net.UDPConn]
	resolved   *lru.Cache
	bufferPool *sync.Pool
	jobs       chan func(context.Context)
	done       chan struct{}
	ready      chan struct{}
	readyOnce  sync.Once
}

// New creates a new UDP transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ExecInterval <= 0 {
		cfg.ExecInterval = DefaultExecInterval
	}

	resolved, err := lru.New(DefaultResolverCacheSize)
	if err != nil {
		return nil, err
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	return &Transport{
		config:     cfg,
		resolved:   resolved,
		bufferPool: bufferPool,
		jobs:       make(chan func(context.Context), cfg.QueueSize),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
	}, nil
}

// Bind attaches the endpoint. It must be called before Listen.
func (t *Transport) Bind(ep Endpoint) {
	t.endpoint = ep
}

// Ready is closed once the socket is open.
func (t *Transport) Ready() <-chan struct{} {
	return t.ready
}

// LocalAddr returns the bound socket address, or nil before Listen.
func (t *Transport) LocalAddr() net.Addr {
	conn := t.conn.Load()
	if conn == nil {
		return nil
	}
	return conn.LocalAddr()
}

// Transmit returns the function the endpoint hands datagrams to, guarded by
// the breaker if one is configured.
func (t *Transport) Transmit() coap.TransmitFunc {
	if t.config.Breaker != nil {
		return t.config.Breaker.Transmit(t.write)
	}
	return t.write
}

func (t *Transport) write(_ coap.Protocol, data []byte, to addr.Address) error {
	conn := t.conn.Load()
	if conn == nil {
		return ErrNotListening
	}
	dst, err := t.resolve(to)
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDP(data, dst); err != nil {
		return fmt.Errorf("failed to write to %s: %w", dst, err)
	}
	return nil
}

// resolve converts an address to a socket address, caching host name
// lookups.
func (t *Transport) resolve(a addr.Address) (*net.UDPAddr, error) {
	if a.Type != addr.Hostname {
		return a.UDPAddr()
	}
	key := a.String()
	if v, ok := t.resolved.Get(key); ok {
		return v.(*net.UDPAddr), nil
	}
	dst, err := a.UDPAddr()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", key, err)
	}
	t.resolved.Add(key, dst)
	t.config.Logger.Debug("resolved server address",
		slog.String("host", key),
		slog.String("address", dst.String()))
	return dst, nil
}

// Do runs fn on the worker and waits for it to finish.
func (t *Transport) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	job := func(context.Context) {
		defer close(finished)
		fn()
	}

	select {
	case t.jobs <- job:
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen opens the socket and drives the endpoint until ctx is cancelled.
func (t *Transport) Listen(ctx context.Context) error {
	if t.endpoint == nil {
		return errors.New("no endpoint bound to transport")
	}

	laddr, err := net.ResolveUDPAddr("udp", t.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", t.config.Address, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.config.Address, err)
	}
	defer conn.Close()

	if t.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(t.config.ReadBufferSize); err != nil {
			t.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if t.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(t.config.WriteBufferSize); err != nil {
			t.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	t.conn.Store(conn)
	t.config.Logger.Info("UDP transport started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Duration("exec_interval", t.config.ExecInterval),
		slog.Int("buffer_size", t.config.BufferSize))

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		t.work(workerCtx)
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		t.read(ctx, conn)
	}()

	t.readyOnce.Do(func() { close(t.ready) })

	<-ctx.Done()
	t.config.Logger.Info("shutdown signal received, closing socket")

	if err := conn.Close(); err != nil {
		t.config.Logger.Error("error closing socket", slog.String("error", err.Error()))
	}
	<-readDone

	workerCancel()
	<-workerDone
	t.conn.Store(nil)
	t.config.Logger.Info("UDP transport stopped")

	return nil
}

// work runs queued jobs and the periodic Exec until ctx is done.
func (t *Transport) work(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.config.ExecInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.endpoint.Exec(now)
		case job := <-t.jobs:
			job(ctx)
		}
	}
}

func (t *Transport) read(ctx context.Context, conn *net.UDPConn) {
	for {
		bufPtr := t.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			t.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.config.Logger.Error("failed to read UDP datagram",
				slog.String("error", err.Error()))
			continue
		}

		src := addr.FromUDP(from)
		if t.config.Limiter != nil && !t.config.Limiter.Allow(src) {
			t.bufferPool.Put(bufPtr)
			t.config.Metrics.RateLimited(coap.ProtocolCoAP.String())
			t.config.Logger.Debug("rate limited datagram dropped",
				slog.String("from", src.String()))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		t.bufferPool.Put(bufPtr)

		job := func(ctx context.Context) {
			if err := t.endpoint.ProcessPacket(ctx, datagram, src); err != nil {
				t.config.Logger.Debug("datagram processing failed",
					slog.String("from", src.String()),
					slog.String("error", err.Error()))
			}
		}

		select {
		case t.jobs <- job:
		case <-ctx.Done():
			return
		default:
			t.config.Logger.Warn("worker queue full, dropping datagram",
				slog.String("from", src.String()))
		}
	}
}
