// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the per-connection relay: a pair of sockets
// (client-facing and broker-facing) bridged by one relay loop per direction.
// Each loop reads raw chunks, hands them to the packet codec for capture,
// and forwards the bytes verbatim to the paired socket.
package relay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PrathameshWalunj/MITMqtt/pkg/capture"
	"github.com/PrathameshWalunj/MITMqtt/pkg/errors"
	"github.com/PrathameshWalunj/MITMqtt/pkg/packet"
)

// DefaultBufferSize is the per-direction read buffer size.
const DefaultBufferSize = 8192

// DefaultDialTimeout bounds the broker connect triggered by a CONNECT.
const DefaultDialTimeout = 10 * time.Second

// DialFunc dials the upstream broker. The coordinator supplies one so broker
// connects can be routed through a circuit breaker.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Config parameterizes a connection pair.
type Config struct {
	// BrokerAddr returns the upstream host:port. It is consulted when the
	// first CONNECT arrives, so broker reconfiguration applies to pairs
	// accepted before the change.
	BrokerAddr func() string

	// Dial establishes the broker-side connection.
	Dial DialFunc

	// OnPacket receives every decoded chunk before it is forwarded.
	OnPacket func(dir capture.Direction, p packet.Packet)

	// OnClose is invoked once when the pair is torn down.
	OnClose func(p *Pair)

	// Logger for pair events
	Logger *slog.Logger

	// BufferSize is the read buffer size per direction.
	BufferSize int

	// DialTimeout bounds the broker connect.
	DialTimeout time.Duration
}

// Pair owns one client socket and, once a CONNECT has been observed, one
// broker socket. The client relay loop starts immediately; the broker side
// stays idle until the broker connection is up.
//
// A Pair exclusively owns its sockets. The coordinator keeps a non-owning
// registration so it can broadcast stop and target inject/replay.
type Pair struct {
	id     string
	viaTLS bool
	cfg    Config
	client net.Conn

	// handshake runs before any reading on the client side. Set for
	// TLS-terminated pairs, nil otherwise.
	handshake func(ctx context.Context) error

	mu              sync.Mutex
	broker          net.Conn
	clientConnected bool
	brokerConnected bool
	closed          bool

	dialOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewPair creates a plain TCP pair around an accepted client socket.
func NewPair(client net.Conn, cfg Config) *Pair {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	return &Pair{
		id:              uuid.New().String(),
		cfg:             cfg,
		client:          client,
		clientConnected: true,
		done:            make(chan struct{}),
	}
}

// ID returns the pair's session identifier.
func (p *Pair) ID() string { return p.id }

// TLS reports whether the client side is TLS-terminated.
func (p *Pair) TLS() bool { return p.viaTLS }

// RemoteAddr returns the client's network address.
func (p *Pair) RemoteAddr() string {
	if p.client == nil {
		return ""
	}
	return p.client.RemoteAddr().String()
}

// Done is closed when the pair has been torn down.
func (p *Pair) Done() <-chan struct{} { return p.done }

// Active reports whether the pair has not been torn down.
func (p *Pair) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// ClientConnected reports whether the client-side socket is up.
func (p *Pair) ClientConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientConnected
}

// BrokerConnected reports whether the broker-side socket is up.
func (p *Pair) BrokerConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.brokerConnected
}

// Start launches the client-side relay loop. The broker side starts when the
// first CONNECT is observed.
func (p *Pair) Start(ctx context.Context) {
	go p.relayClient(ctx)
}

// relayClient is the client→broker relay loop.
func (p *Pair) relayClient(ctx context.Context) {
	if p.handshake != nil {
		if err := p.handshake(ctx); err != nil {
			p.cfg.Logger.Debug("tls handshake failed",
				slog.String("pair", p.id),
				slog.String("remote", p.RemoteAddr()),
				slog.String("error", err.Error()))
			p.Close()
			return
		}
	}

	buf := make([]byte, p.cfg.BufferSize)
	for {
		n, err := p.client.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			pkt := packet.Decode(chunk)
			if p.cfg.OnPacket != nil {
				p.cfg.OnPacket(capture.ClientToBroker, pkt)
			}

			if pkt.Type == packet.CONNECT {
				p.connectBroker(ctx)
			}

			broker := p.brokerConn()
			if broker == nil {
				p.cfg.Logger.Warn("no broker connection, closing pair",
					slog.String("pair", p.id),
					slog.String("remote", p.RemoteAddr()))
				p.Close()
				return
			}
			if _, werr := broker.Write(chunk); werr != nil {
				p.cfg.Logger.Debug("broker write failed",
					slog.String("pair", p.id),
					slog.String("error", werr.Error()))
				p.Close()
				return
			}
		}
		if err != nil {
			p.Close()
			return
		}
	}
}

// relayBroker is the broker→client relay loop, started after the broker
// connection is established.
func (p *Pair) relayBroker() {
	broker := p.brokerConn()
	if broker == nil {
		return
	}

	buf := make([]byte, p.cfg.BufferSize)
	for {
		n, err := broker.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			pkt := packet.Decode(chunk)
			if p.cfg.OnPacket != nil {
				p.cfg.OnPacket(capture.BrokerToClient, pkt)
			}

			if _, werr := p.client.Write(chunk); werr != nil {
				p.cfg.Logger.Debug("client write failed",
					slog.String("pair", p.id),
					slog.String("error", werr.Error()))
				p.Close()
				return
			}
		}
		if err != nil {
			p.Close()
			return
		}
	}
}

// connectBroker dials the configured broker exactly once per pair. Repeat
// CONNECTs on the same pair are forwarded without a new connect attempt.
func (p *Pair) connectBroker(ctx context.Context) {
	p.dialOnce.Do(func() {
		addr := p.cfg.BrokerAddr()

		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()

		conn, err := p.cfg.Dial(dialCtx, addr)
		if err != nil {
			p.cfg.Logger.Error("broker connect failed",
				slog.String("pair", p.id),
				slog.String("broker", addr),
				slog.String("error", err.Error()))
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.broker = conn
		p.brokerConnected = true
		p.mu.Unlock()

		p.cfg.Logger.Debug("broker connected",
			slog.String("pair", p.id),
			slog.String("broker", addr))

		go p.relayBroker()
	})
}

// brokerConn returns the broker socket, or nil if not connected.
func (p *Pair) brokerConn() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broker
}

// Inject encodes a synthetic QoS 0 PUBLISH and writes it to the client
// socket if toClient, else to the broker socket.
func (p *Pair) Inject(topic string, payload []byte, toClient bool) error {
	target, err := p.target(toClient)
	if err != nil {
		return err
	}
	frame := packet.EncodePublish(topic, payload)
	if _, err := target.Write(frame); err != nil {
		return errors.New("inject", p.id, p.RemoteAddr(), err)
	}
	return nil
}

// Replay writes previously captured raw bytes to the client socket.
func (p *Pair) Replay(raw []byte) error {
	target, err := p.target(true)
	if err != nil {
		return err
	}
	if _, err := target.Write(raw); err != nil {
		return errors.New("replay", p.id, p.RemoteAddr(), err)
	}
	return nil
}

// target selects the destination socket for an operator-initiated write.
func (p *Pair) target(toClient bool) (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.ErrPairClosed
	}
	if toClient {
		if !p.clientConnected {
			return nil, errors.ErrNotConnected
		}
		return p.client, nil
	}
	if !p.brokerConnected {
		return nil, errors.ErrNotConnected
	}
	return p.broker, nil
}

// Close tears the pair down: both sockets are closed, the connected flags
// cleared, and OnClose fired. For TLS-terminated pairs the client close
// sends the TLS close_notify before closing the underlying socket. Safe to
// call multiple times and from any goroutine.
func (p *Pair) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.clientConnected = false
		p.brokerConnected = false
		broker := p.broker
		p.mu.Unlock()

		p.client.Close()
		if broker != nil {
			broker.Close()
		}
		close(p.done)

		p.cfg.Logger.Debug("pair closed",
			slog.String("pair", p.id),
			slog.String("remote", p.RemoteAddr()))

		if p.cfg.OnClose != nil {
			p.cfg.OnClose(p)
		}
	})
}
