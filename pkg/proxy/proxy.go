// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/PrathameshWalunj/MITMqtt/pkg/breaker"
	"github.com/PrathameshWalunj/MITMqtt/pkg/capture"
	"github.com/PrathameshWalunj/MITMqtt/pkg/errors"
	"github.com/PrathameshWalunj/MITMqtt/pkg/metrics"
	"github.com/PrathameshWalunj/MITMqtt/pkg/packet"
	"github.com/PrathameshWalunj/MITMqtt/pkg/ratelimit"
	"github.com/PrathameshWalunj/MITMqtt/pkg/relay"
	"github.com/PrathameshWalunj/MITMqtt/pkg/server/tcp"
)

// PacketCallback is the capture sink exposed to the embedding application.
// It is invoked from the relay goroutines immediately after storage; it must
// not block and must be thread-safe if its consumer touches shared state.
type PacketCallback func(dir capture.Direction, typeLabel, summary string)

// ConnectionCallback is invoked once per accepted pair, immediately before
// its relay loops start.
type ConnectionCallback func(p *relay.Pair)

// Config parameterizes the proxy.
type Config struct {
	// Logger for proxy events
	Logger *slog.Logger

	// Metrics is optional Prometheus instrumentation.
	Metrics *metrics.Metrics

	// Breaker optionally guards broker dials.
	Breaker *breaker.Breaker

	// RateLimit optionally bounds accepts per source IP.
	RateLimit *ratelimit.Limiter

	// CaptureLimit bounds the capture store; zero selects the default.
	CaptureLimit int

	// DialTimeout bounds each broker connect.
	DialTimeout time.Duration
}

// Proxy coordinates the listeners and connection pairs and owns the capture
// store. One Proxy serves one upstream broker.
type Proxy struct {
	cfg   Config
	store *capture.Store

	mu         sync.Mutex
	brokerHost string
	brokerPort int
	tlsConf    *tls.Config
	plain      *tcp.Server
	secure     *tcp.Server
	pairs      []*relay.Pair
	packetCB   PacketCallback
	connCB     ConnectionCallback
	running    bool
}

// New creates a proxy with an empty capture store. The broker destination
// must be set before clients can complete a session.
func New(cfg Config) *Proxy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Proxy{
		cfg:   cfg,
		store: capture.NewStore(cfg.CaptureLimit),
	}
}

// Store exposes the capture store for inspection and export.
func (p *Proxy) Store() *capture.Store { return p.store }

// SetBrokerConfig stores the upstream destination. It is consulted on each
// new CONNECT, so it also applies to already-accepted pairs that have not
// dialed yet.
func (p *Proxy) SetBrokerConfig(host string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.brokerHost = host
	p.brokerPort = port
}

// SetTLSCertificate loads the server certificate and key from PEM files
// into the TLS context used by StartTLS.
func (p *Proxy) SetTLSCertificate(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return errors.Wrap(err, "failed to load tls certificate")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tlsConf = &tls.Config{
		Certificates: []tls.Certificate{cert},
		// The proxy performs no client certificate verification.
		ClientAuth: tls.NoClientCert,
	}
	return nil
}

// SetPacketCallback replaces the capture sink.
func (p *Proxy) SetPacketCallback(fn PacketCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packetCB = fn
}

// SetConnectionCallback replaces the per-pair notification sink.
func (p *Proxy) SetConnectionCallback(fn ConnectionCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connCB = fn
}

// Start opens the plain TCP listener. Bind failures surface to the caller.
func (p *Proxy) Start(addr string, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.plain != nil {
		return errors.ErrAlreadyRunning
	}

	srv := tcp.New(tcp.Config{
		Address:       net.JoinHostPort(addr, strconv.Itoa(port)),
		RateLimit:     p.cfg.RateLimit,
		OnRateLimited: p.onRateLimited,
		Logger:        p.cfg.Logger,
	}, p.onAccept)
	if err := srv.Listen(); err != nil {
		return err
	}
	p.plain = srv
	p.running = true
	return nil
}

// StartTLS opens the TLS-terminating listener. The server certificate must
// have been loaded first.
func (p *Proxy) StartTLS(addr string, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tlsConf == nil {
		return errors.ErrCertificateNotLoaded
	}
	if p.secure != nil {
		return errors.ErrAlreadyRunning
	}

	srv := tcp.New(tcp.Config{
		Address:       net.JoinHostPort(addr, strconv.Itoa(port)),
		TLS:           true,
		RateLimit:     p.cfg.RateLimit,
		OnRateLimited: p.onRateLimited,
		Logger:        p.cfg.Logger,
	}, p.onAccept)
	if err := srv.Listen(); err != nil {
		return err
	}
	p.secure = srv
	p.running = true
	return nil
}

// Addr returns the plain listener's bound address, or nil.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.plain == nil {
		return nil
	}
	return p.plain.Addr()
}

// TLSAddr returns the TLS listener's bound address, or nil.
func (p *Proxy) TLSAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.secure == nil {
		return nil
	}
	return p.secure.Addr()
}

// Stop closes the listeners and tears down every known pair.
func (p *Proxy) Stop() {
	p.mu.Lock()
	plain, secure := p.plain, p.secure
	p.plain, p.secure = nil, nil
	pairs := make([]*relay.Pair, len(p.pairs))
	copy(pairs, p.pairs)
	p.pairs = nil
	p.running = false
	p.mu.Unlock()

	if plain != nil {
		plain.Close()
	}
	if secure != nil {
		secure.Close()
	}
	for _, pair := range pairs {
		pair.Close()
	}
	p.cfg.Logger.Info("proxy stopped", slog.Int("pairs_closed", len(pairs)))
}

// InjectPacket encodes a synthetic PUBLISH and writes it to one active
// pair: the first TLS pair if any, else the first plain pair. The injected
// bytes are not captured.
func (p *Proxy) InjectPacket(topic string, payload []byte, toClient bool) error {
	pair := p.targetPair()
	if pair == nil {
		p.cfg.Logger.Warn("inject with no active pair", slog.String("topic", topic))
		return errors.ErrNoActivePair
	}
	if err := pair.Inject(topic, payload, toClient); err != nil {
		p.cfg.Logger.Warn("inject failed",
			slog.String("pair", pair.ID()),
			slog.String("error", err.Error()))
		return err
	}
	if p.cfg.Metrics != nil {
		target := "broker"
		if toClient {
			target = "client"
		}
		p.cfg.Metrics.Injections.WithLabelValues(target).Inc()
	}
	return nil
}

// ReplayPacket writes the raw bytes of the captured packet at index to the
// client socket of the pair selected like InjectPacket. Replay is always
// toward the client.
func (p *Proxy) ReplayPacket(index int) error {
	rec, ok := p.store.Get(index)
	if !ok {
		p.cfg.Logger.Warn("replay index out of range", slog.Int("index", index))
		return errors.ErrIndexOutOfRange
	}
	pair := p.targetPair()
	if pair == nil {
		p.cfg.Logger.Warn("replay with no active pair", slog.Int("index", index))
		return errors.ErrNoActivePair
	}
	if err := pair.Replay(rec.Packet.Raw); err != nil {
		p.cfg.Logger.Warn("replay failed",
			slog.String("pair", pair.ID()),
			slog.String("error", err.Error()))
		return err
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Replays.Inc()
	}
	return nil
}

// targetPair picks the pair operator actions go to: first active TLS pair
// if present, else first active plain pair.
func (p *Proxy) targetPair() *relay.Pair {
	p.mu.Lock()
	defer p.mu.Unlock()

	var plain *relay.Pair
	for _, pair := range p.pairs {
		if !pair.Active() {
			continue
		}
		if pair.TLS() {
			return pair
		}
		if plain == nil {
			plain = pair
		}
	}
	return plain
}

// onAccept builds a connection pair around an accepted socket, registers
// it, fires the connection callback, and starts the relay loops.
func (p *Proxy) onAccept(conn net.Conn, viaTLS bool) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		conn.Close()
		return
	}
	tlsConf := p.tlsConf
	connCB := p.connCB
	p.mu.Unlock()

	cfg := relay.Config{
		BrokerAddr:  p.brokerAddr,
		Dial:        p.dialBroker,
		OnPacket:    p.onPacket,
		OnClose:     func(pair *relay.Pair) { p.removePair(pair, viaTLS) },
		Logger:      p.cfg.Logger,
		DialTimeout: p.cfg.DialTimeout,
	}

	var pair *relay.Pair
	if viaTLS {
		pair = relay.NewTLSPair(conn, tlsConf, cfg)
	} else {
		pair = relay.NewPair(conn, cfg)
	}

	p.mu.Lock()
	p.pairs = append(p.pairs, pair)
	p.mu.Unlock()

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ActivePairs.WithLabelValues(listenerLabel(viaTLS)).Inc()
		p.cfg.Metrics.PairsTotal.WithLabelValues(listenerLabel(viaTLS)).Inc()
	}
	p.cfg.Logger.Debug("pair accepted",
		slog.String("pair", pair.ID()),
		slog.String("remote", pair.RemoteAddr()),
		slog.Bool("tls", viaTLS))

	if connCB != nil {
		connCB(pair)
	}
	pair.Start(context.Background())
}

// brokerAddr returns the currently configured upstream host:port.
func (p *Proxy) brokerAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return net.JoinHostPort(p.brokerHost, strconv.Itoa(p.brokerPort))
}

// dialBroker resolves and connects the upstream, through the circuit
// breaker when one is configured.
func (p *Proxy) dialBroker(ctx context.Context, addr string) (net.Conn, error) {
	var conn net.Conn
	dial := func() error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	var err error
	if p.cfg.Breaker != nil {
		err = p.cfg.Breaker.Call(dial)
	} else {
		err = dial()
	}

	if p.cfg.Metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.cfg.Metrics.BrokerDials.WithLabelValues(status).Inc()
	}
	if err != nil {
		return nil, errors.Wrap(err, "broker unavailable")
	}
	return conn, nil
}

// onPacket stores each decoded chunk and fans it out to the packet callback
// and metrics. It runs on the relay goroutines, so the store append happens
// before the chunk is forwarded and before the next read is issued on that
// direction: capture order equals wire order per direction.
func (p *Proxy) onPacket(dir capture.Direction, pkt packet.Packet) {
	rec := capture.Record{
		Direction: dir,
		TypeLabel: pkt.Type.String(),
		Summary:   pkt.Summary(),
		Timestamp: time.Now(),
		Packet:    pkt,
	}
	p.store.Add(rec)

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PacketsTotal.WithLabelValues(rec.TypeLabel, dir.String()).Inc()
		p.cfg.Metrics.BytesForwarded.WithLabelValues(dir.String()).Add(float64(len(pkt.Raw)))
		p.cfg.Metrics.CaptureStoreSize.Set(float64(p.store.Len()))
	}

	p.mu.Lock()
	cb := p.packetCB
	p.mu.Unlock()
	if cb != nil {
		cb(dir, rec.TypeLabel, rec.Summary)
	}
}

// removePair drops a closed pair from the registry.
func (p *Proxy) removePair(pair *relay.Pair, viaTLS bool) {
	p.mu.Lock()
	for i, known := range p.pairs {
		if known == pair {
			p.pairs = append(p.pairs[:i], p.pairs[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ActivePairs.WithLabelValues(listenerLabel(viaTLS)).Dec()
	}
}

// Pairs returns the currently registered pairs.
func (p *Proxy) Pairs() []*relay.Pair {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*relay.Pair, len(p.pairs))
	copy(out, p.pairs)
	return out
}

func (p *Proxy) onRateLimited() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RateLimitedAccepts.Inc()
	}
}

func listenerLabel(viaTLS bool) string {
	if viaTLS {
		return "tls"
	}
	return "plain"
}
