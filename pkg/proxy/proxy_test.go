// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PrathameshWalunj/MITMqtt/pkg/capture"
	"github.com/PrathameshWalunj/MITMqtt/pkg/certs"
	mqtterrors "github.com/PrathameshWalunj/MITMqtt/pkg/errors"
	"github.com/PrathameshWalunj/MITMqtt/pkg/packet"
	"github.com/PrathameshWalunj/MITMqtt/pkg/relay"
)

var connectBytes = []byte{
	0x10, 0x0C, 0x00, 0x04, 0x4D, 0x51, 0x54, 0x54,
	0x04, 0x02, 0x00, 0x3C, 0x00, 0x00,
}

var connackBytes = []byte{0x20, 0x02, 0x00, 0x00}

// fakeBroker is a scriptable upstream: it accepts connections and records
// everything it reads.
type fakeBroker struct {
	ln    net.Listener
	conns chan net.Conn
	mu    sync.Mutex
	recv  bytes.Buffer
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to create broker listener: %v", err)
	}
	b := &fakeBroker{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns <- conn
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						b.mu.Lock()
						b.recv.Write(buf[:n])
						b.mu.Unlock()
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *fakeBroker) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(b.ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func (b *fakeBroker) received() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.recv.Bytes()...)
}

type captureSink struct {
	mu      sync.Mutex
	entries []struct {
		dir     capture.Direction
		label   string
		summary string
	}
}

func (c *captureSink) callback(dir capture.Direction, label, summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, struct {
		dir     capture.Direction
		label   string
		summary string
	}{dir, label, summary})
}

func (c *captureSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *captureSink) get(i int) (capture.Direction, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[i]
	return e.dir, e.label, e.summary
}

func newTestProxy(t *testing.T, broker *fakeBroker) *Proxy {
	t.Helper()
	p := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	})
	host, port := broker.hostPort(t)
	p.SetBrokerConfig(host, port)
	if err := p.Start("127.0.0.1", 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func dialProxy(t *testing.T, p *Proxy) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial proxy: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestProxy_ConnectConnackRoundTrip(t *testing.T) {
	broker := newFakeBroker(t)
	p := newTestProxy(t, broker)

	sink := &captureSink{}
	p.SetPacketCallback(sink.callback)

	client := dialProxy(t, p)
	client.Write(connectBytes)

	waitFor(t, "CONNECT at broker", func() bool {
		return bytes.Equal(broker.received(), connectBytes)
	})

	brokerConn := <-broker.conns
	brokerConn.Write(connackBytes)

	got := make([]byte, len(connackBytes))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("Failed to read CONNACK: %v", err)
	}
	if !bytes.Equal(got, connackBytes) {
		t.Errorf("Expected CONNACK % X, got % X", connackBytes, got)
	}

	waitFor(t, "two captures", func() bool { return sink.len() == 2 })
	dir0, label0, _ := sink.get(0)
	if dir0 != capture.ClientToBroker || label0 != "CONNECT" {
		t.Errorf("Capture 0: expected (ClientToBroker, CONNECT), got (%s, %s)", dir0, label0)
	}
	dir1, label1, _ := sink.get(1)
	if dir1 != capture.BrokerToClient || label1 != "CONNACK" {
		t.Errorf("Capture 1: expected (BrokerToClient, CONNACK), got (%s, %s)", dir1, label1)
	}

	if p.Store().Len() != 2 {
		t.Errorf("Expected 2 stored packets, got %d", p.Store().Len())
	}
}

func TestProxy_PublishCaptureSummary(t *testing.T) {
	broker := newFakeBroker(t)
	p := newTestProxy(t, broker)

	sink := &captureSink{}
	p.SetPacketCallback(sink.callback)

	client := dialProxy(t, p)
	client.Write(connectBytes)
	waitFor(t, "connect forwarded", func() bool {
		return len(broker.received()) == len(connectBytes)
	})

	publish := packet.EncodePublish("test", []byte("hi"))
	client.Write(publish)

	want := append(append([]byte(nil), connectBytes...), publish...)
	waitFor(t, "publish forwarded verbatim", func() bool {
		return bytes.Equal(broker.received(), want)
	})

	waitFor(t, "publish capture", func() bool { return sink.len() == 2 })
	dir, label, summary := sink.get(1)
	if dir != capture.ClientToBroker || label != "PUBLISH" {
		t.Errorf("Expected (ClientToBroker, PUBLISH), got (%s, %s)", dir, label)
	}
	if summary != "Topic: test, Payload: hi" {
		t.Errorf("Unexpected summary %q", summary)
	}
}

func TestProxy_InjectToClient(t *testing.T) {
	broker := newFakeBroker(t)
	p := newTestProxy(t, broker)

	client := dialProxy(t, p)
	client.Write(connectBytes)
	waitFor(t, "pair registered with broker", func() bool {
		pairs := p.Pairs()
		return len(pairs) == 1 && pairs[0].BrokerConnected()
	})

	before := p.Store().Len()
	if err := p.InjectPacket("a/b", []byte("X"), true); err != nil {
		t.Fatalf("InjectPacket: %v", err)
	}

	want := []byte{0x30, 0x06, 0x00, 0x03, 0x61, 0x2F, 0x62, 0x58}
	got := make([]byte, len(want))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("Failed to read injected bytes: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Expected injected bytes % X, got % X", want, got)
	}

	if p.Store().Len() != before {
		t.Error("Injection must not create a capture entry")
	}
}

func TestProxy_InjectWithNoActivePair(t *testing.T) {
	broker := newFakeBroker(t)
	p := newTestProxy(t, broker)

	if err := p.InjectPacket("a/b", []byte("X"), true); err != mqtterrors.ErrNoActivePair {
		t.Errorf("Expected ErrNoActivePair, got %v", err)
	}
}

func TestProxy_Replay(t *testing.T) {
	broker := newFakeBroker(t)
	p := newTestProxy(t, broker)

	client := dialProxy(t, p)
	client.Write(connectBytes)
	waitFor(t, "connect captured", func() bool { return p.Store().Len() == 1 })

	publish := packet.EncodePublish("test", []byte("hi"))
	client.Write(publish)
	waitFor(t, "publish captured", func() bool { return p.Store().Len() == 2 })

	// Replay the captured PUBLISH (index 1) back to the client.
	if err := p.ReplayPacket(1); err != nil {
		t.Fatalf("ReplayPacket: %v", err)
	}

	got := make([]byte, len(publish))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("Failed to read replayed bytes: %v", err)
	}
	if !bytes.Equal(got, publish) {
		t.Errorf("Expected replayed bytes % X, got % X", publish, got)
	}
}

func TestProxy_ReplayOutOfRange(t *testing.T) {
	broker := newFakeBroker(t)
	p := newTestProxy(t, broker)

	if err := p.ReplayPacket(0); err != mqtterrors.ErrIndexOutOfRange {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}
	if err := p.ReplayPacket(-1); err != mqtterrors.ErrIndexOutOfRange {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestProxy_ConnectionCallback(t *testing.T) {
	broker := newFakeBroker(t)
	p := newTestProxy(t, broker)

	var calls atomic.Int32
	p.SetConnectionCallback(func(pair *relay.Pair) {
		calls.Add(1)
		if pair.ID() == "" {
			t.Error("Expected pair to carry an ID")
		}
	})

	dialProxy(t, p)
	waitFor(t, "connection callback", func() bool { return calls.Load() == 1 })
}

func TestProxy_StopTearsDownPairs(t *testing.T) {
	broker := newFakeBroker(t)
	p := newTestProxy(t, broker)

	client := dialProxy(t, p)
	client.Write(connectBytes)
	waitFor(t, "pair active", func() bool {
		pairs := p.Pairs()
		return len(pairs) == 1 && pairs[0].BrokerConnected()
	})
	pair := p.Pairs()[0]

	p.Stop()

	select {
	case <-pair.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Pair not closed by Stop")
	}

	// Client side observes the close.
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("Expected EOF on client socket after Stop")
	}

	// The control surface degrades to diagnostics.
	if err := p.InjectPacket("a/b", []byte("X"), true); err != mqtterrors.ErrNoActivePair {
		t.Errorf("Expected ErrNoActivePair after Stop, got %v", err)
	}
}

func TestProxy_StartTwiceFails(t *testing.T) {
	broker := newFakeBroker(t)
	p := newTestProxy(t, broker)

	if err := p.Start("127.0.0.1", 0); err != mqtterrors.ErrAlreadyRunning {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
}

func TestProxy_StartTLSRequiresCertificate(t *testing.T) {
	broker := newFakeBroker(t)
	p := newTestProxy(t, broker)

	if err := p.StartTLS("127.0.0.1", 0); err != mqtterrors.ErrCertificateNotLoaded {
		t.Errorf("Expected ErrCertificateNotLoaded, got %v", err)
	}
}

func TestProxy_SetTLSCertificateBadFiles(t *testing.T) {
	p := New(Config{Logger: slog.New(slog.NewTextHandler(os.Stdout, nil))})
	if err := p.SetTLSCertificate("/does/not/exist.pem", "/does/not/exist.key"); err == nil {
		t.Error("Expected error for missing certificate files")
	}
}

func TestProxy_TLSEndToEnd(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := certs.Generate([]string{"localhost", "127.0.0.1"}, certFile, keyFile); err != nil {
		t.Fatalf("Failed to generate certificate: %v", err)
	}

	broker := newFakeBroker(t)
	p := New(Config{Logger: slog.New(slog.NewTextHandler(os.Stdout, nil))})
	host, port := broker.hostPort(t)
	p.SetBrokerConfig(host, port)
	if err := p.SetTLSCertificate(certFile, keyFile); err != nil {
		t.Fatalf("SetTLSCertificate: %v", err)
	}
	if err := p.StartTLS("127.0.0.1", 0); err != nil {
		t.Fatalf("StartTLS: %v", err)
	}
	t.Cleanup(p.Stop)

	client, err := tls.Dial("tcp", p.TLSAddr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("Failed to dial TLS listener: %v", err)
	}
	defer client.Close()

	client.Write(connectBytes)
	waitFor(t, "decrypted CONNECT at broker", func() bool {
		return bytes.Equal(broker.received(), connectBytes)
	})

	// Inject routes to the TLS pair when one is active.
	waitFor(t, "tls pair registered", func() bool {
		pairs := p.Pairs()
		return len(pairs) == 1 && pairs[0].TLS() && pairs[0].BrokerConnected()
	})
	if err := p.InjectPacket("a/b", []byte("X"), true); err != nil {
		t.Fatalf("InjectPacket: %v", err)
	}
	want := []byte{0x30, 0x06, 0x00, 0x03, 0x61, 0x2F, 0x62, 0x58}
	got := make([]byte, len(want))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("Failed to read injected bytes over TLS: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Expected % X over TLS, got % X", want, got)
	}
}

func TestProxy_BrokerReconfigAppliesToAcceptedPairs(t *testing.T) {
	brokerA := newFakeBroker(t)
	brokerB := newFakeBroker(t)
	p := newTestProxy(t, brokerA)

	// Redirect upstream before the first CONNECT; the already-accepted pair
	// must dial the new broker.
	client := dialProxy(t, p)
	host, port := brokerB.hostPort(t)
	p.SetBrokerConfig(host, port)

	client.Write(connectBytes)
	waitFor(t, "CONNECT at redirected broker", func() bool {
		return bytes.Equal(brokerB.received(), connectBytes)
	})
	if len(brokerA.received()) != 0 {
		t.Error("Old broker must not receive traffic after reconfiguration")
	}
}
