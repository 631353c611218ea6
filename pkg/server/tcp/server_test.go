// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PrathameshWalunj/MITMqtt/pkg/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestServer_AcceptsConnections(t *testing.T) {
	var accepted atomic.Int32
	var sawTLS atomic.Bool

	srv := New(Config{
		Address: "localhost:0",
		Logger:  testLogger(),
	}, func(conn net.Conn, viaTLS bool) {
		accepted.Add(1)
		sawTLS.Store(viaTLS)
		conn.Close()
	})

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		conn.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for accepted.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if accepted.Load() != 3 {
		t.Errorf("Expected 3 accepted connections, got %d", accepted.Load())
	}
	if sawTLS.Load() {
		t.Error("Expected viaTLS=false from a plain listener")
	}
}

func TestServer_TLSFlagPropagates(t *testing.T) {
	got := make(chan bool, 1)

	srv := New(Config{
		Address: "localhost:0",
		TLS:     true,
		Logger:  testLogger(),
	}, func(conn net.Conn, viaTLS bool) {
		got <- viaTLS
		conn.Close()
	})

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()

	select {
	case viaTLS := <-got:
		if !viaTLS {
			t.Error("Expected viaTLS=true from a TLS listener")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for accept")
	}
}

func TestServer_BindFailureSurfaces(t *testing.T) {
	srv := New(Config{
		Address: "invalid:address:99999",
		Logger:  testLogger(),
	}, func(conn net.Conn, viaTLS bool) { conn.Close() })

	if err := srv.Listen(); err == nil {
		srv.Close()
		t.Error("Expected error for invalid address")
	}
}

func TestServer_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	srv := New(Config{
		Address: ln.Addr().String(),
		Logger:  testLogger(),
	}, func(conn net.Conn, viaTLS bool) { conn.Close() })

	if err := srv.Listen(); err == nil {
		srv.Close()
		t.Error("Expected bind failure on a busy port")
	}
}

func TestServer_CloseStopsAccepting(t *testing.T) {
	srv := New(Config{
		Address: "localhost:0",
		Logger:  testLogger(),
	}, func(conn net.Conn, viaTLS bool) { conn.Close() })

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := srv.Addr().String()
	srv.Close()

	// The bound socket is released; a fresh dial must fail.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return
		}
		conn.Close()
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("Listener still accepting after Close")
}

func TestServer_CloseBeforeListen(t *testing.T) {
	srv := New(Config{Address: "localhost:0", Logger: testLogger()},
		func(conn net.Conn, viaTLS bool) { conn.Close() })
	srv.Close()
	srv.Close()
}

func TestServer_RateLimitRejects(t *testing.T) {
	var accepted atomic.Int32

	limiter := ratelimit.NewLimiter(2, 1, 0)
	defer limiter.Close()

	srv := New(Config{
		Address:   "localhost:0",
		RateLimit: limiter,
		Logger:    testLogger(),
	}, func(conn net.Conn, viaTLS bool) {
		accepted.Add(1)
		conn.Close()
	})

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	// Burst past the bucket: only the first two accepts pass.
	for i := 0; i < 5; i++ {
		conn, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		conn.Close()
	}

	time.Sleep(200 * time.Millisecond)
	if got := accepted.Load(); got != 2 {
		t.Errorf("Expected 2 accepted connections under rate limit, got %d", got)
	}
}
