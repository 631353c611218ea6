// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/PrathameshWalunj/MITMqtt/pkg/ratelimit"
)

// ConnFunc receives every accepted socket. viaTLS reports which listener
// accepted it; TLS termination itself happens inside the connection pair.
type ConnFunc func(conn net.Conn, viaTLS bool)

// Config holds the listener configuration.
type Config struct {
	// Address is the listen address (host:port). The host is a textual IP;
	// 0.0.0.0 means all interfaces.
	Address string

	// TLS marks the sockets accepted by this listener as TLS-terminated.
	TLS bool

	// RateLimit optionally bounds accepts per source IP. Connections over
	// the limit are closed immediately.
	RateLimit *ratelimit.Limiter

	// OnRateLimited is invoked for every connection dropped by RateLimit.
	OnRateLimited func()

	// Logger for listener events
	Logger *slog.Logger
}

// Server is the accept loop. Bind errors surface from Listen; accept errors
// are logged and the loop continues until Close.
type Server struct {
	config Config
	accept ConnFunc

	mu       sync.Mutex
	listener net.Listener
}

// New creates a listener that hands accepted sockets to accept.
func New(cfg Config, accept ConnFunc) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{config: cfg, accept: accept}
}

// Listen binds the configured address and starts the accept loop in the
// background. It returns once the socket is bound so bind failures surface
// to the caller.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.config.Logger.Info("listener started",
		slog.String("address", ln.Addr().String()),
		slog.Bool("tls", s.config.TLS))

	go s.serve(ln)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// serve accepts until the listener is closed.
func (s *Server) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.config.Logger.Error("failed to accept connection",
				slog.String("error", err.Error()))
			continue
		}

		if s.config.RateLimit != nil {
			host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
			if err != nil {
				host = conn.RemoteAddr().String()
			}
			if !s.config.RateLimit.Allow(host) {
				s.config.Logger.Warn("connection rate limited",
					slog.String("remote", conn.RemoteAddr().String()))
				if s.config.OnRateLimited != nil {
					s.config.OnRateLimited()
				}
				conn.Close()
				continue
			}
		}

		s.accept(conn, s.config.TLS)
	}
}

// Close stops the accept loop by closing the listening socket. Any pending
// accept completes with a closed-listener error. Safe to call before Listen
// and multiple times.
func (s *Server) Close() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
}
