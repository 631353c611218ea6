// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

// Package export streams capture records to operator clients over
// WebSocket. It is the out-of-process operator surface: subscribe to the
// feed endpoint and every packet the proxy captures arrives as one JSON
// message.
package export

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PrathameshWalunj/MITMqtt/pkg/capture"
)

// Event is one capture record as sent to feed subscribers.
type Event struct {
	Direction string    `json:"direction"`
	Type      string    `json:"type"`
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const writeTimeout = 5 * time.Second

// Feed broadcasts capture events to connected WebSocket subscribers.
// Publish writes to each subscriber in turn with a write deadline of
// writeTimeout, so a slow subscriber delays Publish by up to that deadline;
// a failed or timed-out write drops that subscriber.
type Feed struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}

	// writeMu serializes Publish calls from concurrent relay goroutines;
	// gorilla connections allow only one writer at a time.
	writeMu sync.Mutex
}

// NewFeed creates an empty feed.
func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		logger: logger,
		upgrader: websocket.Upgrader{
			// The feed is an operator tool on a local interface.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[*websocket.Conn]struct{}),
	}
}

// Handler upgrades the request and registers the connection as a
// subscriber until the peer closes it.
func (f *Feed) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.logger.Warn("feed upgrade failed", slog.String("error", err.Error()))
			return
		}

		f.mu.Lock()
		f.subs[conn] = struct{}{}
		n := len(f.subs)
		f.mu.Unlock()
		f.logger.Debug("feed subscriber connected",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.Int("subscribers", n))

		// Drain the connection to notice the peer going away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					f.remove(conn)
					return
				}
			}
		}()
	}
}

// Publish sends a capture record to every subscriber.
func (f *Feed) Publish(dir capture.Direction, typeLabel, summary string) {
	ev := Event{
		Direction: dir.String(),
		Type:      typeLabel,
		Summary:   summary,
		Timestamp: time.Now(),
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.subs))
	for c := range f.subs {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteJSON(ev); err != nil {
			f.remove(c)
		}
	}
}

// Subscribers returns the current subscriber count.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close disconnects all subscribers.
func (f *Feed) Close() {
	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.subs))
	for c := range f.subs {
		conns = append(conns, c)
	}
	f.subs = make(map[*websocket.Conn]struct{})
	f.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (f *Feed) remove(conn *websocket.Conn) {
	f.mu.Lock()
	delete(f.subs, conn)
	f.mu.Unlock()
	conn.Close()
}
