// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"crypto/tls"
	"net"
)

// NewTLSPair creates a TLS-terminated pair: the client socket is wrapped in
// a TLS server stream and the handshake runs before any reading begins. The
// broker side stays plain TCP — the proxy terminates TLS and does not
// re-encrypt upstream.
//
// The relay loops are the same as for a plain pair; only the client stream
// type differs.
func NewTLSPair(client net.Conn, tlsConf *tls.Config, cfg Config) *Pair {
	tc := tls.Server(client, tlsConf)
	p := NewPair(tc, cfg)
	p.viaTLS = true
	p.handshake = tc.HandshakeContext
	return p
}
