// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

// Package tcp provides the accept loop for the proxy: a listener that hands
// every accepted socket to the coordinator, which constructs a fresh
// connection pair around it. Plain and TLS-terminated listeners may run
// concurrently.
package tcp
