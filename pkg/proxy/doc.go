// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides the coordinator that owns the listeners, the
// capture store, the broker configuration, and the TLS material, and exposes
// the operator control surface: start/stop, inject, replay, callbacks.
package proxy
