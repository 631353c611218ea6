// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

// Package packet implements the MQTT 3.1.1 control packet codec used by the
// relay loops: best-effort decoding of captured byte chunks and encoding of
// synthetic QoS 0 PUBLISH packets for injection.
package packet
