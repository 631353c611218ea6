// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for MITMqtt.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Pair lifecycle
	ActivePairs *prometheus.GaugeVec
	PairsTotal  *prometheus.CounterVec

	// Relay traffic
	PacketsTotal   *prometheus.CounterVec
	BytesForwarded *prometheus.CounterVec

	// Broker side
	BrokerDials *prometheus.CounterVec

	// Operator actions
	Injections *prometheus.CounterVec
	Replays    prometheus.Counter

	// Capture store
	CaptureStoreSize prometheus.Gauge

	// Accept-side rejections
	RateLimitedAccepts prometheus.Counter
}

// New creates all counters and gauges under the given namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mitmqtt"
	}

	return &Metrics{
		ActivePairs: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_pairs",
				Help:      "Number of currently active connection pairs",
			},
			[]string{"listener"},
		),
		PairsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pairs_total",
				Help:      "Total number of accepted connection pairs",
			},
			[]string{"listener"},
		),
		PacketsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_total",
				Help:      "Total number of relayed MQTT packets",
			},
			[]string{"packet_type", "direction"},
		),
		BytesForwarded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_forwarded_total",
				Help:      "Total bytes forwarded between peers",
			},
			[]string{"direction"},
		),
		BrokerDials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_dials_total",
				Help:      "Total broker connect attempts",
			},
			[]string{"status"},
		),
		Injections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "injected_packets_total",
				Help:      "Total synthetic PUBLISH packets injected",
			},
			[]string{"target"},
		),
		Replays: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replayed_packets_total",
				Help:      "Total captured packets replayed",
			},
		),
		CaptureStoreSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "capture_store_size",
				Help:      "Current number of entries in the capture store",
			},
		),
		RateLimitedAccepts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_accepts_total",
				Help:      "Total connections dropped by the accept rate limiter",
			},
		),
	}
}
