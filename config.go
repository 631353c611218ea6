// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

// Package mitmqtt holds the environment-driven configuration shared by the
// proxy binaries.
package mitmqtt

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the proxy configuration, loaded from the environment.
type Config struct {
	// Listeners
	Host    string `env:"HOST"     envDefault:"0.0.0.0"`
	Port    int    `env:"PORT"     envDefault:"1883"`
	TLSPort int    `env:"TLS_PORT" envDefault:"8883"`

	// Upstream broker
	BrokerHost string `env:"BROKER_HOST" envDefault:"test.mosquitto.org"`
	BrokerPort int    `env:"BROKER_PORT" envDefault:"1883"`

	// TLS material. When both paths are set the TLS listener starts; when
	// GenerateCert is set and the certificate file is missing, a
	// self-signed certificate and key are minted at the configured paths.
	CertFile     string `env:"CERT_FILE"`
	KeyFile      string `env:"KEY_FILE"`
	GenerateCert bool   `env:"GENERATE_CERT" envDefault:"false"`

	// Observability
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"text"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	FeedPort    int    `env:"FEED_PORT"    envDefault:"8081"`

	// Limits
	CaptureLimit      int           `env:"CAPTURE_LIMIT"       envDefault:"1000"`
	DialTimeout       time.Duration `env:"DIAL_TIMEOUT"        envDefault:"10s"`
	AcceptRateBurst   int64         `env:"ACCEPT_RATE_BURST"   envDefault:"0"`
	AcceptRatePerSec  int64         `env:"ACCEPT_RATE_PER_SEC" envDefault:"10"`
	BreakerFailures   int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerResetAfter time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
}

// NewConfig loads a Config from the environment using the given options
// (typically a variable prefix).
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
