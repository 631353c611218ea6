// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

// Command mitmqtt runs the intercepting MQTT proxy: a plain listener, an
// optional TLS-terminating listener, Prometheus metrics, health endpoints,
// and the operator WebSocket capture feed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	mitmqtt "github.com/PrathameshWalunj/MITMqtt"
	"github.com/PrathameshWalunj/MITMqtt/pkg/breaker"
	"github.com/PrathameshWalunj/MITMqtt/pkg/certs"
	"github.com/PrathameshWalunj/MITMqtt/pkg/export"
	"github.com/PrathameshWalunj/MITMqtt/pkg/health"
	"github.com/PrathameshWalunj/MITMqtt/pkg/metrics"
	"github.com/PrathameshWalunj/MITMqtt/pkg/proxy"
	"github.com/PrathameshWalunj/MITMqtt/pkg/ratelimit"
)

const envPrefix = "MITMQTT_"

func main() {
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	cfg, err := mitmqtt.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting MITMqtt",
		slog.String("broker", fmt.Sprintf("%s:%d", cfg.BrokerHost, cfg.BrokerPort)),
		slog.Int("port", cfg.Port))

	m := metrics.New("mitmqtt")

	cb := breaker.New(breaker.Config{
		MaxFailures:  cfg.BreakerFailures,
		ResetTimeout: cfg.BreakerResetAfter,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("broker circuit state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	})

	var limiter *ratelimit.Limiter
	if cfg.AcceptRateBurst > 0 {
		limiter = ratelimit.NewLimiter(cfg.AcceptRateBurst, cfg.AcceptRatePerSec, 0)
		defer limiter.Close()
	}

	p := proxy.New(proxy.Config{
		Logger:       logger,
		Metrics:      m,
		Breaker:      cb,
		RateLimit:    limiter,
		CaptureLimit: cfg.CaptureLimit,
		DialTimeout:  cfg.DialTimeout,
	})
	p.SetBrokerConfig(cfg.BrokerHost, cfg.BrokerPort)

	feed := export.NewFeed(logger)
	defer feed.Close()
	p.SetPacketCallback(feed.Publish)

	if err := p.Start(cfg.Host, cfg.Port); err != nil {
		logger.Error("failed to start listener", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := startTLS(p, cfg, logger); err != nil {
		logger.Warn("TLS listener not started", slog.String("error", err.Error()))
	}

	checker := health.NewChecker(10 * time.Second)
	checker.Register("listener", func(ctx context.Context) error {
		if p.Addr() == nil {
			return fmt.Errorf("plain listener down")
		}
		return nil
	})
	checker.Register("goroutines", func(ctx context.Context) error {
		if n := runtime.NumGoroutine(); n > 50000 {
			return fmt.Errorf("too many goroutines: %d", n)
		}
		return nil
	})
	checker.Register("capture_store", func(ctx context.Context) error {
		m.CaptureStoreSize.Set(float64(p.Store().Len()))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveHTTP(ctx, cfg.MetricsPort, "/metrics", promhttp.Handler(), logger)
	})
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", checker.HTTPHandler())
		mux.HandleFunc("/ready", checker.ReadinessHandler())
		mux.HandleFunc("/live", health.LivenessHandler())
		return serveHTTP(ctx, cfg.HealthPort, "/", mux, logger)
	})
	g.Go(func() error {
		// No write timeout here: feed connections are long-lived WebSockets.
		mux := http.NewServeMux()
		mux.HandleFunc("/feed", feed.Handler())
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.FeedPort),
			Handler: mux,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info("feed server started", slog.String("address", srv.Addr))
			errCh <- srv.ListenAndServe()
		}()
		select {
		case <-ctx.Done():
			srv.Close()
			return ctx.Err()
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	err = g.Wait()
	p.Stop()
	if err != nil && err != context.Canceled {
		logger.Error("MITMqtt terminated with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("MITMqtt stopped")
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// startTLS loads (or generates) the server certificate and opens the TLS
// listener. Missing certificate configuration is not fatal; the plain
// listener keeps running.
func startTLS(p *proxy.Proxy, cfg mitmqtt.Config, logger *slog.Logger) error {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return fmt.Errorf("certificate not configured")
	}

	if cfg.GenerateCert {
		if _, err := os.Stat(cfg.CertFile); os.IsNotExist(err) {
			logger.Info("generating self-signed certificate",
				slog.String("cert", cfg.CertFile),
				slog.String("key", cfg.KeyFile))
			if err := certs.Generate([]string{cfg.Host, "localhost"}, cfg.CertFile, cfg.KeyFile); err != nil {
				return err
			}
		}
	}

	if err := p.SetTLSCertificate(cfg.CertFile, cfg.KeyFile); err != nil {
		return err
	}
	return p.StartTLS(cfg.Host, cfg.TLSPort)
}

// serveHTTP runs one ancillary HTTP server until the context is cancelled.
func serveHTTP(ctx context.Context, port int, path string, h http.Handler, logger *slog.Logger) error {
	mux, ok := h.(*http.ServeMux)
	if !ok {
		mux = http.NewServeMux()
		mux.Handle(path, h)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
