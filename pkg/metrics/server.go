// HTTP server for the Prometheus metrics endpoint
//
// Used by the one-shot `run` command, which has no control API of its own.
// The long-running server mounts Handler on its own router instead.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServerConfig holds server configuration
type MetricsServerConfig struct {
	// Address to listen on (e.g., ":9100" or "127.0.0.1:9100")
	Address string

	// Optional basic auth credentials
	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultMetricsServerConfig returns default server configuration
func DefaultMetricsServerConfig() MetricsServerConfig {
	return MetricsServerConfig{
		Address:      ":9100",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Handler returns the /metrics handler for m, wrapped in basic auth when
// a username is set.
func (m *ShockMetrics) Handler(username, password string) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	if username == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// MetricsServer serves Prometheus metrics over HTTP
type MetricsServer struct {
	server *http.Server
	ln     net.Listener
}

// NewMetricsServer creates a server for m.
func NewMetricsServer(m *ShockMetrics, config MetricsServerConfig) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler(config.Username, config.Password))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK\n"))
	})
	return &MetricsServer{
		server: &http.Server{
			Addr:         config.Address,
			Handler:      mux,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		},
	}
}

// Listen binds the listen address so that Addr is known before Serve.
func (ms *MetricsServer) Listen() error {
	ln, err := net.Listen("tcp", ms.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	ms.ln = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (ms *MetricsServer) Addr() string {
	if ms.ln != nil {
		return ms.ln.Addr().String()
	}
	return ms.server.Addr
}

// Serve blocks until the server stops, binding first if needed.
func (ms *MetricsServer) Serve() error {
	if ms.ln == nil {
		if err := ms.Listen(); err != nil {
			return err
		}
	}
	if err := ms.server.Serve(ms.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
