// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument implements the relay server's prometheus metrics.
package instrument

import (
	"errors"
	stdlog "log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/katzenpost/encrelay/core/log"
)

var (
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "encrelay_connections",
			Help: "Number of currently connected sessions",
		},
	)
	acceptedConns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "encrelay_accepted_connections_total",
			Help: "Number of accepted connections",
		},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encrelay_handshakes_total",
			Help: "Number of handshakes by result",
		},
		[]string{"result"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encrelay_frames_received_total",
			Help: "Number of frames received by tag",
		},
		[]string{"tag"},
	)
	framesIgnored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encrelay_frames_ignored_total",
			Help: "Number of frames dropped without being relayed, by tag",
		},
		[]string{"tag"},
	)
	deliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "encrelay_deliveries_total",
			Help: "Number of frames enqueued for delivery to a session",
		},
	)
	deliveriesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encrelay_deliveries_failed_total",
			Help: "Number of failed deliveries by reason, each pruning the recipient",
		},
		[]string{"reason"},
	)
	diagnosticsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "encrelay_diagnostics_dropped_total",
			Help: "Number of frames the diagnostic sink had no room for",
		},
	)

	registerOnce sync.Once
)

func register() {
	prometheus.MustRegister(connections)
	prometheus.MustRegister(acceptedConns)
	prometheus.MustRegister(handshakes)
	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(framesIgnored)
	prometheus.MustRegister(deliveries)
	prometheus.MustRegister(deliveriesFailed)
	prometheus.MustRegister(diagnosticsDropped)
}

// Init registers the metrics, and if addr is set, exposes them via HTTP at
// /metrics.  The returned server is nil if addr is empty.
func Init(addr string, logBackend *log.Backend) *http.Server {
	registerOnce.Do(register)
	if addr == "" {
		return nil
	}

	l := logBackend.GetLogger("instrument")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:     addr,
		Handler:  mux,
		ErrorLog: stdlog.New(logBackend.GetLogWriter("instrument", "WARNING"), "", 0),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Errorf("Metrics endpoint failed: %v", err)
		}
	}()
	l.Noticef("Exposing metrics on: %v", addr)
	return srv
}

// ConnectionOpened records a newly accepted connection.
func ConnectionOpened() {
	acceptedConns.Inc()
	connections.Inc()
}

// ConnectionClosed records a connection teardown.
func ConnectionClosed() {
	connections.Dec()
}

// Handshake records a handshake outcome.
func Handshake(ok bool) {
	if ok {
		handshakes.With(prometheus.Labels{"result": "ok"}).Inc()
	} else {
		handshakes.With(prometheus.Labels{"result": "failed"}).Inc()
	}
}

// FrameReceived records a frame read from a session.
func FrameReceived(tag string) {
	framesReceived.With(prometheus.Labels{"tag": tag}).Inc()
}

// FrameIgnored records a frame that was logged and dropped.
func FrameIgnored(tag string) {
	framesIgnored.With(prometheus.Labels{"tag": tag}).Inc()
}

// Delivered records n successful enqueues.
func Delivered(n int) {
	deliveries.Add(float64(n))
}

// DeliveryFailed records a failed enqueue.
func DeliveryFailed(reason string) {
	deliveriesFailed.With(prometheus.Labels{"reason": reason}).Inc()
}

// DiagnosticsDropped records a frame the diagnostic sink dropped.
func DiagnosticsDropped() {
	diagnosticsDropped.Inc()
}
