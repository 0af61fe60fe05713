/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kmilterd/milter"
)

var (
	registerOnce sync.Once

	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kmilterd",
			Subsystem: "connections",
			Name:      "total",
			Help:      "Total accepted MTA connections.",
		},
		[]string{"mode"},
	)
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kmilterd",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Currently open MTA connections.",
		},
		[]string{"mode"},
	)
	connectionsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kmilterd",
			Subsystem: "connections",
			Name:      "failed_total",
			Help:      "MTA connections closed because of an error.",
		},
		[]string{"mode", "reason"},
	)
	packetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kmilterd",
			Subsystem: "milter",
			Name:      "packets_total",
			Help:      "Received milter packets by command.",
		},
		[]string{"command"},
	)
	deferredPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kmilterd",
			Subsystem: "milter",
			Name:      "deferred_pending",
			Help:      "Deferred tasks waiting for completion.",
		},
	)
)

// RegisterMetrics registers the collectors with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectionsTotal, connectionsActive, connectionsFailed, packetsTotal, deferredPending)
	})
}

func recordConnectionOpened(mode string) {
	connectionsTotal.WithLabelValues(mode).Inc()
	connectionsActive.WithLabelValues(mode).Inc()
}

func recordConnectionClosed(mode string) {
	connectionsActive.WithLabelValues(mode).Dec()
}

func recordConnectionFailed(mode string, err error) {
	connectionsFailed.WithLabelValues(mode, failureReason(err)).Inc()
}

func recordPacket(p *milter.Packet) {
	packetsTotal.WithLabelValues(string(p.Code)).Inc()
}

func recordDeferredPending(n int) {
	deferredPending.Set(float64(n))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, milter.ErrFraming):
		return "framing"
	case errors.Is(err, milter.ErrUnsupportedStage):
		return "unsupported"
	case errors.Is(err, milter.ErrNegotiation):
		return "negotiation"
	case errors.Is(err, milter.ErrCallback):
		return "callback"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "io"
}

// serveMetrics serves the prometheus handler until ctx is done.
func serveMetrics(ctx context.Context, listenAddr string, logger logrus.FieldLogger) error {
	RegisterMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("listen_addr", listenAddr).Infoln("metrics listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newAcceptBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    1 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}
