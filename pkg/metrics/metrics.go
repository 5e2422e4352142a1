// RDP MITM Go - Intercepting relay for RDP sessions
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes relay activity as Prometheus metrics.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally and callers pass nil when metrics are disabled.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rdpmitm"

// Leg labels.
const (
	LegClient = "client"
	LegServer = "server"
)

// Metrics holds every collector of the relay.
type Metrics struct {
	sessionsTotal     prometheus.Counter
	sessionsActive    prometheus.Gauge
	sessionDuration   prometheus.Histogram
	negotiations      *prometheus.CounterVec
	pdus              *prometheus.CounterVec
	bytes             *prometheus.CounterVec
	forgedRequests    *prometheus.CounterVec
	filesExtracted    *prometheus.CounterVec
	bytesExtracted    prometheus.Counter
	credentials       *prometheus.CounterVec
	clipboardTransfer *prometheus.CounterVec
}

// New registers the relay collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of client connections accepted",
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently relayed",
		}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of relayed sessions",
			Buckets: []float64{
				1,     // failed negotiation
				10,    // login only
				60,    // 1m
				300,   // 5m
				1800,  // 30m
				3600,  // 1h
				14400, // 4h - long admin sessions
			},
		}),
		negotiations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Connection negotiations by outcome",
		}, []string{"outcome"}), // rdp, ssl, fake-server, redirect, capture, failed
		pdus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pdus_total",
			Help:      "PDUs received per leg and layer",
		}, []string{"leg", "layer"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes read from each leg",
		}, []string{"leg"}),
		forgedRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forged_requests_total",
			Help:      "Forged device I/O requests by kind and outcome",
		}, []string{"kind", "outcome"}), // kind: read, list; outcome: ok, error, abandoned
		filesExtracted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_extracted_total",
			Help:      "Files finalized from device redirection traffic",
		}, []string{"outcome"}), // saved, duplicate
		bytesExtracted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extracted_bytes_total",
			Help:      "Bytes of file content written to the output tree",
		}),
		credentials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_captured_total",
			Help:      "Captured credentials by source",
		}, []string{"source"}), // client_info, netntlmv2, keystrokes
		clipboardTransfer: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_transfers_total",
			Help:      "Clipboard data transfers by outcome",
		}, []string{"outcome"}), // text, file, timeout, cancelled
	}
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionEnded(d time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionDuration.Observe(d.Seconds())
}

func (m *Metrics) Negotiated(outcome string) {
	if m == nil {
		return
	}
	m.negotiations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PDU(leg, layer string) {
	if m == nil {
		return
	}
	m.pdus.WithLabelValues(leg, layer).Inc()
}

func (m *Metrics) Bytes(leg string, n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(leg).Add(float64(n))
}

func (m *Metrics) ForgedRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.forgedRequests.WithLabelValues(kind, outcome).Inc()
}

// FileExtracted records a finalized file; duplicate files are dropped
// and add no bytes.
func (m *Metrics) FileExtracted(size int64, duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.filesExtracted.WithLabelValues("duplicate").Inc()
		return
	}
	m.filesExtracted.WithLabelValues("saved").Inc()
	m.bytesExtracted.Add(float64(size))
}

func (m *Metrics) CredentialsCaptured(source string) {
	if m == nil {
		return
	}
	m.credentials.WithLabelValues(source).Inc()
}

func (m *Metrics) ClipboardTransfer(outcome string) {
	if m == nil {
		return
	}
	m.clipboardTransfer.WithLabelValues(outcome).Inc()
}

// Serve exposes reg on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics server listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
