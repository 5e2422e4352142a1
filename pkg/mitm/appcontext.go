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

package mitm

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/x-stp/rdp-mitm-go/internal/config"
	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/metrics"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

// DialFunc opens the server leg of a session.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

// RecorderFactory opens the event sink of a new session.
type RecorderFactory func(sessionID string) (recording.Sink, error)

// AppContext is everything sessions share. It is created once at startup and
// is read-only afterwards, except for the key log writer which serializes
// its own writes.
type AppContext struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Patterns *Patterns

	// Certificate is presented to clients on the TLS leg
	Certificate tls.Certificate
	// RSAKey replaces the server key in standard RDP security certificates
	RSAKey *rsa.PrivateKey
	// KeyLog receives NSS key log lines for both TLS legs; may be nil
	KeyLog io.Writer

	NewRecorder RecorderFactory
	Dial        DialFunc

	closers []io.Closer
}

// NewAppContext loads the certificate, relay key and crawler patterns named
// by cfg and prepares the output tree.
func NewAppContext(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*AppContext, error) {
	if log == nil {
		log = logger.Discard()
	}
	for _, dir := range []string{cfg.Output.Directory, cfg.Output.FilesDir(), cfg.Output.FilesystemsDir(), cfg.Output.CertsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	cert, err := rdp.LoadOrCreateCertificate(cfg.TLS.Certificate, cfg.TLS.PrivateKey, cfg.Output.CertsDir(), "rdp-mitm")
	if err != nil {
		return nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate relay RSA key: %w", err)
	}

	patterns, err := LoadPatterns(cfg.Crawler.MatchFile, cfg.Crawler.IgnoreFile)
	if err != nil {
		return nil, err
	}

	app := &AppContext{
		Config:      cfg,
		Logger:      log,
		Metrics:     m,
		Patterns:    patterns,
		Certificate: cert,
		RSAKey:      key,
		Dial:        TCPDialer(cfg.Session.ConnectTimeout),
	}

	keyLog, err := os.OpenFile(cfg.Output.TLSSecretsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open TLS secrets log: %w", err)
	}
	app.KeyLog = &syncWriter{w: keyLog}
	app.closers = append(app.closers, keyLog)

	if cfg.Recording.Enabled {
		app.NewRecorder = FileRecorder(cfg.Output.ReplaysDir())
	}
	return app, nil
}

// Close releases files held for the lifetime of the process.
func (a *AppContext) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// TLSConfig returns the handshake settings of a session whose server leg
// connects to serverName.
func (a *AppContext) TLSConfig(serverName string) *rdp.TLSConfig {
	return &rdp.TLSConfig{
		ServerName:  serverName,
		Certificate: a.Certificate,
		KeyLog:      a.KeyLog,
		Timeout:     a.Config.Session.TLSHandshakeTimeout,
	}
}

// TCPDialer dials with the given connect timeout.
func TCPDialer(timeout time.Duration) DialFunc {
	d := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context, address string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", address)
	}
}

// FileRecorder writes one replay file per session under dir.
func FileRecorder(dir string) RecorderFactory {
	return func(sessionID string) (recording.Sink, error) {
		name := fmt.Sprintf("%s_%s.replay", time.Now().UTC().Format("20060102-150405"), sessionID)
		return recording.NewFileSink(filepath.Join(dir, name))
	}
}

// syncWriter serializes writes from concurrent sessions.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
