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
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/rdp-mitm-go/internal/config"
	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

// tcpPair returns both ends of a loopback TCP connection. Unlike net.Pipe,
// writes do not wait for the reader.
func tcpPair() (net.Conn, net.Conn, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	s, ok := <-accepted
	if !ok {
		c.Close()
		return nil, nil, net.ErrClosed
	}
	return c, s, nil
}

type memSink struct {
	mu     sync.Mutex
	events []recording.Event
}

func (m *memSink) Record(ev recording.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) ofType(t recording.EventType) []recording.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []recording.Event
	for _, ev := range m.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type dialed struct {
	address string
	conn    net.Conn
}

type sessionHarness struct {
	app     *AppContext
	session *Session
	client  net.Conn
	dials   chan dialed
	sink    *memSink
	errc    chan error
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Output.Directory = t.TempDir()
	cfg.Target.Host = "rdp.test"
	cfg.Target.Port = 3389
	return cfg
}

func startSession(t *testing.T, cfg *config.Config) *sessionHarness {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	cert, err := rdp.LoadOrCreateCertificate("", "", t.TempDir(), "relay.test")
	require.NoError(t, err)
	patterns, err := LoadPatterns("", "")
	require.NoError(t, err)

	h := &sessionHarness{
		dials: make(chan dialed, 4),
		sink:  &memSink{},
		errc:  make(chan error, 1),
	}
	h.app = &AppContext{
		Config:      cfg,
		Logger:      logger.Discard(),
		Patterns:    patterns,
		Certificate: cert,
		RSAKey:      key,
		NewRecorder: func(string) (recording.Sink, error) { return h.sink, nil },
		Dial: func(_ context.Context, address string) (net.Conn, error) {
			relaySide, remote, err := tcpPair()
			if err != nil {
				return nil, err
			}
			h.dials <- dialed{address, remote}
			return relaySide, nil
		},
	}

	client, relaySide, err := tcpPair()
	require.NoError(t, err)
	h.client = client
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.session = NewSession(h.app, relaySide)
	go func() { h.errc <- h.session.Run(ctx) }()
	return h
}

func (h *sessionHarness) dial(t *testing.T) dialed {
	t.Helper()
	select {
	case d := <-h.dials:
		t.Cleanup(func() { d.conn.Close() })
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not dial")
		return dialed{}
	}
}

func (h *sessionHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func writeTPDU(t *testing.T, conn net.Conn, tpdu interface{ Encode() []byte }) {
	t.Helper()
	_, err := conn.Write(rdp.EncodeTPKT(tpdu.Encode()))
	require.NoError(t, err)
}

func readTPDU(t *testing.T, conn net.Conn) any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	header, err := rdp.ReadTPKTHeader(conn)
	require.NoError(t, err)
	payload := make([]byte, header.PayloadSize())
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	tpdu, err := rdp.ParseX224(payload)
	require.NoError(t, err)
	return tpdu
}

func readConnectionRequest(t *testing.T, conn net.Conn) *rdp.X224ConnectionRequest {
	t.Helper()
	cr, ok := readTPDU(t, conn).(*rdp.X224ConnectionRequest)
	require.True(t, ok, "expected a connection request")
	return cr
}

func readConnectionConfirm(t *testing.T, conn net.Conn) *rdp.X224ConnectionConfirm {
	t.Helper()
	cc, ok := readTPDU(t, conn).(*rdp.X224ConnectionConfirm)
	require.True(t, ok, "expected a connection confirm")
	return cc
}

func assertClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := io.ReadAll(conn)
	assert.NoError(t, err)
}

func clientRequest(protocols uint32) *rdp.X224ConnectionRequest {
	return &rdp.X224ConnectionRequest{
		Cookie: []byte("Cookie: mstshash=alice\r\n"),
		NegReq: rdp.NewRDPNegReq(protocols),
	}
}

func TestSessionNarrowsConnectionRequest(t *testing.T) {
	h := startSession(t, testConfig(t))
	server := h.dial(t)
	assert.Equal(t, "rdp.test:3389", server.address)

	writeTPDU(t, h.client, clientRequest(rdp.PROTOCOL_SSL|rdp.PROTOCOL_HYBRID))
	cr := readConnectionRequest(t, server.conn)
	require.NotNil(t, cr.NegReq)
	assert.EqualValues(t, rdp.PROTOCOL_SSL, cr.NegReq.Protocols)
	assert.Equal(t, "Cookie: mstshash=alice\r\n", string(cr.Cookie))

	writeTPDU(t, server.conn, &rdp.X224ConnectionConfirm{NegRsp: rdp.NewRDPNegRsp(rdp.PROTOCOL_RDP, 0)})
	cc := readConnectionConfirm(t, h.client)
	require.NotNil(t, cc.NegRsp)
	assert.EqualValues(t, rdp.PROTOCOL_RDP, cc.NegRsp.Protocols)

	// the client hangs up; the server is told
	h.client.Close()
	_, ok := readTPDU(t, server.conn).(*rdp.X224DisconnectRequest)
	assert.True(t, ok, "expected a disconnect request")
	assert.NoError(t, h.wait(t))

	require.Len(t, h.sink.ofType(recording.EventConnectionStart), 1)
	require.Len(t, h.sink.ofType(recording.EventConnectionClose), 1)
}

func TestSessionRejectsDisallowedProtocols(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Protocols = []string{config.ProtocolSSL}
	h := startSession(t, cfg)
	server := h.dial(t)

	writeTPDU(t, h.client, &rdp.X224ConnectionRequest{Cookie: []byte("Cookie: mstshash=bob\r\n")})
	cc := readConnectionConfirm(t, h.client)
	require.NotNil(t, cc.NegFailure)
	assert.EqualValues(t, rdp.SSL_REQUIRED_BY_SERVER, cc.NegFailure.FailureCode)

	assert.ErrorIs(t, h.wait(t), ErrNegotiationFailed)
	_, ok := readTPDU(t, server.conn).(*rdp.X224DisconnectRequest)
	assert.True(t, ok, "server never saw a request, only the disconnect")
}

func TestSessionServerFailureIsForwarded(t *testing.T) {
	h := startSession(t, testConfig(t))
	server := h.dial(t)

	writeTPDU(t, h.client, clientRequest(rdp.PROTOCOL_SSL))
	readConnectionRequest(t, server.conn)
	writeTPDU(t, server.conn, &rdp.X224ConnectionConfirm{NegFailure: rdp.NewRDPNegFailure(rdp.SSL_NOT_ALLOWED_BY_SERVER)})

	cc := readConnectionConfirm(t, h.client)
	require.NotNil(t, cc.NegFailure)
	assert.EqualValues(t, rdp.SSL_NOT_ALLOWED_BY_SERVER, cc.NegFailure.FailureCode)
	assert.ErrorIs(t, h.wait(t), ErrNegotiationFailed)
}

func TestSessionNLAFallback(t *testing.T) {
	tests := []struct {
		name string
		// configure enables fallbacks
		configure func(*config.Config)
		// second is how the redirect target answers; nil when no
		// reconnect is expected
		second   *rdp.X224ConnectionConfirm
		selected uint32
		failure  uint32
	}{
		{
			name:      "no fallback configured",
			configure: func(*config.Config) {},
			failure:   rdp.HYBRID_REQUIRED_BY_SERVER,
		},
		{
			name:      "capture needs a client offering CredSSP",
			configure: func(c *config.Config) { c.NLA.Capture.Enabled = true },
			failure:   rdp.HYBRID_REQUIRED_BY_SERVER,
		},
		{
			name: "redirect",
			configure: func(c *config.Config) {
				c.NLA.Redirect.Host = "127.0.0.1"
				c.NLA.Redirect.Port = 3390
			},
			second:   &rdp.X224ConnectionConfirm{NegRsp: rdp.NewRDPNegRsp(rdp.PROTOCOL_RDP, 0)},
			selected: rdp.PROTOCOL_RDP,
		},
		{
			name: "redirect target refuses too",
			configure: func(c *config.Config) {
				c.NLA.Redirect.Host = "127.0.0.1"
				c.NLA.Redirect.Port = 3390
			},
			second:  &rdp.X224ConnectionConfirm{NegFailure: rdp.NewRDPNegFailure(rdp.HYBRID_REQUIRED_BY_SERVER)},
			failure: rdp.HYBRID_REQUIRED_BY_SERVER,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.configure(cfg)
			h := startSession(t, cfg)
			first := h.dial(t)

			writeTPDU(t, h.client, clientRequest(rdp.PROTOCOL_SSL))
			readConnectionRequest(t, first.conn)
			writeTPDU(t, first.conn, &rdp.X224ConnectionConfirm{NegFailure: rdp.NewRDPNegFailure(rdp.HYBRID_REQUIRED_BY_SERVER)})

			if tt.second != nil {
				second := h.dial(t)
				assert.Equal(t, "127.0.0.1:3390", second.address)
				assertClosed(t, first.conn)

				cr := readConnectionRequest(t, second.conn)
				require.NotNil(t, cr.NegReq)
				assert.EqualValues(t, rdp.PROTOCOL_SSL, cr.NegReq.Protocols)
				assert.Equal(t, "Cookie: mstshash=alice\r\n", string(cr.Cookie))
				writeTPDU(t, second.conn, tt.second)
			}

			cc := readConnectionConfirm(t, h.client)
			if tt.failure != 0 {
				require.NotNil(t, cc.NegFailure)
				assert.Equal(t, tt.failure, cc.NegFailure.FailureCode)
				assert.ErrorIs(t, h.wait(t), ErrNegotiationFailed)
				return
			}
			require.NotNil(t, cc.NegRsp)
			assert.Equal(t, tt.selected, cc.NegRsp.Protocols)
			h.client.Close()
			assert.NoError(t, h.wait(t))
		})
	}
}

func readTSRequest(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := rdp.TSRequestLength(buf)
		require.NoError(t, err)
		if n > 0 && len(buf) >= n {
			require.Len(t, buf, n, "bytes after the TSRequest")
			return buf
		}
		m, err := conn.Read(chunk)
		require.NoError(t, err)
		buf = append(buf, chunk[:m]...)
	}
}

func TestSessionNLACapture(t *testing.T) {
	cfg := testConfig(t)
	cfg.NLA.Capture.Enabled = true
	h := startSession(t, cfg)
	first := h.dial(t)

	writeTPDU(t, h.client, clientRequest(rdp.PROTOCOL_SSL|rdp.PROTOCOL_HYBRID|rdp.PROTOCOL_HYBRID_EX))
	narrowed := readConnectionRequest(t, first.conn)
	assert.EqualValues(t, rdp.PROTOCOL_SSL, narrowed.NegReq.Protocols)
	writeTPDU(t, first.conn, &rdp.X224ConnectionConfirm{NegFailure: rdp.NewRDPNegFailure(rdp.HYBRID_REQUIRED_BY_SERVER)})

	// the client's own request goes to the same target again
	second := h.dial(t)
	assert.Equal(t, "rdp.test:3389", second.address)
	assertClosed(t, first.conn)
	replayed := readConnectionRequest(t, second.conn)
	require.NotNil(t, replayed.NegReq)
	assert.EqualValues(t, rdp.PROTOCOL_SSL|rdp.PROTOCOL_HYBRID, replayed.NegReq.Protocols)
	assert.Equal(t, "Cookie: mstshash=alice\r\n", string(replayed.Cookie))
	writeTPDU(t, second.conn, &rdp.X224ConnectionConfirm{NegRsp: rdp.NewRDPNegRsp(rdp.PROTOCOL_HYBRID, 0)})

	require.NoError(t, second.conn.SetDeadline(time.Now().Add(5*time.Second)))
	tlsServer := tls.Server(second.conn, &tls.Config{Certificates: []tls.Certificate{h.app.Certificate}, MaxVersion: tls.VersionTLS12})
	require.NoError(t, tlsServer.Handshake())

	cc := readConnectionConfirm(t, h.client)
	require.NotNil(t, cc.NegRsp)
	assert.EqualValues(t, rdp.PROTOCOL_HYBRID, cc.NegRsp.Protocols)

	require.NoError(t, h.client.SetDeadline(time.Now().Add(5*time.Second)))
	tlsClient := tls.Client(h.client, &tls.Config{InsecureSkipVerify: true, MaxVersion: tls.VersionTLS12})
	require.NoError(t, tlsClient.Handshake())

	relay := func(from, to net.Conn, frame []byte) {
		t.Helper()
		_, err := from.Write(frame)
		require.NoError(t, err)
		assert.Equal(t, frame, readTSRequest(t, to))
	}

	negotiate := &rdp.NTLMNegotiate{Flags: rdp.NTLMSSP_NEGOTIATE_UNICODE | rdp.NTLMSSP_NEGOTIATE_NTLM}
	relay(tlsClient, tlsServer, tsRequest(t, negotiate.Encode()))

	serverChallenge := [8]byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE, 0xF0, 0x0D}
	challenge := rdp.NewNTLMChallenge(negotiate, serverChallenge, "SRV01", time.Now())
	relay(tlsServer, tlsClient, tsRequest(t, challenge.Encode()))

	auth := ntlmv2Authenticate("Winter2025!", "alice", "CORP", serverChallenge)
	relay(tlsClient, tlsServer, encodeTSRequest(t, &rdp.TSRequest{
		Version:    6,
		NegoTokens: rdp.NegoData{{Token: auth.Encode()}},
		PubKeyAuth: []byte{1, 2, 3, 4},
	}))
	relay(tlsServer, tlsClient, encodeTSRequest(t, &rdp.TSRequest{Version: 6, PubKeyAuth: []byte{5, 6, 7, 8}}))
	relay(tlsClient, tlsServer, encodeTSRequest(t, &rdp.TSRequest{Version: 6, AuthInfo: []byte{9, 9, 9}}))

	// the connection carries on as RDP over TLS
	writeTPDU(t, tlsClient, &rdp.X224DisconnectRequest{})
	_, ok := readTPDU(t, tlsServer).(*rdp.X224DisconnectRequest)
	assert.True(t, ok, "expected the disconnect request to reach the server")
	assert.NoError(t, h.wait(t))

	creds := h.sink.ofType(recording.EventCredentials)
	require.Len(t, creds, 1)
	var got recording.Credentials
	require.NoError(t, creds[0].Decode(&got))
	assert.Equal(t, "netntlmv2", got.Source)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "CORP", got.Domain)
	assert.Contains(t, got.Hash, "alice::CORP:deadbeefcafef00d:")
}

func TestSessionNLACaptureServerRejects(t *testing.T) {
	cfg := testConfig(t)
	cfg.NLA.Capture.Enabled = true
	h := startSession(t, cfg)
	first := h.dial(t)

	writeTPDU(t, h.client, clientRequest(rdp.PROTOCOL_SSL|rdp.PROTOCOL_HYBRID))
	readConnectionRequest(t, first.conn)
	writeTPDU(t, first.conn, &rdp.X224ConnectionConfirm{NegFailure: rdp.NewRDPNegFailure(rdp.HYBRID_REQUIRED_BY_SERVER)})

	// the target refuses the replayed request as well; no second fallback
	second := h.dial(t)
	readConnectionRequest(t, second.conn)
	writeTPDU(t, second.conn, &rdp.X224ConnectionConfirm{NegFailure: rdp.NewRDPNegFailure(rdp.HYBRID_REQUIRED_BY_SERVER)})

	cc := readConnectionConfirm(t, h.client)
	require.NotNil(t, cc.NegFailure)
	assert.EqualValues(t, rdp.HYBRID_REQUIRED_BY_SERVER, cc.NegFailure.FailureCode)
	assert.ErrorIs(t, h.wait(t), ErrNegotiationFailed)
}

func TestSessionDialFailure(t *testing.T) {
	cfg := testConfig(t)
	client, relaySide, err := tcpPair()
	require.NoError(t, err)
	defer client.Close()

	app := &AppContext{
		Config: cfg,
		Logger: logger.Discard(),
		Dial: func(context.Context, string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: io.ErrUnexpectedEOF}
		},
	}
	err = NewSession(app, relaySide).Run(context.Background())
	assert.ErrorContains(t, err, "failed to connect to rdp.test:3389")
	assertClosed(t, client)
}

func TestSessionOperatorCalls(t *testing.T) {
	h := startSession(t, testConfig(t))
	h.dial(t)
	ctx := context.Background()

	assert.ErrorContains(t, h.session.SendText(ctx, "whoami"), "not active")
	assert.ErrorContains(t, h.session.Download(ctx, 9, `\Users`, true), "no redirected drive")
	require.NoError(t, h.session.SetForwarding(ctx, false, true))

	h.client.Close()
	require.NoError(t, h.wait(t))
	assert.ErrorIs(t, h.session.SetForwarding(ctx, true, true), ErrSessionClosed)
	assert.ErrorIs(t, h.session.SendText(ctx, "x"), ErrSessionClosed)
}

func TestUTF16Units(t *testing.T) {
	tests := []struct {
		r    rune
		want []uint16
	}{
		{'a', []uint16{0x61}},
		{'é', []uint16{0xE9}},
		{'😀', []uint16{0xD83D, 0xDE00}},
	}
	for _, tt := range tests {
		t.Run(string(tt.r), func(t *testing.T) {
			assert.Equal(t, tt.want, utf16Units(tt.r))
		})
	}
}
