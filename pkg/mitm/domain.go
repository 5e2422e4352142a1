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
	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

// mcsObserver relays the domain PDUs of one side to the other. Connect
// initial and connect response are rewritten on the way; join confirms build
// the channel stacks.
type mcsObserver struct {
	s    *Session
	side Side
}

func (o *mcsObserver) peer() *peer { return o.s.peers[o.side.Peer()] }

func (o *mcsObserver) OnConnectInitial(pdu *rdp.MCSConnectInitial) error {
	if o.side != SideClient {
		return fmt.Errorf("%w: connect initial from the server", codec.ErrMalformed)
	}
	s := o.s
	if s.state.State != StateNegotiatedProtocol {
		return fmt.Errorf("%w: connect initial in state %s", codec.ErrMalformed, s.state.State)
	}
	if err := s.rewriteClientData(pdu); err != nil {
		return err
	}
	return o.peer().mcs.SendConnectInitial(pdu)
}

func (o *mcsObserver) OnConnectResponse(pdu *rdp.MCSConnectResponse) error {
	if o.side != SideServer {
		return fmt.Errorf("%w: connect response from the client", codec.ErrMalformed)
	}
	s := o.s
	if err := s.rewriteServerData(pdu); err != nil {
		return err
	}
	if pdu.Result != rdp.MCS_RESULT_SUCCESSFUL {
		s.log.Warn("Server refused the domain connection", slog.Uint64("result", uint64(pdu.Result)))
	}
	s.state.State = StateDomainConnected
	return o.peer().mcs.SendConnectResponse(pdu)
}

func (o *mcsObserver) OnErectDomainRequest(pdu *rdp.MCSErectDomainRequest) error {
	return o.peer().mcs.SendErectDomainRequest(pdu)
}

func (o *mcsObserver) OnAttachUserRequest(pdu *rdp.MCSAttachUserRequest) error {
	return o.peer().mcs.SendAttachUserRequest(pdu)
}

func (o *mcsObserver) OnAttachUserConfirm(pdu *rdp.MCSAttachUserConfirm) error {
	if pdu.Result == rdp.MCS_RESULT_SUCCESSFUL && pdu.HasInitiator {
		o.s.state.UserID = pdu.Initiator
	}
	return o.peer().mcs.SendAttachUserConfirm(pdu)
}

func (o *mcsObserver) OnChannelJoinRequest(pdu *rdp.MCSChannelJoinRequest) error {
	o.s.state.State = max(o.s.state.State, StateChannelsJoining)
	return o.peer().mcs.SendChannelJoinRequest(pdu)
}

func (o *mcsObserver) OnChannelJoinConfirm(pdu *rdp.MCSChannelJoinConfirm) error {
	if pdu.Result == rdp.MCS_RESULT_SUCCESSFUL && pdu.HasChannelID {
		o.s.joinChannel(pdu.ChannelID)
	}
	return o.peer().mcs.SendChannelJoinConfirm(pdu)
}

func (o *mcsObserver) OnSendData(initiator, channelID uint16, payload []byte) error {
	if stack, ok := o.s.peers[o.side].channels[channelID]; ok {
		return stack.Receive(payload)
	}
	return o.peer().mcs.SendData(initiator, channelID, payload)
}

func (o *mcsObserver) OnDisconnectProviderUltimatum(pdu *rdp.MCSDisconnectProviderUltimatum) error {
	s := o.s
	s.log.Info("Disconnect provider ultimatum", logger.Leg(o.side.String()), slog.Uint64("reason", uint64(pdu.Reason)))
	o.peer().mcs.SendDisconnectProviderUltimatum(pdu)
	s.disconnectSent = true
	s.shutdown(nil)
	return nil
}

// rewriteClientData records the client's GCC data and adjusts it for the
// server: the selected protocol is the one the server picked, and FIPS is
// not offered.
func (s *Session) rewriteClientData(pdu *rdp.MCSConnectInitial) error {
	gcc, err := rdp.ParseGCCConferenceCreateRequest(pdu.UserData)
	if err != nil {
		return err
	}
	s.record(recording.Event{Type: recording.EventClientData, Payload: gcc.Blocks.Encode()})

	if core := gcc.Blocks.Find(rdp.CS_CORE); core != nil {
		s.log.Info("Client data", slog.String("client_name", rdp.ClientName(core)))
		rdp.SetServerSelectedProtocol(core, s.state.SelectedProtocol)
	}
	if block := gcc.Blocks.Find(rdp.CS_SECURITY); block != nil {
		sec, err := rdp.ParseClientSecurityData(block.Data)
		if err != nil {
			return err
		}
		offered := sec.EncryptionMethods
		sec.EncryptionMethods &^= rdp.ENCRYPTION_METHOD_FIPS
		if offered != 0 && sec.EncryptionMethods == 0 && !s.state.TLS() {
			return fmt.Errorf("%w: client offers only FIPS encryption", rdp.ErrUnsupported)
		}
		block.Data = sec.Encode()
	}
	if block := gcc.Blocks.Find(rdp.CS_NET); block != nil {
		net, err := rdp.ParseClientNetworkData(block.Data)
		if err != nil {
			return err
		}
		s.clientChannels = net.Channels
	}
	pdu.UserData = gcc.Encode()
	return nil
}

// rewriteServerData maps channel ids to names and, under standard RDP
// security, swaps the server's public key for the relay's so that the
// client random can be read.
func (s *Session) rewriteServerData(pdu *rdp.MCSConnectResponse) error {
	gcc, err := rdp.ParseGCCConferenceCreateResponse(pdu.UserData)
	if err != nil {
		return err
	}

	if block := gcc.Blocks.Find(rdp.SC_NET); block != nil {
		net, err := rdp.ParseServerNetworkData(block.Data)
		if err != nil {
			return err
		}
		s.state.IOChannelID = net.MCSChannelID
		for i, id := range net.ChannelIDs {
			if i < len(s.clientChannels) {
				s.channelNames[id] = s.clientChannels[i].Name
			}
		}
	}

	if block := gcc.Blocks.Find(rdp.SC_SECURITY); block != nil {
		sec, err := rdp.ParseServerSecurityData(block.Data)
		if err != nil {
			return err
		}
		for _, p := range s.peers {
			if err := p.settings.SetEncryption(sec.EncryptionMethod, sec.EncryptionLevel); err != nil {
				return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
			}
		}
		if sec.EncryptionMethod != rdp.ENCRYPTION_METHOD_NONE {
			cert, err := rdp.ParseServerCertificate(sec.ServerCertificate)
			if err != nil {
				return err
			}
			s.serverKey = cert.PublicKey
			for _, p := range s.peers {
				if err := p.settings.SetServerRandom(sec.ServerRandom); err != nil {
					return err
				}
			}
			sec.ServerCertificate = rdp.NewProprietaryCertificate(&s.app.RSAKey.PublicKey)
			block.Data = sec.Encode()
			s.log.Info("Standard RDP security",
				slog.Uint64("method", uint64(sec.EncryptionMethod)),
				slog.Uint64("level", uint64(sec.EncryptionLevel)))
		}
	}
	pdu.UserData = gcc.Encode()
	return nil
}
