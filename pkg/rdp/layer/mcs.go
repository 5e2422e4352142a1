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

package layer

import (
	"fmt"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

// MCSObserver receives decoded MCS PDUs. Send data requests and indications
// are both reported through OnSendData.
type MCSObserver interface {
	OnConnectInitial(pdu *rdp.MCSConnectInitial) error
	OnConnectResponse(pdu *rdp.MCSConnectResponse) error
	OnErectDomainRequest(pdu *rdp.MCSErectDomainRequest) error
	OnAttachUserRequest(pdu *rdp.MCSAttachUserRequest) error
	OnAttachUserConfirm(pdu *rdp.MCSAttachUserConfirm) error
	OnChannelJoinRequest(pdu *rdp.MCSChannelJoinRequest) error
	OnChannelJoinConfirm(pdu *rdp.MCSChannelJoinConfirm) error
	OnSendData(initiator, channelID uint16, payload []byte) error
	OnDisconnectProviderUltimatum(pdu *rdp.MCSDisconnectProviderUltimatum) error
}

// MCSLayer is the terminal layer of a connection's main stack. Its role
// decides whether outgoing channel data is encoded as a send data request
// (RoleClient, facing the real server) or indication (RoleServer, facing the
// real client).
type MCSLayer struct {
	downlink
	role     rdp.Role
	observer MCSObserver
}

func NewMCSLayer(role rdp.Role, observer MCSObserver) *MCSLayer {
	return &MCSLayer{role: role, observer: observer}
}

func (l *MCSLayer) Role() rdp.Role { return l.role }

func (l *MCSLayer) Receive(data []byte, _ Forwarder) error {
	pdu, err := rdp.ParseMCS(data)
	if err != nil {
		return fmt.Errorf("MCS: %w", err)
	}
	switch p := pdu.(type) {
	case *rdp.MCSConnectInitial:
		return l.observer.OnConnectInitial(p)
	case *rdp.MCSConnectResponse:
		return l.observer.OnConnectResponse(p)
	case *rdp.MCSErectDomainRequest:
		return l.observer.OnErectDomainRequest(p)
	case *rdp.MCSAttachUserRequest:
		return l.observer.OnAttachUserRequest(p)
	case *rdp.MCSAttachUserConfirm:
		return l.observer.OnAttachUserConfirm(p)
	case *rdp.MCSChannelJoinRequest:
		return l.observer.OnChannelJoinRequest(p)
	case *rdp.MCSChannelJoinConfirm:
		return l.observer.OnChannelJoinConfirm(p)
	case *rdp.MCSSendDataRequest:
		return l.observer.OnSendData(p.Initiator, p.ChannelID, p.Payload)
	case *rdp.MCSSendDataIndication:
		return l.observer.OnSendData(p.Initiator, p.ChannelID, p.Payload)
	case *rdp.MCSDisconnectProviderUltimatum:
		return l.observer.OnDisconnectProviderUltimatum(p)
	default:
		return fmt.Errorf("%w: MCS PDU %T", codec.ErrMalformed, pdu)
	}
}

// Send is not used: channel data goes through SendData.
func (l *MCSLayer) Send(payload []byte, prev Forwarder) error {
	return fmt.Errorf("MCS layer cannot send untyped data (%d bytes)", len(payload))
}

// SendData sends channel data in the direction given by the layer's role.
func (l *MCSLayer) SendData(initiator, channelID uint16, payload []byte) error {
	if l.role == rdp.RoleClient {
		return l.push(rdp.NewMCSSendDataRequest(initiator, channelID, payload).Encode())
	}
	return l.push(rdp.NewMCSSendDataIndication(initiator, channelID, payload).Encode())
}

// ChannelTransport returns a forwarder sending data on one channel. It is the
// transport of that channel's stack.
func (l *MCSLayer) ChannelTransport(initiator, channelID uint16) Forwarder {
	return func(payload []byte) error {
		return l.SendData(initiator, channelID, payload)
	}
}

func (l *MCSLayer) SendConnectInitial(pdu *rdp.MCSConnectInitial) error {
	return l.push(pdu.Encode())
}

func (l *MCSLayer) SendConnectResponse(pdu *rdp.MCSConnectResponse) error {
	return l.push(pdu.Encode())
}

func (l *MCSLayer) SendErectDomainRequest(pdu *rdp.MCSErectDomainRequest) error {
	return l.push(pdu.Encode())
}

func (l *MCSLayer) SendAttachUserRequest(pdu *rdp.MCSAttachUserRequest) error {
	return l.push(pdu.Encode())
}

func (l *MCSLayer) SendAttachUserConfirm(pdu *rdp.MCSAttachUserConfirm) error {
	return l.push(pdu.Encode())
}

func (l *MCSLayer) SendChannelJoinRequest(pdu *rdp.MCSChannelJoinRequest) error {
	return l.push(pdu.Encode())
}

func (l *MCSLayer) SendChannelJoinConfirm(pdu *rdp.MCSChannelJoinConfirm) error {
	return l.push(pdu.Encode())
}

func (l *MCSLayer) SendDisconnectProviderUltimatum(pdu *rdp.MCSDisconnectProviderUltimatum) error {
	return l.push(pdu.Encode())
}
