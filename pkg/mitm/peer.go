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
	"net"

	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp/layer"
)

// peer is the relay's half of one leg: the connection and the stacks that
// decode what it receives and encode what is sent to it.
//
// The client peer plays the server toward the real client and the server
// peer plays the client toward the real server, so their MCS layers and
// security settings take opposite roles.
type peer struct {
	side Side
	leg  *Leg

	seg      *layer.Segmentation
	x224     *layer.X224Layer
	mcs      *layer.MCSLayer
	main     *layer.Stack
	fastPath *layer.FastPathLayer
	settings *rdp.SecuritySettings

	// set once the I/O channel is joined
	security *layer.SecurityLayer
	slowPath *layer.SlowPathLayer

	channels map[uint16]*layer.Stack
}

func (s *Session) newPeer(side Side, conn net.Conn) *peer {
	role := rdp.RoleServer
	if side == SideServer {
		role = rdp.RoleClient
	}
	p := &peer{
		side:     side,
		seg:      layer.NewSegmentation(),
		x224:     layer.NewX224Layer(&x224Observer{s: s, side: side}),
		mcs:      layer.NewMCSLayer(role, &mcsObserver{s: s, side: side}),
		settings: rdp.NewSecuritySettings(role),
		channels: make(map[uint16]*layer.Stack),
	}
	p.leg = NewLeg(side.String(), s.loop, conn,
		func(data []byte) { s.received(p, data) },
		func(err error) { s.closeFrom(side, err) },
		func() int { return s.readSize(p) },
	)
	p.main = layer.NewStack(p.leg.Write, p.seg, p.x224, p.mcs)
	p.fastPath = layer.NewFastPathLayer(p.settings, &fastPathObserver{s: s, side: side})
	fastPath := layer.NewStack(p.leg.Write, p.fastPath)
	p.seg.FastPath = fastPath.Receive
	return p
}

// received runs on the loop for every read of a leg.
func (s *Session) received(p *peer, data []byte) {
	if p != s.peers[p.side] {
		// a server leg replaced by a fallback
		return
	}
	s.metrics.Bytes(p.side.String(), len(data))
	var err error
	if s.nla != nil {
		err = s.nlaReceived(p, data)
	} else {
		err = p.main.Receive(data)
	}
	if err != nil {
		s.closeFrom(p.side, err)
	}
}

// readSize asks for exactly the rest of the current frame while the
// connection is negotiating, so that no TLS bytes are read ahead of the
// upgrade.
func (s *Session) readSize(p *peer) int {
	if s.nla != nil || s.state.State >= StateDomainConnected {
		return 0
	}
	return p.seg.BytesNeeded()
}

// disconnect tells the far end the session is over in whatever form the
// connection has reached.
func (p *peer) disconnect(state State) {
	switch {
	case state >= StateDomainConnected:
		p.mcs.SendDisconnectProviderUltimatum(&rdp.MCSDisconnectProviderUltimatum{Reason: rdp.MCS_REASON_PROVIDER_INITIATED})
	case state >= StateConnectionRequested:
		p.x224.SendDisconnectRequest(&rdp.X224DisconnectRequest{})
	}
}

// joinChannel builds the stacks of a channel on both peers once the server
// confirms the join. The I/O channel and the channels the relay understands
// get their typed layers; other named channels are relayed as opaque data.
// Channels without a name (the user and message channels) keep flowing
// through the MCS layer untouched.
func (s *Session) joinChannel(channelID uint16) {
	if _, ok := s.client().channels[channelID]; ok {
		return
	}
	name, named := s.channelNames[channelID]
	io := channelID == s.state.IOChannelID
	if !io && !named {
		return
	}

	for _, side := range []Side{SideClient, SideServer} {
		p := s.peers[side]
		transport := p.mcs.ChannelTransport(s.state.UserID, channelID)
		var stack *layer.Stack
		switch {
		case io:
			p.security = layer.NewSecurityLayer(p.settings, &securityObserver{s: s, side: side}, true)
			p.slowPath = layer.NewSlowPathLayer(&slowPathObserver{s: s, side: side})
			stack = layer.NewStack(transport, p.security, p.slowPath)
		case name == rdp.ChannelClipboard:
			l := layer.NewClipboardLayer(s.clipboard.Observer(side))
			s.clipboard.Bind(side, l)
			stack = layer.NewStack(transport, layer.NewSecurityLayer(p.settings, nil, false), layer.NewVirtualChannelLayer(0), l)
		case name == rdp.ChannelDeviceRedirection:
			l := layer.NewDeviceRedirectionLayer(s.rdpdr.Observer(side))
			s.rdpdr.Bind(side, l)
			stack = layer.NewStack(transport, layer.NewSecurityLayer(p.settings, nil, false), layer.NewVirtualChannelLayer(0), l)
		case name == rdp.ChannelDynamic:
			l := layer.NewDynamicChannelLayer(s.dynvc.Observer(side))
			s.dynvc.Bind(side, l)
			stack = layer.NewStack(transport, layer.NewSecurityLayer(p.settings, nil, false), layer.NewVirtualChannelLayer(0), l)
		default:
			stack = layer.NewStack(transport, layer.NewSecurityLayer(p.settings, nil, false),
				layer.NewRawLayer(&rawObserver{s: s, side: side, channelID: channelID}))
		}
		p.channels[channelID] = stack
	}
	if io {
		name = "I/O"
	}
	s.log.Debug("Channel joined", logger.Channel(name), logger.ChannelID(uint32(channelID)))
}
