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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

type drdynvcPeer struct {
	sent []*rdp.DynamicChannelPDU
}

func (p *drdynvcPeer) SendPDU(pdu *rdp.DynamicChannelPDU) error {
	p.sent = append(p.sent, pdu)
	return nil
}

func TestDynamicChannelRelay(t *testing.T) {
	var events []recording.Event
	relay := NewDynamicChannelRelay(logger.Discard(), func(ev recording.Event) { events = append(events, ev) })
	peers := [2]*drdynvcPeer{{}, {}}
	relay.Bind(SideClient, peers[SideClient])
	relay.Bind(SideServer, peers[SideServer])

	create := func(id uint32, name string) *rdp.DynamicChannelPDU {
		return &rdp.DynamicChannelPDU{Cmd: rdp.DYNVC_CREATE, ChannelID: id, Payload: append([]byte(name), 0)}
	}
	response := func(id uint32, status int32) *rdp.DynamicChannelPDU {
		return &rdp.DynamicChannelPDU{Cmd: rdp.DYNVC_CREATE, ChannelID: id, Payload: binary.LittleEndian.AppendUint32(nil, uint32(status))}
	}

	tests := []struct {
		name string
		from Side
		pdu  *rdp.DynamicChannelPDU
		open []string
	}{
		{"server requests graphics", SideServer, create(3, "Microsoft::Windows::RDS::Graphics"), nil},
		{"server requests audio", SideServer, create(4, "AUDIO_PLAYBACK_DVC"), nil},
		{"client accepts graphics", SideClient, response(3, 0), []string{"Microsoft::Windows::RDS::Graphics"}},
		{"client refuses audio", SideClient, response(4, -2147467259), []string{"Microsoft::Windows::RDS::Graphics"}},
		{"data is relayed", SideServer, &rdp.DynamicChannelPDU{Cmd: rdp.DYNVC_DATA, ChannelID: 3, Payload: []byte{1, 2}}, []string{"Microsoft::Windows::RDS::Graphics"}},
		{"server closes", SideServer, &rdp.DynamicChannelPDU{Cmd: rdp.DYNVC_CLOSE, ChannelID: 3}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to := peers[tt.from.Peer()]
			before := len(to.sent)
			require.NoError(t, relay.Observer(tt.from).OnDynamicChannel(tt.pdu))
			require.Len(t, to.sent, before+1)
			assert.Same(t, tt.pdu, to.sent[before])

			var open []string
			for _, name := range relay.Channels() {
				open = append(open, name)
			}
			assert.ElementsMatch(t, tt.open, open)
		})
	}

	require.Len(t, events, 1)
	assert.Equal(t, recording.EventDynamicChannel, events[0].Type)
	assert.Equal(t, "Microsoft::Windows::RDS::Graphics", string(events[0].Payload))
}
