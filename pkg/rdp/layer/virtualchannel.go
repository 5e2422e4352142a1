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
)

// VirtualChannelLayer reassembles static virtual channel chunks into
// complete messages and chunks outgoing messages.
type VirtualChannelLayer struct {
	reassembler rdp.ChannelReassembler
	chunkSize   int
	flags       uint32
}

// NewVirtualChannelLayer creates a layer chunking at chunkSize bytes, or the
// protocol default when chunkSize is 0.
func NewVirtualChannelLayer(chunkSize int) *VirtualChannelLayer {
	if chunkSize <= 0 {
		chunkSize = rdp.CHANNEL_CHUNK_LENGTH
	}
	return &VirtualChannelLayer{chunkSize: chunkSize}
}

// SetChunkSize changes the chunk size, typically to the value announced in
// the virtual channel capability set.
func (l *VirtualChannelLayer) SetChunkSize(n int) {
	if n > 0 {
		l.chunkSize = n
	}
}

func (l *VirtualChannelLayer) Receive(data []byte, next Forwarder) error {
	pdu, err := rdp.ParseVirtualChannel(data)
	if err != nil {
		return fmt.Errorf("virtual channel: %w", err)
	}
	// SHOW_PROTOCOL is sticky: the peer expects it on every chunk once used.
	l.flags |= pdu.Flags & rdp.CHANNEL_FLAG_SHOW_PROTOCOL
	msg, complete, err := l.reassembler.Add(pdu)
	if err != nil {
		return fmt.Errorf("virtual channel: %w", err)
	}
	if !complete {
		return nil
	}
	return next(msg)
}

func (l *VirtualChannelLayer) Send(payload []byte, prev Forwarder) error {
	for _, chunk := range rdp.ChunkVirtualChannel(payload, l.flags, l.chunkSize) {
		if err := prev(chunk.Encode()); err != nil {
			return err
		}
	}
	return nil
}
