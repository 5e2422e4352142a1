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

package rdp

import (
	"encoding/binary"
	"fmt"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

// Virtual channel PDU flags (MS-RDPBCGR 2.2.6.1.1)
const (
	CHANNEL_FLAG_FIRST             = 0x00000001
	CHANNEL_FLAG_LAST              = 0x00000002
	CHANNEL_FLAG_SHOW_PROTOCOL     = 0x00000010
	CHANNEL_FLAG_SUSPEND           = 0x00000020
	CHANNEL_FLAG_RESUME            = 0x00000040
	CHANNEL_FLAG_SHADOW_PERSISTENT = 0x00000080
	CHANNEL_PACKET_COMPRESSED      = 0x00200000
	CHANNEL_PACKET_AT_FRONT        = 0x00400000
	CHANNEL_PACKET_FLUSHED         = 0x00800000

	// CHANNEL_CHUNK_LENGTH is the default maximum chunk payload size.
	CHANNEL_CHUNK_LENGTH = 1600
)

const (
	// MaxChannelMessage bounds the announced length of a reassembled
	// virtual channel message.
	MaxChannelMessage = 32 << 20

	reassemblyPrealloc = 64 << 10
)

// VirtualChannelPDU is one virtual channel chunk: CHANNEL_PDU_HEADER plus data.
type VirtualChannelPDU struct {
	Length  uint32 // total length of the reassembled message
	Flags   uint32
	Payload []byte
}

func (p *VirtualChannelPDU) First() bool { return p.Flags&CHANNEL_FLAG_FIRST != 0 }
func (p *VirtualChannelPDU) Last() bool  { return p.Flags&CHANNEL_FLAG_LAST != 0 }

func ParseVirtualChannel(data []byte) (*VirtualChannelPDU, error) {
	r := codec.NewReader(data)
	p := &VirtualChannelPDU{}
	var err error
	if p.Length, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if p.Flags, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	p.Payload = r.Rest()
	return p, nil
}

func (p *VirtualChannelPDU) Encode() []byte {
	buf := make([]byte, 8, 8+len(p.Payload))
	binary.LittleEndian.PutUint32(buf, p.Length)
	binary.LittleEndian.PutUint32(buf[4:], p.Flags)
	return append(buf, p.Payload...)
}

// ChunkVirtualChannel splits a message into chunks of at most chunkSize
// bytes, marking the first and last. extraFlags is applied to every chunk.
func ChunkVirtualChannel(message []byte, extraFlags uint32, chunkSize int) []*VirtualChannelPDU {
	if chunkSize <= 0 {
		chunkSize = CHANNEL_CHUNK_LENGTH
	}
	var chunks []*VirtualChannelPDU
	for offset := 0; offset < len(message) || len(chunks) == 0; offset += chunkSize {
		end := min(offset+chunkSize, len(message))
		flags := extraFlags
		if offset == 0 {
			flags |= CHANNEL_FLAG_FIRST
		}
		if end == len(message) {
			flags |= CHANNEL_FLAG_LAST
		}
		chunks = append(chunks, &VirtualChannelPDU{
			Length:  uint32(len(message)),
			Flags:   flags,
			Payload: message[offset:end],
		})
	}
	return chunks
}

// ChannelReassembler accumulates chunks until the last one arrives.
type ChannelReassembler struct {
	buf      []byte
	expected uint32
	active   bool
}

// Add consumes one chunk and returns the complete message once the chunk
// flagged last has been added.
func (a *ChannelReassembler) Add(p *VirtualChannelPDU) ([]byte, bool, error) {
	if p.Flags&CHANNEL_PACKET_COMPRESSED != 0 {
		return nil, false, fmt.Errorf("%w: compressed virtual channel data", ErrUnsupported)
	}
	if p.First() {
		if p.Length > MaxChannelMessage {
			a.buf, a.active = nil, false
			return nil, false, fmt.Errorf("%w: virtual channel message length %d exceeds %d", codec.ErrMalformed, p.Length, MaxChannelMessage)
		}
		a.buf = make([]byte, 0, min(p.Length, reassemblyPrealloc))
		a.expected = p.Length
		a.active = true
	} else if !a.active {
		return nil, false, fmt.Errorf("%w: virtual channel chunk without a first chunk", codec.ErrMalformed)
	}
	a.buf = append(a.buf, p.Payload...)
	if uint32(len(a.buf)) > a.expected {
		return nil, false, fmt.Errorf("%w: virtual channel message exceeds announced length %d", codec.ErrMalformed, a.expected)
	}
	if !p.Last() {
		return nil, false, nil
	}
	msg := a.buf
	a.buf, a.active = nil, false
	return msg, true, nil
}
