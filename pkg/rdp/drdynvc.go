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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

// Dynamic virtual channel commands (MS-RDPEDYC 2.2)
const (
	DYNVC_CREATE                = 0x01
	DYNVC_DATA_FIRST            = 0x02
	DYNVC_DATA                  = 0x03
	DYNVC_CLOSE                 = 0x04
	DYNVC_CAPABILITY            = 0x05
	DYNVC_DATA_FIRST_COMPRESSED = 0x06
	DYNVC_DATA_COMPRESSED       = 0x07
	DYNVC_SOFT_SYNC_REQUEST     = 0x08
	DYNVC_SOFT_SYNC_RESPONSE    = 0x09
)

// DynamicChannelPDU is a DRDYNVC message. The header byte packs the channel
// id length selector (bits 0-1), Sp (bits 2-3) and the command (bits 4-7).
// Capability and soft-sync messages carry no channel id.
type DynamicChannelPDU struct {
	Cmd       uint8
	Sp        uint8
	CbID      uint8
	ChannelID uint32
	Payload   []byte
}

func (p *DynamicChannelPDU) hasChannelID() bool {
	switch p.Cmd {
	case DYNVC_CAPABILITY, DYNVC_SOFT_SYNC_REQUEST, DYNVC_SOFT_SYNC_RESPONSE:
		return false
	}
	return true
}

func ParseDynamicChannel(data []byte) (*DynamicChannelPDU, error) {
	r := codec.NewReader(data)
	header, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	p := &DynamicChannelPDU{Cmd: header >> 4, Sp: (header >> 2) & 0x03, CbID: header & 0x03}
	if p.hasChannelID() {
		switch p.CbID {
		case 0:
			v, err := r.Uint8()
			if err != nil {
				return nil, err
			}
			p.ChannelID = uint32(v)
		case 1:
			v, err := r.Uint16LE()
			if err != nil {
				return nil, err
			}
			p.ChannelID = uint32(v)
		case 2:
			if p.ChannelID, err = r.Uint32LE(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: dynamic channel id length selector 3", codec.ErrMalformed)
		}
	}
	p.Payload = r.Rest()
	return p, nil
}

func (p *DynamicChannelPDU) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(p.Cmd<<4 | (p.Sp&0x03)<<2 | p.CbID&0x03)
	if p.hasChannelID() {
		switch p.CbID {
		case 0:
			buf.WriteByte(uint8(p.ChannelID))
		case 1:
			binary.Write(&buf, binary.LittleEndian, uint16(p.ChannelID))
		default:
			binary.Write(&buf, binary.LittleEndian, p.ChannelID)
		}
	}
	buf.Write(p.Payload)
	return buf.Bytes()
}

// CreateRequestName returns the channel name of a server create request.
func (p *DynamicChannelPDU) CreateRequestName() string {
	name := p.Payload
	if n := bytes.IndexByte(name, 0); n >= 0 {
		name = name[:n]
	}
	return string(name)
}

// CreationStatus returns the HRESULT of a client create response.
func (p *DynamicChannelPDU) CreationStatus() (int32, error) {
	v, err := codec.NewReader(p.Payload).Uint32LE()
	return int32(v), err
}
