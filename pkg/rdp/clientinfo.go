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

// ClientInfoPDU is TS_INFO_PACKET (MS-RDPBCGR 2.2.1.11.1.1). The extended
// info packet is kept as raw bytes.
type ClientInfoPDU struct {
	CodePage       uint32
	Flags          uint32
	Domain         string
	Username       string
	Password       string
	AlternateShell string
	WorkingDir     string
	Extra          []byte
}

func (p *ClientInfoPDU) Unicode() bool { return p.Flags&INFO_UNICODE != 0 }

// DisableCompression clears the bulk compression flag and type.
func (p *ClientInfoPDU) DisableCompression() {
	p.Flags &^= INFO_COMPRESSION | CompressionTypeMask
}

func ParseClientInfo(data []byte) (*ClientInfoPDU, error) {
	r := codec.NewReader(data)
	p := &ClientInfoPDU{}
	var err error
	if p.CodePage, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if p.Flags, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	var sizes [5]uint16
	for i := range sizes {
		if sizes[i], err = r.Uint16LE(); err != nil {
			return nil, fmt.Errorf("client info: %w", err)
		}
	}

	terminator := 1
	if p.Unicode() {
		terminator = 2
	}
	fields := []*string{&p.Domain, &p.Username, &p.Password, &p.AlternateShell, &p.WorkingDir}
	for i, field := range fields {
		raw, err := r.Bytes(int(sizes[i]) + terminator)
		if err != nil {
			return nil, fmt.Errorf("client info field %d: %w", i, err)
		}
		raw = raw[:sizes[i]]
		if p.Unicode() {
			if *field, err = codec.DecodeUTF16LE(raw); err != nil {
				return nil, err
			}
		} else {
			*field = string(raw)
		}
	}
	p.Extra = r.Rest()
	return p, nil
}

func (p *ClientInfoPDU) encodeField(s string) []byte {
	if p.Unicode() {
		return codec.EncodeUTF16LE(s)
	}
	return []byte(s)
}

func (p *ClientInfoPDU) Encode() []byte {
	fields := [][]byte{
		p.encodeField(p.Domain),
		p.encodeField(p.Username),
		p.encodeField(p.Password),
		p.encodeField(p.AlternateShell),
		p.encodeField(p.WorkingDir),
	}
	terminator := []byte{0}
	if p.Unicode() {
		terminator = []byte{0, 0}
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, p.CodePage)
	binary.Write(&buf, binary.LittleEndian, p.Flags)
	for _, f := range fields {
		binary.Write(&buf, binary.LittleEndian, uint16(len(f)))
	}
	for _, f := range fields {
		buf.Write(f)
		buf.Write(terminator)
	}
	buf.Write(p.Extra)
	return buf.Bytes()
}
