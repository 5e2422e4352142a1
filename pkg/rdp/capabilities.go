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

// CapabilitySet is one TS_CAPS_SET; Data excludes the 4-byte header.
type CapabilitySet struct {
	Type uint16
	Data []byte
}

// ActivePDU is the body of a Demand Active or Confirm Active PDU
// (MS-RDPBCGR 2.2.1.13.1.1 and 2.2.1.13.2.1).
type ActivePDU struct {
	Confirm          bool
	ShareID          uint32
	OriginatorID     uint16 // confirm active only
	SourceDescriptor []byte
	Capabilities     []CapabilitySet
	SessionID        []byte // demand active only, usually 4 bytes
}

// ParseActivePDU decodes a demand (confirm=false) or confirm active body.
func ParseActivePDU(payload []byte, confirm bool) (*ActivePDU, error) {
	r := codec.NewReader(payload)
	p := &ActivePDU{Confirm: confirm}
	var err error
	if p.ShareID, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if confirm {
		if p.OriginatorID, err = r.Uint16LE(); err != nil {
			return nil, err
		}
	}
	descLen, err := r.Uint16LE()
	if err != nil {
		return nil, err
	}
	capsLen, err := r.Uint16LE()
	if err != nil {
		return nil, err
	}
	if p.SourceDescriptor, err = r.Bytes(int(descLen)); err != nil {
		return nil, fmt.Errorf("source descriptor: %w", err)
	}
	caps, err := r.Bytes(int(capsLen))
	if err != nil {
		return nil, fmt.Errorf("capability sets: %w", err)
	}
	if p.Capabilities, err = parseCapabilitySets(caps); err != nil {
		return nil, err
	}
	p.SessionID = r.Rest()
	return p, nil
}

func parseCapabilitySets(data []byte) ([]CapabilitySet, error) {
	r := codec.NewReader(data)
	count, err := r.Uint16LE()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(2); err != nil {
		return nil, err
	}
	sets := make([]CapabilitySet, 0, count)
	for i := uint16(0); i < count; i++ {
		capType, err := r.Uint16LE()
		if err != nil {
			return nil, err
		}
		length, err := r.Uint16LE()
		if err != nil {
			return nil, err
		}
		if length < 4 {
			return nil, fmt.Errorf("%w: capability 0x%04X length %d", codec.ErrMalformed, capType, length)
		}
		body, err := r.Bytes(int(length) - 4)
		if err != nil {
			return nil, fmt.Errorf("capability 0x%04X: %w", capType, err)
		}
		sets = append(sets, CapabilitySet{Type: capType, Data: body})
	}
	return sets, nil
}

func (p *ActivePDU) Encode() []byte {
	var caps bytes.Buffer
	binary.Write(&caps, binary.LittleEndian, uint16(len(p.Capabilities)))
	caps.Write([]byte{0, 0})
	for _, c := range p.Capabilities {
		binary.Write(&caps, binary.LittleEndian, c.Type)
		binary.Write(&caps, binary.LittleEndian, uint16(len(c.Data)+4))
		caps.Write(c.Data)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, p.ShareID)
	if p.Confirm {
		binary.Write(&buf, binary.LittleEndian, p.OriginatorID)
	}
	binary.Write(&buf, binary.LittleEndian, uint16(len(p.SourceDescriptor)))
	binary.Write(&buf, binary.LittleEndian, uint16(caps.Len()))
	buf.Write(p.SourceDescriptor)
	buf.Write(caps.Bytes())
	buf.Write(p.SessionID)
	return buf.Bytes()
}

// Find returns the first capability set of the given type, or nil.
func (p *ActivePDU) Find(capType uint16) *CapabilitySet {
	for i := range p.Capabilities {
		if p.Capabilities[i].Type == capType {
			return &p.Capabilities[i]
		}
	}
	return nil
}

// DisableVirtualChannelCompression sets the virtual channel capability flags
// to VCCAPS_NO_COMPR and reports whether anything changed.
func (p *ActivePDU) DisableVirtualChannelCompression() bool {
	vc := p.Find(CAPSTYPE_VIRTUALCHANNEL)
	if vc == nil || len(vc.Data) < 4 {
		return false
	}
	if binary.LittleEndian.Uint32(vc.Data) == VCCAPS_NO_COMPR {
		return false
	}
	binary.LittleEndian.PutUint32(vc.Data, VCCAPS_NO_COMPR)
	return true
}
