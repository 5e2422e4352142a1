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

// Fast-path input event codes (MS-RDPBCGR section 2.2.8.1.2.2)
const (
	FASTPATH_INPUT_EVENT_SCANCODE      = 0x0
	FASTPATH_INPUT_EVENT_MOUSE         = 0x1
	FASTPATH_INPUT_EVENT_MOUSEX        = 0x2
	FASTPATH_INPUT_EVENT_SYNC          = 0x3
	FASTPATH_INPUT_EVENT_UNICODE       = 0x4
	FASTPATH_INPUT_EVENT_RELMOUSE      = 0x5
	FASTPATH_INPUT_EVENT_QOE_TIMESTAMP = 0x6

	FASTPATH_INPUT_KBDFLAGS_RELEASE  = 0x01
	FASTPATH_INPUT_KBDFLAGS_EXTENDED = 0x02
)

// Fast-path output update fields (MS-RDPBCGR section 2.2.9.1.2.1)
const (
	FASTPATH_OUTPUT_COMPRESSION_USED = 0x2

	FASTPATH_UPDATETYPE_ORDERS      = 0x0
	FASTPATH_UPDATETYPE_BITMAP      = 0x1
	FASTPATH_UPDATETYPE_PALETTE     = 0x2
	FASTPATH_UPDATETYPE_SYNCHRONIZE = 0x3

	FASTPATH_FRAGMENT_SINGLE = 0x0
)

// FastPathPDU is a fast-path input or output PDU. Payload holds the event
// data in plaintext once the security layer has processed it.
type FastPathPDU struct {
	Header     uint8
	WideLength bool   // length was encoded on two bytes
	Signature  []byte // 8-byte MAC, present when the PDU is encrypted
	Payload    []byte
}

func (p *FastPathPDU) Action() uint8  { return p.Header & 0x03 }
func (p *FastPathPDU) Flags() uint8   { return p.Header >> 6 }
func (p *FastPathPDU) NumEvents() int { return int(p.Header>>2) & 0x0F }
func (p *FastPathPDU) Encrypted() bool {
	return p.Flags()&FASTPATH_FLAG_ENCRYPTED != 0
}

// IsFastPath reports whether the first byte of a frame announces a fast-path PDU.
func IsFastPath(first byte) bool {
	return first&0x03 == FASTPATH_ACTION_FASTPATH
}

// FastPathFrameLength returns the total length announced by a fast-path
// header, or 0 if more bytes are needed to know it.
func FastPathFrameLength(data []byte) int {
	if len(data) < 2 {
		return 0
	}
	if data[1]&0x80 == 0 {
		return int(data[1])
	}
	if len(data) < 3 {
		return 0
	}
	return int(data[1]&0x7F)<<8 | int(data[2])
}

// ParseFastPathFrame parses a complete fast-path frame. The payload is left
// as found on the wire (ciphertext when encrypted).
func ParseFastPathFrame(frame []byte) (*FastPathPDU, error) {
	r := codec.NewReader(frame)
	header, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	if !IsFastPath(header) {
		return nil, fmt.Errorf("%w: not a fast-path header 0x%02X", codec.ErrMalformed, header)
	}

	pdu := &FastPathPDU{Header: header}
	length, err := codec.ReadPERLength(r)
	if err != nil {
		return nil, err
	}
	pdu.WideLength = frame[1]&0x80 != 0
	if length != len(frame) {
		return nil, fmt.Errorf("%w: fast-path length %d does not match frame size %d", codec.ErrMalformed, length, len(frame))
	}

	if pdu.Flags()&FASTPATH_FLAG_ENCRYPTED != 0 {
		if pdu.Signature, err = r.Bytes(8); err != nil {
			return nil, err
		}
	}
	pdu.Payload = r.Rest()
	return pdu, nil
}

// Encode serializes the PDU, recomputing the length field.
func (p *FastPathPDU) Encode() []byte {
	bodyLen := len(p.Signature) + len(p.Payload)
	wide := p.WideLength || bodyLen+2 > 0x7F
	total := bodyLen + 2
	if wide {
		total++
	}

	var buf bytes.Buffer
	buf.WriteByte(p.Header)
	if wide {
		buf.WriteByte(byte(total>>8) | 0x80)
		buf.WriteByte(byte(total))
	} else {
		buf.WriteByte(byte(total))
	}
	buf.Write(p.Signature)
	buf.Write(p.Payload)
	return buf.Bytes()
}

// FastPathInputEvent is a single fast-path input event.
type FastPathInputEvent struct {
	Code  uint8
	Flags uint8
	Data  []byte
}

func fastPathInputEventSize(code uint8) (int, error) {
	switch code {
	case FASTPATH_INPUT_EVENT_SCANCODE:
		return 1, nil
	case FASTPATH_INPUT_EVENT_MOUSE, FASTPATH_INPUT_EVENT_MOUSEX, FASTPATH_INPUT_EVENT_RELMOUSE:
		return 6, nil
	case FASTPATH_INPUT_EVENT_SYNC:
		return 0, nil
	case FASTPATH_INPUT_EVENT_UNICODE:
		return 2, nil
	case FASTPATH_INPUT_EVENT_QOE_TIMESTAMP:
		return 4, nil
	default:
		return 0, fmt.Errorf("%w: unknown fast-path input event code %d", codec.ErrMalformed, code)
	}
}

// ParseFastPathInput decodes the events carried by a client fast-path PDU.
func ParseFastPathInput(pdu *FastPathPDU) ([]FastPathInputEvent, error) {
	r := codec.NewReader(pdu.Payload)
	count := pdu.NumEvents()
	if count == 0 {
		n, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		count = int(n)
	}

	events := make([]FastPathInputEvent, 0, count)
	for i := 0; i < count; i++ {
		h, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		ev := FastPathInputEvent{Code: h >> 5, Flags: h & 0x1F}
		size, err := fastPathInputEventSize(ev.Code)
		if err != nil {
			return nil, err
		}
		if ev.Data, err = r.Bytes(size); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if !r.Empty() {
		return nil, fmt.Errorf("%w: %d trailing bytes after fast-path input events", codec.ErrMalformed, r.Remaining())
	}
	return events, nil
}

// EncodeFastPathInput builds an unencrypted fast-path input PDU.
func EncodeFastPathInput(events []FastPathInputEvent) *FastPathPDU {
	var buf bytes.Buffer
	header := uint8(FASTPATH_ACTION_FASTPATH)
	if len(events) < 16 {
		header |= uint8(len(events)) << 2
	} else {
		buf.WriteByte(uint8(len(events)))
	}
	for _, ev := range events {
		buf.WriteByte(ev.Code<<5 | ev.Flags&0x1F)
		buf.Write(ev.Data)
	}
	return &FastPathPDU{Header: header, Payload: buf.Bytes()}
}

// ScanCode returns the key code of a scancode event.
func (e FastPathInputEvent) ScanCode() uint8 {
	if len(e.Data) == 0 {
		return 0
	}
	return e.Data[0]
}

// UnicodeCode returns the UTF-16 code unit of a unicode event.
func (e FastPathInputEvent) UnicodeCode() uint16 {
	if len(e.Data) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(e.Data)
}

// NewFastPathUnicodeEvent builds a unicode keyboard event.
func NewFastPathUnicodeEvent(code uint16, release bool) FastPathInputEvent {
	ev := FastPathInputEvent{Code: FASTPATH_INPUT_EVENT_UNICODE, Data: make([]byte, 2)}
	if release {
		ev.Flags = FASTPATH_INPUT_KBDFLAGS_RELEASE
	}
	binary.LittleEndian.PutUint16(ev.Data, code)
	return ev
}

// FastPathOutputUpdate is a single server fast-path update.
type FastPathOutputUpdate struct {
	Header           uint8
	CompressionFlags uint8
	Data             []byte
}

func (u FastPathOutputUpdate) UpdateCode() uint8    { return u.Header & 0x0F }
func (u FastPathOutputUpdate) Fragmentation() uint8 { return (u.Header >> 4) & 0x03 }
func (u FastPathOutputUpdate) Compression() uint8   { return u.Header >> 6 }

// ParseFastPathOutput decodes the updates carried by a server fast-path PDU.
func ParseFastPathOutput(pdu *FastPathPDU) ([]FastPathOutputUpdate, error) {
	r := codec.NewReader(pdu.Payload)
	var updates []FastPathOutputUpdate
	for !r.Empty() {
		var u FastPathOutputUpdate
		var err error
		if u.Header, err = r.Uint8(); err != nil {
			return nil, err
		}
		if u.Compression()&FASTPATH_OUTPUT_COMPRESSION_USED != 0 {
			if u.CompressionFlags, err = r.Uint8(); err != nil {
				return nil, err
			}
		}
		size, err := r.Uint16LE()
		if err != nil {
			return nil, err
		}
		if u.Data, err = r.Bytes(int(size)); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// EncodeFastPathOutput serializes updates into a fast-path payload.
func EncodeFastPathOutput(updates []FastPathOutputUpdate) []byte {
	var buf bytes.Buffer
	for _, u := range updates {
		buf.WriteByte(u.Header)
		if u.Compression()&FASTPATH_OUTPUT_COMPRESSION_USED != 0 {
			buf.WriteByte(u.CompressionFlags)
		}
		binary.Write(&buf, binary.LittleEndian, uint16(len(u.Data)))
		buf.Write(u.Data)
	}
	return buf.Bytes()
}
