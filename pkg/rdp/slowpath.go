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

const (
	shareControlHeaderSize = 6
	shareDataHeaderSize    = 12
	flowPDUMarker          = 0x8000
)

// Slow-path input event types (MS-RDPBCGR 2.2.8.1.1.3.1.1)
const (
	INPUT_EVENT_SYNC     = 0x0000
	INPUT_EVENT_SCANCODE = 0x0004
	INPUT_EVENT_UNICODE  = 0x0005
	INPUT_EVENT_MOUSE    = 0x8001
	INPUT_EVENT_MOUSEX   = 0x8002

	KBDFLAGS_EXTENDED = 0x0100
	KBDFLAGS_DOWN     = 0x4000
	KBDFLAGS_RELEASE  = 0x8000
)

// Save Session Info types (MS-RDPBCGR 2.2.10.1.1)
const (
	INFOTYPE_LOGON               = 0x00000000
	INFOTYPE_LOGON_LONG          = 0x00000001
	INFOTYPE_LOGON_PLAINNOTIFY   = 0x00000002
	INFOTYPE_LOGON_EXTENDED_INFO = 0x00000003
)

// ShareControlHeader (MS-RDPBCGR 2.2.8.1.1.1.1)
type ShareControlHeader struct {
	TotalLength uint16
	PDUType     uint16
	PDUSource   uint16
}

// Type returns the PDU type without the protocol version bits.
func (h ShareControlHeader) Type() uint16 { return h.PDUType & 0x0F }

// ShareDataHeader (MS-RDPBCGR 2.2.8.1.1.1.2)
type ShareDataHeader struct {
	ShareID            uint32
	Pad1               uint8
	StreamID           uint8
	UncompressedLength uint16
	PDUType2           uint8
	CompressedType     uint8
	CompressedLength   uint16
}

// SlowPathPDU is one share control PDU. Data is set for PDUTYPE_DATAPDU.
// Flow control PDUs carry no header and are kept verbatim in Payload.
type SlowPathPDU struct {
	Flow    bool
	Control ShareControlHeader
	Data    *ShareDataHeader
	Payload []byte
}

// ParseSlowPath splits a slow-path payload into its share control PDUs.
func ParseSlowPath(data []byte) ([]*SlowPathPDU, error) {
	r := codec.NewReader(data)
	var pdus []*SlowPathPDU
	for !r.Empty() {
		start := r.Offset()
		length, err := r.Uint16LE()
		if err != nil {
			return nil, err
		}
		if length == flowPDUMarker {
			if err := r.Skip(6); err != nil {
				return nil, fmt.Errorf("flow PDU: %w", err)
			}
			raw := append([]byte(nil), data[start:r.Offset()]...)
			pdus = append(pdus, &SlowPathPDU{Flow: true, Payload: raw})
			continue
		}
		if length < shareControlHeaderSize {
			return nil, fmt.Errorf("%w: share control length %d", codec.ErrMalformed, length)
		}
		if err := r.Skip(int(length) - 2); err != nil {
			return nil, fmt.Errorf("share control PDU at %d: %w", start, err)
		}
		pdu, err := parseShareControl(data[start:r.Offset()])
		if err != nil {
			return nil, err
		}
		pdus = append(pdus, pdu)
	}
	return pdus, nil
}

func parseShareControl(frame []byte) (*SlowPathPDU, error) {
	r := codec.NewReader(frame)
	pdu := &SlowPathPDU{}
	pdu.Control.TotalLength, _ = r.Uint16LE()
	var err error
	if pdu.Control.PDUType, err = r.Uint16LE(); err != nil {
		return nil, err
	}
	// Some PDUs (such as deactivate all) may omit the source field.
	if r.Remaining() >= 2 {
		pdu.Control.PDUSource, _ = r.Uint16LE()
	}

	if pdu.Control.Type() == PDUTYPE_DATAPDU {
		h := &ShareDataHeader{}
		if h.ShareID, err = r.Uint32LE(); err != nil {
			return nil, fmt.Errorf("share data header: %w", err)
		}
		h.Pad1, _ = r.Uint8()
		h.StreamID, _ = r.Uint8()
		h.UncompressedLength, _ = r.Uint16LE()
		h.PDUType2, _ = r.Uint8()
		h.CompressedType, _ = r.Uint8()
		if h.CompressedLength, err = r.Uint16LE(); err != nil {
			return nil, fmt.Errorf("share data header: %w", err)
		}
		pdu.Data = h
	}
	pdu.Payload = r.Rest()
	return pdu, nil
}

// Encode serializes the PDU, recomputing the total length.
func (p *SlowPathPDU) Encode() []byte {
	if p.Flow {
		return p.Payload
	}
	size := shareControlHeaderSize + len(p.Payload)
	if p.Data != nil {
		size += shareDataHeaderSize
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(size))
	binary.Write(&buf, binary.LittleEndian, p.Control.PDUType)
	binary.Write(&buf, binary.LittleEndian, p.Control.PDUSource)
	if p.Data != nil {
		binary.Write(&buf, binary.LittleEndian, p.Data)
	}
	buf.Write(p.Payload)
	return buf.Bytes()
}

// EncodeSlowPath concatenates several share control PDUs.
func EncodeSlowPath(pdus []*SlowPathPDU) []byte {
	var buf bytes.Buffer
	for _, p := range pdus {
		buf.Write(p.Encode())
	}
	return buf.Bytes()
}

// NewDataPDU wraps payload in share control and share data headers.
func NewDataPDU(pduType2 uint8, shareID uint32, source uint16, payload []byte) *SlowPathPDU {
	return &SlowPathPDU{
		Control: ShareControlHeader{PDUType: PDUTYPE_DATAPDU | PDU_VERSION, PDUSource: source},
		Data: &ShareDataHeader{
			ShareID:            shareID,
			StreamID:           0x01,
			UncompressedLength: uint16(len(payload) + 4),
			PDUType2:           pduType2,
		},
		Payload: payload,
	}
}

// SlowPathInputEvent is one TS_INPUT_EVENT.
type SlowPathInputEvent struct {
	EventTime   uint32
	MessageType uint16
	Data        [6]byte
}

// KeyboardFlags returns the flags of a scancode or unicode event.
func (e SlowPathInputEvent) KeyboardFlags() uint16 { return binary.LittleEndian.Uint16(e.Data[0:]) }

// KeyCode returns the scancode or unicode code unit of a keyboard event.
func (e SlowPathInputEvent) KeyCode() uint16 { return binary.LittleEndian.Uint16(e.Data[2:]) }

func ParseInputEvents(payload []byte) ([]SlowPathInputEvent, error) {
	r := codec.NewReader(payload)
	count, err := r.Uint16LE()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(2); err != nil {
		return nil, err
	}
	events := make([]SlowPathInputEvent, 0, count)
	for i := uint16(0); i < count; i++ {
		var ev SlowPathInputEvent
		if ev.EventTime, err = r.Uint32LE(); err != nil {
			return nil, err
		}
		if ev.MessageType, err = r.Uint16LE(); err != nil {
			return nil, err
		}
		data, err := r.Bytes(6)
		if err != nil {
			return nil, fmt.Errorf("input event %d: %w", i, err)
		}
		copy(ev.Data[:], data)
		events = append(events, ev)
	}
	return events, nil
}

func EncodeInputEvents(events []SlowPathInputEvent) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(len(events)))
	buf.Write([]byte{0, 0})
	for _, ev := range events {
		binary.Write(&buf, binary.LittleEndian, ev.EventTime)
		binary.Write(&buf, binary.LittleEndian, ev.MessageType)
		buf.Write(ev.Data[:])
	}
	return buf.Bytes()
}

// LogonInfo is the subset of a Save Session Info PDU worth reporting.
type LogonInfo struct {
	InfoType  uint32
	Domain    string
	Username  string
	SessionID uint32
}

// ParseSaveSessionInfo decodes the logon variants of TS_SAVE_SESSION_INFO_PDU_DATA.
// Other info types return only InfoType.
func ParseSaveSessionInfo(payload []byte) (*LogonInfo, error) {
	r := codec.NewReader(payload)
	info := &LogonInfo{}
	var err error
	if info.InfoType, err = r.Uint32LE(); err != nil {
		return nil, err
	}

	switch info.InfoType {
	case INFOTYPE_LOGON:
		cbDomain, _ := r.Uint32LE()
		domain, err := r.Bytes(52)
		if err != nil {
			return nil, err
		}
		cbUser, _ := r.Uint32LE()
		user, err := r.Bytes(512)
		if err != nil {
			return nil, err
		}
		info.SessionID, _ = r.Uint32LE()
		info.Domain, _ = codec.DecodeUTF16LE(domain[:min(int(cbDomain), len(domain))])
		info.Username, _ = codec.DecodeUTF16LE(user[:min(int(cbUser), len(user))])

	case INFOTYPE_LOGON_LONG:
		if err := r.Skip(6); err != nil { // version, size
			return nil, err
		}
		info.SessionID, _ = r.Uint32LE()
		cbDomain, _ := r.Uint32LE()
		cbUser, _ := r.Uint32LE()
		if err := r.Skip(558); err != nil {
			return nil, err
		}
		domain, err := r.Bytes(int(cbDomain))
		if err != nil {
			return nil, err
		}
		user, err := r.Bytes(int(cbUser))
		if err != nil {
			return nil, err
		}
		info.Domain, _ = codec.DecodeUTF16LE(domain)
		info.Username, _ = codec.DecodeUTF16LE(user)
	}
	return info, nil
}

// Server redirection flags (MS-RDPBCGR 2.2.13.1)
const (
	LB_TARGET_NET_ADDRESS = 0x00000001
	LB_LOAD_BALANCE_INFO  = 0x00000002
	LB_USERNAME           = 0x00000004
	LB_DOMAIN             = 0x00000008
	LB_PASSWORD           = 0x00000010
)

// ServerRedirection is the leading part of RDP_SERVER_REDIRECTION_PACKET.
type ServerRedirection struct {
	SessionID        uint32
	RedirFlags       uint32
	TargetNetAddress string
}

// ParseServerRedirection decodes the payload of a PDUTYPE_SERVER_REDIR_PKT
// share control PDU.
func ParseServerRedirection(payload []byte) (*ServerRedirection, error) {
	r := codec.NewReader(payload)
	if err := r.Skip(2); err != nil { // pad2Octets
		return nil, err
	}
	if err := r.Skip(4); err != nil { // flags, length
		return nil, fmt.Errorf("server redirection: %w", err)
	}
	red := &ServerRedirection{}
	var err error
	if red.SessionID, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if red.RedirFlags, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if red.RedirFlags&LB_TARGET_NET_ADDRESS != 0 {
		n, err := r.Uint32LE()
		if err != nil {
			return nil, err
		}
		addr, err := r.Bytes(int(n))
		if err != nil {
			return nil, fmt.Errorf("target net address: %w", err)
		}
		red.TargetNetAddress, _ = codec.DecodeUTF16LE(addr)
	}
	return red, nil
}

// ErrorInfo returns the errorInfo code of a Set Error Info PDU.
func ErrorInfo(payload []byte) (uint32, error) {
	return codec.NewReader(payload).Uint32LE()
}
