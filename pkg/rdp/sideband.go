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

// Auto-detect request and response types (MS-RDPBCGR 2.2.14)
const (
	RDP_RTT_REQUEST_TYPE_CONTINUOUS  = 0x0001
	RDP_RTT_REQUEST_TYPE_CONNECTTIME = 0x1001
	RDP_BW_START_TYPE_CONTINUOUS     = 0x0014
	RDP_BW_START_TYPE_CONNECTTIME    = 0x1014
	RDP_BW_PAYLOAD                   = 0x0002
	RDP_BW_STOP                      = 0x002B
	RDP_BW_STOP_TYPE_CONNECTTIME     = 0x002F
	RDP_NETCHAR_RESULT               = 0x0840
	RDP_RTT_RESPONSE                 = 0x0000
	RDP_BW_RESULTS                   = 0x0003
	RDP_NETCHAR_SYNC                 = 0x0018

	TYPE_ID_AUTODETECT_REQUEST  = 0x00
	TYPE_ID_AUTODETECT_RESPONSE = 0x01
)

// HeartbeatPDU is the server heartbeat sent under SEC_HEARTBEAT.
type HeartbeatPDU struct {
	Period uint8
	Count1 uint8
	Count2 uint8
}

func ParseHeartbeat(data []byte) (*HeartbeatPDU, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: heartbeat of %d bytes", codec.ErrTruncated, len(data))
	}
	return &HeartbeatPDU{Period: data[1], Count1: data[2], Count2: data[3]}, nil
}

func (p *HeartbeatPDU) Encode() []byte {
	return []byte{0, p.Period, p.Count1, p.Count2}
}

// AutoDetectPDU is a network characteristics request or response sent under
// SEC_AUTODETECT_REQ or SEC_AUTODETECT_RSP.
type AutoDetectPDU struct {
	HeaderLength   uint8
	HeaderTypeID   uint8
	SequenceNumber uint16
	Type           uint16
	Payload        []byte
}

func ParseAutoDetect(data []byte) (*AutoDetectPDU, error) {
	r := codec.NewReader(data)
	headerLen, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	if headerLen < 6 {
		return nil, fmt.Errorf("%w: auto-detect header length %d", codec.ErrMalformed, headerLen)
	}
	p := &AutoDetectPDU{HeaderLength: headerLen}
	if p.HeaderTypeID, err = r.Uint8(); err != nil {
		return nil, err
	}
	if p.SequenceNumber, err = r.Uint16LE(); err != nil {
		return nil, err
	}
	if p.Type, err = r.Uint16LE(); err != nil {
		return nil, err
	}
	// type-specific fields past the first six header bytes stay in Payload
	p.Payload = r.Rest()
	return p, nil
}

func (p *AutoDetectPDU) Encode() []byte {
	buf := make([]byte, 6, 6+len(p.Payload))
	buf[0] = max(p.HeaderLength, 6)
	buf[1] = p.HeaderTypeID
	binary.LittleEndian.PutUint16(buf[2:], p.SequenceNumber)
	binary.LittleEndian.PutUint16(buf[4:], p.Type)
	return append(buf, p.Payload...)
}
