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

// Licensing PDU types (MS-RDPELE)
const (
	LICENSE_REQUEST             = 0x01
	PLATFORM_CHALLENGE          = 0x02
	NEW_LICENSE                 = 0x03
	UPGRADE_LICENSE             = 0x04
	LICENSE_INFO                = 0x12
	NEW_LICENSE_REQUEST         = 0x13
	PLATFORM_CHALLENGE_RESPONSE = 0x15
	ERROR_ALERT                 = 0xFF
)

// License error codes
const (
	ERR_INVALID_SERVER_CERTIFICATE = 0x00000001
	ERR_NO_LICENSE                 = 0x00000002
	ERR_INVALID_MAC                = 0x00000003
	ERR_INVALID_SCOPE              = 0x00000004
	ERR_NO_LICENSE_SERVER          = 0x00000006
	STATUS_VALID_CLIENT            = 0x00000007
	ERR_INVALID_CLIENT             = 0x00000008
	ERR_INVALID_PRODUCTID          = 0x0000000B
	ERR_INVALID_MESSAGE_LEN        = 0x0000000C

	ST_TOTAL_ABORT    = 0x00000001
	ST_NO_TRANSITION  = 0x00000002
	ST_RESET_PHASE    = 0x00000003
	ST_RESEND_LAST_MS = 0x00000004
)

// LicensingPDU is a licensing preamble followed by its message body
// (MS-RDPBCGR 2.2.1.12.1.1).
type LicensingPDU struct {
	MsgType uint8
	Flags   uint8
	Body    []byte
}

func ParseLicensing(data []byte) (*LicensingPDU, error) {
	r := codec.NewReader(data)
	p := &LicensingPDU{}
	var err error
	if p.MsgType, err = r.Uint8(); err != nil {
		return nil, err
	}
	if p.Flags, err = r.Uint8(); err != nil {
		return nil, err
	}
	size, err := r.Uint16LE()
	if err != nil {
		return nil, err
	}
	if size < 4 {
		return nil, fmt.Errorf("%w: licensing message size %d", codec.ErrMalformed, size)
	}
	if p.Body, err = r.Bytes(int(size) - 4); err != nil {
		return nil, fmt.Errorf("licensing message: %w", err)
	}
	return p, nil
}

func (p *LicensingPDU) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(p.MsgType)
	buf.WriteByte(p.Flags)
	binary.Write(&buf, binary.LittleEndian, uint16(len(p.Body)+4))
	buf.Write(p.Body)
	return buf.Bytes()
}

// ErrorCode returns the dwErrorCode and dwStateTransition of an error alert.
func (p *LicensingPDU) ErrorCode() (code, transition uint32, ok bool) {
	if p.MsgType != ERROR_ALERT || len(p.Body) < 8 {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(p.Body), binary.LittleEndian.Uint32(p.Body[4:]), true
}

// Completes reports whether this server message ends the licensing phase,
// after which security headers are no longer sent under TLS.
func (p *LicensingPDU) Completes() bool {
	switch p.MsgType {
	case NEW_LICENSE, UPGRADE_LICENSE:
		return true
	case ERROR_ALERT:
		code, transition, ok := p.ErrorCode()
		return ok && code == STATUS_VALID_CLIENT && transition == ST_NO_TRANSITION
	}
	return false
}

// NewValidClientLicense builds the server's "valid client" error alert.
func NewValidClientLicense() *LicensingPDU {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint32(STATUS_VALID_CLIENT))
	binary.Write(&body, binary.LittleEndian, uint32(ST_NO_TRANSITION))
	binary.Write(&body, binary.LittleEndian, uint16(0x0004)) // BB_ERROR_BLOB
	binary.Write(&body, binary.LittleEndian, uint16(0))
	return &LicensingPDU{MsgType: ERROR_ALERT, Flags: 0x03, Body: body.Bytes()}
}
