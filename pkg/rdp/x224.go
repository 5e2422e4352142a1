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

// X224ConnectionRequest represents an X.224 Connection Request PDU (CR TPDU)
// as defined in ITU-T X.224 (ISO 8073).
//
// Structure:
//   - Length Indicator (1 byte): Length of header excluding LI field
//   - TPDU Code (1 byte): 0xE0 for Connection Request
//   - DST-REF (2 bytes): Destination reference (0 for CR)
//   - SRC-REF (2 bytes): Source reference (arbitrary)
//   - Class/Options (1 byte): Protocol class and options
//   - Variable Part: routing token or cookie, RDP_NEG_REQ, correlation info
type X224ConnectionRequest struct {
	DstRef       uint16
	SrcRef       uint16
	ClassOptions uint8
	Cookie       []byte     // routing token or "Cookie: mstshash=...\r\n", CRLF included
	NegReq       *RDPNegReq // nil when the client sent no negotiation request
	Trailer      []byte     // RDP_NEG_CORRELATION_INFO or other trailing data
}

// X224ConnectionConfirm represents an X.224 Connection Confirm PDU (CC TPDU).
// At most one of NegRsp and NegFailure is set.
type X224ConnectionConfirm struct {
	DstRef       uint16
	SrcRef       uint16
	ClassOptions uint8
	NegRsp       *RDPNegRsp
	NegFailure   *RDPNegFailure
}

// X224DisconnectRequest represents an X.224 Disconnect Request PDU (DR TPDU).
type X224DisconnectRequest struct {
	DstRef   uint16
	SrcRef   uint16
	Reason   uint8
	Variable []byte
}

// X224Error represents an X.224 TPDU Error PDU (ER TPDU).
type X224Error struct {
	DstRef uint16
	Cause  uint8
	Raw    []byte
}

// X224DataTPDU represents an X.224 Data TPDU (DT TPDU)
// Used to transport user data after connection establishment
type X224DataTPDU struct {
	EOT     uint8 // End of TSDU mark (bit 7: 1=end, 0=not end)
	Payload []byte
}

// RDPNegReq represents an RDP Negotiation Request
type RDPNegReq struct {
	Type      uint8
	Flags     uint8
	Length    uint16
	Protocols uint32
}

// RDPNegRsp represents an RDP Negotiation Response
type RDPNegRsp struct {
	Type      uint8
	Flags     uint8
	Length    uint16
	Protocols uint32
}

// RDPNegFailure represents an RDP Negotiation Failure
type RDPNegFailure struct {
	Type        uint8
	Flags       uint8
	Length      uint16
	FailureCode uint32
}

// NewRDPNegReq builds a negotiation request for the given protocol set.
func NewRDPNegReq(protocols uint32) *RDPNegReq {
	return &RDPNegReq{Type: TYPE_RDP_NEG_REQ, Length: 8, Protocols: protocols}
}

// NewRDPNegRsp builds a negotiation response selecting protocol.
func NewRDPNegRsp(protocol uint32, flags uint8) *RDPNegRsp {
	return &RDPNegRsp{Type: TYPE_RDP_NEG_RSP, Flags: flags, Length: 8, Protocols: protocol}
}

// NewRDPNegFailure builds a negotiation failure carrying code.
func NewRDPNegFailure(code uint32) *RDPNegFailure {
	return &RDPNegFailure{Type: TYPE_RDP_NEG_FAILURE, Length: 8, FailureCode: code}
}

// ProtocolName returns a human-readable name for the protocol
func ProtocolName(protocol uint32) string {
	switch protocol {
	case PROTOCOL_RDP:
		return "Standard RDP Security"
	case PROTOCOL_SSL:
		return "TLS/SSL Security"
	case PROTOCOL_HYBRID:
		return "CredSSP (NLA)"
	case PROTOCOL_RDSTLS:
		return "RDSTLS"
	case PROTOCOL_HYBRID_EX:
		return "CredSSP with Early User Auth"
	default:
		return fmt.Sprintf("Unknown (0x%08X)", protocol)
	}
}

// FailureReason returns a human-readable failure reason
func FailureReason(code uint32) string {
	switch code {
	case SSL_REQUIRED_BY_SERVER:
		return "SSL/TLS required by server"
	case SSL_NOT_ALLOWED_BY_SERVER:
		return "SSL/TLS not allowed by server"
	case SSL_CERT_NOT_ON_SERVER:
		return "SSL certificate not configured on server"
	case INCONSISTENT_FLAGS:
		return "Inconsistent negotiation flags"
	case HYBRID_REQUIRED_BY_SERVER:
		return "CredSSP/NLA required by server"
	case SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER:
		return "SSL with user authentication required"
	default:
		return fmt.Sprintf("Unknown failure code (0x%08X)", code)
	}
}

// ParseX224 decodes an X.224 TPDU (TPKT payload) and returns one of
// *X224ConnectionRequest, *X224ConnectionConfirm, *X224DisconnectRequest,
// *X224Error or *X224DataTPDU.
func ParseX224(data []byte) (any, error) {
	r := codec.NewReader(data)
	li, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	code, err := r.Uint8()
	if err != nil {
		return nil, err
	}

	if code&0xF0 == X224_TPDU_DATA {
		if li != 2 {
			return nil, fmt.Errorf("%w: X.224 data TPDU length indicator %d", codec.ErrMalformed, li)
		}
		eot, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		return &X224DataTPDU{EOT: eot, Payload: r.Rest()}, nil
	}

	if int(li)+1 != len(data) {
		return nil, fmt.Errorf("%w: X.224 length indicator %d does not match TPDU size %d", codec.ErrMalformed, li, len(data))
	}

	switch code & 0xF0 {
	case X224_TPDU_CONNECTION_REQUEST:
		return parseConnectionRequest(r)
	case X224_TPDU_CONNECTION_CONFIRM:
		return parseConnectionConfirm(r)
	case X224_TPDU_DISCONNECT_REQUEST:
		dr := &X224DisconnectRequest{}
		if dr.DstRef, err = r.Uint16BE(); err != nil {
			return nil, err
		}
		if dr.SrcRef, err = r.Uint16BE(); err != nil {
			return nil, err
		}
		if dr.Reason, err = r.Uint8(); err != nil {
			return nil, err
		}
		dr.Variable = r.Rest()
		return dr, nil
	case X224_TPDU_ERROR:
		er := &X224Error{}
		if er.DstRef, err = r.Uint16BE(); err != nil {
			return nil, err
		}
		if er.Cause, err = r.Uint8(); err != nil {
			return nil, err
		}
		er.Raw = r.Rest()
		return er, nil
	default:
		return nil, fmt.Errorf("%w: unknown X.224 TPDU code 0x%02X", codec.ErrMalformed, code)
	}
}

func parseConnectionRequest(r *codec.Reader) (*X224ConnectionRequest, error) {
	cr := &X224ConnectionRequest{}
	var err error
	if cr.DstRef, err = r.Uint16BE(); err != nil {
		return nil, err
	}
	if cr.SrcRef, err = r.Uint16BE(); err != nil {
		return nil, err
	}
	if cr.ClassOptions, err = r.Uint8(); err != nil {
		return nil, err
	}

	variable := r.Rest()
	if i := bytes.Index(variable, []byte("\r\n")); i >= 0 && !startsWithNegReq(variable) {
		cr.Cookie = variable[:i+2]
		variable = variable[i+2:]
	}
	if startsWithNegReq(variable) {
		nr := codec.NewReader(variable)
		neg := &RDPNegReq{}
		neg.Type, _ = nr.Uint8()
		neg.Flags, _ = nr.Uint8()
		neg.Length, _ = nr.Uint16LE()
		neg.Protocols, _ = nr.Uint32LE()
		if neg.Length != 8 {
			return nil, fmt.Errorf("%w: RDP_NEG_REQ length %d", codec.ErrMalformed, neg.Length)
		}
		cr.NegReq = neg
		variable = nr.Rest()
	}
	if len(variable) > 0 {
		cr.Trailer = variable
	}
	return cr, nil
}

func startsWithNegReq(b []byte) bool {
	return len(b) >= 8 && b[0] == TYPE_RDP_NEG_REQ && binary.LittleEndian.Uint16(b[2:4]) == 8
}

func parseConnectionConfirm(r *codec.Reader) (*X224ConnectionConfirm, error) {
	cc := &X224ConnectionConfirm{}
	var err error
	if cc.DstRef, err = r.Uint16BE(); err != nil {
		return nil, err
	}
	if cc.SrcRef, err = r.Uint16BE(); err != nil {
		return nil, err
	}
	if cc.ClassOptions, err = r.Uint8(); err != nil {
		return nil, err
	}
	if r.Empty() {
		return cc, nil
	}

	typ, _ := r.Peek()
	b, err := r.Bytes(8)
	if err != nil {
		return nil, err
	}
	flags := b[1]
	length := binary.LittleEndian.Uint16(b[2:4])
	value := binary.LittleEndian.Uint32(b[4:8])
	switch typ {
	case TYPE_RDP_NEG_RSP:
		cc.NegRsp = &RDPNegRsp{Type: typ, Flags: flags, Length: length, Protocols: value}
	case TYPE_RDP_NEG_FAILURE:
		cc.NegFailure = &RDPNegFailure{Type: typ, Flags: flags, Length: length, FailureCode: value}
	default:
		return nil, fmt.Errorf("%w: unknown negotiation type 0x%02X in connection confirm", codec.ErrMalformed, typ)
	}
	if !r.Empty() {
		return nil, fmt.Errorf("%w: %d trailing bytes in connection confirm", codec.ErrMalformed, r.Remaining())
	}
	return cc, nil
}

func writeFixedHeader(buf *bytes.Buffer, variableLen int, code uint8, dst, src uint16, class uint8) {
	buf.WriteByte(uint8(X224_CR_FIXED_SIZE - 1 + variableLen))
	buf.WriteByte(code)
	binary.Write(buf, binary.BigEndian, dst)
	binary.Write(buf, binary.BigEndian, src)
	buf.WriteByte(class)
}

// Encode serializes the connection request (without TPKT header).
func (cr *X224ConnectionRequest) Encode() []byte {
	var variable bytes.Buffer
	variable.Write(cr.Cookie)
	if cr.NegReq != nil {
		binary.Write(&variable, binary.LittleEndian, cr.NegReq)
	}
	variable.Write(cr.Trailer)

	var buf bytes.Buffer
	writeFixedHeader(&buf, variable.Len(), X224_TPDU_CONNECTION_REQUEST, cr.DstRef, cr.SrcRef, cr.ClassOptions)
	buf.Write(variable.Bytes())
	return buf.Bytes()
}

// RequestedProtocols returns the protocol set of the negotiation request, or
// PROTOCOL_RDP when none was sent.
func (cr *X224ConnectionRequest) RequestedProtocols() uint32 {
	if cr.NegReq == nil {
		return PROTOCOL_RDP
	}
	return cr.NegReq.Protocols
}

// Clone returns a deep copy so the original request can be replayed later.
func (cr *X224ConnectionRequest) Clone() *X224ConnectionRequest {
	c := *cr
	c.Cookie = append([]byte(nil), cr.Cookie...)
	c.Trailer = append([]byte(nil), cr.Trailer...)
	if cr.NegReq != nil {
		neg := *cr.NegReq
		c.NegReq = &neg
	}
	return &c
}

// Encode serializes the connection confirm (without TPKT header).
func (cc *X224ConnectionConfirm) Encode() []byte {
	var variable bytes.Buffer
	switch {
	case cc.NegRsp != nil:
		binary.Write(&variable, binary.LittleEndian, cc.NegRsp)
	case cc.NegFailure != nil:
		binary.Write(&variable, binary.LittleEndian, cc.NegFailure)
	}

	var buf bytes.Buffer
	writeFixedHeader(&buf, variable.Len(), X224_TPDU_CONNECTION_CONFIRM, cc.DstRef, cc.SrcRef, cc.ClassOptions)
	buf.Write(variable.Bytes())
	return buf.Bytes()
}

// Encode serializes the disconnect request (without TPKT header).
func (dr *X224DisconnectRequest) Encode() []byte {
	var buf bytes.Buffer
	writeFixedHeader(&buf, len(dr.Variable), X224_TPDU_DISCONNECT_REQUEST, dr.DstRef, dr.SrcRef, dr.Reason)
	buf.Write(dr.Variable)
	return buf.Bytes()
}

// Encode serializes the error TPDU (without TPKT header).
func (er *X224Error) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(uint8(4 + len(er.Raw)))
	buf.WriteByte(X224_TPDU_ERROR)
	binary.Write(&buf, binary.BigEndian, er.DstRef)
	buf.WriteByte(er.Cause)
	buf.Write(er.Raw)
	return buf.Bytes()
}

// Encode serializes the data TPDU header followed by its payload.
func (dt *X224DataTPDU) Encode() []byte {
	out := make([]byte, 0, X224_DATA_HEADER_SIZE+len(dt.Payload))
	out = append(out, 2, X224_TPDU_DATA, dt.EOT)
	return append(out, dt.Payload...)
}

// NewX224Data wraps payload in a final data TPDU.
func NewX224Data(payload []byte) *X224DataTPDU {
	return &X224DataTPDU{EOT: 0x80, Payload: payload}
}
