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

// SecurityHeader is the basic or non-FIPS security header
// (MS-RDPBCGR 2.2.8.1.1.2). Signature is only present on encrypted PDUs.
type SecurityHeader struct {
	Flags     uint16
	FlagsHi   uint16
	Signature []byte
}

func (h *SecurityHeader) Has(flag uint16) bool { return h.Flags&flag != 0 }

// ParseSecurityHeader reads a security header. withSignature is decided by
// the caller from the negotiated encryption level, and the signature is only
// read when SEC_ENCRYPT is also set.
func ParseSecurityHeader(r *codec.Reader, withSignature bool) (*SecurityHeader, error) {
	h := &SecurityHeader{}
	var err error
	if h.Flags, err = r.Uint16LE(); err != nil {
		return nil, fmt.Errorf("security header: %w", err)
	}
	if h.FlagsHi, err = r.Uint16LE(); err != nil {
		return nil, fmt.Errorf("security header: %w", err)
	}
	if withSignature && h.Has(SEC_ENCRYPT) {
		if h.Signature, err = r.Bytes(8); err != nil {
			return nil, fmt.Errorf("security header signature: %w", err)
		}
	}
	return h, nil
}

func (h *SecurityHeader) Encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, h.Flags)
	binary.Write(buf, binary.LittleEndian, h.FlagsHi)
	buf.Write(h.Signature)
}

// SecurityExchangePDU carries the encrypted client random
// (MS-RDPBCGR 2.2.1.10.1). The header is handled by the security layer.
type SecurityExchangePDU struct {
	EncryptedClientRandom []byte
}

func ParseSecurityExchange(data []byte) (*SecurityExchangePDU, error) {
	r := codec.NewReader(data)
	length, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	random, err := r.Bytes(int(length))
	if err != nil {
		return nil, fmt.Errorf("security exchange: %w", err)
	}
	return &SecurityExchangePDU{EncryptedClientRandom: random}, nil
}

func (p *SecurityExchangePDU) Encode() []byte {
	buf := make([]byte, 4, 4+len(p.EncryptedClientRandom))
	binary.LittleEndian.PutUint32(buf, uint32(len(p.EncryptedClientRandom)))
	return append(buf, p.EncryptedClientRandom...)
}
