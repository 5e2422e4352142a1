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

package codec

import (
	"bytes"
	"fmt"
)

// ReadPERLength reads an aligned PER length determinant (one byte, or two
// bytes with the high bit set).
func ReadPERLength(r *Reader) (int, error) {
	b, err := r.Uint8()
	if err != nil {
		return 0, err
	}
	if b&0x80 == 0 {
		return int(b), nil
	}
	lo, err := r.Uint8()
	if err != nil {
		return 0, err
	}
	return int(b&0x7F)<<8 | int(lo), nil
}

// WritePERLength writes a PER length determinant.
func WritePERLength(buf *bytes.Buffer, length int) {
	if length > 0x7F {
		buf.WriteByte(byte(length>>8) | 0x80)
		buf.WriteByte(byte(length))
		return
	}
	buf.WriteByte(byte(length))
}

// ReadPERChoice, ReadPERSelection and ReadPERNumberOfSets each read a single octet.
func ReadPERChoice(r *Reader) (uint8, error)       { return r.Uint8() }
func ReadPERSelection(r *Reader) (uint8, error)    { return r.Uint8() }
func ReadPERNumberOfSets(r *Reader) (uint8, error) { return r.Uint8() }

func WritePERChoice(buf *bytes.Buffer, v uint8)       { buf.WriteByte(v) }
func WritePERSelection(buf *bytes.Buffer, v uint8)    { buf.WriteByte(v) }
func WritePERNumberOfSets(buf *bytes.Buffer, v uint8) { buf.WriteByte(v) }

// ReadPERPadding skips n padding octets.
func ReadPERPadding(r *Reader, n int) error { return r.Skip(n) }

func WritePERPadding(buf *bytes.Buffer, n int) {
	buf.Write(make([]byte, n))
}

// ReadPERInteger reads a length-prefixed unconstrained integer of 1, 2 or 4 bytes.
func ReadPERInteger(r *Reader) (uint32, error) {
	n, err := ReadPERLength(r)
	if err != nil {
		return 0, err
	}
	switch n {
	case 1:
		v, err := r.Uint8()
		return uint32(v), err
	case 2:
		v, err := r.Uint16BE()
		return uint32(v), err
	case 4:
		return r.Uint32BE()
	default:
		return 0, fmt.Errorf("%w: PER integer length %d", ErrMalformed, n)
	}
}

func WritePERInteger(buf *bytes.Buffer, v uint32) {
	switch {
	case v <= 0xFF:
		WritePERLength(buf, 1)
		buf.WriteByte(byte(v))
	case v <= 0xFFFF:
		WritePERLength(buf, 2)
		buf.WriteByte(byte(v >> 8))
		buf.WriteByte(byte(v))
	default:
		WritePERLength(buf, 4)
		buf.WriteByte(byte(v >> 24))
		buf.WriteByte(byte(v >> 16))
		buf.WriteByte(byte(v >> 8))
		buf.WriteByte(byte(v))
	}
}

// ReadPERInteger16 reads a constrained 16-bit integer offset by min.
func ReadPERInteger16(r *Reader, min uint16) (uint16, error) {
	v, err := r.Uint16BE()
	if err != nil {
		return 0, err
	}
	return v + min, nil
}

func WritePERInteger16(buf *bytes.Buffer, v, min uint16) {
	d := v - min
	buf.WriteByte(byte(d >> 8))
	buf.WriteByte(byte(d))
}

// ReadPEREnumerated reads an enumerated value and checks it against count.
func ReadPEREnumerated(r *Reader, count uint8) (uint8, error) {
	v, err := r.Uint8()
	if err != nil {
		return 0, err
	}
	if v >= count {
		return 0, fmt.Errorf("%w: PER enumerated value %d out of range %d", ErrMalformed, v, count)
	}
	return v, nil
}

func WritePEREnumerated(buf *bytes.Buffer, v uint8) { buf.WriteByte(v) }

// ReadPERObjectIdentifier reads a six-arc object identifier as used by T.124.
func ReadPERObjectIdentifier(r *Reader) ([6]uint8, error) {
	var oid [6]uint8
	n, err := ReadPERLength(r)
	if err != nil {
		return oid, err
	}
	if n != 5 {
		return oid, fmt.Errorf("%w: PER object identifier length %d", ErrMalformed, n)
	}
	b, err := r.Bytes(5)
	if err != nil {
		return oid, err
	}
	oid[0] = b[0] / 40
	oid[1] = b[0] % 40
	copy(oid[2:], b[1:])
	return oid, nil
}

func WritePERObjectIdentifier(buf *bytes.Buffer, oid [6]uint8) {
	WritePERLength(buf, 5)
	buf.WriteByte(oid[0]*40 + oid[1])
	buf.Write(oid[2:])
}

// ReadPEROctetString reads an octet string whose length is encoded relative to min.
func ReadPEROctetString(r *Reader, min int) ([]byte, error) {
	n, err := ReadPERLength(r)
	if err != nil {
		return nil, err
	}
	return r.Bytes(n + min)
}

func WritePEROctetString(buf *bytes.Buffer, b []byte, min int) {
	WritePERLength(buf, len(b)-min)
	buf.Write(b)
}

// ReadPERNumericString reads a packed numeric string (two digits per octet).
func ReadPERNumericString(r *Reader, min int) (string, error) {
	n, err := ReadPERLength(r)
	if err != nil {
		return "", err
	}
	n += min
	packed, err := r.Bytes((n + 1) / 2)
	if err != nil {
		return "", err
	}
	digits := make([]byte, 0, n)
	for _, b := range packed {
		digits = append(digits, '0'+(b>>4))
		if len(digits) < n {
			digits = append(digits, '0'+(b&0x0F))
		}
	}
	return string(digits), nil
}

func WritePERNumericString(buf *bytes.Buffer, s string, min int) {
	WritePERLength(buf, len(s)-min)
	for i := 0; i < len(s); i += 2 {
		hi := (s[i] - '0') & 0x0F
		var lo byte
		if i+1 < len(s) {
			lo = (s[i+1] - '0') & 0x0F
		}
		buf.WriteByte(hi<<4 | lo)
	}
}
