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

// BER identifier octet components (ITU-T X.690 section 8.1.2).
const (
	BERClassUniversal   = 0x00
	BERClassApplication = 0x40
	BERConstructed      = 0x20

	BERTagBoolean     = 0x01
	BERTagInteger     = 0x02
	BERTagOctetString = 0x04
	BERTagEnumerated  = 0x0A
	BERTagSequence    = 0x10
)

// ReadBERLength decodes a definite-form BER length.
func ReadBERLength(r *Reader) (int, error) {
	b, err := r.Uint8()
	if err != nil {
		return 0, err
	}
	if b&0x80 == 0 {
		return int(b), nil
	}

	n := int(b & 0x7F)
	if n == 0 || n > 4 {
		return 0, fmt.Errorf("%w: unsupported BER length form 0x%02X", ErrMalformed, b)
	}
	length := 0
	for i := 0; i < n; i++ {
		v, err := r.Uint8()
		if err != nil {
			return 0, err
		}
		length = length<<8 | int(v)
	}
	return length, nil
}

// WriteBERLength encodes a BER length using the shortest form.
func WriteBERLength(buf *bytes.Buffer, length int) {
	switch {
	case length > 0xFF:
		buf.WriteByte(0x82)
		buf.WriteByte(byte(length >> 8))
		buf.WriteByte(byte(length))
	case length > 0x7F:
		buf.WriteByte(0x81)
		buf.WriteByte(byte(length))
	default:
		buf.WriteByte(byte(length))
	}
}

// ReadBERApplicationTag reads a constructed application tag and returns the
// length of its contents. Tags above 30 use the two-byte 0x7F form.
func ReadBERApplicationTag(r *Reader, tag uint8) (int, error) {
	b, err := r.Uint8()
	if err != nil {
		return 0, err
	}
	if tag > 30 {
		if b != BERClassApplication|BERConstructed|0x1F {
			return 0, fmt.Errorf("%w: expected application tag %d, got 0x%02X", ErrMalformed, tag, b)
		}
		t, err := r.Uint8()
		if err != nil {
			return 0, err
		}
		if t != tag {
			return 0, fmt.Errorf("%w: expected application tag %d, got %d", ErrMalformed, tag, t)
		}
	} else if b != BERClassApplication|BERConstructed|tag {
		return 0, fmt.Errorf("%w: expected application tag %d, got 0x%02X", ErrMalformed, tag, b)
	}
	return ReadBERLength(r)
}

// WriteBERApplicationTag writes a constructed application tag header.
func WriteBERApplicationTag(buf *bytes.Buffer, tag uint8, length int) {
	if tag > 30 {
		buf.WriteByte(BERClassApplication | BERConstructed | 0x1F)
		buf.WriteByte(tag)
	} else {
		buf.WriteByte(BERClassApplication | BERConstructed | tag)
	}
	WriteBERLength(buf, length)
}

func readBERUniversal(r *Reader, tag uint8, constructed bool) (int, error) {
	want := BERClassUniversal | tag
	if constructed {
		want |= BERConstructed
	}
	b, err := r.Uint8()
	if err != nil {
		return 0, err
	}
	if b != want {
		return 0, fmt.Errorf("%w: expected universal tag 0x%02X, got 0x%02X", ErrMalformed, want, b)
	}
	return ReadBERLength(r)
}

// ReadBERSequence reads a SEQUENCE header and returns its content length.
func ReadBERSequence(r *Reader) (int, error) {
	return readBERUniversal(r, BERTagSequence, true)
}

// WriteBERSequence writes a SEQUENCE header.
func WriteBERSequence(buf *bytes.Buffer, length int) {
	buf.WriteByte(BERConstructed | BERTagSequence)
	WriteBERLength(buf, length)
}

// ReadBERInteger reads an INTEGER of up to four bytes.
func ReadBERInteger(r *Reader) (uint32, error) {
	n, err := readBERUniversal(r, BERTagInteger, false)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > 4 {
		return 0, fmt.Errorf("%w: BER integer length %d", ErrMalformed, n)
	}
	b, err := r.Bytes(n)
	if err != nil {
		return 0, err
	}
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v, nil
}

// WriteBERInteger writes an INTEGER using the fewest bytes that keep the sign bit clear.
func WriteBERInteger(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(BERTagInteger)
	switch {
	case v < 0x80:
		buf.WriteByte(1)
		buf.WriteByte(byte(v))
	case v < 0x8000:
		buf.WriteByte(2)
		buf.WriteByte(byte(v >> 8))
		buf.WriteByte(byte(v))
	case v < 0x800000:
		buf.WriteByte(3)
		buf.WriteByte(byte(v >> 16))
		buf.WriteByte(byte(v >> 8))
		buf.WriteByte(byte(v))
	default:
		buf.WriteByte(4)
		buf.WriteByte(byte(v >> 24))
		buf.WriteByte(byte(v >> 16))
		buf.WriteByte(byte(v >> 8))
		buf.WriteByte(byte(v))
	}
}

func ReadBERBoolean(r *Reader) (bool, error) {
	n, err := readBERUniversal(r, BERTagBoolean, false)
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, fmt.Errorf("%w: BER boolean length %d", ErrMalformed, n)
	}
	v, err := r.Uint8()
	return v != 0, err
}

func WriteBERBoolean(buf *bytes.Buffer, v bool) {
	buf.WriteByte(BERTagBoolean)
	buf.WriteByte(1)
	if v {
		buf.WriteByte(0xFF)
	} else {
		buf.WriteByte(0x00)
	}
}

func ReadBEREnumerated(r *Reader) (uint8, error) {
	n, err := readBERUniversal(r, BERTagEnumerated, false)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, fmt.Errorf("%w: BER enumerated length %d", ErrMalformed, n)
	}
	return r.Uint8()
}

func WriteBEREnumerated(buf *bytes.Buffer, v uint8) {
	buf.WriteByte(BERTagEnumerated)
	buf.WriteByte(1)
	buf.WriteByte(v)
}

func ReadBEROctetString(r *Reader) ([]byte, error) {
	n, err := readBERUniversal(r, BERTagOctetString, false)
	if err != nil {
		return nil, err
	}
	return r.Bytes(n)
}

func WriteBEROctetString(buf *bytes.Buffer, b []byte) {
	buf.WriteByte(BERTagOctetString)
	WriteBERLength(buf, len(b))
	buf.Write(b)
}
