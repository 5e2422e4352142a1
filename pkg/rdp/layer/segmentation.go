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

package layer

import (
	"encoding/binary"
	"fmt"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

// Segmentation reassembles complete frames from a byte stream. TPKT frames
// have their header stripped and their X.224 payload passed to the next
// layer; fast-path frames are handed whole to FastPath.
type Segmentation struct {
	// FastPath receives complete fast-path frames. A fast-path frame with no
	// handler set is a protocol error.
	FastPath Forwarder

	buf []byte
}

func NewSegmentation() *Segmentation {
	return &Segmentation{}
}

// frameLength returns the size of the frame at the head of data, or 0 when
// more bytes are needed to know it.
func frameLength(data []byte) (int, bool, error) {
	if len(data) == 0 {
		return 0, false, nil
	}
	if data[0] == rdp.TPKTVersion {
		if len(data) < rdp.TPKTHeaderSize {
			return 0, false, nil
		}
		length := int(binary.BigEndian.Uint16(data[2:4]))
		if length < rdp.TPKTHeaderSize {
			return 0, false, fmt.Errorf("%w: TPKT length %d", codec.ErrMalformed, length)
		}
		return length, false, nil
	}
	if !rdp.IsFastPath(data[0]) {
		return 0, false, fmt.Errorf("%w: unknown frame action in header 0x%02X", codec.ErrMalformed, data[0])
	}
	length := rdp.FastPathFrameLength(data)
	if length == 0 {
		return 0, true, nil
	}
	if length < 2 {
		return 0, true, fmt.Errorf("%w: fast-path length %d", codec.ErrMalformed, length)
	}
	return length, true, nil
}

// Receive buffers data and dispatches every complete frame it holds.
func (s *Segmentation) Receive(data []byte, next Forwarder) error {
	s.buf = append(s.buf, data...)
	for len(s.buf) > 0 {
		length, fastPath, err := frameLength(s.buf)
		if err != nil {
			s.buf = nil
			return err
		}
		if length == 0 || len(s.buf) < length {
			return nil
		}
		frame := s.buf[:length:length]
		s.buf = s.buf[length:]
		if len(s.buf) == 0 {
			s.buf = nil
		}

		if fastPath {
			if s.FastPath == nil {
				return fmt.Errorf("%w: unexpected fast-path frame", codec.ErrMalformed)
			}
			if err := s.FastPath(frame); err != nil {
				return err
			}
			continue
		}
		_, payload, err := rdp.ParseTPKT(frame)
		if err != nil {
			return err
		}
		if err := next(payload); err != nil {
			return err
		}
	}
	return nil
}

// Send prefixes payload with a TPKT header.
func (s *Segmentation) Send(payload []byte, prev Forwarder) error {
	return prev(rdp.EncodeTPKT(payload))
}

// BytesNeeded returns how many more bytes complete the frame being buffered.
// When the header itself is incomplete it returns the bytes missing from the
// smallest header that could announce the length.
func (s *Segmentation) BytesNeeded() int {
	if len(s.buf) == 0 {
		return rdp.TPKTHeaderSize
	}
	length, fastPath, err := frameLength(s.buf)
	if err != nil {
		return 0
	}
	if length == 0 {
		if fastPath {
			if len(s.buf) < 2 || s.buf[1]&0x80 == 0 {
				return 2 - len(s.buf)
			}
			return 3 - len(s.buf)
		}
		return rdp.TPKTHeaderSize - len(s.buf)
	}
	return max(length-len(s.buf), 0)
}

// Buffered returns the number of bytes held for an incomplete frame.
func (s *Segmentation) Buffered() int { return len(s.buf) }

// Drain returns and clears any buffered bytes. Used when the stream changes
// hands, for example during a TLS upgrade.
func (s *Segmentation) Drain() []byte {
	b := s.buf
	s.buf = nil
	return b
}
