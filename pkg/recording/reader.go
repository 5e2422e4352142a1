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

package recording

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// maxPayload bounds a single frame so a corrupt length cannot exhaust memory.
const maxPayload = 64 << 20

// Reader reads frames written by FileSink.
type Reader struct {
	r      *bufio.Reader
	frames int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF after the last complete frame. A
// frame cut short returns io.ErrUnexpectedEOF.
func (r *Reader) Next() (Event, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Event{}, fmt.Errorf("frame %d header: %w", r.frames, err)
		}
		return Event{}, err
	}

	length := binary.LittleEndian.Uint32(hdr[10:])
	if length > maxPayload {
		return Event{}, fmt.Errorf("frame %d: payload length %d exceeds limit", r.frames, length)
	}
	ev := Event{
		Type:      EventType(binary.LittleEndian.Uint16(hdr[0:])),
		Timestamp: time.UnixMilli(int64(binary.LittleEndian.Uint64(hdr[2:]))),
		Payload:   make([]byte, length),
	}
	if _, err := io.ReadFull(r.r, ev.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Event{}, fmt.Errorf("frame %d payload: %w", r.frames, err)
	}
	r.frames++
	return ev, nil
}

// ReadAll returns every remaining event.
func (r *Reader) ReadAll() ([]Event, error) {
	var events []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
