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
	"os"
	"path/filepath"
	"time"
)

const frameHeaderSize = 2 + 8 + 4

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("recording: sink closed")

// Sink receives every event of a session in order.
type Sink interface {
	Record(ev Event) error
	Close() error
}

// FileSink appends frames to a file. Timestamps never go backwards: an event
// older than its predecessor is stamped with the predecessor's time.
//
// FileSink is not safe for concurrent use; a session records from its event
// loop only.
type FileSink struct {
	f    *os.File
	w    *bufio.Writer
	last int64
	now  func() time.Time
}

// NewFileSink creates path, and its parent directory, for writing.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create replay directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay file: %w", err)
	}
	return &FileSink{f: f, w: bufio.NewWriter(f), now: time.Now}, nil
}

// Path returns the file the sink writes to.
func (s *FileSink) Path() string {
	return s.f.Name()
}

func (s *FileSink) Record(ev Event) error {
	if s.w == nil {
		return ErrClosed
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	ts := ev.Timestamp.UnixMilli()
	if ts < s.last {
		ts = s.last
	}
	s.last = ts
	return writeFrame(s.w, ev.Type, ts, ev.Payload)
}

// Flush writes buffered frames to the file.
func (s *FileSink) Flush() error {
	if s.w == nil {
		return ErrClosed
	}
	return s.w.Flush()
}

func (s *FileSink) Close() error {
	if s.w == nil {
		return nil
	}
	flushErr := s.w.Flush()
	s.w = nil
	if err := s.f.Close(); err != nil {
		return err
	}
	return flushErr
}

func writeFrame(w io.Writer, t EventType, ts int64, payload []byte) error {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:], uint16(t))
	binary.LittleEndian.PutUint64(hdr[2:], uint64(ts))
	binary.LittleEndian.PutUint32(hdr[10:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// NullSink discards every event.
type NullSink struct{}

func (NullSink) Record(Event) error { return nil }
func (NullSink) Close() error       { return nil }

// MultiSink fans events out to several sinks, stopping at the first error.
type MultiSink []Sink

func (m MultiSink) Record(ev Event) error {
	for _, s := range m {
		if err := s.Record(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

var (
	_ Sink = (*FileSink)(nil)
	_ Sink = NullSink{}
	_ Sink = MultiSink(nil)
)
