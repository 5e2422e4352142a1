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

package mitm

import (
	"errors"
	"io"
	"net"
	"sync"
)

const defaultReadSize = 16 * 1024

// Leg is one TCP connection of a session: LegClient faces the real client,
// LegServer the real server.
//
// A reader goroutine asks the loop for the size of its first read, reads,
// posts the bytes to the loop and parks until the loop hands it the size of
// its next read. While a leg is paused it stays parked, which lets the loop
// swap the connection for a TLS one without racing the reader.
type Leg struct {
	name string
	loop *Loop
	conn net.Conn

	// called on the loop
	onData  func([]byte)
	onClose func(error)
	// readSize returns how many bytes the next read asks for; 0 means any
	readSize func() int

	next     chan int
	stop     chan struct{}
	stopOnce sync.Once

	// owned by the loop
	paused bool
	parked bool
	closed bool
	sent   int64
}

// NewLeg wraps conn. Handlers run on the loop. readSize may be nil.
func NewLeg(name string, loop *Loop, conn net.Conn, onData func([]byte), onClose func(error), readSize func() int) *Leg {
	return &Leg{
		name:     name,
		loop:     loop,
		conn:     conn,
		onData:   onData,
		onClose:  onClose,
		readSize: readSize,
		next:     make(chan int, 1),
		stop:     make(chan struct{}),
	}
}

func (l *Leg) Name() string { return l.name }

func (l *Leg) Conn() net.Conn { return l.conn }

func (l *Leg) size() int {
	if l.readSize == nil {
		return defaultReadSize
	}
	if n := l.readSize(); n > 0 {
		return n
	}
	return defaultReadSize
}

// ReadLoop reads until the connection fails or the leg is closed. It is run
// on its own goroutine and always returns nil; read errors are reported to
// the loop through onClose.
func (l *Leg) ReadLoop() error {
	if !l.loop.Post(l.ready) {
		return nil
	}
	var size int
	select {
	case size = <-l.next:
	case <-l.stop:
		return nil
	case <-l.loop.Done():
		return nil
	}
	for {
		conn := l.conn
		buf := make([]byte, size)
		n, err := conn.Read(buf)
		if n > 0 {
			data := buf[:n]
			if !l.loop.Post(func() { l.deliver(data) }) {
				return nil
			}
			select {
			case size = <-l.next:
			case <-l.stop:
				return nil
			case <-l.loop.Done():
				return nil
			}
			if err == nil {
				continue
			}
		}
		if err != nil {
			l.loop.Post(func() { l.fail(err) })
			return nil
		}
	}
}

func (l *Leg) deliver(data []byte) {
	if l.closed {
		return
	}
	l.onData(data)
	l.ready()
}

// ready hands the reader the size of its next read, or parks it while the
// leg is paused. The size depends on session state, so it is only computed
// here on the loop.
func (l *Leg) ready() {
	if l.closed {
		return
	}
	if l.paused {
		l.parked = true
		return
	}
	l.next <- l.size()
}

func (l *Leg) fail(err error) {
	if l.closed {
		return
	}
	l.closed = true
	l.closeConn()
	if errors.Is(err, io.EOF) {
		err = nil
	}
	l.onClose(err)
}

// Pause keeps the reader parked after the data being handled.
func (l *Leg) Pause() { l.paused = true }

// Resume lets a paused reader continue.
func (l *Leg) Resume() {
	if !l.paused {
		return
	}
	l.paused = false
	if l.parked && !l.closed {
		l.parked = false
		l.next <- l.size()
	}
}

// SetConn replaces the connection, typically with a TLS client or server
// wrapping the original. Only valid while the leg is paused.
func (l *Leg) SetConn(c net.Conn) {
	l.conn = c
}

// Write sends data to the peer of this leg.
func (l *Leg) Write(data []byte) error {
	if l.closed {
		return ErrSessionClosed
	}
	n, err := l.conn.Write(data)
	l.sent += int64(n)
	return err
}

// Sent returns the number of bytes written so far.
func (l *Leg) Sent() int64 { return l.sent }

// Close closes the connection without reporting it through onClose. Safe to
// call more than once.
func (l *Leg) Close() {
	l.closed = true
	l.closeConn()
}

func (l *Leg) closeConn() {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.conn.Close()
	})
}
