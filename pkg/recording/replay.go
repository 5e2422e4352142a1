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
	"errors"
	"fmt"
	"io"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp/layer"
)

// Handler receives the events of a replayed stream. PDU events are decoded
// through the same layers the relay uses; everything else is passed as is.
type Handler interface {
	FastPathInput(ev Event, events []rdp.FastPathInputEvent) error
	FastPathOutput(ev Event, updates []rdp.FastPathOutputUpdate) error
	SlowPath(ev Event, input bool, pdu *rdp.SlowPathPDU) error
	Other(ev Event) error
}

var errReadOnly = errors.New("recording: replay stacks are read-only")

// replayer holds one layer stack per recorded PDU stream.
type replayer struct {
	handler Handler
	current Event

	fastPathIn  *layer.Stack
	fastPathOut *layer.Stack
	slowPathIn  *layer.Stack
	slowPathOut *layer.Stack
}

func newReplayer(h Handler) *replayer {
	p := &replayer{handler: h}
	readOnly := func([]byte) error { return errReadOnly }

	// Recorded frames are already decrypted, so no security settings.
	p.fastPathIn = layer.NewStack(readOnly, layer.NewFastPathLayer(nil, fastPathFunc(func(pdu *rdp.FastPathPDU) error {
		events, err := rdp.ParseFastPathInput(pdu)
		if err != nil {
			return err
		}
		return p.handler.FastPathInput(p.current, events)
	})))
	p.fastPathOut = layer.NewStack(readOnly, layer.NewFastPathLayer(nil, fastPathFunc(func(pdu *rdp.FastPathPDU) error {
		updates, err := rdp.ParseFastPathOutput(pdu)
		if err != nil {
			return err
		}
		return p.handler.FastPathOutput(p.current, updates)
	})))
	p.slowPathIn = layer.NewStack(readOnly, layer.NewSlowPathLayer(slowPathFunc(func(pdu *rdp.SlowPathPDU) error {
		return p.handler.SlowPath(p.current, true, pdu)
	})))
	p.slowPathOut = layer.NewStack(readOnly, layer.NewSlowPathLayer(slowPathFunc(func(pdu *rdp.SlowPathPDU) error {
		return p.handler.SlowPath(p.current, false, pdu)
	})))
	return p
}

func (p *replayer) dispatch(ev Event) error {
	p.current = ev
	switch ev.Type {
	case EventFastPathInput:
		return p.fastPathIn.Receive(ev.Payload)
	case EventFastPathOutput:
		return p.fastPathOut.Receive(ev.Payload)
	case EventSlowPathInput:
		return p.slowPathIn.Receive(ev.Payload)
	case EventSlowPathOutput:
		return p.slowPathOut.Receive(ev.Payload)
	default:
		return p.handler.Other(ev)
	}
}

// Replay feeds every event of r to h. Decoding errors abort the replay with
// the index of the offending frame.
func Replay(r *Reader, h Handler) error {
	p := newReplayer(h)
	for i := 0; ; i++ {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.dispatch(ev); err != nil {
			return fmt.Errorf("frame %d (%s): %w", i, ev.Type, err)
		}
	}
}

type fastPathFunc func(*rdp.FastPathPDU) error

func (f fastPathFunc) OnFastPath(pdu *rdp.FastPathPDU) error { return f(pdu) }

type slowPathFunc func(*rdp.SlowPathPDU) error

func (f slowPathFunc) OnSlowPath(pdu *rdp.SlowPathPDU) error { return f(pdu) }

// MultiHandler fans replayed events out to several handlers, stopping at the
// first error.
type MultiHandler []Handler

func (m MultiHandler) FastPathInput(ev Event, events []rdp.FastPathInputEvent) error {
	for _, h := range m {
		if err := h.FastPathInput(ev, events); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiHandler) FastPathOutput(ev Event, updates []rdp.FastPathOutputUpdate) error {
	for _, h := range m {
		if err := h.FastPathOutput(ev, updates); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiHandler) SlowPath(ev Event, input bool, pdu *rdp.SlowPathPDU) error {
	for _, h := range m {
		if err := h.SlowPath(ev, input, pdu); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiHandler) Other(ev Event) error {
	for _, h := range m {
		if err := h.Other(ev); err != nil {
			return err
		}
	}
	return nil
}
