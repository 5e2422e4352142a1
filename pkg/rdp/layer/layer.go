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

// Package layer implements the RDP encode/decode pipeline.
//
// A Stack owns an ordered list of layers, bottom (closest to the wire) first.
// Bytes received from the transport flow upward through Layer.Receive, each
// layer passing its inner payload to the next. Bytes sent from the top flow
// downward through Layer.Send until they reach the transport. Layers never
// hold references to their neighbours; the Stack hands them a Forwarder bound
// to the adjacent index for the duration of a call.
//
// Terminal layers decode PDUs and dispatch them to an observer instead of
// forwarding bytes further. They can also originate PDUs of their own, which
// they encode and push down through the forwarder bound at their index.
package layer

import "fmt"

// Forwarder delivers bytes to an adjacent layer or to the transport.
type Forwarder func([]byte) error

// Layer is one step of a Stack.
type Layer interface {
	// Receive decodes data arriving from below and passes any inner payload
	// to next.
	Receive(data []byte, next Forwarder) error

	// Send encodes payload arriving from above and passes the result to prev.
	Send(payload []byte, prev Forwarder) error
}

// Binder is implemented by layers that originate PDUs. The Stack calls Bind
// once, when the layer is pushed, with the forwarder leading to the layer
// below it (or to the transport).
type Binder interface {
	Bind(down Forwarder)
}

// Stack is an index-addressed chain of layers.
type Stack struct {
	layers    []Layer
	transport Forwarder
	sink      Forwarder
}

// NewStack creates a stack writing to transport and pushes the given layers
// bottom first.
func NewStack(transport Forwarder, layers ...Layer) *Stack {
	s := &Stack{transport: transport}
	for _, l := range layers {
		s.Push(l)
	}
	return s
}

// Push appends l on top of the stack and returns its index.
func (s *Stack) Push(l Layer) int {
	index := len(s.layers)
	s.layers = append(s.layers, l)
	if b, ok := l.(Binder); ok {
		b.Bind(func(data []byte) error { return s.sendAt(index-1, data) })
	}
	return index
}

// SetSink sets where payloads leaving the top layer go. Without a sink they
// are discarded.
func (s *Stack) SetSink(sink Forwarder) { s.sink = sink }

// Len returns the number of layers.
func (s *Stack) Len() int { return len(s.layers) }

// Layer returns the layer at index i.
func (s *Stack) Layer(i int) Layer { return s.layers[i] }

// Receive feeds bytes from the transport into the bottom layer.
func (s *Stack) Receive(data []byte) error {
	return s.receiveAt(0, data)
}

// Send encodes payload through every layer, top first, and writes the result
// to the transport.
func (s *Stack) Send(payload []byte) error {
	return s.sendAt(len(s.layers)-1, payload)
}

// SendFrom encodes payload starting at layer i. Layers above i are skipped.
func (s *Stack) SendFrom(i int, payload []byte) error {
	if i >= len(s.layers) {
		return fmt.Errorf("layer index %d out of range (%d layers)", i, len(s.layers))
	}
	return s.sendAt(i, payload)
}

func (s *Stack) receiveAt(i int, data []byte) error {
	if i >= len(s.layers) {
		if s.sink == nil {
			return nil
		}
		return s.sink(data)
	}
	return s.layers[i].Receive(data, func(payload []byte) error {
		return s.receiveAt(i+1, payload)
	})
}

func (s *Stack) sendAt(i int, data []byte) error {
	if i < 0 {
		return s.transport(data)
	}
	return s.layers[i].Send(data, func(encoded []byte) error {
		return s.sendAt(i-1, encoded)
	})
}

// downlink is embedded by layers that originate PDUs.
type downlink struct {
	down Forwarder
}

func (d *downlink) Bind(down Forwarder) { d.down = down }

func (d *downlink) push(data []byte) error {
	if d.down == nil {
		return fmt.Errorf("layer is not part of a stack")
	}
	return d.down(data)
}
