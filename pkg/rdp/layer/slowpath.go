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
	"fmt"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
)

// SlowPathObserver receives share control PDUs from the I/O channel.
type SlowPathObserver interface {
	OnSlowPath(pdu *rdp.SlowPathPDU) error
}

// SlowPathLayer splits I/O channel payloads into share control PDUs.
type SlowPathLayer struct {
	downlink
	observer SlowPathObserver
}

func NewSlowPathLayer(observer SlowPathObserver) *SlowPathLayer {
	return &SlowPathLayer{observer: observer}
}

func (l *SlowPathLayer) Receive(data []byte, _ Forwarder) error {
	pdus, err := rdp.ParseSlowPath(data)
	if err != nil {
		return fmt.Errorf("slow-path: %w", err)
	}
	for _, pdu := range pdus {
		if err := l.observer.OnSlowPath(pdu); err != nil {
			return err
		}
	}
	return nil
}

func (l *SlowPathLayer) Send(payload []byte, prev Forwarder) error {
	return prev(payload)
}

// SendPDU encodes one share control PDU and sends it down.
func (l *SlowPathLayer) SendPDU(pdu *rdp.SlowPathPDU) error {
	return l.push(pdu.Encode())
}
