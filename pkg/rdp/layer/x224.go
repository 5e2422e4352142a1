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
	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

// X224Observer receives the X.224 connection management TPDUs.
type X224Observer interface {
	OnConnectionRequest(pdu *rdp.X224ConnectionRequest) error
	OnConnectionConfirm(pdu *rdp.X224ConnectionConfirm) error
	OnDisconnectRequest(pdu *rdp.X224DisconnectRequest) error
	OnError(pdu *rdp.X224Error) error
}

// X224Layer forwards data TPDU payloads and dispatches everything else.
type X224Layer struct {
	downlink
	observer X224Observer
}

func NewX224Layer(observer X224Observer) *X224Layer {
	return &X224Layer{observer: observer}
}

func (l *X224Layer) Receive(data []byte, next Forwarder) error {
	pdu, err := rdp.ParseX224(data)
	if err != nil {
		return fmt.Errorf("X.224: %w", err)
	}
	switch p := pdu.(type) {
	case *rdp.X224DataTPDU:
		return next(p.Payload)
	case *rdp.X224ConnectionRequest:
		return l.observer.OnConnectionRequest(p)
	case *rdp.X224ConnectionConfirm:
		return l.observer.OnConnectionConfirm(p)
	case *rdp.X224DisconnectRequest:
		return l.observer.OnDisconnectRequest(p)
	case *rdp.X224Error:
		return l.observer.OnError(p)
	default:
		return fmt.Errorf("%w: X.224 TPDU %T", codec.ErrMalformed, pdu)
	}
}

// Send wraps payload in a data TPDU.
func (l *X224Layer) Send(payload []byte, prev Forwarder) error {
	return prev(rdp.NewX224Data(payload).Encode())
}

func (l *X224Layer) SendConnectionRequest(pdu *rdp.X224ConnectionRequest) error {
	return l.push(pdu.Encode())
}

func (l *X224Layer) SendConnectionConfirm(pdu *rdp.X224ConnectionConfirm) error {
	return l.push(pdu.Encode())
}

func (l *X224Layer) SendDisconnectRequest(pdu *rdp.X224DisconnectRequest) error {
	return l.push(pdu.Encode())
}
