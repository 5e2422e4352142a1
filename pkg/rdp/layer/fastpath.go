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

// FastPathObserver receives fast-path PDUs with their payload in plaintext.
type FastPathObserver interface {
	OnFastPath(pdu *rdp.FastPathPDU) error
}

// FastPathLayer decrypts incoming fast-path frames and encrypts outgoing
// ones with the connection's crypter.
type FastPathLayer struct {
	downlink
	settings *rdp.SecuritySettings
	observer FastPathObserver
	salted   bool
}

// NewFastPathLayer creates a fast-path layer. settings may be nil when no
// standard RDP security is in use, as during offline replay.
func NewFastPathLayer(settings *rdp.SecuritySettings, observer FastPathObserver) *FastPathLayer {
	return &FastPathLayer{settings: settings, observer: observer}
}

func (l *FastPathLayer) crypter() *rdp.Crypter {
	if l.settings == nil {
		return nil
	}
	return l.settings.Crypter()
}

func (l *FastPathLayer) Receive(frame []byte, _ Forwarder) error {
	pdu, err := rdp.ParseFastPathFrame(frame)
	if err != nil {
		return fmt.Errorf("fast-path: %w", err)
	}
	if pdu.Encrypted() {
		c := l.crypter()
		if c == nil {
			return fmt.Errorf("%w: encrypted fast-path PDU before key exchange", codec.ErrMalformed)
		}
		salted := pdu.Flags()&rdp.FASTPATH_FLAG_SECURE_CHECKSUM != 0
		pdu.Payload = c.Decrypt(pdu.Payload)
		if !c.Verify(pdu.Payload, pdu.Signature, salted) {
			return fmt.Errorf("%w: fast-path MAC mismatch", codec.ErrMalformed)
		}
		l.salted = salted
		pdu.Header &^= 0xC0
		pdu.Signature = nil
	}
	return l.observer.OnFastPath(pdu)
}

// Send treats payload as a complete plaintext fast-path frame.
func (l *FastPathLayer) Send(payload []byte, prev Forwarder) error {
	pdu, err := rdp.ParseFastPathFrame(payload)
	if err != nil {
		return err
	}
	return prev(l.seal(pdu).Encode())
}

// SendPDU encrypts pdu when keys are available and writes it out.
func (l *FastPathLayer) SendPDU(pdu *rdp.FastPathPDU) error {
	return l.push(l.seal(pdu).Encode())
}

func (l *FastPathLayer) seal(pdu *rdp.FastPathPDU) *rdp.FastPathPDU {
	c := l.crypter()
	if c == nil || !l.settings.Encrypted() {
		out := *pdu
		out.Header &^= 0xC0
		out.Signature = nil
		return &out
	}
	out := &rdp.FastPathPDU{
		Header:     pdu.Header&^0xC0 | rdp.FASTPATH_FLAG_ENCRYPTED<<6,
		WideLength: pdu.WideLength,
		Signature:  c.Sign(pdu.Payload, l.salted),
	}
	if l.salted {
		out.Header |= rdp.FASTPATH_FLAG_SECURE_CHECKSUM << 6
	}
	out.Payload = c.Encrypt(pdu.Payload)
	return out
}
