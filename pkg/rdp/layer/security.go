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
	"bytes"
	"fmt"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

const sidebandFlags = rdp.SEC_AUTODETECT_REQ | rdp.SEC_AUTODETECT_RSP | rdp.SEC_HEARTBEAT |
	rdp.SEC_TRANSPORT_REQ | rdp.SEC_TRANSPORT_RSP

// SecurityObserver receives the PDUs identified by security header flags.
// Everything else is passed to the next layer.
type SecurityObserver interface {
	OnSecurityExchange(h *rdp.SecurityHeader, pdu *rdp.SecurityExchangePDU) error
	OnClientInfo(h *rdp.SecurityHeader, pdu *rdp.ClientInfoPDU) error
	OnLicensing(h *rdp.SecurityHeader, pdu *rdp.LicensingPDU) error
	OnSideband(h *rdp.SecurityHeader, payload []byte) error
}

// SecurityLayer handles the security header of one channel.
//
// With standard RDP security every PDU carries a header and encrypted PDUs
// are decrypted and their MAC verified. Otherwise (TLS, or no encryption) the
// header is only present on the I/O channel until licensing completes.
type SecurityLayer struct {
	downlink
	settings *rdp.SecuritySettings
	observer SecurityObserver
	headers  bool
	salted   bool
}

// NewSecurityLayer creates the security layer of a channel. observer may be
// nil for virtual channels, which never carry exchange, info or licensing
// PDUs.
func NewSecurityLayer(settings *rdp.SecuritySettings, observer SecurityObserver, ioChannel bool) *SecurityLayer {
	return &SecurityLayer{settings: settings, observer: observer, headers: ioChannel}
}

// HeadersExpected reports whether a header precedes every PDU.
func (l *SecurityLayer) HeadersExpected() bool {
	return l.headers || l.settings.Encrypted()
}

func (l *SecurityLayer) Receive(data []byte, next Forwarder) error {
	if !l.HeadersExpected() {
		return next(data)
	}
	r := codec.NewReader(data)
	h, err := rdp.ParseSecurityHeader(r, l.settings.Encrypted())
	if err != nil {
		return err
	}
	payload := r.Rest()

	if h.Has(rdp.SEC_ENCRYPT) {
		c := l.settings.Crypter()
		if c == nil {
			return fmt.Errorf("%w: encrypted PDU before key exchange", codec.ErrMalformed)
		}
		salted := h.Has(rdp.SEC_SECURE_CHECKSUM)
		payload = c.Decrypt(payload)
		if !c.Verify(payload, h.Signature, salted) {
			return fmt.Errorf("%w: security header MAC mismatch", codec.ErrMalformed)
		}
		l.salted = salted
	}
	return l.dispatch(h, payload, next)
}

func (l *SecurityLayer) dispatch(h *rdp.SecurityHeader, payload []byte, next Forwarder) error {
	special := h.Flags&(rdp.SEC_EXCHANGE_PKT|rdp.SEC_INFO_PKT|rdp.SEC_LICENSE_PKT|sidebandFlags) != 0
	if !special {
		return next(payload)
	}
	if l.observer == nil {
		return fmt.Errorf("%w: security flags 0x%04X on a virtual channel", codec.ErrMalformed, h.Flags)
	}

	switch {
	case h.Has(rdp.SEC_EXCHANGE_PKT):
		pdu, err := rdp.ParseSecurityExchange(payload)
		if err != nil {
			return err
		}
		return l.observer.OnSecurityExchange(h, pdu)
	case h.Has(rdp.SEC_INFO_PKT):
		pdu, err := rdp.ParseClientInfo(payload)
		if err != nil {
			return err
		}
		return l.observer.OnClientInfo(h, pdu)
	case h.Has(rdp.SEC_LICENSE_PKT):
		pdu, err := rdp.ParseLicensing(payload)
		if err != nil {
			return err
		}
		if pdu.Completes() {
			l.headers = false
		}
		return l.observer.OnLicensing(h, pdu)
	default:
		return l.observer.OnSideband(h, payload)
	}
}

// Send adds the header the channel currently expects, encrypting when keys
// are available.
func (l *SecurityLayer) Send(payload []byte, prev Forwarder) error {
	if l.settings.Encrypted() {
		var flags uint16
		if l.settings.Ready() {
			flags = rdp.SEC_ENCRYPT
		}
		return l.send(flags, payload, prev)
	}
	if l.headers {
		return l.send(0, payload, prev)
	}
	return prev(payload)
}

func (l *SecurityLayer) send(flags uint16, payload []byte, down Forwarder) error {
	flags &^= rdp.SEC_SECURE_CHECKSUM
	var signature []byte
	if flags&rdp.SEC_ENCRYPT != 0 {
		c := l.settings.Crypter()
		if c == nil {
			return fmt.Errorf("cannot encrypt before key exchange")
		}
		if l.salted {
			flags |= rdp.SEC_SECURE_CHECKSUM
		}
		signature = c.Sign(payload, l.salted)
		payload = c.Encrypt(payload)
	}

	var buf bytes.Buffer
	h := &rdp.SecurityHeader{Flags: flags, Signature: signature}
	h.Encode(&buf)
	buf.Write(payload)
	return down(buf.Bytes())
}

// SendSecurityExchange sends the client random. It is never encrypted.
func (l *SecurityLayer) SendSecurityExchange(pdu *rdp.SecurityExchangePDU) error {
	return l.send(rdp.SEC_EXCHANGE_PKT, pdu.Encode(), l.push)
}

// SendClientInfo sends a client info PDU with the given header flags.
func (l *SecurityLayer) SendClientInfo(flags uint16, pdu *rdp.ClientInfoPDU) error {
	return l.send(flags|rdp.SEC_INFO_PKT, pdu.Encode(), l.push)
}

// SendLicensing sends a licensing PDU. Sending the PDU that completes
// licensing ends the header phase of a non-encrypted channel.
func (l *SecurityLayer) SendLicensing(flags uint16, pdu *rdp.LicensingPDU) error {
	if err := l.send(flags|rdp.SEC_LICENSE_PKT, pdu.Encode(), l.push); err != nil {
		return err
	}
	if pdu.Completes() {
		l.headers = false
	}
	return nil
}

// SendSideband sends an auto-detect, heartbeat or multitransport PDU.
func (l *SecurityLayer) SendSideband(flags uint16, payload []byte) error {
	return l.send(flags, payload, l.push)
}
