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

// ClipboardObserver receives clipboard PDUs.
type ClipboardObserver interface {
	OnClipboard(pdu *rdp.ClipboardPDU) error
}

// ClipboardLayer decodes cliprdr messages.
type ClipboardLayer struct {
	downlink
	observer ClipboardObserver
}

func NewClipboardLayer(observer ClipboardObserver) *ClipboardLayer {
	return &ClipboardLayer{observer: observer}
}

func (l *ClipboardLayer) Receive(data []byte, _ Forwarder) error {
	pdu, err := rdp.ParseClipboard(data)
	if err != nil {
		return fmt.Errorf("clipboard: %w", err)
	}
	return l.observer.OnClipboard(pdu)
}

func (l *ClipboardLayer) Send(payload []byte, prev Forwarder) error { return prev(payload) }

func (l *ClipboardLayer) SendPDU(pdu *rdp.ClipboardPDU) error {
	return l.push(pdu.Encode())
}

// DeviceRedirectionObserver receives rdpdr PDUs.
type DeviceRedirectionObserver interface {
	OnDeviceRedirection(pdu *rdp.DeviceRedirectionPDU) error
}

// DeviceRedirectionLayer decodes the rdpdr shared header.
type DeviceRedirectionLayer struct {
	downlink
	observer DeviceRedirectionObserver
}

func NewDeviceRedirectionLayer(observer DeviceRedirectionObserver) *DeviceRedirectionLayer {
	return &DeviceRedirectionLayer{observer: observer}
}

func (l *DeviceRedirectionLayer) Receive(data []byte, _ Forwarder) error {
	pdu, err := rdp.ParseDeviceRedirection(data)
	if err != nil {
		return fmt.Errorf("device redirection: %w", err)
	}
	return l.observer.OnDeviceRedirection(pdu)
}

func (l *DeviceRedirectionLayer) Send(payload []byte, prev Forwarder) error { return prev(payload) }

func (l *DeviceRedirectionLayer) SendPDU(pdu *rdp.DeviceRedirectionPDU) error {
	return l.push(pdu.Encode())
}

// DynamicChannelObserver receives drdynvc PDUs.
type DynamicChannelObserver interface {
	OnDynamicChannel(pdu *rdp.DynamicChannelPDU) error
}

// DynamicChannelLayer decodes the drdynvc header.
type DynamicChannelLayer struct {
	downlink
	observer DynamicChannelObserver
}

func NewDynamicChannelLayer(observer DynamicChannelObserver) *DynamicChannelLayer {
	return &DynamicChannelLayer{observer: observer}
}

func (l *DynamicChannelLayer) Receive(data []byte, _ Forwarder) error {
	pdu, err := rdp.ParseDynamicChannel(data)
	if err != nil {
		return fmt.Errorf("dynamic channel: %w", err)
	}
	return l.observer.OnDynamicChannel(pdu)
}

func (l *DynamicChannelLayer) Send(payload []byte, prev Forwarder) error { return prev(payload) }

func (l *DynamicChannelLayer) SendPDU(pdu *rdp.DynamicChannelPDU) error {
	return l.push(pdu.Encode())
}

// RawObserver receives undecoded channel data.
type RawObserver interface {
	OnRaw(data []byte) error
}

// RawLayer terminates channels the relay does not interpret.
type RawLayer struct {
	downlink
	observer RawObserver
}

func NewRawLayer(observer RawObserver) *RawLayer {
	return &RawLayer{observer: observer}
}

func (l *RawLayer) Receive(data []byte, _ Forwarder) error {
	return l.observer.OnRaw(data)
}

func (l *RawLayer) Send(payload []byte, prev Forwarder) error { return prev(payload) }

func (l *RawLayer) SendRaw(data []byte) error {
	return l.push(data)
}
