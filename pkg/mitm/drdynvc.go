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
	"fmt"
	"log/slog"

	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

type drdynvcSender interface {
	SendPDU(pdu *rdp.DynamicChannelPDU) error
}

// DynamicChannelRelay relays drdynvc unchanged, logging the dynamic channels
// the server opens.
type DynamicChannelRelay struct {
	log    *slog.Logger
	record func(recording.Event)

	layers  [2]drdynvcSender
	pending map[uint32]string
	open    map[uint32]string
}

func NewDynamicChannelRelay(log *slog.Logger, record func(recording.Event)) *DynamicChannelRelay {
	if record == nil {
		record = func(recording.Event) {}
	}
	return &DynamicChannelRelay{
		log:     log.With(logger.Channel(rdp.ChannelDynamic)),
		record:  record,
		pending: make(map[uint32]string),
		open:    make(map[uint32]string),
	}
}

func (d *DynamicChannelRelay) Bind(side Side, l drdynvcSender) { d.layers[side] = l }

func (d *DynamicChannelRelay) Observer(side Side) *DynamicChannelObserver {
	return &DynamicChannelObserver{relay: d, side: side}
}

// Channels returns the names of the dynamic channels currently open.
func (d *DynamicChannelRelay) Channels() map[uint32]string { return d.open }

type DynamicChannelObserver struct {
	relay *DynamicChannelRelay
	side  Side
}

func (o *DynamicChannelObserver) OnDynamicChannel(pdu *rdp.DynamicChannelPDU) error {
	d := o.relay
	switch pdu.Cmd {
	case rdp.DYNVC_CREATE:
		if o.side == SideServer {
			name := pdu.CreateRequestName()
			d.pending[pdu.ChannelID] = name
			d.log.Debug("Dynamic channel requested", logger.ChannelID(pdu.ChannelID), slog.String("name", name))
			break
		}
		d.created(pdu)
	case rdp.DYNVC_CLOSE:
		if name, ok := d.open[pdu.ChannelID]; ok {
			d.log.Debug("Dynamic channel closed", logger.ChannelID(pdu.ChannelID), slog.String("name", name))
			delete(d.open, pdu.ChannelID)
		}
	}

	l := d.layers[o.side.Peer()]
	if l == nil {
		return fmt.Errorf("dynamic channel to %s is not joined", o.side.Peer())
	}
	return l.SendPDU(pdu)
}

func (d *DynamicChannelRelay) created(pdu *rdp.DynamicChannelPDU) {
	name, ok := d.pending[pdu.ChannelID]
	if !ok {
		return
	}
	delete(d.pending, pdu.ChannelID)
	status, err := pdu.CreationStatus()
	if err != nil || status < 0 {
		d.log.Debug("Dynamic channel refused", logger.ChannelID(pdu.ChannelID), slog.String("name", name), logger.Status(uint32(status)))
		return
	}
	d.open[pdu.ChannelID] = name
	d.log.Info("Dynamic channel opened", logger.ChannelID(pdu.ChannelID), slog.String("name", name))
	d.record(recording.Event{Type: recording.EventDynamicChannel, Payload: []byte(name)})
}
