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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/recording"
)

type rdpdrPeer struct {
	sent []*rdp.DeviceRedirectionPDU
}

func (p *rdpdrPeer) SendPDU(pdu *rdp.DeviceRedirectionPDU) error {
	p.sent = append(p.sent, pdu)
	return nil
}

func (p *rdpdrPeer) lastRequest(t *testing.T) *rdp.DeviceIORequest {
	t.Helper()
	require.NotEmpty(t, p.sent)
	pdu := p.sent[len(p.sent)-1]
	require.Equal(t, uint16(rdp.PAKID_CORE_DEVICE_IOREQUEST), pdu.PacketID)
	req, err := rdp.ParseDeviceIORequest(pdu.Payload)
	require.NoError(t, err)
	return req
}

type rdpdrHarness struct {
	relay   *DeviceRedirectionRelay
	crawler *Crawler
	loop    *deferred
	store   *FileStore
	peers   [2]*rdpdrPeer
	events  []recording.Event
}

func newRDPDRHarness(t *testing.T) *rdpdrHarness {
	h := &rdpdrHarness{loop: &deferred{}}
	dir := t.TempDir()
	h.store = NewFileStore(filepath.Join(dir, "files"), filepath.Join(dir, "filesystems"), logger.Discard(), nil, func(ev recording.Event) {
		h.events = append(h.events, ev)
	})
	var relay *DeviceRedirectionRelay
	engine := NewForgedEngine(func(req *rdp.DeviceIORequest) error { return relay.SendForged(req) }, h.store, logger.Discard(), nil)
	patterns, err := CompilePatterns(nil, nil)
	require.NoError(t, err)
	h.crawler = NewCrawler(engine, h.store, patterns, logger.Discard(), h.loop.schedule)
	relay = NewDeviceRedirectionRelay(engine, h.crawler, h.store, logger.Discard(), func(ev recording.Event) {
		h.events = append(h.events, ev)
	})
	for _, side := range []Side{SideClient, SideServer} {
		h.peers[side] = &rdpdrPeer{}
		relay.Bind(side, h.peers[side])
	}
	h.relay = relay
	return h
}

func (h *rdpdrHarness) fromServer(t *testing.T, req *rdp.DeviceIORequest) {
	t.Helper()
	pdu := rdp.NewCorePDU(rdp.PAKID_CORE_DEVICE_IOREQUEST, req.Encode())
	require.NoError(t, h.relay.Observer(SideServer).OnDeviceRedirection(pdu))
}

func (h *rdpdrHarness) fromClient(t *testing.T, resp *rdp.DeviceIOResponse) {
	t.Helper()
	pdu := rdp.NewCorePDU(rdp.PAKID_CORE_DEVICE_IOCOMPLETION, resp.Encode())
	require.NoError(t, h.relay.Observer(SideClient).OnDeviceRedirection(pdu))
}

func (h *rdpdrHarness) announce(t *testing.T, devices ...rdp.DeviceAnnounce) {
	t.Helper()
	pdu := rdp.NewCorePDU(rdp.PAKID_CORE_DEVICELIST_ANNOUNCE, rdp.EncodeDeviceListAnnounce(devices))
	require.NoError(t, h.relay.Observer(SideClient).OnDeviceRedirection(pdu))
}

func TestDeviceRedirectionExtraction(t *testing.T) {
	h := newRDPDRHarness(t)
	h.relay.Extract = true

	create := &rdp.DeviceCreateRequest{
		DesiredAccess:     rdp.GENERIC_READ,
		CreateDisposition: rdp.FILE_OPEN,
		CreateOptions:     rdp.FILE_NON_DIRECTORY_FILE,
		Path:              `\Users\bob\notes.txt`,
	}
	h.fromServer(t, &rdp.DeviceIORequest{DeviceID: 1, CompletionID: 10, MajorFunction: rdp.IRP_MJ_CREATE, Payload: create.Encode()})
	h.fromClient(t, &rdp.DeviceIOResponse{DeviceID: 1, CompletionID: 10, Payload: (&rdp.DeviceCreateResponse{FileID: 5}).Encode()})
	assert.Equal(t, 1, h.relay.OpenFiles())

	// a directory open alongside is not tracked
	dir := &rdp.DeviceCreateRequest{DesiredAccess: rdp.GENERIC_READ, CreateOptions: rdp.FILE_DIRECTORY_FILE, Path: `\Users`}
	h.fromServer(t, &rdp.DeviceIORequest{DeviceID: 1, CompletionID: 11, MajorFunction: rdp.IRP_MJ_CREATE, Payload: dir.Encode()})
	h.fromClient(t, &rdp.DeviceIOResponse{DeviceID: 1, CompletionID: 11, Payload: (&rdp.DeviceCreateResponse{FileID: 6}).Encode()})
	assert.Equal(t, 1, h.relay.OpenFiles())

	reads := []struct {
		offset uint64
		data   string
	}{
		{5, "world"},
		{0, "hello"},
	}
	for i, rd := range reads {
		id := uint32(20 + i)
		read := &rdp.DeviceReadRequest{Length: 5, Offset: rd.offset}
		h.fromServer(t, &rdp.DeviceIORequest{DeviceID: 1, FileID: 5, CompletionID: id, MajorFunction: rdp.IRP_MJ_READ, Payload: read.Encode()})
		h.fromClient(t, &rdp.DeviceIOResponse{DeviceID: 1, CompletionID: id, Payload: rdp.EncodeDeviceReadResponse([]byte(rd.data))})
	}

	h.fromServer(t, &rdp.DeviceIORequest{DeviceID: 1, FileID: 5, CompletionID: 30, MajorFunction: rdp.IRP_MJ_CLOSE, Payload: rdp.EncodeDeviceCloseRequest()})
	h.fromClient(t, &rdp.DeviceIOResponse{DeviceID: 1, CompletionID: 30})
	assert.Equal(t, 0, h.relay.OpenFiles())

	// everything was relayed both ways
	assert.Len(t, h.peers[SideClient].sent, 5)
	assert.Len(t, h.peers[SideServer].sent, 5)

	require.Len(t, h.events, 1)
	var info recording.FileInfo
	require.NoError(t, h.events[0].Decode(&info))
	assert.Equal(t, `\Users\bob\notes.txt`, info.Path)
	assert.Equal(t, int64(10), info.Size)

	content, err := os.ReadFile(filepath.Join(h.store.filesDir, info.Hash))
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(content))

	mirrored, err := os.ReadFile(h.store.MirrorPath(1, info.Path))
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(mirrored))
}

func TestDeviceRedirectionExtractionSizeLimit(t *testing.T) {
	h := newRDPDRHarness(t)
	h.relay.Extract = true
	h.store.SetMaxFileSize(4)

	create := &rdp.DeviceCreateRequest{DesiredAccess: rdp.GENERIC_READ, CreateOptions: rdp.FILE_NON_DIRECTORY_FILE, Path: `\huge.iso`}
	h.fromServer(t, &rdp.DeviceIORequest{DeviceID: 1, CompletionID: 1, MajorFunction: rdp.IRP_MJ_CREATE, Payload: create.Encode()})
	h.fromClient(t, &rdp.DeviceIOResponse{DeviceID: 1, CompletionID: 1, Payload: (&rdp.DeviceCreateResponse{FileID: 2}).Encode()})
	require.Equal(t, 1, h.relay.OpenFiles())

	read := &rdp.DeviceReadRequest{Length: 5, Offset: 0xFFFFFFFF00}
	h.fromServer(t, &rdp.DeviceIORequest{DeviceID: 1, FileID: 2, CompletionID: 2, MajorFunction: rdp.IRP_MJ_READ, Payload: read.Encode()})
	h.fromClient(t, &rdp.DeviceIOResponse{DeviceID: 1, CompletionID: 2, Payload: rdp.EncodeDeviceReadResponse([]byte("hello"))})
	assert.Equal(t, 0, h.relay.OpenFiles(), "oversized extraction is abandoned")

	// the read itself still reaches the server
	assert.Len(t, h.peers[SideServer].sent, 2)

	entries, err := os.ReadDir(h.store.filesDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, h.events)
}

func TestDeviceRedirectionExtractionDisabled(t *testing.T) {
	h := newRDPDRHarness(t)
	create := &rdp.DeviceCreateRequest{DesiredAccess: rdp.GENERIC_READ, CreateOptions: rdp.FILE_NON_DIRECTORY_FILE, Path: `\a.txt`}
	h.fromServer(t, &rdp.DeviceIORequest{DeviceID: 1, CompletionID: 1, MajorFunction: rdp.IRP_MJ_CREATE, Payload: create.Encode()})
	h.fromClient(t, &rdp.DeviceIOResponse{DeviceID: 1, CompletionID: 1, Payload: (&rdp.DeviceCreateResponse{FileID: 2}).Encode()})
	assert.Equal(t, 0, h.relay.OpenFiles())
	assert.Len(t, h.peers[SideServer].sent, 1)
}

func TestDeviceRedirectionForgedResponsesAreConsumed(t *testing.T) {
	h := newRDPDRHarness(t)
	h.announce(t, rdp.DeviceAnnounce{DeviceType: rdp.RDPDR_DTYP_FILESYSTEM, DeviceID: 3, DosName: "C:"})
	require.True(t, h.crawler.HasDevice(3))
	require.Len(t, h.events, 1)
	var dev recording.DeviceInfo
	require.NoError(t, h.events[0].Decode(&dev))
	assert.Equal(t, recording.DeviceInfo{DeviceID: 3, DeviceType: rdp.RDPDR_DTYP_FILESYSTEM, Name: "C:"}, dev)

	// the announce reaches the server
	require.Len(t, h.peers[SideServer].sent, 1)

	h.crawler.Download(3, `\secret.txt`, false)
	h.loop.run()
	forged := h.peers[SideClient].lastRequest(t)
	assert.GreaterOrEqual(t, forged.CompletionID, uint32(ForgedCompletionIDBase))

	// a real request in flight at the same time
	h.fromServer(t, &rdp.DeviceIORequest{DeviceID: 3, CompletionID: 4, MajorFunction: rdp.IRP_MJ_CLOSE, Payload: rdp.EncodeDeviceCloseRequest()})

	h.fromClient(t, &rdp.DeviceIOResponse{DeviceID: 3, CompletionID: forged.CompletionID, IoStatus: 0xC0000034})
	assert.Len(t, h.peers[SideServer].sent, 1, "forged completion must not reach the server")
	assert.False(t, h.crawler.Busy())

	h.fromClient(t, &rdp.DeviceIOResponse{DeviceID: 3, CompletionID: 4})
	assert.Len(t, h.peers[SideServer].sent, 2)
}

func TestDeviceRedirectionRemove(t *testing.T) {
	h := newRDPDRHarness(t)
	h.announce(t, rdp.DeviceAnnounce{DeviceType: rdp.RDPDR_DTYP_FILESYSTEM, DeviceID: 3, DosName: "C:"})

	var listErr error
	require.NoError(t, h.crawler.engine.ListDirectory(3, `\`, func(_ []rdp.FileDirectoryEntry, err error) { listErr = err }))

	pdu := rdp.NewCorePDU(rdp.PAKID_CORE_DEVICELIST_REMOVE, rdp.EncodeDeviceListRemove([]uint32{3}))
	require.NoError(t, h.relay.Observer(SideClient).OnDeviceRedirection(pdu))
	assert.False(t, h.crawler.HasDevice(3))
	assert.ErrorIs(t, listErr, errDeviceRemoved)
	assert.Zero(t, h.crawler.engine.Outstanding())
}

func TestDeviceRedirectionUserLoggedOn(t *testing.T) {
	h := newRDPDRHarness(t)
	calls := 0
	h.relay.OnUserLoggedOn = func() { calls++ }

	require.NoError(t, h.relay.Observer(SideServer).OnDeviceRedirection(rdp.NewCorePDU(rdp.PAKID_CORE_USER_LOGGEDON, nil)))
	assert.Equal(t, 1, calls)
	require.Len(t, h.peers[SideClient].sent, 1)
	assert.Equal(t, uint16(rdp.PAKID_CORE_USER_LOGGEDON), h.peers[SideClient].sent[0].PacketID)
}
