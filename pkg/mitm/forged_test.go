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

// fakeDrive records the requests a ForgedEngine sends.
type fakeDrive struct {
	sent []*rdp.DeviceIORequest
}

func (d *fakeDrive) send(r *rdp.DeviceIORequest) error {
	d.sent = append(d.sent, r)
	return nil
}

func (d *fakeDrive) last(t *testing.T) *rdp.DeviceIORequest {
	t.Helper()
	require.NotEmpty(t, d.sent)
	return d.sent[len(d.sent)-1]
}

func reply(req *rdp.DeviceIORequest, status uint32, body []byte) *rdp.DeviceIOResponse {
	return &rdp.DeviceIOResponse{DeviceID: req.DeviceID, CompletionID: req.CompletionID, IoStatus: status, Payload: body}
}

func newTestStore(t *testing.T) *FileStore {
	dir := t.TempDir()
	return NewFileStore(filepath.Join(dir, "files"), filepath.Join(dir, "filesystems"), logger.Discard(), nil, nil)
}

func newTestEngine(t *testing.T) (*ForgedEngine, *fakeDrive, *FileStore) {
	drive := &fakeDrive{}
	store := newTestStore(t)
	return NewForgedEngine(drive.send, store, logger.Discard(), nil), drive, store
}

func TestForgedCompletionIDs(t *testing.T) {
	e, drive, _ := newTestEngine(t)
	noop := func([]rdp.FileDirectoryEntry, error) {}

	require.NoError(t, e.ListDirectory(1, `\a`, noop))
	require.NoError(t, e.ListDirectory(1, `\b`, noop))
	require.NoError(t, e.ListDirectory(2, `\c`, noop))
	require.Len(t, drive.sent, 3)
	assert.Equal(t, uint32(ForgedCompletionIDBase), drive.sent[0].CompletionID)
	assert.Equal(t, uint32(ForgedCompletionIDBase+1), drive.sent[1].CompletionID)
	// ids are unique across devices
	assert.Equal(t, uint32(ForgedCompletionIDBase+2), drive.sent[2].CompletionID)
	assert.Equal(t, 3, e.Outstanding())

	// a refused open frees the lowest id for reuse
	handled, err := e.Handle(reply(drive.sent[0], 0xC0000034, nil))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.False(t, e.Owns(1, ForgedCompletionIDBase))

	require.NoError(t, e.ListDirectory(1, `\d`, noop))
	assert.Equal(t, uint32(ForgedCompletionIDBase), drive.last(t).CompletionID)
}

func TestForgedHandleIgnoresServerRequests(t *testing.T) {
	e, _, _ := newTestEngine(t)
	handled, err := e.Handle(&rdp.DeviceIOResponse{DeviceID: 1, CompletionID: 5})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestForgedReadFile(t *testing.T) {
	e, drive, _ := newTestEngine(t)

	var (
		info    *recording.FileInfo
		readErr error
		calls   int
	)
	require.NoError(t, e.ReadFile(3, `\Users\a\secret.txt`, func(fi *recording.FileInfo, err error) {
		info, readErr = fi, err
		calls++
	}))

	create := drive.last(t)
	assert.Equal(t, uint32(rdp.IRP_MJ_CREATE), create.MajorFunction)
	req, err := rdp.ParseDeviceCreateRequest(create.Payload)
	require.NoError(t, err)
	assert.Equal(t, `\Users\a\secret.txt`, req.Path)
	assert.True(t, req.ReadIntent())

	step := func(status uint32, body []byte) *rdp.DeviceIORequest {
		t.Helper()
		handled, err := e.Handle(reply(drive.last(t), status, body))
		require.NoError(t, err)
		require.True(t, handled)
		return drive.last(t)
	}

	read := step(rdp.STATUS_SUCCESS, (&rdp.DeviceCreateResponse{FileID: 7}).Encode())
	assert.Equal(t, uint32(rdp.IRP_MJ_READ), read.MajorFunction)
	assert.Equal(t, uint32(7), read.FileID)
	rr, err := rdp.ParseDeviceReadRequest(read.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rr.Offset)

	read = step(rdp.STATUS_SUCCESS, rdp.EncodeDeviceReadResponse([]byte("hello ")))
	rr, err = rdp.ParseDeviceReadRequest(read.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), rr.Offset)

	read = step(rdp.STATUS_SUCCESS, rdp.EncodeDeviceReadResponse([]byte("world")))
	closeReq := step(rdp.STATUS_SUCCESS, rdp.EncodeDeviceReadResponse(nil))
	assert.Equal(t, uint32(rdp.IRP_MJ_CLOSE), closeReq.MajorFunction)
	assert.Equal(t, 0, calls)

	step(rdp.STATUS_SUCCESS, nil)
	require.Equal(t, 1, calls)
	require.NoError(t, readErr)
	require.NotNil(t, info)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, 0, e.Outstanding())

	content, err := os.ReadFile(filepath.Join(e.store.filesDir, info.Hash))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
}

func TestForgedReadErrorStillCloses(t *testing.T) {
	e, drive, _ := newTestEngine(t)
	var readErr error
	require.NoError(t, e.ReadFile(3, `\locked.db`, func(_ *recording.FileInfo, err error) { readErr = err }))

	_, err := e.Handle(reply(drive.last(t), rdp.STATUS_SUCCESS, (&rdp.DeviceCreateResponse{FileID: 1}).Encode()))
	require.NoError(t, err)
	_, err = e.Handle(reply(drive.last(t), 0xC0000054, nil))
	require.NoError(t, err)
	assert.Equal(t, uint32(rdp.IRP_MJ_CLOSE), drive.last(t).MajorFunction)

	_, err = e.Handle(reply(drive.last(t), rdp.STATUS_SUCCESS, nil))
	require.NoError(t, err)
	var ioErr *IOError
	require.ErrorAs(t, readErr, &ioErr)
	assert.Equal(t, uint32(0xC0000054), ioErr.Status)
}

func TestForgedListDirectory(t *testing.T) {
	e, drive, _ := newTestEngine(t)

	var entries []rdp.FileDirectoryEntry
	done := false
	require.NoError(t, e.ListDirectory(4, `\Users`, func(es []rdp.FileDirectoryEntry, err error) {
		require.NoError(t, err)
		entries, done = es, true
	}))

	_, err := e.Handle(reply(drive.last(t), rdp.STATUS_SUCCESS, (&rdp.DeviceCreateResponse{FileID: 9}).Encode()))
	require.NoError(t, err)

	query := drive.last(t)
	assert.Equal(t, uint32(rdp.IRP_MJ_DIRECTORY_CONTROL), query.MajorFunction)
	assert.Equal(t, uint32(rdp.IRP_MN_QUERY_DIRECTORY), query.MinorFunction)
	q, err := rdp.ParseDeviceQueryDirectoryRequest(query.Payload)
	require.NoError(t, err)
	assert.True(t, q.InitialQuery)
	assert.Equal(t, `\Users\*`, q.Path)

	listing := []rdp.FileDirectoryEntry{
		{FileName: "a.txt", EndOfFile: 3},
		{FileName: "b", FileAttributes: rdp.FILE_ATTRIBUTE_DIRECTORY},
		{FileName: "..", FileAttributes: rdp.FILE_ATTRIBUTE_DIRECTORY},
	}
	_, err = e.Handle(reply(query, rdp.STATUS_SUCCESS, rdp.EncodeQueryDirectoryResponse(listing)))
	require.NoError(t, err)

	q, err = rdp.ParseDeviceQueryDirectoryRequest(drive.last(t).Payload)
	require.NoError(t, err)
	assert.False(t, q.InitialQuery)

	_, err = e.Handle(reply(drive.last(t), rdp.STATUS_NO_MORE_FILES, nil))
	require.NoError(t, err)
	assert.Equal(t, uint32(rdp.IRP_MJ_CLOSE), drive.last(t).MajorFunction)
	assert.False(t, done)

	_, err = e.Handle(reply(drive.last(t), rdp.STATUS_SUCCESS, nil))
	require.NoError(t, err)
	require.True(t, done)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].FileName)
	assert.True(t, entries[1].IsDirectory())
}

func TestForgedOpenFailure(t *testing.T) {
	e, drive, _ := newTestEngine(t)
	var listErr error
	require.NoError(t, e.ListDirectory(4, `\missing`, func(_ []rdp.FileDirectoryEntry, err error) { listErr = err }))

	_, err := e.Handle(reply(drive.last(t), 0xC0000034, nil))
	require.NoError(t, err)
	// no close for a handle that was never opened
	assert.Len(t, drive.sent, 1)

	var ioErr *IOError
	require.ErrorAs(t, listErr, &ioErr)
	assert.Equal(t, `open \missing`, ioErr.Operation)
	assert.Equal(t, `open \missing failed with status 0xC0000034`, ioErr.Error())
}

func TestForgedAbandon(t *testing.T) {
	t.Run("all", func(t *testing.T) {
		e, _, store := newTestEngine(t)
		called := false
		require.NoError(t, e.ReadFile(1, `\x`, func(*recording.FileInfo, error) { called = true }))
		require.NoError(t, e.ListDirectory(2, `\y`, func([]rdp.FileDirectoryEntry, error) { called = true }))

		e.AbandonAll()
		assert.False(t, called)
		assert.Equal(t, 0, e.Outstanding())

		spooled, err := os.ReadDir(store.filesDir)
		require.NoError(t, err)
		assert.Empty(t, spooled)
	})

	t.Run("device", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		var errs []error
		require.NoError(t, e.ListDirectory(1, `\x`, func(_ []rdp.FileDirectoryEntry, err error) { errs = append(errs, err) }))
		require.NoError(t, e.ListDirectory(2, `\y`, func(_ []rdp.FileDirectoryEntry, err error) { errs = append(errs, err) }))

		e.AbandonDevice(1)
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], errDeviceRemoved)
		assert.Equal(t, 1, e.Outstanding())
		assert.True(t, e.Owns(2, ForgedCompletionIDBase+1))
	})
}

func TestJoinRemotePath(t *testing.T) {
	tests := []struct {
		dir, name, want string
	}{
		{`\`, "Users", `\Users`},
		{`\Users`, "a.txt", `\Users\a.txt`},
		{`\Users\`, "*", `\Users\*`},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, JoinRemotePath(tt.dir, tt.name))
		})
	}
}
