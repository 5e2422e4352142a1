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

package recording

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
)

func TestFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, EventClipboardData, 0x0102030405, []byte("hi")))
	assert.Equal(t, "0800"+"0504030201000000"+"02000000"+"6869", hex.EncodeToString(buf.Bytes()))
}

func TestFileSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replays", "session.replay")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	assert.Equal(t, path, sink.Path())

	base := time.UnixMilli(1_700_000_000_000)
	events := []Event{
		{Type: EventConnectionStart, Timestamp: base, Payload: []byte(`{"session_id":"s"}`)},
		{Type: EventFastPathInput, Timestamp: base.Add(20 * time.Millisecond), Payload: []byte{0x04, 0x04, 0x00, 0x1E}},
		// out of order: stamped with its predecessor's time
		{Type: EventFastPathOutput, Timestamp: base.Add(10 * time.Millisecond), Payload: []byte{0x00, 0x02}},
		{Type: EventConnectionClose, Timestamp: base.Add(time.Second)},
	}
	for _, ev := range events {
		require.NoError(t, sink.Record(ev))
	}
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Record(events[0]), ErrClosed)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	got, err := NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, got, len(events))
	for i := range events {
		assert.Equal(t, events[i].Type, got[i].Type)
		assert.Equal(t, len(events[i].Payload), len(got[i].Payload))
		if i > 0 {
			assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp), "timestamps go backwards at %d", i)
		}
	}
	assert.Equal(t, base.Add(20*time.Millisecond), got[2].Timestamp)
	assert.Equal(t, events[1].Payload, got[1].Payload)
}

func TestFileSinkFillsTimestamp(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "a.replay"))
	require.NoError(t, err)
	fixed := time.UnixMilli(1_234_567)
	sink.now = func() time.Time { return fixed }
	require.NoError(t, sink.Record(Event{Type: EventConnectionClose}))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	ev, err := NewReader(bytes.NewReader(data)).Next()
	require.NoError(t, err)
	assert.Equal(t, fixed, ev.Timestamp)
}

func TestReaderErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, EventClientInfo, 1, []byte{1, 2, 3, 4}))
	full := buf.Bytes()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, io.EOF},
		{"cut header", full[:5], io.ErrUnexpectedEOF},
		{"cut payload", full[:len(full)-1], io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.data)).Next()
			assert.ErrorIs(t, err, tt.want)
		})
	}

	huge := make([]byte, frameHeaderSize)
	huge[10], huge[11], huge[12], huge[13] = 0xFF, 0xFF, 0xFF, 0xFF
	_, err := NewReader(bytes.NewReader(huge)).Next()
	assert.ErrorContains(t, err, "exceeds limit")
}

type failingSink struct{ err error }

func (f failingSink) Record(Event) error { return f.err }
func (f failingSink) Close() error       { return f.err }

func TestMultiSink(t *testing.T) {
	boom := errors.New("boom")
	m := MultiSink{NullSink{}, failingSink{boom}}
	assert.ErrorIs(t, m.Record(Event{}), boom)
	assert.ErrorIs(t, m.Close(), boom)
	assert.NoError(t, MultiSink{NullSink{}}.Close())
}

func TestJSONEvents(t *testing.T) {
	ev, err := NewJSONEvent(EventCredentials, Credentials{Source: "client_info", Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, EventCredentials, ev.Type)

	var c Credentials
	require.NoError(t, ev.Decode(&c))
	assert.Equal(t, "alice", c.Username)

	assert.Error(t, Event{Type: EventCredentials, Payload: []byte("{")}.Decode(&c))
	assert.Equal(t, "credentials", EventCredentials.String())
	assert.Equal(t, "event-99", EventType(99).String())
}

func scanEvent(code uint8, release bool) rdp.FastPathInputEvent {
	ev := rdp.FastPathInputEvent{Code: rdp.FASTPATH_INPUT_EVENT_SCANCODE, Data: []byte{code}}
	if release {
		ev.Flags = rdp.FASTPATH_INPUT_KBDFLAGS_RELEASE
	}
	return ev
}

func slowPathKey(code uint16) []byte {
	ev := rdp.SlowPathInputEvent{MessageType: rdp.INPUT_EVENT_SCANCODE}
	ev.Data[1] = byte(rdp.KBDFLAGS_DOWN >> 8)
	ev.Data[2] = byte(code)
	return rdp.NewDataPDU(rdp.PDUTYPE2_INPUT, 0x1000, 1007, rdp.EncodeInputEvents([]rdp.SlowPathInputEvent{ev})).Encode()
}

func TestReplaySummary(t *testing.T) {
	var buf bytes.Buffer
	record := func(ev Event) {
		require.NoError(t, writeFrame(&buf, ev.Type, ev.Timestamp.UnixMilli(), ev.Payload))
	}
	ts := time.UnixMilli(1_700_000_000_000)
	jsonEvent := func(typ EventType, v any) Event {
		ev, err := NewJSONEvent(typ, v)
		require.NoError(t, err)
		ev.Timestamp = ts
		return ev
	}

	record(jsonEvent(EventConnectionStart, SessionInfo{SessionID: "abc", Client: "10.0.0.2:50000", Target: "10.0.0.5:3389", Protocol: "SSL"}))
	record(jsonEvent(EventCredentials, Credentials{Source: "client_info", Domain: "CORP", Username: "alice", Password: "hunter2"}))

	// "Pw" typed over fast-path, then Enter
	fp := rdp.EncodeFastPathInput([]rdp.FastPathInputEvent{
		scanEvent(rdp.SCANCODE_LSHIFT, false), scanEvent(0x19, false), scanEvent(0x19, true),
		scanEvent(rdp.SCANCODE_LSHIFT, true), scanEvent(0x11, false), scanEvent(0x11, true),
		scanEvent(rdp.SCANCODE_ENTER, false),
	}).Encode()
	record(Event{Type: EventFastPathInput, Timestamp: ts, Payload: fp})

	// "d" over slow-path, no Enter
	record(Event{Type: EventSlowPathInput, Timestamp: ts, Payload: slowPathKey(0x20)})

	record(jsonEvent(EventClipboardData, ClipboardData{Source: "server", Text: "secret token"}))
	record(jsonEvent(EventDeviceAnnounce, DeviceInfo{DeviceID: 1, DeviceType: rdp.RDPDR_DTYP_FILESYSTEM, Name: "C"}))
	record(jsonEvent(EventFileExtracted, FileInfo{DeviceID: 1, Path: `\Users\a\report.docx`, Size: 10, Hash: "ab"}))
	record(Event{Type: EventDynamicChannel, Timestamp: ts, Payload: []byte("Microsoft::Windows::RDS::Graphics")})
	out := (&rdp.FastPathPDU{Payload: rdp.EncodeFastPathOutput([]rdp.FastPathOutputUpdate{{Header: 0x01, Data: []byte{0}}})}).Encode()
	record(Event{Type: EventFastPathOutput, Timestamp: ts.Add(5 * time.Second), Payload: out})

	s := NewSummary()
	require.NoError(t, Replay(NewReader(&buf), s))
	s.Finish()

	require.NotNil(t, s.Session)
	assert.Equal(t, "abc", s.Session.SessionID)
	assert.Equal(t, []string{"Pw", "d"}, s.Typed)
	assert.Equal(t, 1, s.Counts[EventFastPathInput])
	assert.Equal(t, 1, s.Counts[EventSlowPathInput])
	assert.Equal(t, 5*time.Second, s.End.Sub(s.Start))
	require.Len(t, s.Credentials, 1)
	require.Len(t, s.Files, 1)
	require.Len(t, s.Devices, 1)

	var report strings.Builder
	require.NoError(t, s.Write(&report))
	text := report.String()
	assert.Contains(t, text, "session abc: 10.0.0.2:50000 -> 10.0.0.5:3389 (SSL)")
	assert.Contains(t, text, `[client_info] CORP\alice : hunter2`)
	assert.Contains(t, text, `[server] "secret token"`)
	assert.Contains(t, text, `\Users\a\report.docx 10 bytes sha256:ab`)
	assert.Contains(t, text, "dynamic channels: Microsoft::Windows::RDS::Graphics")
}

func TestReplayMalformedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, EventFastPathInput, 0, []byte{0x04}))
	err := Replay(NewReader(&buf), NewSummary())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame 0 (fast-path-input)")
}
