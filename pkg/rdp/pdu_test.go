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

package rdp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

func TestSlowPathRoundTrip(t *testing.T) {
	input := EncodeInputEvents([]SlowPathInputEvent{
		{EventTime: 1, MessageType: INPUT_EVENT_SCANCODE, Data: [6]byte{0x00, 0x40, 0x1E, 0x00}},
	})
	data := NewDataPDU(PDUTYPE2_INPUT, 0x000103EA, 1007, input)
	demand := &SlowPathPDU{
		Control: ShareControlHeader{PDUType: PDUTYPE_DEMANDACTIVEPDU | PDU_VERSION, PDUSource: 1002},
		Payload: []byte{0x01, 0x02},
	}
	flow := &SlowPathPDU{Flow: true, Payload: []byte{0x00, 0x80, 0x41, 0x00, 0x00, 0x00, 0xEA, 0x03}}

	wire := EncodeSlowPath([]*SlowPathPDU{data, demand, flow})
	pdus, err := ParseSlowPath(wire)
	require.NoError(t, err)
	require.Len(t, pdus, 3)

	assert.Equal(t, uint16(PDUTYPE_DATAPDU), pdus[0].Control.Type())
	require.NotNil(t, pdus[0].Data)
	assert.Equal(t, uint8(PDUTYPE2_INPUT), pdus[0].Data.PDUType2)
	assert.Equal(t, uint32(0x000103EA), pdus[0].Data.ShareID)
	assert.Equal(t, input, pdus[0].Payload)

	assert.Equal(t, uint16(PDUTYPE_DEMANDACTIVEPDU), pdus[1].Control.Type())
	assert.Nil(t, pdus[1].Data)
	assert.True(t, pdus[2].Flow)
	assert.Equal(t, wire, EncodeSlowPath(pdus))

	events, err := ParseInputEvents(pdus[0].Payload)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint16(KBDFLAGS_DOWN), events[0].KeyboardFlags())
	assert.Equal(t, uint16(0x1E), events[0].KeyCode())
}

func TestSlowPathMalformed(t *testing.T) {
	_, err := ParseSlowPath([]byte{0x04, 0x00, 0x17, 0x00})
	assert.ErrorIs(t, err, codec.ErrMalformed)

	_, err = ParseSlowPath([]byte{0x20, 0x00, 0x17, 0x00, 0xEA, 0x03})
	assert.ErrorIs(t, err, codec.ErrTruncated)
}

func TestSaveSessionInfo(t *testing.T) {
	domain := codec.EncodeUTF16LEZ("CORP")
	user := codec.EncodeUTF16LEZ("alice")

	t.Run("logon", func(t *testing.T) {
		payload := make([]byte, 4+4+52+4+512+4)
		binary.LittleEndian.PutUint32(payload[0:], INFOTYPE_LOGON)
		binary.LittleEndian.PutUint32(payload[4:], uint32(len(domain)))
		copy(payload[8:], domain)
		binary.LittleEndian.PutUint32(payload[60:], uint32(len(user)))
		copy(payload[64:], user)
		binary.LittleEndian.PutUint32(payload[576:], 3)

		info, err := ParseSaveSessionInfo(payload)
		require.NoError(t, err)
		assert.Equal(t, "CORP", info.Domain)
		assert.Equal(t, "alice", info.Username)
		assert.Equal(t, uint32(3), info.SessionID)
	})

	t.Run("logon long", func(t *testing.T) {
		payload := make([]byte, 4+2+4+4+4+4+558)
		binary.LittleEndian.PutUint32(payload[0:], INFOTYPE_LOGON_LONG)
		binary.LittleEndian.PutUint32(payload[10:], 7)
		binary.LittleEndian.PutUint32(payload[14:], uint32(len(domain)))
		binary.LittleEndian.PutUint32(payload[18:], uint32(len(user)))
		payload = append(payload, domain...)
		payload = append(payload, user...)

		info, err := ParseSaveSessionInfo(payload)
		require.NoError(t, err)
		assert.Equal(t, "CORP", info.Domain)
		assert.Equal(t, "alice", info.Username)
		assert.Equal(t, uint32(7), info.SessionID)
	})

	t.Run("plain notify", func(t *testing.T) {
		info, err := ParseSaveSessionInfo([]byte{0x02, 0x00, 0x00, 0x00})
		require.NoError(t, err)
		assert.Equal(t, uint32(INFOTYPE_LOGON_PLAINNOTIFY), info.InfoType)
		assert.Empty(t, info.Username)
	})
}

func TestServerRedirection(t *testing.T) {
	addr := codec.EncodeUTF16LEZ("10.0.0.5")
	payload := make([]byte, 14)
	binary.LittleEndian.PutUint32(payload[6:], 2)
	binary.LittleEndian.PutUint32(payload[10:], LB_TARGET_NET_ADDRESS)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(addr)))
	payload = append(payload, addr...)

	red, err := ParseServerRedirection(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), red.SessionID)
	assert.Equal(t, "10.0.0.5", red.TargetNetAddress)
}

func TestActivePDU(t *testing.T) {
	demand := &ActivePDU{
		ShareID:          0x000103EA,
		SourceDescriptor: []byte("RDP\x00"),
		Capabilities: []CapabilitySet{
			{Type: CAPSTYPE_GENERAL, Data: make([]byte, 20)},
			{Type: CAPSTYPE_VIRTUALCHANNEL, Data: []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
		},
		SessionID: []byte{0, 0, 0, 0},
	}
	parsed, err := ParseActivePDU(demand.Encode(), false)
	require.NoError(t, err)
	assert.Equal(t, demand, parsed)

	assert.True(t, parsed.DisableVirtualChannelCompression())
	assert.False(t, parsed.DisableVirtualChannelCompression())
	assert.Equal(t, uint32(VCCAPS_NO_COMPR), binary.LittleEndian.Uint32(parsed.Find(CAPSTYPE_VIRTUALCHANNEL).Data))

	confirm := &ActivePDU{Confirm: true, ShareID: 1, OriginatorID: 1002, SourceDescriptor: []byte("MSTSC"), Capabilities: []CapabilitySet{}}
	parsed, err = ParseActivePDU(confirm.Encode(), true)
	require.NoError(t, err)
	assert.Equal(t, uint16(1002), parsed.OriginatorID)
	assert.Nil(t, parsed.Find(CAPSTYPE_GENERAL))
}

func TestVirtualChannelChunking(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int
		chunks    int
	}{
		{"empty", 0, 10, 1},
		{"single", 10, 10, 1},
		{"exact multiple", 30, 10, 3},
		{"remainder", 25, 10, 3},
		{"default size", 4000, 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := make([]byte, tt.size)
			for i := range msg {
				msg[i] = byte(i)
			}
			chunks := ChunkVirtualChannel(msg, CHANNEL_FLAG_SHOW_PROTOCOL, tt.chunkSize)
			require.Len(t, chunks, tt.chunks)
			assert.True(t, chunks[0].First())
			assert.True(t, chunks[len(chunks)-1].Last())

			var a ChannelReassembler
			var out []byte
			for i, c := range chunks {
				assert.NotZero(t, c.Flags&CHANNEL_FLAG_SHOW_PROTOCOL)
				parsed, err := ParseVirtualChannel(c.Encode())
				require.NoError(t, err)
				got, done, err := a.Add(parsed)
				require.NoError(t, err)
				assert.Equal(t, i == len(chunks)-1, done)
				if done {
					out = got
				}
			}
			assert.Equal(t, msg, out)
		})
	}
}

func TestChannelReassemblerErrors(t *testing.T) {
	var a ChannelReassembler
	_, _, err := a.Add(&VirtualChannelPDU{Length: 4, Flags: CHANNEL_FLAG_LAST, Payload: []byte{1}})
	assert.ErrorIs(t, err, codec.ErrMalformed)

	_, _, err = a.Add(&VirtualChannelPDU{Length: 1, Flags: CHANNEL_FLAG_FIRST, Payload: []byte{1, 2}})
	assert.ErrorIs(t, err, codec.ErrMalformed)

	_, _, err = a.Add(&VirtualChannelPDU{Length: 1, Flags: CHANNEL_FLAG_FIRST | CHANNEL_PACKET_COMPRESSED})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestChannelReassemblerLengthBound(t *testing.T) {
	var a ChannelReassembler
	_, done, err := a.Add(&VirtualChannelPDU{Length: 0xFFFFFFF0, Flags: CHANNEL_FLAG_FIRST, Payload: []byte{1, 2, 3, 4}})
	assert.ErrorIs(t, err, codec.ErrMalformed)
	assert.False(t, done)
	assert.Nil(t, a.buf)

	// a rejected first chunk leaves no message in progress
	_, _, err = a.Add(&VirtualChannelPDU{Length: 4, Flags: CHANNEL_FLAG_LAST, Payload: []byte{1}})
	assert.ErrorIs(t, err, codec.ErrMalformed)

	_, done, err = a.Add(&VirtualChannelPDU{Length: MaxChannelMessage, Flags: CHANNEL_FLAG_FIRST, Payload: []byte{1, 2, 3, 4}})
	require.NoError(t, err)
	assert.False(t, done)
	assert.LessOrEqual(t, cap(a.buf), reassemblyPrealloc)

	chunk := make([]byte, reassemblyPrealloc)
	_, _, err = a.Add(&VirtualChannelPDU{Length: MaxChannelMessage, Payload: chunk})
	require.NoError(t, err)
	assert.Len(t, a.buf, reassemblyPrealloc+4)
}

func TestLicensing(t *testing.T) {
	valid := NewValidClientLicense()
	parsed, err := ParseLicensing(valid.Encode())
	require.NoError(t, err)
	assert.Equal(t, valid, parsed)
	assert.True(t, parsed.Completes())

	code, transition, ok := parsed.ErrorCode()
	require.True(t, ok)
	assert.Equal(t, uint32(STATUS_VALID_CLIENT), code)
	assert.Equal(t, uint32(ST_NO_TRANSITION), transition)

	tests := []struct {
		name string
		pdu  *LicensingPDU
		want bool
	}{
		{"license request", &LicensingPDU{MsgType: LICENSE_REQUEST, Body: []byte{1}}, false},
		{"new license", &LicensingPDU{MsgType: NEW_LICENSE}, true},
		{"upgrade license", &LicensingPDU{MsgType: UPGRADE_LICENSE}, true},
		{"error without transition", &LicensingPDU{MsgType: ERROR_ALERT, Body: make([]byte, 8)}, false},
		{"short error", &LicensingPDU{MsgType: ERROR_ALERT, Body: []byte{7}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pdu.Completes())
		})
	}

	_, err = ParseLicensing([]byte{0xFF, 0x03, 0x02, 0x00})
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestClientInfo(t *testing.T) {
	tests := []struct {
		name  string
		flags uint32
	}{
		{"unicode", INFO_UNICODE | INFO_MOUSE | INFO_AUTOLOGON},
		{"ansi", INFO_MOUSE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &ClientInfoPDU{
				CodePage:       0x0409,
				Flags:          tt.flags | INFO_COMPRESSION | 0x00000200,
				Domain:         "CORP",
				Username:       "alice",
				Password:       "s3cret",
				AlternateShell: "",
				WorkingDir:     `C:\Users`,
				Extra:          []byte{0x02, 0x00, 0x1A, 0x00},
			}
			parsed, err := ParseClientInfo(info.Encode())
			require.NoError(t, err)
			assert.Equal(t, info, parsed)

			parsed.DisableCompression()
			assert.Zero(t, parsed.Flags&(INFO_COMPRESSION|CompressionTypeMask))
			assert.Equal(t, tt.flags, parsed.Flags)
		})
	}
}

func TestSidebandPDUs(t *testing.T) {
	hb := &HeartbeatPDU{Period: 5, Count1: 3, Count2: 10}
	parsed, err := ParseHeartbeat(hb.Encode())
	require.NoError(t, err)
	assert.Equal(t, hb, parsed)

	_, err = ParseHeartbeat([]byte{0, 1})
	assert.ErrorIs(t, err, codec.ErrTruncated)

	ad := &AutoDetectPDU{
		HeaderLength:   8,
		HeaderTypeID:   TYPE_ID_AUTODETECT_REQUEST,
		SequenceNumber: 4,
		Type:           RDP_BW_START_TYPE_CONNECTTIME,
		Payload:        []byte{0x10, 0x00},
	}
	parsedAD, err := ParseAutoDetect(ad.Encode())
	require.NoError(t, err)
	assert.Equal(t, ad, parsedAD)

	_, err = ParseAutoDetect([]byte{0x04, 0x00, 0x00, 0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestScanCodeChar(t *testing.T) {
	tests := []struct {
		name     string
		code     uint8
		shift    bool
		capsLock bool
		want     byte
		ok       bool
	}{
		{"letter", 0x1E, false, false, 'a', true},
		{"shifted letter", 0x1E, true, false, 'A', true},
		{"caps letter", 0x1E, false, true, 'A', true},
		{"shift cancels caps", 0x1E, true, true, 'a', true},
		{"digit ignores caps", 0x02, false, true, '1', true},
		{"shifted digit", 0x02, true, false, '!', true},
		{"space", SCANCODE_SPACE, false, false, ' ', true},
		{"keypad", 0x47, true, false, '7', true},
		{"modifier", SCANCODE_LSHIFT, false, false, 0, false},
		{"enter", SCANCODE_ENTER, false, false, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ScanCodeChar(tt.code, tt.shift, tt.capsLock)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
