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

func clientCoreBlock(name string, selected uint32) GCCDataBlock {
	data := make([]byte, clientCoreSelectedProtocolOffset+4)
	binary.LittleEndian.PutUint32(data[0:], 0x00080004)
	copy(data[clientCoreNameOffset:clientCoreNameOffset+30], codec.EncodeUTF16LE(name))
	binary.LittleEndian.PutUint32(data[clientCoreSelectedProtocolOffset:], selected)
	return GCCDataBlock{Type: CS_CORE, Data: data}
}

func TestGCCConferenceCreateRequest(t *testing.T) {
	network := &ClientNetworkData{Channels: []ChannelDef{
		{Name: ChannelClipboard, Options: CHANNEL_OPTION_INITIALIZED},
		{Name: ChannelDeviceRedirection, Options: CHANNEL_OPTION_INITIALIZED | CHANNEL_OPTION_COMPRESS_RDP},
		{Name: ChannelDynamic, Options: CHANNEL_OPTION_INITIALIZED},
	}}
	security := &ClientSecurityData{EncryptionMethods: ENCRYPTION_METHOD_40BIT | ENCRYPTION_METHOD_128BIT}

	req := &GCCConferenceCreateRequest{Blocks: GCCDataBlocks{
		clientCoreBlock("WORKSTATION", PROTOCOL_HYBRID),
		{Type: CS_SECURITY, Data: security.Encode()},
		{Type: CS_NET, Data: network.Encode()},
	}}

	parsed, err := ParseGCCConferenceCreateRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, gccRequestPrefix, parsed.Prefix)
	assert.Equal(t, req.Blocks, parsed.Blocks)
	assert.Equal(t, req.Encode(), parsed.Encode())

	core := parsed.Blocks.Find(CS_CORE)
	require.NotNil(t, core)
	assert.Equal(t, "WORKSTATION", ClientName(core))

	protocol, ok := ServerSelectedProtocol(core)
	require.True(t, ok)
	assert.Equal(t, uint32(PROTOCOL_HYBRID), protocol)
	SetServerSelectedProtocol(core, PROTOCOL_SSL)
	protocol, _ = ServerSelectedProtocol(core)
	assert.Equal(t, uint32(PROTOCOL_SSL), protocol)

	nd, err := ParseClientNetworkData(parsed.Blocks.Find(CS_NET).Data)
	require.NoError(t, err)
	assert.Equal(t, network, nd)

	sd, err := ParseClientSecurityData(parsed.Blocks.Find(CS_SECURITY).Data)
	require.NoError(t, err)
	assert.Equal(t, security, sd)

	assert.Nil(t, parsed.Blocks.Find(CS_MONITOR))
}

func TestGCCConferenceCreateResponse(t *testing.T) {
	network := &ServerNetworkData{MCSChannelID: MCS_CHANNEL_GLOBAL, ChannelIDs: []uint16{1004, 1005, 1006}}
	security := &ServerSecurityData{
		EncryptionMethod:  ENCRYPTION_METHOD_128BIT,
		EncryptionLevel:   ENCRYPTION_LEVEL_CLIENT_COMPATIBLE,
		ServerRandom:      make([]byte, 32),
		ServerCertificate: []byte{0x01, 0x00, 0x00, 0x00},
	}

	resp := &GCCConferenceCreateResponse{Blocks: GCCDataBlocks{
		{Type: SC_CORE, Data: []byte{0x04, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{Type: SC_SECURITY, Data: security.Encode()},
		{Type: SC_NET, Data: network.Encode()},
	}}

	parsed, err := ParseGCCConferenceCreateResponse(resp.Encode())
	require.NoError(t, err)
	assert.Equal(t, gccResponsePrefix, parsed.Prefix)
	assert.Equal(t, resp.Blocks, parsed.Blocks)

	nd, err := ParseServerNetworkData(parsed.Blocks.Find(SC_NET).Data)
	require.NoError(t, err)
	assert.Equal(t, network, nd)
	assert.Len(t, network.Encode(), 12, "odd channel counts are padded")

	sd, err := ParseServerSecurityData(parsed.Blocks.Find(SC_SECURITY).Data)
	require.NoError(t, err)
	assert.Equal(t, security, sd)
}

func TestServerSecurityDataWithoutEncryption(t *testing.T) {
	sd := &ServerSecurityData{}
	encoded := sd.Encode()
	assert.Len(t, encoded, 8)

	parsed, err := ParseServerSecurityData(encoded)
	require.NoError(t, err)
	assert.Nil(t, parsed.ServerRandom)
	assert.Nil(t, parsed.ServerCertificate)
}

func TestGCCDataBlocksMalformed(t *testing.T) {
	_, err := ParseGCCDataBlocks([]byte{0x01, 0xC0, 0x02, 0x00})
	assert.ErrorIs(t, err, codec.ErrMalformed)

	_, err = ParseGCCDataBlocks([]byte{0x01, 0xC0, 0x10, 0x00, 0x00})
	assert.ErrorIs(t, err, codec.ErrTruncated)

	_, err = ParseClientNetworkData([]byte{0x05, 0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, codec.ErrTruncated)
}

func TestClientCoreShortBlock(t *testing.T) {
	short := &GCCDataBlock{Type: CS_CORE, Data: make([]byte, 128)}
	_, ok := ServerSelectedProtocol(short)
	assert.False(t, ok)
	SetServerSelectedProtocol(short, PROTOCOL_SSL)
	assert.Equal(t, make([]byte, 128), short.Data)
	assert.Equal(t, "", ClientName(nil))
}
