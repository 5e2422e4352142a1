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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

// T.124 object identifier for the GCC conference PDUs (0.0.20.124.0.1).
var t124OID = [6]uint8{0, 0, 20, 124, 0, 1}

// Canonical bytes between the connect-PDU length and the user data length.
var (
	gccRequestPrefix  = []byte{0x00, 0x08, 0x00, 0x10, 0x00, 0x01, 0xC0, 0x00, 0x44, 0x75, 0x63, 0x61}
	gccResponsePrefix = []byte{0x14, 0x76, 0x0A, 0x01, 0x01, 0x00, 0x01, 0xC0, 0x00, 0x4D, 0x63, 0x44, 0x6E}
)

// GCCDataBlock is one client or server data block (MS-RDPBCGR 2.2.1.3.1).
// Data excludes the 4-byte user data header.
type GCCDataBlock struct {
	Type uint16
	Data []byte
}

// GCCDataBlocks is an ordered list of data blocks.
type GCCDataBlocks []GCCDataBlock

// Find returns the first block of the given type, or nil.
func (b GCCDataBlocks) Find(blockType uint16) *GCCDataBlock {
	for i := range b {
		if b[i].Type == blockType {
			return &b[i]
		}
	}
	return nil
}

// ParseGCCDataBlocks splits user data into its data blocks.
func ParseGCCDataBlocks(data []byte) (GCCDataBlocks, error) {
	r := codec.NewReader(data)
	var blocks GCCDataBlocks
	for !r.Empty() {
		blockType, err := r.Uint16LE()
		if err != nil {
			return nil, err
		}
		length, err := r.Uint16LE()
		if err != nil {
			return nil, err
		}
		if length < 4 {
			return nil, fmt.Errorf("%w: data block 0x%04X length %d", codec.ErrMalformed, blockType, length)
		}
		body, err := r.Bytes(int(length) - 4)
		if err != nil {
			return nil, fmt.Errorf("data block 0x%04X: %w", blockType, err)
		}
		blocks = append(blocks, GCCDataBlock{Type: blockType, Data: body})
	}
	return blocks, nil
}

// Encode serializes the blocks back into user data.
func (b GCCDataBlocks) Encode() []byte {
	var buf bytes.Buffer
	for _, block := range b {
		binary.Write(&buf, binary.LittleEndian, block.Type)
		binary.Write(&buf, binary.LittleEndian, uint16(len(block.Data)+4))
		buf.Write(block.Data)
	}
	return buf.Bytes()
}

// GCCConferenceCreateRequest is the user data of the MCS Connect-Initial PDU.
type GCCConferenceCreateRequest struct {
	Prefix []byte
	Blocks GCCDataBlocks
}

// GCCConferenceCreateResponse is the user data of the MCS Connect-Response PDU.
type GCCConferenceCreateResponse struct {
	Prefix []byte
	Blocks GCCDataBlocks
}

func readGCCHeader(r *codec.Reader) error {
	if _, err := codec.ReadPERChoice(r); err != nil {
		return err
	}
	oid, err := codec.ReadPERObjectIdentifier(r)
	if err != nil {
		return err
	}
	if oid != t124OID {
		return fmt.Errorf("%w: unexpected GCC object identifier %v", codec.ErrMalformed, oid)
	}
	_, err = codec.ReadPERLength(r)
	return err
}

func encodeGCC(prefix []byte, blocks GCCDataBlocks) []byte {
	userData := blocks.Encode()

	var body bytes.Buffer
	body.Write(prefix)
	codec.WritePEROctetString(&body, userData, 0)

	var buf bytes.Buffer
	codec.WritePERChoice(&buf, 0)
	codec.WritePERObjectIdentifier(&buf, t124OID)
	codec.WritePERLength(&buf, body.Len())
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// ParseGCCConferenceCreateRequest decodes the GCC request and its client data blocks.
func ParseGCCConferenceCreateRequest(data []byte) (*GCCConferenceCreateRequest, error) {
	r := codec.NewReader(data)
	if err := readGCCHeader(r); err != nil {
		return nil, fmt.Errorf("conference create request: %w", err)
	}

	start := r.Offset()
	if _, err := codec.ReadPERChoice(r); err != nil {
		return nil, err
	}
	selection, err := codec.ReadPERSelection(r)
	if err != nil {
		return nil, err
	}
	if selection != 0x08 {
		return nil, fmt.Errorf("%w: conference create request selection 0x%02X", codec.ErrMalformed, selection)
	}
	if _, err := codec.ReadPERNumericString(r, 1); err != nil {
		return nil, err
	}
	if err := codec.ReadPERPadding(r, 1); err != nil {
		return nil, err
	}
	if _, err := codec.ReadPERNumberOfSets(r); err != nil {
		return nil, err
	}
	if _, err := codec.ReadPERChoice(r); err != nil {
		return nil, err
	}
	if _, err := codec.ReadPEROctetString(r, 4); err != nil {
		return nil, err
	}
	prefix := append([]byte(nil), data[start:r.Offset()]...)

	userData, err := codec.ReadPEROctetString(r, 0)
	if err != nil {
		return nil, fmt.Errorf("conference create request user data: %w", err)
	}
	blocks, err := ParseGCCDataBlocks(userData)
	if err != nil {
		return nil, err
	}
	return &GCCConferenceCreateRequest{Prefix: prefix, Blocks: blocks}, nil
}

func (g *GCCConferenceCreateRequest) Encode() []byte {
	prefix := g.Prefix
	if prefix == nil {
		prefix = gccRequestPrefix
	}
	return encodeGCC(prefix, g.Blocks)
}

// ParseGCCConferenceCreateResponse decodes the GCC response and its server data blocks.
func ParseGCCConferenceCreateResponse(data []byte) (*GCCConferenceCreateResponse, error) {
	r := codec.NewReader(data)
	if err := readGCCHeader(r); err != nil {
		return nil, fmt.Errorf("conference create response: %w", err)
	}

	start := r.Offset()
	choice, err := codec.ReadPERChoice(r)
	if err != nil {
		return nil, err
	}
	if choice != GCC_CONFERENCE_CREATE_RESPONSE {
		return nil, fmt.Errorf("%w: conference create response choice 0x%02X", codec.ErrMalformed, choice)
	}
	if _, err := codec.ReadPERInteger16(r, MCS_USER_ID_BASE); err != nil {
		return nil, err
	}
	if _, err := codec.ReadPERInteger(r); err != nil {
		return nil, err
	}
	if _, err := codec.ReadPEREnumerated(r, 16); err != nil {
		return nil, err
	}
	if _, err := codec.ReadPERNumberOfSets(r); err != nil {
		return nil, err
	}
	if _, err := codec.ReadPERChoice(r); err != nil {
		return nil, err
	}
	if _, err := codec.ReadPEROctetString(r, 4); err != nil {
		return nil, err
	}
	prefix := append([]byte(nil), data[start:r.Offset()]...)

	userData, err := codec.ReadPEROctetString(r, 0)
	if err != nil {
		return nil, fmt.Errorf("conference create response user data: %w", err)
	}
	blocks, err := ParseGCCDataBlocks(userData)
	if err != nil {
		return nil, err
	}
	return &GCCConferenceCreateResponse{Prefix: prefix, Blocks: blocks}, nil
}

func (g *GCCConferenceCreateResponse) Encode() []byte {
	prefix := g.Prefix
	if prefix == nil {
		prefix = gccResponsePrefix
	}
	return encodeGCC(prefix, g.Blocks)
}

// Offsets into the client core data block body (MS-RDPBCGR 2.2.1.3.2).
const (
	clientCoreNameOffset              = 20
	clientCoreSelectedProtocolOffset  = 208
	clientCoreEarlyCapabilityOffset   = 142
	RNS_UD_CS_SUPPORT_ERRINFO_PDU     = 0x0001
	RNS_UD_CS_SUPPORT_DYNVC_GFX_PROTO = 0x0100
)

// ClientName returns the client computer name from a CS_CORE block.
func ClientName(core *GCCDataBlock) string {
	if core == nil || len(core.Data) < clientCoreNameOffset+32 {
		return ""
	}
	name, _ := codec.DecodeUTF16LE(core.Data[clientCoreNameOffset : clientCoreNameOffset+32])
	return name
}

// ServerSelectedProtocol returns the protocol recorded in a CS_CORE block,
// and false if the block is too short to carry it.
func ServerSelectedProtocol(core *GCCDataBlock) (uint32, bool) {
	if core == nil || len(core.Data) < clientCoreSelectedProtocolOffset+4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(core.Data[clientCoreSelectedProtocolOffset:]), true
}

// SetServerSelectedProtocol rewrites the selected protocol in place. Short
// blocks predate the field and are left untouched.
func SetServerSelectedProtocol(core *GCCDataBlock, protocol uint32) {
	if _, ok := ServerSelectedProtocol(core); ok {
		binary.LittleEndian.PutUint32(core.Data[clientCoreSelectedProtocolOffset:], protocol)
	}
}

// ChannelDef is a CHANNEL_DEF entry of the client network data.
type ChannelDef struct {
	Name    string
	Options uint32
}

// ClientNetworkData is the CS_NET block body.
type ClientNetworkData struct {
	Channels []ChannelDef
}

func ParseClientNetworkData(data []byte) (*ClientNetworkData, error) {
	r := codec.NewReader(data)
	count, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	if int(count)*12 > r.Remaining() {
		return nil, fmt.Errorf("%w: %d channel definitions", codec.ErrTruncated, count)
	}
	nd := &ClientNetworkData{Channels: make([]ChannelDef, 0, count)}
	for i := uint32(0); i < count; i++ {
		name, _ := r.Bytes(8)
		options, _ := r.Uint32LE()
		if n := bytes.IndexByte(name, 0); n >= 0 {
			name = name[:n]
		}
		nd.Channels = append(nd.Channels, ChannelDef{Name: string(name), Options: options})
	}
	return nd, nil
}

func (d *ClientNetworkData) Encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(d.Channels)))
	for _, ch := range d.Channels {
		var name [8]byte
		copy(name[:7], ch.Name)
		buf.Write(name[:])
		binary.Write(&buf, binary.LittleEndian, ch.Options)
	}
	return buf.Bytes()
}

// ServerNetworkData is the SC_NET block body.
type ServerNetworkData struct {
	MCSChannelID uint16
	ChannelIDs   []uint16
}

func ParseServerNetworkData(data []byte) (*ServerNetworkData, error) {
	r := codec.NewReader(data)
	nd := &ServerNetworkData{}
	var err error
	if nd.MCSChannelID, err = r.Uint16LE(); err != nil {
		return nil, err
	}
	count, err := r.Uint16LE()
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < count; i++ {
		id, err := r.Uint16LE()
		if err != nil {
			return nil, fmt.Errorf("server network data: %w", err)
		}
		nd.ChannelIDs = append(nd.ChannelIDs, id)
	}
	return nd, nil
}

func (d *ServerNetworkData) Encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, d.MCSChannelID)
	binary.Write(&buf, binary.LittleEndian, uint16(len(d.ChannelIDs)))
	for _, id := range d.ChannelIDs {
		binary.Write(&buf, binary.LittleEndian, id)
	}
	if len(d.ChannelIDs)%2 == 1 {
		buf.Write([]byte{0, 0})
	}
	return buf.Bytes()
}

// ClientSecurityData is the CS_SECURITY block body.
type ClientSecurityData struct {
	EncryptionMethods    uint32
	ExtEncryptionMethods uint32
}

func ParseClientSecurityData(data []byte) (*ClientSecurityData, error) {
	r := codec.NewReader(data)
	sd := &ClientSecurityData{}
	var err error
	if sd.EncryptionMethods, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if sd.ExtEncryptionMethods, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	return sd, nil
}

func (d *ClientSecurityData) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, d.EncryptionMethods)
	binary.LittleEndian.PutUint32(buf[4:], d.ExtEncryptionMethods)
	return buf
}

// ServerSecurityData is the SC_SECURITY block body. The random and
// certificate are only present when encryption is negotiated.
type ServerSecurityData struct {
	EncryptionMethod  uint32
	EncryptionLevel   uint32
	ServerRandom      []byte
	ServerCertificate []byte
}

func ParseServerSecurityData(data []byte) (*ServerSecurityData, error) {
	r := codec.NewReader(data)
	sd := &ServerSecurityData{}
	var err error
	if sd.EncryptionMethod, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if sd.EncryptionLevel, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if r.Empty() {
		return sd, nil
	}
	randomLen, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	certLen, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	if sd.ServerRandom, err = r.Bytes(int(randomLen)); err != nil {
		return nil, fmt.Errorf("server random: %w", err)
	}
	if sd.ServerCertificate, err = r.Bytes(int(certLen)); err != nil {
		return nil, fmt.Errorf("server certificate: %w", err)
	}
	return sd, nil
}

func (d *ServerSecurityData) Encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, d.EncryptionMethod)
	binary.Write(&buf, binary.LittleEndian, d.EncryptionLevel)
	if d.ServerRandom != nil || d.ServerCertificate != nil {
		binary.Write(&buf, binary.LittleEndian, uint32(len(d.ServerRandom)))
		binary.Write(&buf, binary.LittleEndian, uint32(len(d.ServerCertificate)))
		buf.Write(d.ServerRandom)
		buf.Write(d.ServerCertificate)
	}
	return buf.Bytes()
}
