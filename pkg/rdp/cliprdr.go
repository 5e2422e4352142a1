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

// Clipboard message types (MS-RDPECLIP 2.2.1)
const (
	CB_MONITOR_READY         = 0x0001
	CB_FORMAT_LIST           = 0x0002
	CB_FORMAT_LIST_RESPONSE  = 0x0003
	CB_FORMAT_DATA_REQUEST   = 0x0004
	CB_FORMAT_DATA_RESPONSE  = 0x0005
	CB_TEMP_DIRECTORY        = 0x0006
	CB_CLIP_CAPS             = 0x0007
	CB_FILECONTENTS_REQUEST  = 0x0008
	CB_FILECONTENTS_RESPONSE = 0x0009
	CB_LOCK_CLIPDATA         = 0x000A
	CB_UNLOCK_CLIPDATA       = 0x000B

	CB_RESPONSE_OK   = 0x0001
	CB_RESPONSE_FAIL = 0x0002
	CB_ASCII_NAMES   = 0x0004

	CB_CAPSTYPE_GENERAL        = 0x0001
	CB_USE_LONG_FORMAT_NAMES   = 0x00000002
	CB_STREAM_FILECLIP_ENABLED = 0x00000004

	FILECONTENTS_SIZE  = 0x00000001
	FILECONTENTS_RANGE = 0x00000002

	CF_TEXT        = 1
	CF_UNICODETEXT = 13

	FileGroupDescriptorWName = "FileGroupDescriptorW"
	fileDescriptorSize       = 592
)

var clipboardTypeNames = map[uint16]string{
	CB_MONITOR_READY:         "monitor ready",
	CB_FORMAT_LIST:           "format list",
	CB_FORMAT_LIST_RESPONSE:  "format list response",
	CB_FORMAT_DATA_REQUEST:   "format data request",
	CB_FORMAT_DATA_RESPONSE:  "format data response",
	CB_TEMP_DIRECTORY:        "temp directory",
	CB_CLIP_CAPS:             "capabilities",
	CB_FILECONTENTS_REQUEST:  "file contents request",
	CB_FILECONTENTS_RESPONSE: "file contents response",
	CB_LOCK_CLIPDATA:         "lock clipdata",
	CB_UNLOCK_CLIPDATA:       "unlock clipdata",
}

// ClipboardTypeName returns a readable name for a clipboard message type.
func ClipboardTypeName(msgType uint16) string {
	if name, ok := clipboardTypeNames[msgType]; ok {
		return name
	}
	return fmt.Sprintf("unknown (0x%04X)", msgType)
}

// ClipboardPDU is a clipboard message: CLIPRDR_HEADER plus data. Trailer
// keeps any padding that followed dataLen bytes.
type ClipboardPDU struct {
	MsgType  uint16
	MsgFlags uint16
	Data     []byte
	Trailer  []byte
}

func ParseClipboard(data []byte) (*ClipboardPDU, error) {
	r := codec.NewReader(data)
	p := &ClipboardPDU{}
	var err error
	if p.MsgType, err = r.Uint16LE(); err != nil {
		return nil, err
	}
	if p.MsgFlags, err = r.Uint16LE(); err != nil {
		return nil, err
	}
	n, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	if p.Data, err = r.Bytes(int(n)); err != nil {
		return nil, fmt.Errorf("clipboard %s: %w", ClipboardTypeName(p.MsgType), err)
	}
	if rest := r.Rest(); len(rest) > 0 {
		p.Trailer = rest
	}
	return p, nil
}

func (p *ClipboardPDU) Encode() []byte {
	buf := make([]byte, 8, 8+len(p.Data)+len(p.Trailer))
	binary.LittleEndian.PutUint16(buf, p.MsgType)
	binary.LittleEndian.PutUint16(buf[2:], p.MsgFlags)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(p.Data)))
	buf = append(buf, p.Data...)
	return append(buf, p.Trailer...)
}

func (p *ClipboardPDU) OK() bool { return p.MsgFlags&CB_RESPONSE_OK != 0 }

// NewFormatDataRequest builds a request for the given clipboard format.
func NewFormatDataRequest(formatID uint32) *ClipboardPDU {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, formatID)
	return &ClipboardPDU{MsgType: CB_FORMAT_DATA_REQUEST, Data: data}
}

// RequestedFormat returns the format ID of a format data request.
func (p *ClipboardPDU) RequestedFormat() (uint32, error) {
	return codec.NewReader(p.Data).Uint32LE()
}

// ClipboardFormat is one entry of a format list.
type ClipboardFormat struct {
	ID   uint32
	Name string
}

// ParseFormatList decodes a format list using long or short format names.
func ParseFormatList(data []byte, longNames bool) ([]ClipboardFormat, error) {
	r := codec.NewReader(data)
	var formats []ClipboardFormat
	for !r.Empty() {
		id, err := r.Uint32LE()
		if err != nil {
			return nil, err
		}
		f := ClipboardFormat{ID: id}
		if longNames {
			var name []byte
			for {
				unit, err := r.Bytes(2)
				if err != nil {
					return nil, fmt.Errorf("format name: %w", err)
				}
				if unit[0] == 0 && unit[1] == 0 {
					break
				}
				name = append(name, unit...)
			}
			f.Name, _ = codec.DecodeUTF16LE(name)
		} else {
			name, err := r.Bytes(32)
			if err != nil {
				return nil, fmt.Errorf("format name: %w", err)
			}
			f.Name, _ = codec.DecodeUTF16LE(name)
		}
		formats = append(formats, f)
	}
	return formats, nil
}

// FormatID returns the ID of the named format in a list, or 0.
func FormatID(formats []ClipboardFormat, name string) uint32 {
	for _, f := range formats {
		if f.Name == name {
			return f.ID
		}
	}
	return 0
}

// ClipboardGeneralFlags returns the general capability flags of a CB_CLIP_CAPS message.
func ClipboardGeneralFlags(data []byte) (uint32, bool) {
	r := codec.NewReader(data)
	count, err := r.Uint16LE()
	if err != nil || r.Skip(2) != nil {
		return 0, false
	}
	for i := uint16(0); i < count; i++ {
		capType, err1 := r.Uint16LE()
		length, err2 := r.Uint16LE()
		if err1 != nil || err2 != nil || length < 4 {
			return 0, false
		}
		body, err := r.Bytes(int(length) - 4)
		if err != nil {
			return 0, false
		}
		if capType == CB_CAPSTYPE_GENERAL && len(body) >= 8 {
			return binary.LittleEndian.Uint32(body[4:]), true
		}
	}
	return 0, false
}

// FileContentsRequest is CLIPRDR_FILECONTENTS_REQUEST.
type FileContentsRequest struct {
	StreamID    uint32
	Index       uint32
	Flags       uint32
	Position    uint64
	Requested   uint32
	ClipDataID  uint32
	HasClipData bool
}

func ParseFileContentsRequest(data []byte) (*FileContentsRequest, error) {
	r := codec.NewReader(data)
	p := &FileContentsRequest{}
	var err error
	if p.StreamID, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if p.Index, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if p.Flags, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	low, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	high, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	p.Position = uint64(high)<<32 | uint64(low)
	if p.Requested, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if r.Remaining() >= 4 {
		p.ClipDataID, _ = r.Uint32LE()
		p.HasClipData = true
	}
	return p, nil
}

func (p *FileContentsRequest) Encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, p.StreamID)
	binary.Write(&buf, binary.LittleEndian, p.Index)
	binary.Write(&buf, binary.LittleEndian, p.Flags)
	binary.Write(&buf, binary.LittleEndian, uint32(p.Position))
	binary.Write(&buf, binary.LittleEndian, uint32(p.Position>>32))
	binary.Write(&buf, binary.LittleEndian, p.Requested)
	if p.HasClipData {
		binary.Write(&buf, binary.LittleEndian, p.ClipDataID)
	}
	return buf.Bytes()
}

// FileContentsResponse is CLIPRDR_FILECONTENTS_RESPONSE.
type FileContentsResponse struct {
	StreamID uint32
	Data     []byte
}

func ParseFileContentsResponse(data []byte) (*FileContentsResponse, error) {
	r := codec.NewReader(data)
	id, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	return &FileContentsResponse{StreamID: id, Data: r.Rest()}, nil
}

// Size interprets the response to a FILECONTENTS_SIZE request.
func (p *FileContentsResponse) Size() (uint64, error) {
	return codec.NewReader(p.Data).Uint64LE()
}

// FileDescriptor is the useful part of a FILEDESCRIPTORW.
type FileDescriptor struct {
	Flags      uint32
	Attributes uint32
	Size       uint64
	Name       string
}

// ParseFileGroupDescriptor decodes a FileGroupDescriptorW format data response.
func ParseFileGroupDescriptor(data []byte) ([]FileDescriptor, error) {
	r := codec.NewReader(data)
	count, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	if int(count)*fileDescriptorSize > r.Remaining() {
		return nil, fmt.Errorf("%w: %d file descriptors", codec.ErrTruncated, count)
	}
	files := make([]FileDescriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		raw, _ := r.Bytes(fileDescriptorSize)
		d := FileDescriptor{
			Flags:      binary.LittleEndian.Uint32(raw[0:]),
			Attributes: binary.LittleEndian.Uint32(raw[36:]),
			Size:       uint64(binary.LittleEndian.Uint32(raw[64:]))<<32 | uint64(binary.LittleEndian.Uint32(raw[68:])),
		}
		d.Name, _ = codec.DecodeUTF16LE(raw[72:])
		files = append(files, d)
	}
	return files, nil
}

// EncodeFileGroupDescriptor builds a FileGroupDescriptorW payload.
func EncodeFileGroupDescriptor(files []FileDescriptor) []byte {
	out := make([]byte, 4, 4+len(files)*fileDescriptorSize)
	binary.LittleEndian.PutUint32(out, uint32(len(files)))
	for _, f := range files {
		raw := make([]byte, fileDescriptorSize)
		binary.LittleEndian.PutUint32(raw[0:], f.Flags)
		binary.LittleEndian.PutUint32(raw[36:], f.Attributes)
		binary.LittleEndian.PutUint32(raw[64:], uint32(f.Size>>32))
		binary.LittleEndian.PutUint32(raw[68:], uint32(f.Size))
		copy(raw[72:fileDescriptorSize-2], codec.EncodeUTF16LE(f.Name))
		out = append(out, raw...)
	}
	return out
}
