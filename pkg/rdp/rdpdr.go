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

// Device redirection shared header values (MS-RDPEFS 2.2.1.1)
const (
	RDPDR_CTYP_CORE = 0x4472
	RDPDR_CTYP_PRN  = 0x5052

	PAKID_CORE_SERVER_ANNOUNCE     = 0x496E
	PAKID_CORE_CLIENTID_CONFIRM    = 0x4343
	PAKID_CORE_CLIENT_NAME         = 0x434E
	PAKID_CORE_DEVICELIST_ANNOUNCE = 0x4441
	PAKID_CORE_DEVICE_REPLY        = 0x6472
	PAKID_CORE_DEVICE_IOREQUEST    = 0x4952
	PAKID_CORE_DEVICE_IOCOMPLETION = 0x4943
	PAKID_CORE_SERVER_CAPABILITY   = 0x5350
	PAKID_CORE_CLIENT_CAPABILITY   = 0x4350
	PAKID_CORE_DEVICELIST_REMOVE   = 0x444D
	PAKID_CORE_USER_LOGGEDON       = 0x554C
)

// Device types (MS-RDPEFS 2.2.1.3)
const (
	RDPDR_DTYP_SERIAL     = 0x00000001
	RDPDR_DTYP_PARALLEL   = 0x00000002
	RDPDR_DTYP_PRINT      = 0x00000004
	RDPDR_DTYP_FILESYSTEM = 0x00000008
	RDPDR_DTYP_SMARTCARD  = 0x00000020
)

// IRP major and minor functions (MS-RDPEFS 2.2.1.4)
const (
	IRP_MJ_CREATE                   = 0x00000000
	IRP_MJ_CLOSE                    = 0x00000002
	IRP_MJ_READ                     = 0x00000003
	IRP_MJ_WRITE                    = 0x00000004
	IRP_MJ_QUERY_INFORMATION        = 0x00000005
	IRP_MJ_SET_INFORMATION          = 0x00000006
	IRP_MJ_QUERY_VOLUME_INFORMATION = 0x0000000A
	IRP_MJ_SET_VOLUME_INFORMATION   = 0x0000000B
	IRP_MJ_DIRECTORY_CONTROL        = 0x0000000C
	IRP_MJ_DEVICE_CONTROL           = 0x0000000E
	IRP_MJ_LOCK_CONTROL             = 0x00000011

	IRP_MN_QUERY_DIRECTORY         = 0x00000001
	IRP_MN_NOTIFY_CHANGE_DIRECTORY = 0x00000002
)

// File access, options and attributes (MS-SMB2 / MS-FSCC)
const (
	FILE_READ_DATA               = 0x00000001
	FILE_READ_ATTRIBUTES         = 0x00000080
	GENERIC_READ                 = 0x80000000
	FILE_SHARE_READ              = 0x00000001
	FILE_OPEN                    = 0x00000001
	FILE_DIRECTORY_FILE          = 0x00000001
	FILE_NON_DIRECTORY_FILE      = 0x00000040
	FILE_SYNCHRONOUS_IO_NONALERT = 0x00000020

	FILE_ATTRIBUTE_DIRECTORY = 0x00000010

	FileBothDirectoryInformation = 0x00000003
)

// NTSTATUS values the relay inspects.
const (
	STATUS_SUCCESS       = 0x00000000
	STATUS_NO_MORE_FILES = 0x80000006
)

// DeviceRedirectionPDU is an RDPDR message: shared header plus body.
type DeviceRedirectionPDU struct {
	Component uint16
	PacketID  uint16
	Payload   []byte
}

func ParseDeviceRedirection(data []byte) (*DeviceRedirectionPDU, error) {
	r := codec.NewReader(data)
	p := &DeviceRedirectionPDU{}
	var err error
	if p.Component, err = r.Uint16LE(); err != nil {
		return nil, err
	}
	if p.PacketID, err = r.Uint16LE(); err != nil {
		return nil, err
	}
	p.Payload = r.Rest()
	return p, nil
}

func (p *DeviceRedirectionPDU) Encode() []byte {
	buf := make([]byte, 4, 4+len(p.Payload))
	binary.LittleEndian.PutUint16(buf, p.Component)
	binary.LittleEndian.PutUint16(buf[2:], p.PacketID)
	return append(buf, p.Payload...)
}

// NewCorePDU wraps payload in a core component header.
func NewCorePDU(packetID uint16, payload []byte) *DeviceRedirectionPDU {
	return &DeviceRedirectionPDU{Component: RDPDR_CTYP_CORE, PacketID: packetID, Payload: payload}
}

// DeviceAnnounce is DEVICE_ANNOUNCE (MS-RDPEFS 2.2.1.3).
type DeviceAnnounce struct {
	DeviceType uint32
	DeviceID   uint32
	DosName    string
	DeviceData []byte
}

func ParseDeviceListAnnounce(payload []byte) ([]DeviceAnnounce, error) {
	r := codec.NewReader(payload)
	count, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	devices := make([]DeviceAnnounce, 0, min(count, 64))
	for i := uint32(0); i < count; i++ {
		var d DeviceAnnounce
		if d.DeviceType, err = r.Uint32LE(); err != nil {
			return nil, err
		}
		if d.DeviceID, err = r.Uint32LE(); err != nil {
			return nil, err
		}
		name, err := r.Bytes(8)
		if err != nil {
			return nil, err
		}
		if n := bytes.IndexByte(name, 0); n >= 0 {
			name = name[:n]
		}
		d.DosName = string(name)
		dataLen, err := r.Uint32LE()
		if err != nil {
			return nil, err
		}
		if d.DeviceData, err = r.Bytes(int(dataLen)); err != nil {
			return nil, fmt.Errorf("device %d data: %w", d.DeviceID, err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func EncodeDeviceListAnnounce(devices []DeviceAnnounce) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(devices)))
	for _, d := range devices {
		binary.Write(&buf, binary.LittleEndian, d.DeviceType)
		binary.Write(&buf, binary.LittleEndian, d.DeviceID)
		var name [8]byte
		copy(name[:7], d.DosName)
		buf.Write(name[:])
		binary.Write(&buf, binary.LittleEndian, uint32(len(d.DeviceData)))
		buf.Write(d.DeviceData)
	}
	return buf.Bytes()
}

func ParseDeviceListRemove(payload []byte) ([]uint32, error) {
	r := codec.NewReader(payload)
	count, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, min(count, 64))
	for i := uint32(0); i < count; i++ {
		id, err := r.Uint32LE()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func EncodeDeviceListRemove(ids []uint32) []byte {
	buf := make([]byte, 4+4*len(ids))
	binary.LittleEndian.PutUint32(buf, uint32(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(buf[4+4*i:], id)
	}
	return buf
}

// DeviceIORequest is DR_DEVICE_IOREQUEST; Payload holds the function-specific body.
type DeviceIORequest struct {
	DeviceID      uint32
	FileID        uint32
	CompletionID  uint32
	MajorFunction uint32
	MinorFunction uint32
	Payload       []byte
}

func ParseDeviceIORequest(payload []byte) (*DeviceIORequest, error) {
	r := codec.NewReader(payload)
	p := &DeviceIORequest{}
	for _, f := range []*uint32{&p.DeviceID, &p.FileID, &p.CompletionID, &p.MajorFunction, &p.MinorFunction} {
		v, err := r.Uint32LE()
		if err != nil {
			return nil, fmt.Errorf("device I/O request: %w", err)
		}
		*f = v
	}
	p.Payload = r.Rest()
	return p, nil
}

func (p *DeviceIORequest) Encode() []byte {
	buf := make([]byte, 20, 20+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:], p.DeviceID)
	binary.LittleEndian.PutUint32(buf[4:], p.FileID)
	binary.LittleEndian.PutUint32(buf[8:], p.CompletionID)
	binary.LittleEndian.PutUint32(buf[12:], p.MajorFunction)
	binary.LittleEndian.PutUint32(buf[16:], p.MinorFunction)
	return append(buf, p.Payload...)
}

// DeviceIOResponse is DR_DEVICE_IOCOMPLETION; Payload holds the body.
type DeviceIOResponse struct {
	DeviceID     uint32
	CompletionID uint32
	IoStatus     uint32
	Payload      []byte
}

func ParseDeviceIOResponse(payload []byte) (*DeviceIOResponse, error) {
	r := codec.NewReader(payload)
	p := &DeviceIOResponse{}
	for _, f := range []*uint32{&p.DeviceID, &p.CompletionID, &p.IoStatus} {
		v, err := r.Uint32LE()
		if err != nil {
			return nil, fmt.Errorf("device I/O response: %w", err)
		}
		*f = v
	}
	p.Payload = r.Rest()
	return p, nil
}

func (p *DeviceIOResponse) Encode() []byte {
	buf := make([]byte, 12, 12+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:], p.DeviceID)
	binary.LittleEndian.PutUint32(buf[4:], p.CompletionID)
	binary.LittleEndian.PutUint32(buf[8:], p.IoStatus)
	return append(buf, p.Payload...)
}

// DeviceCreateRequest is DR_CREATE_REQ.
type DeviceCreateRequest struct {
	DesiredAccess     uint32
	AllocationSize    uint64
	FileAttributes    uint32
	SharedAccess      uint32
	CreateDisposition uint32
	CreateOptions     uint32
	Path              string
}

func ParseDeviceCreateRequest(body []byte) (*DeviceCreateRequest, error) {
	r := codec.NewReader(body)
	p := &DeviceCreateRequest{}
	var err error
	if p.DesiredAccess, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if p.AllocationSize, err = r.Uint64LE(); err != nil {
		return nil, err
	}
	for _, f := range []*uint32{&p.FileAttributes, &p.SharedAccess, &p.CreateDisposition, &p.CreateOptions} {
		if *f, err = r.Uint32LE(); err != nil {
			return nil, err
		}
	}
	pathLen, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	path, err := r.Bytes(int(pathLen))
	if err != nil {
		return nil, fmt.Errorf("create request path: %w", err)
	}
	if p.Path, err = codec.DecodeUTF16LE(path); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *DeviceCreateRequest) Encode() []byte {
	path := codec.EncodeUTF16LEZ(p.Path)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, p.DesiredAccess)
	binary.Write(&buf, binary.LittleEndian, p.AllocationSize)
	binary.Write(&buf, binary.LittleEndian, p.FileAttributes)
	binary.Write(&buf, binary.LittleEndian, p.SharedAccess)
	binary.Write(&buf, binary.LittleEndian, p.CreateDisposition)
	binary.Write(&buf, binary.LittleEndian, p.CreateOptions)
	binary.Write(&buf, binary.LittleEndian, uint32(len(path)))
	buf.Write(path)
	return buf.Bytes()
}

// ReadIntent reports whether the open requests read access to a plain file.
func (p *DeviceCreateRequest) ReadIntent() bool {
	return p.DesiredAccess&(FILE_READ_DATA|GENERIC_READ) != 0 && p.CreateOptions&FILE_NON_DIRECTORY_FILE != 0
}

// DeviceCreateResponse is DR_CREATE_RSP.
type DeviceCreateResponse struct {
	FileID         uint32
	Information    uint8
	HasInformation bool
}

func ParseDeviceCreateResponse(body []byte) (*DeviceCreateResponse, error) {
	r := codec.NewReader(body)
	p := &DeviceCreateResponse{}
	var err error
	if p.FileID, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if !r.Empty() {
		p.Information, _ = r.Uint8()
		p.HasInformation = true
	}
	return p, nil
}

func (p *DeviceCreateResponse) Encode() []byte {
	buf := make([]byte, 4, 5)
	binary.LittleEndian.PutUint32(buf, p.FileID)
	if p.HasInformation {
		buf = append(buf, p.Information)
	}
	return buf
}

// EncodeDeviceCloseRequest returns the DR_CLOSE_REQ body (32 bytes of padding).
func EncodeDeviceCloseRequest() []byte { return make([]byte, 32) }

// DeviceReadRequest is DR_READ_REQ.
type DeviceReadRequest struct {
	Length uint32
	Offset uint64
}

func ParseDeviceReadRequest(body []byte) (*DeviceReadRequest, error) {
	r := codec.NewReader(body)
	p := &DeviceReadRequest{}
	var err error
	if p.Length, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	if p.Offset, err = r.Uint64LE(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *DeviceReadRequest) Encode() []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf, p.Length)
	binary.LittleEndian.PutUint64(buf[4:], p.Offset)
	return buf
}

// ParseDeviceReadResponse returns the data of a DR_READ_RSP.
func ParseDeviceReadResponse(body []byte) ([]byte, error) {
	r := codec.NewReader(body)
	n, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	data, err := r.Bytes(int(n))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

func EncodeDeviceReadResponse(data []byte) []byte {
	buf := make([]byte, 4, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

// DeviceQueryDirectoryRequest is DR_DRIVE_QUERY_DIRECTORY_REQ.
type DeviceQueryDirectoryRequest struct {
	InformationClass uint32
	InitialQuery     bool
	Path             string
}

func ParseDeviceQueryDirectoryRequest(body []byte) (*DeviceQueryDirectoryRequest, error) {
	r := codec.NewReader(body)
	p := &DeviceQueryDirectoryRequest{}
	var err error
	if p.InformationClass, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	initial, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	p.InitialQuery = initial != 0
	pathLen, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(23); err != nil {
		return nil, err
	}
	path, err := r.Bytes(int(pathLen))
	if err != nil {
		return nil, fmt.Errorf("query directory path: %w", err)
	}
	if p.Path, err = codec.DecodeUTF16LE(path); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *DeviceQueryDirectoryRequest) Encode() []byte {
	var path []byte
	if p.InitialQuery {
		path = codec.EncodeUTF16LEZ(p.Path)
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, p.InformationClass)
	if p.InitialQuery {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(len(path)))
	buf.Write(make([]byte, 23))
	buf.Write(path)
	return buf.Bytes()
}

// FileDirectoryEntry is one FILE_BOTH_DIR_INFORMATION entry (MS-FSCC 2.4.8).
type FileDirectoryEntry struct {
	FileIndex      uint32
	CreationTime   uint64
	LastAccessTime uint64
	LastWriteTime  uint64
	ChangeTime     uint64
	EndOfFile      uint64
	AllocationSize uint64
	FileAttributes uint32
	EaSize         uint32
	ShortName      string
	FileName       string
}

func (e FileDirectoryEntry) IsDirectory() bool {
	return e.FileAttributes&FILE_ATTRIBUTE_DIRECTORY != 0
}

const fileBothDirInfoFixedSize = 94

// ParseQueryDirectoryResponse decodes the entries of a DR_DRIVE_QUERY_DIRECTORY_RSP
// that used FileBothDirectoryInformation.
func ParseQueryDirectoryResponse(body []byte) ([]FileDirectoryEntry, error) {
	r := codec.NewReader(body)
	n, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	buffer, err := r.Bytes(int(n))
	if err != nil {
		return nil, fmt.Errorf("query directory response: %w", err)
	}

	var entries []FileDirectoryEntry
	for offset := 0; offset < len(buffer); {
		entry, next, err := parseFileBothDirInfo(buffer[offset:])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		if next == 0 {
			break
		}
		offset += int(next)
	}
	return entries, nil
}

func parseFileBothDirInfo(b []byte) (FileDirectoryEntry, uint32, error) {
	var e FileDirectoryEntry
	r := codec.NewReader(b)
	next, err := r.Uint32LE()
	if err != nil {
		return e, 0, err
	}
	if r.Remaining() < fileBothDirInfoFixedSize-4 {
		return e, 0, fmt.Errorf("%w: directory entry of %d bytes", codec.ErrTruncated, len(b))
	}
	e.FileIndex, _ = r.Uint32LE()
	e.CreationTime, _ = r.Uint64LE()
	e.LastAccessTime, _ = r.Uint64LE()
	e.LastWriteTime, _ = r.Uint64LE()
	e.ChangeTime, _ = r.Uint64LE()
	e.EndOfFile, _ = r.Uint64LE()
	e.AllocationSize, _ = r.Uint64LE()
	e.FileAttributes, _ = r.Uint32LE()
	nameLen, _ := r.Uint32LE()
	e.EaSize, _ = r.Uint32LE()
	shortLen, _ := r.Uint8()
	_ = r.Skip(1)
	short, _ := r.Bytes(24)
	e.ShortName, _ = codec.DecodeUTF16LE(short[:min(int(shortLen), 24)])
	name, err := r.Bytes(int(nameLen))
	if err != nil {
		return e, 0, fmt.Errorf("directory entry name: %w", err)
	}
	if e.FileName, err = codec.DecodeUTF16LE(name); err != nil {
		return e, 0, err
	}
	return e, next, nil
}

// EncodeQueryDirectoryResponse builds a DR_DRIVE_QUERY_DIRECTORY_RSP body
// holding the given entries chained by NextEntryOffset.
func EncodeQueryDirectoryResponse(entries []FileDirectoryEntry) []byte {
	var buffer bytes.Buffer
	for i, e := range entries {
		name := codec.EncodeUTF16LE(e.FileName)
		short := codec.EncodeUTF16LE(e.ShortName)
		size := fileBothDirInfoFixedSize + len(name)
		next := uint32(0)
		if i < len(entries)-1 {
			next = uint32(size)
		}
		binary.Write(&buffer, binary.LittleEndian, next)
		binary.Write(&buffer, binary.LittleEndian, e.FileIndex)
		for _, v := range []uint64{e.CreationTime, e.LastAccessTime, e.LastWriteTime, e.ChangeTime, e.EndOfFile, e.AllocationSize} {
			binary.Write(&buffer, binary.LittleEndian, v)
		}
		binary.Write(&buffer, binary.LittleEndian, e.FileAttributes)
		binary.Write(&buffer, binary.LittleEndian, uint32(len(name)))
		binary.Write(&buffer, binary.LittleEndian, e.EaSize)
		var shortName [24]byte
		n := copy(shortName[:], short)
		buffer.WriteByte(uint8(n))
		buffer.WriteByte(0)
		buffer.Write(shortName[:])
		buffer.Write(name)
	}

	out := make([]byte, 4, 5+buffer.Len())
	binary.LittleEndian.PutUint32(out, uint32(buffer.Len()))
	out = append(out, buffer.Bytes()...)
	return append(out, 0) // padding
}
