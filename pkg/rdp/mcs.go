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
	"fmt"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

// DomainParameters is the T.125 DomainParameters sequence.
type DomainParameters struct {
	MaxChannelIDs   uint32
	MaxUserIDs      uint32
	MaxTokenIDs     uint32
	NumPriorities   uint32
	MinThroughput   uint32
	MaxHeight       uint32
	MaxMCSPDUSize   uint32
	ProtocolVersion uint32
}

func (p *DomainParameters) fields() []*uint32 {
	return []*uint32{
		&p.MaxChannelIDs, &p.MaxUserIDs, &p.MaxTokenIDs, &p.NumPriorities,
		&p.MinThroughput, &p.MaxHeight, &p.MaxMCSPDUSize, &p.ProtocolVersion,
	}
}

func readDomainParameters(r *codec.Reader) (DomainParameters, error) {
	var p DomainParameters
	if _, err := codec.ReadBERSequence(r); err != nil {
		return p, fmt.Errorf("domain parameters: %w", err)
	}
	for _, f := range p.fields() {
		v, err := codec.ReadBERInteger(r)
		if err != nil {
			return p, fmt.Errorf("domain parameters: %w", err)
		}
		*f = v
	}
	return p, nil
}

func writeDomainParameters(buf *bytes.Buffer, p DomainParameters) {
	var body bytes.Buffer
	for _, f := range p.fields() {
		codec.WriteBERInteger(&body, *f)
	}
	codec.WriteBERSequence(buf, body.Len())
	buf.Write(body.Bytes())
}

// MCSConnectInitial is the T.125 Connect-Initial PDU (MS-RDPBCGR 2.2.1.3).
type MCSConnectInitial struct {
	CallingDomainSelector []byte
	CalledDomainSelector  []byte
	UpwardFlag            bool
	Target                DomainParameters
	Minimum               DomainParameters
	Maximum               DomainParameters
	UserData              []byte // GCC Conference Create Request
}

// MCSConnectResponse is the T.125 Connect-Response PDU (MS-RDPBCGR 2.2.1.4).
type MCSConnectResponse struct {
	Result           uint8
	CalledConnectID  uint32
	DomainParameters DomainParameters
	UserData         []byte // GCC Conference Create Response
}

// MCSErectDomainRequest (MS-RDPBCGR 2.2.1.5).
type MCSErectDomainRequest struct {
	SubHeight   uint32
	SubInterval uint32
}

// MCSDisconnectProviderUltimatum (MS-RDPBCGR 2.2.2.3).
type MCSDisconnectProviderUltimatum struct {
	Reason uint8
}

// MCSAttachUserRequest (MS-RDPBCGR 2.2.1.6).
type MCSAttachUserRequest struct{}

// MCSAttachUserConfirm (MS-RDPBCGR 2.2.1.7).
type MCSAttachUserConfirm struct {
	Result       uint8
	Initiator    uint16
	HasInitiator bool
}

// MCSChannelJoinRequest (MS-RDPBCGR 2.2.1.8).
type MCSChannelJoinRequest struct {
	Initiator uint16
	ChannelID uint16
}

// MCSChannelJoinConfirm (MS-RDPBCGR 2.2.1.9).
type MCSChannelJoinConfirm struct {
	Result       uint8
	Initiator    uint16
	Requested    uint16
	ChannelID    uint16
	HasChannelID bool
}

// MCSSendDataRequest carries client-to-server channel data.
type MCSSendDataRequest struct {
	Initiator uint16
	ChannelID uint16
	Priority  uint8 // dataPriority and segmentation bits
	Payload   []byte
}

// MCSSendDataIndication carries server-to-client channel data.
type MCSSendDataIndication struct {
	Initiator uint16
	ChannelID uint16
	Priority  uint8
	Payload   []byte
}

const mcsDefaultPriority = 0x70

// NewMCSSendDataRequest builds a send data request with the default
// high-priority, begin+end segmentation flags.
func NewMCSSendDataRequest(initiator, channelID uint16, payload []byte) *MCSSendDataRequest {
	return &MCSSendDataRequest{Initiator: initiator, ChannelID: channelID, Priority: mcsDefaultPriority, Payload: payload}
}

// NewMCSSendDataIndication builds a send data indication with default flags.
func NewMCSSendDataIndication(initiator, channelID uint16, payload []byte) *MCSSendDataIndication {
	return &MCSSendDataIndication{Initiator: initiator, ChannelID: channelID, Priority: mcsDefaultPriority, Payload: payload}
}

// ParseMCS decodes an MCS PDU carried in an X.224 data TPDU.
func ParseMCS(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty MCS PDU", codec.ErrTruncated)
	}
	r := codec.NewReader(data)
	if data[0] == 0x7F {
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: MCS connect PDU", codec.ErrTruncated)
		}
		switch data[1] {
		case MCS_TAG_CONNECT_INITIAL:
			return parseConnectInitial(r)
		case MCS_TAG_CONNECT_RESPONSE:
			return parseConnectResponse(r)
		default:
			return nil, fmt.Errorf("%w: unsupported MCS connect tag %d", codec.ErrMalformed, data[1])
		}
	}

	header, _ := r.Uint8()
	switch header >> 2 {
	case MCS_PDU_ERECT_DOMAIN_REQUEST:
		pdu := &MCSErectDomainRequest{}
		var err error
		if pdu.SubHeight, err = codec.ReadPERInteger(r); err != nil {
			return nil, err
		}
		if pdu.SubInterval, err = codec.ReadPERInteger(r); err != nil {
			return nil, err
		}
		return pdu, nil

	case MCS_PDU_DISCONNECT_PROVIDER_ULTIMATUM:
		b, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		return &MCSDisconnectProviderUltimatum{Reason: (header&0x01)<<1 | b>>7}, nil

	case MCS_PDU_ATTACH_USER_REQUEST:
		return &MCSAttachUserRequest{}, nil

	case MCS_PDU_ATTACH_USER_CONFIRM:
		pdu := &MCSAttachUserConfirm{HasInitiator: header&0x02 != 0}
		var err error
		if pdu.Result, err = codec.ReadPEREnumerated(r, 16); err != nil {
			return nil, err
		}
		if pdu.HasInitiator {
			if pdu.Initiator, err = codec.ReadPERInteger16(r, MCS_USER_ID_BASE); err != nil {
				return nil, err
			}
		}
		return pdu, nil

	case MCS_PDU_CHANNEL_JOIN_REQUEST:
		pdu := &MCSChannelJoinRequest{}
		var err error
		if pdu.Initiator, err = codec.ReadPERInteger16(r, MCS_USER_ID_BASE); err != nil {
			return nil, err
		}
		if pdu.ChannelID, err = codec.ReadPERInteger16(r, 0); err != nil {
			return nil, err
		}
		return pdu, nil

	case MCS_PDU_CHANNEL_JOIN_CONFIRM:
		pdu := &MCSChannelJoinConfirm{HasChannelID: header&0x02 != 0}
		var err error
		if pdu.Result, err = codec.ReadPEREnumerated(r, 16); err != nil {
			return nil, err
		}
		if pdu.Initiator, err = codec.ReadPERInteger16(r, MCS_USER_ID_BASE); err != nil {
			return nil, err
		}
		if pdu.Requested, err = codec.ReadPERInteger16(r, 0); err != nil {
			return nil, err
		}
		if pdu.HasChannelID {
			if pdu.ChannelID, err = codec.ReadPERInteger16(r, 0); err != nil {
				return nil, err
			}
		}
		return pdu, nil

	case MCS_PDU_SEND_DATA_REQUEST, MCS_PDU_SEND_DATA_INDICATION:
		initiator, err := codec.ReadPERInteger16(r, MCS_USER_ID_BASE)
		if err != nil {
			return nil, err
		}
		channelID, err := codec.ReadPERInteger16(r, 0)
		if err != nil {
			return nil, err
		}
		priority, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		length, err := codec.ReadPERLength(r)
		if err != nil {
			return nil, err
		}
		payload, err := r.Bytes(length)
		if err != nil {
			return nil, err
		}
		if header>>2 == MCS_PDU_SEND_DATA_REQUEST {
			return &MCSSendDataRequest{Initiator: initiator, ChannelID: channelID, Priority: priority, Payload: payload}, nil
		}
		return &MCSSendDataIndication{Initiator: initiator, ChannelID: channelID, Priority: priority, Payload: payload}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported MCS domain PDU %d", codec.ErrMalformed, header>>2)
	}
}

func parseConnectInitial(r *codec.Reader) (*MCSConnectInitial, error) {
	if _, err := codec.ReadBERApplicationTag(r, MCS_TAG_CONNECT_INITIAL); err != nil {
		return nil, fmt.Errorf("connect initial: %w", err)
	}
	pdu := &MCSConnectInitial{}
	var err error
	if pdu.CallingDomainSelector, err = codec.ReadBEROctetString(r); err != nil {
		return nil, fmt.Errorf("connect initial: %w", err)
	}
	if pdu.CalledDomainSelector, err = codec.ReadBEROctetString(r); err != nil {
		return nil, fmt.Errorf("connect initial: %w", err)
	}
	if pdu.UpwardFlag, err = codec.ReadBERBoolean(r); err != nil {
		return nil, fmt.Errorf("connect initial: %w", err)
	}
	if pdu.Target, err = readDomainParameters(r); err != nil {
		return nil, err
	}
	if pdu.Minimum, err = readDomainParameters(r); err != nil {
		return nil, err
	}
	if pdu.Maximum, err = readDomainParameters(r); err != nil {
		return nil, err
	}
	if pdu.UserData, err = codec.ReadBEROctetString(r); err != nil {
		return nil, fmt.Errorf("connect initial: %w", err)
	}
	return pdu, nil
}

func parseConnectResponse(r *codec.Reader) (*MCSConnectResponse, error) {
	if _, err := codec.ReadBERApplicationTag(r, MCS_TAG_CONNECT_RESPONSE); err != nil {
		return nil, fmt.Errorf("connect response: %w", err)
	}
	pdu := &MCSConnectResponse{}
	var err error
	if pdu.Result, err = codec.ReadBEREnumerated(r); err != nil {
		return nil, fmt.Errorf("connect response: %w", err)
	}
	if pdu.CalledConnectID, err = codec.ReadBERInteger(r); err != nil {
		return nil, fmt.Errorf("connect response: %w", err)
	}
	if pdu.DomainParameters, err = readDomainParameters(r); err != nil {
		return nil, err
	}
	if pdu.UserData, err = codec.ReadBEROctetString(r); err != nil {
		return nil, fmt.Errorf("connect response: %w", err)
	}
	return pdu, nil
}

// Encode serializes the Connect-Initial PDU.
func (p *MCSConnectInitial) Encode() []byte {
	var body bytes.Buffer
	codec.WriteBEROctetString(&body, p.CallingDomainSelector)
	codec.WriteBEROctetString(&body, p.CalledDomainSelector)
	codec.WriteBERBoolean(&body, p.UpwardFlag)
	writeDomainParameters(&body, p.Target)
	writeDomainParameters(&body, p.Minimum)
	writeDomainParameters(&body, p.Maximum)
	codec.WriteBEROctetString(&body, p.UserData)

	var buf bytes.Buffer
	codec.WriteBERApplicationTag(&buf, MCS_TAG_CONNECT_INITIAL, body.Len())
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// Encode serializes the Connect-Response PDU.
func (p *MCSConnectResponse) Encode() []byte {
	var body bytes.Buffer
	codec.WriteBEREnumerated(&body, p.Result)
	codec.WriteBERInteger(&body, p.CalledConnectID)
	writeDomainParameters(&body, p.DomainParameters)
	codec.WriteBEROctetString(&body, p.UserData)

	var buf bytes.Buffer
	codec.WriteBERApplicationTag(&buf, MCS_TAG_CONNECT_RESPONSE, body.Len())
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func (p *MCSErectDomainRequest) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(MCS_PDU_ERECT_DOMAIN_REQUEST << 2)
	codec.WritePERInteger(&buf, p.SubHeight)
	codec.WritePERInteger(&buf, p.SubInterval)
	return buf.Bytes()
}

func (p *MCSDisconnectProviderUltimatum) Encode() []byte {
	return []byte{
		MCS_PDU_DISCONNECT_PROVIDER_ULTIMATUM<<2 | (p.Reason>>1)&0x01,
		(p.Reason & 0x01) << 7,
	}
}

func (p *MCSAttachUserRequest) Encode() []byte {
	return []byte{MCS_PDU_ATTACH_USER_REQUEST << 2}
}

func (p *MCSAttachUserConfirm) Encode() []byte {
	var buf bytes.Buffer
	header := uint8(MCS_PDU_ATTACH_USER_CONFIRM << 2)
	if p.HasInitiator {
		header |= 0x02
	}
	buf.WriteByte(header)
	codec.WritePEREnumerated(&buf, p.Result)
	if p.HasInitiator {
		codec.WritePERInteger16(&buf, p.Initiator, MCS_USER_ID_BASE)
	}
	return buf.Bytes()
}

func (p *MCSChannelJoinRequest) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(MCS_PDU_CHANNEL_JOIN_REQUEST << 2)
	codec.WritePERInteger16(&buf, p.Initiator, MCS_USER_ID_BASE)
	codec.WritePERInteger16(&buf, p.ChannelID, 0)
	return buf.Bytes()
}

func (p *MCSChannelJoinConfirm) Encode() []byte {
	var buf bytes.Buffer
	header := uint8(MCS_PDU_CHANNEL_JOIN_CONFIRM << 2)
	if p.HasChannelID {
		header |= 0x02
	}
	buf.WriteByte(header)
	codec.WritePEREnumerated(&buf, p.Result)
	codec.WritePERInteger16(&buf, p.Initiator, MCS_USER_ID_BASE)
	codec.WritePERInteger16(&buf, p.Requested, 0)
	if p.HasChannelID {
		codec.WritePERInteger16(&buf, p.ChannelID, 0)
	}
	return buf.Bytes()
}

func encodeSendData(kind uint8, initiator, channelID uint16, priority uint8, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(kind << 2)
	codec.WritePERInteger16(&buf, initiator, MCS_USER_ID_BASE)
	codec.WritePERInteger16(&buf, channelID, 0)
	buf.WriteByte(priority)
	codec.WritePERLength(&buf, len(payload))
	buf.Write(payload)
	return buf.Bytes()
}

func (p *MCSSendDataRequest) Encode() []byte {
	return encodeSendData(MCS_PDU_SEND_DATA_REQUEST, p.Initiator, p.ChannelID, p.Priority, p.Payload)
}

func (p *MCSSendDataIndication) Encode() []byte {
	return encodeSendData(MCS_PDU_SEND_DATA_INDICATION, p.Initiator, p.ChannelID, p.Priority, p.Payload)
}
