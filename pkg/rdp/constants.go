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

// RDP Protocol Constants with RFC/MS-RDPBCGR references

// Default RDP port as per MS-RDPBCGR section 2.2.1.1
const DefaultRDPPort = 3389

// TPKT Header Constants (RFC 1006)
const (
	TPKTVersion    = 3 // RFC 1006 section 6
	TPKTHeaderSize = 4 // Version(1) + Reserved(1) + Length(2)
)

// Fast-path header actions (MS-RDPBCGR section 2.2.8.1.2)
const (
	FASTPATH_ACTION_FASTPATH = 0x0
	FASTPATH_ACTION_X224     = 0x3

	FASTPATH_FLAG_SECURE_CHECKSUM = 0x1
	FASTPATH_FLAG_ENCRYPTED       = 0x2
)

// X.224 Constants (ITU-T X.224)
const (
	// TPDU Codes (ITU-T X.224 Table 13)
	X224_TPDU_CONNECTION_REQUEST = 0xE0 // CR - Connection Request
	X224_TPDU_CONNECTION_CONFIRM = 0xD0 // CC - Connection Confirm
	X224_TPDU_DISCONNECT_REQUEST = 0x80 // DR - Disconnect Request
	X224_TPDU_DATA               = 0xF0 // DT - Data
	X224_TPDU_ERROR              = 0x70 // ER - TPDU Error

	// Fixed header size for CR/CC/DR TPDUs: LI(1) + Code(1) + DST-REF(2) + SRC-REF(2) + Class(1)
	X224_CR_FIXED_SIZE = 7

	// Data TPDU header: LI(1) + Code(1) + EOT(1)
	X224_DATA_HEADER_SIZE = 3
)

// RDP Negotiation (MS-RDPBCGR section 2.2.1.1.1, 2.2.1.2.1, 2.2.1.2.2)
const (
	TYPE_RDP_NEG_REQ     = 0x01
	TYPE_RDP_NEG_RSP     = 0x02
	TYPE_RDP_NEG_FAILURE = 0x03

	PROTOCOL_RDP       = 0x00000000
	PROTOCOL_SSL       = 0x00000001
	PROTOCOL_HYBRID    = 0x00000002
	PROTOCOL_RDSTLS    = 0x00000004
	PROTOCOL_HYBRID_EX = 0x00000008

	// RDP_NEG_REQ flags
	RESTRICTED_ADMIN_MODE_REQUIRED          = 0x01
	REDIRECTED_AUTHENTICATION_MODE_REQUIRED = 0x02
	CORRELATION_INFO_PRESENT                = 0x08

	// RDP_NEG_FAILURE codes
	SSL_REQUIRED_BY_SERVER                = 0x00000001
	SSL_NOT_ALLOWED_BY_SERVER             = 0x00000002
	SSL_CERT_NOT_ON_SERVER                = 0x00000003
	INCONSISTENT_FLAGS                    = 0x00000004
	HYBRID_REQUIRED_BY_SERVER             = 0x00000005
	SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER = 0x00000006
)

// MCS Protocol Constants (ITU-T T.125)
const (
	// BER application tags of the connect PDUs (T.125 section 11.1)
	MCS_TAG_CONNECT_INITIAL  = 101
	MCS_TAG_CONNECT_RESPONSE = 102

	// Channel IDs
	MCS_CHANNEL_GLOBAL = 1003 // MS-RDPBCGR section 2.2.1.3.2
	MCS_USER_ID_BASE   = 1001 // PER offset for UserId fields

	// DomainMCSPDU choice indices (T.125 section 7, PER encoded in the top six bits)
	MCS_PDU_ERECT_DOMAIN_REQUEST          = 1
	MCS_PDU_DISCONNECT_PROVIDER_ULTIMATUM = 8
	MCS_PDU_ATTACH_USER_REQUEST           = 10
	MCS_PDU_ATTACH_USER_CONFIRM           = 11
	MCS_PDU_CHANNEL_JOIN_REQUEST          = 14
	MCS_PDU_CHANNEL_JOIN_CONFIRM          = 15
	MCS_PDU_SEND_DATA_REQUEST             = 25
	MCS_PDU_SEND_DATA_INDICATION          = 26

	MCS_RESULT_SUCCESSFUL = 0

	// Disconnect reasons (T.125 Reason)
	MCS_REASON_DOMAIN_DISCONNECTED = 0
	MCS_REASON_PROVIDER_INITIATED  = 1
	MCS_REASON_USER_REQUESTED      = 3
)

// T.124 GCC Constants
const (
	GCC_CONFERENCE_CREATE_REQUEST  = 0x00
	GCC_CONFERENCE_CREATE_RESPONSE = 0x14

	// User data block types (MS-RDPBCGR section 2.2.1.3.1)
	CS_CORE           = 0xC001
	CS_SECURITY       = 0xC002
	CS_NET            = 0xC003
	CS_CLUSTER        = 0xC004
	CS_MONITOR        = 0xC005
	CS_MCS_MSGCHANNEL = 0xC006
	CS_MONITOR_EX     = 0xC008
	CS_MULTITRANSPORT = 0xC00A

	SC_CORE           = 0x0C01
	SC_SECURITY       = 0x0C02
	SC_NET            = 0x0C03
	SC_MCS_MSGCHANNEL = 0x0C04
	SC_MULTITRANSPORT = 0x0C08

	// Channel option flags (MS-RDPBCGR section 2.2.1.3.4.1)
	CHANNEL_OPTION_INITIALIZED   = 0x80000000
	CHANNEL_OPTION_ENCRYPT_RDP   = 0x40000000
	CHANNEL_OPTION_COMPRESS_RDP  = 0x00800000
	CHANNEL_OPTION_SHOW_PROTOCOL = 0x00200000
)

// RDP PDU Types (MS-RDPBCGR section 2.2.8.1.1.1.1), low nibble of pduType
const (
	PDUTYPE_DEMANDACTIVEPDU  = 0x1
	PDUTYPE_CONFIRMACTIVEPDU = 0x3
	PDUTYPE_DEACTIVATEALLPDU = 0x6
	PDUTYPE_DATAPDU          = 0x7
	PDUTYPE_SERVER_REDIR_PKT = 0xA

	PDU_VERSION = 0x10
)

// Data PDU Types (MS-RDPBCGR section 2.2.8.1.1.1.2)
const (
	PDUTYPE2_UPDATE                      = 0x02
	PDUTYPE2_CONTROL                     = 0x14
	PDUTYPE2_POINTER                     = 0x1B
	PDUTYPE2_INPUT                       = 0x1C
	PDUTYPE2_SYNCHRONIZE                 = 0x1F
	PDUTYPE2_REFRESH_RECT                = 0x21
	PDUTYPE2_PLAY_SOUND                  = 0x22
	PDUTYPE2_SUPPRESS_OUTPUT             = 0x23
	PDUTYPE2_SHUTDOWN_REQUEST            = 0x24
	PDUTYPE2_SHUTDOWN_DENIED             = 0x25
	PDUTYPE2_SAVE_SESSION_INFO           = 0x26
	PDUTYPE2_FONTLIST                    = 0x27
	PDUTYPE2_FONTMAP                     = 0x28
	PDUTYPE2_SET_KEYBOARD_INDICATORS     = 0x29
	PDUTYPE2_BITMAPCACHE_PERSISTENT_LIST = 0x2B
	PDUTYPE2_SET_ERROR_INFO_PDU          = 0x2F
	PDUTYPE2_ARC_STATUS_PDU              = 0x32
	PDUTYPE2_STATUS_INFO_PDU             = 0x36
	PDUTYPE2_MONITOR_LAYOUT_PDU          = 0x37
)

// RDP Security Constants (MS-RDPBCGR)
const (
	// Encryption Methods (MS-RDPBCGR section 2.2.1.4.3)
	ENCRYPTION_METHOD_NONE   = 0x00000000
	ENCRYPTION_METHOD_40BIT  = 0x00000001
	ENCRYPTION_METHOD_128BIT = 0x00000002
	ENCRYPTION_METHOD_56BIT  = 0x00000008
	ENCRYPTION_METHOD_FIPS   = 0x00000010

	// Encryption Levels (MS-RDPBCGR section 2.2.1.4.3)
	ENCRYPTION_LEVEL_NONE              = 0x00000000
	ENCRYPTION_LEVEL_LOW               = 0x00000001
	ENCRYPTION_LEVEL_CLIENT_COMPATIBLE = 0x00000002
	ENCRYPTION_LEVEL_HIGH              = 0x00000003
	ENCRYPTION_LEVEL_FIPS              = 0x00000004
)

// Basic security header flags (MS-RDPBCGR section 2.2.8.1.1.2.1)
const (
	SEC_EXCHANGE_PKT       = 0x0001
	SEC_TRANSPORT_REQ      = 0x0002
	SEC_TRANSPORT_RSP      = 0x0004
	SEC_ENCRYPT            = 0x0008
	SEC_RESET_SEQNO        = 0x0010
	SEC_IGNORE_SEQNO       = 0x0020
	SEC_INFO_PKT           = 0x0040
	SEC_LICENSE_PKT        = 0x0080
	SEC_LICENSE_ENCRYPT_CS = 0x0200
	SEC_LICENSE_ENCRYPT_SC = 0x0200
	SEC_REDIRECTION_PKT    = 0x0400
	SEC_SECURE_CHECKSUM    = 0x0800
	SEC_AUTODETECT_REQ     = 0x1000
	SEC_AUTODETECT_RSP     = 0x2000
	SEC_HEARTBEAT          = 0x4000
	SEC_FLAGSHI_VALID      = 0x8000
)

// Client Info PDU flags (MS-RDPBCGR section 2.2.1.11.1.1)
const (
	INFO_MOUSE                  = 0x00000001
	INFO_DISABLECTRLALTDEL      = 0x00000002
	INFO_AUTOLOGON              = 0x00000008
	INFO_UNICODE                = 0x00000010
	INFO_MAXIMIZESHELL          = 0x00000020
	INFO_LOGONNOTIFY            = 0x00000040
	INFO_COMPRESSION            = 0x00000080
	INFO_ENABLEWINDOWSKEY       = 0x00000100
	INFO_REMOTECONSOLEAUDIO     = 0x00002000
	INFO_FORCE_ENCRYPTED_CS_PDU = 0x00004000
	INFO_RAIL                   = 0x00008000
	INFO_LOGONERRORS            = 0x00010000
	INFO_MOUSE_HAS_WHEEL        = 0x00020000
	INFO_PASSWORD_IS_SC_PIN     = 0x00040000
	INFO_NOAUDIOPLAYBACK        = 0x00080000
	INFO_USING_SAVED_CREDS      = 0x00100000
	INFO_AUDIOCAPTURE           = 0x00200000
	INFO_VIDEO_DISABLE          = 0x00400000
	INFO_RESERVED1              = 0x00800000
	INFO_RESERVED2              = 0x01000000
	INFO_HIDEF_RAIL_SUPPORTED   = 0x02000000

	CompressionTypeMask = 0x00001E00
)

// Capability Set Types (MS-RDPBCGR section 2.2.1.13.1)
const (
	CAPSTYPE_GENERAL                 = 0x0001
	CAPSTYPE_BITMAP                  = 0x0002
	CAPSTYPE_ORDER                   = 0x0003
	CAPSTYPE_BITMAPCACHE             = 0x0004
	CAPSTYPE_CONTROL                 = 0x0005
	CAPSTYPE_ACTIVATION              = 0x0007
	CAPSTYPE_POINTER                 = 0x0008
	CAPSTYPE_SHARE                   = 0x0009
	CAPSTYPE_COLORCACHE              = 0x000A
	CAPSTYPE_SOUND                   = 0x000C
	CAPSTYPE_INPUT                   = 0x000D
	CAPSTYPE_FONT                    = 0x000E
	CAPSTYPE_BRUSH                   = 0x000F
	CAPSTYPE_GLYPHCACHE              = 0x0010
	CAPSTYPE_OFFSCREENCACHE          = 0x0011
	CAPSTYPE_BITMAPCACHE_HOSTSUPPORT = 0x0012
	CAPSTYPE_BITMAPCACHE_REV2        = 0x0013
	CAPSTYPE_VIRTUALCHANNEL          = 0x0014
	CAPSTYPE_DRAWNINEGRIDCACHE       = 0x0015
	CAPSTYPE_DRAWGDIPLUS             = 0x0016
	CAPSTYPE_RAIL                    = 0x0017
	CAPSTYPE_WINDOW                  = 0x0018
	CAPSTYPE_COMPDESK                = 0x0019
	CAPSTYPE_MULTIFRAGMENTUPDATE     = 0x001A
	CAPSTYPE_LARGE_POINTER           = 0x001B
	CAPSTYPE_SURFACE_COMMANDS        = 0x001C
	CAPSTYPE_BITMAP_CODECS           = 0x001D

	// Virtual channel capability flags (MS-RDPBCGR section 2.2.7.1.10)
	VCCAPS_NO_COMPR    = 0x00000000
	VCCAPS_COMPR_SC    = 0x00000001
	VCCAPS_COMPR_CS_8K = 0x00000002
)

// Static virtual channel names handled by the relay.
const (
	ChannelClipboard         = "cliprdr"
	ChannelDeviceRedirection = "rdpdr"
	ChannelDynamic           = "drdynvc"
)
