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
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

func TestNTOWFv2(t *testing.T) {
	// MS-NLMP 4.2.4.1.1
	key := NTOWFv2("Password", "User", "Domain")
	assert.Equal(t, "0c868a403bfd7a93a3001ef22ef02e3f", hex.EncodeToString(key))
}

func TestNTLMNegotiate(t *testing.T) {
	neg := &NTLMNegotiate{Flags: NTLMSSP_NEGOTIATE_UNICODE | NTLMSSP_NEGOTIATE_SEAL | NTLMSSP_NEGOTIATE_KEY_EXCH}
	parsed, err := ParseNTLMNegotiate(neg.Encode())
	require.NoError(t, err)
	assert.Equal(t, neg, parsed)

	_, err = ParseNTLMNegotiate([]byte("NOTNTLM\x00\x01\x00\x00\x00"))
	assert.ErrorIs(t, err, codec.ErrMalformed)

	_, err = ParseNTLMChallenge(neg.Encode())
	assert.ErrorIs(t, err, codec.ErrMalformed, "wrong message type")
}

func TestNTLMChallenge(t *testing.T) {
	neg := &NTLMNegotiate{Flags: NTLMSSP_NEGOTIATE_SEAL | NTLMSSP_NEGOTIATE_128}
	sc := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c := NewNTLMChallenge(neg, sc, "RELAY", now)
	assert.NotZero(t, c.Flags&NTLMSSP_NEGOTIATE_SEAL)
	assert.NotZero(t, c.Flags&NTLMSSP_NEGOTIATE_128)
	assert.NotZero(t, c.Flags&NTLMSSP_NEGOTIATE_TARGET_INFO)

	parsed, err := ParseNTLMChallenge(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)

	// target info ends with MsvAvEOL and carries the timestamp
	info := parsed.TargetInfo
	assert.Equal(t, []byte{0, 0, 0, 0}, info[len(info)-4:])
	ts := info[len(info)-12 : len(info)-4]
	assert.Equal(t, fileTime(now), binary.LittleEndian.Uint64(ts))
}

func TestFileTime(t *testing.T) {
	assert.Equal(t, uint64(116444736000000000), fileTime(time.Unix(0, 0)))
}

func buildAuthenticate(t *testing.T, password, user, domain string, sc [8]byte) *NTLMAuthenticate {
	t.Helper()
	blob := append([]byte{0x01, 0x01, 0, 0, 0, 0, 0, 0}, make([]byte, 8)...)
	blob = append(blob, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}...)
	blob = append(blob, make([]byte, 4)...)

	proof := ComputeNTProof(NTOWFv2(password, user, domain), sc, blob)
	return &NTLMAuthenticate{
		Flags:               NTLMSSP_NEGOTIATE_UNICODE,
		LmChallengeResponse: make([]byte, 24),
		NtChallengeResponse: append(proof, blob...),
		Domain:              domain,
		User:                user,
		Workstation:         "WS01",
	}
}

func TestNTLMAuthenticate(t *testing.T) {
	sc := [8]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	auth := buildAuthenticate(t, "Summer2024!", "alice", "CORP", sc)

	parsed, err := ParseNTLMAuthenticate(auth.Encode())
	require.NoError(t, err)
	assert.Equal(t, auth.User, parsed.User)
	assert.Equal(t, auth.Domain, parsed.Domain)
	assert.Equal(t, auth.Workstation, parsed.Workstation)
	assert.Equal(t, auth.NtChallengeResponse, parsed.NtChallengeResponse)
	assert.True(t, parsed.IsNTLMv2())

	assert.True(t, VerifyNetNTLMv2(parsed, sc, "Summer2024!"))
	assert.False(t, VerifyNetNTLMv2(parsed, sc, "summer2024!"))
	assert.False(t, VerifyNetNTLMv2(parsed, [8]byte{}, "Summer2024!"))

	line, err := parsed.NetNTLMv2(sc)
	require.NoError(t, err)
	fields := strings.Split(line, ":")
	require.Len(t, fields, 6)
	assert.Equal(t, "alice", fields[0])
	assert.Equal(t, "", fields[1])
	assert.Equal(t, "CORP", fields[2])
	assert.Equal(t, "1122334455667788", fields[3])
	assert.Equal(t, hex.EncodeToString(parsed.NtChallengeResponse[:16]), fields[4])
	assert.Equal(t, hex.EncodeToString(parsed.NtChallengeResponse[16:]), fields[5])
}

func TestNTLMAuthenticateOEM(t *testing.T) {
	auth := &NTLMAuthenticate{User: "bob", Domain: "LAB", NtChallengeResponse: make([]byte, 24)}
	parsed, err := ParseNTLMAuthenticate(auth.Encode())
	require.NoError(t, err)
	assert.Equal(t, "bob", parsed.User)
	assert.False(t, parsed.IsNTLMv2())

	_, err = parsed.NetNTLMv2([8]byte{})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestNTLMFieldOutOfBounds(t *testing.T) {
	auth := buildAuthenticate(t, "x", "u", "d", [8]byte{})
	data := auth.Encode()
	// point the NT response past the end of the message
	binary.LittleEndian.PutUint32(data[24:28], uint32(len(data)))
	_, err := ParseNTLMAuthenticate(data)
	assert.ErrorIs(t, err, codec.ErrTruncated)
}
