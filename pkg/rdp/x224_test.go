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
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestX224ConnectionRequest(t *testing.T) {
	// MS-RDPBCGR 4.1.1 without the TPKT header
	capture := mustHex(t, "27e00000000000436f6f6b69653a206d737473686173683d656c746f6e730d0a0100080000000000")

	pdu, err := ParseX224(capture)
	require.NoError(t, err)
	cr, ok := pdu.(*X224ConnectionRequest)
	require.True(t, ok)
	assert.Equal(t, "Cookie: mstshash=eltons\r\n", string(cr.Cookie))
	require.NotNil(t, cr.NegReq)
	assert.Equal(t, uint32(PROTOCOL_RDP), cr.RequestedProtocols())
	assert.Equal(t, capture, cr.Encode())

	clone := cr.Clone()
	clone.NegReq.Protocols = PROTOCOL_SSL
	clone.Cookie[0] = 'X'
	assert.Equal(t, uint32(PROTOCOL_RDP), cr.NegReq.Protocols, "clone must not share the negotiation request")
	assert.Equal(t, byte('C'), cr.Cookie[0])
}

func TestX224ConnectionRequestVariants(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		neg    *RDPNegReq
	}{
		{name: "bare"},
		{name: "cookie only", cookie: "Cookie: mstshash=testuser\r\n"},
		{name: "negotiation only", neg: NewRDPNegReq(PROTOCOL_SSL | PROTOCOL_HYBRID)},
		{name: "both", cookie: "Cookie: mstshash=a\r\n", neg: NewRDPNegReq(PROTOCOL_SSL)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cr := &X224ConnectionRequest{NegReq: tt.neg}
			if tt.cookie != "" {
				cr.Cookie = []byte(tt.cookie)
			}
			encoded := cr.Encode()
			if encoded[0] != uint8(len(encoded)-1) {
				t.Errorf("LengthIndicator = %v, want %v", encoded[0], len(encoded)-1)
			}

			pdu, err := ParseX224(encoded)
			require.NoError(t, err)
			got := pdu.(*X224ConnectionRequest)
			assert.Equal(t, tt.cookie, string(got.Cookie))
			assert.Equal(t, tt.neg, got.NegReq)
			assert.Equal(t, encoded, got.Encode())
		})
	}
}

func TestX224ConnectionConfirm(t *testing.T) {
	// MS-RDPBCGR 4.1.2 without the TPKT header
	capture := mustHex(t, "0ed000001234000200080000000000")

	pdu, err := ParseX224(capture)
	require.NoError(t, err)
	cc, ok := pdu.(*X224ConnectionConfirm)
	require.True(t, ok)
	assert.Equal(t, uint16(0x1234), cc.SrcRef)
	require.NotNil(t, cc.NegRsp)
	assert.Equal(t, uint32(PROTOCOL_RDP), cc.NegRsp.Protocols)
	assert.Equal(t, capture, cc.Encode())

	failure := &X224ConnectionConfirm{NegFailure: NewRDPNegFailure(HYBRID_REQUIRED_BY_SERVER)}
	pdu, err = ParseX224(failure.Encode())
	require.NoError(t, err)
	assert.Equal(t, failure, pdu)
}

func TestX224DataAndDisconnect(t *testing.T) {
	data := NewX224Data([]byte{0x28})
	pdu, err := ParseX224(data.Encode())
	require.NoError(t, err)
	assert.Equal(t, data, pdu)

	dr := &X224DisconnectRequest{SrcRef: 0x1234, Reason: 1}
	pdu, err = ParseX224(dr.Encode())
	require.NoError(t, err)
	got := pdu.(*X224DisconnectRequest)
	assert.Equal(t, dr.SrcRef, got.SrcRef)
	assert.Equal(t, dr.Reason, got.Reason)
}

func TestX224Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"length indicator mismatch", "0ed0000012340002000800000000"},
		{"unknown code", "06a000000000ff"},
		{"bad data length indicator", "03f080"},
		{"unknown negotiation type", "0ed000001234000900080000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseX224(mustHex(t, tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, codec.ErrMalformed) || errors.Is(err, codec.ErrTruncated), "got %v", err)
		})
	}
}
