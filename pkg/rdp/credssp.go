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

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

// CREDSSP_VERSION is the highest TSRequest version the relay speaks.
const CREDSSP_VERSION = 6

// OIDNTLMSSP identifies NTLM inside SPNEGO.
var OIDNTLMSSP = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 2, 10}

type NegoData []NegoToken

type NegoToken struct {
	Token []byte `asn1:"explicit,tag:0"`
}

// [MS-CSSP] Section 2.2.1: TSRequest
type TSRequest struct {
	Version     int      `asn1:"explicit,tag:0"`
	NegoTokens  NegoData `asn1:"explicit,optional,tag:1"`
	AuthInfo    []byte   `asn1:"explicit,optional,tag:2"`
	PubKeyAuth  []byte   `asn1:"explicit,optional,tag:3"`
	ErrorCode   int      `asn1:"explicit,optional,tag:4"`
	ClientNonce []byte   `asn1:"explicit,optional,tag:5"`
}

func ParseTSRequest(data []byte) (*TSRequest, error) {
	var req TSRequest
	rest, err := asn1.Unmarshal(data, &req)
	if err != nil {
		return nil, fmt.Errorf("%w: TSRequest: %v", codec.ErrMalformed, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after TSRequest", codec.ErrMalformed, len(rest))
	}
	return &req, nil
}

func (r *TSRequest) Encode() ([]byte, error) {
	data, err := asn1.Marshal(*r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TSRequest: %w", err)
	}
	return data, nil
}

// FirstToken returns the first negotiation token, or nil.
func (r *TSRequest) FirstToken() []byte {
	if len(r.NegoTokens) == 0 {
		return nil
	}
	return r.NegoTokens[0].Token
}

// TSRequestLength returns the total size of the DER TSRequest at the start
// of data, or 0 when more bytes are needed to tell.
func TSRequestLength(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, nil
	}
	if data[0] != 0x30 {
		return 0, fmt.Errorf("%w: TSRequest starts with 0x%02X", codec.ErrMalformed, data[0])
	}
	r := codec.NewReader(data[1:])
	n, err := codec.ReadBERLength(r)
	if err != nil {
		return 0, nil
	}
	return 1 + r.Offset() + n, nil
}

// UnwrapNegoToken returns the NTLM message carried in a CredSSP negotiation
// token and whether it was wrapped in SPNEGO.
func UnwrapNegoToken(token []byte) ([]byte, bool, error) {
	if bytes.HasPrefix(token, ntlmSignature) {
		return token, false, nil
	}
	var mech []byte
	if len(token) > 0 && token[0] == 0x60 {
		// GSS-API InitialContextToken framing
		var s spnego.SPNEGOToken
		if err := s.Unmarshal(token); err != nil {
			return nil, false, fmt.Errorf("%w: SPNEGO token: %v", codec.ErrMalformed, err)
		}
		if s.Init {
			mech = s.NegTokenInit.MechTokenBytes
		} else {
			mech = s.NegTokenResp.ResponseToken
		}
	} else {
		isInit, tok, err := spnego.UnmarshalNegToken(token)
		if err != nil {
			return nil, false, fmt.Errorf("%w: SPNEGO token: %v", codec.ErrMalformed, err)
		}
		switch v := tok.(type) {
		case spnego.NegTokenInit:
			mech = v.MechTokenBytes
		case spnego.NegTokenResp:
			mech = v.ResponseToken
		default:
			return nil, true, fmt.Errorf("%w: unexpected SPNEGO token (init=%t)", codec.ErrMalformed, isInit)
		}
	}
	if !bytes.HasPrefix(mech, ntlmSignature) {
		return nil, true, fmt.Errorf("%w: SPNEGO mechanism token is not NTLM", ErrUnsupported)
	}
	return mech, true, nil
}

// WrapNegoResponse wraps an NTLM message the way the peer wrapped its own:
// raw, or as a SPNEGO NegTokenResp with accept-incomplete.
func WrapNegoResponse(msg []byte, useSPNEGO bool) ([]byte, error) {
	if !useSPNEGO {
		return msg, nil
	}
	resp := spnego.NegTokenResp{
		NegState:      asn1.Enumerated(1),
		SupportedMech: OIDNTLMSSP,
		ResponseToken: msg,
	}
	return resp.Marshal()
}
