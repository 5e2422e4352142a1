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

import "github.com/x-stp/rdp-mitm-go/pkg/rdp"

// State is a step of connection negotiation.
type State int

const (
	StateIdle State = iota
	StateConnectionRequested
	StateNegotiatedProtocol
	StateDomainConnected
	StateChannelsJoining
	StateActive
	StateClosed
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateConnectionRequested: "connection-requested",
	StateNegotiatedProtocol:  "negotiated-protocol",
	StateDomainConnected:     "domain-connected",
	StateChannelsJoining:     "channels-joining",
	StateActive:              "active",
	StateClosed:              "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MITMState is the mutable per-session state shared by the relay
// components. It is only touched from the session's loop.
type MITMState struct {
	State State

	// ForwardInput and ForwardOutput gate relaying of client input and
	// server output. Clearing them lets an operator take a session over.
	ForwardInput  bool
	ForwardOutput bool

	// RequestedProtocols is what the client asked for, SelectedProtocol what
	// the server (or the relay, during capture) picked.
	RequestedProtocols uint32
	SelectedProtocol   uint32

	// Fallback names the NLA fallback used, if any. At most one is taken.
	Fallback string

	LoggedIn bool

	UserID      uint16
	IOChannelID uint16
	ShareID     uint32
}

func NewMITMState() *MITMState {
	return &MITMState{
		ForwardInput:  true,
		ForwardOutput: true,
		UserID:        rdp.MCS_USER_ID_BASE,
		IOChannelID:   rdp.MCS_CHANNEL_GLOBAL,
	}
}

// TLS reports whether the selected protocol runs over TLS.
func (s *MITMState) TLS() bool {
	return rdp.IsTLSProtocol(s.SelectedProtocol)
}

// Side names one of the two legs of a session.
type Side int

const (
	// SideClient faces the real client
	SideClient Side = iota
	// SideServer faces the real server
	SideServer
)

func (s Side) String() string {
	if s == SideClient {
		return "client"
	}
	return "server"
}

// Peer returns the opposite side.
func (s Side) Peer() Side { return 1 - s }
