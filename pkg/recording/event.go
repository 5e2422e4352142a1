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

// Package recording persists what a session carries as a stream of typed,
// timestamped frames and reads such streams back for offline analysis.
//
// File format (all integers little-endian), repeated until EOF:
//   - Type:      uint16
//   - Timestamp: uint64, milliseconds since the Unix epoch
//   - Length:    uint32
//   - Payload:   Length bytes
package recording

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the payload of a frame.
type EventType uint16

const (
	// Connection metadata, JSON SessionInfo
	EventConnectionStart EventType = 1
	// Encoded client info PDU as sent by the client
	EventClientInfo EventType = 2
	// Encoded GCC client data blocks
	EventClientData EventType = 3
	// Plaintext fast-path frames
	EventFastPathInput  EventType = 4
	EventFastPathOutput EventType = 5
	// One encoded share control PDU
	EventSlowPathInput  EventType = 6
	EventSlowPathOutput EventType = 7
	// JSON ClipboardData
	EventClipboardData EventType = 8
	// JSON Credentials
	EventCredentials EventType = 9
	// JSON DeviceInfo
	EventDeviceAnnounce EventType = 10
	// JSON FileInfo
	EventFileExtracted EventType = 11
	// Name of a dynamic channel the server opened
	EventDynamicChannel EventType = 12
	// Empty payload
	EventConnectionClose EventType = 13
)

var eventNames = map[EventType]string{
	EventConnectionStart: "connection-start",
	EventClientInfo:      "client-info",
	EventClientData:      "client-data",
	EventFastPathInput:   "fast-path-input",
	EventFastPathOutput:  "fast-path-output",
	EventSlowPathInput:   "slow-path-input",
	EventSlowPathOutput:  "slow-path-output",
	EventClipboardData:   "clipboard-data",
	EventCredentials:     "credentials",
	EventDeviceAnnounce:  "device-announce",
	EventFileExtracted:   "file-extracted",
	EventDynamicChannel:  "dynamic-channel",
	EventConnectionClose: "connection-close",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event-%d", uint16(t))
}

// Event is one recorded frame. A zero Timestamp is filled in by the sink.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   []byte
}

// SessionInfo describes the two legs of a session.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	Client    string `json:"client"`
	Target    string `json:"target"`
	Protocol  string `json:"protocol,omitempty"`
}

// ClipboardData is text copied on one side of the session.
type ClipboardData struct {
	Source string `json:"source"` // client or server
	Text   string `json:"text"`
}

// Credentials is any credential material the relay observed.
type Credentials struct {
	Source   string `json:"source"` // client_info, netntlmv2, keystrokes
	Domain   string `json:"domain,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// DeviceInfo is a redirected device announced by the client.
type DeviceInfo struct {
	DeviceID   uint32 `json:"device_id"`
	DeviceType uint32 `json:"device_type"`
	Name       string `json:"name"`
}

// FileInfo is a file saved to the output tree.
type FileInfo struct {
	DeviceID  uint32 `json:"device_id"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Hash      string `json:"hash"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// NewJSONEvent builds an event whose payload is v encoded as JSON.
func NewJSONEvent(t EventType, v any) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", t, err)
	}
	return Event{Type: t, Payload: data}, nil
}

// Decode unmarshals a JSON payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s event: %w", e.Type, err)
	}
	return nil
}
