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

package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging. Use these keys consistently so
// that captured material can be grepped across sessions.
const (
	// Session & connection
	KeySession  = "session"   // Session identifier
	KeyClientIP = "client_ip" // Client address
	KeyTarget   = "target"    // Target server address
	KeyLeg      = "leg"       // Connection leg: client or server
	KeyProtocol = "protocol"  // Negotiated security protocol
	KeyState    = "state"     // Negotiation state

	// Channels
	KeyChannel   = "channel"    // Static or dynamic virtual channel name
	KeyChannelID = "channel_id" // MCS or dynamic channel id

	// Device redirection
	KeyDeviceID     = "device_id"     // Redirected device id
	KeyDeviceName   = "device_name"   // DOS name of a redirected device
	KeyCompletionID = "completion_id" // Device I/O completion id
	KeyFileID       = "file_id"       // Client-side file handle
	KeyPath         = "path"          // Remote file or directory path
	KeySize         = "size"          // Size in bytes
	KeyOffset       = "offset"        // File offset
	KeyHash         = "hash"          // SHA-256 of extracted content
	KeyStatus       = "status"        // NTSTATUS of a device I/O response

	// Credentials
	KeyUsername = "username" // Username
	KeyDomain   = "domain"   // Domain name
	KeyPassword = "password" // Captured password

	// Operation metadata
	KeyError     = "error"     // Error message
	KeyOperation = "operation" // Sub-operation type
	KeyCount     = "count"     // Item count
)

func Session(id string) slog.Attr {
	return slog.String(KeySession, id)
}

func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

func Target(addr string) slog.Attr {
	return slog.String(KeyTarget, addr)
}

func Leg(name string) slog.Attr {
	return slog.String(KeyLeg, name)
}

func Protocol(name string) slog.Attr {
	return slog.String(KeyProtocol, name)
}

func State(name string) slog.Attr {
	return slog.String(KeyState, name)
}

func Channel(name string) slog.Attr {
	return slog.String(KeyChannel, name)
}

func ChannelID(id uint32) slog.Attr {
	return slog.Any(KeyChannelID, id)
}

func DeviceID(id uint32) slog.Attr {
	return slog.Any(KeyDeviceID, id)
}

func DeviceName(name string) slog.Attr {
	return slog.String(KeyDeviceName, name)
}

func CompletionID(id uint32) slog.Attr {
	return slog.Any(KeyCompletionID, id)
}

func FileID(id uint32) slog.Attr {
	return slog.Any(KeyFileID, id)
}

func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

func Size(n uint64) slog.Attr {
	return slog.Uint64(KeySize, n)
}

func Offset(off uint64) slog.Attr {
	return slog.Uint64(KeyOffset, off)
}

func Hash(h string) slog.Attr {
	return slog.String(KeyHash, h)
}

// Status formats an NTSTATUS as hex.
func Status(code uint32) slog.Attr {
	return slog.String(KeyStatus, fmt.Sprintf("0x%08X", code))
}

func Username(name string) slog.Attr {
	return slog.String(KeyUsername, name)
}

func Domain(name string) slog.Attr {
	return slog.String(KeyDomain, name)
}

func Password(p string) slog.Attr {
	return slog.String(KeyPassword, p)
}

// Err returns an error attribute, or an empty attribute for a nil error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

func Count(n int) slog.Attr {
	return slog.Int(KeyCount, n)
}
