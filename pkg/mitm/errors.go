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
	"errors"
	"fmt"
)

var (
	// ErrNegotiationFailed ends a session whose protocol negotiation cannot
	// complete, after every configured fallback has been tried.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrSessionClosed is returned by operations posted to a session that
	// has already been torn down.
	ErrSessionClosed = errors.New("session closed")
)

// IOError is the completion error of a forged device I/O request that the
// client answered with a non-zero NTSTATUS.
type IOError struct {
	Operation string
	Status    uint32
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s failed with status 0x%08X", e.Operation, e.Status)
}
