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

// Markers appended for keys without a printable character.
const (
	KeyMarkerCtrlA     = "<ctrl-a>"
	KeyMarkerBackspace = "<backspace>"
	KeyMarkerTab       = "<tab>"
)

// KeyboardState turns key events into typed text. It tracks modifier state
// across events of one direction of one connection.
type KeyboardState struct {
	shift bool
	caps  bool
	ctrl  bool
}

// ScanCode processes a scan code event. It returns the text the key produced
// (possibly a marker) and whether the key was Enter.
func (k *KeyboardState) ScanCode(code uint8, release bool) (text string, enter bool) {
	switch code {
	case SCANCODE_LSHIFT, SCANCODE_RSHIFT:
		k.shift = !release
		return "", false
	case SCANCODE_CTRL:
		k.ctrl = !release
		return "", false
	}
	if release {
		return "", false
	}

	switch code {
	case SCANCODE_CAPSLOCK:
		k.caps = !k.caps
		return "", false
	case SCANCODE_ENTER:
		return "", true
	case SCANCODE_BACKSPACE:
		return KeyMarkerBackspace, false
	case SCANCODE_TAB:
		return KeyMarkerTab, false
	}
	if k.ctrl {
		if code == 0x1E {
			return KeyMarkerCtrlA, false
		}
		return "", false
	}
	if c, ok := ScanCodeChar(code, k.shift, k.caps); ok {
		return string(c), false
	}
	return "", false
}

// Unicode processes a unicode keyboard event.
func (k *KeyboardState) Unicode(code uint16, release bool) (text string, enter bool) {
	if release {
		return "", false
	}
	switch code {
	case '\r', '\n':
		return "", true
	case '\b':
		return KeyMarkerBackspace, false
	case '\t':
		return KeyMarkerTab, false
	}
	if code < 0x20 || (code >= 0xD800 && code < 0xE000) {
		return "", false
	}
	return string(rune(code)), false
}

// FastPathInput dispatches a fast-path keyboard event.
func (k *KeyboardState) FastPathInput(ev FastPathInputEvent) (text string, enter bool) {
	release := ev.Flags&FASTPATH_INPUT_KBDFLAGS_RELEASE != 0
	switch ev.Code {
	case FASTPATH_INPUT_EVENT_SCANCODE:
		if ev.Flags&FASTPATH_INPUT_KBDFLAGS_EXTENDED != 0 {
			return k.extended(ev.ScanCode(), release)
		}
		return k.ScanCode(ev.ScanCode(), release)
	case FASTPATH_INPUT_EVENT_UNICODE:
		return k.Unicode(ev.UnicodeCode(), release)
	}
	return "", false
}

// SlowPathInput dispatches a slow-path keyboard event.
func (k *KeyboardState) SlowPathInput(ev SlowPathInputEvent) (text string, enter bool) {
	release := ev.KeyboardFlags()&KBDFLAGS_RELEASE != 0
	switch ev.MessageType {
	case INPUT_EVENT_SCANCODE:
		if ev.KeyboardFlags()&KBDFLAGS_EXTENDED != 0 {
			return k.extended(uint8(ev.KeyCode()), release)
		}
		return k.ScanCode(uint8(ev.KeyCode()), release)
	case INPUT_EVENT_UNICODE:
		return k.Unicode(ev.KeyCode(), release)
	}
	return "", false
}

// extended handles E0-prefixed keys: right ctrl and keypad enter keep their
// meaning, the rest (arrows, keypad divide...) type nothing.
func (k *KeyboardState) extended(code uint8, release bool) (string, bool) {
	switch code {
	case SCANCODE_CTRL, SCANCODE_ENTER:
		return k.ScanCode(code, release)
	}
	return "", false
}

// Reset clears all modifier state.
func (k *KeyboardState) Reset() {
	*k = KeyboardState{}
}
