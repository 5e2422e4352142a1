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

// Scan codes with special meaning to keystroke tracking (set 1, US layout)
const (
	SCANCODE_BACKSPACE = 0x0E
	SCANCODE_TAB       = 0x0F
	SCANCODE_ENTER     = 0x1C
	SCANCODE_CTRL      = 0x1D
	SCANCODE_LSHIFT    = 0x2A
	SCANCODE_RSHIFT    = 0x36
	SCANCODE_ALT       = 0x38
	SCANCODE_SPACE     = 0x39
	SCANCODE_CAPSLOCK  = 0x3A
)

type scanKey struct {
	normal, shifted byte
}

var usScanCodes = map[uint8]scanKey{
	0x02: {'1', '!'}, 0x03: {'2', '@'}, 0x04: {'3', '#'}, 0x05: {'4', '$'},
	0x06: {'5', '%'}, 0x07: {'6', '^'}, 0x08: {'7', '&'}, 0x09: {'8', '*'},
	0x0A: {'9', '('}, 0x0B: {'0', ')'}, 0x0C: {'-', '_'}, 0x0D: {'=', '+'},
	0x10: {'q', 'Q'}, 0x11: {'w', 'W'}, 0x12: {'e', 'E'}, 0x13: {'r', 'R'},
	0x14: {'t', 'T'}, 0x15: {'y', 'Y'}, 0x16: {'u', 'U'}, 0x17: {'i', 'I'},
	0x18: {'o', 'O'}, 0x19: {'p', 'P'}, 0x1A: {'[', '{'}, 0x1B: {']', '}'},
	0x1E: {'a', 'A'}, 0x1F: {'s', 'S'}, 0x20: {'d', 'D'}, 0x21: {'f', 'F'},
	0x22: {'g', 'G'}, 0x23: {'h', 'H'}, 0x24: {'j', 'J'}, 0x25: {'k', 'K'},
	0x26: {'l', 'L'}, 0x27: {';', ':'}, 0x28: {'\'', '"'}, 0x29: {'`', '~'},
	0x2B: {'\\', '|'}, 0x2C: {'z', 'Z'}, 0x2D: {'x', 'X'}, 0x2E: {'c', 'C'},
	0x2F: {'v', 'V'}, 0x30: {'b', 'B'}, 0x31: {'n', 'N'}, 0x32: {'m', 'M'},
	0x33: {',', '<'}, 0x34: {'.', '>'}, 0x35: {'/', '?'}, 0x37: {'*', '*'},
	0x39: {' ', ' '},
	0x47: {'7', '7'}, 0x48: {'8', '8'}, 0x49: {'9', '9'}, 0x4A: {'-', '-'},
	0x4B: {'4', '4'}, 0x4C: {'5', '5'}, 0x4D: {'6', '6'}, 0x4E: {'+', '+'},
	0x4F: {'1', '1'}, 0x50: {'2', '2'}, 0x51: {'3', '3'}, 0x52: {'0', '0'},
	0x53: {'.', '.'},
}

// ScanCodeChar maps a key-down scan code to the character it types on a US
// keyboard. Caps lock only affects letters.
func ScanCodeChar(code uint8, shift, capsLock bool) (byte, bool) {
	k, ok := usScanCodes[code]
	if !ok {
		return 0, false
	}
	upper := shift
	if capsLock && k.normal >= 'a' && k.normal <= 'z' {
		upper = !upper
	}
	if upper {
		return k.shifted, true
	}
	return k.normal, true
}
