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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type keyPress struct {
	code    uint8
	release bool
}

func press(codes ...uint8) []keyPress {
	var out []keyPress
	for _, c := range codes {
		out = append(out, keyPress{c, false}, keyPress{c, true})
	}
	return out
}

func typeKeys(k *KeyboardState, keys []keyPress) (string, int) {
	var sb strings.Builder
	enters := 0
	for _, kp := range keys {
		text, enter := k.ScanCode(kp.code, kp.release)
		sb.WriteString(text)
		if enter {
			enters++
		}
	}
	return sb.String(), enters
}

func TestKeyboardStateScanCodes(t *testing.T) {
	tests := []struct {
		name   string
		keys   []keyPress
		want   string
		enters int
	}{
		{
			name: "lowercase",
			keys: press(0x23, 0x17), // h i
			want: "hi",
		},
		{
			name: "shift held",
			keys: append(append([]keyPress{{SCANCODE_LSHIFT, false}}, press(0x23, 0x02)...), keyPress{SCANCODE_LSHIFT, true}),
			want: "H!",
		},
		{
			name: "caps lock only affects letters",
			keys: press(SCANCODE_CAPSLOCK, 0x1E, 0x02, SCANCODE_CAPSLOCK, 0x1E),
			want: "A1a",
		},
		{
			name: "caps and shift cancel",
			keys: append(append(press(SCANCODE_CAPSLOCK), keyPress{SCANCODE_RSHIFT, false}), press(0x1E)...),
			want: "a",
		},
		{
			name: "markers",
			keys: append(append([]keyPress{{SCANCODE_CTRL, false}}, press(0x1E)...), append([]keyPress{{SCANCODE_CTRL, true}}, press(SCANCODE_BACKSPACE, SCANCODE_TAB)...)...),
			want: "<ctrl-a><backspace><tab>",
		},
		{
			name: "ctrl swallows other letters",
			keys: append([]keyPress{{SCANCODE_CTRL, false}}, press(0x2E)...),
			want: "",
		},
		{
			name:   "enter",
			keys:   press(0x1E, SCANCODE_ENTER),
			want:   "a",
			enters: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var k KeyboardState
			got, enters := typeKeys(&k, tt.keys)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.enters, enters)
		})
	}
}

func TestKeyboardStateUnicode(t *testing.T) {
	var k KeyboardState
	text, _ := k.FastPathInput(NewFastPathUnicodeEvent('é', false))
	assert.Equal(t, "é", text)
	text, _ = k.FastPathInput(NewFastPathUnicodeEvent('é', true))
	assert.Equal(t, "", text)
	_, enter := k.Unicode('\r', false)
	assert.True(t, enter)
	text, _ = k.Unicode(0xD83D, false)
	assert.Equal(t, "", text)
}

func TestKeyboardStateExtendedKeys(t *testing.T) {
	var k KeyboardState
	// keypad divide shares the '/' scan code but is extended
	text, _ := k.FastPathInput(FastPathInputEvent{Code: FASTPATH_INPUT_EVENT_SCANCODE, Flags: FASTPATH_INPUT_KBDFLAGS_EXTENDED, Data: []byte{0x35}})
	assert.Equal(t, "", text)
	_, enter := k.FastPathInput(FastPathInputEvent{Code: FASTPATH_INPUT_EVENT_SCANCODE, Flags: FASTPATH_INPUT_KBDFLAGS_EXTENDED, Data: []byte{SCANCODE_ENTER}})
	assert.True(t, enter)
}

func TestKeyboardStateSlowPath(t *testing.T) {
	event := func(code uint16, flags uint16) SlowPathInputEvent {
		ev := SlowPathInputEvent{MessageType: INPUT_EVENT_SCANCODE}
		ev.Data[0], ev.Data[1] = byte(flags), byte(flags>>8)
		ev.Data[2], ev.Data[3] = byte(code), byte(code>>8)
		return ev
	}
	var k KeyboardState
	k.SlowPathInput(event(SCANCODE_LSHIFT, KBDFLAGS_DOWN))
	text, _ := k.SlowPathInput(event(0x1F, KBDFLAGS_DOWN))
	assert.Equal(t, "S", text)
	k.SlowPathInput(event(SCANCODE_LSHIFT, KBDFLAGS_RELEASE))
	text, _ = k.SlowPathInput(event(0x1F, KBDFLAGS_DOWN))
	assert.Equal(t, "s", text)

	k.SlowPathInput(event(SCANCODE_LSHIFT, KBDFLAGS_DOWN))
	k.Reset()
	text, _ = k.SlowPathInput(event(0x1F, KBDFLAGS_DOWN))
	assert.Equal(t, "s", text)
}
