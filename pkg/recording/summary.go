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

package recording

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp"
)

// Summary is a Handler collecting what a replay reveals: typed text,
// clipboard contents, credentials, devices and files.
type Summary struct {
	Session         *SessionInfo
	Start, End      time.Time
	Counts          map[EventType]int
	Typed           []string
	Clipboard       []ClipboardData
	Credentials     []Credentials
	Devices         []DeviceInfo
	Files           []FileInfo
	DynamicChannels []string
	Logons          []rdp.LogonInfo

	keyboard rdp.KeyboardState
	line     strings.Builder
}

func NewSummary() *Summary {
	return &Summary{Counts: make(map[EventType]int)}
}

func (s *Summary) see(ev Event) {
	if s.Start.IsZero() {
		s.Start = ev.Timestamp
	}
	s.End = ev.Timestamp
	s.Counts[ev.Type]++
}

func (s *Summary) typed(text string, enter bool) {
	s.line.WriteString(text)
	if enter {
		s.flushLine()
	}
}

func (s *Summary) flushLine() {
	if s.line.Len() > 0 {
		s.Typed = append(s.Typed, s.line.String())
		s.line.Reset()
	}
}

func (s *Summary) FastPathInput(ev Event, events []rdp.FastPathInputEvent) error {
	s.see(ev)
	for _, e := range events {
		s.typed(s.keyboard.FastPathInput(e))
	}
	return nil
}

func (s *Summary) FastPathOutput(ev Event, _ []rdp.FastPathOutputUpdate) error {
	s.see(ev)
	return nil
}

func (s *Summary) SlowPath(ev Event, input bool, pdu *rdp.SlowPathPDU) error {
	s.see(ev)
	if pdu.Data == nil {
		return nil
	}
	switch {
	case input && pdu.Data.PDUType2 == rdp.PDUTYPE2_INPUT:
		events, err := rdp.ParseInputEvents(pdu.Payload)
		if err != nil {
			return err
		}
		for _, e := range events {
			s.typed(s.keyboard.SlowPathInput(e))
		}
	case !input && pdu.Data.PDUType2 == rdp.PDUTYPE2_SAVE_SESSION_INFO:
		info, err := rdp.ParseSaveSessionInfo(pdu.Payload)
		if err != nil {
			return err
		}
		if info.Username != "" {
			s.Logons = append(s.Logons, *info)
		}
	}
	return nil
}

func (s *Summary) Other(ev Event) error {
	s.see(ev)
	switch ev.Type {
	case EventConnectionStart:
		var info SessionInfo
		if err := ev.Decode(&info); err != nil {
			return err
		}
		s.Session = &info
	case EventClipboardData:
		var c ClipboardData
		if err := ev.Decode(&c); err != nil {
			return err
		}
		s.Clipboard = append(s.Clipboard, c)
	case EventCredentials:
		var c Credentials
		if err := ev.Decode(&c); err != nil {
			return err
		}
		s.Credentials = append(s.Credentials, c)
	case EventDeviceAnnounce:
		var d DeviceInfo
		if err := ev.Decode(&d); err != nil {
			return err
		}
		s.Devices = append(s.Devices, d)
	case EventFileExtracted:
		var f FileInfo
		if err := ev.Decode(&f); err != nil {
			return err
		}
		s.Files = append(s.Files, f)
	case EventDynamicChannel:
		s.DynamicChannels = append(s.DynamicChannels, string(ev.Payload))
	case EventConnectionClose:
		s.flushLine()
	}
	return nil
}

// Finish flushes text typed without a trailing Enter.
func (s *Summary) Finish() {
	s.flushLine()
}

// Write renders the summary as plain text.
func (s *Summary) Write(w io.Writer) error {
	p := &printer{w: w}
	if s.Session != nil {
		p.printf("session %s: %s -> %s", s.Session.SessionID, s.Session.Client, s.Session.Target)
		if s.Session.Protocol != "" {
			p.printf(" (%s)", s.Session.Protocol)
		}
		p.printf("\n")
	}
	if !s.Start.IsZero() {
		p.printf("recorded %s to %s (%s)\n", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339), s.End.Sub(s.Start).Round(time.Second))
	}

	types := make([]EventType, 0, len(s.Counts))
	for t := range s.Counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	p.printf("\nevents:\n")
	for _, t := range types {
		p.printf("  %-18s %d\n", t, s.Counts[t])
	}

	if len(s.Credentials) > 0 {
		p.printf("\ncredentials:\n")
		for _, c := range s.Credentials {
			switch {
			case c.Hash != "":
				p.printf("  [%s] %s\n", c.Source, c.Hash)
			default:
				p.printf("  [%s] %s\\%s : %s\n", c.Source, c.Domain, c.Username, c.Password)
			}
		}
	}
	if len(s.Logons) > 0 {
		p.printf("\nlogons:\n")
		for _, l := range s.Logons {
			p.printf("  %s\\%s (session %d)\n", l.Domain, l.Username, l.SessionID)
		}
	}
	if len(s.Typed) > 0 {
		p.printf("\nkeystrokes:\n")
		for _, line := range s.Typed {
			p.printf("  %s\n", line)
		}
	}
	if len(s.Clipboard) > 0 {
		p.printf("\nclipboard:\n")
		for _, c := range s.Clipboard {
			p.printf("  [%s] %q\n", c.Source, c.Text)
		}
	}
	if len(s.Devices) > 0 {
		p.printf("\ndevices:\n")
		for _, d := range s.Devices {
			p.printf("  %d %s (type 0x%X)\n", d.DeviceID, d.Name, d.DeviceType)
		}
	}
	if len(s.Files) > 0 {
		p.printf("\nfiles:\n")
		for _, f := range s.Files {
			dup := ""
			if f.Duplicate {
				dup = " (duplicate)"
			}
			p.printf("  %s %d bytes sha256:%s%s\n", f.Path, f.Size, f.Hash, dup)
		}
	}
	if len(s.DynamicChannels) > 0 {
		p.printf("\ndynamic channels: %s\n", strings.Join(s.DynamicChannels, ", "))
	}
	return p.err
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

var _ Handler = (*Summary)(nil)
