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
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"
)

// Built-in crawler patterns, used when no pattern file is configured. Paths
// are device-relative and use backslashes, e.g. \Users\alice\notes.txt.
var (
	DefaultMatchPatterns = []string{
		"*.kdbx", "*.kdb", "*.keyx",
		"*.pem", "*.key", "*.pfx", "*.p12", "*.ppk",
		"*\\id_rsa*", "*\\id_ecdsa*", "*\\id_ed25519*",
		"*.ovpn", "*.rdp", "*.vnc",
		"*password*", "*passwd*", "*secret*", "*credential*",
		"*.docx", "*.xlsx", "*.pdf",
		"*\\.ssh", "*\\.aws\\*", "*\\.azure\\*",
		"*\\unattend.xml", "*\\sysprep.inf", "*\\web.config",
	}

	DefaultIgnorePatterns = []string{
		"*\\windows", "*\\windows\\*",
		"*\\program files", "*\\program files\\*",
		"*\\program files (x86)", "*\\program files (x86)\\*",
		"*\\programdata", "*\\programdata\\*",
		"*\\$recycle.bin", "*\\$recycle.bin\\*",
		"*\\system volume information", "*\\system volume information\\*",
		"*\\appdata\\local\\microsoft\\*", "*\\appdata\\local\\packages\\*",
		"*\\node_modules", "*\\.git",
	}
)

// Verdict is how a crawled path is classified.
type Verdict int

const (
	// VerdictNone matched no pattern.
	VerdictNone Verdict = iota
	// VerdictMatch matched a match pattern and no ignore pattern.
	VerdictMatch
	// VerdictIgnore matched an ignore pattern.
	VerdictIgnore
)

func (v Verdict) String() string {
	switch v {
	case VerdictMatch:
		return "match"
	case VerdictIgnore:
		return "ignore"
	default:
		return "none"
	}
}

// Patterns classifies paths with case-insensitive shell globs. Ignore
// patterns take precedence over match patterns. '*' and '?' also match the
// path separator and a backslash is a literal character.
type Patterns struct {
	match  []glob.Glob
	ignore []glob.Glob
}

// CompilePatterns compiles both glob lists.
func CompilePatterns(match, ignore []string) (*Patterns, error) {
	p := &Patterns{}
	var err error
	if p.match, err = compileGlobs(match); err != nil {
		return nil, fmt.Errorf("match patterns: %w", err)
	}
	if p.ignore, err = compileGlobs(ignore); err != nil {
		return nil, fmt.Errorf("ignore patterns: %w", err)
	}
	return p, nil
}

// LoadPatterns reads one glob per line from each file. An empty path selects
// the built-in list.
func LoadPatterns(matchFile, ignoreFile string) (*Patterns, error) {
	match, ignore := DefaultMatchPatterns, DefaultIgnorePatterns
	var err error
	if matchFile != "" {
		if match, err = readPatternFile(matchFile); err != nil {
			return nil, err
		}
	}
	if ignoreFile != "" {
		if ignore, err = readPatternFile(ignoreFile); err != nil {
			return nil, err
		}
	}
	return CompilePatterns(match, ignore)
}

func readPatternFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern file: %w", err)
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pattern file %s: %w", path, err)
	}
	return patterns, nil
}

// Classify returns the verdict for path.
func (p *Patterns) Classify(path string) Verdict {
	path = strings.ToLower(path)
	for _, g := range p.ignore {
		if g.Match(path) {
			return VerdictIgnore
		}
	}
	for _, g := range p.match {
		if g.Match(path) {
			return VerdictMatch
		}
	}
	return VerdictNone
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		// backslashes are Windows separators, not glob escapes
		g, err := glob.Compile(strings.ReplaceAll(strings.ToLower(pattern), `\`, `\\`))
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}
