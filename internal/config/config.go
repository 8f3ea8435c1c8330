// Package config parses the daemon's plain-text configuration file:
// defaults {}, connection {} and group {} blocks of key=value lines, with
// include/-include glob directives and # comments. The grammar is specific
// enough (three block kinds, glob includes, repeatable member-connection
// keys) that a small bufio.Scanner-based reader fits it better than a
// general-purpose ini/toml library would.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lstein/Net-ISP-Balance/internal/conn"
	"github.com/lstein/Net-ISP-Balance/internal/group"
)

// Global holds top-level (outside any block) configuration.
type Global struct {
	Debug int
}

// Snapshot is one fully-parsed, fully-validated configuration: every group
// member is already known to resolve to exactly one connection.
type Snapshot struct {
	Global      Global
	Connections []conn.Config
	Groups      []group.Config
}

// ParseError reports a configuration problem with the file:line it came
// from.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// block accumulates the key=value lines of one defaults{}/connection{}/
// group{} block before it is turned into a typed struct. members collects
// the repeatable member-connection key of a group block, which has list
// semantics (every occurrence appends, in order) unlike every other key.
type block struct {
	kind    string // "defaults", "connection", "group"
	vals    map[string]string
	members []string
	file    string
	line    int // line the block opened on, for error reporting
}

// Load reads and parses the configuration file at path, following any
// include/-include directives relative to the directory of the file that
// contains them, and returns a validated Snapshot.
func Load(path string) (*Snapshot, error) {
	p := &parser{visited: map[string]bool{}}
	if err := p.parseFile(path); err != nil {
		return nil, err
	}
	return p.build()
}

type parser struct {
	global      Global
	defaults    map[string]string
	connections []block
	groups      []block
	visited     map[string]bool
}

func (p *parser) parseFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: resolve path %s: %w", path, err)
	}
	if p.visited[abs] {
		return nil // already included; avoid include cycles
	}
	p.visited[abs] = true

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", abs, err)
	}
	defer f.Close()

	dir := filepath.Dir(abs)
	sc := bufio.NewScanner(f)
	lineNo := 0
	var cur *block

	for sc.Scan() {
		lineNo++
		line := stripComment(sc.Text())
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if cur == nil {
			switch {
			case trimmed == "defaults {" || trimmed == "defaults{":
				cur = &block{kind: "defaults", vals: map[string]string{}, file: abs, line: lineNo}
				continue
			case trimmed == "connection {" || trimmed == "connection{":
				cur = &block{kind: "connection", vals: map[string]string{}, file: abs, line: lineNo}
				continue
			case trimmed == "group {" || trimmed == "group{":
				cur = &block{kind: "group", vals: map[string]string{}, file: abs, line: lineNo}
				continue
			case strings.HasPrefix(trimmed, "-include "):
				pattern := strings.TrimSpace(strings.TrimPrefix(trimmed, "-include "))
				if err := p.include(dir, pattern, true); err != nil {
					return &ParseError{File: abs, Line: lineNo, Msg: err.Error()}
				}
				continue
			case strings.HasPrefix(trimmed, "include "):
				pattern := strings.TrimSpace(strings.TrimPrefix(trimmed, "include "))
				if err := p.include(dir, pattern, false); err != nil {
					return &ParseError{File: abs, Line: lineNo, Msg: err.Error()}
				}
				continue
			default:
				key, val, ok := splitKV(trimmed)
				if !ok {
					return &ParseError{File: abs, Line: lineNo, Msg: fmt.Sprintf("unrecognised top-level line %q", trimmed)}
				}
				if key != "debug" {
					return &ParseError{File: abs, Line: lineNo, Msg: fmt.Sprintf("unknown global key %q", key)}
				}
				n, err := strconv.Atoi(val)
				if err != nil {
					return &ParseError{File: abs, Line: lineNo, Msg: fmt.Sprintf("debug value %q is not an integer", val)}
				}
				p.global.Debug = n
				continue
			}
		}

		if trimmed == "}" {
			switch cur.kind {
			case "defaults":
				p.defaults = cur.vals
			case "connection":
				p.connections = append(p.connections, *cur)
			case "group":
				p.groups = append(p.groups, *cur)
			}
			cur = nil
			continue
		}

		key, val, ok := splitKV(trimmed)
		if !ok {
			return &ParseError{File: abs, Line: lineNo, Msg: fmt.Sprintf("malformed line %q inside %s block", trimmed, cur.kind)}
		}
		if cur.kind == "group" && key == "member-connection" {
			cur.members = append(cur.members, val)
			continue
		}
		if !knownKey(cur.kind, key) {
			return &ParseError{File: abs, Line: lineNo, Msg: fmt.Sprintf("unknown key %q in %s block", key, cur.kind)}
		}
		cur.vals[key] = val
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("config: read %s: %w", abs, err)
	}
	if cur != nil {
		return &ParseError{File: abs, Line: cur.line, Msg: fmt.Sprintf("unterminated %s block", cur.kind)}
	}
	return nil
}

// include expands pattern (relative to dir unless absolute) and parses
// every matching file in sorted order. A "-include" with no matches is
// silently skipped; a plain "include" with no matches is an error.
func (p *parser) include(dir, pattern string, optional bool) error {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("include %s: %w", pattern, err)
	}
	if len(matches) == 0 && !optional {
		return fmt.Errorf("include %s: no files matched", pattern)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := p.parseFile(m); err != nil {
			return err
		}
	}
	return nil
}

// connectionKeys are the keys accepted in connection{} blocks; the
// defaults{} block shares them, since a default is only meaningful for a
// key a connection block could also set directly. Any other key is a
// configuration error.
var connectionKeys = map[string]bool{
	"name": true, "check_ip": true, "source_ip": true, "device": true,
	"check_arp": true, "ttl": true, "interval_ms": true, "timeout_ms": true,
	"max_packet_loss": true, "min_packet_loss": true,
	"max_successive_pkts_lost": true, "min_successive_pkts_rcvd": true,
	"event_script": true, "notify_script": true,
	"long_down_event_script": true, "long_down_notify_script": true,
	"warn_email": true, "long_down_email": true, "long_down_time": true,
	"unknown_up_notify": true, "queue": true, "status": true,
	"startup_acceleration": true, "startup_burst_pkts": true,
	"startup_burst_interval": true,
}

var groupKeys = map[string]bool{
	"name": true, "logic": true, "members": true, "event_script": true,
	"notify_script": true, "warn_email": true, "unknown_up_notify": true,
	"device": true, "queue": true, "status": true,
}

func knownKey(kind, key string) bool {
	if kind == "group" {
		return groupKeys[key]
	}
	return connectionKeys[key]
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func splitKV(line string) (key, val string, ok bool) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}
