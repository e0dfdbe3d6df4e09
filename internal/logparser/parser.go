// Package logparser recognizes SSH authentication and sudo invocation lines
// out of Linux and AIX syslog-style auth logs, plus journald JSON export
// records whose SYSLOG_IDENTIFIER names sshd. Syslog timestamps carry no
// year; callers supply a reference time and, for sequential scans, the last
// timestamp threaded from the previous line so a year boundary crossed mid
// file still parses monotonically (see ParseLine's year-rollover rule).
package logparser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/keyspider/keyspider/internal/model"
)

// AuthEvent is one parsed SSH authentication attempt, independent of any
// persisted server or key identity — the caller correlates those afterward.
type AuthEvent struct {
	Timestamp   time.Time
	SourceIP    string
	Username    string
	AuthMethod  string // publickey | password | keyboard-interactive, "" if absent
	EventType   model.EventType
	Fingerprint string // "" if absent
	Port        int    // 0 if absent
	PID         int    // 0 if absent
	RawLine     string
}

// SudoLine is one parsed sudo invocation.
type SudoLine struct {
	Timestamp  time.Time
	Username   string
	TargetUser string
	WorkingDir string
	TTY        string
	Command    string
	RawLine    string
}

// rolloverDays is the threshold (in days) beyond which a parsed timestamp that
// lands more than this far before lastTimestamp is assumed to belong to the
// prior year.
const rolloverDays = 300

// Linux/RHEL auth.log shape: "Mon D HH:MM:SS host sshd[PID]: message"
var (
	acceptedRE = regexp.MustCompile(
		`^(?P<ts>\w+\s+\d+\s+[\d:]+)\s+` +
			`(?P<host>\S+)\s+sshd\[(?P<pid>\d+)\]:\s+` +
			`Accepted\s+(?P<method>publickey|password|keyboard-interactive)\s+` +
			`for\s+(?P<user>\S+)\s+` +
			`from\s+(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
			`port\s+(?P<port>\d+)` +
			`(?:\s+ssh2:\s+\S+\s+(?P<fp>\S+))?`)

	failedRE = regexp.MustCompile(
		`^(?P<ts>\w+\s+\d+\s+[\d:]+)\s+` +
			`(?P<host>\S+)\s+sshd\[(?P<pid>\d+)\]:\s+` +
			`Failed\s+(?P<method>publickey|password|keyboard-interactive)\s+` +
			`for\s+(?:invalid user\s+)?(?P<user>\S+)\s+` +
			`from\s+(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
			`port\s+(?P<port>\d+)` +
			`(?:\s+ssh2:\s+\S+\s+(?P<fp>\S+))?`)

	invalidUserRE = regexp.MustCompile(
		`^(?P<ts>\w+\s+\d+\s+[\d:]+)\s+` +
			`(?P<host>\S+)\s+sshd\[(?P<pid>\d+)\]:\s+` +
			`Invalid user\s+(?P<user>\S+)\s+` +
			`from\s+(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
			`port\s+(?P<port>\d+)`)

	disconnectRE = regexp.MustCompile(
		`^(?P<ts>\w+\s+\d+\s+[\d:]+)\s+` +
			`(?P<host>\S+)\s+sshd\[(?P<pid>\d+)\]:\s+` +
			`Disconnected from\s+(?:authenticating\s+)?(?:user\s+(?P<user>\S+)\s+)?` +
			`(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
			`port\s+(?P<port>\d+)`)

	// AIX syslog shape: "Mon D HH:MM:SS host auth|security:info sshd[PID]: message"
	aixAcceptedRE = regexp.MustCompile(
		`^(?P<ts>\w+\s+\d+\s+[\d:]+)\s+` +
			`(?P<host>\S+)\s+(?:auth|security)[|:]\S*\s+` +
			`sshd\[(?P<pid>\d+)\]:\s+` +
			`Accepted\s+(?P<method>publickey|password|keyboard-interactive)\s+` +
			`for\s+(?P<user>\S+)\s+` +
			`from\s+(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
			`port\s+(?P<port>\d+)` +
			`(?:\s+ssh2:\s+\S+\s+(?P<fp>\S+))?`)

	aixFailedRE = regexp.MustCompile(
		`^(?P<ts>\w+\s+\d+\s+[\d:]+)\s+` +
			`(?P<host>\S+)\s+(?:auth|security)[|:]\S*\s+` +
			`sshd\[(?P<pid>\d+)\]:\s+` +
			`Failed\s+(?P<method>publickey|password|keyboard-interactive)\s+` +
			`for\s+(?:invalid user\s+)?(?P<user>\S+)\s+` +
			`from\s+(?P<ip>[\d.]+|[0-9a-fA-F:]+)\s+` +
			`port\s+(?P<port>\d+)` +
			`(?:\s+ssh2:\s+\S+\s+(?P<fp>\S+))?`)

	sudoRE = regexp.MustCompile(
		`^(?P<ts>\w+\s+\d+\s+[\d:]+)\s+` +
			`(?P<host>\S+)\s+sudo(?:\[\d+\])?:\s+` +
			`(?P<user>\S+)\s*:\s*TTY=(?P<tty>\S+)\s*;\s*` +
			`PWD=(?P<pwd>\S+)\s*;\s*USER=(?P<target>\S+)\s*;\s*` +
			`COMMAND=(?P<cmd>.+)$`)
)

type linePattern struct {
	re        *regexp.Regexp
	eventType model.EventType
}

var linuxPatterns = []linePattern{
	{acceptedRE, model.EventAccepted},
	{failedRE, model.EventFailed},
	{invalidUserRE, model.EventInvalidUser},
	{disconnectRE, model.EventDisconnected},
}

var aixPatterns = []linePattern{
	{aixAcceptedRE, model.EventAccepted},
	{aixFailedRE, model.EventFailed},
}

// namedGroup returns the named capture from m, or "" if the group did not
// participate in the match.
func namedGroup(re *regexp.Regexp, m []string, name string) string {
	for i, n := range re.SubexpNames() {
		if n == name {
			return m[i]
		}
	}
	return ""
}

// ParseLine parses one auth-log line. referenceTime supplies the year for
// the syslog timestamp; its zero value means the current UTC year is used.
// lastTimestamp, if non-nil, triggers the year-rollover heuristic: a parsed
// timestamp landing more than 300 days before it is assumed to be in the
// prior year. Returns ok=false for anything that is not a recognized SSH
// line, including an unparseable timestamp — the whole line is absent,
// never a partial event with a guessed time.
func ParseLine(line string, osType model.OSType, referenceTime time.Time, lastTimestamp *time.Time) (AuthEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.Contains(line, "sshd[") {
		return AuthEvent{}, false
	}

	patterns := linuxPatterns
	if osType == model.OSAIX {
		patterns = aixPatterns
	}

	for _, p := range patterns {
		m := p.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ts, ok := parseSyslogTimestamp(namedGroup(p.re, m, "ts"), referenceTime, lastTimestamp)
		if !ok {
			return AuthEvent{}, false
		}
		ev := AuthEvent{
			Timestamp:   ts,
			SourceIP:    namedGroup(p.re, m, "ip"),
			Username:    namedGroup(p.re, m, "user"),
			AuthMethod:  namedGroup(p.re, m, "method"),
			EventType:   p.eventType,
			Fingerprint: namedGroup(p.re, m, "fp"),
			RawLine:     line,
		}
		if ev.Username == "" {
			ev.Username = "unknown"
		}
		if port := namedGroup(p.re, m, "port"); port != "" {
			ev.Port, _ = strconv.Atoi(port)
		}
		if pid := namedGroup(p.re, m, "pid"); pid != "" {
			ev.PID, _ = strconv.Atoi(pid)
		}
		return ev, true
	}
	return AuthEvent{}, false
}

// ParseLog parses every line of content, threading the timestamp of each
// recognized event forward as the next line's lastTimestamp so the year
// rollover rule applies across the whole file monotonically.
func ParseLog(content string, osType model.OSType, referenceTime time.Time) []AuthEvent {
	var events []AuthEvent
	var last *time.Time
	for _, line := range strings.Split(content, "\n") {
		ev, ok := ParseLine(line, osType, referenceTime, last)
		if !ok {
			continue
		}
		events = append(events, ev)
		ts := ev.Timestamp
		last = &ts
	}
	return events
}

// ParseSudoLine parses one sudo invocation line, or returns ok=false for
// anything that doesn't match the "sudo[PID]: user : TTY=... ; PWD=... ;
// USER=... ; COMMAND=..." shape (the bracketed PID is optional).
func ParseSudoLine(line string, referenceTime time.Time, lastTimestamp *time.Time) (SudoLine, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return SudoLine{}, false
	}
	m := sudoRE.FindStringSubmatch(line)
	if m == nil {
		return SudoLine{}, false
	}
	ts, ok := parseSyslogTimestamp(namedGroup(sudoRE, m, "ts"), referenceTime, lastTimestamp)
	if !ok {
		return SudoLine{}, false
	}
	return SudoLine{
		Timestamp:  ts,
		Username:   namedGroup(sudoRE, m, "user"),
		TargetUser: namedGroup(sudoRE, m, "target"),
		WorkingDir: namedGroup(sudoRE, m, "pwd"),
		TTY:        namedGroup(sudoRE, m, "tty"),
		Command:    namedGroup(sudoRE, m, "cmd"),
		RawLine:    line,
	}, true
}

// journalEntry is the subset of a `journalctl --output=json` record this
// package understands; unrecognized fields are ignored.
type journalEntry struct {
	SyslogIdentifier string `json:"SYSLOG_IDENTIFIER"`
	Message          string `json:"MESSAGE"`
	PID              string `json:"_PID"`
	RealtimeUsec     string `json:"__REALTIME_TIMESTAMP"`
}

// ParseJournald parses one journald JSON export line. Only entries whose
// SYSLOG_IDENTIFIER contains "sshd" are considered; the message body is run
// through the same line patterns as syslog by reattaching a synthetic
// timestamp/hostname/pid prefix journald itself strips out, then the
// synthetic timestamp is replaced with __REALTIME_TIMESTAMP (microseconds
// since the epoch), which journald always supplies and which needs no
// year-rollover handling.
func ParseJournald(line string) (AuthEvent, bool) {
	var entry journalEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return AuthEvent{}, false
	}
	if !strings.Contains(entry.SyslogIdentifier, "sshd") {
		return AuthEvent{}, false
	}
	pid := entry.PID
	if pid == "" {
		pid = "0"
	}
	synthetic := fmt.Sprintf("Jan  1 00:00:00 journald sshd[%s]: %s", pid, entry.Message)
	ev, ok := ParseLine(synthetic, model.OSLinux, time.Time{}, nil)
	if !ok {
		return AuthEvent{}, false
	}
	if ts, ok := parseJournalUsec(entry.RealtimeUsec); ok {
		ev.Timestamp = ts
	}
	ev.RawLine = line
	return ev, true
}

func parseJournalUsec(s string) (time.Time, bool) {
	usec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMicro(usec).UTC(), true
}

var syslogWhitespaceRE = regexp.MustCompile(`\s+`)

// parseSyslogTimestamp parses a year-less "Mon D HH:MM:SS" timestamp using
// referenceTime's year (or the current year if referenceTime is zero),
// applying the 300-day rollover rule against lastTimestamp when supplied.
// Returns ok=false on any parse failure — an unparseable timestamp makes the
// whole line absent rather than falling back to the current time.
func parseSyslogTimestamp(tsStr string, referenceTime time.Time, lastTimestamp *time.Time) (time.Time, bool) {
	year := referenceTime.Year()
	if referenceTime.IsZero() {
		year = time.Now().UTC().Year()
	}
	normalized := syslogWhitespaceRE.ReplaceAllString(strings.TrimSpace(tsStr), " ")
	parsed, err := time.Parse("2006 Jan 2 15:04:05", fmt.Sprintf("%d %s", year, normalized))
	if err != nil {
		return time.Time{}, false
	}
	parsed = parsed.UTC()
	if lastTimestamp != nil && lastTimestamp.Sub(parsed) > rolloverDays*24*time.Hour {
		parsed = time.Date(parsed.Year()-1, parsed.Month(), parsed.Day(), parsed.Hour(), parsed.Minute(), parsed.Second(), 0, time.UTC)
	}
	return parsed, true
}

// DetectLogPaths returns the candidate primary log paths to probe for an OS
// family, in priority order.
func DetectLogPaths(osType model.OSType) []string {
	if osType == model.OSAIX {
		return []string{"/var/adm/syslog", "/var/log/syslog"}
	}
	return []string{"/var/log/auth.log", "/var/log/secure"}
}
