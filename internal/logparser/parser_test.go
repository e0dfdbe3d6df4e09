package logparser

import (
	"testing"
	"time"

	"github.com/keyspider/keyspider/internal/model"
)

func TestParseLineLinux(t *testing.T) {
	cases := []struct {
		name       string
		line       string
		wantType   model.EventType
		wantMethod string
		wantUser   string
		wantIP     string
		wantPort   int
		wantPID    int
		wantFP     string
	}{
		{
			name:       "accepted publickey",
			line:       "Jan  5 14:23:01 webserver01 sshd[12345]: Accepted publickey for root from 10.0.1.50 port 52222 ssh2: RSA SHA256:abc123def456",
			wantType:   model.EventAccepted,
			wantMethod: "publickey",
			wantUser:   "root",
			wantIP:     "10.0.1.50",
			wantPort:   52222,
			wantPID:    12345,
			wantFP:     "SHA256:abc123def456",
		},
		{
			name:       "accepted password, no fingerprint",
			line:       "Jan  5 14:23:45 webserver01 sshd[12346]: Accepted password for admin from 10.0.1.51 port 48392 ssh2",
			wantType:   model.EventAccepted,
			wantMethod: "password",
			wantUser:   "admin",
			wantIP:     "10.0.1.51",
			wantPort:   48392,
			wantPID:    12346,
		},
		{
			name:       "failed password",
			line:       "Jan  5 14:24:10 webserver01 sshd[12347]: Failed password for root from 192.168.1.100 port 39281 ssh2",
			wantType:   model.EventFailed,
			wantMethod: "password",
			wantUser:   "root",
			wantIP:     "192.168.1.100",
			wantPort:   39281,
			wantPID:    12347,
		},
		{
			name:       "failed publickey with fingerprint",
			line:       "Jan  5 14:25:00 webserver01 sshd[12348]: Failed publickey for deploy from 10.0.2.10 port 41234 ssh2: ED25519 SHA256:xyz789abc456",
			wantType:   model.EventFailed,
			wantMethod: "publickey",
			wantUser:   "deploy",
			wantIP:     "10.0.2.10",
			wantPort:   41234,
			wantPID:    12348,
			wantFP:     "SHA256:xyz789abc456",
		},
		{
			name:     "invalid user",
			line:     "Jan  5 14:26:30 webserver01 sshd[12349]: Invalid user admin from 203.0.113.42 port 55123",
			wantType: model.EventInvalidUser,
			wantUser: "admin",
			wantIP:   "203.0.113.42",
			wantPort: 55123,
			wantPID:  12349,
		},
		{
			name:     "disconnected",
			line:     "Jan  5 14:28:15 webserver01 sshd[12351]: Disconnected from user root 10.0.1.50 port 52222",
			wantType: model.EventDisconnected,
			wantUser: "root",
			wantIP:   "10.0.1.50",
			wantPort: 52222,
			wantPID:  12351,
		},
	}

	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ev, ok := ParseLine(c.line, model.OSLinux, ref, nil)
			if !ok {
				t.Fatalf("expected a match")
			}
			if ev.EventType != c.wantType {
				t.Errorf("event type = %q, want %q", ev.EventType, c.wantType)
			}
			if c.wantMethod != "" && ev.AuthMethod != c.wantMethod {
				t.Errorf("auth method = %q, want %q", ev.AuthMethod, c.wantMethod)
			}
			if ev.Username != c.wantUser {
				t.Errorf("username = %q, want %q", ev.Username, c.wantUser)
			}
			if ev.SourceIP != c.wantIP {
				t.Errorf("source ip = %q, want %q", ev.SourceIP, c.wantIP)
			}
			if ev.Port != c.wantPort {
				t.Errorf("port = %d, want %d", ev.Port, c.wantPort)
			}
			if ev.PID != c.wantPID {
				t.Errorf("pid = %d, want %d", ev.PID, c.wantPID)
			}
			if ev.Fingerprint != c.wantFP {
				t.Errorf("fingerprint = %q, want %q", ev.Fingerprint, c.wantFP)
			}
		})
	}
}

func TestParseLineNonSSHAndEmpty(t *testing.T) {
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lines := []string{
		"Jan  5 14:35:00 webserver01 cron[9999]: pam_unix(cron:session): session opened",
		"",
		"   ",
	}
	for _, line := range lines {
		if _, ok := ParseLine(line, model.OSLinux, ref, nil); ok {
			t.Errorf("expected no match for %q", line)
		}
	}
}

func TestParseLineAIX(t *testing.T) {
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	accepted := "Jan  5 08:00:01 aixserver01 auth|security:info sshd[1001]: Accepted publickey for root from 10.20.0.5 port 45001 ssh2: RSA SHA256:aix_key_fp"
	ev, ok := ParseLine(accepted, model.OSAIX, ref, nil)
	if !ok || ev.EventType != model.EventAccepted || ev.Username != "root" || ev.SourceIP != "10.20.0.5" {
		t.Fatalf("unexpected AIX accepted parse: %+v ok=%v", ev, ok)
	}

	failed := "Jan  5 08:01:30 aixserver01 auth|security:info sshd[1002]: Failed password for admin from 10.20.0.10 port 38201 ssh2"
	ev, ok = ParseLine(failed, model.OSAIX, ref, nil)
	if !ok || ev.EventType != model.EventFailed || ev.AuthMethod != "password" {
		t.Fatalf("unexpected AIX failed parse: %+v ok=%v", ev, ok)
	}
}

func TestParseLineYearRollover(t *testing.T) {
	ref := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	last := time.Date(2024, 12, 28, 0, 0, 0, 0, time.UTC)
	line := "Jan  2 10:00:00 host sshd[1]: Accepted password for root from 10.0.0.1 port 22 ssh2"

	ev, ok := ParseLine(line, model.OSLinux, ref, &last)
	if !ok {
		t.Fatalf("expected a match")
	}
	if ev.Timestamp.Year() != 2023 {
		t.Errorf("expected year rollover to 2023, got %d", ev.Timestamp.Year())
	}
}

func TestParseLineReferenceYearNoRollover(t *testing.T) {
	ref := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	line := "Jun  5 10:00:00 host sshd[1]: Accepted password for root from 10.0.0.1 port 22 ssh2"

	ev, ok := ParseLine(line, model.OSLinux, ref, nil)
	if !ok || ev.Timestamp.Year() != 2024 {
		t.Fatalf("expected year 2024 with no rollover, got %+v ok=%v", ev, ok)
	}
}

func TestParseLog(t *testing.T) {
	content := "Jan  5 14:23:01 web01 sshd[1]: Accepted publickey for root from 10.0.1.50 port 52222 ssh2: RSA SHA256:abc\n" +
		"Jan  5 14:35:00 web01 cron[9999]: pam_unix(cron:session): session opened\n" +
		"Jan  5 14:24:10 web01 sshd[2]: Failed password for root from 192.168.1.100 port 39281 ssh2\n"

	events := ParseLog(content, model.OSLinux, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != model.EventAccepted || events[1].EventType != model.EventFailed {
		t.Errorf("unexpected event sequence: %+v", events)
	}
}

func TestDetectLogPaths(t *testing.T) {
	linux := DetectLogPaths(model.OSLinux)
	if !contains(linux, "/var/log/auth.log") || !contains(linux, "/var/log/secure") {
		t.Errorf("unexpected linux paths: %v", linux)
	}
	aix := DetectLogPaths(model.OSAIX)
	if !contains(aix, "/var/adm/syslog") {
		t.Errorf("unexpected aix paths: %v", aix)
	}
}

func contains(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}

func TestParseSudoLine(t *testing.T) {
	line := "Feb  3 09:15:22 prod-web01 sudo[4321]: alice : TTY=pts/2 ; PWD=/home/alice ; USER=root ; COMMAND=/usr/bin/systemctl restart httpd"
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ev, ok := ParseSudoLine(line, ref, nil)
	if !ok {
		t.Fatalf("expected a match")
	}
	if ev.Username != "alice" || ev.TTY != "pts/2" || ev.WorkingDir != "/home/alice" ||
		ev.TargetUser != "root" || ev.Command != "/usr/bin/systemctl restart httpd" {
		t.Errorf("unexpected parse: %+v", ev)
	}
}

func TestParseSudoLineArgsPreserved(t *testing.T) {
	line := "Mar 15 08:30:00 host sudo[200]: deploy : TTY=pts/0 ; PWD=/var/www/app ; USER=root ; COMMAND=/bin/rm -rf /tmp/cache/*"
	ev, ok := ParseSudoLine(line, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	if !ok || ev.Command != "/bin/rm -rf /tmp/cache/*" {
		t.Fatalf("unexpected parse: %+v ok=%v", ev, ok)
	}
}

func TestParseSudoLineNotSudo(t *testing.T) {
	line := "Jan  5 14:23:01 host sshd[12345]: Accepted publickey for root from 10.0.1.50 port 52222 ssh2"
	if _, ok := ParseSudoLine(line, time.Time{}, nil); ok {
		t.Fatalf("expected no match for an sshd line")
	}
}

func TestParseSudoLineEmptyAndWhitespace(t *testing.T) {
	for _, line := range []string{"", "   \t  "} {
		if _, ok := ParseSudoLine(line, time.Time{}, nil); ok {
			t.Errorf("expected no match for %q", line)
		}
	}
}

func TestParseSudoLineNoBracketPID(t *testing.T) {
	line := "Jan  5 10:00:00 host sudo: user1 : TTY=pts/0 ; PWD=/ ; USER=root ; COMMAND=/bin/ls"
	ev, ok := ParseSudoLine(line, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	if !ok || ev.Username != "user1" {
		t.Fatalf("unexpected parse: %+v ok=%v", ev, ok)
	}
}

func TestParseSudoLineYearRollover(t *testing.T) {
	ref := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	last := time.Date(2024, 12, 28, 0, 0, 0, 0, time.UTC)
	line := "Jan  2 10:00:00 host sudo[1]: user1 : TTY=pts/0 ; PWD=/ ; USER=root ; COMMAND=/bin/ls"

	ev, ok := ParseSudoLine(line, ref, &last)
	if !ok || ev.Timestamp.Year() != 2023 {
		t.Fatalf("expected year rollover to 2023, got %+v ok=%v", ev, ok)
	}
}

func TestParseJournaldSSHEvent(t *testing.T) {
	line := `{"SYSLOG_IDENTIFIER":"sshd","MESSAGE":"Accepted publickey for root from 10.0.1.50 port 52222 ssh2: RSA SHA256:abc123def456","_PID":"12345","__REALTIME_TIMESTAMP":"1704467400000000"}`

	ev, ok := ParseJournald(line)
	if !ok {
		t.Fatalf("expected a match")
	}
	if ev.EventType != model.EventAccepted || ev.Username != "root" || ev.SourceIP != "10.0.1.50" || ev.Fingerprint != "SHA256:abc123def456" {
		t.Errorf("unexpected parse: %+v", ev)
	}
	wantTS := time.UnixMicro(1704467400000000).UTC()
	if !ev.Timestamp.Equal(wantTS) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, wantTS)
	}
}

func TestParseJournaldIgnoresNonSSHUnit(t *testing.T) {
	line := `{"SYSLOG_IDENTIFIER":"cron","MESSAGE":"session opened","_PID":"1","__REALTIME_TIMESTAMP":"1704467400000000"}`
	if _, ok := ParseJournald(line); ok {
		t.Fatalf("expected no match for a non-sshd unit")
	}
}

func TestParseJournaldMalformed(t *testing.T) {
	if _, ok := ParseJournald("not json"); ok {
		t.Fatalf("expected no match for malformed json")
	}
}
