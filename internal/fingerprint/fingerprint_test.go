package fingerprint

import (
	"strings"
	"testing"
)

const testRSAKey = "AAAAB3NzaC1yc2EAAAADAQABAAABAQC7testkeybytesfornotarealkeybutstillbase64encodeddataAAAA"

func TestFingerprintsStableAndFormatted(t *testing.T) {
	line := "ssh-rsa " + testRSAKey + " deploy@ci"

	sha1, md51, ok := Fingerprints(line)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	sha2, md52, ok2 := Fingerprints(line)
	if !ok2 || sha1 != sha2 || md51 != md52 {
		t.Fatalf("fingerprint not stable across calls: %q vs %q", sha1, sha2)
	}

	if strings.Count(sha1, ":") != 1 {
		t.Fatalf("expected exactly one colon in SHA256 fingerprint, got %q", sha1)
	}
	if !strings.HasPrefix(sha1, "SHA256:") {
		t.Fatalf("expected SHA256: prefix, got %q", sha1)
	}
	if strings.Contains(sha1, "=") {
		t.Fatalf("expected no base64 padding in %q", sha1)
	}
	if !strings.HasPrefix(md51, "MD5:") {
		t.Fatalf("expected MD5: prefix, got %q", md51)
	}
}

func TestExtractKeyBytesAuthorizedKeysOptionsStripped(t *testing.T) {
	line := `command="/usr/bin/git-shell",no-pty ssh-rsa ` + testRSAKey + ` deploy@ci`

	// Per §4.5 the key scanner strips leading options before the first
	// key-type token; ExtractKeyBytes itself only understands lines that
	// already start with the type tag, so the scanner is responsible for
	// the strip. Emulate that here the way the scanner does.
	stripped := stripAuthorizedKeysOptions(line)
	if stripped != "ssh-rsa "+testRSAKey+" deploy@ci" {
		t.Fatalf("unexpected stripped line: %q", stripped)
	}

	if DetectKeyType(stripped) != "rsa" {
		t.Fatalf("expected rsa, got %s", DetectKeyType(stripped))
	}
	if ExtractComment(stripped) != "deploy@ci" {
		t.Fatalf("expected comment deploy@ci, got %q", ExtractComment(stripped))
	}
	if b, ok := ExtractKeyBytes(stripped); !ok || len(b) == 0 {
		t.Fatalf("expected key bytes from the stripped line, got ok=%v len=%d", ok, len(b))
	}
}

// stripAuthorizedKeysOptions mirrors keyscanner.stripOptions for this test's
// own purposes — kept local to avoid an import cycle between the two
// packages' test suites.
func stripAuthorizedKeysOptions(line string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if keyTypeTags[f] || strings.HasPrefix(f, "ecdsa-sha2-") {
			return strings.Join(fields[i:], " ")
		}
	}
	return line
}

func TestDetectKeyType(t *testing.T) {
	cases := map[string]string{
		"ssh-rsa AAA":                    "rsa",
		"ssh-ed25519 AAA":                "ed25519",
		"ssh-dss AAA":                    "dsa",
		"ecdsa-sha2-nistp256 AAA":        "ecdsa",
		"something-else AAA":             "unknown",
	}
	for line, want := range cases {
		if got := DetectKeyType(line); got != want {
			t.Errorf("DetectKeyType(%q) = %q, want %q", line, got, want)
		}
	}
}

func TestExtractKeyBytesDecodeFailureIsAbsent(t *testing.T) {
	if _, ok := ExtractKeyBytes(""); ok {
		t.Fatal("expected absent for empty line")
	}
	if _, ok := ExtractKeyBytes("ssh-rsa !!!not-base64!!!"); ok {
		t.Fatal("expected absent for undecodable base64")
	}
}

func TestExtractKeyBytesPEMFramed(t *testing.T) {
	pem := "-----BEGIN PUBLIC KEY-----\n" + testRSAKey[:40] + "\n" + testRSAKey[40:] + "\n-----END PUBLIC KEY-----"
	b, ok := ExtractKeyBytes(pem)
	if !ok || len(b) == 0 {
		t.Fatalf("expected decodable PEM-framed key")
	}
}
