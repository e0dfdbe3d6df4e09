// Package fingerprint decodes public-key material and computes canonical
// SHA256/MD5 fingerprints, independent of any network connection. This
// mirrors the TOFU fingerprinting in the teacher's sshexec executor
// (ssh.FingerprintSHA256 over a live ssh.PublicKey) but operates on raw
// key lines read from disk, so it never requires a parsed ssh.PublicKey.
package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

var keyTypeTags = map[string]bool{
	"ssh-rsa":                  true,
	"ssh-ed25519":              true,
	"ssh-dss":                  true,
	"ecdsa-sha2-nistp256":      true,
	"ecdsa-sha2-nistp384":      true,
	"ecdsa-sha2-nistp521":      true,
}

// ExtractKeyBytes returns the raw decoded key body from one public-key line
// in any of: an authorized_keys-style line ("type base64 comment"), a bare
// base64 blob, or a PEM-framed block. Returns false if nothing could be
// decoded.
func ExtractKeyBytes(line string) ([]byte, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	if strings.Contains(line, "-----BEGIN") {
		return extractPEM(line)
	}

	fields := strings.Fields(line)
	if len(fields) >= 2 && keyTypeTags[fields[0]] {
		return decodeBase64(fields[1])
	}

	// Not a recognized type tag — accept the line only when it is a single
	// bare base64 token.
	if len(fields) == 1 {
		if b, ok := decodeBase64(fields[0]); ok {
			return b, true
		}
	}
	return nil, false
}

func extractPEM(block string) ([]byte, bool) {
	var b64 strings.Builder
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		b64.WriteString(line)
	}
	return decodeBase64(b64.String())
}

func decodeBase64(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return nil, false
		}
	}
	return b, true
}

// SHA256 returns the canonical "SHA256:<base64-no-pad>" fingerprint for raw
// key bytes.
func SHA256(keyBytes []byte) string {
	sum := sha256.Sum256(keyBytes)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// MD5 returns the canonical "MD5:aa:bb:..." fingerprint for raw key bytes.
func MD5(keyBytes []byte) string {
	sum := md5.Sum(keyBytes)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return "MD5:" + strings.Join(parts, ":")
}

// Fingerprints decodes a public-key line and returns its SHA256 and MD5
// fingerprints. ok is false if the line could not be decoded at all.
func Fingerprints(line string) (sha256fp, md5fp string, ok bool) {
	b, decoded := ExtractKeyBytes(line)
	if !decoded || len(b) == 0 {
		return "", "", false
	}
	return SHA256(b), MD5(b), true
}

// DetectKeyType maps the authorized_keys type tag to a canonical key family.
// Returns "unknown" for anything not recognized.
func DetectKeyType(line string) string {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "unknown"
	}
	tag := fields[0]
	switch {
	case tag == "ssh-rsa":
		return "rsa"
	case tag == "ssh-ed25519":
		return "ed25519"
	case tag == "ssh-dss":
		return "dsa"
	case strings.HasPrefix(tag, "ecdsa-sha2-"):
		return "ecdsa"
	default:
		return "unknown"
	}
}

// ExtractComment returns the third-token-onward comment field of an
// authorized_keys-style line, or "" if absent.
func ExtractComment(line string) string {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 3 {
		return ""
	}
	return strings.Join(fields[2:], " ")
}
