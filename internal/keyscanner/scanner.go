// Package keyscanner walks a remote host's /etc/passwd, every user's
// ~/.ssh directory, and the system host keys to produce the set of
// DiscoveredKey records the spider persists. All file access goes through
// sftpreader — never through a shell command — to match the no-shell
// posture in SPEC_FULL.md §4.3.
package keyscanner

import (
	"strings"
	"time"

	"github.com/keyspider/keyspider/internal/fingerprint"
	"github.com/keyspider/keyspider/internal/model"
	"github.com/keyspider/keyspider/internal/sftpreader"
)

// skippedShells are login shells that indicate the account is not a real
// interactive user and should be skipped.
var skippedShells = map[string]bool{
	"/usr/sbin/nologin": true,
	"/sbin/nologin":     true,
	"nologin":           true,
	"/bin/false":        true,
	"/usr/bin/false":    true,
	"false":             true,
}

const maxPasswdBytes = 1 << 20 // 1 MiB is generous for any real /etc/passwd

// DiscoveredKey is one key observed on disk, before persistence.
type DiscoveredKey struct {
	FingerprintSHA256 string
	FingerprintMD5    string
	KeyType           model.KeyType
	PublicKeyData     string
	Comment           string
	Owner             string
	Path              string
	FileType          model.FileType
	IsHostKey         bool
	Mtime             *time.Time
	Size              *int64
	Perms             string
}

// passwdUser is one parsed /etc/passwd entry worth scanning.
type passwdUser struct {
	username string
	home     string
}

// Scan produces the set of DiscoveredKey records visible on the host
// reachable through r.
func Scan(r *sftpreader.Reader) []DiscoveredKey {
	var out []DiscoveredKey

	for _, u := range passwdUsers(r) {
		out = append(out, scanUserSSHDir(r, u)...)
	}
	out = append(out, scanHostKeys(r)...)
	return out
}

func passwdUsers(r *sftpreader.Reader) []passwdUser {
	content, ok := r.Read("/etc/passwd", maxPasswdBytes)
	if !ok {
		return nil
	}
	var users []passwdUser
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		username, home, shell := fields[0], fields[5], fields[6]
		shellBase := shell
		if i := strings.LastIndex(shell, "/"); i >= 0 {
			shellBase = shell[i+1:]
		}
		if skippedShells[shell] || skippedShells[shellBase] {
			continue
		}
		if strings.HasPrefix(home, "/dev") {
			continue
		}
		users = append(users, passwdUser{username: username, home: home})
	}
	return users
}

func scanUserSSHDir(r *sftpreader.Reader, u passwdUser) []DiscoveredKey {
	var out []DiscoveredKey
	sshDir := u.home + "/.ssh"

	for _, name := range []string{"authorized_keys", "authorized_keys2"} {
		path := sshDir + "/" + name
		out = append(out, parseAuthorizedKeysFile(r, path, u.username)...)
	}

	for _, keyType := range []string{"rsa", "ed25519", "ecdsa", "dsa"} {
		pubPath := sshDir + "/id_" + keyType + ".pub"
		dk, ok := readPublicKeyFile(r, pubPath, u.username, model.FilePublicKey, false)
		if !ok {
			continue
		}
		out = append(out, dk)

		privPath := sshDir + "/id_" + keyType
		if st, ok := r.StatFile(privPath); ok {
			priv := dk
			priv.Path = privPath
			priv.FileType = model.FilePrivateKey
			mt := time.Unix(st.Mtime, 0).UTC()
			priv.Mtime = &mt
			sz := st.Size
			priv.Size = &sz
			priv.Perms = st.Perms
			out = append(out, priv)
		}
	}
	return out
}

func scanHostKeys(r *sftpreader.Reader) []DiscoveredKey {
	var out []DiscoveredKey
	for _, keyType := range []string{"rsa", "ed25519", "ecdsa", "dsa"} {
		path := "/etc/ssh/ssh_host_" + keyType + "_key.pub"
		if dk, ok := readPublicKeyFile(r, path, "root", model.FileHostKey, true); ok {
			out = append(out, dk)
		}
	}
	return out
}

func parseAuthorizedKeysFile(r *sftpreader.Reader, path, owner string) []DiscoveredKey {
	const maxAuthorizedKeysBytes = 1 << 20
	content, ok := r.Read(path, maxAuthorizedKeysBytes)
	if !ok {
		return nil
	}

	st, _ := r.StatFile(path)

	var out []DiscoveredKey
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stripped := stripOptions(line)
		dk, ok := keyFromLine(stripped, owner, path, model.FileAuthorizedKeys, false)
		if !ok {
			continue
		}
		dk.Perms = st.Perms
		if st.Size != 0 {
			sz := st.Size
			dk.Size = &sz
		}
		out = append(out, dk)
	}
	return out
}

func readPublicKeyFile(r *sftpreader.Reader, path, owner string, fileType model.FileType, isHostKey bool) (DiscoveredKey, bool) {
	const maxPubKeyBytes = 16 * 1024
	content, ok := r.Read(path, maxPubKeyBytes)
	if !ok {
		return DiscoveredKey{}, false
	}
	dk, ok := keyFromLine(strings.TrimSpace(content), owner, path, fileType, isHostKey)
	if !ok {
		return DiscoveredKey{}, false
	}
	if st, ok := r.StatFile(path); ok {
		mt := time.Unix(st.Mtime, 0).UTC()
		dk.Mtime = &mt
		sz := st.Size
		dk.Size = &sz
		dk.Perms = st.Perms
	}
	return dk, true
}

// keyFromLine builds a DiscoveredKey from one authorized_keys-style or bare
// public-key line. Records without at least one valid fingerprint are
// dropped, per SPEC_FULL.md §4.5.
func keyFromLine(line, owner, path string, fileType model.FileType, isHostKey bool) (DiscoveredKey, bool) {
	sha256fp, md5fp, ok := fingerprint.Fingerprints(line)
	if !ok {
		return DiscoveredKey{}, false
	}
	return DiscoveredKey{
		FingerprintSHA256: sha256fp,
		FingerprintMD5:    md5fp,
		KeyType:           model.KeyType(fingerprint.DetectKeyType(line)),
		PublicKeyData:     line,
		Comment:           fingerprint.ExtractComment(line),
		Owner:             owner,
		Path:              path,
		FileType:          fileType,
		IsHostKey:         isHostKey,
	}, true
}

// stripOptions removes an authorized_keys options prefix (e.g.
// `command="...",no-pty`) so the line starts at the key-type token.
func stripOptions(line string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if isKeyTypeTag(f) {
			return strings.Join(fields[i:], " ")
		}
	}
	return line
}

var knownKeyTypeTags = map[string]bool{
	"ssh-rsa":     true,
	"ssh-ed25519": true,
	"ssh-dss":     true,
}

func isKeyTypeTag(tag string) bool {
	return knownKeyTypeTags[tag] || strings.HasPrefix(tag, "ecdsa-sha2-")
}
