// Package sftpreader performs all remote file access over the SSH SFTP
// subsystem instead of shell commands, so no path or filename ever needs
// shell quoting. Every operation treats "not found" as an absent result
// rather than an error; other protocol failures are logged and also
// returned as absent, mirroring the teacher's "never let a single remote
// file read abort the caller" posture in internal/sshexec.
package sftpreader

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/pkg/sftp"
)

// Stat is the subset of remote file metadata the rest of the system needs.
type Stat struct {
	Size  int64
	Mtime int64 // unix seconds
	Perms string // octal, e.g. "0644"
}

// Reader performs read-only SFTP operations against one open session.
type Reader struct {
	client *sftp.Client
}

// New wraps an already-established *sftp.Client. Callers own the client's
// lifecycle (it rides on a pooled SSH session).
func New(client *sftp.Client) *Reader {
	return &Reader{client: client}
}

func isNotFound(err error) bool {
	return err == io.EOF || os.IsNotExist(err)
}

func logProtocolError(op, path string, err error) {
	log.Printf("[sftpreader] %s %s: %v", op, path, err)
}

// StatFile returns size, mtime, and octal permissions for path, or ok=false
// if the path does not exist or could not be statted.
func (r *Reader) StatFile(path string) (Stat, bool) {
	info, err := r.client.Stat(path)
	if err != nil {
		if !isNotFound(err) {
			logProtocolError("stat", path, err)
		}
		return Stat{}, false
	}
	return Stat{
		Size:  info.Size(),
		Mtime: info.ModTime().Unix(),
		Perms: fmt.Sprintf("%04o", info.Mode().Perm()),
	}, true
}

// Exists reports whether path can be statted.
func (r *Reader) Exists(path string) bool {
	_, ok := r.StatFile(path)
	return ok
}

// GetSize returns the file's size, or ok=false if it is absent.
func (r *Reader) GetSize(path string) (int64, bool) {
	st, ok := r.StatFile(path)
	if !ok {
		return 0, false
	}
	return st.Size, true
}

// Read returns up to maxBytes of path's contents, UTF-8-lossy decoded, or
// ok=false if the file is absent.
func (r *Reader) Read(path string, maxBytes int64) (string, bool) {
	f, err := r.client.Open(path)
	if err != nil {
		if !isNotFound(err) {
			logProtocolError("open", path, err)
		}
		return "", false
	}
	defer f.Close()

	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		logProtocolError("read", path, err)
		return "", false
	}
	return strings.ToValidUTF8(string(buf[:n]), "�"), true
}

// ReadTail reads the last maxBytes of path, discards a leading partial line
// when the read started mid-file, and returns at most the last maxLines
// lines. Returns ok=false if the file is absent.
func (r *Reader) ReadTail(path string, maxLines int, maxBytes int64) (string, bool) {
	st, ok := r.StatFile(path)
	if !ok {
		return "", false
	}

	f, err := r.client.Open(path)
	if err != nil {
		if !isNotFound(err) {
			logProtocolError("open", path, err)
		}
		return "", false
	}
	defer f.Close()

	seekFrom := st.Size - minInt64(st.Size, maxBytes)
	midFile := seekFrom > 0
	if _, err := f.Seek(seekFrom, io.SeekStart); err != nil {
		logProtocolError("seek", path, err)
		return "", false
	}

	data, err := io.ReadAll(f)
	if err != nil {
		logProtocolError("read", path, err)
		return "", false
	}

	return trimTail(string(data), maxLines, midFile), true
}

// trimTail applies the tail-read trimming rules to an already-read byte
// window: UTF-8-lossy decode, drop the leading partial line when the window
// started mid-file, then keep only the last maxLines lines. Split out from
// ReadTail so the trimming logic is testable without a live SFTP session.
func trimTail(data string, maxLines int, midFile bool) string {
	text := strings.ToValidUTF8(data, "�")
	lines := strings.Split(text, "\n")
	if midFile && len(lines) > 1 {
		lines = lines[1:]
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}

// ListDir returns the sorted names of path's directory entries, or
// ok=false if path is absent.
func (r *Reader) ListDir(path string) ([]string, bool) {
	entries, err := r.client.ReadDir(path)
	if err != nil {
		if !isNotFound(err) {
			logProtocolError("readdir", path, err)
		}
		return nil, false
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	return names, true
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
