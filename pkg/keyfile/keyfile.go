// Package keyfile composes and atomically replaces authorized_keys
// content.
//
// A managed file has two regions split by a marker line: the header
// above it (operator material, preserved verbatim) and the managed
// block below it (rewritten wholesale on every change). Local writes go
// through a temp file, fsync, and rename, so sshd never reads a partial
// file.
package keyfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Marker separates the operator-owned header from the managed block.
const Marker = "# hutch: managed keys below, do not edit"

// Compose builds file content from a header region and managed key
// lines. The header keeps its own line structure; each key renders as
// exactly one line regardless of surrounding whitespace in the input.
func Compose(header []byte, keys [][]byte) []byte {
	var buf bytes.Buffer
	if h := bytes.TrimRight(header, "\n"); len(h) > 0 {
		buf.Write(h)
		buf.WriteByte('\n')
	}
	buf.WriteString(Marker)
	buf.WriteByte('\n')
	for _, key := range keys {
		k := bytes.TrimSpace(key)
		if len(k) == 0 {
			continue
		}
		buf.Write(k)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Header returns the operator-owned region of existing content:
// everything above the marker line. Content without a marker is all
// header. The marker only counts when it occupies a whole line, so key
// comments cannot truncate the file.
func Header(content []byte) []byte {
	offset := 0
	for _, line := range bytes.SplitAfter(content, []byte("\n")) {
		if string(bytes.TrimRight(line, "\r\n")) == Marker {
			return content[:offset]
		}
		offset += len(line)
	}
	return content
}

// WriteAtomic replaces path with content via a temp file in the same
// directory, fsync, and rename. The mode is applied to the temp file
// before the swap; ownership of an existing file is carried over when
// the process has the privilege to do so.
func WriteAtomic(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".authorized_keys-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	matchOwner(path, tmpName)

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// matchOwner carries an existing file's uid/gid onto its replacement.
// Chown needs privilege; unprivileged runs keep the process owner.
func matchOwner(path, tmpName string) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	_ = os.Chown(tmpName, int(st.Uid), int(st.Gid))
}
