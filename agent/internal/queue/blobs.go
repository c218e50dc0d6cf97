package queue

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// writeBlob stores data as <id><ext> in the blob directory.
// The write goes to a temp file first and is renamed into place, so a crash
// never leaves a truncated blob under a record's path.
func (s *Store) writeBlob(id, ext string, data []byte) (string, error) {
	dest := filepath.Join(s.blobDir, id+cleanExt(ext))

	tmp, err := os.CreateTemp(s.blobDir, "blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()

	bw := bufio.NewWriter(tmp)
	if _, err := bw.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("flush blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("sync blob: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return dest, nil
}

// releaseBlob removes a blob file. A missing file is logged, not returned:
// release is idempotent.
func releaseBlob(path string) {
	err := os.Remove(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("queue: blob already absent", "path", path)
	default:
		slog.Warn("queue: release blob failed", "path", path, "err", err)
	}
}

// cleanExt normalises a file extension to ".ext" with no path components.
func cleanExt(ext string) string {
	ext = filepath.Base(ext)
	if e := filepath.Ext(ext); e != "" {
		ext = e
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		return ".bin"
	}
	return "." + strings.ToLower(ext)
}
