// Package safe holds filesystem helpers that refuse surprising inputs and never
// leave a half-written file behind.
package safe

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DefaultMaxFileSize bounds ReadFile (64MB).
const DefaultMaxFileSize = 64 << 20

// ReadOptions configures ReadFile.
type ReadOptions struct {
	// MaxSize is the maximum allowed file size in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// AllowSymlinks follows symlinks. Default is false.
	AllowSymlinks bool
}

// ReadFile reads a regular file, rejecting symlinks and oversized files.
func ReadFile(path string, opts *ReadOptions) ([]byte, error) {
	if opts == nil {
		opts = &ReadOptions{}
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	clean := filepath.Clean(path)
	info, err := os.Lstat(clean)
	if err != nil {
		return nil, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if !opts.AllowSymlinks {
			return nil, fmt.Errorf("file %q is a symlink, which is not allowed", path)
		}
		if info, err = os.Stat(clean); err != nil {
			return nil, err
		}
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("path %q is not a regular file", path)
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("file %q exceeds maximum allowed size of %d bytes", path, maxSize)
	}

	return os.ReadFile(clean)
}

// WriteFile writes data to path atomically: a temp file in the same directory is
// written, synced, chmodded and renamed over path. On failure the previous
// content of path is untouched.
func WriteFile(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}

	// A read-only destination (0400 key files) can still be replaced by rename
	// because rename only needs write permission on the directory.
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// SwapDir replaces the directory target with staged. The previous target is
// renamed aside first and restored if the second rename fails, so target
// always holds either the old or the new tree. A missing target is fine.
func SwapDir(staged, target string) error {
	backup := fmt.Sprintf("%s.old-%d", target, time.Now().UnixNano())

	hadTarget := true
	if err := os.Rename(target, backup); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("move %s aside: %w", target, err)
		}
		hadTarget = false
	}

	if err := os.Rename(staged, target); err != nil {
		if hadTarget {
			if rerr := os.Rename(backup, target); rerr != nil {
				return fmt.Errorf("swap %s: %w (restore failed: %v)", target, err, rerr)
			}
		}
		return fmt.Errorf("swap %s: %w", target, err)
	}

	if hadTarget {
		if err := os.RemoveAll(backup); err != nil {
			return fmt.Errorf("remove previous %s: %w", target, err)
		}
	}
	return nil
}

// StageDir creates an empty sibling directory of target for building a
// replacement tree that SwapDir can move into place.
func StageDir(target string) (string, error) {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return "", err
	}
	return os.MkdirTemp(parent, "."+filepath.Base(target)+"-staged-*")
}
