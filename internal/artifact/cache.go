// Package artifact names, stores and gates every file the registration
// engine produces.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"seqreg/internal/volume"
)

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ShouldCompute is the resume rule applied before every expensive step:
// recompute when forced or when the artifact is absent.
func ShouldCompute(path string, force bool) bool {
	return force || !Exists(path)
}

// AllExist reports whether every path exists.
func AllExist(paths ...string) bool {
	for _, p := range paths {
		if !Exists(p) {
			return false
		}
	}
	return true
}

// WriteAtomic streams write's output to a temp file beside path and renames
// it into place, so a reader never observes a partial artifact.
func WriteAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// WriteImage encodes im in the format implied by path and writes it atomically.
func WriteImage(path string, im *volume.Image) error {
	f, gz, err := volume.FormatOf(path)
	if err != nil {
		return err
	}
	return WriteAtomic(path, func(w io.Writer) error {
		return volume.Encode(w, im, f, gz)
	})
}

// Digest returns the hex sha256 of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CleanTemp removes temp files left in dir by interrupted writes.
func CleanTemp(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
