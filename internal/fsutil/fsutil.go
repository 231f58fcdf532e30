package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var volumeExts = []string{
	".inr.gz",
	".nii.gz",
	".inr",
	".nii",
	".tif",
	".tiff",
}

// IsVolumeFile checks if a file name carries a supported volume extension.
func IsVolumeFile(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, ext := range volumeExts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// ListVolumes returns all volume files directly inside dir, sorted by name.
// Hidden files (including in-flight temp files) are skipped.
func ListVolumes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if IsVolumeFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// EnsureDir creates dir (and parents) when missing.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
