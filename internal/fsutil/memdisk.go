package fsutil

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ShmRoot is the memory-backed filesystem used for scratch files when it
// is available and RAM allows.
var ShmRoot = "/dev/shm"

// Scratch is a private working directory for intermediate files exchanged
// with external tools.
type Scratch struct {
	Dir      string
	InMemory bool
	logger   *slog.Logger
}

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		lines := strings.Split(string(content), "\n")
		for _, line := range lines {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	availableBytes := int64(sysinfo.Freeram) * int64(sysinfo.Unit)
	return availableBytes / (1024 * 1024), nil
}

// ShouldUseMemory reports whether needMB of scratch files fit in RAM with
// at least 512MB to spare.
func ShouldUseMemory(needMB int64, logger *slog.Logger) bool {
	if needMB <= 0 {
		return false
	}
	if _, err := os.Stat(ShmRoot); err != nil {
		return false
	}
	availableRAM, err := GetSystemMemory()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to get system memory info", "error", err)
		}
		return false
	}
	need := needMB + 100
	minFreeRAM := int64(512)

	if logger != nil {
		logger.Debug("scratch memory check",
			"available_ram_mb", availableRAM,
			"required_mb", need,
		)
	}
	return need < availableRAM/2 && availableRAM-need > minFreeRAM
}

// NewScratch creates a scratch directory, in memory when needMB fits there
// and under fallback otherwise.
func NewScratch(needMB int64, fallback string, logger *slog.Logger) (*Scratch, error) {
	root, inMem := fallback, false
	if ShouldUseMemory(needMB, logger) {
		root, inMem = ShmRoot, true
	}
	if root == "" {
		root = os.TempDir()
	}
	dir, err := os.MkdirTemp(root, fmt.Sprintf("seqreg-%d-", os.Getpid()))
	if err != nil && inMem {
		if logger != nil {
			logger.Info("memory scratch unavailable, falling back to disk", "error", err)
		}
		root, inMem = fallback, false
		if root == "" {
			root = os.TempDir()
		}
		dir, err = os.MkdirTemp(root, fmt.Sprintf("seqreg-%d-", os.Getpid()))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &Scratch{Dir: dir, InMemory: inMem, logger: logger}, nil
}

// Cleanup removes the scratch directory and everything in it.
func (s *Scratch) Cleanup() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to remove scratch directory", "error", err, "dir", s.Dir)
		}
		return err
	}
	return nil
}
