package kernel

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"seqreg/internal/config"
)

// ToolStatus represents the availability of an external tool
type ToolStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     error  `json:"-"`
}

// ToolManager locates the external registration binaries.
type ToolManager struct {
	tools config.Tools
}

// NewToolManager creates a tool manager for the configured binaries.
func NewToolManager(tools config.Tools) *ToolManager {
	if tools.BlockMatching == "" {
		tools.BlockMatching = "blockmatching"
	}
	if tools.ApplyTrsf == "" {
		tools.ApplyTrsf = "applyTrsf"
	}
	return &ToolManager{tools: tools}
}

// CheckTool verifies if a tool is available and reports its version line.
func (tm *ToolManager) CheckTool(binary string) ToolStatus {
	path, err := exec.LookPath(binary)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// vt tools print their usage and exit non-zero when asked for help
	output, _ := exec.CommandContext(ctx, path, "-help").CombinedOutput()
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// Status reports every tool the vt kernel needs.
func (tm *ToolManager) Status() map[string]ToolStatus {
	return map[string]ToolStatus{
		"blockmatching": tm.CheckTool(tm.tools.BlockMatching),
		"applyTrsf":     tm.CheckTool(tm.tools.ApplyTrsf),
	}
}

// Available reports whether every tool can be found.
func (tm *ToolManager) Available() bool {
	for _, bin := range []string{tm.tools.BlockMatching, tm.tools.ApplyTrsf} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
