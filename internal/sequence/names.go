package sequence

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var stepPattern = regexp.MustCompile(`(?i)(?:^|[^a-z])t(\d+)`)

// StepFromName extracts the time step encoded in a file name such as
// "embryo_t012.inr.gz". The last t<digits> token of the stem wins.
func StepFromName(path string) (int, bool) {
	name := filepath.Base(path)
	for _, ext := range []string{".gz", ".inr", ".nii", ".tiff", ".tif"} {
		name = strings.TrimSuffix(strings.TrimSuffix(name, strings.ToUpper(ext)), ext)
	}
	m := stepPattern.FindAllStringSubmatch(name, -1)
	if len(m) == 0 {
		return 0, false
	}
	v, err := strconv.Atoi(m[len(m)-1][1])
	if err != nil {
		return 0, false
	}
	return v, true
}

// StepsFromNames returns the time step of every file, or nil when any name
// carries no step or two names share one.
func StepsFromNames(paths []string) []int {
	steps := make([]int, len(paths))
	seen := map[int]bool{}
	for i, p := range paths {
		s, ok := StepFromName(p)
		if !ok || seen[s] {
			return nil
		}
		seen[s] = true
		steps[i] = s
	}
	return steps
}
