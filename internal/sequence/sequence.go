// Package sequence models the ordered list of timepoints a registration run
// operates on.
package sequence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

var (
	// ErrArgumentMismatch reports inconsistent per-timepoint lists.
	ErrArgumentMismatch = errors.New("argument mismatch")
	// ErrInputImageUnavailable reports a missing or unreadable source image.
	ErrInputImageUnavailable = errors.New("input image unavailable")
)

// Orientation of the microscope: 1 for upright, -1 for inverted.
type Orientation int

const (
	Upright  Orientation = 1
	Inverted Orientation = -1
)

func (o Orientation) String() string {
	if o == Upright {
		return "upright"
	}
	return "inverted"
}

// Timepoint groups the files acquired at one time step.
type Timepoint struct {
	Index  int
	Step   int
	Image  string
	Extras []string
	Seg    string
}

// Sequence is an ordered mapping index → Timepoint whose keys are always the
// contiguous range 0..n-1, sorted by step.
type Sequence struct {
	Timepoints  []Timepoint
	Unit        string
	Orientation Orientation
}

// Input is the raw, user supplied description of a sequence. Extras holds
// one list per extra channel, each as long as Images.
type Input struct {
	Images      []string
	Steps       []int
	Extras      [][]string
	Segs        []string
	Unit        string
	Orientation int
}

// New validates in and builds the sequence. Missing steps default to
// 0..n-1.
func New(in Input) (*Sequence, error) {
	n := len(in.Images)
	if n < 2 {
		return nil, fmt.Errorf("%w: need at least 2 images to register, got %d", ErrArgumentMismatch, n)
	}
	steps := in.Steps
	if len(steps) == 0 {
		steps = make([]int, n)
		for i := range steps {
			steps[i] = i
		}
	}
	if len(steps) != n {
		return nil, fmt.Errorf("%w: %d images but %d time steps", ErrArgumentMismatch, n, len(steps))
	}
	for c, ch := range in.Extras {
		if len(ch) != n {
			return nil, fmt.Errorf("%w: %d images but %d extra images in channel %d", ErrArgumentMismatch, n, len(ch), c)
		}
	}
	if len(in.Segs) != 0 && len(in.Segs) != n {
		return nil, fmt.Errorf("%w: %d images but %d segmented images", ErrArgumentMismatch, n, len(in.Segs))
	}
	orient := Orientation(in.Orientation)
	if orient != Upright && orient != Inverted {
		return nil, fmt.Errorf("%w: microscope orientation %d, use 1 for upright or -1 for inverted", ErrArgumentMismatch, in.Orientation)
	}
	unit := in.Unit
	if unit == "" {
		unit = "h"
	}

	tps := make([]Timepoint, n)
	for i := range tps {
		tp := Timepoint{Step: steps[i], Image: in.Images[i]}
		for _, ch := range in.Extras {
			tp.Extras = append(tp.Extras, ch[i])
		}
		if len(in.Segs) == n {
			tp.Seg = in.Segs[i]
		}
		tps[i] = tp
	}
	sort.SliceStable(tps, func(a, b int) bool { return tps[a].Step < tps[b].Step })
	for i := range tps {
		if i > 0 && tps[i].Step == tps[i-1].Step {
			return nil, fmt.Errorf("%w: time step %d given twice", ErrArgumentMismatch, tps[i].Step)
		}
		tps[i].Index = i
	}
	s := &Sequence{Timepoints: tps, Unit: unit, Orientation: orient}
	return s, s.Validate()
}

// Validate checks the contiguous-index invariant.
func (s *Sequence) Validate() error {
	if len(s.Timepoints) < 2 {
		return fmt.Errorf("%w: need at least 2 timepoints", ErrArgumentMismatch)
	}
	for i, tp := range s.Timepoints {
		if tp.Index != i {
			return fmt.Errorf("%w: timepoint at position %d has index %d", ErrArgumentMismatch, i, tp.Index)
		}
		if i > 0 && tp.Step <= s.Timepoints[i-1].Step {
			return fmt.Errorf("%w: time steps must increase (%d after %d)", ErrArgumentMismatch, tp.Step, s.Timepoints[i-1].Step)
		}
	}
	return nil
}

// Len returns the number of timepoints.
func (s *Sequence) Len() int { return len(s.Timepoints) }

// At returns timepoint i.
func (s *Sequence) At(i int) Timepoint { return s.Timepoints[i] }

// Reference returns the last timepoint, onto which everything is registered.
func (s *Sequence) Reference() Timepoint { return s.Timepoints[len(s.Timepoints)-1] }

// Degenerate reports whether the sequence is a single pair, in which case
// there is no chain to compose.
func (s *Sequence) Degenerate() bool { return len(s.Timepoints) == 2 }

// Files returns every input file of the sequence.
func (s *Sequence) Files() []string {
	var out []string
	for _, tp := range s.Timepoints {
		out = append(out, tp.Image)
		out = append(out, tp.Extras...)
		if tp.Seg != "" {
			out = append(out, tp.Seg)
		}
	}
	return out
}

// CheckFiles verifies every input exists before any computation starts.
func (s *Sequence) CheckFiles() error {
	for _, f := range s.Files() {
		info, err := os.Stat(f)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInputImageUnavailable, f, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%w: %s is not a regular file", ErrInputImageUnavailable, f)
		}
	}
	return nil
}

// DefaultOutputDir is the directory of the first image.
func (s *Sequence) DefaultOutputDir() string {
	return filepath.Dir(s.Timepoints[0].Image)
}

// Span describes the time range covered, e.g. "t0-t12 h".
func (s *Sequence) Span() string {
	return fmt.Sprintf("t%d-t%d %s", s.Timepoints[0].Step, s.Reference().Step, s.Unit)
}
