package sequence

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewSortsByStepAndIndexesContiguously(t *testing.T) {
	s, err := New(Input{
		Images:      []string{"c.inr", "a.inr", "b.inr"},
		Steps:       []int{20, 0, 10},
		Segs:        []string{"cs.inr", "as.inr", "bs.inr"},
		Orientation: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"a.inr", "b.inr", "c.inr"} {
		tp := s.At(i)
		if tp.Index != i || tp.Image != want {
			t.Fatalf("position %d: %+v", i, tp)
		}
	}
	if s.Reference().Step != 20 || s.At(0).Seg != "as.inr" {
		t.Fatalf("unexpected reference/seg pairing")
	}
	if s.Unit != "h" || s.Orientation != Inverted {
		t.Fatalf("unit default or orientation lost: %q %v", s.Unit, s.Orientation)
	}
}

func TestNewDefaultsSteps(t *testing.T) {
	s, err := New(Input{Images: []string{"a", "b"}, Orientation: 1})
	if err != nil {
		t.Fatal(err)
	}
	if s.At(1).Step != 1 || !s.Degenerate() {
		t.Fatalf("expected steps 0,1 and degenerate pair")
	}
}

func TestNewRejectsMismatches(t *testing.T) {
	cases := map[string]Input{
		"single image":      {Images: []string{"a"}, Orientation: -1},
		"steps length":      {Images: []string{"a", "b"}, Steps: []int{0}, Orientation: -1},
		"extras length":     {Images: []string{"a", "b"}, Extras: [][]string{{"x"}}, Orientation: -1},
		"segs length":       {Images: []string{"a", "b", "c"}, Segs: []string{"x", "y"}, Orientation: -1},
		"duplicate":         {Images: []string{"a", "b"}, Steps: []int{3, 3}, Orientation: -1},
		"orientation":       {Images: []string{"a", "b"}, Orientation: 2},
		"orientation unset": {Images: []string{"a", "b"}},
	}
	for name, in := range cases {
		if _, err := New(in); !errors.Is(err, ErrArgumentMismatch) {
			t.Errorf("%s: expected ErrArgumentMismatch, got %v", name, err)
		}
	}
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.inr")
	if err := os.WriteFile(a, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := New(Input{Images: []string{a, filepath.Join(dir, "missing.inr")}, Orientation: -1})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CheckFiles(); !errors.Is(err, ErrInputImageUnavailable) {
		t.Fatalf("expected ErrInputImageUnavailable, got %v", err)
	}
	if s.DefaultOutputDir() != dir {
		t.Fatalf("output dir %q", s.DefaultOutputDir())
	}
}

func TestManifestResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seq.yaml")
	body := `type: rigid
unit: min
orientation: 1
timepoints:
  - step: 5
    image: t5.inr
    extras: [t5_ch1.inr]
    seg: t5_seg.inr
  - step: 0
    image: /abs/t0.inr
    extras: [t0_ch1.inr]
    seg: t0_seg.inr
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	in, err := m.Input()
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(in)
	if err != nil {
		t.Fatal(err)
	}
	if s.At(0).Image != "/abs/t0.inr" || s.At(1).Image != filepath.Join(dir, "t5.inr") {
		t.Fatalf("unexpected images %+v", s.Timepoints)
	}
	if s.At(1).Extras[0] != filepath.Join(dir, "t5_ch1.inr") || s.Unit != "min" || s.Orientation != Upright {
		t.Fatalf("extras, unit or orientation lost")
	}
}

func TestManifestRejectsPartialSegmentation(t *testing.T) {
	m := &Manifest{Timepoints: []ManifestTimepoint{
		{Step: 0, Image: "a", Seg: "as"},
		{Step: 1, Image: "b"},
	}}
	if _, err := m.Input(); !errors.Is(err, ErrArgumentMismatch) {
		t.Fatalf("expected ErrArgumentMismatch, got %v", err)
	}
}

func TestStepsFromNames(t *testing.T) {
	cases := map[string]int{
		"/data/emb_t012.inr.gz":  12,
		"Fluo_t5.nii":            5,
		"t7.tif":                 7,
		"run2_fuse_t030_seg.inr": 30,
	}
	for name, want := range cases {
		if got, ok := StepFromName(name); !ok || got != want {
			t.Errorf("%s: got %d ok=%v, want %d", name, got, ok, want)
		}
	}
	if _, ok := StepFromName("latest.inr"); ok {
		t.Errorf("names without a step must not parse")
	}
	if steps := StepsFromNames([]string{"a_t1.inr", "b_t1.inr"}); steps != nil {
		t.Errorf("duplicate steps should give nil, got %v", steps)
	}
	if steps := StepsFromNames([]string{"a_t3.inr", "a_t9.inr"}); len(steps) != 2 || steps[1] != 9 {
		t.Errorf("unexpected steps %v", steps)
	}
}
