package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

// TransformExt is the extension of every stored transform.
const TransformExt = ".trsf"

// Layout resolves deterministic artifact paths for one registration family
// under <output>/<type>_registrations/.
type Layout struct {
	Root string
	Type transform.Type
}

// NewLayout returns the layout for typ rooted in outputDir.
func NewLayout(outputDir string, typ transform.Type) Layout {
	return Layout{Root: filepath.Join(outputDir, string(typ)+"_registrations"), Type: typ}
}

// Ensure creates the layout root.
func (l Layout) Ensure() error {
	return os.MkdirAll(l.Root, 0o755)
}

// Key identifies one registration result: the input file it derives from and
// the floating/reference time steps it connects.
type Key struct {
	Input string
	Float int
	Ref   int
}

// Name returns "<stem>_t<float>_on_t<ref>_<type>" for input.
func (l Layout) Name(k Key) string {
	stem, _ := volume.SplitExt(k.Input)
	return fmt.Sprintf("%s_t%d_on_t%d_%s", stem, k.Float, k.Ref, l.Type)
}

// ImagePath is where the registered version of k.Input is written. The
// input's extension is kept.
func (l Layout) ImagePath(k Key) string {
	_, ext := volume.SplitExt(k.Input)
	return filepath.Join(l.Root, l.Name(k)+ext)
}

// TransformPath is where the transform for k is stored.
func (l Layout) TransformPath(k Key) string {
	return filepath.Join(l.Root, l.Name(k)+TransformExt)
}

// TransformStore persists transforms keyed by Key. It holds no in-memory
// state; every Load reads from disk.
type TransformStore struct {
	Layout Layout
}

// Path returns the file backing k.
func (s TransformStore) Path(k Key) string { return s.Layout.TransformPath(k) }

// Exists reports whether k has been stored.
func (s TransformStore) Exists(k Key) bool { return Exists(s.Path(k)) }

// Save writes t for k atomically, replacing any previous file.
func (s TransformStore) Save(k Key, t transform.Transform) error {
	return WriteAtomic(s.Path(k), func(w io.Writer) error {
		return transform.Encode(w, t)
	})
}

// Load reads the transform for k and tags it source→target.
func (s TransformStore) Load(k Key, source, target int) (transform.Transform, error) {
	f, err := os.Open(s.Path(k))
	if err != nil {
		return transform.Transform{}, err
	}
	defer f.Close()
	t, err := transform.Decode(f, source, target)
	if err != nil {
		return transform.Transform{}, fmt.Errorf("%s: %w", s.Path(k), err)
	}
	return t, nil
}
