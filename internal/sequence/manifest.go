package sequence

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest is the YAML description of a sequence. Relative paths are
// resolved against the manifest's directory.
//
//	type: deformable
//	unit: h
//	orientation: -1
//	timepoints:
//	  - step: 0
//	    image: t000.inr
//	    extras: [t000_ch1.inr]
//	    seg: t000_seg.inr
type Manifest struct {
	Type        string              `yaml:"type,omitempty"`
	Unit        string              `yaml:"unit,omitempty"`
	Orientation int                 `yaml:"orientation,omitempty"`
	OutputDir   string              `yaml:"output,omitempty"`
	Timepoints  []ManifestTimepoint `yaml:"timepoints"`
}

// ManifestTimepoint is one entry of Manifest.Timepoints.
type ManifestTimepoint struct {
	Step   int      `yaml:"step"`
	Image  string   `yaml:"image"`
	Extras []string `yaml:"extras,omitempty"`
	Seg    string   `yaml:"seg,omitempty"`
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	base := filepath.Dir(path)
	for i := range m.Timepoints {
		tp := &m.Timepoints[i]
		tp.Image = resolve(base, tp.Image)
		tp.Seg = resolve(base, tp.Seg)
		for j := range tp.Extras {
			tp.Extras[j] = resolve(base, tp.Extras[j])
		}
	}
	if m.OutputDir != "" {
		m.OutputDir = resolve(base, m.OutputDir)
	}
	return &m, nil
}

// SaveManifest writes m as YAML.
func SaveManifest(m *Manifest, path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Input converts the manifest to a sequence Input. Every timepoint must
// declare the same number of extra channels.
func (m *Manifest) Input() (Input, error) {
	in := Input{Unit: m.Unit, Orientation: m.Orientation}
	if len(m.Timepoints) == 0 {
		return in, fmt.Errorf("%w: manifest lists no timepoints", ErrArgumentMismatch)
	}
	channels := len(m.Timepoints[0].Extras)
	in.Extras = make([][]string, channels)
	segs := 0
	for _, tp := range m.Timepoints {
		if len(tp.Extras) != channels {
			return in, fmt.Errorf("%w: timepoint %d has %d extra images, expected %d", ErrArgumentMismatch, tp.Step, len(tp.Extras), channels)
		}
		in.Images = append(in.Images, tp.Image)
		in.Steps = append(in.Steps, tp.Step)
		for c := range tp.Extras {
			in.Extras[c] = append(in.Extras[c], tp.Extras[c])
		}
		if tp.Seg != "" {
			segs++
		}
	}
	if segs != 0 && segs != len(m.Timepoints) {
		return in, fmt.Errorf("%w: %d of %d timepoints declare a segmentation", ErrArgumentMismatch, segs, len(m.Timepoints))
	}
	if segs != 0 {
		for _, tp := range m.Timepoints {
			in.Segs = append(in.Segs, tp.Seg)
		}
	}
	return in, nil
}

// ManifestOf describes s as a manifest.
func ManifestOf(s *Sequence) *Manifest {
	m := &Manifest{Unit: s.Unit, Orientation: int(s.Orientation)}
	for _, tp := range s.Timepoints {
		m.Timepoints = append(m.Timepoints, ManifestTimepoint{
			Step:   tp.Step,
			Image:  tp.Image,
			Extras: append([]string(nil), tp.Extras...),
			Seg:    tp.Seg,
		})
	}
	return m
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
