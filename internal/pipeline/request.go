package pipeline

import (
	"fmt"
	"math/rand"
	"time"

	"seqreg/internal/config"
	"seqreg/internal/registration"
	"seqreg/internal/sequence"
	"seqreg/internal/transform"
)

// Request is the user facing description of a registration run, shared by
// the CLI flags and the HTTP API.
type Request struct {
	Images              []string   `json:"images,omitempty"`
	Steps               []int      `json:"time_steps,omitempty"`
	Extras              [][]string `json:"extra_images,omitempty"` // one list per channel
	Segs                []string   `json:"seg_images,omitempty"`
	Manifest            string     `json:"manifest,omitempty"`
	Type                string     `json:"trsf_type,omitempty"`
	Kernel              string     `json:"kernel,omitempty"`
	OutputDir           string     `json:"output_folder,omitempty"`
	Unit                string     `json:"time_unit,omitempty"`
	Orientation         int        `json:"microscope_orientation,omitempty"`
	Stage               string     `json:"stage,omitempty"`
	Force               bool       `json:"force,omitempty"`
	NoConsecutiveImages bool       `json:"no_consecutive_reg_img,omitempty"`
}

// NewID returns a sortable run identifier.
func NewID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}

// Job resolves req against cfg defaults. A manifest, when given, supplies
// the timepoints and any setting the request leaves empty.
func (req Request) Job(cfg *config.Config, id string) (Job, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	in := sequence.Input{
		Images:      req.Images,
		Steps:       req.Steps,
		Extras:      req.Extras,
		Segs:        req.Segs,
		Unit:        req.Unit,
		Orientation: req.Orientation,
	}
	typeName, outputDir := req.Type, req.OutputDir
	if req.Manifest != "" {
		if len(req.Images) != 0 {
			return Job{}, fmt.Errorf("%w: give either images or a manifest, not both", registration.ErrArgumentMismatch)
		}
		m, err := sequence.LoadManifest(req.Manifest)
		if err != nil {
			return Job{}, err
		}
		if in, err = m.Input(); err != nil {
			return Job{}, err
		}
		if req.Unit != "" {
			in.Unit = req.Unit
		}
		if req.Orientation != 0 {
			in.Orientation = req.Orientation
		}
		if typeName == "" {
			typeName = m.Type
		}
		if outputDir == "" {
			outputDir = m.OutputDir
		}
	}
	if in.Unit == "" {
		in.Unit = cfg.Registration.TimeUnit
	}
	if in.Orientation == 0 {
		in.Orientation = cfg.Registration.Orientation
	}

	if typeName == "" {
		typeName = string(transform.Rigid)
	}
	typ, err := transform.ParseType(typeName)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %v", registration.ErrArgumentMismatch, err)
	}
	stage, err := registration.ParseStage(req.Stage)
	if err != nil {
		return Job{}, err
	}

	opts := registration.OptionsFromConfig(cfg, typ)
	opts.Stage = stage
	opts.Force = req.Force
	opts.ConsecutiveImages = !req.NoConsecutiveImages
	if outputDir != "" {
		opts.OutputDir = outputDir
	}

	kernelName := req.Kernel
	if kernelName == "" {
		kernelName = cfg.Registration.Kernel
	}
	if id == "" {
		id = NewID("reg")
	}
	opts.RunID = id
	return Job{ID: id, Kernel: kernelName, Input: in, Options: opts}, nil
}
