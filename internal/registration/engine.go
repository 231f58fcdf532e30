// Package registration registers a timepoint sequence onto its last
// timepoint: consecutive pairwise estimation, right-to-left composition and
// propagation onto every image of each timepoint. Every artifact is gated by
// artifact.ShouldCompute so interrupted or repeated runs resume from disk.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"seqreg/internal/artifact"
	"seqreg/internal/config"
	"seqreg/internal/kernel"
	"seqreg/internal/logging"
	"seqreg/internal/sequence"
	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

// Stage selects which part of the pipeline a run executes.
type Stage string

const (
	StageAll         Stage = "all"
	StageConsecutive Stage = "consecutive"
	StageCompose     Stage = "compose"
	StageApply       Stage = "apply"
)

// ParseStage validates a stage name; "" means StageAll.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case "":
		return StageAll, nil
	case StageAll, StageConsecutive, StageCompose, StageApply:
		return Stage(s), nil
	}
	return "", fmt.Errorf("%w: unknown stage %q (want all, consecutive, compose or apply)", ErrArgumentMismatch, s)
}

func (s Stage) includes(o Stage) bool { return s == StageAll || s == o }

// Options control one run.
type Options struct {
	RunID     string
	Type      transform.Type
	OutputDir string // defaults to the directory of the first image
	Force     bool
	Stage     Stage
	// ConsecutiveImages writes the images resampled by each consecutive
	// transform onto the following timepoint.
	ConsecutiveImages bool

	PyramidHigh     int
	PyramidLowRigid int
	PyramidLow      int
	RefineHigh      int
	RefineLow       int
	BackgroundLabel float64
}

// DefaultOptions returns the historical pyramid and background settings.
func DefaultOptions(typ transform.Type) Options {
	return Options{
		Type:              typ,
		Stage:             StageAll,
		ConsecutiveImages: true,
		PyramidHigh:       3,
		PyramidLowRigid:   1,
		PyramidLow:        0,
		RefineHigh:        1,
		RefineLow:         0,
		BackgroundLabel:   1,
	}
}

// OptionsFromConfig applies the registration section of cfg.
func OptionsFromConfig(cfg *config.Config, typ transform.Type) Options {
	o := DefaultOptions(typ)
	r := cfg.Registration
	o.PyramidHigh = r.PyramidHigh
	o.PyramidLowRigid = r.PyramidLowRigid
	o.PyramidLow = r.PyramidLow
	o.RefineHigh = r.RefineHigh
	o.RefineLow = r.RefineLow
	o.BackgroundLabel = float64(r.BackgroundLabel)
	o.OutputDir = cfg.Paths.OutputDir
	return o
}

// pyramidLow is the finest level used for consecutive estimation.
func (o Options) pyramidLow() int {
	if o.Type == transform.Rigid {
		return o.PyramidLowRigid
	}
	return o.PyramidLow
}

// ArtifactEvent is emitted for every gated artifact decision.
type ArtifactEvent struct {
	RunID    string
	Stage    Stage
	Kind     string // "transform" or "image"
	Path     string
	Float    int
	Ref      int
	Computed bool
	Duration time.Duration
}

// Observer receives artifact events as a run progresses.
type Observer interface {
	Artifact(ArtifactEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ArtifactEvent)

func (f ObserverFunc) Artifact(ev ArtifactEvent) { f(ev) }

// Summary describes a finished run.
type Summary struct {
	RunID       string
	OutputDir   string
	Computed    int
	Reused      int
	Estimations int
	// Transforms lists the sequence transform of every floating timepoint,
	// index i mapping timepoint i onto the reference.
	Transforms []string
	Duration   time.Duration
}

// Engine runs registrations with one estimator/resampler pair.
type Engine struct {
	est       kernel.Estimator
	res       kernel.Resampler
	log       *slog.Logger
	observers []Observer
	read      func(string) (*volume.Image, error)
}

// NewEngine creates an engine. A nil logger discards output.
func NewEngine(est kernel.Estimator, res kernel.Resampler, log *slog.Logger) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	return &Engine{est: est, res: res, log: log, read: volume.Read}
}

// Observe registers o for artifact events.
func (e *Engine) Observe(o Observer) {
	e.observers = append(e.observers, o)
}

// run carries the state of one Engine.Run.
type run struct {
	*Engine
	log    *slog.Logger
	seq    *sequence.Sequence
	opts   Options
	layout artifact.Layout
	store  artifact.TransformStore
	ref    *volume.Image
	sum    *Summary

	// images written by this run; the last link and the apply stage share
	// their outputs
	written map[string]bool
}

// Run registers seq onto its last timepoint.
func (e *Engine) Run(ctx context.Context, seq *sequence.Sequence, opts Options) (*Summary, error) {
	start := time.Now()
	if opts.Type == "" {
		opts.Type = transform.Rigid
	}
	if _, err := transform.ParseType(string(opts.Type)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArgumentMismatch, err)
	}
	if opts.Stage == "" {
		opts.Stage = StageAll
	}
	if _, err := ParseStage(string(opts.Stage)); err != nil {
		return nil, err
	}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	if err := seq.CheckFiles(); err != nil {
		return nil, err
	}

	if opts.OutputDir == "" {
		opts.OutputDir = seq.DefaultOutputDir()
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOutputPath, opts.OutputDir, err)
	}
	layout := artifact.NewLayout(opts.OutputDir, opts.Type)
	if err := layout.Ensure(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOutputPath, layout.Root, err)
	}
	if n, err := artifact.CleanTemp(layout.Root); err == nil && n > 0 {
		e.log.Warn("removed interrupted writes", "count", n, "dir", layout.Root)
	}

	log := e.log
	if opts.RunID != "" {
		log = log.With("run", opts.RunID)
	}
	r := &run{
		Engine:  e,
		log:     log,
		seq:     seq,
		opts:    opts,
		layout:  layout,
		store:   artifact.TransformStore{Layout: layout},
		sum:     &Summary{RunID: opts.RunID, OutputDir: layout.Root},
		written: map[string]bool{},
	}
	if err := r.checkOutputNames(); err != nil {
		return nil, err
	}
	for i := 0; i < seq.Len()-1; i++ {
		r.sum.Transforms = append(r.sum.Transforms, r.store.Path(r.sequenceKey(i)))
	}

	log.Info("registering sequence",
		"type", opts.Type,
		"timepoints", seq.Len(),
		"span", seq.Span(),
		"orientation", seq.Orientation.String(),
		"stage", opts.Stage,
		"force", opts.Force,
		"output", layout.Root,
	)

	steps := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageConsecutive, r.consecutive},
		{StageCompose, r.compose},
		{StageApply, r.apply},
	}
	for _, st := range steps {
		if !opts.Stage.includes(st.stage) {
			continue
		}
		logging.LogProcessingStep(log, opts.RunID, string(st.stage), "started", nil)
		if err := st.fn(ctx); err != nil {
			logging.LogProcessingStep(log, opts.RunID, string(st.stage), "failed", map[string]any{"error": err.Error()})
			return r.sum, err
		}
		logging.LogProcessingStep(log, opts.RunID, string(st.stage), "done", map[string]any{
			"computed": r.sum.Computed,
			"reused":   r.sum.Reused,
		})
	}
	r.sum.Duration = time.Since(start)
	log.Info("sequence registered",
		"computed", r.sum.Computed,
		"reused", r.sum.Reused,
		"estimations", r.sum.Estimations,
		"duration", r.sum.Duration,
	)
	return r.sum, nil
}

// RegisterConsecutive runs only the pairwise stage.
func (e *Engine) RegisterConsecutive(ctx context.Context, seq *sequence.Sequence, opts Options) (*Summary, error) {
	opts.Stage = StageConsecutive
	return e.Run(ctx, seq, opts)
}

// ComposeSequence runs only the composition stage. The consecutive
// transforms must already be on disk.
func (e *Engine) ComposeSequence(ctx context.Context, seq *sequence.Sequence, opts Options) (*Summary, error) {
	opts.Stage = StageCompose
	return e.Run(ctx, seq, opts)
}

// Propagate resamples every timepoint into the reference frame using the
// sequence transforms on disk.
func (e *Engine) Propagate(ctx context.Context, seq *sequence.Sequence, opts Options) (*Summary, error) {
	opts.Stage = StageApply
	return e.Run(ctx, seq, opts)
}

// linkKey names T_i, the consecutive transform i → i+1.
func (r *run) linkKey(i int) artifact.Key {
	return artifact.Key{Input: r.seq.At(i).Image, Float: r.seq.At(i).Step, Ref: r.seq.At(i + 1).Step}
}

// sequenceKey names C_i, the transform i → reference. For the last link it
// coincides with linkKey.
func (r *run) sequenceKey(i int) artifact.Key {
	return artifact.Key{Input: r.seq.At(i).Image, Float: r.seq.At(i).Step, Ref: r.seq.Reference().Step}
}

func (r *run) readImage(path string) (*volume.Image, error) {
	im, err := r.read(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInputImageUnavailable, path, err)
	}
	return im, nil
}

func (r *run) reference() (*volume.Image, error) {
	if r.ref == nil {
		im, err := r.readImage(r.seq.Reference().Image)
		if err != nil {
			return nil, err
		}
		r.ref = im
	}
	return r.ref, nil
}

func (r *run) record(stage Stage, kind, path string, float, ref int, computed bool, d time.Duration) {
	if computed {
		r.sum.Computed++
	} else {
		r.sum.Reused++
	}
	logging.LogArtifact(r.log, string(stage), path, computed)
	ev := ArtifactEvent{
		RunID:    r.opts.RunID,
		Stage:    stage,
		Kind:     kind,
		Path:     path,
		Float:    float,
		Ref:      ref,
		Computed: computed,
		Duration: d,
	}
	for _, o := range r.observers {
		o.Artifact(ev)
	}
}

// lazy loads a transform at most once, on first use.
type lazy struct {
	load func() (transform.Transform, error)
	t    transform.Transform
	err  error
	done bool
}

func lazyValue(t transform.Transform) *lazy { return &lazy{t: t, done: true} }

func lazyLoad(fn func() (transform.Transform, error)) *lazy { return &lazy{load: fn} }

func (l *lazy) get() (transform.Transform, error) {
	if !l.done {
		l.t, l.err = l.load()
		l.done = true
	}
	return l.t, l.err
}
