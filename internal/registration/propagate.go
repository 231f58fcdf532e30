package registration

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"seqreg/internal/artifact"
	"seqreg/internal/kernel"
	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

// output is one image of a timepoint to carry into another frame.
type output struct {
	input  string
	interp kernel.Interpolation
	label  bool
}

func (r *run) outputsOf(i int) []output {
	tp := r.seq.At(i)
	outs := []output{{input: tp.Image, interp: kernel.Linear}}
	for _, x := range tp.Extras {
		outs = append(outs, output{input: x, interp: kernel.Linear})
	}
	if tp.Seg != "" {
		outs = append(outs, output{input: tp.Seg, interp: kernel.Nearest, label: true})
	}
	return outs
}

// checkOutputNames fails when two images of one timepoint would be written
// to the same output, e.g. channels kept in separate folders under the same
// file name.
func (r *run) checkOutputNames() error {
	ref := r.seq.Reference().Step
	for i := 0; i < r.seq.Len()-1; i++ {
		float := r.seq.At(i).Step
		owner := map[string]string{}
		for _, out := range r.outputsOf(i) {
			path := r.layout.ImagePath(artifact.Key{Input: out.input, Float: float, Ref: ref})
			if prev, ok := owner[path]; ok {
				return fmt.Errorf("%w: %s and %s of t%d would both be written to %s",
					ErrArgumentMismatch, prev, out.input, float, filepath.Base(path))
			}
			owner[path] = out.input
		}
	}
	return nil
}

// apply writes every image of each floating timepoint resampled onto the
// reference with its sequence transform C_i.
func (r *run) apply(ctx context.Context) error {
	n := r.seq.Len()
	last := n - 2
	for i := 0; i <= last; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := i
		var c *lazy
		if idx == last {
			c = lazyLoad(func() (transform.Transform, error) {
				return r.loadLink(last, []int{last})
			})
		} else {
			c = lazyLoad(func() (transform.Transform, error) {
				key := r.sequenceKey(idx)
				if !r.store.Exists(key) {
					return transform.Transform{}, fmt.Errorf("%w: sequence transform %s for t%d has not been composed",
						ErrMissingConsecutiveTransform, r.store.Path(key), key.Float)
				}
				return r.store.Load(key, idx, n-1)
			})
		}
		if err := r.propagate(ctx, StageApply, i, n-1, c, r.reference); err != nil {
			return err
		}
	}
	return nil
}

// propagate resamples every image of timepoint i into the frame of
// timepoint target. The transform and template are loaded only if at least
// one output has to be computed.
func (r *run) propagate(ctx context.Context, stage Stage, i, target int, t *lazy, template func() (*volume.Image, error)) error {
	float, ref := r.seq.At(i).Step, r.seq.At(target).Step
	for _, out := range r.outputsOf(i) {
		path := r.layout.ImagePath(artifact.Key{Input: out.input, Float: float, Ref: ref})
		if r.written[path] {
			continue
		}
		if !artifact.ShouldCompute(path, r.opts.Force) {
			r.record(stage, "image", path, float, ref, false, 0)
			continue
		}

		start := time.Now()
		tr, err := t.get()
		if err != nil {
			return err
		}
		tmpl, err := template()
		if err != nil {
			return err
		}
		img, err := r.readImage(out.input)
		if err != nil {
			return err
		}
		res, err := r.res.Apply(ctx, img, tr, tmpl, out.interp)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &PairError{Stage: string(stage), Float: float, Ref: ref, Err: fmt.Errorf("resample %s: %w", out.input, err)}
		}
		if out.label {
			relabelBackground(res, r.opts.BackgroundLabel)
		}
		if err := artifact.WriteImage(path, res); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		r.written[path] = true
		r.record(stage, "image", path, float, ref, true, time.Since(start))
	}
	return nil
}

// relabelBackground maps the 0 voxels introduced by resampling to the
// background label id.
func relabelBackground(im *volume.Image, id float64) {
	if id == 0 {
		return
	}
	for i, v := range im.Data {
		if v == 0 {
			im.Data[i] = id
		}
	}
}
