package registration

import (
	"context"
	"time"

	"seqreg/internal/artifact"
	"seqreg/internal/kernel"
	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

// consecutive estimates T_i : i → i+1 for every adjacent pair, reusing
// stored transforms, and optionally writes the images each link resamples.
func (r *run) consecutive(ctx context.Context) error {
	n := r.seq.Len()
	for i := 0; i < n-1; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.registerPair(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) registerPair(ctx context.Context, i int) error {
	float, ref := r.seq.At(i), r.seq.At(i+1)
	key := r.linkKey(i)
	path := r.store.Path(key)

	var fixed *volume.Image
	template := func() (*volume.Image, error) {
		if fixed == nil {
			im, err := r.readImage(ref.Image)
			if err != nil {
				return nil, err
			}
			fixed = im
		}
		return fixed, nil
	}

	var link *lazy
	if artifact.ShouldCompute(path, r.opts.Force) {
		start := time.Now()
		moving, err := r.readImage(float.Image)
		if err != nil {
			return err
		}
		fix, err := template()
		if err != nil {
			return err
		}
		r.log.Info("estimating consecutive transform",
			"float", float.Step,
			"ref", ref.Step,
			"unit", r.seq.Unit,
			"type", r.opts.Type,
		)
		t, err := r.est.Estimate(ctx, moving, fix, kernel.Params{
			Type:        r.opts.Type,
			PyramidHigh: r.opts.PyramidHigh,
			PyramidLow:  r.opts.pyramidLow(),
		})
		r.sum.Estimations++
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return registrationFailed("consecutive", float.Step, ref.Step, err)
		}
		t = t.Retag(i, i+1)
		if err := r.store.Save(key, t); err != nil {
			return err
		}
		r.record(StageConsecutive, "transform", path, float.Step, ref.Step, true, time.Since(start))
		link = lazyValue(t)
	} else {
		r.record(StageConsecutive, "transform", path, float.Step, ref.Step, false, 0)
		link = lazyLoad(func() (transform.Transform, error) {
			return r.loadLink(i, []int{i})
		})
	}

	if !r.opts.ConsecutiveImages {
		return nil
	}
	return r.propagate(ctx, StageConsecutive, i, i+1, link, template)
}

// loadLink reads T_i from the store. affected lists the transform indices
// that cannot be produced without it.
func (r *run) loadLink(i int, affected []int) (transform.Transform, error) {
	key := r.linkKey(i)
	if !r.store.Exists(key) {
		return transform.Transform{}, &MissingConsecutiveTransformError{
			Link:     i,
			Float:    key.Float,
			Ref:      key.Ref,
			Path:     r.store.Path(key),
			Affected: affected,
		}
	}
	return r.store.Load(key, i, i+1)
}
