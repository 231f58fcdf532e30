package registration

import (
	"context"
	"fmt"
	"time"

	"seqreg/internal/artifact"
	"seqreg/internal/kernel"
	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

// ComposeChain reduces consecutive transforms T_0..T_{n-2} (T_i : i → i+1)
// right to left into C_0..C_{n-2} with C_{n-2} = T_{n-2} and
// C_i = compose(T_i, C_{i+1}). Dense results are sampled on template.
func ComposeChain(links []transform.Transform, template *volume.Image) ([]transform.Transform, error) {
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrArgumentMismatch)
	}
	out := make([]transform.Transform, len(links))
	last := len(links) - 1
	out[last] = links[last]
	for i := last - 1; i >= 0; i-- {
		c, err := transform.Compose(links[i], out[i+1], template)
		if err != nil {
			return nil, fmt.Errorf("compose link %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}

// compose produces and stores C_i for every floating timepoint. C_{n-2} is
// T_{n-2} and shares its file, so only C_0..C_{n-3} are written here.
func (r *run) compose(ctx context.Context) error {
	n := r.seq.Len()
	if r.seq.Degenerate() {
		r.log.Info("single pair: the consecutive transform is the sequence transform")
		return nil
	}

	last := n - 2
	var pending []int
	for i := 0; i < last; i++ {
		if artifact.ShouldCompute(r.store.Path(r.sequenceKey(i)), r.opts.Force) {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		r.log.Info("all sequence transforms exist, skipping composition")
		for i := 0; i < last; i++ {
			k := r.sequenceKey(i)
			r.record(StageCompose, "transform", r.store.Path(k), k.Float, k.Ref, false, 0)
		}
		return nil
	}
	if err := r.preflight(pending); err != nil {
		return err
	}

	next := lazyLoad(func() (transform.Transform, error) {
		return r.loadLink(last, allUpTo(last))
	})
	for i := last - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := r.sequenceKey(i)
		path := r.store.Path(key)
		if !artifact.ShouldCompute(path, r.opts.Force) {
			r.record(StageCompose, "transform", path, key.Float, key.Ref, false, 0)
			idx := i
			next = lazyLoad(func() (transform.Transform, error) {
				return r.store.Load(r.sequenceKey(idx), idx, n-1)
			})
			continue
		}

		start := time.Now()
		c, err := r.composeAt(ctx, i, next)
		if err != nil {
			return err
		}
		if err := r.store.Save(key, c); err != nil {
			return err
		}
		r.record(StageCompose, "transform", path, key.Float, key.Ref, true, time.Since(start))
		next = lazyValue(c)
	}
	return nil
}

// composeAt computes C_i = compose(T_i, C_{i+1}) and, for deformable
// registrations, re-estimates it directly against the reference starting
// from the composed field.
func (r *run) composeAt(ctx context.Context, i int, next *lazy) (transform.Transform, error) {
	n := r.seq.Len()
	t, err := r.loadLink(i, allUpTo(i))
	if err != nil {
		return transform.Transform{}, err
	}
	rest, err := next.get()
	if err != nil {
		return transform.Transform{}, err
	}
	ref, err := r.reference()
	if err != nil {
		return transform.Transform{}, err
	}
	c, err := transform.Compose(t, rest, ref)
	if err != nil {
		return transform.Transform{}, fmt.Errorf("compose t%d: %w", r.seq.At(i).Step, err)
	}
	if r.opts.Type != transform.Deformable {
		return c, nil
	}

	moving, err := r.readImage(r.seq.At(i).Image)
	if err != nil {
		return transform.Transform{}, err
	}
	r.log.Info("refining composed transform",
		"float", r.seq.At(i).Step,
		"ref", r.seq.Reference().Step,
		"py_hl", r.opts.RefineHigh,
		"py_ll", r.opts.RefineLow,
	)
	refined, err := r.est.Estimate(ctx, moving, ref, kernel.Params{
		Type:        r.opts.Type,
		Init:        &c,
		PyramidHigh: r.opts.RefineHigh,
		PyramidLow:  r.opts.RefineLow,
	})
	r.sum.Estimations++
	if err != nil {
		if ctx.Err() != nil {
			return transform.Transform{}, ctx.Err()
		}
		return transform.Transform{}, registrationFailed("refine", r.seq.At(i).Step, r.seq.Reference().Step, err)
	}
	return refined.Retag(i, n-1), nil
}

// preflight fails before anything is written when a link required by a
// pending composition is missing. C_i needs T_i, and the chain bottoms out
// at T_{n-2}; cached sequence transforms stop the dependency walk.
func (r *run) preflight(pending []int) error {
	last := r.seq.Len() - 2
	needed := map[int]bool{}
	for _, i := range pending {
		needed[i] = true
		if i == last-1 {
			needed[last] = true
		}
	}
	missing := -1
	for j := range needed {
		if !r.store.Exists(r.linkKey(j)) && j > missing {
			missing = j
		}
	}
	if missing < 0 {
		return nil
	}
	k := r.linkKey(missing)
	return &MissingConsecutiveTransformError{
		Link:     missing,
		Float:    k.Float,
		Ref:      k.Ref,
		Path:     r.store.Path(k),
		Affected: allUpTo(missing),
	}
}

func allUpTo(j int) []int {
	out := make([]int, j+1)
	for i := range out {
		out[i] = i
	}
	return out
}
