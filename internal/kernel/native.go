package kernel

import (
	"context"
	"fmt"

	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

// Native is the in-process kernel: moment based linear estimation, a
// Horn–Schunck deformable flow and trilinear/nearest resampling.
type Native struct {
	Iterations int     // flow iterations per warp
	Alpha      float64 // flow smoothness weight, in intensity units of a [0,255] image
	Warps      int
}

// NewNative returns a native kernel with the given flow parameters.
func NewNative(iterations int, alpha float64) *Native {
	if iterations <= 0 {
		iterations = 60
	}
	if alpha <= 0 {
		alpha = 4
	}
	return &Native{Iterations: iterations, Alpha: alpha, Warps: 3}
}

func (n *Native) Name() string   { return "native" }
func (n *Native) Available() bool { return true }

// Estimate implements Estimator.
func (n *Native) Estimate(ctx context.Context, moving, fixed *volume.Image, p Params) (transform.Transform, error) {
	var (
		t   transform.Transform
		err error
	)
	if p.Type.IsLinear() {
		t, err = estimateLinear(moving, fixed, p)
	} else {
		t, err = n.estimateDense(ctx, moving, fixed, p)
	}
	if err != nil {
		if ctx.Err() != nil {
			return transform.Transform{}, ctx.Err()
		}
		return transform.Transform{}, fmt.Errorf("%w: %s: %v", ErrEstimation, p.Type, err)
	}
	return t, nil
}

// Apply implements Resampler.
func (n *Native) Apply(ctx context.Context, img *volume.Image, t transform.Transform, template *volume.Image, interp Interpolation) (*volume.Image, error) {
	return Resample(ctx, img, t, template, interp)
}
