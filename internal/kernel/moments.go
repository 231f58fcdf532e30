package kernel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

// maxMomentSamples bounds the number of voxels gathered for moment
// estimation; larger images are subsampled.
const maxMomentSamples = 200000

type moments struct {
	centroid [3]float64
	cov      *mat.SymDense
}

// foregroundMoments computes the intensity weighted centroid and covariance
// of the voxels brighter than the mean, sampling every 2^level voxels.
func foregroundMoments(im *volume.Image, level int) (moments, error) {
	step := 1 << max(level, 0)
	for im.Voxels()/(step*step*step) > maxMomentSamples {
		step++
	}
	var vals, pts []float64
	for z := 0; z < im.Shape[2]; z += step {
		for y := 0; y < im.Shape[1]; y += step {
			for x := 0; x < im.Shape[0]; x += step {
				vals = append(vals, im.At(x, y, z, 0))
				pts = append(pts, float64(x)*im.Spacing[0], float64(y)*im.Spacing[1], float64(z)*im.Spacing[2])
			}
		}
	}
	thr := stat.Mean(vals, nil)
	var w, rows []float64
	for i, v := range vals {
		if v > thr {
			w = append(w, v-thr)
			rows = append(rows, pts[3*i:3*i+3]...)
		}
	}
	if len(w) < 4 {
		return moments{}, fmt.Errorf("no foreground above mean intensity %.3g", thr)
	}
	mw := stat.Mean(w, nil)
	for i := range w {
		w[i] /= mw
	}

	X := mat.NewDense(len(w), 3, rows)
	var m moments
	for c := 0; c < 3; c++ {
		m.centroid[c] = stat.Mean(mat.Col(nil, c, X), w)
	}
	m.cov = mat.NewSymDense(3, nil)
	stat.CovarianceMatrix(m.cov, X, w)
	return m, nil
}

// estimateLinear aligns the foreground moments of moving and fixed. Rigid
// estimates rotate principal axes onto each other; affine estimates match
// the covariances exactly. The closed form needs no initialisation.
func estimateLinear(moving, fixed *volume.Image, p Params) (transform.Transform, error) {
	mf, err := foregroundMoments(fixed, p.PyramidLow)
	if err != nil {
		return transform.Transform{}, fmt.Errorf("fixed image: %w", err)
	}
	mm, err := foregroundMoments(moving, p.PyramidLow)
	if err != nil {
		return transform.Transform{}, fmt.Errorf("moving image: %w", err)
	}

	var A *mat.Dense
	switch p.Type {
	case transform.Rigid:
		A = rotationBetween(mf.cov, mm.cov)
	case transform.Affine:
		sm, err := symPow(mm.cov, 0.5)
		if err != nil {
			return transform.Transform{}, err
		}
		sf, err := symPow(mf.cov, -0.5)
		if err != nil {
			return transform.Transform{}, err
		}
		A = mat.NewDense(3, 3, nil)
		A.Mul(sm, sf)
	default:
		return transform.Transform{}, fmt.Errorf("%s is not a linear transform type", p.Type)
	}

	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 3; r++ {
		tr := mm.centroid[r]
		for c := 0; c < 3; c++ {
			m.Set(r, c, A.At(r, c))
			tr -= A.At(r, c) * mf.centroid[c]
		}
		m.Set(r, 3, tr)
	}
	m.Set(3, 3, 1)
	return transform.NewLinear(0, 1, m)
}

func eigen(c *mat.SymDense) (*mat.Dense, []float64, error) {
	var es mat.EigenSym
	if !es.Factorize(c, true) {
		return nil, nil, fmt.Errorf("eigen decomposition failed")
	}
	var v mat.Dense
	es.VectorsTo(&v)
	return &v, es.Values(nil), nil
}

// distinctAxes reports whether the ascending eigenvalues are separated
// enough for their eigenvectors to be stable.
func distinctAxes(l []float64) bool {
	if l[2] <= 0 {
		return false
	}
	gap := 0.05 * l[2]
	return l[1]-l[0] > gap && l[2]-l[1] > gap
}

// rotationBetween returns the rotation taking the principal axes of cf onto
// those of cm, or the identity when either set of axes is ambiguous.
func rotationBetween(cf, cm *mat.SymDense) *mat.Dense {
	id := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	vf, lf, err := eigen(cf)
	if err != nil {
		return id
	}
	vm, lm, err := eigen(cm)
	if err != nil {
		return id
	}
	if !distinctAxes(lf) || !distinctAxes(lm) {
		return id
	}
	for k := 0; k < 3; k++ {
		var dot float64
		for i := 0; i < 3; i++ {
			dot += vf.At(i, k) * vm.At(i, k)
		}
		if dot < 0 {
			for i := 0; i < 3; i++ {
				vm.Set(i, k, -vm.At(i, k))
			}
		}
	}
	r := mat.NewDense(3, 3, nil)
	r.Mul(vm, vf.T())
	if mat.Det(r) < 0 {
		for i := 0; i < 3; i++ {
			vm.Set(i, 0, -vm.At(i, 0))
		}
		r.Mul(vm, vf.T())
	}
	return r
}

// symPow returns V·diag(λ^power)·Vᵀ for a positive definite matrix.
func symPow(c *mat.SymDense, power float64) (*mat.Dense, error) {
	v, l, err := eigen(c)
	if err != nil {
		return nil, err
	}
	if l[0] <= 1e-12*math.Max(l[2], 1e-300) {
		return nil, fmt.Errorf("degenerate foreground covariance")
	}
	d := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		d.Set(i, i, math.Pow(l[i], power))
	}
	var tmp mat.Dense
	tmp.Mul(v, d)
	out := mat.NewDense(3, 3, nil)
	out.Mul(&tmp, v.T())
	return out, nil
}
