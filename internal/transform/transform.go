// Package transform models spatial transforms between timepoint frames.
//
// Transforms follow the resampling ("pull") convention: a transform tagged
// Source=s, Target=t maps a physical point of the target (reference) frame to
// the point of the source (floating) frame whose intensity lands there.
package transform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"seqreg/internal/volume"
)

// Kind tags the transform variant.
type Kind int

const (
	Linear Kind = iota
	Dense
)

func (k Kind) String() string {
	if k == Dense {
		return "dense"
	}
	return "linear"
}

// Type is the registration family requested by the user.
type Type string

const (
	Rigid      Type = "rigid"
	Affine     Type = "affine"
	Deformable Type = "deformable"
)

// Types lists the supported registration families.
var Types = []Type{Rigid, Affine, Deformable}

// ParseType validates a user supplied transform type.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown transform type %q (want rigid, affine or deformable)", s)
}

// IsLinear reports whether estimates of this family are matrices.
func (t Type) IsLinear() bool { return t == Rigid || t == Affine }

var (
	ErrIncompatibleChain = errors.New("transform: composition is not tail-to-head")
	ErrNotInvertible     = errors.New("transform: not invertible")
	ErrMalformed         = errors.New("transform: malformed")
)

// Transform is a linear matrix or a dense displacement field tagged with the
// timepoints it connects.
type Transform struct {
	Kind   Kind
	Source int
	Target int
	// Matrix is the 4x4 homogeneous matrix of a Linear transform.
	Matrix *mat.Dense
	// Field holds, for a Dense transform, one physical displacement vector per
	// voxel of the grid it was computed on.
	Field *volume.Image
}

// Identity returns the identity linear transform between two timepoints.
func Identity(source, target int) Transform {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return Transform{Kind: Linear, Source: source, Target: target, Matrix: m}
}

// NewLinear wraps a 4x4 homogeneous matrix.
func NewLinear(source, target int, m *mat.Dense) (Transform, error) {
	if r, c := m.Dims(); r != 4 || c != 4 {
		return Transform{}, fmt.Errorf("%w: matrix is %dx%d", ErrMalformed, r, c)
	}
	if m.At(3, 0) != 0 || m.At(3, 1) != 0 || m.At(3, 2) != 0 || m.At(3, 3) != 1 {
		return Transform{}, fmt.Errorf("%w: last row must be 0 0 0 1", ErrMalformed)
	}
	return Transform{Kind: Linear, Source: source, Target: target, Matrix: mat.DenseCopyOf(m)}, nil
}

// NewDense wraps a displacement field. The field must carry 3 components.
func NewDense(source, target int, field *volume.Image) (Transform, error) {
	if field == nil || field.Components != 3 {
		return Transform{}, fmt.Errorf("%w: dense field needs 3 components", ErrMalformed)
	}
	if err := field.Validate(); err != nil {
		return Transform{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Transform{Kind: Dense, Source: source, Target: target, Field: field}, nil
}

// Translation builds a linear transform shifting sample positions by d.
func Translation(source, target int, d [3]float64) Transform {
	t := Identity(source, target)
	for i := 0; i < 3; i++ {
		t.Matrix.Set(i, 3, d[i])
	}
	return t
}

// Retag returns a copy with new endpoints. The payload is shared.
func (t Transform) Retag(source, target int) Transform {
	t.Source, t.Target = source, target
	return t
}

// IsLinear reports whether t is a matrix transform.
func (t Transform) IsLinear() bool { return t.Kind == Linear }

// Apply maps a physical point of the target frame into the source frame.
func (t Transform) Apply(p [3]float64) [3]float64 {
	if t.Kind == Linear {
		var out [3]float64
		for i := 0; i < 3; i++ {
			out[i] = t.Matrix.At(i, 0)*p[0] + t.Matrix.At(i, 1)*p[1] + t.Matrix.At(i, 2)*p[2] + t.Matrix.At(i, 3)
		}
		return out
	}
	d := SampleField(t.Field, p)
	return [3]float64{p[0] + d[0], p[1] + d[1], p[2] + d[2]}
}

// Invert returns the inverse of a linear transform with endpoints swapped.
func (t Transform) Invert() (Transform, error) {
	if t.Kind != Linear {
		return Transform{}, fmt.Errorf("%w: dense field", ErrNotInvertible)
	}
	var inv mat.Dense
	if err := inv.Inverse(t.Matrix); err != nil {
		return Transform{}, fmt.Errorf("%w: %v", ErrNotInvertible, err)
	}
	return Transform{Kind: Linear, Source: t.Target, Target: t.Source, Matrix: &inv}, nil
}

// Compose chains a (s→m) with b (m→t) into s→t, i.e. x ↦ a(b(x)).
// Two linear transforms compose exactly; any dense operand makes the result
// a dense field sampled on the template grid.
func Compose(a, b Transform, template *volume.Image) (Transform, error) {
	if a.Target != b.Source {
		return Transform{}, fmt.Errorf("%w: %d→%d then %d→%d", ErrIncompatibleChain, a.Source, a.Target, b.Source, b.Target)
	}
	if a.Kind == Linear && b.Kind == Linear {
		var m mat.Dense
		m.Mul(a.Matrix, b.Matrix)
		return Transform{Kind: Linear, Source: a.Source, Target: b.Target, Matrix: &m}, nil
	}
	if template == nil {
		return Transform{}, fmt.Errorf("transform: dense composition needs a template grid")
	}
	return sampleOnGrid(func(p [3]float64) [3]float64 { return a.Apply(b.Apply(p)) }, a.Source, b.Target, template), nil
}

// ToDense samples t as a displacement field on the template grid.
func ToDense(t Transform, template *volume.Image) Transform {
	if t.Kind == Dense && t.Field.SameGrid(template) {
		return t
	}
	return sampleOnGrid(t.Apply, t.Source, t.Target, template)
}

func sampleOnGrid(fn func([3]float64) [3]float64, source, target int, template *volume.Image) Transform {
	field := template.Like(3, volume.Float32)
	for z := 0; z < template.Shape[2]; z++ {
		for y := 0; y < template.Shape[1]; y++ {
			for x := 0; x < template.Shape[0]; x++ {
				p := [3]float64{float64(x) * template.Spacing[0], float64(y) * template.Spacing[1], float64(z) * template.Spacing[2]}
				q := fn(p)
				i := field.Index(x, y, z)
				field.Data[i] = q[0] - p[0]
				field.Data[i+1] = q[1] - p[1]
				field.Data[i+2] = q[2] - p[2]
			}
		}
	}
	field.Quantize()
	return Transform{Kind: Dense, Source: source, Target: target, Field: field}
}

// SampleField trilinearly interpolates a 3-component field at physical point
// p. Points outside the grid take the displacement of the nearest border voxel.
func SampleField(field *volume.Image, p [3]float64) [3]float64 {
	var idx [3]float64
	for i := 0; i < 3; i++ {
		idx[i] = p[i] / field.Spacing[i]
		idx[i] = math.Max(0, math.Min(float64(field.Shape[i]-1), idx[i]))
	}
	x0, y0, z0 := int(idx[0]), int(idx[1]), int(idx[2])
	x1, y1, z1 := min(x0+1, field.Shape[0]-1), min(y0+1, field.Shape[1]-1), min(z0+1, field.Shape[2]-1)
	fx, fy, fz := idx[0]-float64(x0), idx[1]-float64(y0), idx[2]-float64(z0)

	var out [3]float64
	for c := 0; c < 3; c++ {
		c00 := field.At(x0, y0, z0, c)*(1-fx) + field.At(x1, y0, z0, c)*fx
		c10 := field.At(x0, y1, z0, c)*(1-fx) + field.At(x1, y1, z0, c)*fx
		c01 := field.At(x0, y0, z1, c)*(1-fx) + field.At(x1, y0, z1, c)*fx
		c11 := field.At(x0, y1, z1, c)*(1-fx) + field.At(x1, y1, z1, c)*fx
		c0 := c00*(1-fy) + c10*fy
		c1 := c01*(1-fy) + c11*fy
		out[c] = c0*(1-fz) + c1*fz
	}
	return out
}

// MaxDisplacement returns the largest displacement magnitude t produces on
// the template grid.
func MaxDisplacement(t Transform, template *volume.Image) float64 {
	d := ToDense(t, template)
	var best float64
	for i := 0; i < len(d.Field.Data); i += 3 {
		v := d.Field.Data[i : i+3]
		best = math.Max(best, math.Sqrt(v[0]*v[0]+v[1]*v[1]+v[2]*v[2]))
	}
	return best
}
