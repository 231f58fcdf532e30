package kernel

import (
	"context"
	"math"

	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

// Resample pulls img through t onto the template grid. The output keeps the
// storage type and component count of img; samples falling outside img
// read as 0.
func Resample(ctx context.Context, img *volume.Image, t transform.Transform, template *volume.Image, interp Interpolation) (*volume.Image, error) {
	out := template.Like(img.Components, img.Type)
	apply := pointMapper(t)
	var p [3]float64
	for z := 0; z < template.Shape[2]; z++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p[2] = float64(z) * template.Spacing[2]
		for y := 0; y < template.Shape[1]; y++ {
			p[1] = float64(y) * template.Spacing[1]
			for x := 0; x < template.Shape[0]; x++ {
				p[0] = float64(x) * template.Spacing[0]
				q := apply(p)
				i := out.Index(x, y, z)
				for c := 0; c < img.Components; c++ {
					if interp == Nearest {
						out.Data[i+c] = sampleNearest(img, q, c)
					} else {
						out.Data[i+c] = sampleLinear(img, q, c)
					}
				}
			}
		}
	}
	out.Quantize()
	return out, nil
}

// pointMapper unpacks linear matrices once so the inner loop avoids
// per-element accessor calls.
func pointMapper(t transform.Transform) func([3]float64) [3]float64 {
	if t.Kind != transform.Linear {
		return t.Apply
	}
	var m [12]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			m[r*4+c] = t.Matrix.At(r, c)
		}
	}
	return func(p [3]float64) [3]float64 {
		return [3]float64{
			m[0]*p[0] + m[1]*p[1] + m[2]*p[2] + m[3],
			m[4]*p[0] + m[5]*p[1] + m[6]*p[2] + m[7],
			m[8]*p[0] + m[9]*p[1] + m[10]*p[2] + m[11],
		}
	}
}

func voxelOrZero(img *volume.Image, x, y, z, c int) float64 {
	if !img.In(x, y, z) {
		return 0
	}
	return img.Data[img.Index(x, y, z)+c]
}

func sampleNearest(img *volume.Image, q [3]float64, c int) float64 {
	x := int(math.Round(q[0] / img.Spacing[0]))
	y := int(math.Round(q[1] / img.Spacing[1]))
	z := int(math.Round(q[2] / img.Spacing[2]))
	return voxelOrZero(img, x, y, z, c)
}

func sampleLinear(img *volume.Image, q [3]float64, c int) float64 {
	fx, fy, fz := q[0]/img.Spacing[0], q[1]/img.Spacing[1], q[2]/img.Spacing[2]
	if fx < -1 || fy < -1 || fz < -1 ||
		fx > float64(img.Shape[0]) || fy > float64(img.Shape[1]) || fz > float64(img.Shape[2]) {
		return 0
	}
	x0, y0, z0 := int(math.Floor(fx)), int(math.Floor(fy)), int(math.Floor(fz))
	dx, dy, dz := fx-float64(x0), fy-float64(y0), fz-float64(z0)

	c00 := voxelOrZero(img, x0, y0, z0, c)*(1-dx) + voxelOrZero(img, x0+1, y0, z0, c)*dx
	c10 := voxelOrZero(img, x0, y0+1, z0, c)*(1-dx) + voxelOrZero(img, x0+1, y0+1, z0, c)*dx
	c01 := voxelOrZero(img, x0, y0, z0+1, c)*(1-dx) + voxelOrZero(img, x0+1, y0, z0+1, c)*dx
	c11 := voxelOrZero(img, x0, y0+1, z0+1, c)*(1-dx) + voxelOrZero(img, x0+1, y0+1, z0+1, c)*dx
	c0 := c00*(1-dy) + c10*dy
	c1 := c01*(1-dy) + c11*dy
	return c0*(1-dz) + c1*dz
}
