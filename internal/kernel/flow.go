package kernel

import (
	"context"
	"fmt"
	"math"

	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

// estimateDense runs a coarse-to-fine Horn–Schunck flow with warping. The
// field is expressed in physical units and returned on the fixed grid.
func (n *Native) estimateDense(ctx context.Context, moving, fixed *volume.Image, p Params) (transform.Transform, error) {
	f, m, err := normalizePair(fixed, moving)
	if err != nil {
		return transform.Transform{}, err
	}
	lo, hi := max(p.PyramidLow, 0), p.PyramidHigh
	if hi < lo {
		hi = lo
	}

	var field *volume.Image
	for lvl := hi; lvl >= lo; lvl-- {
		fl, ml := downsample(f, lvl), downsample(m, lvl)
		switch {
		case field != nil:
			field = transform.ToDense(transform.Transform{Kind: transform.Dense, Field: field}, fl).Field
		case p.Init != nil:
			field = transform.ToDense(p.Init.Retag(0, 1), fl).Field.Clone()
		default:
			field = fl.Like(3, volume.Float64)
		}
		if err := n.refineLevel(ctx, ml, fl, field); err != nil {
			return transform.Transform{}, err
		}
	}

	t := transform.Transform{Kind: transform.Dense, Source: 0, Target: 1, Field: field}
	if !field.SameGrid(fixed) {
		t = transform.ToDense(t, fixed)
	}
	t.Field.Type = volume.Float32
	t.Field.Quantize()
	return t, nil
}

func (n *Native) refineLevel(ctx context.Context, moving, fixed, field *volume.Image) error {
	alpha2 := n.Alpha * n.Alpha
	nv := fixed.Voxels()
	d0 := make([]float64, len(field.Data))
	avg := make([]float64, len(field.Data))

	for w := 0; w < n.Warps; w++ {
		warped, err := Resample(ctx, moving, transform.Transform{Kind: transform.Dense, Field: field}, fixed, Linear)
		if err != nil {
			return err
		}
		grad := gradient(warped)
		copy(d0, field.Data)

		for it := 0; it < n.Iterations; it++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			neighbourAverage(field, avg)
			for v := 0; v < nv; v++ {
				g := grad[3*v : 3*v+3]
				a := avg[3*v : 3*v+3]
				b := d0[3*v : 3*v+3]
				num := g[0]*(a[0]-b[0]) + g[1]*(a[1]-b[1]) + g[2]*(a[2]-b[2]) + warped.Data[v] - fixed.Data[v]
				k := num / (alpha2 + g[0]*g[0] + g[1]*g[1] + g[2]*g[2])
				field.Data[3*v] = a[0] - g[0]*k
				field.Data[3*v+1] = a[1] - g[1]*k
				field.Data[3*v+2] = a[2] - g[2]*k
			}
		}
	}
	return nil
}

// normalizePair returns scalar float64 copies of a and b jointly rescaled
// to [0, 255].
func normalizePair(a, b *volume.Image) (*volume.Image, *volume.Image, error) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, im := range []*volume.Image{a, b} {
		for v := 0; v < im.Voxels(); v++ {
			x := im.Data[v*im.Components]
			lo, hi = math.Min(lo, x), math.Max(hi, x)
		}
	}
	if !(hi > lo) {
		return nil, nil, fmt.Errorf("images carry no contrast")
	}
	scale := 255 / (hi - lo)
	conv := func(im *volume.Image) *volume.Image {
		out := im.Like(1, volume.Float64)
		for v := range out.Data {
			out.Data[v] = (im.Data[v*im.Components] - lo) * scale
		}
		return out
	}
	return conv(a), conv(b), nil
}

// downsample averages im over blocks of 2^level voxels centred on the
// coarse grid points. Axes that would drop below 4 voxels are reduced less.
func downsample(im *volume.Image, level int) *volume.Image {
	if level <= 0 {
		return im
	}
	var f [3]int
	var shape [3]int
	var spacing [3]float64
	for a := 0; a < 3; a++ {
		f[a] = 1 << level
		for f[a] > 1 && (im.Shape[a]-1)/f[a]+1 < 4 {
			f[a] /= 2
		}
		shape[a] = (im.Shape[a]-1)/f[a] + 1
		spacing[a] = im.Spacing[a] * float64(f[a])
	}
	out := volume.New(shape, spacing, 1, volume.Float64)
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				var sum float64
				var cnt int
				for k := z*f[2] - f[2]/2; k <= z*f[2]+f[2]/2; k++ {
					for j := y*f[1] - f[1]/2; j <= y*f[1]+f[1]/2; j++ {
						for i := x*f[0] - f[0]/2; i <= x*f[0]+f[0]/2; i++ {
							if im.In(i, j, k) {
								sum += im.Data[im.Index(i, j, k)]
								cnt++
							}
						}
					}
				}
				out.Data[out.Index(x, y, z)] = sum / float64(cnt)
			}
		}
	}
	return out
}

// gradient returns the physical intensity gradient of a scalar image,
// three values per voxel.
func gradient(im *volume.Image) []float64 {
	g := make([]float64, 3*im.Voxels())
	for z := 0; z < im.Shape[2]; z++ {
		for y := 0; y < im.Shape[1]; y++ {
			for x := 0; x < im.Shape[0]; x++ {
				v := im.Index(x, y, z)
				p := [3]int{x, y, z}
				for a := 0; a < 3; a++ {
					lo, hi := p, p
					if p[a] > 0 {
						lo[a]--
					}
					if p[a] < im.Shape[a]-1 {
						hi[a]++
					}
					if hi[a] == lo[a] {
						continue
					}
					d := im.Data[im.Index(hi[0], hi[1], hi[2])] - im.Data[im.Index(lo[0], lo[1], lo[2])]
					g[3*v+a] = d / (float64(hi[a]-lo[a]) * im.Spacing[a])
				}
			}
		}
	}
	return g
}

// neighbourAverage writes into dst the 6-neighbour mean of every vector of
// field, replicating border values.
func neighbourAverage(field *volume.Image, dst []float64) {
	s := field.Shape
	for z := 0; z < s[2]; z++ {
		for y := 0; y < s[1]; y++ {
			for x := 0; x < s[0]; x++ {
				i := field.Index(x, y, z)
				nb := [6]int{
					field.Index(max(x-1, 0), y, z), field.Index(min(x+1, s[0]-1), y, z),
					field.Index(x, max(y-1, 0), z), field.Index(x, min(y+1, s[1]-1), z),
					field.Index(x, y, max(z-1, 0)), field.Index(x, y, min(z+1, s[2]-1)),
				}
				for c := 0; c < 3; c++ {
					var sum float64
					for _, j := range nb {
						sum += field.Data[j+c]
					}
					dst[i+c] = sum / 6
				}
			}
		}
	}
}
