// Package volume holds the in-memory 3D image representation and the codecs
// used to move images between disk and the registration engine.
package volume

import (
	"fmt"
	"math"
)

// DataType is the on-disk voxel storage type. Voxels are always held as
// float64 in memory; the type governs rounding and clamping on encode.
type DataType int

const (
	Uint8 DataType = iota
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
)

func (d DataType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	case Uint32:
		return "uint32"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("DataType(%d)", int(d))
	}
}

// Bits returns the storage width of one component.
func (d DataType) Bits() int {
	switch d {
	case Uint8, Int8:
		return 8
	case Uint16, Int16:
		return 16
	case Uint32, Int32, Float32:
		return 32
	default:
		return 64
	}
}

// IsFloat reports whether d stores floating point values.
func (d DataType) IsFloat() bool { return d == Float32 || d == Float64 }

// IsSigned reports whether d is a signed integer type.
func (d DataType) IsSigned() bool { return d == Int8 || d == Int16 || d == Int32 }

func (d DataType) limits() (float64, float64) {
	switch d {
	case Uint8:
		return 0, math.MaxUint8
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Uint16:
		return 0, math.MaxUint16
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Uint32:
		return 0, math.MaxUint32
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Float32:
		return -math.MaxFloat32, math.MaxFloat32
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}

// Quantize rounds and clamps v to what the type can store.
func (d DataType) Quantize(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	lo, hi := d.limits()
	if !d.IsFloat() {
		v = math.Round(v)
	}
	v = math.Max(lo, math.Min(hi, v))
	if d == Float32 {
		v = float64(float32(v))
	}
	return v
}

// Image is a sampled 3D scalar or vector field. Data is laid out x fastest,
// then y, then z, with vector components interleaved per voxel.
type Image struct {
	Shape      [3]int
	Spacing    [3]float64
	Components int
	Type       DataType
	Data       []float64
}

// New allocates a zeroed image.
func New(shape [3]int, spacing [3]float64, components int, typ DataType) *Image {
	if components < 1 {
		components = 1
	}
	for i := range spacing {
		if spacing[i] <= 0 {
			spacing[i] = 1
		}
	}
	n := shape[0] * shape[1] * shape[2] * components
	return &Image{Shape: shape, Spacing: spacing, Components: components, Type: typ, Data: make([]float64, n)}
}

// Voxels returns the number of grid points.
func (im *Image) Voxels() int { return im.Shape[0] * im.Shape[1] * im.Shape[2] }

// Index returns the offset of component 0 of voxel (x, y, z).
func (im *Image) Index(x, y, z int) int {
	return ((z*im.Shape[1]+y)*im.Shape[0] + x) * im.Components
}

// In reports whether (x, y, z) lies on the grid.
func (im *Image) In(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < im.Shape[0] && y < im.Shape[1] && z < im.Shape[2]
}

// At returns component c of voxel (x, y, z).
func (im *Image) At(x, y, z, c int) float64 { return im.Data[im.Index(x, y, z)+c] }

// Set stores v into component c of voxel (x, y, z).
func (im *Image) Set(x, y, z, c int, v float64) { im.Data[im.Index(x, y, z)+c] = v }

// SameGrid reports whether both images share shape and spacing.
func (im *Image) SameGrid(o *Image) bool {
	if im.Shape != o.Shape {
		return false
	}
	for i := range im.Spacing {
		if math.Abs(im.Spacing[i]-o.Spacing[i]) > 1e-9 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	cp := *im
	cp.Data = append([]float64(nil), im.Data...)
	return &cp
}

// Like allocates an empty image on the grid of im with the given layout.
func (im *Image) Like(components int, typ DataType) *Image {
	return New(im.Shape, im.Spacing, components, typ)
}

// Validate checks internal consistency.
func (im *Image) Validate() error {
	for i, n := range im.Shape {
		if n < 1 {
			return fmt.Errorf("volume: axis %d has size %d", i, n)
		}
	}
	if im.Components < 1 {
		return fmt.Errorf("volume: %d components", im.Components)
	}
	if want := im.Voxels() * im.Components; len(im.Data) != want {
		return fmt.Errorf("volume: data length %d, want %d", len(im.Data), want)
	}
	return nil
}

// Quantize rounds every voxel to the storage type in place.
func (im *Image) Quantize() {
	for i, v := range im.Data {
		im.Data[i] = im.Type.Quantize(v)
	}
}
