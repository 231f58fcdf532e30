// Package kernel holds the numerical collaborators of the registration
// engine: transform estimation and image resampling.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

// ErrEstimation is returned when an estimator fails to produce a transform.
var ErrEstimation = errors.New("kernel: estimation failed")

// Interpolation selects how a resampler reads between voxels.
type Interpolation int

const (
	Linear Interpolation = iota
	Nearest
)

func (i Interpolation) String() string {
	if i == Nearest {
		return "nearest"
	}
	return "linear"
}

// Params drive a single estimation.
type Params struct {
	Type transform.Type
	// Init, when set, is the starting transform (fixed → moving).
	Init        *transform.Transform
	PyramidHigh int
	PyramidLow  int
}

// Estimator computes the transform that resamples moving onto fixed. The
// result maps fixed-frame points into the moving frame; its endpoint tags
// are left for the caller to set.
type Estimator interface {
	Estimate(ctx context.Context, moving, fixed *volume.Image, p Params) (transform.Transform, error)
}

// Resampler produces img resampled through t on the template grid.
type Resampler interface {
	Apply(ctx context.Context, img *volume.Image, t transform.Transform, template *volume.Image, interp Interpolation) (*volume.Image, error)
}

// Kernel is a named estimator/resampler backend.
type Kernel interface {
	Name() string
	Available() bool
	Estimator
	Resampler
}

// Registry selects kernels by name.
type Registry struct {
	kernels map[string]Kernel
	order   []string
}

// NewRegistry registers ks in priority order.
func NewRegistry(ks ...Kernel) *Registry {
	r := &Registry{kernels: make(map[string]Kernel)}
	for _, k := range ks {
		r.Register(k)
	}
	return r
}

// Register a kernel. Registering a name twice replaces the kernel but keeps
// its priority.
func (r *Registry) Register(k Kernel) {
	if k == nil {
		return
	}
	if _, exists := r.kernels[k.Name()]; !exists {
		r.order = append(r.order, k.Name())
	}
	r.kernels[k.Name()] = k
}

// Names lists registered kernels, sorted.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Select returns the kernel called name; "auto" or "" picks the first
// available kernel in priority order.
func (r *Registry) Select(name string) (Kernel, error) {
	if name == "" || name == "auto" {
		for _, n := range r.order {
			if k := r.kernels[n]; k.Available() {
				return k, nil
			}
		}
		return nil, fmt.Errorf("no registration kernel available")
	}
	k, ok := r.kernels[name]
	if !ok {
		return nil, fmt.Errorf("unknown registration kernel %q", name)
	}
	if !k.Available() {
		return nil, fmt.Errorf("registration kernel %q is not available", name)
	}
	return k, nil
}
