package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"seqreg/internal/config"
	"seqreg/internal/fsutil"
	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

// VT drives the external blockmatching and applyTrsf binaries. Images and
// transforms are exchanged as INR and .trsf files in a scratch directory.
type VT struct {
	tools   config.Tools
	tempDir string
	manager *ToolManager
	log     *slog.Logger
}

// NewVT creates the external-tool kernel.
func NewVT(tools config.Tools, tempDir string, log *slog.Logger) *VT {
	tm := NewToolManager(tools)
	return &VT{tools: tm.tools, tempDir: tempDir, manager: tm, log: log}
}

func (v *VT) Name() string    { return "vt" }
func (v *VT) Available() bool { return v.manager.Available() }

// Tools exposes the tool manager for status reports.
func (v *VT) Tools() *ToolManager { return v.manager }

func vtTransformType(t transform.Type) string {
	if t == transform.Deformable {
		return "vectorfield"
	}
	return string(t)
}

// Estimate implements Estimator.
func (v *VT) Estimate(ctx context.Context, moving, fixed *volume.Image, p Params) (transform.Transform, error) {
	scratch, err := v.scratch(moving, fixed)
	if err != nil {
		return transform.Transform{}, err
	}
	defer scratch.Cleanup()

	flo := filepath.Join(scratch.Dir, "flo.inr")
	ref := filepath.Join(scratch.Dir, "ref.inr")
	res := filepath.Join(scratch.Dir, "res.inr")
	resTrsf := filepath.Join(scratch.Dir, "res.trsf")
	if err := writeINR(flo, moving); err != nil {
		return transform.Transform{}, err
	}
	if err := writeINR(ref, fixed); err != nil {
		return transform.Transform{}, err
	}

	args := []string{
		"-flo", flo,
		"-ref", ref,
		"-res", res,
		"-res-trsf", resTrsf,
		"-trsf-type", vtTransformType(p.Type),
		"-py-hl", strconv.Itoa(p.PyramidHigh),
		"-py-ll", strconv.Itoa(p.PyramidLow),
	}
	if p.Init != nil {
		initTrsf := filepath.Join(scratch.Dir, "init.trsf")
		if err := writeTrsf(initTrsf, *p.Init); err != nil {
			return transform.Transform{}, err
		}
		args = append(args, "-init-trsf", initTrsf)
	}
	if err := v.run(ctx, v.tools.BlockMatching, args...); err != nil {
		return transform.Transform{}, fmt.Errorf("%w: %v", ErrEstimation, err)
	}

	f, err := os.Open(resTrsf)
	if err != nil {
		return transform.Transform{}, fmt.Errorf("%w: blockmatching wrote no transform: %v", ErrEstimation, err)
	}
	defer f.Close()
	t, err := transform.Decode(f, 0, 1)
	if err != nil {
		return transform.Transform{}, fmt.Errorf("%w: %v", ErrEstimation, err)
	}
	return t, nil
}

// Apply implements Resampler.
func (v *VT) Apply(ctx context.Context, img *volume.Image, t transform.Transform, template *volume.Image, interp Interpolation) (*volume.Image, error) {
	scratch, err := v.scratch(img, template)
	if err != nil {
		return nil, err
	}
	defer scratch.Cleanup()

	in := filepath.Join(scratch.Dir, "in.inr")
	out := filepath.Join(scratch.Dir, "out.inr")
	tmpl := filepath.Join(scratch.Dir, "template.inr")
	trsf := filepath.Join(scratch.Dir, "t.trsf")
	if err := writeINR(in, img); err != nil {
		return nil, err
	}
	if err := writeINR(tmpl, template); err != nil {
		return nil, err
	}
	if err := writeTrsf(trsf, t); err != nil {
		return nil, err
	}
	if err := v.run(ctx, v.tools.ApplyTrsf, in, out, "-trsf", trsf, "-template", tmpl, "-"+interp.String()); err != nil {
		return nil, err
	}
	return volume.Read(out)
}

func (v *VT) scratch(ims ...*volume.Image) (*fsutil.Scratch, error) {
	var bytes int64
	for _, im := range ims {
		bytes += int64(len(im.Data)) * int64(im.Type.Bits()/8)
	}
	// inputs plus a result image and a float32 vector field
	need := bytes*2/(1024*1024) + 1
	return fsutil.NewScratch(need, v.tempDir, v.log)
}

func (v *VT) run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	if v.log != nil {
		v.log.Debug("running external tool", "tool", bin, "args", args)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w, output: %s", filepath.Base(bin), err, string(output))
	}
	return nil
}

func writeINR(path string, im *volume.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := volume.EncodeINR(f, im); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeTrsf(path string, t transform.Transform) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := transform.Encode(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
