package registration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"seqreg/internal/artifact"
	"seqreg/internal/kernel"
	"seqreg/internal/sequence"
	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

type stubEstimator struct {
	calls   int
	refines int
	params  []kernel.Params
	failOn  int
}

func (s *stubEstimator) Estimate(_ context.Context, moving, fixed *volume.Image, p kernel.Params) (transform.Transform, error) {
	s.calls++
	s.params = append(s.params, p)
	if s.failOn == s.calls {
		return transform.Transform{}, errors.New("no convergence")
	}
	if p.Init != nil {
		s.refines++
		return *p.Init, nil
	}
	a, b := moving.Data[0], fixed.Data[0]
	if p.Type == transform.Deformable {
		field := fixed.Like(3, volume.Float32)
		for v := 0; v < field.Voxels(); v++ {
			field.Data[3*v] = a / 10
		}
		return transform.NewDense(0, 1, field)
	}
	return linearFor(a, b), nil
}

// linearFor builds a sheared translation so that products do not commute.
func linearFor(a, b float64) transform.Transform {
	m := mat.NewDense(4, 4, []float64{
		1, 0.1 * a, 0, a,
		0, 1, 0, b,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	t, err := transform.NewLinear(0, 1, m)
	if err != nil {
		panic(err)
	}
	return t
}

type countingResampler struct {
	calls   int
	interps []kernel.Interpolation
}

func (c *countingResampler) Apply(ctx context.Context, img *volume.Image, t transform.Transform, tmpl *volume.Image, interp kernel.Interpolation) (*volume.Image, error) {
	c.calls++
	c.interps = append(c.interps, interp)
	return kernel.Resample(ctx, img, t, tmpl, interp)
}

type fixture struct {
	dir    string
	seq    *sequence.Sequence
	est    *stubEstimator
	res    *countingResampler
	engine *Engine
}

func writeVolume(t *testing.T, path string, fill func(im *volume.Image)) {
	t.Helper()
	im := volume.New([3]int{6, 5, 4}, [3]float64{1, 1, 2}, 1, volume.Uint8)
	fill(im)
	if err := artifact.WriteImage(path, im); err != nil {
		t.Fatal(err)
	}
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	dir := t.TempDir()
	in := sequence.Input{Extras: [][]string{nil}, Orientation: -1}
	for k := 0; k < n; k++ {
		img := filepath.Join(dir, fmt.Sprintf("emb_t%03d.inr", k*5))
		extra := filepath.Join(dir, fmt.Sprintf("emb_ch1_t%03d.inr", k*5))
		seg := filepath.Join(dir, fmt.Sprintf("emb_seg_t%03d.inr", k*5))
		value := float64(k + 1)
		writeVolume(t, img, func(im *volume.Image) {
			for i := range im.Data {
				im.Data[i] = value
			}
		})
		writeVolume(t, extra, func(im *volume.Image) {
			for i := range im.Data {
				im.Data[i] = 50 + value
			}
		})
		writeVolume(t, seg, func(im *volume.Image) {
			for z := 0; z < 4; z++ {
				for y := 0; y < 5; y++ {
					for x := 0; x < 6; x++ {
						label := 2.0
						if x >= 3 {
							label = 5
						}
						im.Set(x, y, z, 0, label)
					}
				}
			}
		})
		in.Images = append(in.Images, img)
		in.Steps = append(in.Steps, k*5)
		in.Extras[0] = append(in.Extras[0], extra)
		in.Segs = append(in.Segs, seg)
	}
	seq, err := sequence.New(in)
	if err != nil {
		t.Fatal(err)
	}
	est, res := &stubEstimator{}, &countingResampler{}
	return &fixture{dir: dir, seq: seq, est: est, res: res, engine: NewEngine(est, res, nil)}
}

func (f *fixture) run(t *testing.T, opts Options) (*Summary, error) {
	t.Helper()
	return f.engine.Run(context.Background(), f.seq, opts)
}

func digests(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		d, err := artifact.Digest(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		out[e.Name()] = d
	}
	return out
}

func TestComposeChainLinear(t *testing.T) {
	links := []transform.Transform{
		linearFor(1, 2).Retag(0, 1),
		linearFor(2, 3).Retag(1, 2),
		linearFor(3, 4).Retag(2, 3),
	}
	chain, err := ComposeChain(links, nil)
	if err != nil {
		t.Fatal(err)
	}
	var c1, c0 mat.Dense
	c1.Mul(links[1].Matrix, links[2].Matrix)
	c0.Mul(links[0].Matrix, &c1)
	if !mat.EqualApprox(chain[0].Matrix, &c0, 1e-12) || !mat.EqualApprox(chain[1].Matrix, &c1, 1e-12) {
		t.Fatalf("composition order wrong")
	}
	if chain[2].Matrix != links[2].Matrix {
		t.Fatalf("last link must pass through unchanged")
	}
	for i, c := range chain {
		if c.Source != i || c.Target != 3 {
			t.Fatalf("C%d tagged %d→%d", i, c.Source, c.Target)
		}
	}
}

func TestRunFourTimepointsLinear(t *testing.T) {
	f := newFixture(t, 4)
	opts := DefaultOptions(transform.Affine)
	sum, err := f.run(t, opts)
	if err != nil {
		t.Fatal(err)
	}
	if f.est.calls != 3 || f.est.refines != 0 {
		t.Fatalf("expected 3 consecutive estimations and no refinement, got %d/%d", f.est.calls, f.est.refines)
	}
	for _, p := range f.est.params {
		if p.PyramidHigh != 3 || p.PyramidLow != 0 || p.Init != nil {
			t.Fatalf("unexpected params %+v", p)
		}
	}

	root := filepath.Join(f.dir, "affine_registrations")
	if sum.OutputDir != root {
		t.Fatalf("output dir %q", sum.OutputDir)
	}
	if sum.Transforms[2] != filepath.Join(root, "emb_t010_t10_on_t15_affine.trsf") {
		t.Fatalf("last sequence transform should be the last link, got %s", sum.Transforms[2])
	}

	store := artifact.TransformStore{Layout: artifact.NewLayout(f.dir, transform.Affine)}
	c0, err := store.Load(artifact.Key{Input: f.seq.At(0).Image, Float: 0, Ref: 15}, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	var want, tail mat.Dense
	tail.Mul(linearFor(2, 3).Matrix, linearFor(3, 4).Matrix)
	want.Mul(linearFor(1, 2).Matrix, &tail)
	if !mat.EqualApprox(c0.Matrix, &want, 1e-9) {
		t.Fatalf("C0 != T0·T1·T2:\n%v", mat.Formatted(c0.Matrix))
	}

	for _, name := range []string{
		"emb_t000_t0_on_t5_affine.inr",
		"emb_ch1_t000_t0_on_t5_affine.inr",
		"emb_seg_t000_t0_on_t5_affine.inr",
		"emb_t000_t0_on_t15_affine.inr",
		"emb_ch1_t005_t5_on_t15_affine.inr",
		"emb_seg_t010_t10_on_t15_affine.inr",
		"emb_t005_t5_on_t15_affine.trsf",
	} {
		if !artifact.Exists(filepath.Join(root, name)) {
			t.Errorf("missing artifact %s", name)
		}
	}
	if artifact.Exists(filepath.Join(root, "emb_t015_t15_on_t15_affine.inr")) {
		t.Errorf("reference timepoint must not be resampled")
	}
}

func TestRunRejectsChannelsSharingFileNames(t *testing.T) {
	dir := t.TempDir()
	in := sequence.Input{Extras: [][]string{nil}, Orientation: -1}
	for k := 0; k < 3; k++ {
		name := fmt.Sprintf("emb_t%d.inr", k)
		for _, ch := range []string{"c1", "c2"} {
			if err := os.MkdirAll(filepath.Join(dir, ch), 0o755); err != nil {
				t.Fatal(err)
			}
			value := float64(k + 1)
			writeVolume(t, filepath.Join(dir, ch, name), func(im *volume.Image) {
				for i := range im.Data {
					im.Data[i] = value
				}
			})
		}
		in.Images = append(in.Images, filepath.Join(dir, "c1", name))
		in.Extras[0] = append(in.Extras[0], filepath.Join(dir, "c2", name))
	}
	seq, err := sequence.New(in)
	if err != nil {
		t.Fatal(err)
	}
	est, res := &stubEstimator{}, &countingResampler{}
	out := filepath.Join(dir, "out")
	opts := DefaultOptions(transform.Rigid)
	opts.OutputDir = out
	_, err = NewEngine(est, res, nil).Run(context.Background(), seq, opts)
	if !errors.Is(err, ErrArgumentMismatch) {
		t.Fatalf("expected ErrArgumentMismatch, got %v", err)
	}
	if est.calls != 0 || res.calls != 0 {
		t.Fatalf("nothing should run before the check: estimator %d, resampler %d", est.calls, res.calls)
	}
	entries, err := os.ReadDir(filepath.Join(out, "rigid_registrations"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("artifacts written: %d", len(entries))
	}
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t, 4)
	opts := DefaultOptions(transform.Rigid)
	if _, err := f.run(t, opts); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(f.dir, "rigid_registrations")
	before := digests(t, root)
	estCalls, resCalls := f.est.calls, f.res.calls

	sum, err := f.run(t, opts)
	if err != nil {
		t.Fatal(err)
	}
	if f.est.calls != estCalls || f.res.calls != resCalls {
		t.Fatalf("second run recomputed: estimator %d→%d, resampler %d→%d", estCalls, f.est.calls, resCalls, f.res.calls)
	}
	if sum.Computed != 0 || sum.Reused == 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	after := digests(t, root)
	if len(after) != len(before) {
		t.Fatalf("artifact set changed")
	}
	for name, d := range before {
		if after[name] != d {
			t.Fatalf("%s changed on resume", name)
		}
	}
}

func TestRunForceRecomputes(t *testing.T) {
	f := newFixture(t, 3)
	opts := DefaultOptions(transform.Rigid)
	first, err := f.run(t, opts)
	if err != nil {
		t.Fatal(err)
	}
	opts.Force = true
	second, err := f.run(t, opts)
	if err != nil {
		t.Fatal(err)
	}
	if f.est.calls != 4 {
		t.Fatalf("expected 2 estimations per run, got %d", f.est.calls)
	}
	if first.Reused != 0 || second.Reused != 0 || second.Computed != first.Computed {
		t.Fatalf("force should recompute everything: first %+v second %+v", first, second)
	}
}

func TestForcedRunResamplesLastLinkOnce(t *testing.T) {
	f := newFixture(t, 3)
	opts := DefaultOptions(transform.Rigid)
	if _, err := f.run(t, opts); err != nil {
		t.Fatal(err)
	}
	before := f.res.calls
	opts.Force = true
	if _, err := f.run(t, opts); err != nil {
		t.Fatal(err)
	}
	// 2 links × 3 images, then t0 × 3 images onto the reference; the last
	// link's images are already in the reference frame
	if got := f.res.calls - before; got != 9 {
		t.Fatalf("expected 9 resamplings, got %d", got)
	}
	if before != 9 {
		t.Fatalf("first run resampled %d images, want 9", before)
	}
}

func TestMissingArtifactRecomputesOnlyItself(t *testing.T) {
	f := newFixture(t, 3)
	opts := DefaultOptions(transform.Rigid)
	if _, err := f.run(t, opts); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(f.dir, "rigid_registrations")
	if err := os.Remove(filepath.Join(root, "emb_ch1_t000_t0_on_t10_rigid.inr")); err != nil {
		t.Fatal(err)
	}
	estCalls, resCalls := f.est.calls, f.res.calls
	sum, err := f.run(t, opts)
	if err != nil {
		t.Fatal(err)
	}
	if f.est.calls != estCalls || f.res.calls != resCalls+1 || sum.Computed != 1 {
		t.Fatalf("expected exactly one resampling, got est %d res %d computed %d",
			f.est.calls-estCalls, f.res.calls-resCalls, sum.Computed)
	}
}

func TestSegmentationUsesNearestAndBackground(t *testing.T) {
	f := newFixture(t, 2)
	if _, err := f.run(t, DefaultOptions(transform.Rigid)); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(f.dir, "rigid_registrations")
	seg, err := volume.Read(filepath.Join(root, "emb_seg_t000_t0_on_t5_rigid.inr"))
	if err != nil {
		t.Fatal(err)
	}
	sawBackground := false
	for _, v := range seg.Data {
		switch v {
		case 2, 5:
		case 1:
			sawBackground = true
		default:
			t.Fatalf("label image contains invented value %v", v)
		}
	}
	if !sawBackground {
		t.Fatalf("voxels mapped from outside the image should carry the background label")
	}
	nearest := 0
	for _, in := range f.res.interps {
		if in == kernel.Nearest {
			nearest++
		}
	}
	if nearest != 1 {
		t.Fatalf("expected exactly one nearest resampling (the segmentation), got %d", nearest)
	}
}

func TestMissingLinkFailsWholeChain(t *testing.T) {
	f := newFixture(t, 4)
	opts := DefaultOptions(transform.Rigid)
	if _, err := f.run(t, opts); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(f.dir, "rigid_registrations")
	c0 := filepath.Join(root, "emb_t000_t0_on_t15_rigid.trsf")
	before, _ := artifact.Digest(c0)
	if err := os.Remove(filepath.Join(root, "emb_t005_t5_on_t10_rigid.trsf")); err != nil {
		t.Fatal(err)
	}
	calls := f.est.calls

	opts.Stage = StageCompose
	opts.Force = true
	_, err := f.run(t, opts)
	var missing *MissingConsecutiveTransformError
	if !errors.As(err, &missing) || !errors.Is(err, ErrMissingConsecutiveTransform) {
		t.Fatalf("expected MissingConsecutiveTransformError, got %v", err)
	}
	if missing.Link != 1 || fmt.Sprint(missing.Affected) != "[0 1]" || missing.Float != 5 || missing.Ref != 10 {
		t.Fatalf("unexpected error detail %+v", missing)
	}
	if f.est.calls != calls {
		t.Fatalf("composition must not estimate after a failed preflight")
	}
	if after, _ := artifact.Digest(c0); after != before {
		t.Fatalf("C0 was rewritten despite the missing link")
	}
}

func TestComposeSkippedWhenAllSequenceTransformsExist(t *testing.T) {
	f := newFixture(t, 4)
	opts := DefaultOptions(transform.Rigid)
	if _, err := f.run(t, opts); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(f.dir, "rigid_registrations")
	if err := os.Remove(filepath.Join(root, "emb_t000_t0_on_t5_rigid.trsf")); err != nil {
		t.Fatal(err)
	}
	opts.Stage = StageCompose
	if _, err := f.run(t, opts); err != nil {
		t.Fatalf("cached composition should not need the links: %v", err)
	}
}

func TestTwoTimepointsSingleEstimation(t *testing.T) {
	f := newFixture(t, 2)
	if _, err := f.run(t, DefaultOptions(transform.Deformable)); err != nil {
		t.Fatal(err)
	}
	if f.est.calls != 1 || f.est.refines != 0 {
		t.Fatalf("expected one estimation, got %d (refines %d)", f.est.calls, f.est.refines)
	}
	entries, _ := os.ReadDir(filepath.Join(f.dir, "deformable_registrations"))
	var trsf []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".trsf") {
			trsf = append(trsf, e.Name())
		}
	}
	if len(trsf) != 1 || trsf[0] != "emb_t000_t0_on_t5_deformable.trsf" {
		t.Fatalf("unexpected transforms %v", trsf)
	}
}

func TestDeformableRefinesAllButLastLink(t *testing.T) {
	f := newFixture(t, 4)
	if _, err := f.run(t, DefaultOptions(transform.Deformable)); err != nil {
		t.Fatal(err)
	}
	if f.est.calls != 5 || f.est.refines != 2 {
		t.Fatalf("expected 3 consecutive + 2 refinement estimations, got %d (refines %d)", f.est.calls, f.est.refines)
	}
	for _, p := range f.est.params {
		if p.Init == nil {
			if p.PyramidHigh != 3 || p.PyramidLow != 0 {
				t.Fatalf("consecutive params %+v", p)
			}
			continue
		}
		if p.PyramidHigh != 1 || p.PyramidLow != 0 || p.Init.Kind != transform.Dense {
			t.Fatalf("refinement params %+v", p)
		}
	}

	store := artifact.TransformStore{Layout: artifact.NewLayout(f.dir, transform.Deformable)}
	c0, err := store.Load(artifact.Key{Input: f.seq.At(0).Image, Float: 0, Ref: 15}, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	// displacements 0.1, 0.2 and 0.3 along x accumulate
	if d := c0.Field.At(1, 1, 1, 0); d < 0.59 || d > 0.61 {
		t.Fatalf("composed displacement %v, want 0.6", d)
	}
}

func TestRegistrationFailureIsFatal(t *testing.T) {
	f := newFixture(t, 4)
	f.est.failOn = 2
	_, err := f.run(t, DefaultOptions(transform.Rigid))
	var pair *PairError
	if !errors.As(err, &pair) || !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("expected RegistrationFailed pair error, got %v", err)
	}
	if pair.Float != 5 || pair.Ref != 10 {
		t.Fatalf("wrong pair reported: %+v", pair)
	}
	if f.est.calls != 2 {
		t.Fatalf("run should stop at the failing pair, got %d calls", f.est.calls)
	}
	if artifact.Exists(filepath.Join(f.dir, "rigid_registrations", "emb_t000_t0_on_t15_rigid.trsf")) {
		t.Fatalf("no composition should happen after a failed link")
	}
}

func TestMissingInputAbortsBeforeComputation(t *testing.T) {
	f := newFixture(t, 3)
	if err := os.Remove(f.seq.At(1).Seg); err != nil {
		t.Fatal(err)
	}
	_, err := f.run(t, DefaultOptions(transform.Rigid))
	if !errors.Is(err, ErrInputImageUnavailable) {
		t.Fatalf("expected ErrInputImageUnavailable, got %v", err)
	}
	if f.est.calls != 0 {
		t.Fatalf("estimator called before input check")
	}
}

func TestOutputPathError(t *testing.T) {
	f := newFixture(t, 2)
	blocker := filepath.Join(f.dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	opts := DefaultOptions(transform.Rigid)
	opts.OutputDir = filepath.Join(blocker, "out")
	if _, err := f.run(t, opts); !errors.Is(err, ErrOutputPath) {
		t.Fatalf("expected ErrOutputPath, got %v", err)
	}
}

func TestNoConsecutiveImages(t *testing.T) {
	f := newFixture(t, 3)
	opts := DefaultOptions(transform.Rigid)
	opts.ConsecutiveImages = false
	if _, err := f.run(t, opts); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(f.dir, "rigid_registrations")
	if artifact.Exists(filepath.Join(root, "emb_t000_t0_on_t5_rigid.inr")) {
		t.Fatalf("consecutive image written despite option")
	}
	if !artifact.Exists(filepath.Join(root, "emb_t005_t5_on_t10_rigid.inr")) {
		t.Fatalf("last link image is a sequence image and must be written")
	}
}

func TestObserverSeesEveryDecision(t *testing.T) {
	f := newFixture(t, 3)
	var events []ArtifactEvent
	f.engine.Observe(ObserverFunc(func(ev ArtifactEvent) { events = append(events, ev) }))
	opts := DefaultOptions(transform.Rigid)
	opts.RunID = "r1"
	sum, err := f.run(t, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != sum.Computed+sum.Reused {
		t.Fatalf("%d events for %d decisions", len(events), sum.Computed+sum.Reused)
	}
	var stages []string
	seen := map[Stage]bool{}
	for _, ev := range events {
		if ev.RunID != "r1" {
			t.Fatalf("event without run id: %+v", ev)
		}
		if !seen[ev.Stage] {
			seen[ev.Stage] = true
			stages = append(stages, string(ev.Stage))
		}
	}
	sort.Strings(stages)
	if strings.Join(stages, ",") != "apply,compose,consecutive" {
		t.Fatalf("stages %v", stages)
	}
}

func TestParseStage(t *testing.T) {
	if s, err := ParseStage(""); err != nil || s != StageAll {
		t.Fatalf("empty stage should mean all")
	}
	if _, err := ParseStage("warp"); !errors.Is(err, ErrArgumentMismatch) {
		t.Fatalf("expected ErrArgumentMismatch, got %v", err)
	}
}

func TestStageByStage(t *testing.T) {
	f := newFixture(t, 3)
	opts := DefaultOptions(transform.Rigid)
	ctx := context.Background()
	root := filepath.Join(f.dir, "rigid_registrations")
	c0 := filepath.Join(root, "emb_t000_t0_on_t10_rigid.trsf")
	resampled := filepath.Join(root, "emb_t000_t0_on_t10_rigid.inr")

	if _, err := f.engine.RegisterConsecutive(ctx, f.seq, opts); err != nil {
		t.Fatal(err)
	}
	if f.est.calls != 2 || artifact.Exists(c0) {
		t.Fatalf("pairwise stage: %d estimations, composed written %v", f.est.calls, artifact.Exists(c0))
	}
	if _, err := f.engine.ComposeSequence(ctx, f.seq, opts); err != nil {
		t.Fatal(err)
	}
	if !artifact.Exists(c0) || artifact.Exists(resampled) {
		t.Fatalf("compose stage should write C0 only")
	}
	sum, err := f.engine.Propagate(ctx, f.seq, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !artifact.Exists(resampled) || f.est.calls != 2 {
		t.Fatalf("apply stage: resampled %v, estimations %d", artifact.Exists(resampled), f.est.calls)
	}
	if sum.Computed == 0 {
		t.Fatalf("apply stage computed nothing")
	}
}
