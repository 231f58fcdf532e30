package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"seqreg/internal/config"
	"seqreg/internal/kernel"
	"seqreg/internal/pipeline"
	"seqreg/internal/registration"
	"seqreg/internal/sequence"
	"seqreg/internal/storage"
	"seqreg/internal/transform"
)

func TestRegisterFlagsBuildJob(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	outDir := filepath.Join(t.TempDir(), "regs")

	cmd := newRootCmd(root)
	cmd.SetArgs([]string{"register", "a_t0.inr", "a_t2.inr", "a_t4.inr",
		"--time-steps", "0,2,4",
		"--trsf-type", "affine",
		"--extra-im", "b_t0.inr,b_t2.inr,b_t4.inr",
		"--extra-im", "c_t0.inr,c_t2.inr,c_t4.inr",
		"--seg-im", "s_t0.inr,s_t2.inr,s_t4.inr",
		"--microscope-orientation", "1",
		"--time-unit", "min",
		"--output-folder", outDir,
		"--no-consecutive-reg-img",
		"--force",
		"--stage", "compose",
		"--kernel", "native",
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Kernel != "native" || job.Options.Type != transform.Affine {
		t.Fatalf("unexpected job %+v", job)
	}
	if got := job.Input.Steps; len(got) != 3 || got[1] != 2 || got[2] != 4 {
		t.Fatalf("steps %v", got)
	}
	if len(job.Input.Extras) != 2 || job.Input.Extras[1][2] != "c_t4.inr" {
		t.Fatalf("extras %v", job.Input.Extras)
	}
	if len(job.Input.Segs) != 3 || job.Input.Orientation != 1 || job.Input.Unit != "min" {
		t.Fatalf("input %+v", job.Input)
	}
	opts := job.Options
	if opts.OutputDir != outDir || !opts.Force || opts.ConsecutiveImages || opts.Stage != registration.StageCompose {
		t.Fatalf("options %+v", opts)
	}
	if !strings.Contains(out.String(), "t2 -> reference") {
		t.Fatalf("summary not printed: %q", out.String())
	}
}

func TestRegisterSummaryLabelsSortedSteps(t *testing.T) {
	root, _, out := newTestRoot(t)
	cmd := newRootCmd(root)
	cmd.SetArgs([]string{"register", "c.inr", "a.inr", "b.inr", "--time-steps", "10,0,5"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	text := out.String()
	first := strings.Index(text, "t0 -> reference: ")
	second := strings.Index(text, "t5 -> reference: ")
	if first < 0 || second < first {
		t.Fatalf("summary not in time order: %q", text)
	}
	if !strings.Contains(text[first:second], "a.inr.trsf") || !strings.Contains(text[second:], "b.inr.trsf") {
		t.Fatalf("labels do not match transforms: %q", text)
	}
	if strings.Contains(text, "t10 -> reference") {
		t.Fatalf("reference timepoint listed: %q", text)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	cases := map[string][]string{
		"no images":      {"register"},
		"single image":   {"register", "a.inr"},
		"bad steps":      {"register", "a.inr", "b.inr", "--time-steps", "0,x"},
		"steps mismatch": {"register", "a.inr", "b.inr", "--time-steps", "0,1,2"},
		"bad type":       {"register", "a.inr", "b.inr", "--trsf-type", "spline"},
		"seg mismatch":   {"register", "a.inr", "b.inr", "--seg-im", "s.inr"},
		"extra mismatch": {"register", "a.inr", "b.inr", "--extra-im", "c.inr"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			cmd := newRootCmd(root)
			cmd.SetArgs(args)
			cmd.SetErr(io.Discard)
			if err := cmd.Execute(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("no job should be submitted, got %d", len(fakePipe.jobs))
	}
}

func TestRegisterReturnsRunError(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	fakePipe.err = registration.ErrInputImageUnavailable

	err := root.cmdRegister(context.Background(), pipeline.Request{Images: []string{"a.inr", "b.inr"}})
	if !errors.Is(err, registration.ErrInputImageUnavailable) {
		t.Fatalf("expected run error, got %v", err)
	}
}

func TestRegisterHonoursCancellation(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	fakePipe.silent = true
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := root.cmdRegister(ctx, pipeline.Request{Images: []string{"a.inr", "b.inr"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestOrderByStep(t *testing.T) {
	images, steps := orderByStep([]string{"/d/e_t1.inr", "/d/e_t10.inr", "/d/e_t2.inr"})
	if images[2] != "/d/e_t10.inr" || steps[1] != 2 || steps[2] != 10 {
		t.Fatalf("unexpected order %v %v", images, steps)
	}
	images, steps = orderByStep([]string{"/d/b.inr", "/d/a.inr"})
	if steps != nil || images[0] != "/d/b.inr" {
		t.Fatalf("names without steps keep their order: %v %v", images, steps)
	}
}

func TestWatchSubmitsSequence(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	dir := t.TempDir()
	for _, name := range []string{"emb_t10.inr", "emb_t2.inr", "emb_t1.inr", "notes.txt"} {
		touch(t, filepath.Join(dir, name))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		opts := watchOptions{Request: pipeline.Request{Type: "affine"}}
		opts.Dir = dir
		opts.Settle = 20 * time.Millisecond
		done <- root.cmdWatch(ctx, opts)
	}()

	deadline := time.After(5 * time.Second)
	for fakePipe.count() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("watch did not submit a job")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}

	job := fakePipe.jobs[0]
	if !strings.HasPrefix(job.ID, "watch-") || job.Options.Type != transform.Affine {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(job.Input.Images) != 3 || filepath.Base(job.Input.Images[2]) != "emb_t10.inr" {
		t.Fatalf("images %v", job.Input.Images)
	}
	if job.Input.Steps[0] != 1 || job.Input.Steps[2] != 10 {
		t.Fatalf("steps %v", job.Input.Steps)
	}
}

func TestRunsListsLedger(t *testing.T) {
	root, _, out := newTestRoot(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	root.store = store

	if err := store.RecordRunQueued(storage.RunRecord{ID: "reg-1", Type: "rigid", Status: "queued", OutputDir: "/o"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordArtifact(storage.ArtifactRecord{RunID: "reg-1", Stage: "consecutive", Kind: "transform", Path: "/o/x_t0_on_t1_rigid.trsf", Float: 0, Ref: 1, Computed: true}); err != nil {
		t.Fatal(err)
	}

	if err := root.cmdRuns(10); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "reg-1") {
		t.Fatalf("run not listed: %q", out.String())
	}
	out.Reset()
	if err := root.cmdRun("reg-1"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "t0 on t1") || !strings.Contains(out.String(), "computed") {
		t.Fatalf("artifacts not shown: %q", out.String())
	}
	if err := root.cmdRun("missing"); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestRunsWithoutLedger(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := root.cmdRuns(5); err == nil {
		t.Fatalf("expected error without ledger")
	}
}

func TestPublishCopiesFolder(t *testing.T) {
	root, _, out := newTestRoot(t)
	dest := t.TempDir()
	root.cfg.Publish = config.Publish{Driver: "fs", Root: dest, Prefix: "lab"}

	src := filepath.Join(t.TempDir(), "rigid_registrations")
	touch(t, filepath.Join(src, "x_t0_on_t1_rigid.trsf"))
	touch(t, filepath.Join(src, "x_t0_on_t1_rigid.inr"))

	if err := root.cmdPublish(context.Background(), src, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "lab", "rigid_registrations", "x_t0_on_t1_rigid.trsf")); err != nil {
		t.Fatalf("published file missing: %v", err)
	}
	if !strings.Contains(out.String(), "Published 2 files") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestToolStatusRespectsPath(t *testing.T) {
	root, _, out := newTestRoot(t)
	root.toolFactory = func(tools config.Tools) toolManager { return kernel.NewToolManager(tools) }

	pathDir := t.TempDir()
	createExecutable(t, pathDir, "blockmatching")
	t.Setenv("PATH", pathDir)

	if err := root.cmdToolStatus(context.Background()); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	if !strings.Contains(text, "✅ blockmatching") || !strings.Contains(text, "❌ applyTrsf") {
		t.Fatalf("unexpected status %q", text)
	}
	if !strings.Contains(text, "missing: applyTrsf") {
		t.Fatalf("missing tools not reported: %q", text)
	}
}

func TestServeUsesServerFunc(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var gotAddr string
	root.serveFn = func(ctx context.Context, addr string, r *Root) error {
		gotAddr = addr
		return nil
	}
	cmd := newRootCmd(root)
	cmd.SetArgs([]string{"serve", "--addr", "127.0.0.1:9999"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if gotAddr != "127.0.0.1:9999" {
		t.Fatalf("addr %q", gotAddr)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := root.configShow(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"registration"`) {
		t.Fatalf("config not shown: %q", out.String())
	}
	if err := root.configValidate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	root.cfg.Registration.Orientation = 0
	if err := root.configValidate(); err == nil {
		t.Fatalf("expected invalid orientation")
	}
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DatabasePath = filepath.Join(tmp, "seqreg.db")
	cfg.Processing.TempDir = filepath.Join(tmp, "scratch")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	out := &bytes.Buffer{}
	root := NewRoot(newFakePipeline(), cfg, logger, nil, nil)
	root.out = out
	root.serveFn = func(ctx context.Context, addr string, r *Root) error {
		return errors.New("serve not expected in tests")
	}
	return root, root.pipeline.(*fakePipeline), out
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	err       error
	silent    bool
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{subs: make(map[int]chan pipeline.Result)}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if f.silent {
		return nil
	}

	res := pipeline.Result{Job: job, Error: f.err}
	if f.err == nil {
		var transforms []string
		if seq, err := sequence.New(job.Input); err == nil {
			for i := 0; i < seq.Len()-1; i++ {
				transforms = append(transforms, filepath.Join("/out", job.ID, filepath.Base(seq.At(i).Image)+".trsf"))
			}
		}
		res.Summary = &registration.Summary{RunID: job.ID, OutputDir: job.Options.OutputDir, Computed: len(transforms), Transforms: transforms}
	}
	for _, ch := range f.subs {
		select {
		case ch <- res:
		default:
		}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}

func createExecutable(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho 'blockmatching 2.1'\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("failed to create stub executable %s: %v", path, err)
	}
}
