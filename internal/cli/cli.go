package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"seqreg/internal/blob"
	"seqreg/internal/config"
	"seqreg/internal/kernel"
	"seqreg/internal/logging"
	"seqreg/internal/metrics"
	"seqreg/internal/pipeline"
	"seqreg/internal/sequence"
	"seqreg/internal/server"
	"seqreg/internal/storage"
	"seqreg/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type toolManager interface {
	Status() map[string]kernel.ToolStatus
}

type toolManagerFactory func(config.Tools) toolManager

type publisherFactory func(ctx context.Context, cfg config.Publish) (blob.Publisher, error)

type serverFunc func(ctx context.Context, addr string, r *Root) error

func defaultServe(ctx context.Context, addr string, r *Root) error {
	return server.Serve(ctx, addr, r.cfg, r.store, r.pipeline, r.metrics, r.log)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline       pipelineClient
	cfg            *config.Config
	log            *slog.Logger
	store          *storage.Store
	metrics        *metrics.Metrics
	out            io.Writer
	toolFactory    toolManagerFactory
	publishFactory publisherFactory
	serveFn        serverFunc
}

// NewRoot constructs the CLI root. store and m may be nil.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store, m *metrics.Metrics) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		metrics:  m,
		out:      os.Stdout,
		toolFactory: func(tools config.Tools) toolManager {
			return kernel.NewToolManager(tools)
		},
		publishFactory: blob.Open,
		serveFn:        defaultServe,
	}
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// cmdRegister validates req and runs it to completion.
func (r *Root) cmdRegister(ctx context.Context, req pipeline.Request) error {
	job, err := req.Job(r.cfg, "")
	if err != nil {
		return err
	}
	if _, err := sequence.New(job.Input); err != nil {
		return err
	}
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return err
	}
	r.printSummary(res)
	return nil
}

func (r *Root) printSummary(res pipeline.Result) {
	sum := res.Summary
	if sum == nil {
		r.printf("Run %s finished\n", res.Job.ID)
		return
	}
	r.printf("Run %s finished in %s\n", sum.RunID, sum.Duration.Round(1e6))
	r.printf("  Output folder: %s\n", sum.OutputDir)
	r.printf("  Artifacts: %d computed, %d reused (%d estimations)\n", sum.Computed, sum.Reused, sum.Estimations)
	seq, _ := sequence.New(res.Job.Input)
	for i, t := range sum.Transforms {
		step := i
		if seq != nil && i < seq.Len() {
			step = seq.At(i).Step
		}
		r.printf("  t%d -> reference: %s\n", step, t)
	}
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Options.Type, "id", job.ID, "timepoints", len(job.Input.Images))
	return nil
}

// watchOptions configures the watch command.
type watchOptions struct {
	watch.Config
	Request pipeline.Request
}

// cmdWatch registers the folder every time its set of timepoints changes.
// Runs are submitted without waiting; same-folder runs queue behind each
// other in the pipeline.
func (r *Root) cmdWatch(ctx context.Context, opts watchOptions) error {
	w, err := watch.New(opts.Config, r.log)
	if err != nil {
		return err
	}
	defer w.Close()

	r.log.Info("watching for timepoints", "dir", opts.Dir, "pattern", opts.Pattern)
	err = w.Run(ctx, func(ctx context.Context, images []string) error {
		req := opts.Request
		req.Images, req.Steps = orderByStep(images)
		job, err := req.Job(r.cfg, pipeline.NewID("watch"))
		if err != nil {
			return err
		}
		return r.enqueue(ctx, job)
	})
	if err == context.Canceled {
		return nil
	}
	return err
}

// orderByStep sorts images by the time step in their names. When the names
// do not carry distinct steps, the name order is kept and steps default to
// indices.
func orderByStep(images []string) ([]string, []int) {
	steps := sequence.StepsFromNames(images)
	if steps == nil {
		return images, nil
	}
	idx := make([]int, len(images))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return steps[idx[a]] < steps[idx[b]] })
	outImages := make([]string, len(images))
	outSteps := make([]int, len(images))
	for i, j := range idx {
		outImages[i], outSteps[i] = images[j], steps[j]
	}
	return outImages, outSteps
}

func (r *Root) cmdServe(ctx context.Context, addr string) error {
	if r.serveFn == nil {
		return fmt.Errorf("server unavailable")
	}
	r.log.Info("starting server", "addr", addr)
	return r.serveFn(ctx, addr, r)
}

// cmdPublish copies a finished registration folder to the configured
// destination.
func (r *Root) cmdPublish(ctx context.Context, dir, prefix string) error {
	cfg := r.cfg.Publish
	p, err := r.publishFactory(ctx, cfg)
	if err != nil {
		return err
	}
	if prefix == "" {
		prefix = cfg.Prefix
	}
	rep, err := blob.Publish(ctx, p, dir, prefix)
	if err != nil {
		return err
	}
	r.log.Info("published", "dir", dir, "driver", p.Driver(), "files", rep.Files, "bytes", rep.Bytes)
	r.printf("Published %d files (%d bytes) via %s\n", rep.Files, rep.Bytes, p.Driver())
	return nil
}

func (r *Root) cmdRuns(limit int) error {
	if r.store == nil {
		return fmt.Errorf("run ledger unavailable")
	}
	runs, err := r.store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		r.printf("No runs recorded\n")
		return nil
	}
	for _, run := range runs {
		r.printf("%-32s %-10s %-10s %s\n", run.ID, run.Type, run.Status, run.OutputDir)
	}
	return nil
}

func (r *Root) cmdRun(id string) error {
	if r.store == nil {
		return fmt.Errorf("run ledger unavailable")
	}
	run, err := r.store.Run(id)
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	r.printf("Run:     %s\n", run.ID)
	r.printf("Type:    %s\n", run.Type)
	r.printf("Status:  %s\n", run.Status)
	r.printf("Output:  %s\n", run.OutputDir)
	if run.Error != "" {
		r.printf("Error:   %s\n", run.Error)
	}
	arts, err := r.store.Artifacts(id)
	if err != nil {
		return err
	}
	r.printf("\nArtifacts (%d):\n", len(arts))
	for _, a := range arts {
		decision := "reused"
		if a.Computed {
			decision = "computed"
		}
		r.printf("  %-12s %-9s t%d on t%d %-8s %s\n", a.Stage, a.Kind, a.Float, a.Ref, decision, a.Path)
	}
	return nil
}

func (r *Root) cmdToolStatus(ctx context.Context) error {
	_ = ctx
	r.printf("Registration tool status:\n\n")
	status := r.toolFactory(r.cfg.Tools).Status()
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	var missing []string
	for _, name := range names {
		st := status[name]
		logging.LogToolStatus(r.log, name, st.Available, st.Version, st.Path, st.Error)
		if st.Available {
			line := fmt.Sprintf("  ✅ %s", name)
			if st.Version != "" {
				line += " (" + st.Version + ")"
			}
			r.printf("%s\n", line)
			continue
		}
		missing = append(missing, name)
		r.printf("  ❌ %s\n", name)
	}
	r.printf("\nNative kernel: ✅ always available\n")
	if len(missing) > 0 {
		r.printf("vt kernel disabled, missing: %s\n", strings.Join(missing, ", "))
	}
	return nil
}
