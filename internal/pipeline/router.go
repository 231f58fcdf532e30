package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"seqreg/internal/kernel"
	"seqreg/internal/metrics"
	"seqreg/internal/registration"
	"seqreg/internal/sequence"
	"seqreg/internal/storage"
)

// router implements Processor and routes jobs to the kernel backend they
// name, running each on a fresh registration engine.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	kernels   *kernel.Registry
	metrics   *metrics.Metrics
	newEngine engineFactory
}

type engine interface {
	Observe(registration.Observer)
	Run(ctx context.Context, seq *sequence.Sequence, opts registration.Options) (*registration.Summary, error)
}

type engineFactory func(k kernel.Kernel, log *slog.Logger) engine

func newRouter(logger *slog.Logger, store *storage.Store, kernels *kernel.Registry, m *metrics.Metrics) Processor {
	return &router{
		log:     logger,
		store:   store,
		kernels: kernels,
		metrics: m,
		newEngine: func(k kernel.Kernel, log *slog.Logger) engine {
			return registration.NewEngine(k, k, log)
		},
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	seq, err := sequence.New(job.Input)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if r.kernels == nil {
		return Result{Job: job, Error: fmt.Errorf("no kernel registry configured")}
	}
	k, err := r.kernels.Select(job.Kernel)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	e := r.newEngine(k, r.log)
	if r.store != nil {
		e.Observe(ledger{store: r.store, log: r.log})
	}
	if r.metrics != nil {
		e.Observe(r.metrics)
	}

	opts := job.Options
	opts.RunID = job.ID
	sum, err := e.Run(ctx, seq, opts)
	meta := map[string]any{
		"kernel":      k.Name(),
		"type":        string(opts.Type),
		"timepoints":  seq.Len(),
		"span":        seq.Span(),
		"orientation": int(seq.Orientation),
	}
	if sum != nil {
		meta["output"] = sum.OutputDir
		meta["computed"] = sum.Computed
		meta["reused"] = sum.Reused
		meta["estimations"] = sum.Estimations
		meta["transforms"] = sum.Transforms
		meta["duration"] = sum.Duration.String()
	}
	return Result{Job: job, Summary: sum, Error: err, Meta: meta}
}

// ledger persists every artifact decision of a run.
type ledger struct {
	store *storage.Store
	log   *slog.Logger
}

func (l ledger) Artifact(ev registration.ArtifactEvent) {
	err := l.store.RecordArtifact(storage.ArtifactRecord{
		RunID:    ev.RunID,
		Stage:    string(ev.Stage),
		Kind:     ev.Kind,
		Path:     ev.Path,
		Float:    ev.Float,
		Ref:      ev.Ref,
		Computed: ev.Computed,
		Duration: ev.Duration,
	})
	if err != nil {
		l.log.Warn("failed to record artifact", "run", ev.RunID, "path", ev.Path, "error", err)
	}
}
