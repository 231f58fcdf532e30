package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"seqreg/internal/kernel"
	"seqreg/internal/logging"
	"seqreg/internal/metrics"
	"seqreg/internal/registration"
	"seqreg/internal/sequence"
	"seqreg/internal/storage"
)

// ErrQueueFull is returned by Submit when every queue slot is taken.
var ErrQueueFull = errors.New("job queue is full")

// Job represents one sequence registration request.
type Job struct {
	ID      string
	Kernel  string // backend name, "" or "auto" picks the first available
	Input   sequence.Input
	Options registration.Options
}

// Result captures the outcome of a Job.
type Result struct {
	Job     Job
	Summary *registration.Summary
	Error   error
	Meta    map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers. Jobs writing into the
// same output folder are serialized; unrelated sequences run concurrently.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	metrics   *metrics.Metrics
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	dirs      sync.Map // output dir -> *sync.Mutex
}

// New creates a new Pipeline with the given concurrency. Jobs are routed to
// the kernel they name in kernels.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, kernels *kernel.Registry, m *metrics.Metrics) *Pipeline {
	return newPipeline(ctx, concurrency, logger, store, m, newRouter(logger, store, kernels, m))
}

func newPipeline(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, m *metrics.Metrics, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:     logger,
		jobs:    make(chan Job, concurrency*2),
		cancel:  cancel,
		store:   store,
		metrics: m,
		subs:    make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job has no id")
	}
	if p.store != nil {
		inputJSON, _ := json.Marshal(job.Input)
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			Type:        string(job.Options.Type),
			Status:      "queued",
			InputJSON:   string(inputJSON),
			OutputDir:   job.Options.OutputDir,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.execute(ctx, job))
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, job Job) Result {
	unlock := p.lockOutput(job)
	defer unlock()

	start := time.Now()
	kind := "register-" + string(job.Options.Type)
	logging.LogJobStart(p.log, kind, job.ID, firstImage(job.Input), job.Options.OutputDir, map[string]any{
		"kernel": job.Kernel,
		"stage":  job.Options.Stage,
		"force":  job.Options.Force,
	})
	if p.store != nil {
		_ = p.store.RecordRunStart(job.ID)
	}
	p.metrics.RunStarted()

	res := p.processor.Process(ctx, job)
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, kind, job.ID, duration, res.Error, map[string]any{
			"input":  firstImage(job.Input),
			"output": job.Options.OutputDir,
		})
	} else {
		logging.LogJobComplete(p.log, kind, job.ID, duration, res.Meta)
	}
	if p.store != nil {
		_ = p.store.RecordRunResult(job.ID, status, res.Meta, errString(res.Error))
	}
	p.metrics.RunFinished(status, res.Summary, duration)
	return res
}

// lockOutput serializes jobs that share an output folder.
func (p *Pipeline) lockOutput(job Job) func() {
	dir := job.Options.OutputDir
	if dir == "" {
		dir = filepath.Dir(firstImage(job.Input))
	}
	dir = filepath.Clean(dir)
	v, _ := p.dirs.LoadOrStore(dir, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func firstImage(in sequence.Input) string {
	if len(in.Images) == 0 {
		return ""
	}
	return in.Images[0]
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
