package main

import (
	"context"
	"fmt"
	"os"

	"seqreg/internal/cli"
	"seqreg/internal/config"
	"seqreg/internal/kernel"
	"seqreg/internal/logging"
	"seqreg/internal/metrics"
	"seqreg/internal/pipeline"
	"seqreg/internal/storage"
	"seqreg/internal/volume"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.OpenConfig(cfg)
	if err != nil {
		log.Error("failed to open run ledger", "driver", cfg.Ledger.Driver, "error", err)
		os.Exit(1)
	}

	kernels := kernel.NewRegistry(
		kernel.NewVT(cfg.Tools, cfg.Processing.TempDir, log),
		kernel.NewNative(cfg.Registration.FlowIterations, cfg.Registration.FlowAlpha),
	)
	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, kernels, m)

	err = cli.NewRootCmd(cfg, log, store, pipe, m).ExecuteContext(ctx)
	pipe.Stop()
	cancel()
	volume.Terminate()
	store.Close()
	if err != nil {
		os.Exit(1)
	}
}
