package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"seqreg/internal/artifact"
	"seqreg/internal/kernel"
	"seqreg/internal/logging"
	"seqreg/internal/metrics"
	"seqreg/internal/pipeline"
	"seqreg/internal/registration"
	"seqreg/internal/sequence"
	"seqreg/internal/storage"
	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

const timepoints = 4

func main() {
	fmt.Println("🔍 Testing sequential registration end to end")

	work, err := os.MkdirTemp("", "seqreg-integration-")
	if err != nil {
		log.Fatal("Failed to create work dir:", err)
	}
	defer os.RemoveAll(work)

	images, err := writeDrift(work)
	if err != nil {
		log.Fatal("Failed to write synthetic sequence:", err)
	}
	fmt.Printf("✅ Wrote %d synthetic timepoints to %s\n", len(images), work)

	store, err := storage.New(filepath.Join(work, "test_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	logger := logging.New("info", "text")
	kernels := kernel.NewRegistry(kernel.NewNative(30, 4))
	m := metrics.New()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	pipe := pipeline.New(ctx, 1, logger, store, kernels, m)
	defer pipe.Stop()

	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	for pass := 1; pass <= 2; pass++ {
		opts := registration.DefaultOptions(transform.Rigid)
		opts.RunID = fmt.Sprintf("integration-%d", pass)
		job := pipeline.Job{
			ID:      opts.RunID,
			Kernel:  "native",
			Input:   sequence.Input{Images: images, Orientation: -1},
			Options: opts,
		}
		if err := pipe.Submit(job); err != nil {
			log.Fatal("Failed to submit:", err)
		}

		var res pipeline.Result
		select {
		case res = <-results:
		case <-ctx.Done():
			log.Fatal("Timed out waiting for run")
		}
		if res.Error != nil {
			log.Fatal("Run failed:", res.Error)
		}

		sum := res.Summary
		fmt.Printf("\n📊 Pass %d (%s):\n", pass, sum.Duration.Round(time.Millisecond))
		fmt.Printf("   Computed: %d\n", sum.Computed)
		fmt.Printf("   Reused: %d\n", sum.Reused)
		fmt.Printf("   Estimations: %d\n", sum.Estimations)
		if pass == 2 && sum.Computed != 0 {
			log.Fatalf("second pass recomputed %d artifacts", sum.Computed)
		}

		arts, err := store.Artifacts(job.ID)
		if err != nil {
			log.Fatal("Failed to read ledger:", err)
		}
		fmt.Printf("   Ledger entries: %d\n", len(arts))
	}

	fmt.Println("\n🎯 Sequence transforms onto the last timepoint:")
	for i, p := range lastTransforms(store) {
		t, err := readTransform(p, i, timepoints-1)
		if err != nil {
			log.Fatal("Failed to read transform:", err)
		}
		fmt.Printf("   t%d: %s\n", i, describe(t))
	}
	fmt.Println("\n✅ Integration run complete")
}

// writeDrift writes a bright cube drifting one voxel along x per timepoint.
func writeDrift(dir string) ([]string, error) {
	var paths []string
	for k := 0; k < timepoints; k++ {
		im := volume.New([3]int{24, 20, 12}, [3]float64{1, 1, 2}, 1, volume.Uint8)
		for z := 3; z < 9; z++ {
			for y := 6; y < 14; y++ {
				for x := 6 + k; x < 14+k; x++ {
					im.Set(x, y, z, 0, 200)
				}
			}
		}
		p := filepath.Join(dir, fmt.Sprintf("drift_t%02d.inr", k))
		if err := artifact.WriteImage(p, im); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func lastTransforms(store *storage.Store) []string {
	arts, err := store.Artifacts("integration-1")
	if err != nil {
		log.Fatal("Failed to read ledger:", err)
	}
	byFloat := map[int]string{}
	for _, a := range arts {
		if a.Stage == string(registration.StageCompose) && a.Kind == "transform" {
			byFloat[a.Float] = a.Path
		}
	}
	var out []string
	for i := 0; i < timepoints-1; i++ {
		if p, ok := byFloat[i]; ok {
			out = append(out, p)
		}
	}
	return out
}

func readTransform(path string, source, target int) (transform.Transform, error) {
	f, err := os.Open(path)
	if err != nil {
		return transform.Transform{}, err
	}
	defer f.Close()
	return transform.Decode(f, source, target)
}

func describe(t transform.Transform) string {
	if t.IsLinear() {
		m := t.Matrix
		return fmt.Sprintf("shift (%.2f, %.2f, %.2f)", m.At(0, 3), m.At(1, 3), m.At(2, 3))
	}
	return t.Kind.String()
}
