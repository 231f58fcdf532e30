package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"seqreg/internal/config"
	"seqreg/internal/metrics"
	"seqreg/internal/pipeline"
	"seqreg/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, m *metrics.Metrics) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store, m))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "seqreg",
		Short: "seqreg registers 3D timelapse sequences onto their last timepoint",
		Long: `seqreg registers every pair of consecutive timepoints of a 3D image sequence,
composes the pairwise transforms onto the last timepoint and resamples the
sequence, its extra channels and its segmentations into that frame.
Artifacts already on disk are reused unless --force is given.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newPublishCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// requestFlags binds the flags shared by register and watch.
func requestFlags(cmd *cobra.Command, req *pipeline.Request, extras *[]string) {
	cmd.Flags().StringVar(&req.Type, "trsf-type", "", "transformation type: rigid, affine or deformable (default rigid)")
	cmd.Flags().StringArrayVar(extras, "extra-im", nil, "extra channel, comma separated, one image per timepoint (repeatable)")
	cmd.Flags().StringSliceVar(&req.Segs, "seg-im", nil, "segmentation images, one per timepoint")
	cmd.Flags().IntVar(&req.Orientation, "microscope-orientation", 0, "microscope orientation, 1 or -1 (default from config)")
	cmd.Flags().StringVar(&req.OutputDir, "output-folder", "", "output folder (default: folder of the first image)")
	cmd.Flags().StringVar(&req.Unit, "time-unit", "", "time unit used in output names (default from config)")
	cmd.Flags().BoolVar(&req.NoConsecutiveImages, "no-consecutive-reg-img", false, "do not write consecutive registered images")
	cmd.Flags().BoolVar(&req.Force, "force", false, "recompute artifacts even when they exist")
	cmd.Flags().StringVar(&req.Stage, "stage", "", "stop after stage: consecutive, compose, apply or all")
	cmd.Flags().StringVar(&req.Kernel, "kernel", "", "registration kernel: native, vt or auto (default from config)")
}

func splitChannels(extras []string) [][]string {
	var out [][]string
	for _, ch := range extras {
		var images []string
		for _, p := range strings.Split(ch, ",") {
			if p = strings.TrimSpace(p); p != "" {
				images = append(images, p)
			}
		}
		out = append(out, images)
	}
	return out
}

func parseSteps(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var steps []int
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("invalid time step %q", f)
		}
		steps = append(steps, v)
	}
	return steps, nil
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		req    pipeline.Request
		extras []string
		steps  string
	)

	cmd := &cobra.Command{
		Use:   "register [images...]",
		Short: "Register a timelapse sequence onto its last timepoint",
		Long: `Register consecutive timepoints, compose the transforms onto the last
timepoint and resample every image into its frame.

Examples:
  # Rigid registration of three timepoints
  seqreg register emb_t000.inr emb_t001.inr emb_t002.inr --time-steps 0,1,2

  # Deformable registration with a second channel and segmentations
  seqreg register t0.inr t1.inr --trsf-type deformable \
      --extra-im c2_t0.inr,c2_t1.inr --seg-im seg_t0.inr,seg_t1.inr

  # Sequence described by a manifest, transforms only
  seqreg register --manifest sequence.yaml --stage compose`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && req.Manifest == "" {
				return fmt.Errorf("give the timepoint images or --manifest")
			}
			parsed, err := parseSteps(steps)
			if err != nil {
				return err
			}
			r := req
			r.Images = args
			r.Steps = parsed
			r.Extras = splitChannels(extras)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return root.cmdRegister(ctx, r)
		},
	}

	requestFlags(cmd, &req, &extras)
	cmd.Flags().StringVar(&steps, "time-steps", "", "comma separated time step of every image (default 0..n-1)")
	cmd.Flags().StringVar(&req.Manifest, "manifest", "", "YAML manifest describing the sequence")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		opts   watchOptions
		extras []string
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Register a folder again whenever a new timepoint arrives",
		Long: `Watch a folder of timepoint images. Every time the set of images settles
with a change, the whole sequence is submitted again. Artifacts from earlier
runs are reused so only the new timepoint costs an estimation.

Time steps are read from names such as emb_t012.inr.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := opts
			o.Dir = args[0]
			o.Request.Extras = splitChannels(extras)
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return root.cmdWatch(ctx, o)
		},
	}

	requestFlags(cmd, &opts.Request, &extras)
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "glob on image base names, e.g. 'emb_t*.inr'")
	cmd.Flags().DurationVar(&opts.Settle, "settle", 0, "quiet period before a change is registered (default 2s)")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server accepting registration runs and exposing the run
ledger, a live event stream and Prometheus metrics.

Examples:
  seqreg serve --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return root.cmdServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "server address")
	return cmd
}

func newPublishCmd(root *Root) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "publish <registration_folder>",
		Short: "Copy a registration folder to the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdPublish(cmd.Context(), args[0], prefix)
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix (default from config)")
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run_id]",
		Short: "List recorded runs or show one run with its artifacts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return root.cmdRun(args[0])
			}
			return root.cmdRuns(limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show external registration tool status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdToolStatus(cmd.Context())
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate seqreg configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
