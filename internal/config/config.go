package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultConfigPath = "~/.config/seqreg/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the registration engine.
type Config struct {
	Processing   Processing   `json:"processing"`
	Logging      Logging      `json:"logging"`
	Paths        Paths        `json:"paths"`
	Registration Registration `json:"registration"`
	Ledger       Ledger       `json:"ledger"`
	Publish      Publish      `json:"publish"`
	Tools        Tools        `json:"tools"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"` // independent sequences processed at once
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures input/output locations. Nothing here is derived from the
// machine the engine runs on.
type Paths struct {
	BaseDir          string `json:"base_dir"`
	NomenclatureFile string `json:"nomenclature_file"`
	OutputDir        string `json:"output_dir"`
	DatabasePath     string `json:"database_path"`
}

// Registration holds estimation defaults.
type Registration struct {
	Kernel          string  `json:"kernel"` // native, vt, auto
	PyramidHigh     int     `json:"pyramid_high"`
	PyramidLowRigid int     `json:"pyramid_low_rigid"`
	PyramidLow      int     `json:"pyramid_low"`
	RefineHigh      int     `json:"refine_high"`
	RefineLow       int     `json:"refine_low"`
	BackgroundLabel int     `json:"background_label"`
	TimeUnit        string  `json:"time_unit"`
	Orientation     int     `json:"microscope_orientation"`
	FlowIterations  int     `json:"flow_iterations"`
	FlowAlpha       float64 `json:"flow_alpha"`
}

// Ledger selects the database/sql driver backing the run ledger.
type Ledger struct {
	Driver string `json:"driver"` // sqlite, sqlite3, pgx
	DSN    string `json:"dsn"`
}

// Publish configures where finished registration folders are copied.
type Publish struct {
	Driver    string `json:"driver"` // fs, s3
	Root      string `json:"root"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	PathStyle bool   `json:"path_style"`
	Prefix    string `json:"prefix"`
}

// Tools points at external registration binaries.
type Tools struct {
	BlockMatching string `json:"blockmatching"`
	ApplyTrsf     string `json:"apply_trsf"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// Path returns the configuration file location honouring SEQREG_CONFIG.
func Path() (string, error) {
	configPath := os.Getenv("SEQREG_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// LoadFile reads the configuration at path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON to path, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Default returns a fresh default configuration.
func Default() *Config {
	return defaultConfig()
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Registration.Kernel) {
	case "native", "vt", "auto":
	default:
		return fmt.Errorf("registration.kernel %q: want native, vt or auto", c.Registration.Kernel)
	}
	if c.Registration.Orientation != 1 && c.Registration.Orientation != -1 {
		return fmt.Errorf("registration.microscope_orientation must be 1 or -1, got %d", c.Registration.Orientation)
	}
	if c.Registration.PyramidHigh < c.Registration.PyramidLow || c.Registration.PyramidHigh < c.Registration.PyramidLowRigid {
		return fmt.Errorf("registration.pyramid_high must not be below the low levels")
	}
	switch c.Ledger.Driver {
	case "sqlite", "sqlite3", "pgx":
	default:
		return fmt.Errorf("ledger.driver %q: want sqlite, sqlite3 or pgx", c.Ledger.Driver)
	}
	switch c.Publish.Driver {
	case "", "fs", "s3":
	default:
		return fmt.Errorf("publish.driver %q: want fs or s3", c.Publish.Driver)
	}
	if c.Publish.Driver == "s3" && c.Publish.Bucket == "" {
		return fmt.Errorf("publish.bucket required for s3 driver")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			BaseDir:      ".",
			DatabasePath: filepath.Join(os.TempDir(), "seqreg.db"),
		},
		Registration: Registration{
			Kernel:          "auto",
			PyramidHigh:     3,
			PyramidLowRigid: 1,
			PyramidLow:      0,
			RefineHigh:      1,
			RefineLow:       0,
			BackgroundLabel: 1,
			TimeUnit:        "h",
			Orientation:     -1,
			FlowIterations:  60,
			FlowAlpha:       4.0,
		},
		Ledger: Ledger{
			Driver: "sqlite",
		},
		Publish: Publish{
			Driver: "fs",
			Root:   "./published",
			Region: "us-east-1",
		},
		Tools: Tools{
			BlockMatching: "blockmatching",
			ApplyTrsf:     "applyTrsf",
		},
	}
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Paths.BaseDir, &c.Paths.OutputDir, &c.Paths.DatabasePath, &c.Paths.NomenclatureFile, &c.Logging.LogDir, &c.Publish.Root} {
		expanded, err := expandUser(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
