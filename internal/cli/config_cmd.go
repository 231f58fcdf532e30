package cli

import (
	"encoding/json"
	"os"
	"runtime"
)

// Version is stamped at build time with -ldflags.
var Version = "0.1.0-dev"

func (r *Root) configShow() error {
	cfgPath := os.Getenv("SEQREG_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/seqreg/config.json"
	}
	r.printf("Config file: %s\n\n", cfgPath)
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	r.printf("%s\n", data)
	return nil
}

func (r *Root) configValidate() error {
	if err := r.cfg.Validate(); err != nil {
		r.log.Warn("configuration validation", "status", "invalid", "error", err)
		return err
	}
	r.log.Info("configuration validation", "status", "valid")
	r.printf("✅ Configuration is valid\n")
	return nil
}

func (r *Root) cmdVersion() error {
	r.printf("seqreg %s\n", Version)
	r.printf("Built with Go %s\n", runtime.Version())
	return nil
}
