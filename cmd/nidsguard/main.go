// Command nidsguard runs the NIDS prediction pipeline: it samples network
// feature records, scores them against the remote model service (or a local
// heuristic when the service is down) and serves the most recent results.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"nidsguard/internal/config"
	"nidsguard/internal/logging"
)

// set at build time via -ldflags "-X main.version=x.y.z"
var version = "dev"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "nidsguard",
	Short:         "Network intrusion prediction pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("NIDSGUARD_CONFIG"), "config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig returns a file-backed manager when --config is set, otherwise
// one serving defaults.
func loadConfig() (*config.Manager, error) {
	if strings.TrimSpace(cfgFile) == "" {
		return config.NewStaticManager(nil), nil
	}
	path := config.ResolvePath(cfgFile)
	mgr, err := config.NewManager(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	return logging.NewLogger(level, cfg.LogFormat)
}
