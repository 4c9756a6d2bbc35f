// Package cmd holds the stitch command tree.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toba/stitch/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "stitch",
	Short: "Keep an issue store, a markdown tree, and GitHub Issues in sync",
	Long: `stitch synchronizes three views of the same issues: the canonical
JSONL store under .beads/, per-issue markdown files under .todo/, and
(optionally) GitHub Issues. It also compiles a deterministic TODO.md
report from the store.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default: nearest .stitch.yaml)")
}

// ExitError carries a process exit code through cobra. Runtime failures
// exit 2; everything else (bad arguments, bad config) exits 1.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// runtimeErr marks err as a runtime failure (exit code 2).
func runtimeErr(err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: 2, Err: err}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// loadConfig loads the explicit --config file, or searches upward from
// the working directory.
func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	return config.LoadFromDirectory(cwd)
}
