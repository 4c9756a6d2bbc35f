package cmd

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/toba/stitch/internal/config"
	"github.com/toba/stitch/internal/store"
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Mirror issues against GitHub",
	Long: `One-shot mirroring against the configured GitHub repository.
Requires a github section in .stitch.yaml and credentials in the
environment (GITHUB_TOKEN, or GITHUB_APP_ID + GITHUB_INSTALLATION_ID +
GITHUB_PRIVATE_KEY).`,
}

var mirrorPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull every GitHub issue into the local store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := oneShotOrchestrator()
		if err != nil {
			return err
		}
		if err := orch.Pull(context.Background()); err != nil {
			return runtimeErr(err)
		}
		fmt.Println("Pull complete")
		return nil
	},
}

var mirrorPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Create GitHub issues for unmapped local issues",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := oneShotOrchestrator()
		if err != nil {
			return err
		}
		if err := orch.Push(context.Background()); err != nil {
			return runtimeErr(err)
		}
		fmt.Println("Push complete")
		return nil
	},
}

func init() {
	mirrorCmd.AddCommand(mirrorPullCmd)
	mirrorCmd.AddCommand(mirrorPushCmd)
	rootCmd.AddCommand(mirrorCmd)
}

func oneShotOrchestrator() (orchestrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.GitHub == nil {
		return nil, fmt.Errorf("no github section in %s", config.ConfigFileName)
	}
	storeDir := cfg.ResolveStoreDir()
	s := store.Open(storeDir)
	logger := log.New(os.Stderr, "", log.LstdFlags)
	orch, err := newOrchestrator(cfg, s, storeDir, logger)
	if err != nil {
		return nil, err
	}
	if orch == nil {
		return nil, fmt.Errorf("github credentials missing from environment")
	}
	return orch, nil
}

// orchestrator is the slice of the mirror surface the one-shot commands
// use.
type orchestrator interface {
	Pull(ctx context.Context) error
	Push(ctx context.Context) error
}
