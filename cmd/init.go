package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/toba/stitch/internal/config"
	"github.com/toba/stitch/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a stitch project",
	Long:  `Creates .beads/, .todo/, and a .stitch.yaml config section in the working directory.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}

		for _, dir := range []string{store.DataDir, config.DefaultTodoDir} {
			if err := os.MkdirAll(filepath.Join(cwd, dir), 0o755); err != nil {
				return runtimeErr(fmt.Errorf("creating %s: %w", dir, err))
			}
		}

		cfg := config.Default()
		cfg.SetConfigDir(cwd)
		if err := cfg.Save(cwd); err != nil {
			return runtimeErr(fmt.Errorf("writing config: %w", err))
		}

		fmt.Println("Initialized stitch project")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
