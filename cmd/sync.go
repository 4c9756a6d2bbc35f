package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/toba/stitch/internal/engine"
	"github.com/toba/stitch/internal/pattern"
	"github.com/toba/stitch/internal/store"
)

var (
	syncDryRun    bool
	syncDirection string
	syncJSON      bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass between the store and the markdown tree",
	Long: `Diffs the canonical store against the markdown tree and reconciles
both sides under the configured conflict strategy. Conflicting edits
inside the conflict window are reported, not resolved.`,
	Args: cobra.NoArgs,
	RunE: runSyncPass,
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Show the plan without making changes")
	syncCmd.Flags().StringVar(&syncDirection, "direction", "", "bidirectional, store-to-files, or files-to-store")
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Output the result as JSON")
	rootCmd.AddCommand(syncCmd)
}

func runSyncPass(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if syncDirection != "" {
		switch syncDirection {
		case engine.DirectionBidirectional, engine.DirectionStoreToFiles, engine.DirectionFilesToStore:
			cfg.Direction = syncDirection
		default:
			return fmt.Errorf("unknown direction %q", syncDirection)
		}
	}

	p, err := pattern.Compile(cfg.Pattern)
	if err != nil {
		return fmt.Errorf("pattern: %w", err)
	}

	opts := cfg.EngineOptions()
	opts.DryRun = syncDryRun
	eng := engine.New(store.Open(cfg.ResolveStoreDir()), cfg.ResolveTodoDir(), p, opts)

	result, err := eng.Run()
	if err != nil {
		return runtimeErr(err)
	}

	if syncJSON {
		data, err := json.Marshal(result)
		if err != nil {
			return runtimeErr(err)
		}
		fmt.Println(string(pretty.Pretty(data)))
		return nil
	}

	verb := "synced"
	if syncDryRun {
		verb = "would sync"
	}
	fmt.Printf("%s: %d created, %d updated, %d files written\n",
		verb, len(result.Created), len(result.Updated), len(result.FilesWritten))
	for _, c := range result.Conflicts {
		fmt.Printf("conflict: %s %s (store: %s, file: %s)\n", c.IssueID, c.Field, c.LocalValue, c.ExternalValue)
	}
	return nil
}
