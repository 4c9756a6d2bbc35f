package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/toba/stitch/internal/config"
	"github.com/toba/stitch/internal/issue"
	"github.com/toba/stitch/internal/report"
	"github.com/toba/stitch/internal/store"
	"github.com/toba/stitch/internal/template"
)

var buildOutput string

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Compile the TODO.md report from the issue store",
	Long: `Reads every issue from the canonical store and writes the report.
With a template section configured, the report is rendered through the
template chain instead of the fixed layout.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildOutput, "output", "", "report output path (default from config)")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var outPath string
	if buildOutput != "" {
		outPath, err = resolveInsideCwd(buildOutput)
		if err != nil {
			return err
		}
	} else {
		outPath = cfg.ResolveReportOutput()
	}

	s := store.Open(cfg.ResolveStoreDir())
	issues, err := s.Load()
	if err != nil {
		return runtimeErr(err)
	}

	data, err := compileReport(cfg, issues)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return runtimeErr(fmt.Errorf("writing report: %w", err))
	}

	fmt.Printf("Wrote %s (%d issues)\n", outPath, len(issues))
	return nil
}

// compileReport renders the configured template when one is set up,
// otherwise the fixed report layout.
func compileReport(cfg *config.Config, issues []issue.Issue) ([]byte, error) {
	if cfg.Template.Dir == "" && cfg.Template.Preset == "" {
		return report.Compile(issues, cfg.ReportOptions()), nil
	}

	tmpl, err := template.Resolve(cfg.ResolveTemplateDir(), cfg.TemplatePreset())
	if err != nil {
		return nil, err
	}
	r := &template.Renderer{Issues: issues}
	data := map[string]any{
		"project": map[string]any{"name": filepath.Base(cfg.ConfigDir())},
	}
	return []byte(r.Render(string(tmpl), data)), nil
}

// resolveInsideCwd makes out absolute and rejects paths that escape the
// working directory.
func resolveInsideCwd(out string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	path := out
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(cwd, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output path %q resolves outside the working directory", out)
	}
	return path, nil
}
