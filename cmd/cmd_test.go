package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/toba/stitch/internal/config"
	"github.com/toba/stitch/internal/issue"
	"github.com/toba/stitch/internal/store"
)

func TestResolveInsideCwd(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	tests := []struct {
		name    string
		out     string
		wantErr bool
	}{
		{"plain name", "TODO.md", false},
		{"subdirectory", filepath.Join("docs", "TODO.md"), false},
		{"dot prefix", "./TODO.md", false},
		{"parent escape", filepath.Join("..", "escape.md"), true},
		{"nested escape", filepath.Join("docs", "..", "..", "escape.md"), true},
		{"absolute outside", filepath.Join(os.TempDir(), "elsewhere.md"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveInsideCwd(tt.out)
			if tt.wantErr {
				if err == nil {
					t.Errorf("resolveInsideCwd(%q) = %q, want error", tt.out, got)
				}
				return
			}
			if err != nil {
				t.Errorf("resolveInsideCwd(%q): %v", tt.out, err)
			}
		})
	}
}

func TestRuntimeErrCarriesExitCode(t *testing.T) {
	if runtimeErr(nil) != nil {
		t.Error("runtimeErr(nil) should be nil")
	}

	err := runtimeErr(errors.New("boom"))
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("runtimeErr did not produce an ExitError: %v", err)
	}
	if exitErr.Code != 2 {
		t.Errorf("Code = %d, want 2", exitErr.Code)
	}
	if err.Error() != "boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestCompileReportFixedLayout(t *testing.T) {
	cfg := config.Default()
	issues := []issue.Issue{
		{ID: "todo-abc", Title: "Ship it", Status: issue.StatusOpen, Type: issue.TypeTask, Priority: 1},
	}

	data, err := compileReport(cfg, issues)
	if err != nil {
		t.Fatalf("compileReport: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "# TODO\n") {
		t.Errorf("report does not start with the fixed heading:\n%s", text)
	}
	if !strings.Contains(text, "todo-abc") {
		t.Errorf("report missing issue:\n%s", text)
	}
}

func TestCompileReportTemplatePreset(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.SetConfigDir(dir)
	cfg.Template.Preset = "minimal"

	data, err := compileReport(cfg, nil)
	if err != nil {
		t.Fatalf("compileReport: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "# "+filepath.Base(dir)) {
		t.Errorf("template heading missing project name:\n%s", text)
	}
	if !strings.Contains(text, "_No issues._") {
		t.Errorf("empty issue table placeholder missing:\n%s", text)
	}
}

func TestInitScaffoldsProject(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if err := initCmd.RunE(initCmd, nil); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, path := range []string{store.DataDir, config.DefaultTodoDir, config.ConfigFileName} {
		if _, err := os.Stat(filepath.Join(dir, path)); err != nil {
			t.Errorf("missing %s: %v", path, err)
		}
	}

	cfg, err := config.LoadFromDirectory(dir)
	if err != nil {
		t.Fatalf("LoadFromDirectory: %v", err)
	}
	if cfg.TodoDir != config.DefaultTodoDir {
		t.Errorf("TodoDir = %q", cfg.TodoDir)
	}
}
