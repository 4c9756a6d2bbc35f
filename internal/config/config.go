// Package config loads the .stitch.yaml project configuration. The file
// is found by searching upward from the working directory, the same way
// the issue store is found, so commands work from any subdirectory.
package config

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/toba/stitch/internal/engine"
	"github.com/toba/stitch/internal/mirror"
	"github.com/toba/stitch/internal/pattern"
	"github.com/toba/stitch/internal/report"
	"github.com/toba/stitch/internal/template"
	"github.com/toba/stitch/internal/watch"
)

// ConfigFileName is the name of the config file at project root.
const ConfigFileName = ".stitch.yaml"

// DefaultTodoDir is the markdown tree root relative to the config file.
const DefaultTodoDir = ".todo"

// DefaultReportOutput is where the compiled report lands.
const DefaultReportOutput = "TODO.md"

// StitchConfig is the top-level wrapper for the .stitch.yaml file
// format. The configuration lives under the "stitch" key so the file
// can be shared with other tools that keep their own section.
type StitchConfig struct {
	Stitch Config `yaml:"stitch"`
}

// ReportConfig controls the compiled TODO.md report.
type ReportConfig struct {
	Output         string `yaml:"output,omitempty"`
	CompletedLimit int    `yaml:"completedLimit,omitempty"`
	// IncludeCompleted defaults to true; nil means unset.
	IncludeCompleted *bool `yaml:"includeCompleted,omitempty"`
}

// TemplateConfig selects the report template.
type TemplateConfig struct {
	// Dir holds custom templates ([Issue].mdx, TODO.mdx, presets/).
	Dir    string `yaml:"dir,omitempty"`
	Preset string `yaml:"preset,omitempty"`
}

// GitHubConfig enables mirroring against a GitHub repository.
// Credentials never live in the file; they come from the environment.
type GitHubConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
	// Strategy resolves mirror conflicts: github-wins, local-wins,
	// newest-wins.
	Strategy string `yaml:"strategy,omitempty"`
	// WebhookAddr is the listen address for the webhook server run by
	// `stitch watch`. Empty disables the server.
	WebhookAddr string `yaml:"webhookAddr,omitempty"`
	// Conventions override the default label and body-marker mapping.
	Conventions *mirror.Conventions `yaml:"conventions,omitempty"`
}

// Config holds the stitch configuration.
type Config struct {
	// TodoDir is the markdown tree root (relative to the config file).
	TodoDir             string         `yaml:"todoDir,omitempty"`
	Pattern             string         `yaml:"pattern,omitempty"`
	SeparateClosed      bool           `yaml:"separateClosed,omitempty"`
	ConflictStrategy    string         `yaml:"conflictStrategy,omitempty"`
	Direction           string         `yaml:"direction,omitempty"`
	ConflictWindowHours int            `yaml:"conflictWindowHours,omitempty"`
	DebounceMs          int            `yaml:"debounceMs,omitempty"`
	Report              ReportConfig   `yaml:"report,omitempty"`
	Template            TemplateConfig `yaml:"template,omitempty"`
	GitHub              *GitHubConfig  `yaml:"github,omitempty"`

	// configDir is the directory containing the config file (not
	// serialized). Used to resolve relative paths.
	configDir string `yaml:"-"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		TodoDir:          DefaultTodoDir,
		Pattern:          pattern.Default,
		ConflictStrategy: engine.StrategyNewestWins,
		Direction:        engine.DirectionBidirectional,
	}
}

// FindConfig searches upward from the given directory for a
// .stitch.yaml file. Returns the absolute path, or empty string if no
// ancestor has one.
func FindConfig(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// Load reads configuration from the given config file path. Returns the
// default config if the file doesn't exist.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	var wrapper StitchConfig
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	cfg := wrapper.Stitch
	cfg.configDir = filepath.Dir(configPath)

	// Apply defaults for missing values.
	cfg.TodoDir = cmp.Or(cfg.TodoDir, DefaultTodoDir)
	cfg.Pattern = cmp.Or(cfg.Pattern, pattern.Default)
	cfg.ConflictStrategy = cmp.Or(cfg.ConflictStrategy, engine.StrategyNewestWins)
	cfg.Direction = cmp.Or(cfg.Direction, engine.DirectionBidirectional)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return &cfg, nil
}

// LoadFromDirectory finds and loads the config file by searching upward
// from the given directory. If no config file is found, returns a
// default config anchored at the given directory.
func LoadFromDirectory(startDir string) (*Config, error) {
	configPath, err := FindConfig(startDir)
	if err != nil {
		return nil, err
	}
	if configPath == "" {
		cfg := Default()
		cfg.configDir = startDir
		return cfg, nil
	}
	return Load(configPath)
}

func (c *Config) validate() error {
	switch c.ConflictStrategy {
	case engine.StrategyLocalWins, engine.StrategyFileWins, engine.StrategyNewestWins:
	default:
		return fmt.Errorf("unknown conflictStrategy %q", c.ConflictStrategy)
	}
	switch c.Direction {
	case engine.DirectionBidirectional, engine.DirectionStoreToFiles, engine.DirectionFilesToStore:
	default:
		return fmt.Errorf("unknown direction %q", c.Direction)
	}
	if c.GitHub != nil {
		if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			return fmt.Errorf("github section requires owner and repo")
		}
		switch c.GitHub.Strategy {
		case "", mirror.StrategyGitHubWins, mirror.StrategyLocalWins, mirror.StrategyNewestWins:
		default:
			return fmt.Errorf("unknown github strategy %q", c.GitHub.Strategy)
		}
	}
	return nil
}

// ConfigDir returns the directory containing the config file.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// SetConfigDir sets the config directory (for testing or when creating
// new configs).
func (c *Config) SetConfigDir(dir string) {
	c.configDir = dir
}

// resolve anchors a relative path at the config directory.
func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if c.configDir == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, path)
	}
	return filepath.Join(c.configDir, path)
}

// ResolveTodoDir returns the absolute path of the markdown tree root.
func (c *Config) ResolveTodoDir() string {
	return c.resolve(cmp.Or(c.TodoDir, DefaultTodoDir))
}

// ResolveStoreDir returns the absolute path of the .beads directory.
func (c *Config) ResolveStoreDir() string {
	return c.resolve(".beads")
}

// ResolveTemplateDir returns the absolute template directory, or empty
// when none is configured.
func (c *Config) ResolveTemplateDir() string {
	if c.Template.Dir == "" {
		return ""
	}
	return c.resolve(c.Template.Dir)
}

// ReportOutput returns the report output path relative to the config
// directory.
func (c *Config) ReportOutput() string {
	return cmp.Or(c.Report.Output, DefaultReportOutput)
}

// ResolveReportOutput returns the absolute report output path.
func (c *Config) ResolveReportOutput() string {
	return c.resolve(c.ReportOutput())
}

// ReportOptions translates the report section into compiler options.
func (c *Config) ReportOptions() report.Options {
	opts := report.Options{
		CompletedLimit:   cmp.Or(c.Report.CompletedLimit, report.DefaultCompletedLimit),
		IncludeCompleted: true,
	}
	if c.Report.IncludeCompleted != nil {
		opts.IncludeCompleted = *c.Report.IncludeCompleted
	}
	return opts
}

// TemplatePreset returns the configured preset name, defaulted.
func (c *Config) TemplatePreset() string {
	return cmp.Or(c.Template.Preset, template.DefaultPreset)
}

// ConflictWindow returns the detector window as a duration.
func (c *Config) ConflictWindow() time.Duration {
	if c.ConflictWindowHours <= 0 {
		return engine.DefaultConflictWindow
	}
	return time.Duration(c.ConflictWindowHours) * time.Hour
}

// Debounce returns the watcher debounce as a duration.
func (c *Config) Debounce() time.Duration {
	if c.DebounceMs <= 0 {
		return watch.DefaultDebounce
	}
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// EngineOptions translates the config into sync engine options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		Strategy:       c.ConflictStrategy,
		Direction:      c.Direction,
		ConflictWindow: c.ConflictWindow(),
		SeparateClosed: c.SeparateClosed,
	}
}

// MirrorConventions returns the configured conventions record, or the
// defaults when the github section carries none.
func (c *Config) MirrorConventions() mirror.Conventions {
	if c.GitHub != nil && c.GitHub.Conventions != nil {
		return *c.GitHub.Conventions
	}
	return mirror.DefaultConventions()
}

// Save writes the stitch configuration to .stitch.yaml, preserving any
// other top-level sections in the file. Uses the yaml.v3 node API to do
// a partial update of just the "stitch" key.
func (c *Config) Save(dir string) error {
	targetDir := c.configDir
	if targetDir == "" {
		targetDir = dir
	}
	path := filepath.Join(targetDir, ConfigFileName)

	var section yaml.Node
	if err := section.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err == nil {
			if replaceOrAppendKey(&root, "stitch", &section) {
				out, err := yaml.Marshal(&root)
				if err != nil {
					return fmt.Errorf("marshaling document: %w", err)
				}
				return os.WriteFile(path, out, 0o644)
			}
		}
	}

	// No existing file or parse error, write fresh.
	wrapper := StitchConfig{Stitch: *c}
	out, err := yaml.Marshal(&wrapper)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

// replaceOrAppendKey finds the key in a YAML mapping and replaces its
// value, or appends a new key-value pair. Returns true on success.
func replaceOrAppendKey(root *yaml.Node, key string, value *yaml.Node) bool {
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i < len(root.Content)-1; i += 2 {
		if root.Content[i].Value == key {
			root.Content[i+1] = value
			return true
		}
	}
	root.Content = append(root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		value,
	)
	return true
}
