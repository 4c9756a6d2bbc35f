package engine

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/toba/stitch/internal/issue"
	"github.com/toba/stitch/internal/pattern"
)

// Conflict strategies.
const (
	StrategyLocalWins  = "local-wins"
	StrategyFileWins   = "file-wins"
	StrategyNewestWins = "newest-wins"
)

// Sync directions.
const (
	DirectionBidirectional = "bidirectional"
	DirectionStoreToFiles  = "store-to-files"
	DirectionFilesToStore  = "files-to-store"
)

// StoreAdapter is the canonical store surface the engine needs.
type StoreAdapter interface {
	Load() ([]issue.Issue, error)
	Upsert(issue.Issue) (issue.Issue, error)
}

// PathSafetyError reports a write that would resolve outside the target
// directory. It aborts the current operation.
type PathSafetyError struct {
	Path string
}

func (e *PathSafetyError) Error() string {
	return fmt.Sprintf("path safety violation: %s resolves outside the target directory", e.Path)
}

// Options configure one sync run.
type Options struct {
	Strategy       string        // local-wins, file-wins, newest-wins
	Direction      string        // bidirectional, store-to-files, files-to-store
	DryRun         bool
	ConflictWindow time.Duration // 0 means DefaultConflictWindow
	SeparateClosed bool          // closed issues go under closed/
}

// Result is the sync plan (dry run) or outcome.
type Result struct {
	Created      []string       `json:"created"`
	Updated      []string       `json:"updated"`
	FilesWritten []string       `json:"filesWritten"`
	Conflicts    []SyncConflict `json:"conflicts"`
}

// Engine resolves detector output under a conflict strategy and executes
// writes to both sides. Store upserts always happen before file writes so
// a reader of the file tree sees a consistent snapshot.
type Engine struct {
	store      StoreAdapter
	todoDir    string
	pattern    *pattern.Pattern
	opts       Options
	warnWriter io.Writer
}

// New creates an engine. todoDir is the markdown tree root.
func New(store StoreAdapter, todoDir string, p *pattern.Pattern, opts Options) *Engine {
	if opts.Strategy == "" {
		opts.Strategy = StrategyNewestWins
	}
	if opts.Direction == "" {
		opts.Direction = DirectionBidirectional
	}
	return &Engine{
		store:      store,
		todoDir:    todoDir,
		pattern:    p,
		opts:       opts,
		warnWriter: os.Stderr,
	}
}

// SetWarnWriter redirects per-issue warnings. Pass nil to silence them.
func (e *Engine) SetWarnWriter(w io.Writer) {
	e.warnWriter = w
}

func (e *Engine) logWarn(format string, args ...any) {
	if e.warnWriter != nil {
		fmt.Fprintf(e.warnWriter, "warning: "+format+"\n", args...)
	}
}

// fileRecord pairs a parsed issue with its path relative to todoDir.
type fileRecord struct {
	iss  issue.Issue
	path string
}

// Run executes one sync pass and returns the result. With DryRun set it
// returns the plan without mutating anything.
func (e *Engine) Run() (*Result, error) {
	storeIssues, err := e.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading store: %w", err)
	}

	files, err := e.loadFiles()
	if err != nil {
		return nil, err
	}
	fileIssues := make([]issue.Issue, len(files))
	pathByID := make(map[string]string, len(files))
	existingNames := make(map[string]bool, len(files))
	for i, fr := range files {
		fileIssues[i] = fr.iss
		pathByID[fr.iss.ID] = fr.path
		existingNames[fr.path] = true
	}

	cls := Detect(storeIssues, fileIssues, e.opts.ConflictWindow)
	toStore, toFiles, conflicts := e.resolve(cls)

	byStore := make(map[string]issue.Issue, len(storeIssues))
	for _, b := range storeIssues {
		byStore[b.ID] = b
	}

	// Direction filter.
	if e.opts.Direction == DirectionStoreToFiles {
		toStore = nil
	}
	if e.opts.Direction == DirectionFilesToStore {
		toFiles = nil
	}

	result := &Result{
		Created:      []string{},
		Updated:      []string{},
		FilesWritten: []string{},
		Conflicts:    conflicts,
	}

	// Store upserts first. Each written record is echoed back to its
	// file so both sides converge on the stamped canonical form.
	for _, incoming := range toStore {
		current, exists := byStore[incoming.ID]
		record := incoming
		if exists {
			record = issue.Merge(current, incoming)
		}
		if record.IsClosed() && record.ClosedAt == "" {
			record.ClosedAt = issue.FormatTime(time.Now())
		}
		if exists {
			result.Updated = append(result.Updated, record.ID)
		} else {
			result.Created = append(result.Created, record.ID)
		}
		if e.opts.DryRun {
			// The plan still echoes the would-be write so the reported
			// file set matches what a real bidirectional run produces.
			if e.opts.Direction == DirectionBidirectional {
				toFiles = append(toFiles, stampForPlan(record))
			}
			continue
		}
		written, err := e.store.Upsert(record)
		if err != nil {
			e.logWarn("upserting %s: %v", record.ID, err)
			continue
		}
		if e.opts.Direction == DirectionBidirectional {
			toFiles = append(toFiles, written)
		}
	}

	// File writes second.
	for _, outgoing := range toFiles {
		if outgoing.IsClosed() && outgoing.ClosedAt == "" {
			outgoing.ClosedAt = issue.FormatTime(time.Now())
		}
		relPath, err := e.filePath(outgoing, pathByID, existingNames)
		if err != nil {
			if _, unsafe := err.(*PathSafetyError); unsafe {
				return result, err
			}
			e.logWarn("deriving path for %s: %v", outgoing.ID, err)
			continue
		}

		data := issue.Serialize(outgoing)
		full := filepath.Join(e.todoDir, relPath)
		if existing, err := os.ReadFile(full); err == nil && bytes.Equal(existing, data) {
			continue // byte-identical, idempotent re-run
		}

		result.FilesWritten = append(result.FilesWritten, relPath)
		if e.opts.DryRun {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			e.logWarn("creating directory for %s: %v", relPath, err)
			continue
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			e.logWarn("writing %s: %v", relPath, err)
			continue
		}
		existingNames[relPath] = true
		pathByID[outgoing.ID] = relPath
	}

	return result, nil
}

// stampForPlan applies the timestamps the store would stamp on upsert,
// so a dry run plans the same file writes a real run performs.
func stampForPlan(b issue.Issue) issue.Issue {
	now := issue.FormatTime(time.Now())
	b.UpdatedAt = now
	if b.CreatedAt == "" {
		b.CreatedAt = now
	}
	if b.IsClosed() && b.ClosedAt == "" {
		b.ClosedAt = now
	}
	b.Source = issue.SourceStore
	return b
}

// resolve applies the conflict strategy to the detector output and
// returns the final out-queues plus the conflict list for the result.
func (e *Engine) resolve(cls Classification) (toStore, toFiles []issue.Issue, conflicts []SyncConflict) {
	conflicts = []SyncConflict{}

	switch e.opts.Strategy {
	case StrategyNewestWins:
		// Trust the detector's direction assignment for clear winners.
		toStore = append(toStore, cls.ToStore...)
		toFiles = append(toFiles, cls.ToFiles...)
		for _, pair := range cls.Conflicts {
			// Route by the detector's direction assignment. Resolution
			// stays manual to signal the routing was deterministic.
			switch pair.NewerSide {
			case SideFile:
				toStore = append(toStore, pair.File)
			case SideStore:
				toFiles = append(toFiles, pair.Store)
			default:
				e.logWarn("conflict on %s unresolved: no usable timestamps", pair.ID)
			}
			conflicts = append(conflicts, pair.Fields...)
		}

	case StrategyLocalWins, StrategyFileWins:
		// Keep one-side-only adds, but override the direction of every
		// both-sides edit, including the detector's clear winners.
		modified := make(map[string]bool, len(cls.Modified))
		for _, m := range cls.Modified {
			modified[m.ID] = true
		}
		for _, b := range cls.ToStore {
			if !modified[b.ID] {
				toStore = append(toStore, b)
			}
		}
		for _, b := range cls.ToFiles {
			if !modified[b.ID] {
				toFiles = append(toFiles, b)
			}
		}

		storeWins := e.opts.Strategy == StrategyLocalWins
		resolution := ResolutionLocalWins
		if !storeWins {
			resolution = ResolutionRemoteWins
		}
		for _, m := range cls.Modified {
			if storeWins {
				toFiles = append(toFiles, m.Store)
			} else {
				toStore = append(toStore, m.File)
			}
		}
		for _, pair := range cls.Conflicts {
			if storeWins {
				toFiles = append(toFiles, pair.Store)
			} else {
				toStore = append(toStore, pair.File)
			}
			for _, c := range pair.Fields {
				c.Resolution = resolution
				conflicts = append(conflicts, c)
			}
		}
	}

	return toStore, toFiles, conflicts
}

// filePath returns the relative path an issue should be written to,
// reusing the issue's current file when one exists.
func (e *Engine) filePath(b issue.Issue, pathByID map[string]string, existing map[string]bool) (string, error) {
	if p, ok := pathByID[b.ID]; ok {
		return p, nil
	}

	name, err := e.pattern.Apply(b, existing)
	if err != nil {
		return "", err
	}
	if b.IsClosed() && e.opts.SeparateClosed {
		name = filepath.Join(pattern.ClosedDir, name)
	}

	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &PathSafetyError{Path: name}
	}
	return clean, nil
}

// loadFiles parses every .md file under todoDir. Parse failures are
// reported one warning per file and skipped.
func (e *Engine) loadFiles() ([]fileRecord, error) {
	if _, err := os.Stat(e.todoDir); os.IsNotExist(err) {
		return nil, nil
	}

	matches, err := doublestar.Glob(os.DirFS(e.todoDir), "**/*.md")
	if err != nil {
		return nil, fmt.Errorf("globbing %s: %w", e.todoDir, err)
	}

	var records []fileRecord
	seen := make(map[string]string) // id -> path, for duplicate detection
	for _, rel := range matches {
		full := filepath.Join(e.todoDir, filepath.FromSlash(rel))
		b, err := e.loadFile(full)
		if err != nil {
			e.logWarn("%s: %v", rel, err)
			continue
		}
		if prev, dup := seen[b.ID]; dup {
			e.logWarn("%s: duplicate id %s (already defined in %s)", rel, b.ID, prev)
			continue
		}
		seen[b.ID] = rel
		records = append(records, fileRecord{iss: b, path: filepath.FromSlash(rel)})
	}
	return records, nil
}

func (e *Engine) loadFile(path string) (issue.Issue, error) {
	f, err := os.Open(path)
	if err != nil {
		return issue.Issue{}, err
	}
	defer f.Close()
	return issue.Parse(f)
}
