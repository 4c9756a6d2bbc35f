// Package store reads and writes the canonical issue store, an
// append-only line-delimited JSON file at .beads/issues.jsonl.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/toba/stitch/internal/issue"
)

// DataDir is the directory holding the canonical store.
const DataDir = ".beads"

// FileName is the canonical store file inside DataDir.
const FileName = "issues.jsonl"

var ErrNotFound = errors.New("issue not found")

// Store is the JSONL adapter for the canonical issue store. One process
// owns the store at a time; writes rewrite the file atomically and are
// serialized so concurrent callers cannot interleave read-modify-write
// cycles.
type Store struct {
	path       string
	warnWriter io.Writer
	mu         sync.Mutex
}

// Open returns a store bound to <dir>/issues.jsonl.
func Open(dir string) *Store {
	return &Store{
		path:       filepath.Join(dir, FileName),
		warnWriter: os.Stderr,
	}
}

// SetWarnWriter redirects per-line warnings. Pass nil to silence them.
func (s *Store) SetWarnWriter(w io.Writer) {
	s.warnWriter = w
}

func (s *Store) logWarn(format string, args ...any) {
	if s.warnWriter != nil {
		fmt.Fprintf(s.warnWriter, "warning: "+format+"\n", args...)
	}
}

// Path returns the absolute path of the store file.
func (s *Store) Path() string {
	return s.path
}

// FindDir searches start and each ancestor for a .beads directory.
// Returns empty string if none is found.
func FindDir(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, DataDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// Load reads every line of the store in file order. A missing file is an
// empty store, not an error. Corrupt lines are reported one warning per
// line and skipped; the batch continues.
func (s *Store) Load() ([]issue.Issue, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening store: %w", err)
	}
	defer f.Close()

	var issues []issue.Issue
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var b issue.Issue
		if err := json.Unmarshal(line, &b); err != nil {
			s.logWarn("%s:%d: skipping corrupt line: %v", s.path, lineNo, err)
			continue
		}
		if err := issue.ValidateID(b.ID); err != nil {
			s.logWarn("%s:%d: skipping record: %v", s.path, lineNo, err)
			continue
		}
		b.Source = issue.SourceStore
		issues = append(issues, b)
	}
	if err := scanner.Err(); err != nil {
		return issues, fmt.Errorf("reading store: %w", err)
	}
	return issues, nil
}

// Upsert writes an issue through to the store, replacing any record with
// the same ID or appending a new one. It stamps updated_at and returns
// the record as it now exists in the store.
func (s *Store) Upsert(b issue.Issue) (issue.Issue, error) {
	if err := issue.ValidateID(b.ID); err != nil {
		return issue.Issue{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := issue.FormatTime(time.Now())
	b.UpdatedAt = now
	if b.CreatedAt == "" {
		b.CreatedAt = now
	}
	if b.IsClosed() && b.ClosedAt == "" {
		b.ClosedAt = now
	}
	b.Source = issue.SourceStore

	existing, err := s.Load()
	if err != nil {
		return issue.Issue{}, err
	}

	replaced := false
	for i := range existing {
		if existing[i].ID == b.ID {
			existing[i] = b
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, b)
	}

	if err := s.rewrite(existing); err != nil {
		return issue.Issue{}, err
	}
	return b, nil
}

// Close transitions an issue to closed and stamps closed_at.
func (s *Store) Close(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.Load()
	if err != nil {
		return err
	}
	for i := range existing {
		if existing[i].ID == id {
			now := issue.FormatTime(time.Now())
			existing[i].Status = issue.StatusClosed
			existing[i].ClosedAt = now
			existing[i].UpdatedAt = now
			return s.rewrite(existing)
		}
	}
	return ErrNotFound
}

// rewrite atomically replaces the store file: write a temp file in the
// same directory, then rename over the original.
func (s *Store) rewrite(issues []issue.Issue) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".issues-*.jsonl")
	if err != nil {
		return fmt.Errorf("creating temp store: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for i := range issues {
		if err := enc.Encode(&issues[i]); err != nil {
			tmp.Close()
			return fmt.Errorf("encoding record %s: %w", issues[i].ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp store: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing store: %w", err)
	}
	return nil
}
