// Package engine diffs the canonical store against the markdown file
// tree and fans the winning records back out to both sides.
package engine

import (
	"time"

	"github.com/toba/stitch/internal/issue"
)

// DefaultConflictWindow is how close two updated_at stamps must be for a
// simultaneous edit to count as a conflict rather than a clear winner.
// Deliberately coarse; configurable via conflictWindowHours.
const DefaultConflictWindow = 24 * time.Hour

// Conflict resolutions.
const (
	ResolutionManual     = "manual"
	ResolutionLocalWins  = "local-wins"
	ResolutionRemoteWins = "remote-wins"
)

// Sides of a conflict pair.
const (
	SideStore = "store"
	SideFile  = "file"
)

// SyncConflict records one differing field between the store and file
// versions of an issue.
type SyncConflict struct {
	IssueID       string `json:"issueId"`
	Field         string `json:"field"`
	LocalValue    string `json:"localValue"`
	ExternalValue string `json:"externalValue"`
	Resolution    string `json:"resolution"`
}

// ConflictPair carries both versions of a conflicted issue plus the
// per-field conflicts, so the engine can route it under a strategy.
type ConflictPair struct {
	ID     string
	Store  issue.Issue
	File   issue.Issue
	Fields []SyncConflict
	// NewerSide is the detector's direction assignment: the side with
	// the later parseable updated_at, or empty when neither is newer.
	NewerSide string
}

// ModifiedPair is a both-sides edit with a clear winner: the updated_at
// stamps are further apart than the conflict window.
type ModifiedPair struct {
	ID        string
	Store     issue.Issue
	File      issue.Issue
	NewerSide string
}

// Classification is the detector output. ToStore and ToFiles carry the
// routed records (one-side-only adds plus clear-winner edits); Modified
// lists the clear-winner edits separately so a conflict strategy other
// than newest-wins can override their direction.
type Classification struct {
	ToStore   []issue.Issue
	ToFiles   []issue.Issue
	Modified  []ModifiedPair
	Conflicts []ConflictPair
}

// Detect diffs the store-side and file-side issue sets. For each ID in
// the union:
//
//   - file only: route to store
//   - store only: route to files
//   - both, equal ignoring updated_at and source: no action
//   - both, differing, stamps more than window apart: route to the newer side
//   - both, differing, otherwise: one SyncConflict per differing field
//
// Deletions are deliberately not detected in either direction.
func Detect(storeIssues, fileIssues []issue.Issue, window time.Duration) Classification {
	if window <= 0 {
		window = DefaultConflictWindow
	}

	byStore := make(map[string]issue.Issue, len(storeIssues))
	for _, b := range storeIssues {
		byStore[b.ID] = b
	}
	byFile := make(map[string]issue.Issue, len(fileIssues))
	for _, b := range fileIssues {
		byFile[b.ID] = b
	}

	var out Classification

	for _, f := range fileIssues {
		s, inStore := byStore[f.ID]
		if !inStore {
			out.ToStore = append(out.ToStore, f)
			continue
		}
		if issue.Equal(s, f) {
			continue
		}

		st, sok := issue.ParseTime(s.UpdatedAt)
		ft, fok := issue.ParseTime(f.UpdatedAt)
		if sok && fok && !st.Equal(ft) && absDuration(st.Sub(ft)) > window {
			side := newerSide(st, sok, ft, fok)
			if side == SideFile {
				out.ToStore = append(out.ToStore, f)
			} else {
				out.ToFiles = append(out.ToFiles, s)
			}
			out.Modified = append(out.Modified, ModifiedPair{ID: f.ID, Store: s, File: f, NewerSide: side})
			continue
		}

		pair := ConflictPair{ID: f.ID, Store: s, File: f, NewerSide: newerSide(st, sok, ft, fok)}
		for _, d := range issue.Diff(s, f) {
			pair.Fields = append(pair.Fields, SyncConflict{
				IssueID:       f.ID,
				Field:         d.Field,
				LocalValue:    d.A,
				ExternalValue: d.B,
				Resolution:    ResolutionManual,
			})
		}
		out.Conflicts = append(out.Conflicts, pair)
	}

	for _, s := range storeIssues {
		if _, inFiles := byFile[s.ID]; !inFiles {
			out.ToFiles = append(out.ToFiles, s)
		}
	}

	return out
}

func newerSide(st time.Time, sok bool, ft time.Time, fok bool) string {
	switch {
	case sok && fok && st.After(ft):
		return SideStore
	case sok && fok && ft.After(st):
		return SideFile
	case sok && !fok:
		return SideStore
	case fok && !sok:
		return SideFile
	default:
		return ""
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
