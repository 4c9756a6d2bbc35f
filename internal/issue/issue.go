// Package issue defines the canonical issue record shared by the JSONL
// store, the markdown file tree, and the GitHub mirror.
package issue

import (
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Status values.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusClosed     = "closed"
)

// Type values.
const (
	TypeTask    = "task"
	TypeBug     = "bug"
	TypeFeature = "feature"
	TypeEpic    = "epic"
	TypeChore   = "chore"
)

// Source provenance tags, set by whichever reader produced the record.
const (
	SourceStore = "store"
	SourceFile  = "file"
)

// DefaultPriority is assigned when a priority is missing or out of range.
const DefaultPriority = 2

// Issue is the canonical issue record.
//
// Timestamps are kept as the ISO-8601 strings they were read as; invalid
// values stay verbatim and simply fail ParseTime, so comparisons treat
// them as unknown rather than producing garbage orderings.
type Issue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Type        string   `json:"type"`
	Priority    int      `json:"priority"`
	Assignee    string   `json:"assignee,omitempty"`
	Parent      string   `json:"parent,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Blocks      []string `json:"blocks,omitempty"`
	Children    []string `json:"children,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
	ClosedAt    string   `json:"closed_at,omitempty"`

	// Source is provenance only and never persisted.
	Source string `json:"-"`
}

// ValidateID checks that an ID is non-empty, non-whitespace, and contains
// only alphanumerics and dashes (no path separators).
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return &ValidationError{Field: "id", Reason: "must contain only alphanumerics and dashes"}
		}
	}
	return nil
}

// statusAliases maps accepted spellings to canonical status values.
var statusAliases = map[string]string{
	"open":        StatusOpen,
	"in_progress": StatusInProgress,
	"in-progress": StatusInProgress,
	"working":     StatusInProgress,
	"closed":      StatusClosed,
	"done":        StatusClosed,
	"completed":   StatusClosed,
}

// NormalizeStatus maps the accepted status spellings to a canonical value.
// Unknown values return (StatusOpen, false).
func NormalizeStatus(s string) (string, bool) {
	if canonical, ok := statusAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return canonical, true
	}
	return StatusOpen, false
}

// knownTypes are the valid issue types.
var knownTypes = []string{TypeTask, TypeBug, TypeFeature, TypeEpic, TypeChore}

// NormalizeType maps a type string to a canonical value.
// Unknown values return (TypeTask, false).
func NormalizeType(s string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(s))
	if slices.Contains(knownTypes, t) {
		return t, true
	}
	return TypeTask, false
}

// ClampPriority floors a raw priority to an integer and snaps anything
// outside [0..4] to the default. 7.4 floors to 7 and snaps to 2.
func ClampPriority(raw float64) int {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return DefaultPriority
	}
	p := int(math.Floor(raw))
	if p < 0 || p > 4 {
		return DefaultPriority
	}
	return p
}

// ParsePriority interprets a loosely-typed frontmatter or JSON priority
// value. Unparseable values return (DefaultPriority, false).
func ParsePriority(v any) (int, bool) {
	switch n := v.(type) {
	case nil:
		return DefaultPriority, false
	case int:
		return ClampPriority(float64(n)), true
	case int64:
		return ClampPriority(float64(n)), true
	case float64:
		return ClampPriority(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return DefaultPriority, false
		}
		return ClampPriority(f), true
	default:
		return DefaultPriority, false
	}
}

// timeLayouts are the ISO-8601 shapes accepted for issue timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses an issue timestamp. The second return is false for
// empty or malformed values, which callers treat as unknown.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTime renders a timestamp in the canonical ISO-8601 form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// canonical returns a projection of the issue with the two fields that
// are excluded from equality zeroed and nil slices normalized, so that a
// single structural comparison decides both "is it changed" and "which
// fields changed".
func (b Issue) canonical() Issue {
	b.UpdatedAt = ""
	b.Source = ""
	b.Labels = canonList(b.Labels)
	b.DependsOn = canonList(b.DependsOn)
	b.Blocks = canonList(b.Blocks)
	b.Children = canonList(b.Children)
	return b
}

func canonList(s []string) []string {
	if len(s) == 0 {
		return []string{}
	}
	return slices.Clone(s)
}

// Equal reports whether two issues are identical ignoring updated_at
// and source.
func Equal(a, b Issue) bool {
	return reflect.DeepEqual(a.canonical(), b.canonical())
}

// FieldDiff names one differing field between two issues, with both
// values rendered as strings.
type FieldDiff struct {
	Field string
	A     string
	B     string
}

// Diff returns the fields (in declaration order) on which two issues
// differ, ignoring updated_at and source.
func Diff(a, b Issue) []FieldDiff {
	ca, cb := a.canonical(), b.canonical()
	var diffs []FieldDiff
	add := func(field, av, bv string) {
		if av != bv {
			diffs = append(diffs, FieldDiff{Field: field, A: av, B: bv})
		}
	}
	add("title", ca.Title, cb.Title)
	add("description", ca.Description, cb.Description)
	add("status", ca.Status, cb.Status)
	add("type", ca.Type, cb.Type)
	add("priority", strconv.Itoa(ca.Priority), strconv.Itoa(cb.Priority))
	add("assignee", ca.Assignee, cb.Assignee)
	add("parent", ca.Parent, cb.Parent)
	add("labels", strings.Join(ca.Labels, ","), strings.Join(cb.Labels, ","))
	add("depends_on", strings.Join(ca.DependsOn, ","), strings.Join(cb.DependsOn, ","))
	add("blocks", strings.Join(ca.Blocks, ","), strings.Join(cb.Blocks, ","))
	add("children", strings.Join(ca.Children, ","), strings.Join(cb.Children, ","))
	add("created_at", ca.CreatedAt, cb.CreatedAt)
	add("closed_at", ca.ClosedAt, cb.ClosedAt)
	return diffs
}

// Merge applies the overlay's delta on top of base: any field present
// (non-zero) in overlay overwrites the base value, and everything else is
// kept from base. Equivalent to a recursive merge that only overwrites
// keys appearing in the overlay record.
func Merge(base, overlay Issue) Issue {
	out := base
	if overlay.Title != "" {
		out.Title = overlay.Title
	}
	if overlay.Description != "" {
		out.Description = overlay.Description
	}
	if overlay.Status != "" {
		out.Status = overlay.Status
	}
	if overlay.Type != "" {
		out.Type = overlay.Type
	}
	out.Priority = overlay.Priority
	if overlay.Assignee != "" {
		out.Assignee = overlay.Assignee
	}
	if overlay.Parent != "" {
		out.Parent = overlay.Parent
	}
	if overlay.Labels != nil {
		out.Labels = slices.Clone(overlay.Labels)
	}
	if overlay.DependsOn != nil {
		out.DependsOn = slices.Clone(overlay.DependsOn)
	}
	if overlay.Blocks != nil {
		out.Blocks = slices.Clone(overlay.Blocks)
	}
	if overlay.Children != nil {
		out.Children = slices.Clone(overlay.Children)
	}
	if overlay.CreatedAt != "" {
		out.CreatedAt = overlay.CreatedAt
	}
	if overlay.UpdatedAt != "" {
		out.UpdatedAt = overlay.UpdatedAt
	}
	if overlay.ClosedAt != "" {
		out.ClosedAt = overlay.ClosedAt
	}
	return out
}

// IsClosed reports whether the issue is in the closed state.
func (b Issue) IsClosed() bool {
	return b.Status == StatusClosed
}
