package issue

import (
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"todo-abc", false},
		{"a1-b2-c3", false},
		{"", true},
		{"   ", true},
		{"a/b", true},
		{"a\\b", true},
		{"a b", true},
	}
	for _, tt := range tests {
		err := ValidateID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"open", StatusOpen, true},
		{"in_progress", StatusInProgress, true},
		{"in-progress", StatusInProgress, true},
		{"working", StatusInProgress, true},
		{"closed", StatusClosed, true},
		{"done", StatusClosed, true},
		{"completed", StatusClosed, true},
		{"DONE", StatusClosed, true},
		{"bogus", StatusOpen, false},
		{"", StatusOpen, false},
	}
	for _, tt := range tests {
		got, ok := NormalizeStatus(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeStatus(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestClampPriority(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0, 0},
		{4, 4},
		{2.9, 2},
		{7.4, 2}, // floors to 7, out of range, snaps to default
		{-1, 2},
		{5, 2},
	}
	for _, tt := range tests {
		if got := ClampPriority(tt.in); got != tt.want {
			t.Errorf("ClampPriority(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   any
		want int
		ok   bool
	}{
		{3, 3, true},
		{7.4, 2, true},
		{"1", 1, true},
		{"7.4", 2, true},
		{"high", 2, false},
		{nil, 2, false},
	}
	for _, tt := range tests {
		got, ok := ParsePriority(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParsePriority(%v) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEqualIgnoresUpdatedAtAndSource(t *testing.T) {
	a := Issue{ID: "todo-abc", Title: "A", Status: StatusOpen, Type: TypeTask, Priority: 2,
		UpdatedAt: "2026-01-01T00:00:00Z", Source: SourceStore}
	b := a
	b.UpdatedAt = "2026-02-01T00:00:00Z"
	b.Source = SourceFile

	if !Equal(a, b) {
		t.Error("issues differing only in updated_at and source should be equal")
	}

	b.Title = "B"
	if Equal(a, b) {
		t.Error("issues with different titles should not be equal")
	}
}

func TestEqualTreatsNilAndEmptySlicesAlike(t *testing.T) {
	a := Issue{ID: "x", Labels: nil}
	b := Issue{ID: "x", Labels: []string{}}
	if !Equal(a, b) {
		t.Error("nil and empty label lists should compare equal")
	}
}

func TestDiff(t *testing.T) {
	a := Issue{ID: "todo-abc", Title: "Old", Status: StatusOpen, Type: TypeTask, Priority: 1}
	b := Issue{ID: "todo-abc", Title: "New", Status: StatusClosed, Type: TypeTask, Priority: 1,
		ClosedAt: "2026-01-02T00:00:00Z"}

	diffs := Diff(a, b)
	fields := make([]string, len(diffs))
	for i, d := range diffs {
		fields[i] = d.Field
	}
	want := "title,status,closed_at"
	if got := strings.Join(fields, ","); got != want {
		t.Errorf("Diff fields = %s, want %s", got, want)
	}
}

func TestMergeOverlaysFileDelta(t *testing.T) {
	store := Issue{
		ID: "todo-abc", Title: "Store title", Description: "store desc",
		Status: StatusOpen, Type: TypeTask, Priority: 1,
		Assignee: "ana", Labels: []string{"keep"},
		CreatedAt: "2026-01-01T00:00:00Z",
	}
	file := Issue{
		ID: "todo-abc", Title: "File title",
		Status: StatusInProgress, Type: TypeTask, Priority: 3,
	}

	merged := Merge(store, file)
	if merged.Title != "File title" {
		t.Errorf("Title = %q, want file value", merged.Title)
	}
	if merged.Description != "store desc" {
		t.Errorf("Description = %q, want store value preserved", merged.Description)
	}
	if merged.Assignee != "ana" {
		t.Errorf("Assignee = %q, want store value preserved", merged.Assignee)
	}
	if merged.Priority != 3 {
		t.Errorf("Priority = %d, want 3", merged.Priority)
	}
	if len(merged.Labels) != 1 || merged.Labels[0] != "keep" {
		t.Errorf("Labels = %v, want store labels preserved", merged.Labels)
	}
}

func TestNewID(t *testing.T) {
	id := NewID("todo")
	if err := ValidateID(id); err != nil {
		t.Fatalf("NewID produced invalid ID %q: %v", id, err)
	}
	if !strings.HasPrefix(id, "todo-") {
		t.Errorf("NewID = %q, want todo- prefix", id)
	}
	if len(id) != len("todo-")+4 {
		t.Errorf("NewID = %q, want 4 random characters", id)
	}

	seen := make(map[string]bool)
	for range 100 {
		seen[NewID("todo")] = true
	}
	if len(seen) < 90 {
		t.Errorf("NewID produced %d unique IDs out of 100", len(seen))
	}
}

func TestParseTime(t *testing.T) {
	if _, ok := ParseTime("2026-01-02T10:00:00Z"); !ok {
		t.Error("RFC3339 timestamp should parse")
	}
	if _, ok := ParseTime("2026-01-02"); !ok {
		t.Error("date-only timestamp should parse")
	}
	if _, ok := ParseTime("not a date"); ok {
		t.Error("garbage should not parse")
	}
	if _, ok := ParseTime(""); ok {
		t.Error("empty string should not parse")
	}
}
