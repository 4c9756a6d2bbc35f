package store

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/toba/stitch/internal/issue"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), DataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	s := Open(dir)
	s.SetWarnWriter(nil)
	return s
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	issues, err := s.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected empty store, got %d issues", len(issues))
	}
}

func TestUpsertAndLoad(t *testing.T) {
	s := newTestStore(t)

	written, err := s.Upsert(issue.Issue{
		ID: "todo-abc", Title: "A", Status: issue.StatusOpen,
		Type: issue.TypeTask, Priority: 2,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if written.UpdatedAt == "" {
		t.Error("Upsert should stamp updated_at")
	}
	if written.CreatedAt == "" {
		t.Error("Upsert should stamp created_at on create")
	}
	if written.Source != issue.SourceStore {
		t.Errorf("Source = %q, want store", written.Source)
	}

	issues, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(issues) != 1 || issues[0].ID != "todo-abc" {
		t.Fatalf("Load = %+v, want one todo-abc record", issues)
	}
	if issues[0].Source != issue.SourceStore {
		t.Errorf("loaded Source = %q, want store", issues[0].Source)
	}
}

func TestUpsertReplacesInPlace(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"todo-aaa", "todo-bbb", "todo-ccc"} {
		if _, err := s.Upsert(issue.Issue{ID: id, Title: id, Status: issue.StatusOpen, Type: issue.TypeTask, Priority: 2}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.Upsert(issue.Issue{ID: "todo-bbb", Title: "updated", Status: issue.StatusOpen, Type: issue.TypeTask, Priority: 2}); err != nil {
		t.Fatal(err)
	}

	issues, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 3 {
		t.Fatalf("expected 3 records, got %d", len(issues))
	}
	// File order preserved, middle record updated in place.
	if issues[1].ID != "todo-bbb" || issues[1].Title != "updated" {
		t.Errorf("record 1 = %+v, want updated todo-bbb", issues[1])
	}
}

func TestUpsertStampsClosedAt(t *testing.T) {
	s := newTestStore(t)
	written, err := s.Upsert(issue.Issue{
		ID: "todo-abc", Title: "A", Status: issue.StatusClosed,
		Type: issue.TypeTask, Priority: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if written.ClosedAt == "" {
		t.Error("upsert of a closed issue without closed_at should stamp it")
	}
}

func TestClose(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert(issue.Issue{ID: "todo-abc", Title: "A", Status: issue.StatusOpen, Type: issue.TypeTask, Priority: 2}); err != nil {
		t.Fatal(err)
	}

	if err := s.Close("todo-abc"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	issues, _ := s.Load()
	if issues[0].Status != issue.StatusClosed {
		t.Errorf("Status = %q, want closed", issues[0].Status)
	}
	if issues[0].ClosedAt == "" {
		t.Error("Close should stamp closed_at")
	}

	if err := s.Close("todo-nope"); err != ErrNotFound {
		t.Errorf("Close of unknown id = %v, want ErrNotFound", err)
	}
}

func TestLoadSkipsCorruptLines(t *testing.T) {
	s := newTestStore(t)
	content := `{"id":"todo-one","title":"One","status":"open","type":"task","priority":2}
this is not json
{"id":"todo-two","title":"Two","status":"open","type":"task","priority":2}
{"id":"","title":"no id"}
`
	if err := os.WriteFile(s.Path(), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var warnings bytes.Buffer
	s.SetWarnWriter(&warnings)

	issues, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 valid records, got %d", len(issues))
	}
	if issues[0].ID != "todo-one" || issues[1].ID != "todo-two" {
		t.Errorf("loaded %v, want file order preserved", issues)
	}
	if n := strings.Count(warnings.String(), "warning:"); n != 2 {
		t.Errorf("expected one warning per corrupt line (2), got %d:\n%s", n, warnings.String())
	}
}

func TestFindDir(t *testing.T) {
	root := t.TempDir()
	beads := filepath.Join(root, DataDir)
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(beads, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	found, err := FindDir(nested)
	if err != nil {
		t.Fatal(err)
	}
	if found != beads {
		t.Errorf("FindDir = %q, want %q", found, beads)
	}

	elsewhere := t.TempDir()
	found, err = FindDir(elsewhere)
	if err != nil {
		t.Fatal(err)
	}
	if found != "" {
		t.Errorf("FindDir in dir without .beads = %q, want empty", found)
	}
}
