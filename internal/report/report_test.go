package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/toba/stitch/internal/issue"
)

func fixture() []issue.Issue {
	return []issue.Issue{
		{ID: "todo-wip", Title: "Ship it", Status: issue.StatusInProgress, Type: issue.TypeFeature, Priority: 1, Assignee: "ana"},
		{ID: "todo-bug", Title: "Login broken", Status: issue.StatusOpen, Type: issue.TypeBug, Priority: 0, Labels: []string{"ui", "auth"}},
		{ID: "todo-tsk", Title: "Sweep logs", Status: issue.StatusOpen, Type: issue.TypeChore, Priority: 3},
		{ID: "todo-old", Title: "Done thing", Status: issue.StatusClosed, Type: issue.TypeTask, Priority: 2, ClosedAt: "2026-02-01T10:00:00Z"},
		{ID: "todo-new", Title: "Newer done", Status: issue.StatusClosed, Type: issue.TypeTask, Priority: 2, ClosedAt: "2026-03-01T10:00:00Z"},
	}
}

func TestCompileLayout(t *testing.T) {
	out := string(Compile(fixture(), Options{IncludeCompleted: true}))

	want := []string{
		"# TODO",
		"## In Progress",
		"- [ ] [#todo-wip] Ship it - *feature, P1, @ana*",
		"## Open",
		"### Bugs",
		"- [ ] [#todo-bug] Login broken - *bug, P0 #ui #auth*",
		"### Tasks",
		"- [ ] [#todo-tsk] Sweep logs - *chore, P3*",
		"## Recently Completed",
		"- [x] [#todo-new] Newer done - *closed 2026-03-01*",
		"- [x] [#todo-old] Done thing - *closed 2026-02-01*",
	}
	pos := -1
	for _, line := range want {
		i := strings.Index(out, line)
		if i < 0 {
			t.Fatalf("missing line %q in:\n%s", line, out)
		}
		if i < pos {
			t.Fatalf("line %q out of order in:\n%s", line, out)
		}
		pos = i
	}
}

func TestCompileOmitsEmptySections(t *testing.T) {
	out := string(Compile([]issue.Issue{
		{ID: "todo-one", Title: "Only task", Status: issue.StatusOpen, Type: issue.TypeTask, Priority: 2},
	}, Options{IncludeCompleted: true}))

	for _, absent := range []string{"## In Progress", "### Epics", "### Bugs", "### Features", "## Recently Completed"} {
		if strings.Contains(out, absent) {
			t.Errorf("empty section %q should be omitted:\n%s", absent, out)
		}
	}
	if !strings.Contains(out, "### Tasks") {
		t.Errorf("Tasks section missing:\n%s", out)
	}
}

func TestCompileSortsByPriority(t *testing.T) {
	out := string(Compile([]issue.Issue{
		{ID: "todo-low", Title: "Low", Status: issue.StatusOpen, Type: issue.TypeTask, Priority: 4},
		{ID: "todo-hot", Title: "Hot", Status: issue.StatusOpen, Type: issue.TypeTask, Priority: 0},
	}, Options{}))

	if strings.Index(out, "todo-hot") > strings.Index(out, "todo-low") {
		t.Errorf("priority 0 should sort before 4:\n%s", out)
	}
}

func TestCompileCompletedLimit(t *testing.T) {
	issues := []issue.Issue{
		{ID: "todo-aaa", Title: "A", Status: issue.StatusClosed, Type: issue.TypeTask, Priority: 2, ClosedAt: "2026-01-01T00:00:00Z"},
		{ID: "todo-bbb", Title: "B", Status: issue.StatusClosed, Type: issue.TypeTask, Priority: 2, ClosedAt: "2026-01-02T00:00:00Z"},
		{ID: "todo-ccc", Title: "C", Status: issue.StatusClosed, Type: issue.TypeTask, Priority: 2, ClosedAt: "2026-01-03T00:00:00Z"},
	}
	out := string(Compile(issues, Options{IncludeCompleted: true, CompletedLimit: 2}))

	if strings.Contains(out, "todo-aaa") {
		t.Errorf("oldest closed issue should fall outside the limit:\n%s", out)
	}
	if !strings.Contains(out, "todo-ccc") || !strings.Contains(out, "todo-bbb") {
		t.Errorf("two newest closed issues should be listed:\n%s", out)
	}
}

func TestCompileSuppressesCompleted(t *testing.T) {
	out := string(Compile(fixture(), Options{IncludeCompleted: false}))
	if strings.Contains(out, "Recently Completed") {
		t.Errorf("completed section should be suppressed:\n%s", out)
	}
}

func TestCompileUnknownClosedDate(t *testing.T) {
	out := string(Compile([]issue.Issue{
		{ID: "todo-odd", Title: "Odd", Status: issue.StatusClosed, Type: issue.TypeTask, Priority: 2, ClosedAt: "not a date"},
	}, Options{IncludeCompleted: true}))
	if !strings.Contains(out, "*closed unknown*") {
		t.Errorf("unparseable closed_at should render as unknown:\n%s", out)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	a := Compile(fixture(), Options{IncludeCompleted: true})
	b := Compile(fixture(), Options{IncludeCompleted: true})
	if !bytes.Equal(a, b) {
		t.Error("same input should produce identical bytes")
	}
}
