package mirror

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/toba/stitch/internal/issue"
	"github.com/toba/stitch/internal/mirror/github"
	"github.com/toba/stitch/internal/store"
	"github.com/toba/stitch/internal/webhook"
)

// fakeTracker is an in-memory ExternalClient.
type fakeTracker struct {
	mu      sync.Mutex
	issues  map[int]github.Issue
	next    int
	updates int
	creates int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{issues: make(map[int]github.Issue), next: 1}
}

func (f *fakeTracker) put(e github.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[e.Number] = e
	if e.Number >= f.next {
		f.next = e.Number + 1
	}
}

func (f *fakeTracker) GetIssue(_ context.Context, number int) (*github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue %d not found", number)
	}
	return &e, nil
}

func (f *fakeTracker) CreateIssue(_ context.Context, req *github.CreateIssueRequest) (*github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	e := github.Issue{
		Number:    f.next,
		Title:     req.Title,
		Body:      req.Body,
		State:     "open",
		UpdatedAt: issue.FormatTime(time.Now()),
	}
	for _, l := range req.Labels {
		e.Labels = append(e.Labels, github.Label{Name: l})
	}
	f.issues[e.Number] = e
	f.next++
	return &e, nil
}

func (f *fakeTracker) UpdateIssue(_ context.Context, number int, update *github.UpdateIssueRequest) (*github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	e, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue %d not found", number)
	}
	if update.Title != nil {
		e.Title = *update.Title
	}
	if update.Body != nil {
		e.Body = *update.Body
	}
	if update.State != nil {
		e.State = *update.State
	}
	if update.Labels != nil {
		e.Labels = nil
		for _, l := range *update.Labels {
			e.Labels = append(e.Labels, github.Label{Name: l})
		}
	}
	e.UpdatedAt = issue.FormatTime(time.Now())
	f.issues[number] = e
	return &e, nil
}

func (f *fakeTracker) ListIssues(context.Context, string) ([]github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []github.Issue
	for _, e := range f.issues {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeTracker) RemoveLabel(context.Context, int, string) error { return nil }

func (f *fakeTracker) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates + f.creates
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store, *fakeTracker, *MappingTable) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), store.DataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	s := store.Open(dir)
	s.SetWarnWriter(nil)

	table, err := OpenMappingTable(dir)
	if err != nil {
		t.Fatal(err)
	}
	tracker := newFakeTracker()
	cv, err := NewConverter(DefaultConventions())
	if err != nil {
		t.Fatal(err)
	}
	o := New(s, tracker, table, cv, Options{
		Strategy: StrategyGitHubWins,
		Logger:   log.New(io.Discard, "", 0),
	})
	return o, s, tracker, table
}

func TestAdoptCreatesLocalAndMapping(t *testing.T) {
	o, s, _, table := newTestOrchestrator(t)

	ev := webhook.Event{
		Name:   webhook.EventIssues,
		Action: "opened",
		Issues: &webhook.IssuesPayload{
			Action: "opened",
			Issue: github.Issue{
				Number: 7, Title: "From outside", State: "open",
				Labels:    []github.Label{{Name: "bug"}, {Name: "P1"}},
				UpdatedAt: issue.FormatTime(time.Now()),
			},
			Installation: webhook.InstallationRef{ID: 42},
		},
	}
	if err := o.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	m, ok := table.ByExternal(7)
	if !ok {
		t.Fatal("mapping not created")
	}
	if m.InstallationID != 42 {
		t.Errorf("InstallationID = %d", m.InstallationID)
	}

	issues, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 1 {
		t.Fatalf("store = %+v, want one record", issues)
	}
	if issues[0].ID != m.LocalID || issues[0].Title != "From outside" || issues[0].Type != issue.TypeBug {
		t.Errorf("record = %+v", issues[0])
	}
	if m.LocalUpdatedAt != issues[0].UpdatedAt {
		t.Errorf("mapping localUpdatedAt = %q, store has %q", m.LocalUpdatedAt, issues[0].UpdatedAt)
	}
}

func TestAdoptSkipsTakenIDs(t *testing.T) {
	o, s, _, table := newTestOrchestrator(t)

	// One id is taken in the store, another in the mapping table.
	if _, err := s.Upsert(issue.Issue{
		ID: "todo-aaaa", Title: "Existing", Status: issue.StatusOpen,
		Type: issue.TypeTask, Priority: 2,
	}); err != nil {
		t.Fatal(err)
	}
	if err := table.Put(Mapping{
		LocalID: "todo-cccc", ExternalNumber: 99,
		LastSyncedAt: issue.FormatTime(time.Now()),
	}); err != nil {
		t.Fatal(err)
	}

	ids := []string{"todo-aaaa", "todo-cccc", "todo-bbbb"}
	var i int
	o.newID = func(string) string {
		id := ids[i]
		if i < len(ids)-1 {
			i++
		}
		return id
	}

	ext := github.Issue{
		Number: 7, Title: "From outside", State: "open",
		UpdatedAt: issue.FormatTime(time.Now()),
	}
	m, err := o.adopt(context.Background(), ext, 0)
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if m.LocalID != "todo-bbbb" {
		t.Errorf("adopted id = %q, want the first free candidate todo-bbbb", m.LocalID)
	}

	issues, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 2 {
		t.Fatalf("store = %+v, want the existing record plus the adopted one", issues)
	}
	for _, b := range issues {
		if b.ID == "todo-aaaa" && b.Title != "Existing" {
			t.Errorf("existing record was overwritten: %+v", b)
		}
	}
}

func TestRacingAdoptionsShareOneMapping(t *testing.T) {
	o, s, _, table := newTestOrchestrator(t)

	ext := github.Issue{
		Number: 7, Title: "Adopted once", State: "open",
		UpdatedAt: issue.FormatTime(time.Now()),
	}

	// Model the webhook server and a Pull both passing the unmapped check
	// for the same number before either adopts it.
	results := make([]Mapping, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := o.adopt(context.Background(), ext, 0)
			if err != nil {
				t.Errorf("adopt %d: %v", i, err)
				return
			}
			results[i] = m
		}(i)
	}
	wg.Wait()

	for i, m := range results {
		if m.LocalID != results[0].LocalID {
			t.Errorf("adoption %d minted %q, others got %q", i, m.LocalID, results[0].LocalID)
		}
	}
	if table.Len() != 1 {
		t.Errorf("table has %d mappings, want 1", table.Len())
	}
	issues, _ := s.Load()
	if len(issues) != 1 {
		t.Errorf("store has %d records, want 1", len(issues))
	}
}

func TestPullClearsFieldsRemovedExternally(t *testing.T) {
	o, s, tracker, table := newTestOrchestrator(t)

	local, err := s.Upsert(issue.Issue{
		ID: "todo-abc", Title: "Tracked", Status: issue.StatusOpen,
		Type: issue.TypeTask, Priority: 2,
		Assignee: "alice", Labels: []string{"urgent"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The external side has since dropped both the label and the
	// assignee; only it moved past the sync point.
	tracker.put(github.Issue{
		Number: 7, Title: "Tracked", State: "open",
		UpdatedAt: issue.FormatTime(time.Now().Add(time.Minute)),
	})
	if err := table.Put(Mapping{
		LocalID: "todo-abc", ExternalNumber: 7,
		LocalUpdatedAt:    local.UpdatedAt,
		ExternalUpdatedAt: issue.FormatTime(time.Now().Add(-time.Hour)),
		LastSyncedAt:      local.UpdatedAt,
	}); err != nil {
		t.Fatal(err)
	}

	if err := o.Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	issues, _ := s.Load()
	if len(issues) != 1 {
		t.Fatalf("store = %+v, want one record", issues)
	}
	if issues[0].Assignee != "" {
		t.Errorf("Assignee = %q, want cleared to match external", issues[0].Assignee)
	}
	if len(issues[0].Labels) != 0 {
		t.Errorf("Labels = %v, want cleared to match external", issues[0].Labels)
	}
	if issues[0].CreatedAt != local.CreatedAt {
		t.Errorf("CreatedAt = %q, want original %q preserved", issues[0].CreatedAt, local.CreatedAt)
	}
}

func TestGitHubWinsRestampsFromWrittenRecord(t *testing.T) {
	o, s, tracker, table := newTestOrchestrator(t)

	// Seed a mapped pair where both sides moved past the sync point.
	local, err := s.Upsert(issue.Issue{
		ID: "todo-abc", Title: "Local edit", Status: issue.StatusOpen,
		Type: issue.TypeTask, Priority: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	extStamp := issue.FormatTime(time.Now().Add(-time.Minute))
	ext := github.Issue{
		Number: 7, Title: "External edit", State: "open",
		UpdatedAt: extStamp,
	}
	tracker.put(ext)
	syncPoint := issue.FormatTime(time.Now().Add(-time.Hour))
	if err := table.Put(Mapping{
		LocalID: "todo-abc", ExternalNumber: 7,
		LocalUpdatedAt: local.UpdatedAt, ExternalUpdatedAt: extStamp,
		LastSyncedAt: syncPoint,
	}); err != nil {
		t.Fatal(err)
	}

	if err := o.Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	issues, _ := s.Load()
	if issues[0].Title != "External edit" {
		t.Fatalf("github-wins should apply the external title, got %q", issues[0].Title)
	}

	m, _ := table.ByExternal(7)
	if m.LocalUpdatedAt != issues[0].UpdatedAt {
		t.Errorf("mapping localUpdatedAt = %q, want the written record's %q", m.LocalUpdatedAt, issues[0].UpdatedAt)
	}
	if m.ExternalUpdatedAt != extStamp {
		t.Errorf("mapping externalUpdatedAt = %q, want %q", m.ExternalUpdatedAt, extStamp)
	}

	// Running again immediately must make no further writes.
	before := tracker.writeCount()
	storeBefore, _ := os.ReadFile(s.Path())
	if err := o.Pull(context.Background()); err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	if tracker.writeCount() != before {
		t.Error("second pull wrote to the tracker")
	}
	storeAfter, _ := os.ReadFile(s.Path())
	if string(storeBefore) != string(storeAfter) {
		t.Error("second pull rewrote the store")
	}
}

func TestLocalAheadPushes(t *testing.T) {
	o, s, tracker, table := newTestOrchestrator(t)

	tracker.put(github.Issue{
		Number: 7, Title: "Stale external", State: "open",
		UpdatedAt: issue.FormatTime(time.Now().Add(-time.Hour)),
	})
	local, err := s.Upsert(issue.Issue{
		ID: "todo-abc", Title: "Fresh local", Status: issue.StatusOpen,
		Type: issue.TypeBug, Priority: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := table.Put(Mapping{
		LocalID: "todo-abc", ExternalNumber: 7,
		LocalUpdatedAt:    local.UpdatedAt,
		ExternalUpdatedAt: issue.FormatTime(time.Now().Add(-time.Hour)),
		LastSyncedAt:      issue.FormatTime(time.Now().Add(-30 * time.Minute)),
	}); err != nil {
		t.Fatal(err)
	}

	if err := o.Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	got, _ := tracker.GetIssue(context.Background(), 7)
	if got.Title != "Fresh local" {
		t.Errorf("external title = %q, want pushed local title", got.Title)
	}
	hasLabel := func(name string) bool {
		for _, l := range got.Labels {
			if l.Name == name {
				return true
			}
		}
		return false
	}
	if !hasLabel("bug") || !hasLabel("P1") {
		t.Errorf("pushed labels = %+v, want bug and P1", got.Labels)
	}
}

func TestUnmovedPairIsNoOp(t *testing.T) {
	o, s, tracker, table := newTestOrchestrator(t)

	stale := issue.FormatTime(time.Now().Add(-time.Hour))
	tracker.put(github.Issue{Number: 7, Title: "Same", State: "open", UpdatedAt: stale})
	local, err := s.Upsert(issue.Issue{
		ID: "todo-abc", Title: "Same", Status: issue.StatusOpen,
		Type: issue.TypeTask, Priority: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := table.Put(Mapping{
		LocalID: "todo-abc", ExternalNumber: 7,
		LocalUpdatedAt: local.UpdatedAt, ExternalUpdatedAt: stale,
		LastSyncedAt: issue.FormatTime(time.Now().Add(time.Minute)),
	}); err != nil {
		t.Fatal(err)
	}

	before := tracker.writeCount()
	if err := o.Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if tracker.writeCount() != before {
		t.Error("no-op pair caused tracker writes")
	}
}

func TestPushCreatesExternalForUnmappedLocal(t *testing.T) {
	o, s, tracker, table := newTestOrchestrator(t)

	if _, err := s.Upsert(issue.Issue{
		ID: "todo-abc", Title: "Only local", Status: issue.StatusOpen,
		Type: issue.TypeFeature, Priority: 2,
	}); err != nil {
		t.Fatal(err)
	}

	if err := o.Push(context.Background()); err != nil {
		t.Fatalf("Push: %v", err)
	}

	m, ok := table.ByLocal("todo-abc")
	if !ok {
		t.Fatal("mapping not created by push")
	}
	got, err := tracker.GetIssue(context.Background(), m.ExternalNumber)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Only local" {
		t.Errorf("external title = %q", got.Title)
	}
}

func TestMappingTablePersists(t *testing.T) {
	dir := t.TempDir()
	table, err := OpenMappingTable(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.Put(Mapping{LocalID: "todo-abc", ExternalNumber: 7, LastSyncedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenMappingTable(dir)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := reopened.ByExternal(7)
	if !ok || m.LocalID != "todo-abc" {
		t.Errorf("reloaded mapping = %+v, %v", m, ok)
	}
	if _, ok := reopened.ByLocal("todo-abc"); !ok {
		t.Error("local index not rebuilt on load")
	}
}

func TestCommentEventIsIgnored(t *testing.T) {
	o, s, _, table := newTestOrchestrator(t)
	ev := webhook.Event{
		Name:         webhook.EventIssueComment,
		Action:       "created",
		IssueComment: &webhook.IssueCommentPayload{Action: "created"},
	}
	if err := o.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if table.Len() != 0 {
		t.Error("comment event should not create mappings")
	}
	issues, _ := s.Load()
	if len(issues) != 0 {
		t.Error("comment event should not touch the store")
	}
}
