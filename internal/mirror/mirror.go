// Package mirror keeps the canonical store and the external tracker in
// agreement. Inbound webhook events drive the push direction (external
// to local); Pull walks every external issue for the pull direction.
// Each (local, external) pair carries three timestamps and is resolved
// three-way against the last sync point.
package mirror

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toba/stitch/internal/engine"
	"github.com/toba/stitch/internal/issue"
	"github.com/toba/stitch/internal/mirror/github"
	"github.com/toba/stitch/internal/webhook"
)

// Conflict strategies for pairs where both sides moved past the last
// sync point.
const (
	StrategyGitHubWins = "github-wins"
	StrategyLocalWins  = "local-wins"
	StrategyNewestWins = "newest-wins"
)

// ExternalClient is the tracker surface the orchestrator needs.
type ExternalClient interface {
	GetIssue(ctx context.Context, number int) (*github.Issue, error)
	CreateIssue(ctx context.Context, req *github.CreateIssueRequest) (*github.Issue, error)
	UpdateIssue(ctx context.Context, number int, update *github.UpdateIssueRequest) (*github.Issue, error)
	ListIssues(ctx context.Context, state string) ([]github.Issue, error)
	RemoveLabel(ctx context.Context, number int, label string) error
}

// Options configure an Orchestrator.
type Options struct {
	Strategy string // github-wins, local-wins, newest-wins
	IDPrefix string // prefix for locally minted ids, default "todo"
	// PullConcurrency bounds parallel pair resolution during Pull.
	PullConcurrency int
	Logger          *log.Logger
}

// Orchestrator owns the mapping table and moves issues across it.
type Orchestrator struct {
	store  engine.StoreAdapter
	client ExternalClient
	table  *MappingTable
	conv   *Converter
	opts   Options

	// adoptMu serializes adoptions so concurrent deliveries of the same
	// external issue, or a Pull racing the webhook server, cannot adopt
	// it twice. It also keeps id minting single-file.
	adoptMu sync.Mutex
	newID   func(prefix string) string
}

// New builds an orchestrator.
func New(store engine.StoreAdapter, client ExternalClient, table *MappingTable, conv *Converter, opts Options) *Orchestrator {
	if opts.Strategy == "" {
		opts.Strategy = StrategyNewestWins
	}
	if opts.IDPrefix == "" {
		opts.IDPrefix = issue.DefaultIDPrefix
	}
	if opts.PullConcurrency <= 0 {
		opts.PullConcurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Orchestrator{store: store, client: client, table: table, conv: conv, opts: opts, newID: issue.NewID}
}

// ProcessEvent consumes one decoded webhook event. Implements
// webhook.Processor.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev webhook.Event) error {
	switch {
	case ev.Issues != nil:
		return o.handleIssuesEvent(ctx, ev.Issues)
	case ev.Installation != nil:
		o.opts.Logger.Printf("mirror: installation %d %s", ev.Installation.Installation.ID, ev.Action)
		return nil
	case ev.IssueComment != nil:
		// Comments carry no synced fields.
		return nil
	default:
		return nil
	}
}

func (o *Orchestrator) handleIssuesEvent(ctx context.Context, p *webhook.IssuesPayload) error {
	ext := p.Issue
	m, mapped := o.table.ByExternal(ext.Number)
	if !mapped {
		_, err := o.adopt(ctx, ext, p.Installation.ID)
		return err
	}

	unlock := o.table.Lock(m.LocalID)
	defer unlock()

	local, err := o.loadLocal(m.LocalID)
	if err != nil {
		return err
	}
	return o.resolvePair(ctx, local, ext, m)
}

// Pull fetches every external issue, adopting unmapped ones and
// resolving mapped pairs three-way. Pairs are independent, so they run
// with bounded parallelism; per-pair errors are collected.
func (o *Orchestrator) Pull(ctx context.Context) error {
	exts, err := o.client.ListIssues(ctx, "all")
	if err != nil {
		return fmt.Errorf("listing external issues: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.PullConcurrency)
	for _, ext := range exts {
		ext := ext
		g.Go(func() error {
			m, mapped := o.table.ByExternal(ext.Number)
			if !mapped {
				if _, err := o.adopt(ctx, ext, 0); err != nil {
					return fmt.Errorf("adopting #%d: %w", ext.Number, err)
				}
				return nil
			}

			unlock := o.table.Lock(m.LocalID)
			defer unlock()

			local, err := o.loadLocal(m.LocalID)
			if err != nil {
				return fmt.Errorf("pair #%d: %w", ext.Number, err)
			}
			if err := o.resolvePair(ctx, local, ext, m); err != nil {
				return fmt.Errorf("pair #%d: %w", ext.Number, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Push creates external issues for local ones that have no mapping yet.
func (o *Orchestrator) Push(ctx context.Context) error {
	locals, err := o.store.Load()
	if err != nil {
		return fmt.Errorf("loading store: %w", err)
	}

	for _, b := range locals {
		if _, mapped := o.table.ByLocal(b.ID); mapped {
			continue
		}
		body, state, labels := o.conv.ToExternal(b, o.depsToExternal(b.DependsOn), o.parentNumber(b.Parent))
		created, err := o.client.CreateIssue(ctx, &github.CreateIssueRequest{
			Title:  b.Title,
			Body:   body,
			Labels: labels,
		})
		if err != nil {
			return fmt.Errorf("creating external issue for %s: %w", b.ID, err)
		}
		if state == "closed" {
			closed := "closed"
			if _, err := o.client.UpdateIssue(ctx, created.Number, &github.UpdateIssueRequest{State: &closed}); err != nil {
				return fmt.Errorf("closing external issue #%d: %w", created.Number, err)
			}
		}
		if err := o.table.Put(Mapping{
			LocalID:           b.ID,
			ExternalNumber:    created.Number,
			LocalUpdatedAt:    b.UpdatedAt,
			ExternalUpdatedAt: created.UpdatedAt,
			LastSyncedAt:      issue.FormatTime(time.Now()),
		}); err != nil {
			return err
		}
	}
	return nil
}

// adopt creates a local record and a mapping for an unmapped external
// issue. Callers check the mapping table before calling, but two workers
// can pass that check for the same number at once, so the table is
// re-checked under the lock.
func (o *Orchestrator) adopt(ctx context.Context, ext github.Issue, installationID int64) (Mapping, error) {
	o.adoptMu.Lock()
	defer o.adoptMu.Unlock()

	if m, mapped := o.table.ByExternal(ext.Number); mapped {
		return m, nil
	}

	id, err := o.mintID()
	if err != nil {
		return Mapping{}, err
	}
	view := o.conv.ToLocal(id, ext)
	view.Issue.DependsOn = o.depsToLocal(view.DependsOn)
	if view.ParentExternal > 0 {
		if pm, ok := o.table.ByExternal(view.ParentExternal); ok {
			view.Issue.Parent = pm.LocalID
		}
	}

	written, err := o.store.Upsert(view.Issue)
	if err != nil {
		return Mapping{}, fmt.Errorf("storing %s: %w", id, err)
	}

	m := Mapping{
		LocalID:           written.ID,
		ExternalNumber:    ext.Number,
		InstallationID:    installationID,
		LocalUpdatedAt:    written.UpdatedAt,
		ExternalUpdatedAt: ext.UpdatedAt,
		LastSyncedAt:      issue.FormatTime(time.Now()),
	}
	if err := o.table.Put(m); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// mintID draws ids until one is free in both the store and the mapping
// table. The random suffix is short, so collisions against a populated
// store are a real possibility rather than a theoretical one.
func (o *Orchestrator) mintID() (string, error) {
	taken := make(map[string]bool)
	if issues, err := o.store.Load(); err == nil {
		for _, b := range issues {
			taken[b.ID] = true
		}
	}

	for attempt := 0; attempt < 100; attempt++ {
		id := o.newID(o.opts.IDPrefix)
		if taken[id] {
			continue
		}
		if _, mapped := o.table.ByLocal(id); mapped {
			continue
		}
		return id, nil
	}
	return "", fmt.Errorf("minting id with prefix %q: keyspace exhausted", o.opts.IDPrefix)
}

// resolvePair applies three-way resolution to one mapped pair.
func (o *Orchestrator) resolvePair(ctx context.Context, local issue.Issue, ext github.Issue, m Mapping) error {
	l, _ := issue.ParseTime(local.UpdatedAt)
	e, _ := issue.ParseTime(ext.UpdatedAt)
	s, _ := issue.ParseTime(m.LastSyncedAt)

	localMoved := l.After(s)
	extMoved := e.After(s)

	switch {
	case !localMoved && !extMoved:
		return nil
	case localMoved && !extMoved:
		return o.push(ctx, local, m)
	case extMoved && !localMoved:
		return o.pull(ext, m)
	default:
		switch o.opts.Strategy {
		case StrategyGitHubWins:
			return o.pull(ext, m)
		case StrategyLocalWins:
			return o.push(ctx, local, m)
		default: // newest-wins
			if e.After(l) {
				return o.pull(ext, m)
			}
			return o.push(ctx, local, m)
		}
	}
}

// push writes the local record to the external tracker and restamps the
// mapping from the written responses.
func (o *Orchestrator) push(ctx context.Context, local issue.Issue, m Mapping) error {
	body, state, labels := o.conv.ToExternal(local, o.depsToExternal(local.DependsOn), o.parentNumber(local.Parent))
	updated, err := o.client.UpdateIssue(ctx, m.ExternalNumber, &github.UpdateIssueRequest{
		Title:  &local.Title,
		Body:   &body,
		State:  &state,
		Labels: &labels,
	})
	if err != nil {
		return fmt.Errorf("pushing %s to #%d: %w", local.ID, m.ExternalNumber, err)
	}

	m.LocalUpdatedAt = local.UpdatedAt
	m.ExternalUpdatedAt = updated.UpdatedAt
	m.LastSyncedAt = issue.FormatTime(time.Now())
	return o.table.Put(m)
}

// pull writes the external record into the store. The mapping's local
// timestamp is taken from the record the store reports written, never
// the pre-write snapshot; stamping the stale value re-triggers sync on
// the next pass.
func (o *Orchestrator) pull(ext github.Issue, m Mapping) error {
	view := o.conv.ToLocal(m.LocalID, ext)
	view.Issue.DependsOn = o.depsToLocal(view.DependsOn)
	if view.ParentExternal > 0 {
		if pm, ok := o.table.ByExternal(view.ParentExternal); ok {
			view.Issue.Parent = pm.LocalID
		}
	}

	// The external side is authoritative for every synced field, so the
	// converted view replaces the local record outright. Merge semantics
	// would skip zero values and resurrect labels or an assignee that
	// were removed externally. Only local-only relations survive.
	if current, err := o.loadLocal(m.LocalID); err == nil {
		view.Issue.Blocks = current.Blocks
		view.Issue.Children = current.Children
		if view.Issue.CreatedAt == "" {
			view.Issue.CreatedAt = current.CreatedAt
		}
	}

	written, err := o.store.Upsert(view.Issue)
	if err != nil {
		return fmt.Errorf("pulling #%d into %s: %w", ext.Number, m.LocalID, err)
	}

	m.LocalUpdatedAt = written.UpdatedAt
	m.ExternalUpdatedAt = ext.UpdatedAt
	m.LastSyncedAt = issue.FormatTime(time.Now())
	return o.table.Put(m)
}

// loadLocal finds one record in the store.
func (o *Orchestrator) loadLocal(id string) (issue.Issue, error) {
	issues, err := o.store.Load()
	if err != nil {
		return issue.Issue{}, fmt.Errorf("loading store: %w", err)
	}
	for _, b := range issues {
		if b.ID == id {
			return b, nil
		}
	}
	return issue.Issue{}, fmt.Errorf("mapped issue %s missing from store", id)
}

// depsToLocal translates external dependency numbers to local ids,
// dropping numbers with no mapping yet.
func (o *Orchestrator) depsToLocal(numbers []int) []string {
	var ids []string
	for _, n := range numbers {
		if m, ok := o.table.ByExternal(n); ok {
			ids = append(ids, m.LocalID)
		}
	}
	return ids
}

// depsToExternal translates local dependency ids to external numbers,
// dropping unmapped ids.
func (o *Orchestrator) depsToExternal(ids []string) []int {
	var numbers []int
	for _, id := range ids {
		if m, ok := o.table.ByLocal(id); ok {
			numbers = append(numbers, m.ExternalNumber)
		}
	}
	return numbers
}

func (o *Orchestrator) parentNumber(id string) int {
	if id == "" {
		return 0
	}
	if m, ok := o.table.ByLocal(id); ok {
		return m.ExternalNumber
	}
	return 0
}
