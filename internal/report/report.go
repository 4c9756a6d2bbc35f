// Package report compiles the merged issue set into a single TODO.md
// artifact. The output is deterministic: same issues in, same bytes
// out.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/toba/stitch/internal/issue"
)

// DefaultCompletedLimit bounds the Recently Completed section.
const DefaultCompletedLimit = 10

// Options configure report compilation.
type Options struct {
	CompletedLimit   int  // 0 means DefaultCompletedLimit
	IncludeCompleted bool // false suppresses the completed section
}

// Compile renders the issue set as markdown.
func Compile(issues []issue.Issue, opts Options) []byte {
	if opts.CompletedLimit <= 0 {
		opts.CompletedLimit = DefaultCompletedLimit
	}

	var inProgress, closed []issue.Issue
	open := map[string][]issue.Issue{}
	for _, b := range issues {
		switch b.Status {
		case issue.StatusInProgress:
			inProgress = append(inProgress, b)
		case issue.StatusClosed:
			closed = append(closed, b)
		default:
			open[openSection(b.Type)] = append(open[openSection(b.Type)], b)
		}
	}

	var buf strings.Builder
	buf.WriteString("# TODO\n")

	if len(inProgress) > 0 {
		buf.WriteString("\n## In Progress\n\n")
		writeItems(&buf, byPriority(inProgress))
	}

	sections := []string{"Epics", "Bugs", "Features", "Tasks"}
	hasOpen := false
	for _, s := range sections {
		if len(open[s]) > 0 {
			hasOpen = true
		}
	}
	if hasOpen {
		buf.WriteString("\n## Open\n")
		for _, s := range sections {
			items := open[s]
			if len(items) == 0 {
				continue
			}
			fmt.Fprintf(&buf, "\n### %s\n\n", s)
			writeItems(&buf, byPriority(items))
		}
	}

	if opts.IncludeCompleted && len(closed) > 0 {
		buf.WriteString("\n## Recently Completed\n\n")
		sort.SliceStable(closed, func(i, j int) bool {
			ti, iok := issue.ParseTime(closed[i].ClosedAt)
			tj, jok := issue.ParseTime(closed[j].ClosedAt)
			if iok != jok {
				return iok // parseable stamps sort before unknown ones
			}
			if iok && !ti.Equal(tj) {
				return ti.After(tj)
			}
			return closed[i].ID < closed[j].ID
		})
		if len(closed) > opts.CompletedLimit {
			closed = closed[:opts.CompletedLimit]
		}
		for _, b := range closed {
			fmt.Fprintf(&buf, "- [x] [#%s] %s - *closed %s*\n", b.ID, b.Title, closedDate(b))
		}
	}

	return []byte(buf.String())
}

// openSection maps an issue type to its Open subsection. Chores are
// grouped with tasks.
func openSection(typ string) string {
	switch typ {
	case issue.TypeEpic:
		return "Epics"
	case issue.TypeBug:
		return "Bugs"
	case issue.TypeFeature:
		return "Features"
	default:
		return "Tasks"
	}
}

func byPriority(items []issue.Issue) []issue.Issue {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].ID < items[j].ID
	})
	return items
}

func writeItems(buf *strings.Builder, items []issue.Issue) {
	for _, b := range items {
		meta := fmt.Sprintf("%s, P%d", b.Type, b.Priority)
		if b.Assignee != "" {
			meta += ", @" + b.Assignee
		}
		for _, l := range b.Labels {
			meta += " #" + l
		}
		fmt.Fprintf(buf, "- [ ] [#%s] %s - *%s*\n", b.ID, b.Title, meta)
	}
}

func closedDate(b issue.Issue) string {
	if t, ok := issue.ParseTime(b.ClosedAt); ok {
		return t.UTC().Format("2006-01-02")
	}
	return "unknown"
}
