package mirror

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/toba/stitch/internal/issue"
	"github.com/toba/stitch/internal/mirror/github"
)

// maxPatternLength caps user-supplied regex sources. The regexp package
// guarantees linear-time matching, so length is the remaining resource
// to bound.
const maxPatternLength = 1000

// Conventions configure how external labels and body markers map onto
// local issue fields. The record is per-installation; it travels as JSON
// and can also be embedded in the YAML config file.
type Conventions struct {
	Labels struct {
		// Type maps a label name to a local issue type.
		Type map[string]string `json:"type" yaml:"type"`
		// Priority maps a label name to a local priority.
		Priority map[string]int `json:"priority" yaml:"priority"`
		Status   struct {
			InProgress string `json:"inProgress" yaml:"inProgress"`
			Blocked    string `json:"blocked" yaml:"blocked"`
		} `json:"status" yaml:"status"`
	} `json:"labels" yaml:"labels"`
	Dependencies struct {
		// Pattern extracts the dependency marker from an issue body.
		// Its first capture group holds the separated list of #numbers.
		Pattern   string `json:"pattern" yaml:"pattern"`
		Separator string `json:"separator" yaml:"separator"`
	} `json:"dependencies" yaml:"dependencies"`
	Epics struct {
		LabelPrefix string `json:"labelPrefix" yaml:"labelPrefix"`
		// BodyPattern extracts the parent issue number from a body.
		BodyPattern string `json:"bodyPattern" yaml:"bodyPattern"`
	} `json:"epics" yaml:"epics"`
}

// DefaultConventions returns the conventions used when an installation
// configures none.
func DefaultConventions() Conventions {
	var c Conventions
	c.Labels.Type = map[string]string{
		"bug":         issue.TypeBug,
		"enhancement": issue.TypeFeature,
		"epic":        issue.TypeEpic,
		"chore":       issue.TypeChore,
		"task":        issue.TypeTask,
	}
	c.Labels.Priority = map[string]int{
		"P0": 0, "P1": 1, "P2": 2, "P3": 3, "P4": 4,
	}
	c.Labels.Status.InProgress = "in-progress"
	c.Labels.Status.Blocked = "blocked"
	c.Dependencies.Pattern = `(?im)^depends on:\s*((?:#\d+(?:\s*,\s*)?)+)\s*$`
	c.Dependencies.Separator = ","
	c.Epics.LabelPrefix = "epic:"
	c.Epics.BodyPattern = `(?im)^epic:\s*#(\d+)\s*$`
	return c
}

// Converter translates issues between the local model and the external
// tracker under a validated conventions record.
type Converter struct {
	conv      Conventions
	depRe     *regexp.Regexp
	epicRe    *regexp.Regexp
	typeLabel map[string]string // local type -> label, inverse of Labels.Type
	prioLabel map[int]string    // priority -> label, inverse of Labels.Priority
}

// NewConverter validates and compiles a conventions record. The
// patterns are user-configurable, so they are length-capped and
// compiled with the standard engine, whose matching is linear in the
// input; a pathological pattern cannot stall the process.
func NewConverter(c Conventions) (*Converter, error) {
	if len(c.Dependencies.Pattern) > maxPatternLength || len(c.Epics.BodyPattern) > maxPatternLength {
		return nil, fmt.Errorf("conventions pattern exceeds %d characters", maxPatternLength)
	}
	depRe, err := regexp.Compile(c.Dependencies.Pattern)
	if err != nil {
		return nil, fmt.Errorf("dependencies.pattern: %w", err)
	}
	epicRe, err := regexp.Compile(c.Epics.BodyPattern)
	if err != nil {
		return nil, fmt.Errorf("epics.bodyPattern: %w", err)
	}

	cv := &Converter{
		conv:      c,
		depRe:     depRe,
		epicRe:    epicRe,
		typeLabel: make(map[string]string, len(c.Labels.Type)),
		prioLabel: make(map[int]string, len(c.Labels.Priority)),
	}
	for label, typ := range c.Labels.Type {
		if existing, ok := cv.typeLabel[typ]; !ok || label < existing {
			cv.typeLabel[typ] = label
		}
	}
	for label, prio := range c.Labels.Priority {
		if existing, ok := cv.prioLabel[prio]; !ok || label < existing {
			cv.prioLabel[prio] = label
		}
	}
	return cv, nil
}

// LocalView is the result of converting an external issue: the local
// fields plus the external references that still need mapping-table
// translation.
type LocalView struct {
	Issue          issue.Issue
	DependsOn      []int // external issue numbers
	ParentExternal int   // 0 when no epic marker
}

// ToLocal converts an external issue. The caller supplies the local id
// (from the mapping table, or a fresh one for unmapped issues).
func (cv *Converter) ToLocal(localID string, e github.Issue) LocalView {
	b := issue.Issue{
		ID:        localID,
		Title:     e.Title,
		Status:    issue.StatusOpen,
		Type:      issue.TypeTask,
		Priority:  issue.DefaultPriority,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		ClosedAt:  e.ClosedAt,
	}
	if e.State == "closed" {
		b.Status = issue.StatusClosed
	}
	if len(e.Assignees) > 0 {
		b.Assignee = e.Assignees[0].Login
	}

	for _, l := range e.Labels {
		name := l.Name
		if typ, ok := cv.conv.Labels.Type[name]; ok {
			b.Type = typ
			continue
		}
		if prio, ok := cv.conv.Labels.Priority[name]; ok {
			b.Priority = issue.ClampPriority(float64(prio))
			continue
		}
		if name == cv.conv.Labels.Status.InProgress {
			if b.Status != issue.StatusClosed {
				b.Status = issue.StatusInProgress
			}
			continue
		}
		if name == cv.conv.Labels.Status.Blocked {
			b.Labels = append(b.Labels, name)
			continue
		}
		if strings.HasPrefix(name, cv.conv.Epics.LabelPrefix) {
			b.Type = issue.TypeEpic
			continue
		}
		b.Labels = append(b.Labels, name)
	}

	view := LocalView{Issue: b}
	body := e.Body

	if m := cv.depRe.FindStringSubmatchIndex(body); m != nil && len(m) >= 4 {
		list := body[m[2]:m[3]]
		for _, part := range strings.Split(list, cv.conv.Dependencies.Separator) {
			part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "#"))
			if n, err := strconv.Atoi(part); err == nil {
				view.DependsOn = append(view.DependsOn, n)
			}
		}
		body = body[:m[0]] + body[m[1]:]
	}
	if m := cv.epicRe.FindStringSubmatchIndex(body); m != nil && len(m) >= 4 {
		if n, err := strconv.Atoi(body[m[2]:m[3]]); err == nil {
			view.ParentExternal = n
		}
		body = body[:m[0]] + body[m[1]:]
	}

	view.Issue.Description = strings.TrimSpace(body)
	return view
}

// ToExternal converts a local issue to the external shape. deps and
// parent are external numbers already translated by the caller.
func (cv *Converter) ToExternal(b issue.Issue, deps []int, parent int) (string, string, []string) {
	var labels []string
	if l, ok := cv.typeLabel[b.Type]; ok {
		labels = append(labels, l)
	}
	if l, ok := cv.prioLabel[b.Priority]; ok {
		labels = append(labels, l)
	}
	if b.Status == issue.StatusInProgress && cv.conv.Labels.Status.InProgress != "" {
		labels = append(labels, cv.conv.Labels.Status.InProgress)
	}
	labels = append(labels, b.Labels...)
	sort.Strings(labels)

	body := b.Description
	if len(deps) > 0 {
		refs := make([]string, len(deps))
		for i, n := range deps {
			refs[i] = "#" + strconv.Itoa(n)
		}
		body = appendMarker(body, "Depends on: "+strings.Join(refs, cv.conv.Dependencies.Separator+" "))
	}
	if parent > 0 {
		body = appendMarker(body, "Epic: #"+strconv.Itoa(parent))
	}

	state := "open"
	if b.IsClosed() {
		state = "closed"
	}
	return body, state, labels
}

func appendMarker(body, marker string) string {
	if body == "" {
		return marker
	}
	return body + "\n\n" + marker
}
