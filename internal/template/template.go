// Package template renders report templates. A template is markdown
// with {a.b.c} slots resolved against a data map and a small fixed set
// of issue components; arbitrary expressions are not supported.
package template

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/toba/stitch/internal/issue"
)

//go:embed presets/*.mdx
var builtins embed.FS

// DefaultPreset is used when no preset is configured.
const DefaultPreset = "minimal"

// Resolve walks the template chain: a custom template in dir
// ([Issue].mdx, then TODO.mdx), then dir/presets/<preset>.mdx, then the
// embedded builtin for the preset.
func Resolve(dir, preset string) ([]byte, error) {
	if preset == "" {
		preset = DefaultPreset
	}
	if dir != "" {
		for _, name := range []string{"[Issue].mdx", "TODO.mdx"} {
			if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
				return data, nil
			}
		}
		if data, err := os.ReadFile(filepath.Join(dir, "presets", preset+".mdx")); err == nil {
			return data, nil
		}
	}
	data, err := builtins.ReadFile("presets/" + preset + ".mdx")
	if err != nil {
		return nil, fmt.Errorf("unknown preset %q", preset)
	}
	return data, nil
}

// Renderer expands components and slots over one issue set.
type Renderer struct {
	Issues []issue.Issue
}

// Render expands the template. Component tags are replaced first, then
// {a.b.c} slots are resolved against data. {{…}} passes through as a
// literal {…}.
func (r *Renderer) Render(tmpl string, data map[string]any) string {
	out := r.expandComponents(tmpl, data)
	return expandSlots(out, data)
}

// currentIssue pulls the per-issue context from the data map, for the
// Issue.* components.
func (r *Renderer) currentIssue(data map[string]any) (issue.Issue, bool) {
	b, ok := data["issue"].(issue.Issue)
	return b, ok
}

func (r *Renderer) expandComponents(tmpl string, data map[string]any) string {
	replacements := []struct {
		tag    string
		render func() string
	}{
		{"<Issues/>", func() string { return issueTable(r.Issues) }},
		{"<Issues.Ready/>", func() string { return issueList(r.ready()) }},
		{"<Issues.Blocked/>", func() string { return issueList(r.blocked()) }},
		{"<Issues.Closed/>", func() string { return issueList(r.closed()) }},
		{"<Issue.Labels/>", func() string {
			if b, ok := r.currentIssue(data); ok {
				return strings.Join(b.Labels, ", ")
			}
			return ""
		}},
		{"<Issue.Dependencies/>", func() string {
			if b, ok := r.currentIssue(data); ok {
				return idList(b.DependsOn)
			}
			return ""
		}},
		{"<Issue.Dependents/>", func() string {
			if b, ok := r.currentIssue(data); ok {
				return issueList(r.dependents(b.ID))
			}
			return ""
		}},
	}
	for _, rep := range replacements {
		if strings.Contains(tmpl, rep.tag) {
			tmpl = strings.ReplaceAll(tmpl, rep.tag, rep.render())
		}
	}
	return tmpl
}

// ready returns open issues whose dependencies are all closed or
// unknown.
func (r *Renderer) ready() []issue.Issue {
	byID := make(map[string]issue.Issue, len(r.Issues))
	for _, b := range r.Issues {
		byID[b.ID] = b
	}
	var out []issue.Issue
	for _, b := range r.Issues {
		if b.IsClosed() {
			continue
		}
		open := false
		for _, dep := range b.DependsOn {
			if d, ok := byID[dep]; ok && !d.IsClosed() {
				open = true
				break
			}
		}
		if !open {
			out = append(out, b)
		}
	}
	return out
}

// blocked returns open issues with at least one open dependency.
func (r *Renderer) blocked() []issue.Issue {
	byID := make(map[string]issue.Issue, len(r.Issues))
	for _, b := range r.Issues {
		byID[b.ID] = b
	}
	var out []issue.Issue
	for _, b := range r.Issues {
		if b.IsClosed() {
			continue
		}
		for _, dep := range b.DependsOn {
			if d, ok := byID[dep]; ok && !d.IsClosed() {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

func (r *Renderer) closed() []issue.Issue {
	var out []issue.Issue
	for _, b := range r.Issues {
		if b.IsClosed() {
			out = append(out, b)
		}
	}
	return out
}

func (r *Renderer) dependents(id string) []issue.Issue {
	var out []issue.Issue
	for _, b := range r.Issues {
		for _, dep := range b.DependsOn {
			if dep == id {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

func issueTable(issues []issue.Issue) string {
	if len(issues) == 0 {
		return "_No issues._"
	}
	var buf strings.Builder
	buf.WriteString("| ID | Title | Status | Priority |\n")
	buf.WriteString("| --- | --- | --- | --- |\n")
	for _, b := range issues {
		fmt.Fprintf(&buf, "| %s | %s | %s | P%d |\n", b.ID, b.Title, b.Status, b.Priority)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func issueList(issues []issue.Issue) string {
	if len(issues) == 0 {
		return "_None._"
	}
	var buf strings.Builder
	for _, b := range issues {
		fmt.Fprintf(&buf, "- %s %s\n", b.ID, b.Title)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func idList(ids []string) string {
	if len(ids) == 0 {
		return "_None._"
	}
	var buf strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&buf, "- %s\n", id)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// expandSlots resolves every {a.b.c} slot against data. A doubled brace
// escapes: {{x}} emits the literal {x}.
func expandSlots(tmpl string, data map[string]any) string {
	var buf strings.Builder
	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		if c != '{' {
			buf.WriteByte(c)
			i++
			continue
		}

		// Escape: {{…}} passes through as {…}.
		if i+1 < len(tmpl) && tmpl[i+1] == '{' {
			end := strings.Index(tmpl[i+2:], "}}")
			if end >= 0 {
				buf.WriteByte('{')
				buf.WriteString(tmpl[i+2 : i+2+end])
				buf.WriteByte('}')
				i += end + 4
				continue
			}
		}

		end := strings.IndexByte(tmpl[i+1:], '}')
		if end < 0 {
			buf.WriteString(tmpl[i:])
			break
		}
		path := tmpl[i+1 : i+1+end]
		buf.WriteString(formatValue(lookup(data, path)))
		i += end + 2
	}
	return buf.String()
}

// lookup resolves a dotted path against nested maps. Missing segments
// resolve to nil.
func lookup(data map[string]any, path string) any {
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// formatValue renders a resolved slot value: arrays comma-joined, nil
// empty, everything else via its string form.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, ", ")
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = formatValue(item)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", val)
	}
}
