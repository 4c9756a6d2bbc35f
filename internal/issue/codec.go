package issue

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/adrg/frontmatter"
)

// relatedHeading introduces the generated links section in file bodies.
const relatedHeading = "### Related Issues"

// fileFront is the loosely-typed frontmatter shape accepted on parse.
// Priority is any because files may carry it as an integer, a float, or
// a quoted string; both "state" and "status" spellings are accepted.
type fileFront struct {
	ID        string   `yaml:"id"`
	Title     string   `yaml:"title"`
	State     string   `yaml:"state"`
	Status    string   `yaml:"status"`
	Priority  any      `yaml:"priority"`
	Type      string   `yaml:"type"`
	Labels    []string `yaml:"labels"`
	Assignee  string   `yaml:"assignee"`
	CreatedAt string   `yaml:"createdAt"`
	UpdatedAt string   `yaml:"updatedAt"`
	ClosedAt  string   `yaml:"closedAt"`
	Parent    string   `yaml:"parent"`
	Source    string   `yaml:"source"`
	DependsOn []string `yaml:"dependsOn"`
	Blocks    []string `yaml:"blocks"`
	Children  []string `yaml:"children"`
}

// Parse reads a markdown issue file: YAML frontmatter between --- lines,
// followed by the body. The body after the generated title heading and
// Related Issues section becomes the description, so Parse(Serialize(x))
// round-trips.
func Parse(r io.Reader) (Issue, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Issue{}, err
	}

	if !bytes.HasPrefix(bytes.TrimLeft(raw, "\n\r \t"), []byte("---")) {
		return Issue{}, &ParseError{Reason: "missing frontmatter"}
	}

	var fm fileFront
	body, err := frontmatter.Parse(bytes.NewReader(raw), &fm)
	if err != nil {
		return Issue{}, &ParseError{Reason: "malformed frontmatter", Err: err}
	}

	if err := ValidateID(fm.ID); err != nil {
		return Issue{}, err
	}

	status := fm.State
	if status == "" {
		status = fm.Status
	}
	normStatus, _ := NormalizeStatus(status)
	normType, _ := NormalizeType(fm.Type)
	priority, _ := ParsePriority(fm.Priority)

	b := Issue{
		ID:        fm.ID,
		Title:     fm.Title,
		Status:    normStatus,
		Type:      normType,
		Priority:  priority,
		Assignee:  fm.Assignee,
		Parent:    fm.Parent,
		Labels:    fm.Labels,
		DependsOn: fm.DependsOn,
		Blocks:    fm.Blocks,
		Children:  fm.Children,
		CreatedAt: fm.CreatedAt,
		UpdatedAt: fm.UpdatedAt,
		ClosedAt:  fm.ClosedAt,
		Source:    SourceFile,
	}
	b.Description = extractDescription(string(body), b.Title)
	return b, nil
}

// extractDescription strips the generated title heading and Related
// Issues section from a file body, leaving only the free-form text.
func extractDescription(body, title string) string {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "# ") {
		heading, rest, found := strings.Cut(body, "\n")
		if strings.TrimSpace(strings.TrimPrefix(heading, "# ")) == title {
			if found {
				body = rest
			} else {
				body = ""
			}
		}
	}
	if i := strings.Index(body, relatedHeading); i >= 0 {
		body = body[:i]
	}
	return strings.TrimSpace(body)
}

// Serialize renders an issue to file bytes with a fixed frontmatter key
// order. Strings are always quoted; the escape order is backslash, then
// double-quote, then newline, so Windows-style paths survive round-trip.
func Serialize(b Issue) []byte {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	writeKey := func(key, val string) {
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(val)
		buf.WriteByte('\n')
	}
	writeStr := func(key, val string) {
		if val != "" {
			writeKey(key, quote(val))
		}
	}

	writeKey("id", quote(b.ID))
	writeKey("title", quote(b.Title))
	writeKey("state", quote(b.Status))
	writeKey("priority", fmt.Sprintf("%d", b.Priority))
	writeKey("type", quote(b.Type))
	writeKey("labels", quoteList(b.Labels)) // always emitted, [] when empty
	writeStr("assignee", b.Assignee)
	writeStr("createdAt", b.CreatedAt)
	writeStr("updatedAt", b.UpdatedAt)
	writeStr("closedAt", b.ClosedAt)
	writeStr("parent", b.Parent)
	writeStr("source", b.Source)
	if len(b.DependsOn) > 0 {
		writeKey("dependsOn", quoteList(b.DependsOn))
	}
	if len(b.Blocks) > 0 {
		writeKey("blocks", quoteList(b.Blocks))
	}
	if len(b.Children) > 0 {
		writeKey("children", quoteList(b.Children))
	}
	buf.WriteString("---\n\n")

	buf.WriteString("# ")
	buf.WriteString(b.Title)
	buf.WriteString("\n\n")
	if b.Description != "" {
		buf.WriteString(b.Description)
		buf.WriteString("\n\n")
	}
	writeRelated(&buf, b)

	return buf.Bytes()
}

// quote wraps a string in double quotes, escaping backslash, quote, and
// newline in that order.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return `"` + s + `"`
}

// quoteList renders a JSON-style array of quoted strings.
func quoteList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = quote(s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// writeRelated appends the Related Issues section for every non-empty
// relational list, linking each ID as [ID](./ID.md).
func writeRelated(buf *bytes.Buffer, b Issue) {
	if len(b.DependsOn) == 0 && len(b.Blocks) == 0 && len(b.Children) == 0 {
		return
	}
	buf.WriteString(relatedHeading)
	buf.WriteString("\n\n")
	writeList := func(label string, ids []string) {
		if len(ids) == 0 {
			return
		}
		links := make([]string, len(ids))
		for i, id := range ids {
			links[i] = fmt.Sprintf("[%s](./%s.md)", id, id)
		}
		fmt.Fprintf(buf, "- %s: %s\n", label, strings.Join(links, ", "))
	}
	writeList("depends on", b.DependsOn)
	writeList("blocks", b.Blocks)
	writeList("children", b.Children)
	buf.WriteString("\n")
}
