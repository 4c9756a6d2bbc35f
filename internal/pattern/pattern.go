// Package pattern derives markdown filenames from issue fields and
// reverse-extracts issue IDs from filenames.
//
// A pattern is a string of literal characters and bracketed variable
// tokens: [id], [title], [type], [priority], [assignee], [yyyy-mm-dd].
// Token case controls the transform: a lowercase token is slugified when
// the preceding literal ends in a dash, space-normalized when it ends in
// a space, and a capitalized token ([Title]) is title-cased.
package pattern

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/toba/stitch/internal/issue"
)

// Default is the filename pattern used when none is configured.
const Default = "[yyyy-mm-dd] [Title].md"

// ClosedDir is the subdirectory closed issues are written into when
// separateClosed is enabled.
const ClosedDir = "closed"

const (
	titleLimit = 100
	// collisionCeiling bounds the -1, -2, … uniqueness suffix search.
	collisionCeiling = 10000
)

const dateToken = "yyyy-mm-dd"

var knownTokens = map[string]bool{
	"id": true, "title": true, "type": true,
	"priority": true, "assignee": true, dateToken: true,
}

type segment struct {
	literal string // set when token is empty
	token   string // lowercase token name
	upper   bool   // token was written capitalized, e.g. [Title]
}

// Pattern is a compiled filename pattern.
type Pattern struct {
	raw     string
	segs    []segment
	extract *regexp.Regexp
	// idGroup is the capture group index of [id] in extract, 0 if the
	// pattern has no id token.
	idGroup int
}

// Compile parses a pattern string and builds its reverse-extraction
// regular expression.
func Compile(raw string) (*Pattern, error) {
	p := &Pattern{raw: raw}
	rest := raw
	for len(rest) > 0 {
		open := strings.IndexByte(rest, '[')
		if open < 0 {
			p.segs = append(p.segs, segment{literal: rest})
			break
		}
		closing := strings.IndexByte(rest[open:], ']')
		if closing < 0 {
			return nil, fmt.Errorf("pattern %q: unterminated token", raw)
		}
		if open > 0 {
			p.segs = append(p.segs, segment{literal: rest[:open]})
		}
		name := rest[open+1 : open+closing]
		lower := strings.ToLower(name)
		if !knownTokens[lower] {
			return nil, fmt.Errorf("pattern %q: unknown token [%s]", raw, name)
		}
		p.segs = append(p.segs, segment{
			token: lower,
			upper: name != "" && unicode.IsUpper(rune(name[0])),
		})
		rest = rest[open+closing+1:]
	}

	if err := p.compileExtract(); err != nil {
		return nil, err
	}
	return p, nil
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Apply resolves the pattern against an issue. existing is the set of
// filenames already taken; on collision a -1, -2, … suffix is inserted
// before the extension, bounded by a hard iteration ceiling.
func (p *Pattern) Apply(b issue.Issue, existing map[string]bool) (string, error) {
	var buf strings.Builder
	for _, seg := range p.segs {
		if seg.token == "" {
			buf.WriteString(seg.literal)
			continue
		}
		prev := buf.String()
		val := p.resolve(seg, b, prev)
		if val == "" {
			// Suppress the preceding single-character delimiter so an
			// empty value leaves no stray dash or trailing space.
			if n := len(prev); n > 0 && (prev[n-1] == '-' || prev[n-1] == ' ' || prev[n-1] == '_') {
				buf.Reset()
				buf.WriteString(prev[:n-1])
			}
			continue
		}
		buf.WriteString(val)
	}

	name := buf.String()
	if existing == nil || !existing[name] {
		return name, nil
	}

	ext := ""
	stem := name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		stem, ext = name[:i], name[i:]
	}
	for n := 1; n <= collisionCeiling; n++ {
		candidate := stem + "-" + strconv.Itoa(n) + ext
		if !existing[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("pattern %q: no unique filename for %s after %d attempts", p.raw, b.ID, collisionCeiling)
}

// resolve produces the transformed value for one token.
func (p *Pattern) resolve(seg segment, b issue.Issue, preceding string) string {
	var val string
	switch seg.token {
	case "id":
		val = b.ID
	case "title":
		val = truncateTitle(b.Title, titleLimit)
	case "type":
		val = b.Type
	case "priority":
		val = strconv.Itoa(b.Priority)
	case "assignee":
		val = b.Assignee
	case dateToken:
		if t, ok := issue.ParseTime(b.CreatedAt); ok {
			return t.UTC().Format("2006-01-02")
		}
		if t, ok := issue.ParseTime(b.UpdatedAt); ok {
			return t.UTC().Format("2006-01-02")
		}
		return ""
	}
	if val == "" {
		return ""
	}

	switch {
	case seg.upper:
		return titleCase(normalizeSpace(val))
	case strings.HasSuffix(preceding, "-"):
		return slugify(val)
	default:
		return normalizeSpace(val)
	}
}

// compileExtract builds the anchored regexp used for reverse extraction.
// [id] captures; its shape is strict when a title token follows it and
// liberal otherwise.
func (p *Pattern) compileExtract() error {
	hasTitleAfterID := false
	seenID := false
	for _, seg := range p.segs {
		if seg.token == "id" {
			seenID = true
		}
		if seg.token == "title" && seenID {
			hasTitleAfterID = true
		}
	}

	var re strings.Builder
	re.WriteString("^")
	group := 0
	for _, seg := range p.segs {
		switch {
		case seg.token == "":
			re.WriteString(regexp.QuoteMeta(seg.literal))
		case seg.token == "id":
			group++
			p.idGroup = group
			if hasTitleAfterID {
				re.WriteString(`(\w+-\w{3,4})`)
			} else {
				re.WriteString(`([\w-]+)`)
			}
		case seg.token == dateToken:
			re.WriteString(`\d{4}-\d{2}-\d{2}`)
		default:
			re.WriteString(`(?:[^/]+)`)
		}
	}
	re.WriteString("$")

	compiled, err := regexp.Compile(re.String())
	if err != nil {
		return fmt.Errorf("pattern %q: %w", p.raw, err)
	}
	p.extract = compiled
	return nil
}

// ExtractID pulls the issue ID out of a filename generated by this
// pattern. The second return is false when the pattern has no [id] token
// or the filename does not match.
func (p *Pattern) ExtractID(filename string) (string, bool) {
	if p.idGroup == 0 {
		return "", false
	}
	m := p.extract.FindStringSubmatch(filename)
	if m == nil {
		return "", false
	}
	return m[p.idGroup], true
}

// Matches reports whether a filename has the shape of this pattern.
func (p *Pattern) Matches(filename string) bool {
	return p.extract.MatchString(filename)
}

// truncateTitle shortens a title to limit characters, backing up to the
// nearest space or dash when that boundary sits past 70% of the limit,
// and strips trailing delimiters.
func truncateTitle(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	boundary := strings.LastIndexAny(cut, " -")
	if boundary >= limit*7/10 {
		cut = cut[:boundary]
	}
	return strings.TrimRight(cut, " -")
}

// normalizeSpace collapses runs of whitespace to single spaces and
// removes path separators.
func normalizeSpace(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, "/", "-")
	return strings.ReplaceAll(s, "\\", "-")
}

// slugify lowercases a value and reduces it to alphanumerics and dashes.
func slugify(s string) string {
	s = strings.ToLower(s)
	var out strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			out.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				out.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(out.String(), "-")
}

// titleCase uppercases the first letter of each word.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
