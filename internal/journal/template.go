// Package journal provides the pure path and template resolver for dated
// journal notes: date-to-path mapping, initial note skeletons and agenda
// section handling. No I/O happens here.
package journal

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// ISODate is the canonical journal date layout and entry identity.
const ISODate = "2006-01-02"

// DefaultDateFormat is the file-name template applied when none is
// configured. Placeholders: YYYY, MM, DD.
const DefaultDateFormat = "YYYY-MM-DD"

// Resolver maps calendar dates to vault file paths and back, and produces
// journal note bodies.
type Resolver struct {
	folder  string
	format  string
	pattern *regexp.Regexp
	groups  []string // placeholder order in format: "YYYY", "MM", "DD"
}

// NewResolver creates a Resolver for a journal folder and a date-format
// template built from YYYY/MM/DD placeholders (e.g. "YYYY-MM-DD" or
// "YYYY/MM/DD"). An empty format falls back to DefaultDateFormat.
func NewResolver(folder, format string) (*Resolver, error) {
	if format == "" {
		format = DefaultDateFormat
	}

	pattern, groups, err := compileFormat(format)
	if err != nil {
		return nil, err
	}

	return &Resolver{
		folder:  strings.Trim(folder, "/"),
		format:  format,
		pattern: pattern,
		groups:  groups,
	}, nil
}

var placeholderRe = regexp.MustCompile(`YYYY|MM|DD`)

// compileFormat turns the placeholder template into a regexp matching the
// file name (without extension), capturing each placeholder in order.
func compileFormat(format string) (*regexp.Regexp, []string, error) {
	var groups []string
	var b strings.Builder
	b.WriteString("^")

	last := 0
	for _, loc := range placeholderRe.FindAllStringIndex(format, -1) {
		b.WriteString(regexp.QuoteMeta(format[last:loc[0]]))
		token := format[loc[0]:loc[1]]
		groups = append(groups, token)
		if token == "YYYY" {
			b.WriteString(`(\d{4})`)
		} else {
			b.WriteString(`(\d{2})`)
		}
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(format[last:]))
	b.WriteString("$")

	seen := map[string]bool{}
	for _, g := range groups {
		seen[g] = true
	}
	if !seen["YYYY"] || !seen["MM"] || !seen["DD"] {
		return nil, nil, fmt.Errorf("date format %q must contain YYYY, MM and DD placeholders", format)
	}

	pattern, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid date format %q: %w", format, err)
	}
	return pattern, groups, nil
}

// Folder returns the configured journal folder.
func (r *Resolver) Folder() string {
	return r.folder
}

// PathForDate maps an ISO date string to its vault file path.
func (r *Resolver) PathForDate(date string) string {
	name := r.format
	if len(date) == len(ISODate) {
		name = strings.ReplaceAll(name, "YYYY", date[0:4])
		name = strings.ReplaceAll(name, "MM", date[5:7])
		name = strings.ReplaceAll(name, "DD", date[8:10])
	}
	return path.Join(r.folder, name+".md")
}

// DateFromPath recovers the ISO date from a vault file path. The second
// return value is false for unrelated filenames or impossible dates; this
// never errors.
func (r *Resolver) DateFromPath(filePath string) (string, bool) {
	name := path.Base(filePath)
	name = strings.TrimSuffix(name, ".md")

	m := r.pattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}

	var year, month, day string
	for i, token := range r.groups {
		switch token {
		case "YYYY":
			year = m[i+1]
		case "MM":
			month = m[i+1]
		case "DD":
			day = m[i+1]
		}
	}

	date := year + "-" + month + "-" + day
	if _, err := time.Parse(ISODate, date); err != nil {
		return "", false
	}
	return date, true
}

// InitialTemplate returns the heading-only skeleton for a new journal note.
func (r *Resolver) InitialTemplate(date string) string {
	t, err := time.Parse(ISODate, date)
	if err != nil {
		return fmt.Sprintf("# %s\n", date)
	}
	return fmt.Sprintf("# %s\n", t.Format("Monday, January 2, 2006"))
}

// TemplateWithAgenda returns the skeleton plus an agenda section built from
// the given events. Events are emitted in the order given; callers sort and
// filter beforehand.
func (r *Resolver) TemplateWithAgenda(date string, events []AgendaEvent) string {
	if len(events) == 0 {
		return r.InitialTemplate(date)
	}
	return r.UpsertAgendaSection(r.InitialTemplate(date), AgendaSection(events))
}
