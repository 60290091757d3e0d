package journal

import (
	"strings"
	"time"
)

// AgendaHeading delimits the agenda section inside a journal note.
const AgendaHeading = "## Agenda"

// AgendaEvent is one calendar entry rendered into the agenda section.
type AgendaEvent struct {
	Summary  string
	Start    time.Time
	End      time.Time
	AllDay   bool
	Location string
}

// AgendaSection renders events into a canonical agenda block. All-day events
// render as "All day"; timed events render the localized start time. Order
// is preserved as given.
func AgendaSection(events []AgendaEvent) string {
	var b strings.Builder
	b.WriteString(AgendaHeading)
	b.WriteString("\n")
	for _, ev := range events {
		b.WriteString("\n- ")
		if ev.AllDay {
			b.WriteString("All day: ")
		} else {
			b.WriteString(ev.Start.Local().Format("15:04"))
			b.WriteString(": ")
		}
		b.WriteString(strings.TrimSpace(ev.Summary))
		if loc := strings.TrimSpace(ev.Location); loc != "" {
			b.WriteString(" (")
			b.WriteString(loc)
			b.WriteString(")")
		}
	}
	b.WriteString("\n")
	return b.String()
}

// UpsertAgendaSection places an agenda block into existing note content.
// An existing agenda section (the agenda heading plus its bullet lines) is
// replaced in place; otherwise the block is inserted immediately after the
// document's first top-level heading, or prepended when no heading exists.
// Re-running with the same block yields the same document.
func (r *Resolver) UpsertAgendaSection(content, section string) string {
	block := strings.TrimRight(section, "\n")
	lines := strings.Split(content, "\n")

	start := -1
	for i, line := range lines {
		if strings.TrimRight(line, " \t") == AgendaHeading {
			start = i
			break
		}
	}

	var before, after []string
	if start >= 0 {
		// The section spans the heading plus the blank and bullet lines that
		// follow it, ending at the next top-level heading or any other
		// content. Bounding it this way keeps re-runs from swallowing body
		// text below the agenda.
		end := len(lines)
		for j := start + 1; j < len(lines); j++ {
			trimmed := strings.TrimSpace(lines[j])
			if trimmed != "" && !strings.HasPrefix(trimmed, "- ") {
				end = j
				break
			}
		}
		before = lines[:start]
		after = lines[end:]
	} else {
		insertAt := 0
		for i, line := range lines {
			if strings.HasPrefix(line, "# ") {
				insertAt = i + 1
				break
			}
		}
		before = lines[:insertAt]
		after = lines[insertAt:]
	}

	beforeText := strings.TrimRight(strings.Join(before, "\n"), "\n")
	afterText := strings.TrimLeft(strings.Join(after, "\n"), "\n")

	var b strings.Builder
	if beforeText != "" {
		b.WriteString(beforeText)
		b.WriteString("\n\n")
	}
	b.WriteString(block)
	b.WriteString("\n")
	if afterText != "" {
		b.WriteString("\n")
		b.WriteString(afterText)
	}
	return b.String()
}
