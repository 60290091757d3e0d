package sync

import (
	"sort"
	"time"

	"github.com/vaultmirror/vaultmirror/internal/db"
	apperrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/journal"
	"github.com/vaultmirror/vaultmirror/internal/logging"
	"github.com/vaultmirror/vaultmirror/internal/models"
)

// ApplyAgenda merges an agenda section built from stored calendar events
// into the journal note for date, on both replicas. When neither a store row
// nor a file exists the note is created from the template. Conflicted
// entries are left untouched.
func (o *Orchestrator) ApplyAgenda(date string) error {
	events, err := o.agendaEventsForDate(date)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	entry, err := o.store.GetJournalByDate(date)
	if err != nil {
		return err
	}
	if entry != nil && entry.Conflicted() {
		return apperrors.New(apperrors.ErrResolution, "cannot apply agenda to a conflicted entry: "+date)
	}

	path := o.resolver.PathForDate(date)
	note, err := o.vault.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrVaultIO, "failed to read journal file for agenda", err)
	}

	// The merge bases itself on the store row, so an unreconciled file edit
	// would be overwritten with stale content. Run the per-entry transition
	// first: the edit is adopted or conflict-flagged before the agenda lands.
	if entry != nil && note != nil && db.Hash(note.Content) != entry.ContentHash {
		if err := o.syncFile(date, path, &PassResult{}); err != nil {
			return err
		}
		entry, err = o.store.GetJournalByDate(date)
		if err != nil {
			return err
		}
		if entry != nil && entry.Conflicted() {
			return apperrors.New(apperrors.ErrResolution, "cannot apply agenda to a conflicted entry: "+date)
		}
	}

	section := journal.AgendaSection(events)

	var content string
	var frontmatter models.Frontmatter
	switch {
	case entry != nil:
		content = o.resolver.UpsertAgendaSection(entry.Content, section)
		frontmatter = entry.Frontmatter
		if content == entry.Content {
			return nil // agenda already up to date
		}
	case note != nil:
		content = o.resolver.UpsertAgendaSection(note.Content, section)
		frontmatter = note.Frontmatter
	default:
		content = o.resolver.TemplateWithAgenda(date, events)
	}

	if _, _, err := o.store.UpsertJournal(date, date, content, frontmatter, nil); err != nil {
		return err
	}
	if err := o.vault.WriteFile(path, content, frontmatter); err != nil {
		return apperrors.Wrap(apperrors.ErrVaultIO, "failed to write agenda to journal file", err)
	}
	if err := o.store.MarkJournalSynced(date); err != nil {
		return err
	}

	logging.Info("Agenda applied to journal entry", map[string]interface{}{
		"date":   date,
		"events": len(events),
	})
	return nil
}

// agendaEventsForDate turns stored calendar records into agenda events for a
// date: free and tentative entries are dropped, duplicate meetings collapse,
// and the rest sort chronologically with all-day events first.
func (o *Orchestrator) agendaEventsForDate(date string) ([]journal.AgendaEvent, error) {
	records, err := o.store.ListExternal(models.KindCalendar)
	if err != nil {
		return nil, err
	}

	type eventKey struct {
		summary string
		start   int64
	}
	seen := make(map[eventKey]bool)

	var events []journal.AgendaEvent
	for _, rec := range records {
		ev, ok := calendarEvent(rec)
		if !ok {
			continue
		}
		if ev.Start.Format(journal.ISODate) != date {
			continue
		}
		key := eventKey{summary: ev.Summary, start: ev.Start.UnixMilli()}
		if seen[key] {
			continue
		}
		seen[key] = true
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].AllDay != events[j].AllDay {
			return events[i].AllDay
		}
		return events[i].Start.Before(events[j].Start)
	})
	return events, nil
}

// calendarEvent extracts an agenda event from a calendar record payload.
// Records with unusable payloads or a free/tentative status are skipped.
func calendarEvent(rec *models.ExternalRecord) (journal.AgendaEvent, bool) {
	if status, _ := rec.Payload["status"].(string); status == "free" || status == "tentative" {
		return journal.AgendaEvent{}, false
	}

	startRaw, _ := rec.Payload["start"].(string)
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return journal.AgendaEvent{}, false
	}

	ev := journal.AgendaEvent{
		Summary: rec.Title,
		Start:   start,
	}
	if endRaw, _ := rec.Payload["end"].(string); endRaw != "" {
		if end, err := time.Parse(time.RFC3339, endRaw); err == nil {
			ev.End = end
		}
	}
	ev.AllDay, _ = rec.Payload["all_day"].(bool)
	ev.Location, _ = rec.Payload["location"].(string)
	return ev, true
}
