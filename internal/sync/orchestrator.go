package sync

import (
	"context"
	"fmt"
	stdsync "sync"

	"github.com/vaultmirror/vaultmirror/internal/clock"
	"github.com/vaultmirror/vaultmirror/internal/db"
	apperrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/journal"
	"github.com/vaultmirror/vaultmirror/internal/logging"
	"github.com/vaultmirror/vaultmirror/internal/models"
	"github.com/vaultmirror/vaultmirror/internal/vault"
)

// Status represents the current orchestrator status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// Resolution choices accepted by ResolveConflict.
const (
	ChoiceStore = "store"
	ChoiceFile  = "file"
)

// Orchestrator runs reconciliation passes between the vault and the store.
// Only one pass executes at a time: the try-lock on passMu is the single
// slot, and a pass requested while one is running is dropped, not queued.
type Orchestrator struct {
	store    *db.Store
	vault    vault.Vault
	resolver *journal.Resolver
	clk      clock.Clock

	passMu stdsync.Mutex // single-slot pass guard

	mu      stdsync.RWMutex // protects the fields below
	status  Status
	last    *PassResult
	lastErr error
	handler EventHandler
}

// NewOrchestrator creates an Orchestrator. A nil clock defaults to the
// system clock.
func NewOrchestrator(store *db.Store, v vault.Vault, resolver *journal.Resolver, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.System()
	}
	return &Orchestrator{
		store:    store,
		vault:    v,
		resolver: resolver,
		clk:      clk,
		status:   StatusIdle,
	}
}

// SetEventHandler sets the handler receiving sync notifications.
func (o *Orchestrator) SetEventHandler(handler EventHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handler = handler
}

// Status returns the current orchestrator status.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// LastResult returns the result of the most recent completed pass.
func (o *Orchestrator) LastResult() *PassResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

// LastError returns the error of the most recent failed pass.
func (o *Orchestrator) LastError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}

func (o *Orchestrator) emitEvent(event Event) {
	o.mu.RLock()
	handler := o.handler
	o.mu.RUnlock()
	if handler != nil {
		event.Timestamp = o.clk.Now().UnixMilli()
		handler.OnSyncEvent(event)
	}
}

// RunPass executes one full reconciliation pass: (1) enumerate journal
// files and run the per-entry transition, (2) sweep store rows whose date
// has no file and write those files, (3) record sync state. Running two
// passes back-to-back with no intervening change mutates nothing on the
// second pass.
func (o *Orchestrator) RunPass(ctx context.Context) (*PassResult, error) {
	if !o.passMu.TryLock() {
		logging.Debug("Sync pass already in progress, dropping request")
		return &PassResult{Skipped: true}, apperrors.New(apperrors.ErrSyncInProgress, "a reconciliation pass is already running")
	}
	defer o.passMu.Unlock()

	result := &PassResult{StartTime: o.clk.Now()}
	o.setStatus(StatusSyncing)
	o.emitEvent(Event{Type: EventPassStarted})

	err := o.runPass(ctx, result)

	result.EndTime = o.clk.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	o.mu.Lock()
	o.last = result
	o.lastErr = err
	if err != nil {
		o.status = StatusFailed
	} else {
		o.status = StatusIdle
	}
	o.mu.Unlock()

	if err != nil {
		o.emitEvent(Event{Type: EventPassFailed, Error: err.Error(), Result: result})
		return result, err
	}

	o.emitEvent(Event{Type: EventPassCompleted, Result: result})
	logging.Info("Reconciliation pass completed", map[string]interface{}{
		"synced":    result.Synced,
		"conflicts": result.Conflicts,
		"errors":    result.Errors,
	})
	return result, nil
}

func (o *Orchestrator) setStatus(s Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

func (o *Orchestrator) runPass(ctx context.Context, result *PassResult) error {
	files, err := o.vault.ListFiles(o.resolver.Folder(), true)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrVaultIO, "failed to list journal files", err)
	}

	seen := make(map[string]bool, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		date, ok := o.resolver.DateFromPath(file.Path)
		if !ok {
			continue
		}
		seen[date] = true

		if err := o.syncFile(date, file.Path, result); err != nil {
			if apperrors.Is(err, apperrors.ErrVaultIO) {
				result.Errors++
				logging.ErrorWithCode("Skipping unreadable journal file", string(apperrors.ErrVaultIO), err,
					map[string]interface{}{"path": file.Path})
				continue
			}
			// Storage failures are fatal for the pass.
			return err
		}
	}

	// Second sweep: store rows whose date has no corresponding file.
	entries, err := o.store.ListJournal()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen[entry.Date] || entry.Conflicted() {
			continue
		}

		path := o.resolver.PathForDate(entry.Date)
		if o.vault.Exists(path) {
			continue
		}
		if err := o.writeEntryFile(path, entry); err != nil {
			result.Errors++
			logging.ErrorWithCode("Failed to write journal file from store", string(apperrors.ErrVaultIO), err,
				map[string]interface{}{"path": path, "date": entry.Date})
			continue
		}
		if err := o.store.MarkJournalSynced(entry.ID); err != nil {
			return err
		}
		result.Synced++
	}

	return o.store.SetSyncState("journal", 0, models.Frontmatter{
		"synced":    result.Synced,
		"conflicts": result.Conflicts,
		"errors":    result.Errors,
	})
}

// syncFile runs the per-entry state machine for one journal file.
func (o *Orchestrator) syncFile(date, path string, result *PassResult) error {
	note, err := o.vault.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrVaultIO, "failed to read journal file", err)
	}
	if note == nil {
		// Listed but gone before we read it; the next pass picks it up.
		return nil
	}

	entry, err := o.store.GetJournalByDate(date)
	if err != nil {
		return err
	}

	// FileOnly: store adopts the file at version 1.
	if entry == nil {
		if _, _, err := o.store.UpsertJournal(date, date, note.Content, note.Frontmatter, nil); err != nil {
			return err
		}
		if err := o.store.MarkJournalSynced(date); err != nil {
			return err
		}
		result.Synced++
		return nil
	}

	// Conflicted entries are frozen until explicitly resolved.
	if entry.Conflicted() {
		return nil
	}

	// InSync: only the synced timestamp is refreshed.
	if entry.ContentHash == db.Hash(note.Content) {
		return o.store.MarkJournalSynced(entry.ID)
	}

	stats, err := o.vault.Stats(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrVaultIO, "failed to stat journal file", err)
	}
	if stats == nil {
		return nil
	}

	fileNewer := stats.ModifiedMs > entry.UpdatedAt
	// A never-synced entry (syncedAt zero) counts as clean: first sync adopts
	// the file.
	storeDirty := entry.SyncedAt > 0 && entry.UpdatedAt > entry.SyncedAt

	switch {
	case fileNewer && !storeDirty:
		// Filesystem wins; history retains the replaced store content.
		if _, _, err := o.store.UpsertJournal(entry.ID, date, note.Content, note.Frontmatter, nil); err != nil {
			return err
		}
		if err := o.store.MarkJournalSynced(entry.ID); err != nil {
			return err
		}
		result.Synced++

	case fileNewer && storeDirty:
		// Both sides changed since the last confirmed sync: no automatic
		// winner. The file content becomes primary, the previous store
		// content is preserved verbatim in the snapshot.
		snapshot := entry.Content
		if _, _, err := o.store.UpsertJournal(entry.ID, date, note.Content, note.Frontmatter, &snapshot); err != nil {
			return err
		}
		result.Conflicts++
		o.emitEvent(Event{Type: EventConflictDetected, EntryID: entry.ID})
		logging.Warn("Journal conflict detected", map[string]interface{}{
			"entry_id":  entry.ID,
			"file_ms":   stats.ModifiedMs,
			"store_ms":  entry.UpdatedAt,
			"synced_ms": entry.SyncedAt,
		})

	default:
		// Store newer or equal age: store wins, the file is overwritten.
		if err := o.writeEntryFile(path, entry); err != nil {
			return apperrors.Wrap(apperrors.ErrVaultIO, "failed to overwrite journal file", err)
		}
		if err := o.store.MarkJournalSynced(entry.ID); err != nil {
			return err
		}
		result.Synced++
	}

	return nil
}

func (o *Orchestrator) writeEntryFile(path string, entry *models.JournalEntry) error {
	if len(entry.Frontmatter) == 0 {
		return o.vault.CreateFile(path, entry.Content)
	}
	return o.vault.WriteFile(path, entry.Content, entry.Frontmatter)
}

// GetConflicts returns journal entries with a pending conflict snapshot.
func (o *Orchestrator) GetConflicts() ([]*models.JournalEntry, error) {
	return o.store.GetConflicted()
}

// GetDelta returns change-log records for entityType since sinceMs.
func (o *Orchestrator) GetDelta(entityType string, sinceMs int64) ([]*models.ChangeLogRecord, error) {
	return o.store.GetChangesSince(entityType, sinceMs)
}

// GetHistory returns the version history for a journal entry.
func (o *Orchestrator) GetHistory(entryID string) ([]*models.JournalHistoryRecord, error) {
	return o.store.GetJournalHistory(entryID)
}

// ResolveConflict closes a pending conflict. Choice "store" keeps the
// primary content; choice "file" promotes the snapshot to primary. Either
// way the snapshot is discarded and the resolved content is written back to
// the vault file.
func (o *Orchestrator) ResolveConflict(entryID, choice string) error {
	if choice != ChoiceStore && choice != ChoiceFile {
		return apperrors.New(apperrors.ErrResolution, fmt.Sprintf("invalid resolution choice: %q", choice))
	}

	entry, err := o.store.GetJournal(entryID)
	if err != nil {
		return err
	}
	if entry == nil || !entry.Conflicted() {
		return apperrors.New(apperrors.ErrResolution, fmt.Sprintf("no pending conflict for entry: %s", entryID))
	}

	content := entry.Content
	if choice == ChoiceFile {
		content = *entry.ConflictSnapshot
	}

	if _, _, err := o.store.UpsertJournal(entry.ID, entry.Date, content, entry.Frontmatter, nil); err != nil {
		return err
	}

	path := o.resolver.PathForDate(entry.Date)
	if err := o.vault.WriteFile(path, content, entry.Frontmatter); err != nil {
		return apperrors.Wrap(apperrors.ErrVaultIO, "failed to write resolved journal file", err)
	}
	if err := o.store.MarkJournalSynced(entry.ID); err != nil {
		return err
	}

	logging.Info("Journal conflict resolved", map[string]interface{}{
		"entry_id": entry.ID,
		"choice":   choice,
	})
	return nil
}
