// Package db provides the versioned entity store for VaultMirror data models.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vaultmirror/vaultmirror/internal/clock"
	apperrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/models"
)

// Store provides versioned persistence for journal entries, external
// records, the change log and sync state. Every mutation appends to the
// change log; every write that touches more than one table runs in a single
// transaction.
type Store struct {
	db  *sql.DB
	clk clock.Clock
}

// NewStore creates a new Store. A nil clock defaults to the system clock.
func NewStore(db *DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System()
	}
	return &Store{db: db.DB, clk: clk}
}

// Hash returns the deterministic SHA-256 hex fingerprint of content. The
// orchestrator recomputes this from file bodies for equality checks, so the
// algorithm must stay stable across releases.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (s *Store) nowMs() int64 {
	return s.clk.Now().UnixMilli()
}

func storageErr(msg string, err error) error {
	return apperrors.Wrap(apperrors.ErrStorageFailure, msg, err)
}

// journalPayload is the logical payload recorded in the change log for
// journal mutations. The conflict snapshot is deliberately excluded.
type journalPayload struct {
	Date        string             `json:"date"`
	Content     string             `json:"content"`
	Frontmatter models.Frontmatter `json:"frontmatter,omitempty"`
}

// insertChangeLog appends one change-log record inside the caller's
// transaction.
func insertChangeLog(tx *sql.Tx, entityType, entityID, operation string, version int, payload interface{}, nowMs int64) error {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to serialize change payload: %w", err)
		}
	}

	query := `
	INSERT INTO change_log (id, entity_type, entity_id, operation, version, payload, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.Exec(query, uuid.New().String(), entityType, entityID, operation, version, nullableString(raw), nowMs)
	return err
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// =====================================================
// JournalEntry Operations
// =====================================================

// UpsertJournal inserts or updates the journal entry for date. On insert the
// entry starts at version 1 and a create record is appended to the change
// log. On update the current row is first copied into journal_history, then
// content, frontmatter, hash, version (+1), updatedAt and the conflict
// snapshot are replaced, and an update record is appended. The whole call is
// one atomic transaction.
func (s *Store) UpsertJournal(id, date, content string, frontmatter models.Frontmatter, conflictSnapshot *string) (string, int, error) {
	now := s.nowMs()
	hash := Hash(content)

	tx, err := s.db.Begin()
	if err != nil {
		return "", 0, storageErr("failed to begin journal upsert", err)
	}
	defer tx.Rollback()

	var current models.JournalEntry
	var snapshot sql.NullString
	err = tx.QueryRow(`
	SELECT id, date, content, frontmatter, version, content_hash, created_at, updated_at, synced_at, conflict_snapshot
	FROM journal_entries WHERE id = ?`, id).Scan(
		&current.ID, &current.Date, &current.Content, &current.Frontmatter,
		&current.Version, &current.ContentHash, &current.CreatedAt,
		&current.UpdatedAt, &current.SyncedAt, &snapshot,
	)

	payload := journalPayload{Date: date, Content: content, Frontmatter: frontmatter}

	var version int
	switch {
	case err == sql.ErrNoRows:
		version = 1
		_, err = tx.Exec(`
		INSERT INTO journal_entries (id, date, content, frontmatter, version, content_hash, created_at, updated_at, synced_at, conflict_snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			id, date, content, frontmatter, version, hash, now, now, snapshotValue(conflictSnapshot))
		if err != nil {
			return "", 0, storageErr("failed to insert journal entry", err)
		}
		if err := insertChangeLog(tx, "journal", id, models.OpCreate, version, payload, now); err != nil {
			return "", 0, storageErr("failed to append create record", err)
		}

	case err != nil:
		return "", 0, storageErr("failed to read journal entry", err)

	default:
		// History first: exactly one row preserving the version being replaced.
		_, err = tx.Exec(`
		INSERT INTO journal_history (entry_id, version, content, frontmatter, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
			current.ID, current.Version, current.Content, current.Frontmatter, current.ContentHash, now)
		if err != nil {
			return "", 0, storageErr("failed to write journal history", err)
		}

		version = current.Version + 1
		_, err = tx.Exec(`
		UPDATE journal_entries
		SET content = ?, frontmatter = ?, version = ?, content_hash = ?, updated_at = ?, conflict_snapshot = ?
		WHERE id = ?`,
			content, frontmatter, version, hash, now, snapshotValue(conflictSnapshot), id)
		if err != nil {
			return "", 0, storageErr("failed to update journal entry", err)
		}
		if err := insertChangeLog(tx, "journal", id, models.OpUpdate, version, payload, now); err != nil {
			return "", 0, storageErr("failed to append update record", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", 0, storageErr("failed to commit journal upsert", err)
	}
	return id, version, nil
}

func snapshotValue(snapshot *string) interface{} {
	if snapshot == nil {
		return nil
	}
	return *snapshot
}

const journalColumns = `id, date, content, frontmatter, version, content_hash, created_at, updated_at, synced_at, conflict_snapshot`

func scanJournal(row interface{ Scan(...interface{}) error }) (*models.JournalEntry, error) {
	var entry models.JournalEntry
	var snapshot sql.NullString
	err := row.Scan(
		&entry.ID, &entry.Date, &entry.Content, &entry.Frontmatter,
		&entry.Version, &entry.ContentHash, &entry.CreatedAt,
		&entry.UpdatedAt, &entry.SyncedAt, &snapshot,
	)
	if err != nil {
		return nil, err
	}
	if snapshot.Valid {
		entry.ConflictSnapshot = &snapshot.String
	}
	return &entry, nil
}

// GetJournal retrieves a journal entry by ID. Returns nil when absent.
func (s *Store) GetJournal(id string) (*models.JournalEntry, error) {
	row := s.db.QueryRow(`SELECT `+journalColumns+` FROM journal_entries WHERE id = ?`, id)
	entry, err := scanJournal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to get journal entry", err)
	}
	return entry, nil
}

// GetJournalByDate retrieves a journal entry by date. Returns nil when absent.
func (s *Store) GetJournalByDate(date string) (*models.JournalEntry, error) {
	row := s.db.QueryRow(`SELECT `+journalColumns+` FROM journal_entries WHERE date = ?`, date)
	entry, err := scanJournal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to get journal entry by date", err)
	}
	return entry, nil
}

// GetJournalRange returns entries with startDate <= date <= endDate, ordered
// by date.
func (s *Store) GetJournalRange(startDate, endDate string) ([]*models.JournalEntry, error) {
	rows, err := s.db.Query(`SELECT `+journalColumns+` FROM journal_entries WHERE date >= ? AND date <= ? ORDER BY date`, startDate, endDate)
	if err != nil {
		return nil, storageErr("failed to query journal range", err)
	}
	defer rows.Close()
	return collectJournal(rows)
}

// ListJournal returns every journal entry ordered by date. Used by the
// orchestrator's store-to-file sweep.
func (s *Store) ListJournal() ([]*models.JournalEntry, error) {
	rows, err := s.db.Query(`SELECT ` + journalColumns + ` FROM journal_entries ORDER BY date`)
	if err != nil {
		return nil, storageErr("failed to list journal entries", err)
	}
	defer rows.Close()
	return collectJournal(rows)
}

// GetConflicted returns entries with a pending conflict snapshot, ordered by
// date.
func (s *Store) GetConflicted() ([]*models.JournalEntry, error) {
	rows, err := s.db.Query(`SELECT ` + journalColumns + ` FROM journal_entries WHERE conflict_snapshot IS NOT NULL ORDER BY date`)
	if err != nil {
		return nil, storageErr("failed to list conflicted entries", err)
	}
	defer rows.Close()
	return collectJournal(rows)
}

func collectJournal(rows *sql.Rows) ([]*models.JournalEntry, error) {
	var entries []*models.JournalEntry
	for rows.Next() {
		entry, err := scanJournal(rows)
		if err != nil {
			return nil, storageErr("failed to scan journal entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("journal row iteration failed", err)
	}
	return entries, nil
}

// GetJournalHistory returns prior versions of an entry, ascending by
// version. Empty if the entry was never updated.
func (s *Store) GetJournalHistory(id string) ([]*models.JournalHistoryRecord, error) {
	rows, err := s.db.Query(`
	SELECT id, entry_id, version, content, frontmatter, content_hash, created_at
	FROM journal_history WHERE entry_id = ? ORDER BY version`, id)
	if err != nil {
		return nil, storageErr("failed to query journal history", err)
	}
	defer rows.Close()

	var records []*models.JournalHistoryRecord
	for rows.Next() {
		var rec models.JournalHistoryRecord
		err := rows.Scan(&rec.ID, &rec.EntryID, &rec.Version, &rec.Content, &rec.Frontmatter, &rec.ContentHash, &rec.CreatedAt)
		if err != nil {
			return nil, storageErr("failed to scan history record", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("history row iteration failed", err)
	}
	return records, nil
}

// MarkJournalSynced records that store and file were confirmed identical.
// No version bump; idempotent.
func (s *Store) MarkJournalSynced(id string) error {
	result, err := s.db.Exec(`UPDATE journal_entries SET synced_at = ? WHERE id = ?`, s.nowMs(), id)
	if err != nil {
		return storageErr("failed to mark journal synced", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("journal entry not found: %s", id))
	}
	return nil
}

// =====================================================
// ExternalRecord Operations
// =====================================================

// UpsertExternal inserts or overwrites an external record with a version
// bump and appends a change-log record. No history is retained: external
// records are single-writer.
func (s *Store) UpsertExternal(kind models.ExternalKind, rec *models.ExternalRecord) (int, error) {
	if !kind.Valid() {
		return 0, apperrors.New(apperrors.ErrUnknownKind, fmt.Sprintf("unknown external kind: %s", kind))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, storageErr("failed to begin external upsert", err)
	}
	defer tx.Rollback()

	version, err := s.upsertExternalTx(tx, kind, rec)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("failed to commit external upsert", err)
	}
	return version, nil
}

// BulkUpsertExternal writes a batch of external records in one transaction:
// either all records land or none do.
func (s *Store) BulkUpsertExternal(kind models.ExternalKind, recs []*models.ExternalRecord) error {
	if !kind.Valid() {
		return apperrors.New(apperrors.ErrUnknownKind, fmt.Sprintf("unknown external kind: %s", kind))
	}
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("failed to begin bulk upsert", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if _, err := s.upsertExternalTx(tx, kind, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit bulk upsert", err)
	}
	return nil
}

func (s *Store) upsertExternalTx(tx *sql.Tx, kind models.ExternalKind, rec *models.ExternalRecord) (int, error) {
	now := s.nowMs()

	var currentVersion int
	err := tx.QueryRow(`SELECT version FROM external_records WHERE kind = ? AND id = ?`, kind, rec.ID).Scan(&currentVersion)

	var version int
	var operation string
	switch {
	case err == sql.ErrNoRows:
		version = 1
		operation = models.OpCreate
		_, err = tx.Exec(`
		INSERT INTO external_records (id, kind, title, body, payload, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, kind, rec.Title, rec.Body, rec.Payload, version, now, now)
		if err != nil {
			return 0, storageErr("failed to insert external record", err)
		}

	case err != nil:
		return 0, storageErr("failed to read external record", err)

	default:
		version = currentVersion + 1
		operation = models.OpUpdate
		_, err = tx.Exec(`
		UPDATE external_records SET title = ?, body = ?, payload = ?, version = ?, updated_at = ?
		WHERE kind = ? AND id = ?`,
			rec.Title, rec.Body, rec.Payload, version, now, kind, rec.ID)
		if err != nil {
			return 0, storageErr("failed to update external record", err)
		}
	}

	rec.Kind = kind
	rec.Version = version
	rec.UpdatedAt = now
	if operation == models.OpCreate {
		rec.CreatedAt = now
	}

	if err := insertChangeLog(tx, string(kind), rec.ID, operation, version, rec, now); err != nil {
		return 0, storageErr("failed to append external change record", err)
	}
	return version, nil
}

// GetExternal retrieves an external record. Returns nil when absent.
func (s *Store) GetExternal(kind models.ExternalKind, id string) (*models.ExternalRecord, error) {
	row := s.db.QueryRow(`
	SELECT id, kind, title, body, payload, version, created_at, updated_at
	FROM external_records WHERE kind = ? AND id = ?`, kind, id)

	var rec models.ExternalRecord
	var body sql.NullString
	err := row.Scan(&rec.ID, &rec.Kind, &rec.Title, &body, &rec.Payload, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to get external record", err)
	}
	if body.Valid {
		rec.Body = body.String
	}
	return &rec, nil
}

// ListExternal returns all records of a kind, ordered by update time
// descending.
func (s *Store) ListExternal(kind models.ExternalKind) ([]*models.ExternalRecord, error) {
	rows, err := s.db.Query(`
	SELECT id, kind, title, body, payload, version, created_at, updated_at
	FROM external_records WHERE kind = ? ORDER BY updated_at DESC, id`, kind)
	if err != nil {
		return nil, storageErr("failed to list external records", err)
	}
	defer rows.Close()

	var recs []*models.ExternalRecord
	for rows.Next() {
		var rec models.ExternalRecord
		var body sql.NullString
		err := rows.Scan(&rec.ID, &rec.Kind, &rec.Title, &body, &rec.Payload, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, storageErr("failed to scan external record", err)
		}
		if body.Valid {
			rec.Body = body.String
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("external row iteration failed", err)
	}
	return recs, nil
}

// =====================================================
// ChangeLog Operations
// =====================================================

const changeLogColumns = `id, entity_type, entity_id, operation, version, payload, created_at`

// GetChangesSince returns change-log records for entityType with
// createdAt > sinceMs, ascending by creation time.
func (s *Store) GetChangesSince(entityType string, sinceMs int64) ([]*models.ChangeLogRecord, error) {
	rows, err := s.db.Query(`
	SELECT `+changeLogColumns+` FROM change_log
	WHERE entity_type = ? AND created_at > ?
	ORDER BY created_at, id`, entityType, sinceMs)
	if err != nil {
		return nil, storageErr("failed to query change log", err)
	}
	defer rows.Close()
	return collectChanges(rows)
}

// GetDelta returns change-log records with startMs < createdAt <= endMs,
// ascending by creation time.
func (s *Store) GetDelta(entityType string, startMs, endMs int64) ([]*models.ChangeLogRecord, error) {
	rows, err := s.db.Query(`
	SELECT `+changeLogColumns+` FROM change_log
	WHERE entity_type = ? AND created_at > ? AND created_at <= ?
	ORDER BY created_at, id`, entityType, startMs, endMs)
	if err != nil {
		return nil, storageErr("failed to query change-log delta", err)
	}
	defer rows.Close()
	return collectChanges(rows)
}

func collectChanges(rows *sql.Rows) ([]*models.ChangeLogRecord, error) {
	var records []*models.ChangeLogRecord
	for rows.Next() {
		var rec models.ChangeLogRecord
		var payload sql.NullString
		err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Operation, &rec.Version, &payload, &rec.CreatedAt)
		if err != nil {
			return nil, storageErr("failed to scan change record", err)
		}
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("change-log iteration failed", err)
	}
	return records, nil
}

// =====================================================
// SyncState Operations
// =====================================================

// GetSyncState returns the sync state for a source. Returns nil when the
// source has never completed a pass.
func (s *Store) GetSyncState(source string) (*models.SyncState, error) {
	row := s.db.QueryRow(`SELECT source, last_sync_ms, last_version, metadata FROM sync_state WHERE source = ?`, source)

	var state models.SyncState
	err := row.Scan(&state.Source, &state.LastSyncMs, &state.LastVersion, &state.Metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to get sync state", err)
	}
	return &state, nil
}

// SetSyncState records the completion of a reconciliation pass for a source.
func (s *Store) SetSyncState(source string, lastVersion int, metadata models.Frontmatter) error {
	now := s.nowMs()
	_, err := s.db.Exec(`
	INSERT INTO sync_state (source, last_sync_ms, last_version, metadata)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(source) DO UPDATE SET last_sync_ms = excluded.last_sync_ms,
		last_version = excluded.last_version, metadata = excluded.metadata`,
		source, now, lastVersion, metadata)
	if err != nil {
		return storageErr("failed to set sync state", err)
	}
	return nil
}
