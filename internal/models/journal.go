// Package models provides data model definitions for VaultMirror.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Frontmatter holds structured note metadata. It is a plain map in core
// logic; serialization to JSON happens only at the storage edge via the
// driver.Valuer / sql.Scanner implementations below.
type Frontmatter map[string]interface{}

// Value implements driver.Valuer for Frontmatter.
func (f Frontmatter) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize frontmatter: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for Frontmatter.
func (f *Frontmatter) Scan(value interface{}) error {
	if value == nil {
		*f = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported frontmatter column type %T", value)
	}
	if len(data) == 0 {
		*f = nil
		return nil
	}
	return json.Unmarshal(data, f)
}

// JournalEntry represents a dated journal note mirrored between the vault
// file tree and the store. Identity is the ISO date string.
type JournalEntry struct {
	ID               string      `db:"id" json:"id"`
	Date             string      `db:"date" json:"date"` // YYYY-MM-DD
	Content          string      `db:"content" json:"content"`
	Frontmatter      Frontmatter `db:"frontmatter" json:"frontmatter,omitempty"`
	Version          int         `db:"version" json:"version"`
	ContentHash      string      `db:"content_hash" json:"content_hash"`
	CreatedAt        int64       `db:"created_at" json:"created_at"`
	UpdatedAt        int64       `db:"updated_at" json:"updated_at"`
	SyncedAt         int64       `db:"synced_at" json:"synced_at"` // 0 = never confirmed in sync
	ConflictSnapshot *string     `db:"conflict_snapshot" json:"conflict_snapshot,omitempty"`
}

// TableName returns the table name for JournalEntry.
func (JournalEntry) TableName() string {
	return "journal_entries"
}

// Conflicted reports whether the entry has a pending conflict. A non-nil
// snapshot is the single source of truth for the conflicted state.
func (e *JournalEntry) Conflicted() bool {
	return e.ConflictSnapshot != nil
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (e *JournalEntry) UpdatedAtTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

// JournalHistoryRecord preserves one superseded version of a journal entry.
// Written immediately before every update; append-only.
type JournalHistoryRecord struct {
	ID          int64       `db:"id" json:"id"`
	EntryID     string      `db:"entry_id" json:"entry_id"`
	Version     int         `db:"version" json:"version"`
	Content     string      `db:"content" json:"content"`
	Frontmatter Frontmatter `db:"frontmatter" json:"frontmatter,omitempty"`
	ContentHash string      `db:"content_hash" json:"content_hash"`
	CreatedAt   int64       `db:"created_at" json:"created_at"`
}

// TableName returns the table name for JournalHistoryRecord.
func (JournalHistoryRecord) TableName() string {
	return "journal_history"
}
