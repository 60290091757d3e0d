// Package models provides data model definitions for VaultMirror.
package models

import "time"

// SyncState tracks the last completed reconciliation pass per entity type.
// Read at the start of a pass to decide delta windows, written at the end.
type SyncState struct {
	Source      string      `db:"source" json:"source"` // journal, news, calendar, research
	LastSyncMs  int64       `db:"last_sync_ms" json:"last_sync_ms"`
	LastVersion int         `db:"last_version" json:"last_version"`
	Metadata    Frontmatter `db:"metadata" json:"metadata,omitempty"`
}

// TableName returns the table name for SyncState.
func (SyncState) TableName() string {
	return "sync_state"
}

// LastSyncTime returns LastSyncMs as time.Time.
func (s *SyncState) LastSyncTime() time.Time {
	return time.UnixMilli(s.LastSyncMs)
}
