// Package models provides data model definitions for VaultMirror.
package models

import (
	"encoding/json"
	"time"
)

// Change-log operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ChangeLogRecord tracks mutations for incremental sync and delta feeds.
// Records are append-only and never mutated or deleted.
type ChangeLogRecord struct {
	ID         UUID            `db:"id" json:"id"`
	EntityType string          `db:"entity_type" json:"entity_type"` // journal, calendar, news, research
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Operation  string          `db:"operation" json:"operation"` // create, update, delete
	Version    int             `db:"version" json:"version"`
	Payload    json.RawMessage `db:"payload" json:"payload,omitempty"`
	CreatedAt  int64           `db:"created_at" json:"created_at"` // ms since epoch
}

// TableName returns the table name for ChangeLogRecord.
func (ChangeLogRecord) TableName() string {
	return "change_log"
}

// Time returns CreatedAt as time.Time.
func (c *ChangeLogRecord) Time() time.Time {
	return time.UnixMilli(c.CreatedAt)
}
