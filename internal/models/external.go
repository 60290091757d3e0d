// Package models provides data model definitions for VaultMirror.
package models

// ExternalKind identifies the source of an externally fetched record.
type ExternalKind string

const (
	KindCalendar ExternalKind = "calendar"
	KindNews     ExternalKind = "news"
	KindResearch ExternalKind = "research"
)

// Valid reports whether the kind is one of the known external sources.
func (k ExternalKind) Valid() bool {
	switch k {
	case KindCalendar, KindNews, KindResearch:
		return true
	}
	return false
}

// ExternalRecord represents a fetcher-owned record (calendar event, news or
// research article). Single writer, no file mirror, no conflict state:
// upsert is overwrite-with-version-bump.
type ExternalRecord struct {
	ID        string       `db:"id" json:"id"` // provider-assigned
	Kind      ExternalKind `db:"kind" json:"kind"`
	Title     string       `db:"title" json:"title"`
	Body      string       `db:"body" json:"body,omitempty"`
	Payload   Frontmatter  `db:"payload" json:"payload,omitempty"`
	Version   int          `db:"version" json:"version"`
	CreatedAt int64        `db:"created_at" json:"created_at"`
	UpdatedAt int64        `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for ExternalRecord.
func (ExternalRecord) TableName() string {
	return "external_records"
}
