// Package sync provides the replica synchronization and conflict-resolution
// engine between the vault file tree and the versioned entity store.
package sync

import "time"

// EventType identifies a sync notification.
type EventType string

const (
	EventPassStarted      EventType = "sync.started"
	EventPassCompleted    EventType = "sync.completed"
	EventPassFailed       EventType = "sync.failed"
	EventConflictDetected EventType = "sync.conflict_detected"
)

// Event is a sync notification delivered to the registered handler.
type Event struct {
	Type      EventType   `json:"type"`
	EntryID   string      `json:"entry_id,omitempty"`
	Result    *PassResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// EventHandler receives sync events. Handlers must not block: events are
// delivered synchronously from the pass goroutine.
type EventHandler interface {
	OnSyncEvent(event Event)
}

// PassResult reports one reconciliation pass. Synced counts content
// adoptions and file writes; refreshing syncedAt on already-identical
// entries is not counted, so an idle pass reports zero.
type PassResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Synced    int           `json:"synced"`
	Conflicts int           `json:"conflicts"`
	Errors    int           `json:"errors"`
	Skipped   bool          `json:"skipped,omitempty"`
}
