package db

import (
	"strings"
	"testing"
	"time"

	"github.com/vaultmirror/vaultmirror/internal/clock"
	apperrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/models"
)

func newTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()

	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrator := NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	return NewStore(database, clk), clk
}

func TestUpsertJournalCreate(t *testing.T) {
	store, clk := newTestStore(t)

	id, version, err := store.UpsertJournal("2025-03-10", "2025-03-10", "# Monday\n", nil, nil)
	if err != nil {
		t.Fatalf("UpsertJournal failed: %v", err)
	}
	if id != "2025-03-10" {
		t.Errorf("Expected id 2025-03-10, got %s", id)
	}
	if version != 1 {
		t.Errorf("Expected version 1 on create, got %d", version)
	}

	entry, err := store.GetJournal(id)
	if err != nil {
		t.Fatalf("GetJournal failed: %v", err)
	}
	if entry == nil {
		t.Fatal("Expected entry, got nil")
	}
	if entry.ContentHash != Hash("# Monday\n") {
		t.Errorf("Content hash mismatch: %s", entry.ContentHash)
	}
	if entry.CreatedAt != clk.Now().UnixMilli() {
		t.Errorf("Expected createdAt %d, got %d", clk.Now().UnixMilli(), entry.CreatedAt)
	}
	if entry.SyncedAt != 0 {
		t.Errorf("Expected syncedAt 0 on fresh entry, got %d", entry.SyncedAt)
	}
	if entry.Conflicted() {
		t.Error("Fresh entry must not be conflicted")
	}
}

func TestUpsertJournalVersionMonotonicity(t *testing.T) {
	store, clk := newTestStore(t)

	if _, _, err := store.UpsertJournal("2025-03-10", "2025-03-10", "v1", nil, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i, content := range []string{"v2", "v3", "v4"} {
		clk.Advance(time.Minute)
		_, version, err := store.UpsertJournal("2025-03-10", "2025-03-10", content, nil, nil)
		if err != nil {
			t.Fatalf("Update %d failed: %v", i, err)
		}
		if version != i+2 {
			t.Errorf("Expected version %d, got %d", i+2, version)
		}
	}

	history, err := store.GetJournalHistory("2025-03-10")
	if err != nil {
		t.Fatalf("GetJournalHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 history rows, got %d", len(history))
	}
	for i, rec := range history {
		if rec.Version != i+1 {
			t.Errorf("History row %d: expected version %d, got %d", i, i+1, rec.Version)
		}
	}
	if history[0].Content != "v1" {
		t.Errorf("History must preserve replaced content, got %q", history[0].Content)
	}
}

func TestUpsertJournalConflictSnapshot(t *testing.T) {
	store, _ := newTestStore(t)

	if _, _, err := store.UpsertJournal("2025-03-10", "2025-03-10", "store content", nil, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	snapshot := "store content"
	if _, _, err := store.UpsertJournal("2025-03-10", "2025-03-10", "file content", nil, &snapshot); err != nil {
		t.Fatalf("Conflict upsert failed: %v", err)
	}

	entry, err := store.GetJournal("2025-03-10")
	if err != nil {
		t.Fatalf("GetJournal failed: %v", err)
	}
	if !entry.Conflicted() {
		t.Fatal("Expected conflicted entry")
	}
	if *entry.ConflictSnapshot != "store content" {
		t.Errorf("Snapshot mismatch: %q", *entry.ConflictSnapshot)
	}

	conflicted, err := store.GetConflicted()
	if err != nil {
		t.Fatalf("GetConflicted failed: %v", err)
	}
	if len(conflicted) != 1 || conflicted[0].ID != "2025-03-10" {
		t.Fatalf("Expected one conflicted entry, got %d", len(conflicted))
	}

	// Resolving writes without a snapshot, which clears the pending state.
	if _, _, err := store.UpsertJournal("2025-03-10", "2025-03-10", "resolved", nil, nil); err != nil {
		t.Fatalf("Resolve upsert failed: %v", err)
	}
	entry, _ = store.GetJournal("2025-03-10")
	if entry.Conflicted() {
		t.Error("Snapshot must clear when upsert passes nil")
	}
}

func TestUpsertJournalFrontmatterRoundtrip(t *testing.T) {
	store, _ := newTestStore(t)

	fm := models.Frontmatter{"tags": []interface{}{"daily"}, "mood": "good"}
	if _, _, err := store.UpsertJournal("2025-03-10", "2025-03-10", "body", fm, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	entry, err := store.GetJournal("2025-03-10")
	if err != nil {
		t.Fatalf("GetJournal failed: %v", err)
	}
	if entry.Frontmatter["mood"] != "good" {
		t.Errorf("Frontmatter lost on roundtrip: %v", entry.Frontmatter)
	}
}

func TestGetJournalAbsent(t *testing.T) {
	store, _ := newTestStore(t)

	entry, err := store.GetJournal("2025-01-01")
	if err != nil {
		t.Fatalf("GetJournal failed: %v", err)
	}
	if entry != nil {
		t.Error("Expected nil for absent entry")
	}

	entry, err = store.GetJournalByDate("2025-01-01")
	if err != nil {
		t.Fatalf("GetJournalByDate failed: %v", err)
	}
	if entry != nil {
		t.Error("Expected nil for absent date")
	}
}

func TestMarkJournalSynced(t *testing.T) {
	store, clk := newTestStore(t)

	if _, _, err := store.UpsertJournal("2025-03-10", "2025-03-10", "body", nil, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	clk.Advance(time.Second)
	if err := store.MarkJournalSynced("2025-03-10"); err != nil {
		t.Fatalf("MarkJournalSynced failed: %v", err)
	}

	entry, _ := store.GetJournal("2025-03-10")
	if entry.SyncedAt != clk.Now().UnixMilli() {
		t.Errorf("Expected syncedAt %d, got %d", clk.Now().UnixMilli(), entry.SyncedAt)
	}
	if entry.Version != 1 {
		t.Errorf("MarkJournalSynced must not bump version, got %d", entry.Version)
	}

	err := store.MarkJournalSynced("2099-01-01")
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown entry, got %v", err)
	}
}

func TestGetJournalRange(t *testing.T) {
	store, _ := newTestStore(t)

	for _, date := range []string{"2025-03-08", "2025-03-09", "2025-03-10", "2025-03-11"} {
		if _, _, err := store.UpsertJournal(date, date, "note "+date, nil, nil); err != nil {
			t.Fatalf("Create %s failed: %v", date, err)
		}
	}

	entries, err := store.GetJournalRange("2025-03-09", "2025-03-10")
	if err != nil {
		t.Fatalf("GetJournalRange failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Date != "2025-03-09" || entries[1].Date != "2025-03-10" {
		t.Errorf("Range not ordered by date: %s, %s", entries[0].Date, entries[1].Date)
	}
}

func TestChangeLogWindows(t *testing.T) {
	store, clk := newTestStore(t)

	t0 := clk.Now().UnixMilli()
	if _, _, err := store.UpsertJournal("2025-03-10", "2025-03-10", "v1", nil, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	t1 := clk.Advance(time.Minute).UnixMilli()
	if _, _, err := store.UpsertJournal("2025-03-10", "2025-03-10", "v2", nil, nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	t2 := clk.Advance(time.Minute).UnixMilli()
	if _, _, err := store.UpsertJournal("2025-03-11", "2025-03-11", "other day", nil, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// since is exclusive: a record created exactly at t0 is not returned.
	changes, err := store.GetChangesSince("journal", t0)
	if err != nil {
		t.Fatalf("GetChangesSince failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("Expected 2 changes after t0, got %d", len(changes))
	}
	if changes[0].Operation != models.OpUpdate || changes[1].Operation != models.OpCreate {
		t.Errorf("Unexpected operations: %s, %s", changes[0].Operation, changes[1].Operation)
	}
	if changes[0].CreatedAt > changes[1].CreatedAt {
		t.Error("Changes must be ascending by creation time")
	}

	// Delta window is half-open: (t0, t1] contains only the update.
	delta, err := store.GetDelta("journal", t0, t1)
	if err != nil {
		t.Fatalf("GetDelta failed: %v", err)
	}
	if len(delta) != 1 {
		t.Fatalf("Expected 1 change in (t0, t1], got %d", len(delta))
	}
	if delta[0].Version != 2 {
		t.Errorf("Expected the version-2 update, got version %d", delta[0].Version)
	}

	// The end bound is inclusive.
	delta, err = store.GetDelta("journal", t1, t2)
	if err != nil {
		t.Fatalf("GetDelta failed: %v", err)
	}
	if len(delta) != 1 || delta[0].EntityID != "2025-03-11" {
		t.Fatalf("Expected the t2 create in (t1, t2], got %d records", len(delta))
	}

	// Payloads never carry the conflict snapshot.
	for _, rec := range changes {
		if strings.Contains(string(rec.Payload), "conflict_snapshot") {
			t.Error("Change payload must not leak the conflict snapshot")
		}
	}
}

func TestExternalUpsertAndVersioning(t *testing.T) {
	store, clk := newTestStore(t)

	rec := &models.ExternalRecord{ID: "evt-1", Title: "Standup", Payload: models.Frontmatter{"start": "2025-03-10T09:00:00Z"}}
	version, err := store.UpsertExternal(models.KindCalendar, rec)
	if err != nil {
		t.Fatalf("UpsertExternal failed: %v", err)
	}
	if version != 1 {
		t.Errorf("Expected version 1, got %d", version)
	}

	clk.Advance(time.Second)
	rec.Title = "Standup (moved)"
	version, err = store.UpsertExternal(models.KindCalendar, rec)
	if err != nil {
		t.Fatalf("Re-upsert failed: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected version 2, got %d", version)
	}

	got, err := store.GetExternal(models.KindCalendar, "evt-1")
	if err != nil {
		t.Fatalf("GetExternal failed: %v", err)
	}
	if got.Title != "Standup (moved)" {
		t.Errorf("Title not updated: %q", got.Title)
	}
	if got.CreatedAt == got.UpdatedAt {
		t.Error("UpdatedAt must advance on re-upsert")
	}

	_, err = store.UpsertExternal(models.ExternalKind("bogus"), rec)
	if !apperrors.Is(err, apperrors.ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}
}

func TestBulkUpsertExternal(t *testing.T) {
	store, _ := newTestStore(t)

	recs := []*models.ExternalRecord{
		{ID: "a", Title: "Article A"},
		{ID: "b", Title: "Article B"},
		{ID: "c", Title: "Article C"},
	}
	if err := store.BulkUpsertExternal(models.KindNews, recs); err != nil {
		t.Fatalf("BulkUpsertExternal failed: %v", err)
	}

	list, err := store.ListExternal(models.KindNews)
	if err != nil {
		t.Fatalf("ListExternal failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(list))
	}

	changes, err := store.GetChangesSince("news", 0)
	if err != nil {
		t.Fatalf("GetChangesSince failed: %v", err)
	}
	if len(changes) != 3 {
		t.Errorf("Expected 3 change records for the batch, got %d", len(changes))
	}

	if err := store.BulkUpsertExternal(models.KindNews, nil); err != nil {
		t.Errorf("Empty batch must be a no-op, got %v", err)
	}
}

func TestSyncState(t *testing.T) {
	store, clk := newTestStore(t)

	state, err := store.GetSyncState("journal")
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state != nil {
		t.Fatal("Expected nil before any pass")
	}

	if err := store.SetSyncState("journal", 4, models.Frontmatter{"synced": 2}); err != nil {
		t.Fatalf("SetSyncState failed: %v", err)
	}
	state, err = store.GetSyncState("journal")
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.LastSyncMs != clk.Now().UnixMilli() {
		t.Errorf("Expected lastSyncMs %d, got %d", clk.Now().UnixMilli(), state.LastSyncMs)
	}
	if state.LastVersion != 4 {
		t.Errorf("Expected lastVersion 4, got %d", state.LastVersion)
	}

	// Second write replaces, not duplicates.
	clk.Advance(time.Minute)
	if err := store.SetSyncState("journal", 5, nil); err != nil {
		t.Fatalf("SetSyncState failed: %v", err)
	}
	state, _ = store.GetSyncState("journal")
	if state.LastVersion != 5 {
		t.Errorf("Expected lastVersion 5 after upsert, got %d", state.LastVersion)
	}
}

func TestHashStability(t *testing.T) {
	if Hash("hello") != Hash("hello") {
		t.Error("Hash must be deterministic")
	}
	if Hash("hello") == Hash("hello ") {
		t.Error("Hash must be content sensitive")
	}
	if len(Hash("")) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(Hash("")))
	}
}
