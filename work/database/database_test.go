package database

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "schedule.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func hour(h int) time.Time {
	return time.Date(2026, 3, 14, h, 0, 0, 0, time.UTC)
}

func TestUpsertEntryKeepsAssignedChannel(t *testing.T) {
	db := openTestDB(t)

	e := &EntryRow{
		ID: "game-1", Title: "Home vs Away",
		Start: hour(10), End: hour(12),
		Categories: []string{"NHL"}, Network: "espn", Source: "espn",
	}
	if err := db.UpsertEntry(e); err != nil {
		t.Fatal(err)
	}
	if err := db.SetEntryChannel("game-1", 3); err != nil {
		t.Fatal(err)
	}

	// a harvest refresh re-upserts the same entry with updated metadata
	e.Title = "Home vs Away (updated)"
	e.End = hour(13)
	if err := db.UpsertEntry(e); err != nil {
		t.Fatal(err)
	}

	got, err := db.CurrentEntry(3, hour(11))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("assignment lost across upsert")
	}
	if got.Title != "Home vs Away (updated)" || !got.End.Equal(hour(13)) {
		t.Errorf("metadata not refreshed: %+v", got)
	}
	if got.Channel == nil || *got.Channel != 3 {
		t.Errorf("channel = %v, want 3", got.Channel)
	}
	if len(got.Categories) != 1 || got.Categories[0] != "NHL" {
		t.Errorf("categories = %v", got.Categories)
	}
}

func TestUpsertEntryRejectsEmptyWindow(t *testing.T) {
	db := openTestDB(t)
	err := db.UpsertEntry(&EntryRow{ID: "bad", Start: hour(10), End: hour(10)})
	if err == nil {
		t.Fatal("zero-length window accepted")
	}
}

func TestSetEntryChannelIsWriteOnce(t *testing.T) {
	db := openTestDB(t)
	if err := db.UpsertEntry(&EntryRow{ID: "e", Start: hour(10), End: hour(11)}); err != nil {
		t.Fatal(err)
	}

	if err := db.SetEntryChannel("e", 1); err != nil {
		t.Fatal(err)
	}
	if err := db.SetEntryChannel("e", 2); err != nil {
		t.Fatal(err)
	}

	got, err := db.CurrentEntry(1, hour(10))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Channel == nil || *got.Channel != 1 {
		t.Error("channel assignment was overwritten")
	}
}

func TestUnassignedEntriesOrder(t *testing.T) {
	db := openTestDB(t)

	// same start: insertion order must win
	for _, id := range []string{"first", "second"} {
		if err := db.UpsertEntry(&EntryRow{ID: id, Start: hour(12), End: hour(13)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpsertEntry(&EntryRow{ID: "early", Start: hour(9), End: hour(10)}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertEntry(&EntryRow{ID: "taken", Start: hour(8), End: hour(9)}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetEntryChannel("taken", 1); err != nil {
		t.Fatal(err)
	}

	got, err := db.UnassignedEntries()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"early", "first", "second"}
	if len(got) != len(want) {
		t.Fatalf("%d unassigned entries, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.ID != want[i] {
			t.Errorf("position %d: %s, want %s", i, e.ID, want[i])
		}
	}
}

func TestCurrentEntryWindowIsHalfOpen(t *testing.T) {
	db := openTestDB(t)
	if err := db.UpsertEntry(&EntryRow{ID: "e", Start: hour(10), End: hour(11)}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetEntryChannel("e", 1); err != nil {
		t.Fatal(err)
	}

	if got, _ := db.CurrentEntry(1, hour(10)); got == nil {
		t.Error("entry not current at its own start")
	}
	if got, _ := db.CurrentEntry(1, hour(11)); got != nil {
		t.Error("entry still current at its end instant")
	}
	if got, _ := db.CurrentEntry(2, hour(10)); got != nil {
		t.Error("entry current on the wrong channel")
	}
}

func TestNextEntry(t *testing.T) {
	db := openTestDB(t)
	for _, e := range []*EntryRow{
		{ID: "now", Start: hour(10), End: hour(11)},
		{ID: "soon", Start: hour(11), End: hour(12)},
		{ID: "later", Start: hour(14), End: hour(15)},
	} {
		if err := db.UpsertEntry(e); err != nil {
			t.Fatal(err)
		}
		if err := db.SetEntryChannel(e.ID, 1); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.NextEntry(1, hour(10))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "soon" {
		t.Errorf("NextEntry = %+v, want soon", got)
	}

	if got, _ := db.NextEntry(1, hour(14)); got != nil {
		t.Errorf("NextEntry past the last start = %+v, want nil", got)
	}
}

func TestPinLinearChannel(t *testing.T) {
	db := openTestDB(t)

	if err := db.PinLinearChannel("espn3", 4); err != nil {
		t.Fatal(err)
	}

	ch, ok, err := db.LinearChannelFor("espn3")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || ch != 4 {
		t.Errorf("LinearChannelFor = (%d, %v), want (4, true)", ch, ok)
	}
	if _, ok, _ := db.LinearChannelFor("nbc"); ok {
		t.Error("unpinned network reports a channel")
	}

	// pinning again is idempotent
	if err := db.PinLinearChannel("espn3", 4); err != nil {
		t.Fatal(err)
	}

	// the pinned slot never frees up for the pooled scheduler
	free, err := db.FreeSlots(1, hour(23))
	if err != nil {
		t.Fatal(err)
	}
	if len(free) != 0 {
		t.Errorf("pinned slot listed as free: %+v", free)
	}

	// the placeholder itself never plays; real entries on the channel do
	if got, _ := db.CurrentEntry(4, time.Now()); got != nil {
		t.Errorf("placeholder served as current entry: %+v", got)
	}
	if err := db.UpsertEntry(&EntryRow{ID: "show", Start: hour(10), End: hour(11), Linear: true, Network: "espn3"}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetEntryChannel("show", 4); err != nil {
		t.Fatal(err)
	}
	got, err := db.CurrentEntry(4, hour(10))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "show" {
		t.Errorf("CurrentEntry = %+v, want show", got)
	}
}

func TestDeleteEndedEntries(t *testing.T) {
	db := openTestDB(t)
	for _, e := range []*EntryRow{
		{ID: "done", Start: hour(8), End: hour(9)},
		{ID: "live", Start: hour(9), End: hour(11)},
	} {
		if err := db.UpsertEntry(e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.DeleteEndedEntries(hour(10))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d entries, want 1", n)
	}
	got, err := db.UnassignedEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "live" {
		t.Errorf("surviving entries: %+v", got)
	}
}

func TestSlotLifecycle(t *testing.T) {
	db := openTestDB(t)

	if err := db.RaiseSlot(1, hour(11)); err != nil {
		t.Fatal(err)
	}
	if err := db.RaiseSlot(2, hour(13)); err != nil {
		t.Fatal(err)
	}

	// slot end only ever moves forward
	if err := db.RaiseSlot(1, hour(10)); err != nil {
		t.Fatal(err)
	}

	free, err := db.FreeSlots(1, hour(11))
	if err != nil {
		t.Fatal(err)
	}
	if len(free) != 1 || free[0].Channel != 1 || !free[0].EndsAt.Equal(hour(11)) {
		t.Errorf("free slots at %s: %+v", hour(11), free)
	}

	count, err := db.OccupiedCount(1)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("occupied = %d, want 2", count)
	}
	count, err = db.OccupiedCount(2)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("occupied above 2 = %d, want 1", count)
	}

	if err := db.WipeSlots(); err != nil {
		t.Fatal(err)
	}
	count, err = db.OccupiedCount(1)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("occupied after wipe = %d, want 0", count)
	}
}

func TestStripAssignmentsAndPlaceholders(t *testing.T) {
	db := openTestDB(t)
	if err := db.UpsertEntry(&EntryRow{ID: "real", Start: hour(10), End: hour(11), Linear: true}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertEntry(&EntryRow{ID: "filler", Start: hour(11), End: hour(12), Placeholder: true}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetEntryChannel("real", 1); err != nil {
		t.Fatal(err)
	}

	if err := db.StripAssignments(); err != nil {
		t.Fatal(err)
	}
	if err := db.DeletePlaceholders(); err != nil {
		t.Fatal(err)
	}

	got, err := db.UnassignedEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "real" {
		t.Fatalf("entries after rebuild prep: %+v", got)
	}
	if got[0].Linear {
		t.Error("linear flag survived the strip")
	}
}
