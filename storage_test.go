// Storage engine tests: insert/update/delete protocol, write batching,
// and corruption detection (§4.3, §4.4).
package smoldb

import (
	"path/filepath"
	"testing"
)

func openTestEngine(t *testing.T) *StorageEngine {
	t.Helper()
	dir := t.TempDir()
	e, err := OpenStorageEngine(filepath.Join(dir, "col.data"), filepath.Join(dir, "blobs"), EngineConfig{})
	if err != nil {
		t.Fatalf("OpenStorageEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// TestInsertReadRoundTrip verifies P1: a document written by Insert is
// read back byte-identical after JSON round-trip.
func TestInsertReadRoundTrip(t *testing.T) {
	e := openTestEngine(t)

	loc, err := e.Insert(map[string]any{"x": float64(1), "y": "hello"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	doc, err := e.Read(loc)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc["x"] != float64(1) || doc["y"] != "hello" {
		t.Errorf("Read = %+v, want x=1 y=hello", doc)
	}
}

// TestUpdateInPlaceWhenFits verifies that an update whose new payload
// still fits the original slab rewrites in place (same offset).
func TestUpdateInPlaceWhenFits(t *testing.T) {
	e := openTestEngine(t)

	loc, _ := e.Insert(map[string]any{"v": "a"})
	newLoc, err := e.Update("id", map[string]any{"v": "b"}, loc)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newLoc.Offset != loc.Offset {
		t.Errorf("Update in-place: offset changed %d -> %d", loc.Offset, newLoc.Offset)
	}
	doc, _ := e.Read(newLoc)
	if doc["v"] != "b" {
		t.Errorf("Read after update = %+v, want v=b", doc)
	}
}

// TestUpdateRelocatesWhenOversized verifies that an update whose
// payload no longer fits the original slab frees the old slot and
// allocates a new one.
func TestUpdateRelocatesWhenOversized(t *testing.T) {
	e := openTestEngine(t)

	loc, _ := e.Insert(map[string]any{"v": "a"})
	big := make([]byte, 2000)
	newLoc, err := e.Update("id", map[string]any{"v": string(big)}, loc)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newLoc.Offset == loc.Offset && newLoc.SlabSize == loc.SlabSize {
		t.Error("Update: expected relocation to a larger slab")
	}

	stats := e.Stats()
	if stats.FreeSlotCount != 1 {
		t.Errorf("FreeSlotCount after relocation: got %d, want 1", stats.FreeSlotCount)
	}
}

// TestDeletePurgesDocument verifies P3: after Delete, reading the old
// location fails because the slot is no longer active.
func TestDeletePurgesDocument(t *testing.T) {
	e := openTestEngine(t)

	loc, _ := e.Insert(map[string]any{"v": "gone"})
	if err := e.Delete(loc); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.Read(loc); err == nil {
		t.Error("Read after Delete should fail (slot inactive)")
	}

	stats := e.Stats()
	if stats.DocumentCount != 0 {
		t.Errorf("DocumentCount after delete: got %d, want 0", stats.DocumentCount)
	}
	if stats.FreeSlotCount != 1 {
		t.Errorf("FreeSlotCount after delete: got %d, want 1", stats.FreeSlotCount)
	}
}

// TestChecksumMismatchDetected verifies P4: corrupting a slot's payload
// on disk is caught by Read as a checksum mismatch rather than silently
// returning garbage.
func TestChecksumMismatchDetected(t *testing.T) {
	e := openTestEngine(t)

	loc, _ := e.Insert(map[string]any{"v": "original"})

	// Flip a payload byte directly on disk, bypassing the engine.
	buf := make([]byte, 1)
	f := e.fileHandle()
	f.ReadAt(buf, loc.Offset+SlotHeaderSize)
	buf[0] ^= 0xFF
	f.WriteAt(buf, loc.Offset+SlotHeaderSize)

	_, err := e.Read(loc)
	if err == nil {
		t.Fatal("Read after corruption should fail")
	}
	var mismatch *ChecksumMismatchError
	if !asChecksumMismatch(err, &mismatch) {
		t.Errorf("Read after corruption: got %v, want *ChecksumMismatchError", err)
	}
}

func asChecksumMismatch(err error, target **ChecksumMismatchError) bool {
	if m, ok := err.(*ChecksumMismatchError); ok {
		*target = m
		return true
	}
	return false
}

// TestWriteManyContiguous verifies that WriteMany inserts every item
// and that all are readable afterward.
func TestWriteManyContiguous(t *testing.T) {
	e := openTestEngine(t)

	items := []WriteItem{
		{ID: "a", Doc: map[string]any{"v": float64(1)}},
		{ID: "b", Doc: map[string]any{"v": float64(2)}},
		{ID: "c", Doc: map[string]any{"v": float64(3)}},
	}
	locs, err := e.WriteMany(items)
	if err != nil {
		t.Fatalf("WriteMany: %v", err)
	}
	if len(locs) != 3 {
		t.Fatalf("WriteMany: got %d locations, want 3", len(locs))
	}
	for i, loc := range locs {
		doc, err := e.Read(loc)
		if err != nil {
			t.Fatalf("Read(%d): %v", i, err)
		}
		if doc["v"] != items[i].Doc.(map[string]any)["v"] {
			t.Errorf("Read(%d)[v] = %v, want %v", i, doc["v"], items[i].Doc.(map[string]any)["v"])
		}
	}
}

// TestBatchSingleFlush verifies that Batch performs several mutations
// under one lock hold and that all of them are visible afterward.
func TestBatchSingleFlush(t *testing.T) {
	e := openTestEngine(t)

	var locs [3]DocumentLocation
	err := e.Batch(func(b *WriteBatch) error {
		var err error
		locs[0], err = b.Insert("a", map[string]any{"v": float64(1)})
		if err != nil {
			return err
		}
		locs[1], err = b.Insert("b", map[string]any{"v": float64(2)})
		if err != nil {
			return err
		}
		locs[2], err = b.Insert("c", map[string]any{"v": float64(3)})
		return err
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}

	stats := e.Stats()
	if stats.DocumentCount != 3 {
		t.Errorf("DocumentCount after batch: got %d, want 3", stats.DocumentCount)
	}
	for i, loc := range locs {
		if _, err := e.Read(loc); err != nil {
			t.Errorf("Read(%d) after batch: %v", i, err)
		}
	}
}

// TestResetClearsEngine verifies that Reset truncates the file and
// drops the free list and counters.
func TestResetClearsEngine(t *testing.T) {
	e := openTestEngine(t)
	e.Insert(map[string]any{"v": "a"})
	e.Insert(map[string]any{"v": "b"})

	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	stats := e.Stats()
	if stats.DocumentCount != 0 || stats.FileSize != DataHeaderSize {
		t.Errorf("Stats after Reset = %+v, want empty header-only file", stats)
	}
}
