// Index manager tests: primary map, secondary posting lists, and
// binary persistence round-trip (§4.6, §6.2).
package smoldb

import (
	"os"
	"path/filepath"
	"testing"
)

func readNop(DocumentLocation) (map[string]any, error) { return nil, nil }

// TestIndexAddGetRemove verifies the primary map's basic lifecycle.
func TestIndexAddGetRemove(t *testing.T) {
	im := NewIndexManager("")
	loc := DocumentLocation{Offset: 64, Length: 10, SlabSize: 1024}

	im.Add("a", loc, map[string]any{"v": float64(1)})
	got, ok := im.Get("a")
	if !ok || got != loc {
		t.Fatalf("Get(a) = %+v, %v; want %+v, true", got, ok, loc)
	}

	im.Remove("a", map[string]any{"v": float64(1)})
	if _, ok := im.Get("a"); ok {
		t.Error("Get(a) after Remove should report absent")
	}
}

// TestSecondaryIndexPostingLifecycle verifies that Add/Update/Remove
// keep a secondary index's posting lists consistent (§4.6 on
// add/update/remove).
func TestSecondaryIndexPostingLifecycle(t *testing.T) {
	im := NewIndexManager("")
	im.CreateSecondaryIndex("role", readNop)

	im.Add("u1", DocumentLocation{}, map[string]any{"role": "admin"})
	im.Add("u2", DocumentLocation{}, map[string]any{"role": "user"})

	ids, ok := im.Postings("role", serializeValue("admin"))
	if !ok || len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("Postings(role=admin) = %v, %v; want [u1], true", ids, ok)
	}

	im.Update("u2", DocumentLocation{}, map[string]any{"role": "user"}, map[string]any{"role": "admin"})
	ids, _ = im.Postings("role", serializeValue("admin"))
	if len(ids) != 2 {
		t.Fatalf("Postings(role=admin) after update: got %v, want 2 ids", ids)
	}
	ids, _ = im.Postings("role", serializeValue("user"))
	if len(ids) != 0 {
		t.Fatalf("Postings(role=user) after update: got %v, want none", ids)
	}

	im.Remove("u1", map[string]any{"role": "admin"})
	ids, _ = im.Postings("role", serializeValue("admin"))
	if len(ids) != 1 || ids[0] != "u2" {
		t.Fatalf("Postings(role=admin) after remove: got %v, want [u2]", ids)
	}
}

// TestCreateSecondaryIndexIdempotent verifies that building an index on
// an already-indexed path is a no-op rather than doubling postings.
func TestCreateSecondaryIndexIdempotent(t *testing.T) {
	im := NewIndexManager("")
	im.Add("u1", DocumentLocation{}, map[string]any{"role": "admin"})

	reads := map[string]map[string]any{"u1": {"role": "admin"}}
	read := func(loc DocumentLocation) (map[string]any, error) { return reads["u1"], nil }

	im.CreateSecondaryIndex("role", read)
	im.CreateSecondaryIndex("role", read)

	ids, _ := im.Postings("role", serializeValue("admin"))
	if len(ids) != 1 {
		t.Errorf("Postings after double CreateSecondaryIndex: got %d ids, want 1", len(ids))
	}
}

// TestIndexPersistLoadRoundTrip verifies §6.2's binary format: a
// persisted index, when loaded back, reproduces the same primary
// entries (in order) and the same secondary postings.
func TestIndexPersistLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "col.idx")

	im := NewIndexManager(path)
	im.CreateSecondaryIndex("role", readNop)
	im.Add("u1", DocumentLocation{Offset: 64, Length: 12, SlabSize: 1024}, map[string]any{"role": "admin"})
	im.Add("u2", DocumentLocation{Offset: 1088, Length: 8, SlabSize: 1024, IsBlob: true}, map[string]any{"role": "user"})

	if err := im.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	loaded, err := LoadIndexManager(path)
	if err != nil {
		t.Fatalf("LoadIndexManager: %v", err)
	}

	if loaded.size() != 2 {
		t.Fatalf("loaded size = %d, want 2", loaded.size())
	}
	loc, ok := loaded.Get("u1")
	if !ok || loc.Offset != 64 || loc.Length != 12 || loc.SlabSize != 1024 || loc.IsBlob {
		t.Errorf("loaded Get(u1) = %+v, %v", loc, ok)
	}
	loc2, ok := loaded.Get("u2")
	if !ok || !loc2.IsBlob {
		t.Errorf("loaded Get(u2) = %+v, %v; want IsBlob true", loc2, ok)
	}

	ids, ok := loaded.Postings("role", serializeValue("admin"))
	if !ok || len(ids) != 1 || ids[0] != "u1" {
		t.Errorf("loaded Postings(role=admin) = %v, %v", ids, ok)
	}
}

// TestLoadIndexManagerMissingFile verifies that loading a nonexistent
// index file yields a fresh, empty manager rather than an error (first
// open of a new collection).
func TestLoadIndexManagerMissingFile(t *testing.T) {
	dir := t.TempDir()
	im, err := LoadIndexManager(filepath.Join(dir, "missing.idx"))
	if err != nil {
		t.Fatalf("LoadIndexManager(missing): %v", err)
	}
	if im.size() != 0 {
		t.Errorf("fresh manager size = %d, want 0", im.size())
	}
}

// TestLoadIndexManagerBadMagic verifies that a file with the wrong
// magic number is rejected rather than silently misparsed.
func TestLoadIndexManagerBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.idx")
	buf := make([]byte, indexHeaderSize)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	_, err := LoadIndexManager(path)
	if err == nil {
		t.Fatal("LoadIndexManager(bad magic): expected an error")
	}
}

// TestReplaceLocationsOnlyTouchesKnownIds verifies ReplaceLocations
// ignores ids not present in the primary map (compaction is driven by
// the index's own id list, but defensive nonetheless).
func TestReplaceLocationsOnlyTouchesKnownIds(t *testing.T) {
	im := NewIndexManager("")
	im.Add("a", DocumentLocation{Offset: 1}, map[string]any{})

	im.ReplaceLocations(map[string]DocumentLocation{
		"a": {Offset: 2},
		"z": {Offset: 3},
	})

	loc, _ := im.Get("a")
	if loc.Offset != 2 {
		t.Errorf("Get(a) after ReplaceLocations = %+v, want offset 2", loc)
	}
	if _, ok := im.Get("z"); ok {
		t.Error("ReplaceLocations should not introduce ids absent from the primary map")
	}
}

