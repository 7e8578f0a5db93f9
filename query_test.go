// Filter-query planning tests (§4.6 query algorithm, P7).
package smoldb

import "testing"

type queryFixture struct {
	im     *IndexManager
	docs   map[string]map[string]any
	byLoc  map[DocumentLocation]string
	nextID int64
}

func newQueryFixture() *queryFixture {
	return &queryFixture{
		im:    NewIndexManager(""),
		docs:  make(map[string]map[string]any),
		byLoc: make(map[DocumentLocation]string),
	}
}

// insert assigns each document a distinct fake location so the
// fixture's read function can tell documents apart, the way the real
// storage engine's offsets do.
func (f *queryFixture) insert(id string, doc map[string]any) {
	f.nextID++
	loc := DocumentLocation{Offset: f.nextID}
	f.docs[id] = doc
	f.byLoc[loc] = id
	f.im.Add(id, loc, doc)
}

func (f *queryFixture) read(loc DocumentLocation) (map[string]any, error) {
	return f.docs[f.byLoc[loc]], nil
}

// TestFindIdsFullyCoveredNoDocumentReads verifies P7: when every filter
// key is backed by a secondary index, FindIds never calls read.
func TestFindIdsFullyCoveredNoDocumentReads(t *testing.T) {
	im := NewIndexManager("")
	im.CreateSecondaryIndex("role", readNop)
	im.Add("u1", DocumentLocation{}, map[string]any{"role": "admin"})
	im.Add("u2", DocumentLocation{}, map[string]any{"role": "user"})

	var reads int
	read := func(loc DocumentLocation) (map[string]any, error) {
		reads++
		return nil, nil
	}

	ids, err := im.FindIds(map[string]any{"role": "admin"}, read)
	if err != nil {
		t.Fatalf("FindIds: %v", err)
	}
	if len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("FindIds(role=admin) = %v, want [u1]", ids)
	}
	if reads != 0 {
		t.Errorf("FindIds with a fully-covered filter performed %d document reads, want 0", reads)
	}
}

// TestFindIdsIntersectsMultipleIndexes verifies that a filter over two
// indexed keys intersects their posting lists.
func TestFindIdsIntersectsMultipleIndexes(t *testing.T) {
	im := NewIndexManager("")
	im.CreateSecondaryIndex("role", readNop)
	im.CreateSecondaryIndex("active", readNop)

	im.Add("u1", DocumentLocation{}, map[string]any{"role": "admin", "active": true})
	im.Add("u2", DocumentLocation{}, map[string]any{"role": "admin", "active": false})
	im.Add("u3", DocumentLocation{}, map[string]any{"role": "user", "active": true})

	ids, err := im.FindIds(map[string]any{"role": "admin", "active": true}, readNop)
	if err != nil {
		t.Fatalf("FindIds: %v", err)
	}
	if len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("FindIds(role=admin,active=true) = %v, want [u1]", ids)
	}
}

// TestFindIdsEmptyResultShortCircuits verifies that an indexed key with
// no matching postings yields an empty result without reading anything.
func TestFindIdsEmptyResultShortCircuits(t *testing.T) {
	im := NewIndexManager("")
	im.CreateSecondaryIndex("role", readNop)
	im.Add("u1", DocumentLocation{}, map[string]any{"role": "admin"})

	var reads int
	read := func(loc DocumentLocation) (map[string]any, error) {
		reads++
		return nil, nil
	}

	ids, err := im.FindIds(map[string]any{"role": "superadmin"}, read)
	if err != nil {
		t.Fatalf("FindIds: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("FindIds(role=superadmin) = %v, want none", ids)
	}
	if reads != 0 {
		t.Errorf("empty-result short circuit performed %d reads, want 0", reads)
	}
}

// TestFindIdsFallsBackToScanForUnindexedKey verifies that a filter key
// without a secondary index falls back to reading candidate documents
// and verifying with matches.
func TestFindIdsFallsBackToScanForUnindexedKey(t *testing.T) {
	f := newQueryFixture()
	f.insert("u1", map[string]any{"role": "admin", "country": "RO"})
	f.insert("u2", map[string]any{"role": "admin", "country": "US"})
	f.im.CreateSecondaryIndex("role", f.read)

	// country isn't indexed, so FindIds must fall back to scanning the
	// role-indexed candidates and filtering with matches.
	ids, err := f.im.FindIds(map[string]any{"role": "admin", "country": "RO"}, f.read)
	if err != nil {
		t.Fatalf("FindIds: %v", err)
	}
	if len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("FindIds(role=admin,country=RO) = %v, want [u1]", ids)
	}
}

// TestCountNilFilterReturnsTotal verifies that Count with a nil filter
// returns the total document count without planning a query.
func TestCountNilFilterReturnsTotal(t *testing.T) {
	im := NewIndexManager("")
	im.Add("a", DocumentLocation{}, map[string]any{})
	im.Add("b", DocumentLocation{}, map[string]any{})

	n, err := im.Count(nil, readNop)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count(nil) = %d, want 2", n)
	}
}
