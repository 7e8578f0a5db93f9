// Slab allocator and free-list tests (§4.2, P5 slab tiling).
package smoldb

import "testing"

// TestSlabSizeForClasses verifies the fixed size classes and the
// 4096-byte alignment fallback (§4.2).
func TestSlabSizeForClasses(t *testing.T) {
	cases := []struct {
		n    int
		want uint32
	}{
		{0, 1024},
		{1024 - SlotHeaderSize, 1024},
		{1024 - SlotHeaderSize + 1, 8192},
		{8192 - SlotHeaderSize, 8192},
		{65536 - SlotHeaderSize, 65536},
		{65536 - SlotHeaderSize + 1, 69632}, // next 4096 multiple above 65536+16
	}
	for _, c := range cases {
		got := slabSizeFor(c.n)
		if got != c.want {
			t.Errorf("slabSizeFor(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

// TestSlabSizeForAlwaysFits verifies that the returned slab size always
// has room for the header plus the payload, across a spread of sizes.
func TestSlabSizeForAlwaysFits(t *testing.T) {
	for _, n := range []int{0, 1, 1023, 1024, 8191, 70000, 1 << 20} {
		size := slabSizeFor(n)
		if uint32(n)+SlotHeaderSize > size {
			t.Errorf("slabSizeFor(%d) = %d: too small to hold header+payload", n, size)
		}
	}
}

// TestFreeListFirstFit verifies first-fit reuse over an unordered free
// list: the first sufficient entry in list order is picked, even when a
// smaller sufficient one follows it, with no splitting (the allocator
// returns the entry's full size verbatim).
func TestFreeListFirstFit(t *testing.T) {
	var fl freeList
	fl.free(100, 8192)
	fl.free(200, 1024)

	alloc := fl.allocate(1024, 9999)
	if !alloc.Reused || alloc.Offset != 100 || alloc.SlabSize != 8192 {
		t.Errorf("allocate: got %+v, want reuse of the first sufficient entry (offset 100, size 8192)", alloc)
	}
	if fl.count() != 1 {
		t.Errorf("free list count after reuse: got %d, want 1", fl.count())
	}
}

// TestFreeListAppendsWhenNothingFits verifies that allocation falls
// through to the append path when no free-list entry is large enough.
func TestFreeListAppendsWhenNothingFits(t *testing.T) {
	var fl freeList
	fl.free(100, 1024)

	alloc := fl.allocate(8192, 5000)
	if alloc.Reused {
		t.Error("allocate: should not reuse a too-small free entry")
	}
	if alloc.Offset != 5000 || alloc.SlabSize != 8192 {
		t.Errorf("allocate append: got %+v, want offset 5000 size 8192", alloc)
	}
	// The too-small entry is still in the list, unreused.
	if fl.count() != 1 {
		t.Errorf("free list count unchanged: got %d, want 1", fl.count())
	}
}

// TestFreeListReset verifies that reset empties the list, used by
// compaction and Collection.Reset.
func TestFreeListReset(t *testing.T) {
	var fl freeList
	fl.free(0, 1024)
	fl.free(1024, 1024)
	fl.reset()
	if fl.count() != 0 || fl.bytes() != 0 {
		t.Errorf("reset: got count=%d bytes=%d, want 0, 0", fl.count(), fl.bytes())
	}
}
