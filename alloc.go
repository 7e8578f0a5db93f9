// Slab allocator and free list (§4.2).
//
// Size classes bound internal fragmentation to a small, fixed set of
// shapes: three small fixed classes, then 4096-byte alignment for
// anything larger. The free list is an unordered slice scanned
// first-fit, exactly as specified — no splitting, no size-class
// bucketing. See SPEC_FULL.md §6 for why those optimizations are
// named but not built.
package smoldb

// slabClasses are the fixed small size classes (§4.2); anything
// requiring more than the largest class falls through to 4096-byte
// alignment.
var slabClasses = [...]uint32{1024, 8192, 65536}

const slabAlignment = 4096

// slabSizeFor returns the smallest slab size that can hold a payload
// of n bytes (n + SlotHeaderSize must fit).
func slabSizeFor(n int) uint32 {
	need := uint32(n) + SlotHeaderSize
	for _, class := range slabClasses {
		if class >= need {
			return class
		}
	}
	return ((need + slabAlignment - 1) / slabAlignment) * slabAlignment
}

// allocation is the result of a free-list/append allocation decision.
type allocation struct {
	Offset   int64
	SlabSize uint32
	Reused   bool
}

// freeList is the unordered set of reusable slots for one collection's
// data file. Not safe for concurrent use; callers serialize access
// via the storage engine's write lock.
type freeList struct {
	entries []FreeSlot
}

// allocate returns a slot able to hold a payload requiring slabSize
// bytes, reusing the first free-list entry whose own slab size is at
// least slabSize (first-fit over an unordered list, §4.2). The
// allocator returns the free slot's original slab size verbatim —
// the caller must rewrite the slot with that larger size; there is no
// splitting of the remainder.
func (fl *freeList) allocate(slabSize uint32, nextSlotOffset int64) allocation {
	for i, entry := range fl.entries {
		if entry.SlabSize >= slabSize {
			fl.entries = append(fl.entries[:i], fl.entries[i+1:]...)
			return allocation{Offset: entry.Offset, SlabSize: entry.SlabSize, Reused: true}
		}
	}
	return allocation{Offset: nextSlotOffset, SlabSize: slabSize, Reused: false}
}

// free adds a freed slot back to the list for future reuse.
func (fl *freeList) free(offset int64, slabSize uint32) {
	fl.entries = append(fl.entries, FreeSlot{Offset: offset, SlabSize: slabSize})
}

// reset discards all free-list entries (used by compaction and Reset).
func (fl *freeList) reset() {
	fl.entries = fl.entries[:0]
}

// count and bytes report free-list size for Stats (§5 supplement).
func (fl *freeList) count() int {
	return len(fl.entries)
}

func (fl *freeList) bytes() uint64 {
	var total uint64
	for _, e := range fl.entries {
		total += uint64(e.SlabSize)
	}
	return total
}
