// Storage engine: owns the data-file handle, header, and free list
// for one collection (§2 item 3, §4.3).
//
// All public mutations run under a single write lock (writeMu).
// Reads never take it — they depend only on monotonically written
// slot bytes and the caller-supplied DocumentLocation, so a read can
// run concurrently with a write to a different document, or even race
// a write to the same one (it will observe either the old bytes, the
// new bytes, or — very rarely — a torn write that fails its CRC check,
// which is an acceptable, documented outcome per §4.4/§5).
package smoldb

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
)

// EngineConfig configures a StorageEngine (§6.5). OpenStorageEngine
// uses it as given; database-wide defaults are applied by Init.
type EngineConfig struct {
	BlobThreshold uint64 // 0 disables blob routing
	SyncWrites    bool   // fsync the header after each flush
}

// StorageEngine is the per-collection owner of the data file, its
// header, and the in-memory free list.
type StorageEngine struct {
	dataPath string
	blobDir  string
	config   EngineConfig

	// filePtr is swapped atomically by Compact so a reader mid-ReadAt
	// never blocks on writeMu: it either loads the old handle or the
	// new one. The old handle stays open until the engine itself is
	// next reopened, so an in-flight read against it still succeeds
	// after a swap (§4.7).
	filePtr atomic.Pointer[os.File]
	header  *DataFileHeader
	free    freeList

	writeMu sync.Mutex

	// shared, when non-nil, is published to after every flush (§4.8's
	// "foreground counterpart"). Wired by the collection coordinator.
	shared *SharedState
}

// fileHandle returns the current data-file handle. Safe to call
// without holding writeMu.
func (e *StorageEngine) fileHandle() *os.File {
	return e.filePtr.Load()
}

// OpenStorageEngine opens or creates the data file at dataPath. blobDir
// is created lazily on first blob write.
func OpenStorageEngine(dataPath, blobDir string, config EngineConfig) (*StorageEngine, error) {
	f, isNew, err := openOrCreateDataFile(dataPath)
	if err != nil {
		return nil, err
	}

	hdr, err := readDataFileHeader(f, dataPath)
	if err != nil {
		f.Close()
		return nil, err
	}
	_ = isNew

	e := &StorageEngine{
		dataPath: dataPath,
		blobDir:  blobDir,
		config:   config,
		header:   hdr,
	}
	e.filePtr.Store(f)
	return e, nil
}

func openOrCreateDataFile(path string) (*os.File, bool, error) {
	_, err := os.Stat(path)
	isNew := os.IsNotExist(err)
	if isNew {
		f, err := os.Create(path)
		if err != nil {
			return nil, false, fmt.Errorf("smoldb: create data file %q: %w", path, err)
		}
		if _, err := f.Write(newDataFileHeader().encode()); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("smoldb: init data file %q: %w", path, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, false, err
		}
		if err := f.Close(); err != nil {
			return nil, false, err
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("smoldb: open data file %q: %w", path, err)
	}
	return f, isNew, nil
}

// Close flushes the header and releases the file handle.
func (e *StorageEngine) Close() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	f := e.fileHandle()
	if err := e.flushMetadataLocked(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// flushMetadataLocked writes the header at offset 0 (§4.3 "flush")
// and publishes counters to shared state. Caller must hold writeMu.
func (e *StorageEngine) flushMetadataLocked() error {
	f := e.fileHandle()
	if _, err := f.WriteAt(e.header.encode(), 0); err != nil {
		return fmt.Errorf("smoldb: flush header: %w", err)
	}
	if e.config.SyncWrites {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("smoldb: fsync header: %w", err)
		}
	}
	if e.shared != nil {
		e.shared.publish(e.header.FileSize, e.header.LiveDataSize, e.header.DocumentCount)
	}
	return nil
}

// encodeDocument marshals a document to JSON via goccy/go-json, the
// one JSON codec used throughout the engine (SPEC_FULL.md §2).
func encodeDocument(doc any) ([]byte, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("smoldb: encode document: %w", err)
	}
	return b, nil
}

func decodeDocument(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("smoldb: decode document: %w", err)
	}
	return m, nil
}

// allocateAndWriteLocked picks a slab (reusing a free-list entry when
// possible), writes the full slot buffer, and advances the tail when
// the slab was freshly appended. Caller must hold writeMu.
func (e *StorageEngine) allocateAndWriteLocked(payload []byte, blob bool) (DocumentLocation, error) {
	slabSize := slabSizeFor(len(payload))
	alloc := e.free.allocate(slabSize, int64(e.header.NextSlotOffset))

	flags := flagActive
	if blob {
		flags |= flagBlob
	}
	buf := buildSlot(flags, payload, alloc.SlabSize)
	if _, err := e.fileHandle().WriteAt(buf, alloc.Offset); err != nil {
		return DocumentLocation{}, fmt.Errorf("smoldb: write slot at %d: %w", alloc.Offset, err)
	}

	if !alloc.Reused {
		e.header.NextSlotOffset += uint64(alloc.SlabSize)
		e.header.FileSize = e.header.NextSlotOffset
	}

	return DocumentLocation{
		Offset:   alloc.Offset,
		Length:   uint32(len(payload)),
		SlabSize: alloc.SlabSize,
		IsBlob:   blob,
	}, nil
}

// rewriteInPlaceLocked overwrites a slot's payload without touching
// its offset or slab size, recomputing length and CRC.
func (e *StorageEngine) rewriteInPlaceLocked(loc DocumentLocation, payload []byte, blob bool) (DocumentLocation, error) {
	flags := flagActive
	if blob {
		flags |= flagBlob
	}
	buf := buildSlot(flags, payload, loc.SlabSize)
	if _, err := e.fileHandle().WriteAt(buf, loc.Offset); err != nil {
		return DocumentLocation{}, fmt.Errorf("smoldb: rewrite slot at %d: %w", loc.Offset, err)
	}
	loc.Length = uint32(len(payload))
	loc.IsBlob = blob
	return loc, nil
}

// freeSlotLocked clears the ACTIVE bit on disk (a single 4-byte
// positional write, per §3) and returns the slot to the free list.
func (e *StorageEngine) freeSlotLocked(loc DocumentLocation) error {
	flags := uint32(0)
	if loc.IsBlob {
		flags |= flagBlob
	}
	var buf [4]byte
	putU32(buf[:], flags)
	if _, err := e.fileHandle().WriteAt(buf[:], loc.Offset); err != nil {
		return fmt.Errorf("smoldb: free slot at %d: %w", loc.Offset, err)
	}
	e.free.free(loc.Offset, loc.SlabSize)
	return nil
}

// fits reports whether a payload of n bytes can be rewritten in place
// within a slot of the given slab size (§4.3 table: "fits |B|+16 ≤
// old.slabSize").
func fits(n int, slabSize uint32) bool {
	return uint32(n)+SlotHeaderSize <= slabSize
}

// StorageStats is the snapshot returned by Stats (§5 supplement).
type StorageStats struct {
	FileSize       uint64
	LiveDataSize   uint64
	DocumentCount  uint64
	NextSlotOffset uint64
	FreeSlotCount  int
	FreeBytes      uint64
}

// Stats returns a point-in-time snapshot of the engine's counters.
func (e *StorageEngine) Stats() StorageStats {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return StorageStats{
		FileSize:       e.header.FileSize,
		LiveDataSize:   e.header.LiveDataSize,
		DocumentCount:  e.header.DocumentCount,
		NextSlotOffset: e.header.NextSlotOffset,
		FreeSlotCount:  e.free.count(),
		FreeBytes:      e.free.bytes(),
	}
}
