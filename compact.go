// Compaction: rebuild the data file with only live documents, packed
// back-to-back, via a temp file and atomic rename (§4.7).
//
// Compaction needs to know every live document's id and current
// location, in a stable order — the collection coordinator owns that
// (the primary index), so it drives the rewrite through CompactEntry
// slices rather than the engine walking its own file.
package smoldb

import (
	"fmt"
	"os"
)

// CompactEntry is one document the caller wants preserved across
// compaction, identified by its current location.
type CompactEntry struct {
	ID  string
	Loc DocumentLocation
}

// CompactResult reports what changed so the caller can update its
// primary index in place.
type CompactResult struct {
	NewLocations map[string]DocumentLocation
	BytesFreed   uint64
}

// Compact rewrites the data file into a fresh, tightly packed file
// containing only the slots named by entries, in the given order, then
// atomically replaces the live file. Blob files are untouched — only
// inline slots and blob-reference slots move.
//
// Compact takes the write lock for its whole duration: a compaction
// that let concurrent writes interleave would need to reconcile two
// moving tails, which the spec does not require (§4.7, "Open
// Questions").
func (e *StorageEngine) Compact(entries []CompactEntry) (*CompactResult, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tmpPath := e.dataPath + ".compact.tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("smoldb: create compaction temp file: %w", err)
	}

	if _, err := tmp.Write(make([]byte, DataHeaderSize)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("smoldb: init compaction temp file: %w", err)
	}

	ow := &offsetWriter{w: tmp, off: DataHeaderSize}
	newLocations := make(map[string]DocumentLocation, len(entries))
	var liveDataSize uint64

	for _, entry := range entries {
		payload, err := e.readSlotPayload(entry.Loc)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return nil, fmt.Errorf("smoldb: compact %q: %w", entry.ID, err)
		}

		flags := flagActive
		if entry.Loc.IsBlob {
			flags |= flagBlob
		}
		// Compacted slots get the smallest slab class that fits their
		// payload, not their old slab size: shrinking here is how
		// compaction reclaims space held by oversized free-list reuse
		// or by in-place updates that shrank a document.
		slabSize := slabSizeFor(len(payload))
		buf := buildSlot(flags, payload, slabSize)

		newLoc := DocumentLocation{
			Offset:   ow.off,
			Length:   uint32(len(payload)),
			SlabSize: slabSize,
			IsBlob:   entry.Loc.IsBlob,
		}
		if _, err := ow.Write(buf); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return nil, fmt.Errorf("smoldb: write compacted slot: %w", err)
		}
		newLocations[entry.ID] = newLoc
		liveDataSize += uint64(len(payload))
	}

	fileSize := uint64(ow.off)
	newHeader := &DataFileHeader{
		Magic:          dataMagic,
		Version:        dataFileVersion,
		FileSize:       fileSize,
		LiveDataSize:   liveDataSize,
		DocumentCount:  uint64(len(entries)),
		NextSlotOffset: fileSize,
	}
	if _, err := tmp.WriteAt(newHeader.encode(), 0); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("smoldb: write compacted header: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("smoldb: fsync compacted file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("smoldb: close compacted file: %w", err)
	}

	oldFileSize := e.header.FileSize
	oldFile := e.fileHandle()

	if err := os.Rename(tmpPath, e.dataPath); err != nil {
		return nil, fmt.Errorf("smoldb: rename compacted file: %w", err)
	}

	f, err := os.OpenFile(e.dataPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("smoldb: reopen compacted file: %w", err)
	}
	// Swap the pointer before closing the old handle: a reader that
	// loaded oldFile a moment ago keeps reading its (now unlinked but
	// still open) inode to completion; only readers that load the
	// pointer after this point see the new file.
	e.filePtr.Store(f)
	oldFile.Close()

	e.header = newHeader
	e.free.reset()

	bytesFreed := oldFileSize - fileSize
	if e.shared != nil {
		e.shared.publish(e.header.FileSize, e.header.LiveDataSize, e.header.DocumentCount)
	}

	return &CompactResult{NewLocations: newLocations, BytesFreed: bytesFreed}, nil
}

// offsetWriter tracks write position for sequential positional writes,
// the same small helper the teacher uses for its repair rewrite.
type offsetWriter struct {
	w   interface {
		WriteAt([]byte, int64) (int, error)
	}
	off int64
}

func (ow *offsetWriter) Write(p []byte) (int, error) {
	n, err := ow.w.WriteAt(p, ow.off)
	ow.off += int64(n)
	return n, err
}
