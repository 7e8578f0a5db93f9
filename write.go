// Insert, Update, Batch, and WriteMany: the mutation surface of the
// storage engine (§4.3).
package smoldb

import "fmt"

// Insert encodes doc to JSON and writes it as a new document, routing
// through the blob path when the encoding exceeds BlobThreshold.
func (e *StorageEngine) Insert(doc any) (DocumentLocation, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.insertLocked(doc, "")
}

// insertLocked is Insert's body, also used by WriteMany's degraded
// path; it flushes metadata itself. id is only needed to name a new
// blob file.
func (e *StorageEngine) insertLocked(doc any, id string) (DocumentLocation, error) {
	payload, err := encodeDocument(doc)
	if err != nil {
		return DocumentLocation{}, err
	}

	var loc DocumentLocation
	if e.isBlobSize(len(payload)) {
		loc, err = e.writeBlobLocked(id, payload)
	} else {
		loc, err = e.allocateAndWriteLocked(payload, false)
	}
	if err != nil {
		return DocumentLocation{}, err
	}

	e.header.DocumentCount++
	e.header.LiveDataSize += uint64(len(payload))
	if err := e.flushMetadataLocked(); err != nil {
		return DocumentLocation{}, err
	}
	return loc, nil
}

func (e *StorageEngine) isBlobSize(n int) bool {
	return e.config.BlobThreshold > 0 && uint64(n) > e.config.BlobThreshold
}

// writeBlobLocked writes doc's payload to a blob file and an inline
// reference slot, returning the reference slot's location.
func (e *StorageEngine) writeBlobLocked(id string, payload []byte) (DocumentLocation, error) {
	ref, err := writeBlob(e.blobDir, id, payload, e.config.SyncWrites)
	if err != nil {
		return DocumentLocation{}, err
	}
	refBytes, err := encodeBlobReference(ref)
	if err != nil {
		return DocumentLocation{}, err
	}
	return e.allocateAndWriteLocked(refBytes, true)
}

// oldPayloadInfo returns the byte count that counted toward
// liveDataSize for an existing location (the document's original
// size for blobs, the slot length otherwise) and, for blobs, the
// decoded reference so the caller can find/replace the blob file.
func (e *StorageEngine) oldPayloadInfo(old DocumentLocation) (uint64, *BlobReference, error) {
	if !old.IsBlob {
		return uint64(old.Length), nil, nil
	}
	refBytes, err := e.readSlotPayload(old)
	if err != nil {
		return 0, nil, err
	}
	ref, err := decodeBlobReference(refBytes)
	if err != nil {
		return 0, nil, err
	}
	return ref.OriginalSize, ref, nil
}

// Update replaces the document at old with doc, choosing in-place
// rewrite, relocation, or a blob-mode transition per the table in
// §4.3. id is only used to name the blob file when (re)entering blob
// mode.
func (e *StorageEngine) Update(id string, doc any, old DocumentLocation) (DocumentLocation, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.updateLocked(id, doc, old)
}

func (e *StorageEngine) updateLocked(id string, doc any, old DocumentLocation) (DocumentLocation, error) {
	payload, err := encodeDocument(doc)
	if err != nil {
		return DocumentLocation{}, err
	}
	newIsBlob := e.isBlobSize(len(payload))

	oldBytes, oldRef, err := e.oldPayloadInfo(old)
	if err != nil {
		return DocumentLocation{}, err
	}

	var newLoc DocumentLocation
	switch {
	case !old.IsBlob && !newIsBlob:
		newLoc, err = e.updateInlineToInline(old, payload)
	case !old.IsBlob && newIsBlob:
		if err := e.freeSlotLocked(old); err != nil {
			return DocumentLocation{}, err
		}
		newLoc, err = e.writeBlobLocked(id, payload)
	case old.IsBlob && newIsBlob:
		newLoc, err = e.updateBlobToBlob(id, old, payload)
	case old.IsBlob && !newIsBlob:
		if derr := deleteBlob(e.blobDir, oldRef); derr != nil {
			return DocumentLocation{}, derr
		}
		if err := e.freeSlotLocked(old); err != nil {
			return DocumentLocation{}, err
		}
		newLoc, err = e.allocateAndWriteLocked(payload, false)
	}
	if err != nil {
		return DocumentLocation{}, err
	}

	e.header.LiveDataSize = adjustLive(e.header.LiveDataSize, oldBytes, uint64(len(payload)))
	if err := e.flushMetadataLocked(); err != nil {
		return DocumentLocation{}, err
	}
	return newLoc, nil
}

func adjustLive(live, oldBytes, newBytes uint64) uint64 {
	live -= oldBytes
	live += newBytes
	return live
}

func (e *StorageEngine) updateInlineToInline(old DocumentLocation, payload []byte) (DocumentLocation, error) {
	if fits(len(payload), old.SlabSize) {
		return e.rewriteInPlaceLocked(old, payload, false)
	}
	if err := e.freeSlotLocked(old); err != nil {
		return DocumentLocation{}, err
	}
	return e.allocateAndWriteLocked(payload, false)
}

func (e *StorageEngine) updateBlobToBlob(id string, old DocumentLocation, payload []byte) (DocumentLocation, error) {
	ref, err := writeBlob(e.blobDir, id, payload, e.config.SyncWrites)
	if err != nil {
		return DocumentLocation{}, err
	}
	refBytes, err := encodeBlobReference(ref)
	if err != nil {
		return DocumentLocation{}, err
	}
	if fits(len(refBytes), old.SlabSize) {
		return e.rewriteInPlaceLocked(old, refBytes, true)
	}
	if err := e.freeSlotLocked(old); err != nil {
		return DocumentLocation{}, err
	}
	return e.allocateAndWriteLocked(refBytes, true)
}

// WriteItem is one member of a WriteMany batch.
type WriteItem struct {
	ID  string
	Doc any
}

// WriteMany bulk-inserts inline-sized documents with a single
// positional write for the whole contiguous run (§4.3). Any item
// whose encoding would exceed BlobThreshold degrades the entire call
// to a regular batched sequence of Insert calls.
func (e *StorageEngine) WriteMany(items []WriteItem) ([]DocumentLocation, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	encoded := make([][]byte, len(items))
	for i, item := range items {
		b, err := encodeDocument(item.Doc)
		if err != nil {
			return nil, fmt.Errorf("smoldb: writeMany: encode %q: %w", item.ID, err)
		}
		encoded[i] = b
		if e.isBlobSize(len(b)) {
			// Degrade: regular batched sequence, one insert per item.
			return e.writeManyDegraded(items)
		}
	}

	locations := make([]DocumentLocation, len(items))
	offset := int64(e.header.NextSlotOffset)
	var run []byte
	var liveDelta uint64

	for i, payload := range encoded {
		slabSize := slabSizeFor(len(payload))
		buf := buildSlot(flagActive, payload, slabSize)
		locations[i] = DocumentLocation{Offset: offset, Length: uint32(len(payload)), SlabSize: slabSize}
		run = append(run, buf...)
		offset += int64(slabSize)
		liveDelta += uint64(len(payload))
	}

	if _, err := e.fileHandle().WriteAt(run, int64(e.header.NextSlotOffset)); err != nil {
		return nil, fmt.Errorf("smoldb: writeMany: %w", err)
	}

	e.header.NextSlotOffset = uint64(offset)
	e.header.FileSize = e.header.NextSlotOffset
	e.header.DocumentCount += uint64(len(items))
	e.header.LiveDataSize += liveDelta
	if err := e.flushMetadataLocked(); err != nil {
		return nil, err
	}
	return locations, nil
}

func (e *StorageEngine) writeManyDegraded(items []WriteItem) ([]DocumentLocation, error) {
	locations := make([]DocumentLocation, len(items))
	for i, item := range items {
		loc, err := e.insertLocked(item.Doc, item.ID)
		if err != nil {
			return nil, err
		}
		locations[i] = loc
	}
	return locations, nil
}

// WriteBatch exposes write/update/delete operating under a single
// held write lock (§4.3). It supports one level of batching — a
// callback that itself opens another Batch would deadlock, which
// matches real usage (batches are a leaf operation, not composed).
type WriteBatch struct {
	engine *StorageEngine
}

// Insert writes a new document under the batch's held lock.
func (b *WriteBatch) Insert(id string, doc any) (DocumentLocation, error) {
	payload, err := encodeDocument(doc)
	if err != nil {
		return DocumentLocation{}, err
	}
	var loc DocumentLocation
	if b.engine.isBlobSize(len(payload)) {
		loc, err = b.engine.writeBlobLocked(id, payload)
	} else {
		loc, err = b.engine.allocateAndWriteLocked(payload, false)
	}
	if err != nil {
		return DocumentLocation{}, err
	}
	b.engine.header.DocumentCount++
	b.engine.header.LiveDataSize += uint64(len(payload))
	return loc, nil
}

// Update rewrites an existing document under the batch's held lock.
func (b *WriteBatch) Update(id string, doc any, old DocumentLocation) (DocumentLocation, error) {
	e := b.engine
	payload, err := encodeDocument(doc)
	if err != nil {
		return DocumentLocation{}, err
	}
	newIsBlob := e.isBlobSize(len(payload))
	oldBytes, oldRef, err := e.oldPayloadInfo(old)
	if err != nil {
		return DocumentLocation{}, err
	}

	var newLoc DocumentLocation
	switch {
	case !old.IsBlob && !newIsBlob:
		newLoc, err = e.updateInlineToInline(old, payload)
	case !old.IsBlob && newIsBlob:
		if err := e.freeSlotLocked(old); err != nil {
			return DocumentLocation{}, err
		}
		newLoc, err = e.writeBlobLocked(id, payload)
	case old.IsBlob && newIsBlob:
		newLoc, err = e.updateBlobToBlob(id, old, payload)
	case old.IsBlob && !newIsBlob:
		if derr := deleteBlob(e.blobDir, oldRef); derr != nil {
			return DocumentLocation{}, derr
		}
		if err := e.freeSlotLocked(old); err != nil {
			return DocumentLocation{}, err
		}
		newLoc, err = e.allocateAndWriteLocked(payload, false)
	}
	if err != nil {
		return DocumentLocation{}, err
	}
	e.header.LiveDataSize = adjustLive(e.header.LiveDataSize, oldBytes, uint64(len(payload)))
	return newLoc, nil
}

// Delete removes a document under the batch's held lock.
func (b *WriteBatch) Delete(old DocumentLocation) error {
	return b.engine.deleteLocked(old)
}

// Batch acquires the write lock once, runs fn with a WriteBatch that
// shares it, and flushes metadata a single time when fn returns.
func (e *StorageEngine) Batch(fn func(*WriteBatch) error) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	b := &WriteBatch{engine: e}
	if err := fn(b); err != nil {
		return err
	}
	return e.flushMetadataLocked()
}

// Reset truncates the data file to zero, rewrites a fresh header, and
// clears the free list and all counters. Blob files are not touched,
// since the storage engine has no record of which ids owned which
// blobs once the index is gone (§4.3 reset); Collection.Reset leaves
// them in place as well.
func (e *StorageEngine) Reset() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	f := e.fileHandle()
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("smoldb: truncate data file: %w", err)
	}
	header := newDataFileHeader()
	if _, err := f.WriteAt(header.encode(), 0); err != nil {
		return fmt.Errorf("smoldb: reinit data file: %w", err)
	}
	if e.config.SyncWrites {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("smoldb: fsync reset data file: %w", err)
		}
	}

	e.header = header
	e.free.reset()
	if e.shared != nil {
		e.shared.publish(e.header.FileSize, e.header.LiveDataSize, e.header.DocumentCount)
	}
	return nil
}
