// Document deletion: blob cleanup, slot freeing, counter maintenance
// (§4.3, §4.6).
package smoldb

// Delete removes the document at old: its blob file (if any), then its
// slot, freeing the slab and decrementing the live counters.
func (e *StorageEngine) Delete(old DocumentLocation) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.deleteLocked(old); err != nil {
		return err
	}
	return e.flushMetadataLocked()
}

// deleteLocked is Delete's body, shared with WriteBatch.Delete. It
// updates in-memory counters but leaves flushing the header to the
// caller, so a batch can delete many documents and flush once. Caller
// must hold writeMu.
func (e *StorageEngine) deleteLocked(old DocumentLocation) error {
	oldBytes, oldRef, err := e.oldPayloadInfo(old)
	if err != nil {
		return err
	}
	if old.IsBlob {
		if err := deleteBlob(e.blobDir, oldRef); err != nil {
			return err
		}
	}
	if err := e.freeSlotLocked(old); err != nil {
		return err
	}

	e.header.DocumentCount--
	e.header.LiveDataSize -= oldBytes
	return nil
}
