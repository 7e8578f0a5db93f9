// Read path: lock-free slot fetch, CRC validation, and blob dispatch
// (§4.4).
package smoldb

import (
	"errors"
	"fmt"
	"io"
)

// readSlotPayload reads a slot's header and payload bytes at loc and
// validates its CRC, returning the raw payload (the document JSON for
// inline slots, the BlobReference JSON for blob slots). It does not
// take writeMu: positional reads are safe to run concurrently with
// writes to other slots; racing a write to the same slot, a read sees
// the old bytes, the new bytes, or a torn mix that fails the CRC check
// (§4.4, storage.go package doc).
func (e *StorageEngine) readSlotPayload(loc DocumentLocation) ([]byte, error) {
	buf := make([]byte, loc.SlabSize)
	if _, err := e.fileHandle().ReadAt(buf, loc.Offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &CorruptedDataError{Offset: loc.Offset, Reason: "unexpected EOF"}
		}
		return nil, fmt.Errorf("smoldb: read slot at %d: %w", loc.Offset, err)
	}

	hdr := decodeSlotHeader(buf[:SlotHeaderSize])
	if !hdr.active() {
		return nil, &CorruptedDataError{Offset: loc.Offset, Reason: "slot is not active"}
	}
	if hdr.DataLength != loc.Length {
		return nil, &CorruptedDataError{Offset: loc.Offset, Reason: "slot data length does not match index"}
	}

	end := SlotHeaderSize + int(hdr.DataLength)
	if end > len(buf) {
		return nil, &CorruptedDataError{Offset: loc.Offset, Reason: "slot data length exceeds slab size"}
	}
	payload := buf[SlotHeaderSize:end]

	actual := checksum(payload)
	if actual != hdr.Checksum {
		return nil, &ChecksumMismatchError{Offset: loc.Offset, Expected: hdr.Checksum, Actual: actual}
	}
	return payload, nil
}

// Read fetches and decodes the document at loc, transparently
// dereferencing a blob reference when the slot is blob-flagged.
func (e *StorageEngine) Read(loc DocumentLocation) (map[string]any, error) {
	payload, err := e.readSlotPayload(loc)
	if err != nil {
		return nil, err
	}

	if !loc.IsBlob {
		return decodeDocument(payload)
	}

	ref, err := decodeBlobReference(payload)
	if err != nil {
		return nil, err
	}
	body, err := readBlob(e.blobDir, ref)
	if err != nil {
		return nil, err
	}
	return decodeDocument(body)
}
