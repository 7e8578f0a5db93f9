// Blob file storage tests: compression round-trip and corruption
// detection (§4.5).
package smoldb

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// TestWriteReadBlobRoundTrip verifies that a blob body survives
// zstd compression and decompression unchanged.
func TestWriteReadBlobRoundTrip(t *testing.T) {
	dir := t.TempDir()
	body := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)

	ref, err := writeBlob(dir, "doc1", body, false)
	if err != nil {
		t.Fatalf("writeBlob: %v", err)
	}
	if ref.OriginalSize != uint64(len(body)) {
		t.Errorf("ref.OriginalSize = %d, want %d", ref.OriginalSize, len(body))
	}
	if ref.Size == 0 {
		t.Error("ref.Size should be nonzero")
	}

	got, err := readBlob(dir, ref)
	if err != nil {
		t.Fatalf("readBlob: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Error("readBlob returned a body that doesn't match what was written")
	}
}

// TestWriteBlobCompressesRepetitiveContent verifies the compressed
// size is meaningfully smaller than the original for highly repetitive
// input, confirming compression actually ran rather than storing the
// body raw.
func TestWriteBlobCompressesRepetitiveContent(t *testing.T) {
	dir := t.TempDir()
	body := bytes.Repeat([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 1000)

	ref, err := writeBlob(dir, "doc1", body, false)
	if err != nil {
		t.Fatalf("writeBlob: %v", err)
	}
	if ref.Size >= uint64(len(body)) {
		t.Errorf("compressed size %d should be well under original size %d", ref.Size, len(body))
	}
}

// TestReadBlobDetectsCorruption verifies that corrupting a blob file
// on disk is caught by readBlob's CRC-32 check rather than silently
// decompressing garbage (P4).
func TestReadBlobDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	ref, err := writeBlob(dir, "doc1", []byte("hello world"), false)
	if err != nil {
		t.Fatalf("writeBlob: %v", err)
	}

	path := filepath.Join(dir, ref.Path)
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("os.ReadFile: %v", err)
	}
	buf[0] ^= 0xFF
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	if _, err := readBlob(dir, ref); err == nil {
		t.Fatal("readBlob after corruption should fail")
	} else if _, ok := err.(*ChecksumMismatchError); !ok {
		t.Errorf("readBlob after corruption: got %T, want *ChecksumMismatchError", err)
	}
}

// TestDeleteBlobToleratesMissingFile verifies that deleting an
// already-absent blob is not an error (a crash between writing the new
// slot and removing the old blob must not fail the caller twice).
func TestDeleteBlobToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	ref := &BlobReference{Path: "never-written.blob"}
	if err := deleteBlob(dir, ref); err != nil {
		t.Errorf("deleteBlob on a missing file: %v, want nil", err)
	}
}

// TestDeleteBlobRemovesFile verifies that an existing blob file is
// actually removed.
func TestDeleteBlobRemovesFile(t *testing.T) {
	dir := t.TempDir()
	ref, err := writeBlob(dir, "doc1", []byte("payload"), false)
	if err != nil {
		t.Fatalf("writeBlob: %v", err)
	}

	if err := deleteBlob(dir, ref); err != nil {
		t.Fatalf("deleteBlob: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ref.Path)); !os.IsNotExist(err) {
		t.Error("blob file should no longer exist after deleteBlob")
	}
}

// TestBlobReferenceEncodeDecodeRoundTrip verifies the small JSON
// reference payload itself round-trips through encode/decode.
func TestBlobReferenceEncodeDecodeRoundTrip(t *testing.T) {
	ref := &BlobReference{Path: "a.blob", Size: 42, CRC32: 0xdeadbeef, OriginalSize: 100}
	buf, err := encodeBlobReference(ref)
	if err != nil {
		t.Fatalf("encodeBlobReference: %v", err)
	}
	got, err := decodeBlobReference(buf)
	if err != nil {
		t.Fatalf("decodeBlobReference: %v", err)
	}
	if *got != *ref {
		t.Errorf("decoded = %+v, want %+v", *got, *ref)
	}
}
