// Blob storage for oversized documents (§4.5).
//
// A document whose JSON encoding exceeds Config.BlobThreshold is
// written to its own file under <basePath>/blobs/<collection>/<id>.blob
// instead of inline in a slot. The slot still exists — it carries a
// small BlobReference JSON payload with the BLOB flag set, and the
// primary index entry records only that flag (isBlob), not the blob
// file itself.
//
// SPEC_FULL.md supplements the wire format with zstd compression of
// the blob body (grounded in the teacher's compress.go, which makes
// the same write-hot/read-cold tradeoff for its history snapshots).
// The reference's CRC-32 protects exactly the bytes on disk — the
// compressed body — and OriginalSize carries the decompressed length
// so the storage engine can maintain liveDataSize in O(1) without
// decompressing on every accounting update.
package smoldb

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Shared zstd encoder/decoder: construction is expensive (internal
// tables), so one pair is built once at package init and reused across all blob
// writes/reads in the process, mirroring the teacher's package-level
// zstd singletons in compress.go.
var (
	blobEncoder *zstd.Encoder
	blobDecoder *zstd.Decoder
)

func init() {
	blobEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	blobDecoder, _ = zstd.NewReader(nil)
}

// BlobReference is the small JSON payload stored inside a BLOB-flagged
// slot in place of the document itself (§3, §6.3).
type BlobReference struct {
	Path         string `json:"path"`
	Size         uint64 `json:"size"`          // compressed bytes on disk
	CRC32        uint32 `json:"crc32"`         // over the compressed bytes
	OriginalSize uint64 `json:"originalSize"`  // decompressed document length, for I4 accounting
}

func encodeBlobReference(ref *BlobReference) ([]byte, error) {
	return json.Marshal(ref)
}

func decodeBlobReference(buf []byte) (*BlobReference, error) {
	var ref BlobReference
	if err := json.Unmarshal(buf, &ref); err != nil {
		return nil, fmt.Errorf("smoldb: decode blob reference: %w", err)
	}
	return &ref, nil
}

// blobPath returns the absolute path of a document's blob file.
func blobPath(blobDir, id string) string {
	return filepath.Join(blobDir, id+".blob")
}

// writeBlob compresses body and writes it to <blobDir>/<id>.blob,
// returning a reference describing what was written.
func writeBlob(blobDir, id string, body []byte, sync bool) (*BlobReference, error) {
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("smoldb: create blob dir: %w", err)
	}

	compressed := blobEncoder.EncodeAll(body, nil)
	path := blobPath(blobDir, id)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("smoldb: create blob %q: %w", path, err)
	}
	if _, err := f.Write(compressed); err != nil {
		f.Close()
		return nil, fmt.Errorf("smoldb: write blob %q: %w", path, err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("smoldb: fsync blob %q: %w", path, err)
		}
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("smoldb: close blob %q: %w", path, err)
	}

	return &BlobReference{
		Path:         id + ".blob",
		Size:         uint64(len(compressed)),
		CRC32:        checksum(compressed),
		OriginalSize: uint64(len(body)),
	}, nil
}

// readBlob reads, CRC-validates, and decompresses a blob body.
func readBlob(blobDir string, ref *BlobReference) ([]byte, error) {
	path := filepath.Join(blobDir, ref.Path)
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("smoldb: read blob %q: %w", path, err)
	}

	actual := checksum(compressed)
	if actual != ref.CRC32 {
		return nil, &ChecksumMismatchError{Expected: ref.CRC32, Actual: actual}
	}

	body, err := blobDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("smoldb: decompress blob %q: %w", path, err)
	}
	return body, nil
}

// deleteBlob removes a document's blob file. Missing files are not an
// error: downgrading to inline after a crash between writing the new
// slot and removing the old blob should not fail the caller twice.
func deleteBlob(blobDir string, ref *BlobReference) error {
	path := filepath.Join(blobDir, ref.Path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("smoldb: delete blob %q: %w", path, err)
	}
	return nil
}
