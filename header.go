// Data-file header management (§6.1).
//
// The header occupies the first DataHeaderSize bytes of every
// collection's data file: a magic number, a version, and four u64
// counters that the allocator and storage engine keep in sync on
// every write-path operation. It is re-read on Open and rewritten in
// full on every flush (flushMetadataLocked in storage.go), the same "one buffer, one syscall"
// discipline the teacher uses for its JSON header.
package smoldb

import "os"

// DataHeaderSize is the reserved header region; slots begin here.
const DataHeaderSize = 64

// dataMagic is 'S','M','O','L' read little-endian, per §6.1.
const dataMagic = 0x4C4F4D53

const dataFileVersion = 1

// DataFileHeader is the in-memory mirror of the 64-byte header at the
// start of a collection's data file.
type DataFileHeader struct {
	Magic          uint32
	Version        uint32
	FileSize       uint64
	LiveDataSize   uint64
	DocumentCount  uint64
	NextSlotOffset uint64
}

// newDataFileHeader returns the header for a freshly created data
// file: empty, with the next write landing right after the header.
func newDataFileHeader() *DataFileHeader {
	return &DataFileHeader{
		Magic:          dataMagic,
		Version:        dataFileVersion,
		FileSize:       DataHeaderSize,
		NextSlotOffset: DataHeaderSize,
	}
}

// encode serializes the header into exactly DataHeaderSize bytes; the
// trailing reserved bytes are zero.
func (h *DataFileHeader) encode() []byte {
	buf := make([]byte, DataHeaderSize)
	putU32(buf[0:4], h.Magic)
	putU32(buf[4:8], h.Version)
	putU64(buf[8:16], h.FileSize)
	putU64(buf[16:24], h.LiveDataSize)
	putU64(buf[24:32], h.DocumentCount)
	putU64(buf[32:40], h.NextSlotOffset)
	return buf
}

// decodeDataFileHeader parses and validates a header previously
// produced by encode.
func decodeDataFileHeader(buf []byte, path string) (*DataFileHeader, error) {
	if len(buf) < DataHeaderSize {
		return nil, &InvalidFileFormatError{Path: path, Reason: "file shorter than header"}
	}
	h := &DataFileHeader{
		Magic:          getU32(buf[0:4]),
		Version:        getU32(buf[4:8]),
		FileSize:       getU64(buf[8:16]),
		LiveDataSize:   getU64(buf[16:24]),
		DocumentCount:  getU64(buf[24:32]),
		NextSlotOffset: getU64(buf[32:40]),
	}
	if h.Magic != dataMagic {
		return nil, &InvalidFileFormatError{Path: path, Reason: "bad magic number"}
	}
	if h.Version != dataFileVersion {
		return nil, &InvalidFileFormatError{Path: path, Reason: "unsupported version"}
	}
	return h, nil
}

// readDataFileHeader reads and validates the header from an open file.
func readDataFileHeader(f *os.File, path string) (*DataFileHeader, error) {
	buf := make([]byte, DataHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return decodeDataFileHeader(buf, path)
}
