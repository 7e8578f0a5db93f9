// Slot format and the location types that describe where a document
// lives (§3, §4.2).
//
// A slot is a fixed-size region of the data file: a 16-byte header
// (flags, dataLength, slabSize, crc32) followed by slabSize-16 bytes
// of payload. Padding past dataLength is ignored on read; only the
// CRC over the first dataLength bytes is checked.
package smoldb

// SlotHeaderSize is the fixed header prepended to every slot's payload.
const SlotHeaderSize = 16

// Slot flag bits (§3).
const (
	flagActive uint32 = 1 << 0
	flagBlob   uint32 = 1 << 1
)

// SlotHeader is the 16-byte on-disk prefix of every slot.
type SlotHeader struct {
	Flags      uint32
	DataLength uint32
	SlabSize   uint32
	Checksum   uint32
}

func (h SlotHeader) active() bool { return h.Flags&flagActive != 0 }
func (h SlotHeader) isBlob() bool { return h.Flags&flagBlob != 0 }

func (h SlotHeader) encode() []byte {
	buf := make([]byte, SlotHeaderSize)
	putU32(buf[0:4], h.Flags)
	putU32(buf[4:8], h.DataLength)
	putU32(buf[8:12], h.SlabSize)
	putU32(buf[12:16], h.Checksum)
	return buf
}

func decodeSlotHeader(buf []byte) SlotHeader {
	return SlotHeader{
		Flags:      getU32(buf[0:4]),
		DataLength: getU32(buf[4:8]),
		SlabSize:   getU32(buf[8:12]),
		Checksum:   getU32(buf[12:16]),
	}
}

// buildSlot assembles a full slabSize-byte slot buffer: header,
// payload, and zero-padding to fill the slab.
func buildSlot(flags uint32, payload []byte, slabSize uint32) []byte {
	hdr := SlotHeader{
		Flags:      flags,
		DataLength: uint32(len(payload)),
		SlabSize:   slabSize,
		Checksum:   checksum(payload),
	}
	buf := make([]byte, slabSize)
	copy(buf, hdr.encode())
	copy(buf[SlotHeaderSize:], payload)
	return buf
}

// DocumentLocation is the primary index's value type: where a
// document's current slot lives and how big it is.
type DocumentLocation struct {
	Offset   int64
	Length   uint32 // payload bytes (inline: JSON bytes; blob: reference JSON bytes)
	SlabSize uint32
	IsBlob   bool
}

// FreeSlot is an entry in the storage engine's free list (§3, §4.2).
type FreeSlot struct {
	Offset   int64
	SlabSize uint32
}
