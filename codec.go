// Binary codec: fixed-width little-endian integers, length-prefixed
// strings, CRC-32, and the canonical value serialization used as
// secondary-index keys.
//
// Every multi-byte integer on disk is little-endian. Identifiers and
// field paths carry a u16 length prefix; serialized secondary-index
// values carry a u32 length prefix since arrays/objects can be large.
package smoldb

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"sort"
	"strconv"
)

// checksum computes the CRC-32 of b using the standard reflected IEEE
// polynomial (0xEDB88320), matching spec's required table exactly —
// this is the one ambient concern left on the standard library; see
// DESIGN.md for why hash/crc32 is preferred over a third-party one.
func checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getU32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }
func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func getU64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }
func putU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func getU16(b []byte) uint16    { return binary.LittleEndian.Uint16(b) }

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	putU32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	putU64(b[:], v)
	return append(buf, b[:]...)
}

// appendString16 appends a length-prefixed UTF-8 string using a u16
// length prefix, for identifiers and field paths.
func appendString16(buf []byte, s string) []byte {
	var lenBuf [2]byte
	putU16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

// readString16 reads a u16-length-prefixed string starting at off,
// returning the string and the offset just past it.
func readString16(buf []byte, off int) (string, int, error) {
	if off+2 > len(buf) {
		return "", 0, fmt.Errorf("readString16: truncated length prefix at %d", off)
	}
	n := int(getU16(buf[off:]))
	off += 2
	if off+n > len(buf) {
		return "", 0, fmt.Errorf("readString16: truncated body at %d (need %d)", off, n)
	}
	return string(buf[off : off+n]), off + n, nil
}

// appendBytes32 appends a length-prefixed byte string using a u32
// length prefix, for serialized secondary-index values.
func appendBytes32(buf []byte, v []byte) []byte {
	var lenBuf [4]byte
	putU32(lenBuf[:], uint32(len(v)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, v...)
}

func readBytes32(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, 0, fmt.Errorf("readBytes32: truncated length prefix at %d", off)
	}
	n := int(getU32(buf[off:]))
	off += 4
	if off+n > len(buf) {
		return nil, 0, fmt.Errorf("readBytes32: truncated body at %d (need %d)", off, n)
	}
	return buf[off : off+n], off + n, nil
}

// Value-serialization type tags (§4.1).
const (
	tagNull   = 0x00
	tagBool   = 0x01
	tagNumber = 0x02
	tagString = 0x03
	tagOther  = 0x04 // arrays and objects, via canonical JSON
)

// serializeValue produces a byte string such that two values compare
// equal in a secondary index iff their serializations are identical.
// v is the result of a dotted-path lookup: nil means "absent" and is
// never passed here (absent values are not indexed); the JSON decode
// produces nil only for an explicit JSON null.
func serializeValue(v any) []byte {
	switch x := v.(type) {
	case nil:
		return []byte{tagNull}
	case bool:
		b := byte('0')
		if x {
			b = '1'
		}
		return []byte{tagBool, b}
	case float64:
		return append([]byte{tagNumber}, canonicalNumber(x)...)
	case int:
		return append([]byte{tagNumber}, canonicalNumber(float64(x))...)
	case string:
		return append([]byte{tagString}, x...)
	default:
		// arrays ([]any) and objects (map[string]any): canonical JSON
		// with stable key traversal.
		return append([]byte{tagOther}, canonicalJSON(v)...)
	}
}

// canonicalNumber renders a float64 as explicit-sign scientific
// notation with 15 fractional digits, with sentinels for the
// non-finite cases, so that numeric equality in the index matches
// Go's == on the decoded float64.
func canonicalNumber(f float64) []byte {
	switch {
	case math.IsNaN(f):
		return []byte("NaN")
	case math.IsInf(f, 1):
		return []byte("+Infinity")
	case math.IsInf(f, -1):
		return []byte("-Infinity")
	}
	s := strconv.FormatFloat(f, 'e', 15, 64)
	if s[0] != '-' {
		s = "+" + s
	}
	return []byte(s)
}

// canonicalJSON renders arrays and plain objects with object keys
// sorted, so that two structurally-equal values (per deepEqual, which
// treats object key order as insignificant) serialize identically.
func canonicalJSON(v any) []byte {
	var buf []byte
	buf = appendCanonical(buf, v)
	return buf
}

func appendCanonical(buf []byte, v any) []byte {
	switch x := v.(type) {
	case nil:
		return append(buf, "null"...)
	case bool:
		if x {
			return append(buf, "true"...)
		}
		return append(buf, "false"...)
	case float64:
		return strconv.AppendFloat(buf, x, 'g', -1, 64)
	case int:
		return strconv.AppendInt(buf, int64(x), 10)
	case string:
		return strconv.AppendQuote(buf, x)
	case []any:
		buf = append(buf, '[')
		for i, e := range x {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, e)
		}
		return append(buf, ']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = strconv.AppendQuote(buf, k)
			buf = append(buf, ':')
			buf = appendCanonical(buf, x[k])
		}
		return append(buf, '}')
	default:
		return append(buf, fmt.Sprintf("%v", x)...)
	}
}

// getNested walks a dotted path ("a.b.c") left to right over a decoded
// JSON object. It returns (value, true) on success, or (nil, false) if
// any intermediate segment is missing or not an object (including an
// explicit JSON null) — the "absent" case, which is never indexed.
func getNested(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			v, present := obj[seg]
			if !present {
				return nil, false
			}
			cur = v
			start = i + 1
		}
	}
	return cur, true
}

// deepEqual is structural equality over arrays and plain objects:
// array comparison is order-sensitive, object comparison is
// order-insensitive over keys, and scalars must be of the same JSON
// kind (no numeric/string coercion). Go int and float64 are both
// numbers and compare by value, in either argument order.
func deepEqual(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case float64:
		switch y := b.(type) {
		case float64:
			return (x == y) || (math.IsNaN(x) && math.IsNaN(y))
		case int:
			return x == float64(y)
		}
		return false
	case int:
		switch y := b.(type) {
		case int:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !deepEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			yv, present := y[k]
			if !present || !deepEqual(v, yv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// matches reports whether doc satisfies every key/value pair in
// filter: the conjunction of deepEqual(getNested(doc, key), value)
// over filter's entries.
func matches(doc map[string]any, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := getNested(doc, key)
		if !ok {
			return false
		}
		if !deepEqual(got, want) {
			return false
		}
	}
	return true
}
