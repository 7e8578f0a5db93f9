// Index manager: the primary id→location map and the set of
// secondary equality indexes, plus their binary on-disk format
// (§4.6, §6.2).
package smoldb

import (
	"fmt"
	"os"

	"github.com/zeebo/xxh3"
)

const (
	indexHeaderSize  = 64
	indexMagic       = 0x58444953 // 'S','I','D','X' little-endian
	indexFileVersion = 1
)

// postingBucket is one serialized value's entry inside a secondary
// index. Lookups are keyed by an xxh3 hash of the serialized bytes
// (the teacher's hash.go reaches for xxh3 for its own id hashing;
// here it buckets posting-list keys instead) with the raw bytes kept
// alongside to resolve the rare hash collision.
type postingBucket struct {
	value []byte
	ids   []string
}

// secondaryIndex is one field path's inverted map.
type secondaryIndex struct {
	path     string
	buckets  map[uint64][]*postingBucket
	idCount  int // sum of len(ids) across all buckets
}

func newSecondaryIndex(path string) *secondaryIndex {
	return &secondaryIndex{path: path, buckets: make(map[uint64][]*postingBucket)}
}

func (si *secondaryIndex) bucketFor(value []byte) *postingBucket {
	h := xxh3.Hash(value)
	for _, b := range si.buckets[h] {
		if bytesEqual(b.value, value) {
			return b
		}
	}
	return nil
}

func (si *secondaryIndex) insert(value []byte, id string) {
	h := xxh3.Hash(value)
	for _, b := range si.buckets[h] {
		if bytesEqual(b.value, value) {
			b.ids = append(b.ids, id)
			si.idCount++
			return
		}
	}
	b := &postingBucket{value: append([]byte(nil), value...), ids: []string{id}}
	si.buckets[h] = append(si.buckets[h], b)
	si.idCount++
}

func (si *secondaryIndex) remove(value []byte, id string) {
	h := xxh3.Hash(value)
	list := si.buckets[h]
	for i, b := range list {
		if !bytesEqual(b.value, value) {
			continue
		}
		for j, existing := range b.ids {
			if existing == id {
				b.ids = append(b.ids[:j], b.ids[j+1:]...)
				si.idCount--
				break
			}
		}
		if len(b.ids) == 0 {
			si.buckets[h] = append(list[:i], list[i+1:]...)
		}
		return
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IndexManager owns a collection's primary and secondary indexes and
// their binary persistence (§4.6).
type IndexManager struct {
	path string

	primaryIDs  []string // insertion order, for stable iteration (compaction, getAll)
	primary     map[string]DocumentLocation
	secondaries map[string]*secondaryIndex

	dirty bool
}

// NewIndexManager creates an empty, unpersisted index manager.
func NewIndexManager(path string) *IndexManager {
	return &IndexManager{
		path:        path,
		primary:     make(map[string]DocumentLocation),
		secondaries: make(map[string]*secondaryIndex),
	}
}

// Get returns a document's location.
func (im *IndexManager) Get(id string) (DocumentLocation, bool) {
	loc, ok := im.primary[id]
	return loc, ok
}

// size returns the number of documents in the primary index. Exported
// callers go through Count(filter, read) in query.go instead.
func (im *IndexManager) size() int {
	return len(im.primaryIDs)
}

// IDs returns every id in insertion order. Callers must not mutate it.
func (im *IndexManager) IDs() []string {
	return im.primaryIDs
}

// valueAt evaluates path against doc, returning its serialization and
// whether the path resolved to a present value (§4.1 "absent" rule).
func valueAt(doc map[string]any, path string) ([]byte, bool) {
	v, ok := getNested(doc, path)
	if !ok {
		return nil, false
	}
	return serializeValue(v), true
}

// Add inserts a brand-new document's location and threads it through
// every secondary index (§4.6 "on add").
func (im *IndexManager) Add(id string, loc DocumentLocation, doc map[string]any) {
	im.primary[id] = loc
	im.primaryIDs = append(im.primaryIDs, id)
	for _, si := range im.secondaries {
		if val, ok := valueAt(doc, si.path); ok {
			si.insert(val, id)
		}
	}
	im.dirty = true
}

// Update overwrites a document's location and moves it between
// secondary posting lists when its indexed values changed (§4.6 "on
// update").
func (im *IndexManager) Update(id string, loc DocumentLocation, oldDoc, newDoc map[string]any) {
	im.primary[id] = loc
	for _, si := range im.secondaries {
		if oldVal, ok := valueAt(oldDoc, si.path); ok {
			si.remove(oldVal, id)
		}
		if newVal, ok := valueAt(newDoc, si.path); ok {
			si.insert(newVal, id)
		}
	}
	im.dirty = true
}

// Remove deletes a document's primary entry and every secondary
// posting referencing it (§4.6 "on remove").
func (im *IndexManager) Remove(id string, doc map[string]any) {
	delete(im.primary, id)
	for i, existing := range im.primaryIDs {
		if existing == id {
			im.primaryIDs = append(im.primaryIDs[:i], im.primaryIDs[i+1:]...)
			break
		}
	}
	for _, si := range im.secondaries {
		if val, ok := valueAt(doc, si.path); ok {
			si.remove(val, id)
		}
	}
	im.dirty = true
}

// HasSecondaryIndex reports whether path already has a secondary
// index built for it.
func (im *IndexManager) HasSecondaryIndex(path string) bool {
	_, ok := im.secondaries[path]
	return ok
}

// CreateSecondaryIndex builds a secondary index on path by scanning
// every live document through read. Idempotent: a path that is
// already indexed is left untouched (§4.6 createSecondaryIndex).
func (im *IndexManager) CreateSecondaryIndex(path string, read func(DocumentLocation) (map[string]any, error)) error {
	if im.HasSecondaryIndex(path) {
		return nil
	}
	si := newSecondaryIndex(path)
	for _, id := range im.primaryIDs {
		doc, err := read(im.primary[id])
		if err != nil {
			return fmt.Errorf("smoldb: build index %q: %w", path, err)
		}
		if val, ok := valueAt(doc, path); ok {
			si.insert(val, id)
		}
	}
	im.secondaries[path] = si
	im.dirty = true
	return nil
}

// SecondaryIndexes returns the list of indexed field paths.
func (im *IndexManager) SecondaryIndexes() []string {
	paths := make([]string, 0, len(im.secondaries))
	for p := range im.secondaries {
		paths = append(paths, p)
	}
	return paths
}

// Postings returns the ids carrying serializedValue under path, or
// (nil, false) if path is not indexed.
func (im *IndexManager) Postings(path string, serializedValue []byte) ([]string, bool) {
	si, ok := im.secondaries[path]
	if !ok {
		return nil, false
	}
	b := si.bucketFor(serializedValue)
	if b == nil {
		return nil, true
	}
	return b.ids, true
}

// ReplaceLocations applies the location remapping produced by
// compaction (§4.7 step 6). Secondary indexes are untouched: they
// reference ids, not locations.
func (im *IndexManager) ReplaceLocations(newLocations map[string]DocumentLocation) {
	for id, loc := range newLocations {
		if _, ok := im.primary[id]; ok {
			im.primary[id] = loc
		}
	}
	im.dirty = true
}

// Dirty reports whether the index has unpersisted mutations.
func (im *IndexManager) Dirty() bool {
	return im.dirty
}

// Reset discards every primary and secondary entry, including the
// registered secondary indexes themselves (used by Collection.Reset).
func (im *IndexManager) Reset() {
	im.primary = make(map[string]DocumentLocation)
	im.primaryIDs = nil
	im.secondaries = make(map[string]*secondaryIndex)
	im.dirty = true
}

// Persist writes the whole index file in one buffer and one write
// (§4.6 "binary index format... one write"), clearing the dirty flag.
func (im *IndexManager) Persist() error {
	buf := im.encode()
	if err := os.WriteFile(im.path, buf, 0o644); err != nil {
		return fmt.Errorf("smoldb: persist index %q: %w", im.path, err)
	}
	im.dirty = false
	return nil
}

// encode serializes the whole index file per §6.2.
func (im *IndexManager) encode() []byte {
	var primaryBuf []byte
	for _, id := range im.primaryIDs {
		loc := im.primary[id]
		primaryBuf = appendString16(primaryBuf, id)
		primaryBuf = appendU64(primaryBuf, uint64(loc.Offset))
		primaryBuf = appendU32(primaryBuf, loc.Length)
		primaryBuf = appendU32(primaryBuf, loc.SlabSize)
		flags := uint32(0)
		if loc.IsBlob {
			flags |= 1
		}
		primaryBuf = appendU32(primaryBuf, flags)
	}

	var secondaryBuf []byte
	for path, si := range im.secondaries {
		secondaryBuf = appendString16(secondaryBuf, path)
		secondaryBuf = appendU32(secondaryBuf, uint32(bucketEntryCount(si)))
		for _, list := range si.buckets {
			for _, b := range list {
				secondaryBuf = appendBytes32(secondaryBuf, b.value)
				secondaryBuf = appendU32(secondaryBuf, uint32(len(b.ids)))
				for _, id := range b.ids {
					secondaryBuf = appendString16(secondaryBuf, id)
				}
			}
		}
	}

	primaryOffset := uint32(indexHeaderSize)
	secondaryOffset := primaryOffset + uint32(len(primaryBuf))

	hdr := make([]byte, indexHeaderSize)
	putU32(hdr[0:4], indexMagic)
	putU32(hdr[4:8], indexFileVersion)
	putU16(hdr[8:10], uint16(len(im.secondaries)))
	putU32(hdr[10:14], uint32(len(im.primaryIDs)))
	putU32(hdr[14:18], primaryOffset)
	putU32(hdr[18:22], secondaryOffset)

	out := make([]byte, 0, int(secondaryOffset)+len(secondaryBuf))
	out = append(out, hdr...)
	out = append(out, primaryBuf...)
	out = append(out, secondaryBuf...)
	return out
}

func bucketEntryCount(si *secondaryIndex) int {
	n := 0
	for _, list := range si.buckets {
		n += len(list)
	}
	return n
}

// LoadIndexManager reads an index file written by Persist. A missing
// file yields a fresh, empty manager (first open of a collection).
func LoadIndexManager(path string) (*IndexManager, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewIndexManager(path), nil
		}
		return nil, fmt.Errorf("smoldb: read index %q: %w", path, err)
	}
	if len(buf) < indexHeaderSize {
		return nil, &IndexCorruptedError{Path: path, Reason: "file shorter than header"}
	}

	magic := getU32(buf[0:4])
	version := getU32(buf[4:8])
	if magic != indexMagic {
		return nil, &InvalidFileFormatError{Path: path, Reason: "bad magic"}
	}
	if version != indexFileVersion {
		return nil, &InvalidFileFormatError{Path: path, Reason: fmt.Sprintf("unsupported version %d", version)}
	}

	secondaryCount := getU16(buf[8:10])
	primaryCount := getU32(buf[10:14])
	primaryOffset := getU32(buf[14:18])
	secondaryOffset := getU32(buf[18:22])

	im := NewIndexManager(path)

	pos := int(primaryOffset)
	for i := uint32(0); i < primaryCount; i++ {
		if pos >= len(buf) {
			return nil, &IndexCorruptedError{Path: path, Reason: "truncated primary entry"}
		}
		id, next, err := readString16(buf, pos)
		if err != nil {
			return nil, &IndexCorruptedError{Path: path, Reason: err.Error()}
		}
		pos = next
		if pos+20 > len(buf) {
			return nil, &IndexCorruptedError{Path: path, Reason: "truncated primary entry"}
		}
		offset := getU64(buf[pos : pos+8])
		length := getU32(buf[pos+8 : pos+12])
		slabSize := getU32(buf[pos+12 : pos+16])
		flags := getU32(buf[pos+16 : pos+20])
		pos += 20

		loc := DocumentLocation{
			Offset:   int64(offset),
			Length:   length,
			SlabSize: slabSize,
			IsBlob:   flags&1 != 0,
		}
		im.primary[id] = loc
		im.primaryIDs = append(im.primaryIDs, id)
	}

	pos = int(secondaryOffset)
	for i := uint16(0); i < secondaryCount; i++ {
		fieldPath, next, err := readString16(buf, pos)
		if err != nil {
			return nil, &IndexCorruptedError{Path: path, Reason: err.Error()}
		}
		pos = next
		if pos+4 > len(buf) {
			return nil, &IndexCorruptedError{Path: path, Reason: "truncated secondary block"}
		}
		entryCount := getU32(buf[pos : pos+4])
		pos += 4

		si := newSecondaryIndex(fieldPath)
		for e := uint32(0); e < entryCount; e++ {
			value, next, err := readBytes32(buf, pos)
			if err != nil {
				return nil, &IndexCorruptedError{Path: path, Reason: err.Error()}
			}
			pos = next
			if pos+4 > len(buf) {
				return nil, &IndexCorruptedError{Path: path, Reason: "truncated posting entry"}
			}
			idCount := getU32(buf[pos : pos+4])
			pos += 4

			ids := make([]string, 0, idCount)
			for j := uint32(0); j < idCount; j++ {
				id, next, err := readString16(buf, pos)
				if err != nil {
					return nil, &IndexCorruptedError{Path: path, Reason: err.Error()}
				}
				pos = next
				ids = append(ids, id)
			}

			h := xxh3.Hash(value)
			si.buckets[h] = append(si.buckets[h], &postingBucket{value: value, ids: ids})
			si.idCount += len(ids)
		}
		im.secondaries[fieldPath] = si
	}

	return im, nil
}
