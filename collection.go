// Collection coordinator: wires the storage engine to the index
// manager, threads secondary-index updates through every mutation, and
// owns the optional read cache (§2 item 6, §6.4).
package smoldb

import (
	"iter"
	"path/filepath"
)

// CollectionConfig configures a Collection (§6.5).
type CollectionConfig struct {
	BlobThreshold uint64
	SyncWrites    bool
	CacheSize     int
}

// Collection is the public CRUD surface for one named set of
// documents. It is the "thin" coordinator: all binary-format and
// allocation logic lives in StorageEngine and IndexManager.
type Collection struct {
	name    string
	storage *StorageEngine
	index   *IndexManager
	cache   *readCache
}

// openCollection opens (or creates) the data file, index file, and
// blob directory for name under basePath.
func openCollection(basePath, name string, cfg CollectionConfig, shared *SharedState) (*Collection, error) {
	dataPath := filepath.Join(basePath, name+".data")
	indexPath := filepath.Join(basePath, name+".idx")
	blobDir := filepath.Join(basePath, "blobs", name)

	storage, err := OpenStorageEngine(dataPath, blobDir, EngineConfig{
		BlobThreshold: cfg.BlobThreshold,
		SyncWrites:    cfg.SyncWrites,
	})
	if err != nil {
		return nil, err
	}
	storage.shared = shared

	index, err := LoadIndexManager(indexPath)
	if err != nil {
		storage.Close()
		return nil, err
	}

	return &Collection{
		name:    name,
		storage: storage,
		index:   index,
		cache:   newReadCache(cfg.CacheSize),
	}, nil
}

func (c *Collection) read(loc DocumentLocation) (map[string]any, error) {
	return c.storage.Read(loc)
}

// Insert adds a new document under id. Returns ErrDuplicateID if id
// already exists (§7 DuplicateId, scenario 1).
func (c *Collection) Insert(id string, doc map[string]any) error {
	if _, exists := c.index.Get(id); exists {
		return ErrDuplicateID
	}
	// Inserted through a batch so the id reaches the blob path and an
	// oversized document is written to <id>.blob.
	var loc DocumentLocation
	err := c.storage.Batch(func(b *WriteBatch) error {
		var err error
		loc, err = b.Insert(id, doc)
		return err
	})
	if err != nil {
		return err
	}
	c.index.Add(id, loc, doc)
	c.cache.Set(id, doc)
	return nil
}

// Get returns the document stored under id, optionally served from
// the read cache.
func (c *Collection) Get(id string) (map[string]any, error) {
	if doc, ok := c.cache.Get(id); ok {
		return doc, nil
	}
	loc, ok := c.index.Get(id)
	if !ok {
		return nil, ErrDocumentNotFound
	}
	doc, err := c.read(loc)
	if err != nil {
		return nil, err
	}
	c.cache.Set(id, doc)
	return doc, nil
}

// Has reports whether id exists, without reading its document.
func (c *Collection) Has(id string) bool {
	_, ok := c.index.Get(id)
	return ok
}

// Update replaces the document stored under id. Returns
// ErrDocumentNotFound if id does not exist (§7 DocumentNotFound).
func (c *Collection) Update(id string, doc map[string]any) error {
	old, ok := c.index.Get(id)
	if !ok {
		return ErrDocumentNotFound
	}
	oldDoc, err := c.read(old)
	if err != nil {
		return err
	}
	newLoc, err := c.storage.Update(id, doc, old)
	if err != nil {
		return err
	}
	c.index.Update(id, newLoc, oldDoc, doc)
	c.cache.Set(id, doc)
	return nil
}

// Upsert inserts id if absent, or updates it if present.
func (c *Collection) Upsert(id string, doc map[string]any) error {
	if c.Has(id) {
		return c.Update(id, doc)
	}
	return c.Insert(id, doc)
}

// Delete removes the document stored under id. Returns
// ErrDocumentNotFound if id does not exist (scenario 1: second delete
// call).
func (c *Collection) Delete(id string) error {
	loc, ok := c.index.Get(id)
	if !ok {
		return ErrDocumentNotFound
	}
	doc, err := c.read(loc)
	if err != nil {
		return err
	}
	if err := c.storage.Delete(loc); err != nil {
		return err
	}
	c.index.Remove(id, doc)
	c.cache.Delete(id)
	return nil
}

// Count returns the number of documents matching filter, or the total
// document count when filter is nil/empty.
func (c *Collection) Count(filter map[string]any) (int, error) {
	return c.index.Count(filter, c.read)
}

// Find returns every document matching filter, keyed by id.
func (c *Collection) Find(filter map[string]any) (map[string]map[string]any, error) {
	return c.index.Find(filter, c.read)
}

// FindOne returns the first document matching filter, or
// ErrDocumentNotFound if none match.
func (c *Collection) FindOne(filter map[string]any) (string, map[string]any, error) {
	ids, err := c.index.FindIds(filter, c.read)
	if err != nil {
		return "", nil, err
	}
	if len(ids) == 0 {
		return "", nil, ErrDocumentNotFound
	}
	doc, err := c.Get(ids[0])
	if err != nil {
		return "", nil, err
	}
	return ids[0], doc, nil
}

// FindIds returns the ids matching filter.
func (c *Collection) FindIds(filter map[string]any) ([]string, error) {
	return c.index.FindIds(filter, c.read)
}

// GetAll returns every document in the collection, keyed by id.
func (c *Collection) GetAll() (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, c.index.size())
	for _, id := range c.index.IDs() {
		loc, _ := c.index.Get(id)
		doc, err := c.read(loc)
		if err != nil {
			return nil, err
		}
		out[id] = doc
	}
	return out, nil
}

// Keys returns every document id in insertion order.
func (c *Collection) Keys() []string {
	return append([]string(nil), c.index.IDs()...)
}

// CreateIndex builds a secondary index on path if one doesn't already
// exist.
func (c *Collection) CreateIndex(path string) error {
	return c.index.CreateSecondaryIndex(path, c.read)
}

// GetIndexes lists the field paths currently indexed.
func (c *Collection) GetIndexes() []string {
	return c.index.SecondaryIndexes()
}

// Clear removes every document but keeps the collection's files and
// index structures (registered indexes stay, now empty).
func (c *Collection) Clear() error {
	for _, id := range append([]string(nil), c.index.IDs()...) {
		if err := c.Delete(id); err != nil {
			return err
		}
	}
	c.cache.Clear()
	return nil
}

// Reset truncates the data file, discards the free list and all
// counters, and drops every index (including registered secondary
// indexes). Blob files are left for the caller to clean up (§4.3).
func (c *Collection) Reset() error {
	if err := c.storage.Reset(); err != nil {
		return err
	}
	c.index.Reset()
	c.cache.Clear()
	return nil
}

// Compact rebuilds the data file with only live documents and updates
// the primary index with their new locations (§4.7).
func (c *Collection) Compact() (*CompactResult, error) {
	entries := make([]CompactEntry, 0, c.index.size())
	for _, id := range c.index.IDs() {
		loc, _ := c.index.Get(id)
		entries = append(entries, CompactEntry{ID: id, Loc: loc})
	}
	result, err := c.storage.Compact(entries)
	if err != nil {
		return nil, err
	}
	c.index.ReplaceLocations(result.NewLocations)
	return result, nil
}

// PersistIndex writes the index file to disk if it has unpersisted
// mutations.
func (c *Collection) PersistIndex() error {
	if !c.index.Dirty() {
		return nil
	}
	return c.index.Persist()
}

// CollectionStats is the snapshot returned by GetStats.
type CollectionStats struct {
	StorageStats
	DocumentCount   int
	SecondaryIndexes int
}

// GetStats returns a point-in-time snapshot combining storage and
// index counters (§5 supplement).
func (c *Collection) GetStats() CollectionStats {
	return CollectionStats{
		StorageStats:     c.storage.Stats(),
		DocumentCount:    c.index.size(),
		SecondaryIndexes: len(c.index.SecondaryIndexes()),
	}
}

// AsyncIterate lazily walks every document in the collection, reading
// each one from storage as it is produced, using iter.Seq2 the same
// way the teacher's All() (all.go) avoids the N+1 cost of a List
// followed by a Get for every id. Iteration stops early if the
// consumer returns false, and a read error is surfaced to the
// consumer instead of aborting the whole walk silently.
func (c *Collection) AsyncIterate() iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		for _, id := range c.index.IDs() {
			loc, ok := c.index.Get(id)
			if !ok {
				continue
			}
			doc, err := c.read(loc)
			if !yield(doc, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// InsertMany bulk-inserts items with a single positional write when
// every item is inline-sized (§4.3 writeMany).
func (c *Collection) InsertMany(items map[string]map[string]any) error {
	writeItems := make([]WriteItem, 0, len(items))
	ids := make([]string, 0, len(items))
	for id, doc := range items {
		if _, exists := c.index.Get(id); exists {
			return ErrDuplicateID
		}
		writeItems = append(writeItems, WriteItem{ID: id, Doc: doc})
		ids = append(ids, id)
	}

	locs, err := c.storage.WriteMany(writeItems)
	if err != nil {
		return err
	}
	for i, id := range ids {
		c.index.Add(id, locs[i], items[id])
	}
	return nil
}

// CollectionBatch is the callback argument to Collection.Batch. Each
// method mutates the storage engine and the secondary indexes under
// the single write lock the batch holds for its whole run, the same
// pattern InsertMany follows for WriteMany (§4.3, §6.4 "batch(ops)").
type CollectionBatch struct {
	c *Collection
	b *WriteBatch
}

// Insert adds a new document under id within the batch.
func (cb *CollectionBatch) Insert(id string, doc map[string]any) error {
	if _, exists := cb.c.index.Get(id); exists {
		return ErrDuplicateID
	}
	loc, err := cb.b.Insert(id, doc)
	if err != nil {
		return err
	}
	cb.c.index.Add(id, loc, doc)
	cb.c.cache.Set(id, doc)
	return nil
}

// Update replaces the document stored under id within the batch.
func (cb *CollectionBatch) Update(id string, doc map[string]any) error {
	old, ok := cb.c.index.Get(id)
	if !ok {
		return ErrDocumentNotFound
	}
	oldDoc, err := cb.c.read(old)
	if err != nil {
		return err
	}
	newLoc, err := cb.b.Update(id, doc, old)
	if err != nil {
		return err
	}
	cb.c.index.Update(id, newLoc, oldDoc, doc)
	cb.c.cache.Set(id, doc)
	return nil
}

// Delete removes the document stored under id within the batch.
func (cb *CollectionBatch) Delete(id string) error {
	loc, ok := cb.c.index.Get(id)
	if !ok {
		return ErrDocumentNotFound
	}
	doc, err := cb.c.read(loc)
	if err != nil {
		return err
	}
	if err := cb.b.Delete(loc); err != nil {
		return err
	}
	cb.c.index.Remove(id, doc)
	cb.c.cache.Delete(id)
	return nil
}

// Batch runs fn under a single held write lock, threading every
// mutation through both the storage engine and the secondary indexes
// (§6.4 batch(ops)). It is the Collection-layer counterpart to
// StorageEngine.Batch, which only touches the data file.
func (c *Collection) Batch(fn func(*CollectionBatch) error) error {
	return c.storage.Batch(func(b *WriteBatch) error {
		return fn(&CollectionBatch{c: c, b: b})
	})
}

// Close flushes the storage engine and persists the index if dirty.
func (c *Collection) Close() error {
	if err := c.PersistIndex(); err != nil {
		return err
	}
	return c.storage.Close()
}
