// Database: the collection registry, lifecycle, and background-worker
// wiring that sits outside the storage core (§2, out of scope per
// spec.md §1, built here as the ambient façade every example in the
// package needs to be runnable).
package smoldb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config holds database-wide configuration (§6.5). Zero values are
// replaced with documented defaults in Init, mirroring the teacher's
// "defaults applied in Open" pattern.
type Config struct {
	GCDisabled     bool    // default false; true disables the background worker
	GCTriggerRatio float64 // default 2.0
	BlobThreshold  uint64  // default 1 MiB
	CacheSize      int     // default 0 (disabled)
	SyncWrites     bool
}

// defaultConfig returns Config with every zero-valued field replaced.
// GC's default-on behavior (§6.5 "gcEnabled (default on)") is captured
// by naming the field GCDisabled rather than GCEnabled: Go's bool zero
// value is false, so a caller's zero-value Config{} leaves GC on,
// matching the spec's stated default instead of silently inverting it.
func defaultConfig(c Config) Config {
	if c.GCTriggerRatio == 0 {
		c.GCTriggerRatio = gcTriggerRatioDefault
	}
	if c.BlobThreshold == 0 {
		c.BlobThreshold = 1 << 20
	}
	return c
}

// Database is the top-level handle: a registry of named collections
// sharing one base directory, one SharedState block, and one
// background compaction worker.
type Database struct {
	basePath string
	config   Config

	mu          sync.Mutex
	collections map[string]*Collection

	shared *SharedState
	worker *Worker
}

// Init opens (or creates) a database rooted at basePath, scanning it
// for existing collections (`*.data` files, matching the worker's own
// enumeration rule in §4.8) and starting the background worker unless
// GCDisabled is explicitly set true.
func Init(basePath string, config Config) (*Database, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("smoldb: create base dir %q: %w", basePath, err)
	}

	db := &Database{
		basePath:    basePath,
		config:      defaultConfig(config),
		collections: make(map[string]*Collection),
		shared:      NewSharedState(),
	}

	entries, err := os.ReadDir(basePath)
	if err != nil {
		return nil, fmt.Errorf("smoldb: read base dir %q: %w", basePath, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".data") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".data")
		if _, err := db.openOrGetLocked(name); err != nil {
			return nil, err
		}
	}

	if !db.config.GCDisabled {
		db.worker = NewWorker(db.shared, db.compactAll, db.config.GCTriggerRatio)
		go db.worker.Run()
	}

	return db, nil
}

func (db *Database) collectionConfig() CollectionConfig {
	return CollectionConfig{
		BlobThreshold: db.config.BlobThreshold,
		SyncWrites:    db.config.SyncWrites,
		CacheSize:     db.config.CacheSize,
	}
}

func (db *Database) openOrGetLocked(name string) (*Collection, error) {
	if c, ok := db.collections[name]; ok {
		return c, nil
	}
	c, err := openCollection(db.basePath, name, db.collectionConfig(), db.shared)
	if err != nil {
		return nil, err
	}
	db.collections[name] = c
	return c, nil
}

// Collection returns the named collection, opening (and registering)
// it on first use.
func (db *Database) Collection(name string) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.openOrGetLocked(name)
}

// ListCollections returns every registered collection's name.
func (db *Database) ListCollections() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	return names
}

// DropCollection closes and deletes a collection's data, index, and
// blob files entirely.
func (db *Database) DropCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.collections[name]
	if !ok {
		return ErrCollectionNotFound
	}
	if err := c.Close(); err != nil {
		return err
	}
	delete(db.collections, name)

	for _, path := range []string{
		filepath.Join(db.basePath, name+".data"),
		filepath.Join(db.basePath, name+".idx"),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("smoldb: drop collection %q: %w", name, err)
		}
	}
	blobDir := filepath.Join(db.basePath, "blobs", name)
	if err := os.RemoveAll(blobDir); err != nil {
		return fmt.Errorf("smoldb: drop collection %q blobs: %w", name, err)
	}
	return nil
}

// compactAll runs Compact on every registered collection and persists
// the resulting index. It is the CompactFunc the worker (and Compact)
// dispatch through — the "foreground fulfills the request" side of the
// worker-consistency decision in SPEC_FULL.md §6.
func (db *Database) compactAll() (uint64, error) {
	db.mu.Lock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	db.mu.Unlock()

	var total uint64
	for _, name := range names {
		db.mu.Lock()
		c, ok := db.collections[name]
		db.mu.Unlock()
		if !ok {
			continue
		}
		result, err := c.Compact()
		if err != nil {
			return total, fmt.Errorf("smoldb: compact %q: %w", name, err)
		}
		total += result.BytesFreed
		if err := c.PersistIndex(); err != nil {
			return total, fmt.Errorf("smoldb: persist index %q: %w", name, err)
		}
	}
	return total, nil
}

// Compact runs compaction on every collection synchronously (not
// through the worker) and returns the total bytes freed.
func (db *Database) Compact() (uint64, error) {
	return db.compactAll()
}

// TriggerGC asynchronously requests a compaction pass from the
// background worker. A no-op if GC is disabled.
func (db *Database) TriggerGC() {
	if db.worker != nil {
		db.worker.TriggerGC()
	}
}

// GetGCStatus returns the worker's last-published GC status.
func (db *Database) GetGCStatus() GCStatus {
	return db.shared.status()
}

// PersistAllIndexes writes every collection's index file if dirty
// (§6.4, scenario 6 "Durability of primary index").
func (db *Database) PersistAllIndexes() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for name, c := range db.collections {
		if err := c.PersistIndex(); err != nil {
			return fmt.Errorf("smoldb: persist index %q: %w", name, err)
		}
	}
	return nil
}

// DatabaseStats aggregates every collection's stats.
type DatabaseStats struct {
	Collections map[string]CollectionStats
}

// GetStats returns a snapshot of every collection's stats.
func (db *Database) GetStats() DatabaseStats {
	db.mu.Lock()
	defer db.mu.Unlock()
	stats := make(map[string]CollectionStats, len(db.collections))
	for name, c := range db.collections {
		stats[name] = c.GetStats()
	}
	return DatabaseStats{Collections: stats}
}

// Close shuts down the background worker (if running) and closes
// every registered collection, persisting dirty indexes along the way.
func (db *Database) Close() error {
	if db.worker != nil {
		db.worker.Shutdown()
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for name, c := range db.collections {
		if err := c.Close(); err != nil {
			return fmt.Errorf("smoldb: close collection %q: %w", name, err)
		}
	}
	return nil
}
