// Background compaction worker and its shared-state coordination
// contract with the foreground (§4.8).
//
// SPEC_FULL.md §6 resolves the "worker consistency" open question as
// option (ii): the worker never opens its own storage/index pair for a
// collection. It reads COMMAND and calls the CompactFunc the
// foreground database hands it at construction; that function compacts
// the database's own storage engines, which the database alone owns. This closes the "acknowledged consistency gap" in
// §4.8/§9 of the distilled spec instead of reproducing it.
package smoldb

import (
	"sync/atomic"
	"time"
)

// Shared-state cell indices (§4.8). Each cell is one u32, matching the
// spec's 64-byte/8-cell layout; Go's sync/atomic provides the atomic
// load/store/add primitives the spec asks for without a literal memory
// buffer.
const (
	cellFileSize = iota
	cellLiveDataSize
	cellDocCount
	cellGCStatus
	cellGCProgress
	cellGCBytesFreed
	cellLock
	cellCommand
)

// GC status values published in cellGCStatus.
const (
	GCIdle = iota
	GCRunning
	GCComplete
)

// Command values the foreground may store into cellCommand.
const (
	cmdNone = iota
	cmdTriggerGC
	cmdShutdown
)

// SharedState is the fixed buffer of atomic counters connecting the
// foreground and the background worker (§3, §4.8). Every access is an
// atomic load/store; there is no mutex over this struct.
type SharedState struct {
	cells [8]atomic.Uint32
	wake  chan struct{}
}

// NewSharedState returns a fresh, idle shared-state block.
func NewSharedState() *SharedState {
	return &SharedState{wake: make(chan struct{}, 1)}
}

// publish records the foreground's latest counters (§4.8 "Foreground
// counterpart"). Values are truncated to u32 per SPEC_FULL.md's Open
// Question decision to keep the shared cells 32-bit.
func (s *SharedState) publish(fileSize, liveDataSize, documentCount uint64) {
	s.cells[cellFileSize].Store(uint32(fileSize))
	s.cells[cellLiveDataSize].Store(uint32(liveDataSize))
	s.cells[cellDocCount].Store(uint32(documentCount))
}

// triggerGC stores TRIGGER_GC into COMMAND and wakes the worker.
func (s *SharedState) triggerGC() {
	s.cells[cellCommand].Store(cmdTriggerGC)
	s.notify()
}

// shutdown stores SHUTDOWN into COMMAND and wakes the worker.
func (s *SharedState) shutdown() {
	s.cells[cellCommand].Store(cmdShutdown)
	s.notify()
}

func (s *SharedState) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// GCStatus is a point-in-time read of the shared GC cells, returned by
// Database.GetGCStatus.
type GCStatus struct {
	Status      int
	Progress    int
	BytesFreed  uint64
}

func (s *SharedState) status() GCStatus {
	return GCStatus{
		Status:     int(s.cells[cellGCStatus].Load()),
		Progress:   int(s.cells[cellGCProgress].Load()),
		BytesFreed: uint64(s.cells[cellGCBytesFreed].Load()),
	}
}

// CompactFunc runs compaction for every collection and returns the
// total bytes freed. The worker never touches a storage or index
// instance directly — it only calls this hook, which the Database
// supplies bound to its own collection registry.
type CompactFunc func() (bytesFreed uint64, err error)

// waitTimeout is the worker's polling cadence for the auto-trigger
// check (§4.8 "5-second timeout").
const waitTimeout = 5 * time.Second

// gcTriggerRatioDefault is the default fileSize/liveDataSize ratio
// above which the worker auto-triggers compaction (§6.5).
const gcTriggerRatioDefault = 2.0

// Worker runs the background compaction state machine in its own
// goroutine (§4.8).
type Worker struct {
	shared    *SharedState
	compact   CompactFunc
	ratio     float64
	errEvents chan error

	done chan struct{}
}

// NewWorker constructs a worker bound to shared and compact. Run must
// be called (typically via go worker.Run()) to start its loop.
func NewWorker(shared *SharedState, compact CompactFunc, gcTriggerRatio float64) *Worker {
	if gcTriggerRatio <= 0 {
		gcTriggerRatio = gcTriggerRatioDefault
	}
	return &Worker{
		shared:    shared,
		compact:   compact,
		ratio:     gcTriggerRatio,
		errEvents: make(chan error, 8),
		done:      make(chan struct{}),
	}
}

// Errors returns the out-of-band channel background failures are
// surfaced on (§7 "must not crash the process").
func (w *Worker) Errors() <-chan error {
	return w.errEvents
}

// Run is the worker's state machine: IDLE, wait on COMMAND with a
// timeout, dispatch TRIGGER_GC/SHUTDOWN, or check the auto-trigger
// ratio on timeout (§4.8). It returns when SHUTDOWN is processed.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		select {
		case <-w.shared.wake:
		case <-time.After(waitTimeout):
		}

		switch w.shared.cells[cellCommand].Load() {
		case cmdTriggerGC:
			w.runCompaction()
			w.shared.cells[cellCommand].Store(cmdNone)
		case cmdShutdown:
			w.shared.cells[cellCommand].Store(cmdNone)
			return
		default:
			w.maybeAutoTrigger()
		}
	}
}

func (w *Worker) maybeAutoTrigger() {
	if w.shared.cells[cellGCStatus].Load() != GCIdle {
		return
	}
	live := w.shared.cells[cellLiveDataSize].Load()
	if live == 0 {
		return
	}
	fileSize := w.shared.cells[cellFileSize].Load()
	if float64(fileSize)/float64(live) > w.ratio {
		w.runCompaction()
	}
}

func (w *Worker) runCompaction() {
	w.shared.cells[cellGCStatus].Store(GCRunning)
	w.shared.cells[cellGCProgress].Store(0)

	bytesFreed, err := w.compact()
	if err != nil {
		select {
		case w.errEvents <- err:
		default:
		}
	}

	w.shared.cells[cellGCBytesFreed].Store(uint32(bytesFreed))
	w.shared.cells[cellGCProgress].Store(100)
	w.shared.cells[cellGCStatus].Store(GCComplete)
	w.shared.cells[cellGCStatus].Store(GCIdle)
}

// TriggerGC requests an out-of-band compaction pass.
func (w *Worker) TriggerGC() {
	w.shared.triggerGC()
}

// Shutdown requests the worker loop exit and blocks until it has.
func (w *Worker) Shutdown() {
	w.shared.shutdown()
	<-w.done
}

// Status returns the worker's last-published GC status.
func (w *Worker) Status() GCStatus {
	return w.shared.status()
}
