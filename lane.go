package memlanes

import (
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

type (
	// LaneOptions models optional configuration, for the lane factories. The
	// provided options may be nil.
	LaneOptions struct {
		// Logger receives structured diagnostics. May be nil (disabled).
		Logger *logiface.Logger[logiface.Event]

		// TrackGhosts enables the weak-reference ghost index, see
		// DisposalMode.
		TrackGhosts bool

		// SkipCleanupBackstop disables the runtime-cleanup registration for
		// OS-backed storage, see HighwaySettings.SkipCleanupBackstop.
		SkipCleanupBackstop bool
	}

	// Lane is a fixed-capacity byte region with a monotonically advancing
	// bump offset, a live-fragment count, and a cycle counter. When the live
	// count returns to zero the lane resets: the offset returns to zero and
	// the cycle increments, invalidating fragments leaked across the reset.
	//
	// Instances must be initialized using one of the lane factories.
	Lane struct {
		store    laneStorage
		buf      []byte
		logger   *logiface.Logger[logiface.Event]
		ghosts   *Tesseract[ghostEntry] // nil unless tracking
		allocSem chan struct{}          // serializes the guarded alloc path

		capacity   int64
		ghostLimit int64

		offset        atomic.Int64
		allocations   atomic.Int64
		cycle         atomic.Int64
		lastAllocTick atomic.Int64
		closed        atomic.Bool
		disposed      atomic.Bool

		resetMu sync.Mutex

		cleanup    runtime.Cleanup
		hasCleanup bool
	}
)

// NewHeapLane initializes a lane over a buffer from the Go heap.
func NewHeapLane(capacity int64, opts *LaneOptions) (*Lane, error) {
	return newLane(BackingHeap, capacity, ``, opts)
}

// NewUnmanagedLane initializes a lane over an anonymous OS mapping. The
// mapping is released on Dispose, with a runtime-cleanup backstop if the
// owner forgets (unless disabled via options).
func NewUnmanagedLane(capacity int64, opts *LaneOptions) (*Lane, error) {
	return newLane(BackingUnmanaged, capacity, ``, opts)
}

// NewMappedLane initializes a lane over a memory-mapped scratch file,
// auto-generating a temp file name if path is empty. Dispose unmaps, closes,
// and best-effort deletes the file.
func NewMappedLane(capacity int64, path string, opts *LaneOptions) (*Lane, error) {
	return newLane(BackingMapped, capacity, path, opts)
}

func newLane(backing Backing, capacity int64, path string, opts *LaneOptions) (*Lane, error) {
	if capacity < 1 || capacity > MaxLaneCapacity {
		return nil, newErrorf(CodeSizeOutOfRange, `lane: capacity %d outside [1, %d]`, capacity, int64(MaxLaneCapacity))
	}

	store, err := newLaneStorage(backing, capacity, path)
	if err != nil {
		return nil, err
	}

	x := Lane{
		store:    store,
		buf:      store.data,
		capacity: capacity,
		allocSem: make(chan struct{}, 1),
	}

	var skipBackstop bool
	if opts != nil {
		x.logger = opts.Logger
		skipBackstop = opts.SkipCleanupBackstop
		if opts.TrackGhosts {
			x.ghostLimit = capacity / 32
			x.ghosts, err = NewTesseract[ghostEntry](&TesseractConfig{CountItems: true})
			if err != nil {
				_ = releaseLaneStorage(store)
				return nil, err
			}
		}
	}

	if backing != BackingHeap && !skipBackstop {
		x.cleanup = runtime.AddCleanup(&x, func(s laneStorage) { _ = releaseLaneStorage(s) }, store)
		x.hasCleanup = true
	}

	return &x, nil
}

// Capacity returns the lane's capacity in bytes.
func (x *Lane) Capacity() int64 { return x.capacity }

// Offset returns the next free byte.
func (x *Lane) Offset() int64 { return x.offset.Load() }

// Allocations returns the live fragment count for the current cycle.
func (x *Lane) Allocations() int64 { return x.allocations.Load() }

// Cycle returns the reset cycle counter.
func (x *Lane) Cycle() int64 { return x.cycle.Load() }

// Closed reports whether the lane refuses new allocations.
func (x *Lane) Closed() bool { return x.closed.Load() }

// Disposed reports whether the lane's storage was released.
func (x *Lane) Disposed() bool { return x.disposed.Load() }

// Backing returns the lane's storage variant.
func (x *Lane) Backing() Backing { return x.store.backing }

// LastAllocTick returns the time of the most recent successful allocation,
// or the zero time if there was none.
func (x *Lane) LastAllocTick() time.Time {
	tick := x.lastAllocTick.Load()
	if tick == 0 {
		return time.Time{}
	}
	return time.Unix(0, tick)
}

// Alloc attempts to carve size bytes from the lane, making up to tries
// competitive bump attempts, then (if await is non-zero) one pass through a
// mutex-guarded path, waiting at most await for the mutex (negative waits
// forever). Returns (nil, nil) if the lane is closed, disposed, or cannot
// fit size: the caller should try another lane. A zero size succeeds on any
// open lane, returning a zero-length fragment that still participates in the
// live count.
func (x *Lane) Alloc(size int64, tries int, await time.Duration) (*Fragment, error) {
	if x == nil {
		return nil, newError(CodeNotInitialized, `lane: not initialized`)
	}
	if size < 0 {
		return nil, newErrorf(CodeMissingOrInvalidArgument, `lane: alloc: negative size %d`, size)
	}
	if x.closed.Load() || x.disposed.Load() || size > x.capacity {
		return nil, nil
	}
	if x.ghosts != nil {
		if count, _ := x.ghosts.ItemsCount(); count >= x.ghostLimit {
			return nil, nil
		}
	}
	if tries < 1 {
		tries = 1
	}

	if f, err := x.tryAlloc(size, tries); f != nil || err != nil {
		return f, err
	}
	if await == 0 {
		return nil, nil
	}
	if !acquire(x.allocSem, await) {
		return nil, nil
	}
	defer release(x.allocSem)
	return x.tryAlloc(size, -1)
}

// tryAlloc performs the bump loop. It reserves a slot in the live count
// before touching offset or cycle, so a concurrent reset cannot start (or
// complete unobserved) underneath the new fragment. Negative tries means
// until success or until the lane cannot fit size.
func (x *Lane) tryAlloc(size int64, tries int) (*Fragment, error) {
	var cycle int64
	if x.allocations.Add(1) == 1 {
		// settle any in-flight reset before trusting offset and cycle
		x.resetMu.Lock()
		cycle = x.cycle.Load()
		x.resetMu.Unlock()
	} else {
		cycle = x.cycle.Load()
	}

	for attempt := 0; tries < 0 || attempt < tries; attempt++ {
		if x.closed.Load() || x.disposed.Load() {
			break
		}
		offset := x.offset.Load()
		next := offset + size
		if next > x.capacity {
			break
		}
		if !x.offset.CompareAndSwap(offset, next) {
			continue
		}

		x.lastAllocTick.Store(time.Now().UnixNano())
		f := newFragment(x, cycle, offset, size)
		if x.ghosts != nil {
			if !x.trackGhost(f) {
				// index full; undo and let the highway skip to another lane
				if err := x.releaseAllocation(cycle); err != nil {
					return nil, err
				}
				return nil, nil
			}
		}
		return f, nil
	}

	if err := x.releaseAllocation(cycle); err != nil {
		return nil, err
	}
	return nil, nil
}

// releaseAllocation decrements the live count on behalf of a fragment of the
// given cycle, resetting the lane if the count reaches zero and the cycle
// has not already moved on.
func (x *Lane) releaseAllocation(cycle int64) error {
	n := x.allocations.Add(-1)
	if n < 0 {
		x.allocations.Add(1)
		return newErrorf(CodeLaneNegativeReset, `lane: live count decremented below zero (cycle %d)`, cycle)
	}
	if n != 0 {
		return nil
	}

	x.resetMu.Lock()
	defer x.resetMu.Unlock()
	if x.allocations.Load() != 0 || x.cycle.Load() != cycle || x.disposed.Load() {
		return nil
	}
	x.offset.Store(0)
	x.cycle.Add(1)
	if x.ghosts != nil {
		// all entries of the finished cycle were taken; rewind the index
		_ = x.ghosts.MoveAppendIndex(-1, true)
	}
	return nil
}

// Force overwrites the closed flag and, if reset is set, forces a reset:
// offset and live count to zero, cycle incremented. Unsafe in the presence
// of live fragments; for diagnostics only.
func (x *Lane) Force(close, reset bool) {
	x.closed.Store(close)
	if reset {
		x.resetMu.Lock()
		x.offset.Store(0)
		x.allocations.Store(0)
		x.cycle.Add(1)
		x.resetMu.Unlock()
	}
}

// Format bulk-fills the lane from r: the lane is closed, force-reset, count
// bytes are read into the start of the buffer, and the lane is reopened.
// Single-writer; callers must ensure no live fragments.
func (x *Lane) Format(r io.Reader, count int64) error {
	if r == nil {
		return newError(CodeMissingOrInvalidArgument, `lane: format: nil reader`)
	}
	if x.disposed.Load() {
		return newError(CodeAttemptToAccessDisposedLane, `lane: format: disposed`)
	}
	if count < 0 || count > x.capacity {
		return newErrorf(CodeSizeOutOfRange, `lane: format: count %d outside [0, %d]`, count, x.capacity)
	}

	acquire(x.allocSem, -1)
	defer release(x.allocSem)

	x.Force(true, true)
	if _, err := io.ReadFull(r, x.buf[:count]); err != nil {
		x.closed.Store(false)
		return wrapError(CodeAllocFailure, `lane: format: read failed`, err)
	}
	x.closed.Store(false)
	return nil
}

// GetAllBytes returns a view of the entire lane buffer, ignoring the bump
// offset. Diagnostic; callers must not retain it across Dispose, and must
// treat it as read-only.
func (x *Lane) GetAllBytes() []byte {
	return x.buf
}

// Dispose releases the lane's storage. Idempotent; terminal. Live fragments
// of a disposed lane fail their access checks.
func (x *Lane) Dispose() error {
	if x == nil || !x.disposed.CompareAndSwap(false, true) {
		return nil
	}
	x.closed.Store(true)
	backing := x.store.backing
	if x.hasCleanup {
		x.cleanup.Stop()
	}
	err := releaseLaneStorage(x.store)
	x.store = laneStorage{backing: backing}
	x.buf = nil
	x.logger.Debug().
		Stringer(`backing`, backing).
		Int64(`capacity`, x.capacity).
		Log(`lane disposed`)
	return err
}
