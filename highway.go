package memlanes

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	highwayOperational int32 = iota
	highwayDisposing
	highwayDisposed
)

// Highway is an ordered, expandable pool of lanes with a dispatch policy:
// allocation requests iterate the lanes oldest-first, and the pool grows
// under pressure, subject to configured limits. Oldest-first iteration
// maximizes the probability that a lane with a near-zero live count resets
// soon; HighwaySettings.LapsBeforeNewLane and LaneAllocTries are the tuning
// knobs for the spread-vs-locality trade-off.
//
// Lanes are only appended; removal is modeled as disposal (or closing) in
// place, preserving indices for the highway's lifetime.
//
// Instances must be initialized using one of the highway factories.
// Callbacks run on the caller's goroutine and must not call back into the
// highway in a way that re-enters the same allocation.
type Highway struct {
	lanes    *Tesseract[Lane]
	sem      *semaphore.Weighted
	settings HighwaySettings
	backing  Backing

	lastAllocTick atomic.Int64
	state         atomic.Int32
}

// NewHeapHighway initializes a highway of heap-backed lanes, one per entry
// of capacities (none, initially, if empty: the first allocation grows the
// pool). The provided settings may be nil.
func NewHeapHighway(settings *HighwaySettings, capacities ...int64) (*Highway, error) {
	return newHighway(BackingHeap, settings, capacities)
}

// NewUnmanagedHighway is the anonymous-OS-mapping variant of NewHeapHighway.
func NewUnmanagedHighway(settings *HighwaySettings, capacities ...int64) (*Highway, error) {
	return newHighway(BackingUnmanaged, settings, capacities)
}

// NewMappedHighway is the memory-mapped-scratch-file variant of
// NewHeapHighway; lane file names are auto-generated.
func NewMappedHighway(settings *HighwaySettings, capacities ...int64) (*Highway, error) {
	return newHighway(BackingMapped, settings, capacities)
}

func newHighway(backing Backing, settings *HighwaySettings, capacities []int64) (*Highway, error) {
	s, err := settings.normalized()
	if err != nil {
		return nil, err
	}

	lanes, err := NewTesseract[Lane](nil)
	if err != nil {
		return nil, err
	}

	x := Highway{
		lanes:    lanes,
		sem:      semaphore.NewWeighted(s.ConcurrentNewLaneAllocations),
		settings: s,
		backing:  backing,
	}

	for _, capacity := range capacities {
		lane, err := x.createLane(capacity)
		if err != nil {
			_ = x.Dispose()
			return nil, err
		}
		if i, err := lanes.Append(lane); err != nil || i < 0 {
			_ = lane.Dispose()
			_ = x.Dispose()
			if err == nil {
				err = newError(CodeInitFailure, `highway: lane collection capacity exhausted`)
			}
			return nil, err
		}
	}

	return &x, nil
}

func (x *Highway) createLane(capacity int64) (*Lane, error) {
	lane, err := newLane(x.backing, capacity, ``, &LaneOptions{
		Logger:              x.settings.Logger,
		TrackGhosts:         x.settings.DisposalMode == TrackGhosts,
		SkipCleanupBackstop: x.settings.SkipCleanupBackstop,
	})
	if err != nil {
		return nil, err
	}
	x.settings.Logger.Debug().
		Stringer(`backing`, x.backing).
		Int64(`capacity`, capacity).
		Log(`lane created`)
	return lane, nil
}

func (x *Highway) operational() error {
	if x.state.Load() != highwayOperational {
		return newError(CodeObjectDisposed, `highway: disposed`)
	}
	return nil
}

// AllocFragment returns a fragment of size bytes, served by the first lane
// able to fit it, growing the pool if no lane can. Returns (nil, nil) only
// when a limit was hit and the corresponding settings callback elected to
// swallow the error.
func (x *Highway) AllocFragment(size int64) (*Fragment, error) {
	if err := x.operational(); err != nil {
		return nil, err
	}
	if size < 0 || size > MaxLaneCapacity {
		return nil, newErrorf(CodeSizeOutOfRange, `highway: alloc: size %d outside [0, %d]`, size, int64(MaxLaneCapacity))
	}

	for lap := 0; lap < x.settings.LapsBeforeNewLane; lap++ {
		if f, err := x.allocFromExisting(size); f != nil || err != nil {
			return f, err
		}
	}

	return x.allocFromNewLane(size)
}

func (x *Highway) allocFromExisting(size int64) (*Fragment, error) {
	last := x.lanes.AppendIndex()
	for i := int64(0); i <= last; i++ {
		lane, err := x.lanes.Get(i)
		if err != nil || lane == nil || lane.Disposed() {
			continue
		}
		f, err := lane.Alloc(size, x.settings.LaneAllocTries, 0)
		if err != nil {
			return nil, err
		}
		if f != nil {
			x.lastAllocTick.Store(time.Now().UnixNano())
			return f, nil
		}
	}
	return nil, nil
}

func (x *Highway) allocFromNewLane(size int64) (*Fragment, error) {
	ctx := context.Background()
	if t := x.settings.NewLaneAllocationTimeout; t >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if err := x.sem.Acquire(ctx, 1); err != nil {
		return nil, wrapError(CodeLockAcquisition, `highway: lane creation permit not acquired`, err)
	}
	defer x.sem.Release(1)

	if err := x.operational(); err != nil {
		return nil, err
	}

	// a concurrent creator may have added capacity while we waited
	if f, err := x.allocFromExisting(size); f != nil || err != nil {
		return f, err
	}

	if x.LanesCount() >= x.settings.MaxLanesCount {
		x.settings.Logger.Warning().
			Int64(`max`, x.settings.MaxLanesCount).
			Log(`max lanes count reached`)
		if cb := x.settings.OnMaxLanesReached; cb != nil && cb() {
			return nil, nil
		}
		return nil, newErrorf(CodeMaxLanesCountReached, `highway: %d lane slots in use`, x.LanesCount())
	}

	capacity := max(size, x.settings.nextCapacity(x.lanes.AppendIndex()), 1)
	capacity = min(capacity, MaxLaneCapacity)

	if total := x.TotalCapacity(); total+capacity > x.settings.MaxTotalAllocatedBytes {
		x.settings.Logger.Warning().
			Int64(`total`, total).
			Int64(`max`, x.settings.MaxTotalAllocatedBytes).
			Log(`max total allocated bytes reached`)
		if cb := x.settings.OnMaxTotalBytesReached; cb != nil && cb() {
			return nil, nil
		}
		return nil, newErrorf(CodeMaxTotalAllocBytesReached, `highway: %d of %d bytes allocated, %d more requested`, total, x.settings.MaxTotalAllocatedBytes, capacity)
	}

	lane, err := x.createLane(capacity)
	if err != nil {
		return nil, err
	}

	// serve the request before publishing the lane, so a competing
	// allocation cannot starve the one that grew the pool
	f, err := lane.Alloc(size, x.settings.LaneAllocTries, 0)
	if err != nil || f == nil {
		_ = lane.Dispose()
		if err != nil {
			return nil, err
		}
		return nil, newErrorf(CodeNewLaneAllocFail, `highway: new lane of %d bytes failed to serve %d bytes`, capacity, size)
	}

	if i, err := x.lanes.Append(lane); err != nil || i < 0 {
		_ = f.Dispose()
		_ = lane.Dispose()
		if err != nil {
			return nil, err
		}
		return nil, newError(CodeAllocFailure, `highway: lane collection capacity exhausted`)
	}

	x.lastAllocTick.Store(time.Now().UnixNano())
	return f, nil
}

// ReopenLane replaces the disposed lane at index with a fresh lane of the
// configured default capacity, returning it. Returns (nil, nil) if the slot
// does not hold a disposed lane.
func (x *Highway) ReopenLane(index int64) (*Lane, error) {
	if err := x.operational(); err != nil {
		return nil, err
	}
	lane, err := x.lanes.Get(index)
	if err != nil {
		return nil, err
	}
	if lane == nil || !lane.Disposed() {
		return nil, nil
	}
	fresh, err := x.createLane(x.settings.DefaultLaneCapacity)
	if err != nil {
		return nil, err
	}
	if _, err := x.lanes.Set(index, fresh); err != nil {
		_ = fresh.Dispose()
		return nil, err
	}
	return fresh, nil
}

// DisposeLane disposes the lane at index in place, keeping the slot (and so
// the indices of all other lanes).
func (x *Highway) DisposeLane(index int64) error {
	if err := x.operational(); err != nil {
		return err
	}
	lane, err := x.lanes.Get(index)
	if err != nil {
		return err
	}
	if lane == nil {
		return nil
	}
	return lane.Dispose()
}

// FreeGhosts sweeps the ghost index of every lane, returning the total
// number of fragments reclaimed. Only valid in TrackGhosts mode.
func (x *Highway) FreeGhosts() (int, error) {
	if err := x.operational(); err != nil {
		return 0, err
	}
	if x.settings.DisposalMode != TrackGhosts {
		return 0, newError(CodeIncorrectDisposalMode, `highway: ghost tracking not enabled`)
	}
	var freed int
	for lane := range x.eachLane() {
		n, err := lane.FreeGhosts()
		freed += n
		if err != nil {
			return freed, err
		}
	}
	return freed, nil
}

// eachLane iterates the non-nil, non-disposed lanes.
func (x *Highway) eachLane() func(yield func(*Lane) bool) {
	return func(yield func(*Lane) bool) {
		last := x.lanes.AppendIndex()
		for i := int64(0); i <= last; i++ {
			lane, err := x.lanes.Get(i)
			if err != nil || lane == nil || lane.Disposed() {
				continue
			}
			if !yield(lane) {
				return
			}
		}
	}
}

// TotalCapacity returns the summed capacity of the non-disposed lanes.
func (x *Highway) TotalCapacity() int64 {
	var total int64
	for lane := range x.eachLane() {
		total += lane.Capacity()
	}
	return total
}

// TotalActiveFragments returns the summed live fragment count across lanes.
func (x *Highway) TotalActiveFragments() int64 {
	var total int64
	for lane := range x.eachLane() {
		total += lane.Allocations()
	}
	return total
}

// TotalFreeSpace returns the summed unallocated bytes of the non-disposed,
// non-closed lanes.
func (x *Highway) TotalFreeSpace() int64 {
	var total int64
	for lane := range x.eachLane() {
		if !lane.Closed() {
			total += lane.Capacity() - lane.Offset()
		}
	}
	return total
}

// LanesCount returns the number of lane slots, including disposed ones.
func (x *Highway) LanesCount() int64 {
	return x.lanes.AppendIndex() + 1
}

// LastLaneIndex returns the index of the most recently appended lane, or -1.
func (x *Highway) LastLaneIndex() int64 {
	return x.lanes.AppendIndex()
}

// Lanes returns the lane slots, in index order; disposed slots are included,
// as non-nil disposed lanes.
func (x *Highway) Lanes() []*Lane {
	count := x.LanesCount()
	lanes := make([]*Lane, 0, count)
	for i := int64(0); i < count; i++ {
		lane, err := x.lanes.Get(i)
		if err != nil {
			break
		}
		lanes = append(lanes, lane)
	}
	return lanes
}

// Lane returns the lane at index, or nil.
func (x *Highway) Lane(index int64) *Lane {
	lane, _ := x.lanes.Get(index)
	return lane
}

// Backing returns the highway's storage variant.
func (x *Highway) Backing() Backing { return x.backing }

// Disposed reports whether Dispose ran.
func (x *Highway) Disposed() bool { return x.state.Load() == highwayDisposed }

// LastAllocTick returns the time of the most recent successful allocation on
// any lane, or the zero time.
func (x *Highway) LastAllocTick() time.Time {
	tick := x.lastAllocTick.Load()
	if tick == 0 {
		return time.Time{}
	}
	return time.Unix(0, tick)
}

// Dispose disposes every lane exactly once and transitions the highway to
// its terminal state. Idempotent. Afterwards AllocFragment, ReopenLane,
// DisposeLane and FreeGhosts fail with ObjectDisposed; the accessors do not
// fail, and keep reporting the (disposed) lanes.
func (x *Highway) Dispose() error {
	if !x.state.CompareAndSwap(highwayOperational, highwayDisposing) {
		return nil
	}
	var errs []error
	last := x.lanes.AppendIndex()
	for i := int64(0); i <= last; i++ {
		lane, err := x.lanes.Get(i)
		if err != nil || lane == nil {
			continue
		}
		if err := lane.Dispose(); err != nil {
			errs = append(errs, err)
		}
	}
	x.state.Store(highwayDisposed)
	x.settings.Logger.Debug().
		Stringer(`backing`, x.backing).
		Int64(`lanes`, last+1).
		Log(`highway disposed`)
	return errors.Join(errs...)
}
