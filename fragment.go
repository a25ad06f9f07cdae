package memlanes

import (
	"sync/atomic"
)

// Fragment is an owning handle over a byte range within a lane, returned by
// the allocator. Its byte range is disjoint from every other live fragment
// on the same lane, by construction of the bump allocator. A fragment is
// only valid while its lane's cycle equals the cycle captured at allocation;
// accessors verify this (and the lane's closed/disposed state) unless access
// checks are disabled.
//
// Dispose must be called exactly once per owner; it decrements the lane's
// live count, triggering a lane reset when the count reaches zero.
type Fragment struct {
	lane       *Lane
	cycle      int64
	start      int64
	length     int64
	ghostIndex int64 // -1 unless ghost tracked
	disposed   atomic.Bool
	checks     atomic.Bool
}

func newFragment(lane *Lane, cycle, start, length int64) *Fragment {
	f := Fragment{lane: lane, cycle: cycle, start: start, length: length, ghostIndex: -1}
	f.checks.Store(true)
	return &f
}

// Len returns the fragment's immutable byte count.
func (x *Fragment) Len() int64 { return x.length }

// Start returns the fragment's start offset within its lane. Diagnostic.
func (x *Fragment) Start() int64 { return x.start }

// Cycle returns the lane cycle captured at allocation.
func (x *Fragment) Cycle() int64 { return x.cycle }

// Lane returns the owning lane.
func (x *Fragment) Lane() *Lane { return x.lane }

// Disposed reports whether the fragment was disposed.
func (x *Fragment) Disposed() bool { return x.disposed.Load() }

// AccessChecks reports whether accessors validate fragment and lane state.
func (x *Fragment) AccessChecks() bool { return x.checks.Load() }

// SetAccessChecks toggles accessor validation for this fragment. On by
// default; disable only on hot paths where the fragment lifetime is
// externally guaranteed.
func (x *Fragment) SetAccessChecks(enabled bool) { x.checks.Store(enabled) }

// check validates, in order: fragment not disposed, lane not disposed, lane
// not closed, and cycle match.
func (x *Fragment) check() error {
	if !x.checks.Load() {
		return nil
	}
	switch {
	case x.disposed.Load():
		return newError(CodeObjectDisposed, `fragment: disposed`)
	case x.lane.disposed.Load():
		return newError(CodeAttemptToAccessDisposedLane, `fragment: lane disposed`)
	case x.lane.closed.Load():
		return newError(CodeAttemptToAccessClosedLane, `fragment: lane closed`)
	case x.lane.cycle.Load() != x.cycle:
		return newErrorf(CodeAttemptToAccessWrongLaneCycle, `fragment: lane cycle %d, fragment cycle %d`, x.lane.cycle.Load(), x.cycle)
	}
	return nil
}

// Write copies length bytes of src into the fragment starting at off,
// returning off + length (the next write offset).
func (x *Fragment) Write(src []byte, off, length int) (int, error) {
	if err := x.check(); err != nil {
		return 0, err
	}
	if src == nil {
		return 0, newError(CodeMissingOrInvalidArgument, `fragment: write: nil src`)
	}
	if off < 0 || length < 0 || length > len(src) || int64(off)+int64(length) > x.length {
		return 0, newErrorf(CodeMissingOrInvalidArgument, `fragment: write: off %d length %d outside src %d / fragment %d`, off, length, len(src), x.length)
	}
	copy(x.lane.buf[x.start+int64(off):], src[:length])
	return off + length, nil
}

// Read copies up to min(len(dst)-dstOff, Len()-off) bytes from the fragment
// at off into dst at dstOff, returning off plus the number of bytes copied.
func (x *Fragment) Read(dst []byte, off, dstOff int) (int, error) {
	if err := x.check(); err != nil {
		return 0, err
	}
	if dst == nil {
		return 0, newError(CodeMissingOrInvalidArgument, `fragment: read: nil dst`)
	}
	if off < 0 || int64(off) > x.length || dstOff < 0 || dstOff > len(dst) {
		return 0, newErrorf(CodeMissingOrInvalidArgument, `fragment: read: off %d dstOff %d outside fragment %d / dst %d`, off, dstOff, x.length, len(dst))
	}
	n := min(int64(len(dst)-dstOff), x.length-int64(off))
	copy(dst[dstOff:], x.lane.buf[x.start+int64(off):x.start+int64(off)+n])
	return off + int(n), nil
}

// Span returns a zero-copy mutable view over the fragment's bytes. The view
// must not be retained across Dispose, or across the lane's reset.
func (x *Fragment) Span() ([]byte, error) {
	if err := x.check(); err != nil {
		return nil, err
	}
	return x.lane.buf[x.start : x.start+x.length : x.start+x.length], nil
}

// Dispose releases the fragment, decrementing its lane's live count (and
// resetting the lane, if it reaches zero). Idempotent. Returns a
// LaneNegativeReset error if the lane's count underflows, which indicates a
// double dispose through distinct handles, or a dispose raced across a
// cycle; such errors are fatal and must not be swallowed.
func (x *Fragment) Dispose() error {
	if x == nil || !x.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if x.ghostIndex >= 0 && x.lane.ghosts != nil {
		taken, err := x.lane.ghosts.Take(x.ghostIndex)
		if err != nil || taken == nil {
			// the sweep already reclaimed it
			return nil
		}
		return x.lane.releaseAllocation(taken.cycle)
	}
	return x.lane.releaseAllocation(x.cycle)
}
