package memlanes

import (
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/exp/constraints"
)

// DisposalMode selects how fragment lifetimes are reclaimed.
type DisposalMode int32

const (
	// FragmentDispose relies on owners calling Fragment.Dispose. The
	// default.
	FragmentDispose DisposalMode = iota

	// TrackGhosts additionally tracks a weak reference per allocated
	// fragment, so that lanes can reclaim fragments whose owners forgot to
	// dispose them, via FreeGhosts. Tracking capacity is limited to
	// capacity/32 slots per lane; allocations beyond that fail, causing the
	// highway to skip to another lane.
	TrackGhosts
)

const (
	// MaxLaneCapacity is the largest supported lane capacity, in bytes.
	MaxLaneCapacity = 2_000_000_000

	// DefaultLaneCapacity is the capacity of auto-grown lanes, absent
	// HighwaySettings.DefaultLaneCapacity.
	DefaultLaneCapacity = 8_000_000

	// DefaultMaxLanesCount bounds the lane slots of a highway, absent
	// HighwaySettings.MaxLanesCount.
	DefaultMaxLanesCount = 1000

	// DefaultMaxTotalAllocatedBytes bounds the summed capacity of a
	// highway's non-disposed lanes, absent
	// HighwaySettings.MaxTotalAllocatedBytes.
	DefaultMaxTotalAllocatedBytes = 200_000_000_000

	// DefaultLapsBeforeNewLane is the number of full passes over the lane
	// collection before a new lane is attempted.
	DefaultLapsBeforeNewLane = 2

	// DefaultLaneAllocTries is the number of competitive bump attempts per
	// lane per visit.
	DefaultLaneAllocTries = 4

	// DefaultConcurrentNewLaneAllocations is the lane-creation permit count.
	DefaultConcurrentNewLaneAllocations = 1

	// DefaultNewLaneAllocationTimeout bounds the wait for a lane-creation
	// permit.
	DefaultNewLaneAllocationTimeout = 3 * time.Second
)

// HighwaySettings models optional configuration, for the highway factories.
// The zero value (and nil) receives the documented defaults; note that
// boolean and callback fields are taken as-is.
type HighwaySettings struct {
	// Logger receives structured diagnostics, e.g. lane creation and
	// disposal, limit hits, and ghost sweeps. May be nil (disabled).
	Logger *logiface.Logger[logiface.Event]

	// NextCapacity, if non-nil, is consulted when the highway grows, with
	// the index of the last lane, and must return the desired capacity for
	// the new lane. The allocation size is used instead, whenever larger.
	// **Defaults to returning DefaultLaneCapacity.**
	NextCapacity func(lastLaneIndex int64) int64

	// OnMaxLanesReached, if non-nil, is invoked when lane creation would
	// exceed MaxLanesCount. Returning true swallows the error: the
	// allocation returns no fragment, instead of failing.
	OnMaxLanesReached func() bool

	// OnMaxTotalBytesReached is the MaxTotalAllocatedBytes counterpart of
	// OnMaxLanesReached.
	OnMaxTotalBytesReached func() bool

	// DefaultLaneCapacity is the capacity for auto-grown lanes, in bytes.
	// **Defaults to DefaultLaneCapacity, if 0.** Must lie in
	// [1, MaxLaneCapacity].
	DefaultLaneCapacity int64

	// MaxLanesCount bounds the lane slots of the highway.
	// **Defaults to DefaultMaxLanesCount, if 0.**
	MaxLanesCount int64

	// MaxTotalAllocatedBytes bounds the summed capacity of non-disposed
	// lanes. **Defaults to DefaultMaxTotalAllocatedBytes, if 0.**
	MaxTotalAllocatedBytes int64

	// LapsBeforeNewLane is the number of full passes over the lane
	// collection before attempting to create a new lane.
	// **Defaults to DefaultLapsBeforeNewLane, if 0.**
	LapsBeforeNewLane int

	// LaneAllocTries is the number of competitive bump attempts per lane
	// per visit. **Defaults to DefaultLaneAllocTries, if 0.**
	LaneAllocTries int

	// ConcurrentNewLaneAllocations is the permit count for concurrent lane
	// creation. **Defaults to DefaultConcurrentNewLaneAllocations, if 0.**
	ConcurrentNewLaneAllocations int64

	// NewLaneAllocationTimeout bounds the wait for a lane-creation permit.
	// **Defaults to DefaultNewLaneAllocationTimeout, if 0.** Negative waits
	// forever.
	NewLaneAllocationTimeout time.Duration

	// DisposalMode selects FragmentDispose (default) or TrackGhosts.
	DisposalMode DisposalMode

	// SkipCleanupBackstop disables the runtime-cleanup registration that
	// releases un-disposed OS storage if a highway becomes unreachable. Go
	// exposes no process-exit hook, so this backstop is the nearest
	// equivalent of exit-time cleanup; explicit Dispose remains the
	// expectation either way.
	SkipCleanupBackstop bool
}

// normalized returns a defaulted copy, validating configured ranges.
func (x *HighwaySettings) normalized() (HighwaySettings, error) {
	var s HighwaySettings
	if x != nil {
		s = *x
	}
	if s.DefaultLaneCapacity == 0 {
		s.DefaultLaneCapacity = DefaultLaneCapacity
	}
	if s.DefaultLaneCapacity < 1 || s.DefaultLaneCapacity > MaxLaneCapacity {
		return s, newErrorf(CodeSizeOutOfRange, `settings: default lane capacity %d outside [1, %d]`, s.DefaultLaneCapacity, int64(MaxLaneCapacity))
	}
	if s.MaxLanesCount == 0 {
		s.MaxLanesCount = DefaultMaxLanesCount
	}
	s.MaxLanesCount = clamp(s.MaxLanesCount, 1, DefaultMaxLanesCount)
	if s.MaxTotalAllocatedBytes == 0 {
		s.MaxTotalAllocatedBytes = DefaultMaxTotalAllocatedBytes
	}
	if s.MaxTotalAllocatedBytes < 1 {
		return s, newErrorf(CodeSizeOutOfRange, `settings: max total allocated bytes %d below 1`, s.MaxTotalAllocatedBytes)
	}
	if s.LapsBeforeNewLane == 0 {
		s.LapsBeforeNewLane = DefaultLapsBeforeNewLane
	}
	if s.LaneAllocTries == 0 {
		s.LaneAllocTries = DefaultLaneAllocTries
	}
	if s.ConcurrentNewLaneAllocations == 0 {
		s.ConcurrentNewLaneAllocations = DefaultConcurrentNewLaneAllocations
	}
	if s.NewLaneAllocationTimeout == 0 {
		s.NewLaneAllocationTimeout = DefaultNewLaneAllocationTimeout
	}
	if s.DisposalMode != FragmentDispose && s.DisposalMode != TrackGhosts {
		return s, newErrorf(CodeMissingOrInvalidArgument, `settings: unknown disposal mode %d`, s.DisposalMode)
	}
	return s, nil
}

func (x *HighwaySettings) nextCapacity(lastLaneIndex int64) int64 {
	if x.NextCapacity != nil {
		return x.NextCapacity(lastLaneIndex)
	}
	return x.DefaultLaneCapacity
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
