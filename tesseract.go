package memlanes

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

// Gear is the coarse mutation mode of a Tesseract. Gears partition the
// permitted concurrent operations so that mutations never race with
// structural changes; see the per-operation docs for which gears allow what.
type Gear int32

const (
	// GearN permits Get, Set, Take, Format, and NotNullItems.
	GearN Gear = iota
	// GearStraight permits Append in place of Format. The default gear.
	GearStraight
	// GearReverse permits RemoveLast instead of Append.
	GearReverse
	// GearP (park) permits only Resize, and is the only gear in which Resize
	// may shrink.
	GearP
)

// String returns the gear's name.
func (g Gear) String() string {
	switch g {
	case GearN:
		return `N`
	case GearStraight:
		return `Straight`
	case GearReverse:
		return `Reverse`
	case GearP:
		return `P`
	default:
		return fmt.Sprintf(`Gear(%d)`, int32(g))
	}
}

const (
	// tesseractTileSize is the slot count of one leaf tile, and the
	// granularity of all expansion and shrinking.
	tesseractTileSize = 256

	// MaxTesseractSlots is the hard capacity ceiling of a Tesseract.
	MaxTesseractSlots = 1 << 30

	// DefaultTesseractExpansion is the slot count added per expansion, when
	// no TesseractConfig.Expansion callback is configured.
	DefaultTesseractExpansion = 1 << 13
)

type (
	// TesseractConfig models optional configuration, for NewTesseract.
	TesseractConfig struct {
		// Expansion, if non-nil, is consulted on append-driven growth, with
		// the current allocated slot count, and must return the desired new
		// capacity. Results are clamped to [0, MaxTesseractSlots]. If the
		// (clamped) result cannot accommodate the pending append, the append
		// reports capacity exhaustion.
		Expansion func(allocatedSlots int64) int64

		// OnGearShift, if non-nil, is notified of every effective gear
		// change, on its own goroutine. Panics are swallowed; a shift never
		// fails on account of its observers.
		OnGearShift func(old, new Gear)

		// InitialSlots pre-allocates capacity, rounded up to whole tiles.
		InitialSlots int64

		// CountItems enables maintenance of the non-nil item count, exposed
		// via ItemsCount.
		CountItems bool
	}

	// Tesseract is a concurrent, expandable, indexable container of *T
	// slots, where nil models absence. Conceptually it is a four-level
	// ragged array addressed by the four bytes of the slot index; only the
	// sub-arrays actually needed are materialized, in 256-slot tiles.
	//
	// Slot reads below the allocated capacity never take locks, and are safe
	// in any gear except GearP, even concurrently with expansion: capacity
	// is published with release semantics after the backing tiles are
	// installed. Structural safety for mutations is governed by the gear
	// protocol; see Clutch.
	//
	// Instances must be initialized using the NewTesseract factory.
	Tesseract[T any] struct {
		cubes       [tesseractTileSize]*tesseractCube[T]
		expansion   func(allocatedSlots int64) int64
		onGearShift func(old, new Gear)

		appendIndex    atomic.Int64 // highest written index; starts at -1
		allocatedSlots atomic.Int64
		itemsCount     atomic.Int64
		concurrentOps  atomic.Int64
		gear           atomic.Int32

		shiftMu  sync.Mutex // serializes Clutch
		expandMu sync.Mutex // serializes structural changes

		countItems bool
	}

	tesseractCube[T any]  [tesseractTileSize]*tesseractPlane[T]
	tesseractPlane[T any] [tesseractTileSize]*tesseractTile[T]
	tesseractTile[T any]  [tesseractTileSize]atomic.Pointer[T]
)

// NewTesseract initializes a new Tesseract, in GearStraight. The provided
// config may be nil.
func NewTesseract[T any](config *TesseractConfig) (*Tesseract[T], error) {
	x := Tesseract[T]{}
	x.appendIndex.Store(-1)
	x.gear.Store(int32(GearStraight))

	var initial int64
	if config != nil {
		x.countItems = config.CountItems
		x.expansion = config.Expansion
		x.onGearShift = config.OnGearShift
		initial = config.InitialSlots
	}
	if initial < 0 || initial > MaxTesseractSlots {
		return nil, newErrorf(CodeMissingOrInvalidArgument, `tesseract: initial slots %d outside [0, %d]`, initial, int64(MaxTesseractSlots))
	}
	if initial > 0 {
		x.expandMu.Lock()
		err := x.growLocked(roundUpTiles(initial))
		x.expandMu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	return &x, nil
}

func roundUpTiles(n int64) int64 {
	return (n + tesseractTileSize - 1) &^ (tesseractTileSize - 1)
}

// enter registers an in-flight operation, verifying the current gear is one
// of allowed. The transient increment of the op counter happens regardless,
// so a concurrent Clutch may momentarily observe it.
func (x *Tesseract[T]) enter(allowed ...Gear) error {
	x.concurrentOps.Add(1)
	g := Gear(x.gear.Load())
	for _, a := range allowed {
		if g == a {
			return nil
		}
	}
	x.concurrentOps.Add(-1)
	return newErrorf(CodeWrongGear, `tesseract: gear %s does not permit the operation`, g)
}

func (x *Tesseract[T]) exit() {
	x.concurrentOps.Add(-1)
}

// slotAt returns the slot cell for index i, which must be below the
// allocated capacity observed by the caller.
func (x *Tesseract[T]) slotAt(i int64) *atomic.Pointer[T] {
	d0, d1, d2, d3 := pos4(uint32(i))
	return &x.cubes[d0][d1][d2][d3]
}

// Gear returns the current gear.
func (x *Tesseract[T]) Gear() Gear {
	return Gear(x.gear.Load())
}

// AppendIndex returns the highest written index, or -1 if nothing was ever
// appended.
func (x *Tesseract[T]) AppendIndex() int64 {
	return x.appendIndex.Load()
}

// AllocatedSlots returns the currently allocated capacity, in slots.
func (x *Tesseract[T]) AllocatedSlots() int64 {
	return x.allocatedSlots.Load()
}

// ItemsCount returns the count of non-nil slots. The count is only
// maintained if TesseractConfig.CountItems was set; ok is false otherwise.
func (x *Tesseract[T]) ItemsCount() (count int64, ok bool) {
	if !x.countItems {
		return 0, false
	}
	return x.itemsCount.Load(), true
}

// Get returns the value at index i, which must be below the allocated
// capacity. Permitted in gears N, Straight, and Reverse.
func (x *Tesseract[T]) Get(i int64) (*T, error) {
	if err := x.enter(GearN, GearStraight, GearReverse); err != nil {
		return nil, err
	}
	defer x.exit()
	if i < 0 || i >= x.allocatedSlots.Load() {
		return nil, newErrorf(CodeMissingOrInvalidArgument, `tesseract: get: index %d out of range`, i)
	}
	return x.slotAt(i).Load(), nil
}

// Set replaces the value at index i, which must not exceed the append index,
// returning the previous value. Permitted in gears N, Straight, and Reverse.
func (x *Tesseract[T]) Set(i int64, v *T) (*T, error) {
	if err := x.enter(GearN, GearStraight, GearReverse); err != nil {
		return nil, err
	}
	defer x.exit()
	if i < 0 || i > x.appendIndex.Load() {
		return nil, newErrorf(CodeMissingOrInvalidArgument, `tesseract: set: index %d out of range`, i)
	}
	prev := x.slotAt(i).Swap(v)
	if x.countItems {
		if prev == nil && v != nil {
			x.itemsCount.Add(1)
		} else if prev != nil && v == nil {
			x.itemsCount.Add(-1)
		}
	}
	return prev, nil
}

// Take atomically swaps the slot at index i with nil, returning the prior
// value. Permitted in gears N, Straight, and Reverse.
func (x *Tesseract[T]) Take(i int64) (*T, error) {
	if err := x.enter(GearN, GearStraight, GearReverse); err != nil {
		return nil, err
	}
	defer x.exit()
	if i < 0 || i >= x.allocatedSlots.Load() {
		return nil, newErrorf(CodeMissingOrInvalidArgument, `tesseract: take: index %d out of range`, i)
	}
	prev := x.slotAt(i).Swap(nil)
	if prev != nil && x.countItems {
		x.itemsCount.Add(-1)
	}
	return prev, nil
}

// Append writes v at the next index, expanding the backing storage if
// required, and returns the new index. Returns -1 (and a nil error) if
// capacity is exhausted, i.e. growth past MaxTesseractSlots, or past the
// TesseractConfig.Expansion result, would be required. Only permitted in
// GearStraight.
func (x *Tesseract[T]) Append(v *T) (int64, error) {
	if err := x.enter(GearStraight); err != nil {
		return -1, err
	}
	defer x.exit()

	for {
		i := x.appendIndex.Load()
		next := i + 1
		if next >= x.allocatedSlots.Load() {
			if ok, err := x.expand(next + 1); err != nil {
				return -1, err
			} else if !ok {
				return -1, nil
			}
			continue
		}
		if !x.appendIndex.CompareAndSwap(i, next) {
			continue
		}
		x.slotAt(next).Store(v)
		if v != nil && x.countItems {
			x.itemsCount.Add(1)
		}
		return next, nil
	}
}

// expand grows capacity to at least minSlots, reporting false if the
// configured policy cannot reach it.
func (x *Tesseract[T]) expand(minSlots int64) (bool, error) {
	x.expandMu.Lock()
	defer x.expandMu.Unlock()

	allocated := x.allocatedSlots.Load()
	if minSlots <= allocated {
		return true, nil // raced with another expansion
	}
	if minSlots > MaxTesseractSlots {
		return false, nil
	}

	desired := allocated + DefaultTesseractExpansion
	if x.expansion != nil {
		desired = x.expansion(allocated)
	}
	desired = min(desired, MaxTesseractSlots)
	if desired < minSlots {
		return false, nil
	}

	if err := x.growLocked(roundUpTiles(desired)); err != nil {
		return false, err
	}
	return true, nil
}

// growLocked materializes tiles up to target slots (a tile multiple) and
// publishes the new capacity. Callers hold expandMu.
func (x *Tesseract[T]) growLocked(target int64) error {
	for slot := x.allocatedSlots.Load(); slot < target; slot += tesseractTileSize {
		d0, d1, d2, _ := pos4(uint32(slot))
		cube := x.cubes[d0]
		if cube == nil {
			cube = new(tesseractCube[T])
			x.cubes[d0] = cube
		}
		plane := cube[d1]
		if plane == nil {
			plane = new(tesseractPlane[T])
			cube[d1] = plane
		}
		if plane[d2] == nil {
			plane[d2] = new(tesseractTile[T])
		}
	}
	// release: readers observing the new capacity also observe the tiles
	x.allocatedSlots.Store(target)
	return nil
}

// RemoveLast decrements the append index, returning the prior value of the
// vacated slot after swapping it with nil. Only permitted in GearReverse.
// Fails if the container is empty.
func (x *Tesseract[T]) RemoveLast() (*T, error) {
	if err := x.enter(GearReverse); err != nil {
		return nil, err
	}
	defer x.exit()

	for {
		i := x.appendIndex.Load()
		if i < 0 {
			return nil, newError(CodeMissingOrInvalidArgument, `tesseract: remove last: empty`)
		}
		if !x.appendIndex.CompareAndSwap(i, i-1) {
			continue
		}
		prev := x.slotAt(i).Swap(nil)
		if prev != nil && x.countItems {
			x.itemsCount.Add(-1)
		}
		return prev, nil
	}
}

// Resize grows or shrinks the allocated capacity to cover n slots, rounded
// up to whole tiles. Growing (expand true) is permitted in any gear, and is
// a no-op if capacity already covers n. Shrinking (expand false) is only
// permitted in GearP: tiles above the tile-rounded n are discarded, the
// append index is cut to at most n-1, and the item count is rebuilt.
func (x *Tesseract[T]) Resize(n int64, expand bool) error {
	if n < 0 || n > MaxTesseractSlots {
		return newErrorf(CodeMissingOrInvalidArgument, `tesseract: resize: %d outside [0, %d]`, n, int64(MaxTesseractSlots))
	}
	target := roundUpTiles(n)

	if expand {
		x.expandMu.Lock()
		defer x.expandMu.Unlock()
		if target > x.allocatedSlots.Load() {
			return x.growLocked(target)
		}
		return nil
	}

	if g := Gear(x.gear.Load()); g != GearP {
		return newErrorf(CodeWrongGear, `tesseract: resize: shrinking requires gear P, not %s`, g)
	}

	x.expandMu.Lock()
	defer x.expandMu.Unlock()

	allocated := x.allocatedSlots.Load()
	if target < allocated {
		x.allocatedSlots.Store(target)
		for slot := target; slot < allocated; slot += tesseractTileSize {
			d0, d1, d2, _ := pos4(uint32(slot))
			if cube := x.cubes[d0]; cube != nil {
				if plane := cube[d1]; plane != nil {
					plane[d2] = nil
				}
			}
		}
	}
	if x.appendIndex.Load() > n-1 {
		x.appendIndex.Store(n - 1)
	}
	if x.countItems {
		var count int64
		for i := int64(0); i <= x.appendIndex.Load(); i++ {
			if x.slotAt(i).Load() != nil {
				count++
			}
		}
		x.itemsCount.Store(count)
	}
	return nil
}

// Format writes v to every allocated slot. Only permitted in GearN.
func (x *Tesseract[T]) Format(v *T) error {
	if err := x.enter(GearN); err != nil {
		return err
	}
	defer x.exit()

	allocated := x.allocatedSlots.Load()
	for i := int64(0); i < allocated; i++ {
		x.slotAt(i).Store(v)
	}
	if x.countItems {
		if v != nil {
			x.itemsCount.Store(allocated)
		} else {
			x.itemsCount.Store(0)
		}
	}
	return nil
}

// Clutch changes gear, returning the previous gear. It is serialized by a
// dedicated lock; the new gear is installed first, then Clutch waits for all
// in-flight operations to drain. A negative timeout waits forever.
//
// If the drain wait times out, a SignalAwaitTimeout error is returned and
// THE NEW GEAR REMAINS INSTALLED; operations permitted by it proceed as
// usual, and the caller may simply retry the Clutch to wait again.
//
// The optional f runs inside the shift lock, after a successful drain, i.e.
// with no concurrent operations in flight and further gear shifts excluded.
func (x *Tesseract[T]) Clutch(g Gear, f func(), timeout time.Duration) (Gear, error) {
	if g < GearN || g > GearP {
		return 0, newErrorf(CodeMissingOrInvalidArgument, `tesseract: clutch: invalid gear %d`, int32(g))
	}

	x.shiftMu.Lock()
	defer x.shiftMu.Unlock()

	prev := Gear(x.gear.Swap(int32(g)))
	if x.onGearShift != nil && prev != g {
		go func() {
			defer func() { _ = recover() }()
			x.onGearShift(prev, g)
		}()
	}

	if ok := awaitSettled(&x.concurrentOps, timeout); !ok {
		return prev, newErrorf(CodeSignalAwaitTimeout, `tesseract: clutch: drain of in-flight operations timed out after %s (gear %s remains installed)`, timeout, g)
	}

	if f != nil {
		f()
	}
	return prev, nil
}

// NotNullItems returns a lazy sequence, in index order, of the slots up to
// the append index that are non-nil at observation time. Permitted in gears
// N, Straight, and Reverse; the gear is re-verified when iteration begins,
// yielding nothing if it became disallowed.
func (x *Tesseract[T]) NotNullItems() (iter.Seq2[int64, *T], error) {
	if err := x.enter(GearN, GearStraight, GearReverse); err != nil {
		return nil, err
	}
	x.exit()

	return func(yield func(int64, *T) bool) {
		if x.enter(GearN, GearStraight, GearReverse) != nil {
			return
		}
		defer x.exit()
		last := x.appendIndex.Load()
		for i := int64(0); i <= last; i++ {
			if v := x.slotAt(i).Load(); v != nil {
				if !yield(i, v) {
					return
				}
			}
		}
	}, nil
}

// IndexOf scans up to the append index for the slot holding v (pointer
// identity), returning -1 if absent. Permitted in gears N, Straight, and
// Reverse.
func (x *Tesseract[T]) IndexOf(v *T) (int64, error) {
	if err := x.enter(GearN, GearStraight, GearReverse); err != nil {
		return -1, err
	}
	defer x.exit()
	last := x.appendIndex.Load()
	for i := int64(0); i <= last; i++ {
		if x.slotAt(i).Load() == v {
			return i, nil
		}
	}
	return -1, nil
}

// Remove scans up to the append index for the slot holding v (pointer
// identity) and swaps it with nil, reporting whether it was found. Permitted
// in gears N, Straight, and Reverse.
func (x *Tesseract[T]) Remove(v *T) (bool, error) {
	if err := x.enter(GearN, GearStraight, GearReverse); err != nil {
		return false, err
	}
	defer x.exit()
	last := x.appendIndex.Load()
	for i := int64(0); i <= last; i++ {
		slot := x.slotAt(i)
		if slot.Load() == v && slot.CompareAndSwap(v, nil) {
			if v != nil && x.countItems {
				x.itemsCount.Add(-1)
			}
			return true, nil
		}
	}
	return false, nil
}

// MoveAppendIndex overwrites the append index. Unsafe; for diagnostics and
// recovery after forced resets only. The unforced form validates i against
// the allocated capacity; forced bypasses all invariants. Neither form checks
// the gear.
func (x *Tesseract[T]) MoveAppendIndex(i int64, forced bool) error {
	if !forced {
		if i < -1 || i >= x.allocatedSlots.Load() {
			return newErrorf(CodeMissingOrInvalidArgument, `tesseract: move append index: %d out of range`, i)
		}
	}
	x.appendIndex.Store(i)
	return nil
}
