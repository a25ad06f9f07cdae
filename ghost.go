package memlanes

import (
	"weak"
)

// ghostEntry tracks one allocated fragment by weak reference, in TrackGhosts
// mode. The slot holding an entry is the decrement authority for its
// fragment: whichever party atomically takes the slot (an explicit Dispose,
// or the FreeGhosts sweep) performs the single live-count decrement, so a
// disposed-then-swept fragment cannot decrement twice.
type ghostEntry struct {
	ref   weak.Pointer[Fragment]
	cycle int64
}

// trackGhost registers f in the lane's ghost index, reporting false if the
// index is at its tracking limit.
func (x *Lane) trackGhost(f *Fragment) bool {
	i, err := x.ghosts.Append(&ghostEntry{ref: weak.Make(f), cycle: f.cycle})
	if err != nil || i < 0 {
		return false
	}
	if count, _ := x.ghosts.ItemsCount(); count > x.ghostLimit {
		if taken, err := x.ghosts.Take(i); err == nil && taken != nil {
			return false
		}
	}
	f.ghostIndex = i
	return true
}

// FreeGhosts sweeps the ghost index: every entry whose fragment is no longer
// reachable is cleared, with one live-count decrement each (triggering the
// usual reset when the count reaches zero). Returns the number of ghosts
// freed. Only valid in TrackGhosts mode.
func (x *Lane) FreeGhosts() (int, error) {
	if x.ghosts == nil {
		return 0, newError(CodeIncorrectDisposalMode, `lane: ghost tracking not enabled`)
	}

	seq, err := x.ghosts.NotNullItems()
	if err != nil {
		return 0, err
	}

	var freed int
	for i, entry := range seq {
		if entry.ref.Value() != nil {
			continue
		}
		taken, err := x.ghosts.Take(i)
		if err != nil || taken == nil {
			continue
		}
		if err := x.releaseAllocation(taken.cycle); err != nil {
			return freed, err
		}
		freed++
	}

	if freed > 0 {
		x.logger.Debug().Int(`freed`, freed).Log(`ghost sweep reclaimed fragments`)
	}
	return freed, nil
}
