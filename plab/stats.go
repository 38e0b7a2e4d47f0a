package plab

import "sync/atomic"

// Stats accumulates per-collection allocation figures across all evacuation
// workers, in words. Workers flush their buffers concurrently at the end of
// a pause, so every counter is atomic.
type Stats struct {
	// allocated is the total buffer space handed to workers.
	allocated atomic.Uint64

	// wasted is space thrown away inside retired buffers (too small a tail
	// to hold the next object).
	wasted atomic.Uint64

	// undoWasted is space lost to retracted allocations that were no longer
	// on top of their buffer.
	undoWasted atomic.Uint64

	// unused is space still free in buffers when the collection ended.
	unused atomic.Uint64

	// regionEndWaste is buffer space lost because an allocation region ran
	// out; it reflects region geometry, not buffer sizing, and is excluded
	// from the waste the sizer steers on.
	regionEndWaste atomic.Uint64

	// regionsFilled counts allocation regions retired full.
	regionsFilled atomic.Uint64

	// directAllocated is space for objects too large for a buffer,
	// allocated straight out of the region.
	directAllocated atomic.Uint64

	// failureUsed and failureWaste account objects left in place after an
	// evacuation failure.
	failureUsed  atomic.Uint64
	failureWaste atomic.Uint64
}

// AddAllocated records buffer space handed out.
func (s *Stats) AddAllocated(words uint64) { s.allocated.Add(words) }

// AddWasted records space discarded when retiring a buffer.
func (s *Stats) AddWasted(words uint64) { s.wasted.Add(words) }

// AddUndoWasted records space lost to a failed allocation retraction.
func (s *Stats) AddUndoWasted(words uint64) { s.undoWasted.Add(words) }

// AddUnused records space left in a live buffer at the end of a collection.
func (s *Stats) AddUnused(words uint64) { s.unused.Add(words) }

// AddRegionEndWaste records buffer space lost to region exhaustion.
func (s *Stats) AddRegionEndWaste(words uint64) { s.regionEndWaste.Add(words) }

// IncrRegionsFilled counts one allocation region retired full.
func (s *Stats) IncrRegionsFilled() { s.regionsFilled.Add(1) }

// AddDirectAllocated records an allocation that bypassed the buffers.
func (s *Stats) AddDirectAllocated(words uint64) { s.directAllocated.Add(words) }

// AddFailureUsed records live words left in place by an evacuation failure.
func (s *Stats) AddFailureUsed(words uint64) { s.failureUsed.Add(words) }

// AddFailureWaste records dead words left behind by an evacuation failure.
func (s *Stats) AddFailureWaste(words uint64) { s.failureWaste.Add(words) }

// Allocated returns the buffer space handed out this collection.
func (s *Stats) Allocated() uint64 { return s.allocated.Load() }

// Wasted returns the space discarded in retired buffers.
func (s *Stats) Wasted() uint64 { return s.wasted.Load() }

// UndoWasted returns the space lost to allocation retractions.
func (s *Stats) UndoWasted() uint64 { return s.undoWasted.Load() }

// Unused returns the space left free at the end of the collection.
func (s *Stats) Unused() uint64 { return s.unused.Load() }

// RegionEndWaste returns the space lost to region exhaustion.
func (s *Stats) RegionEndWaste() uint64 { return s.regionEndWaste.Load() }

// reset clears all counters for the next collection.
func (s *Stats) reset() {
	s.allocated.Store(0)
	s.wasted.Store(0)
	s.undoWasted.Store(0)
	s.unused.Store(0)
	s.regionEndWaste.Store(0)
	s.regionsFilled.Store(0)
	s.directAllocated.Store(0)
	s.failureUsed.Store(0)
	s.failureWaste.Store(0)
}
