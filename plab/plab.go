package plab

import (
	"github.com/andypeng2015/regiongc/oop"
)

// PLAB is one worker's promotion buffer: a span of region memory the worker
// bump-allocates evacuation copies into without touching the shared region
// lock. All sizes are in words. A PLAB is owned by a single worker and is
// never accessed concurrently.
type PLAB struct {
	bottom oop.Address
	top    oop.Address
	end    oop.Address

	allocatedWords  uint64
	wastedWords     uint64
	undoWastedWords uint64
}

// New returns an empty buffer. The first SetBuffer installs backing space.
func New() *PLAB {
	return &PLAB{}
}

// SetBuffer installs a fresh span of words, retiring whatever remained of
// the previous one as waste.
func (p *PLAB) SetBuffer(start oop.Address, words uint64) {
	p.wastedWords += p.remaining()
	p.bottom = start
	p.top = start
	p.end = start + oop.Address(words*uint64(oop.WordBytes))
	p.allocatedWords += words
}

// Allocate carves words out of the buffer, or reports false when the
// remainder is too small. The caller then retires the buffer and fetches a
// new one, or falls back to a direct region allocation.
func (p *PLAB) Allocate(words uint64) (oop.Address, bool) {
	bytes := oop.Address(words * uint64(oop.WordBytes))
	if p.end-p.top < bytes {
		return 0, false
	}
	obj := p.top
	p.top += bytes
	return obj, true
}

// Undo retracts an allocation. Only the most recent allocation can be
// rolled back in place; anything else becomes undo waste.
func (p *PLAB) Undo(obj oop.Address, words uint64) {
	bytes := oop.Address(words * uint64(oop.WordBytes))
	if obj+bytes == p.top {
		p.top = obj
		return
	}
	p.undoWastedWords += words
}

// Words returns the capacity of the current span.
func (p *PLAB) Words() uint64 {
	return uint64(p.end-p.bottom) / uint64(oop.WordBytes)
}

func (p *PLAB) remaining() uint64 {
	return uint64(p.end-p.top) / uint64(oop.WordBytes)
}

// FlushAndRetire folds the buffer's figures into the shared stats at the end
// of a collection. The unallocated tail counts as unused, not wasted: the
// collection simply ended before the buffer filled.
func (p *PLAB) FlushAndRetire(stats *Stats) {
	stats.AddAllocated(p.allocatedWords)
	stats.AddWasted(p.wastedWords)
	stats.AddUndoWasted(p.undoWastedWords)
	stats.AddUnused(p.remaining())
	p.bottom = 0
	p.top = 0
	p.end = 0
	p.allocatedWords = 0
	p.wastedWords = 0
	p.undoWastedWords = 0
}
