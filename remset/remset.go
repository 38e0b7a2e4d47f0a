// Package remset implements the per-region remembered set: a conservative
// record of which other regions hold pointers into the owning region, at
// card granularity.
//
// An entry is (source region, card index within the source region). The set
// may hold stale entries for pointers that no longer exist; that only costs
// scan work. It must never omit a live cross-region reference; that would
// corrupt the heap.
//
// Storage escalates per source region as entries accumulate:
//
//   - sparse: a short immutable slice of card indices, replaced wholesale on
//     every addition.
//   - fine: a card bitmap for the source region, promoted from sparse when
//     the slice fills up. Bits are only ever set, never cleared, outside
//     Clear.
//   - coarse: a single bit meaning "scan every card of that source region",
//     used when the table budget is exhausted.
//
// Writers serialize on a mutex. Readers are lock-free: every mutation is
// published with a release store (atomic pointer swing or atomic word
// store), so a reader holding no lock observes either the pre-update or the
// fully-constructed post-update state, never a partially-linked entry.
// Evacuation-pause writers run at a safepoint where no refinement thread is
// active, so the two writer paths are mutually exclusive by phase.
package remset

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

const gcAsserts = true // perform sanity checks

// RegionIndex identifies a region in the heap's region table.
type RegionIndex uint32

// NoRegion is the sentinel for "no region".
const NoRegion RegionIndex = ^RegionIndex(0)

// CardIndex is a card offset within a single region.
type CardIndex uint32

// sparseCap is the number of cards recorded per source region before the
// entry is promoted to a fine bitmap.
const sparseCap = 8

// RemSet is the remembered set of one heap region.
type RemSet struct {
	owner          RegionIndex
	cardsPerRegion uint32
	maxFineTables  int

	mu     sync.Mutex               // serializes writers
	tables atomic.Pointer[tableMap] // source region -> card set, copy-on-write
	coarse []uint64                 // coarse region bitmap, atomic word access

	ncoarse     atomic.Int64
	coarsenings atomic.Int64

	code codeRootSet
}

// tableMap is an immutable snapshot of the per-source tables. Writers build
// a new map and publish it; readers follow the atomic pointer.
type tableMap struct {
	entries map[RegionIndex]*srcTable
}

// srcTable tracks the cards of a single source region.
type srcTable struct {
	region RegionIndex
	rep    atomic.Pointer[cardSet]
}

// cardSet is one representation level. Exactly one of sparse and fine is
// non-nil. A sparse cardSet is immutable once published; a fine cardSet has
// its words updated in place with atomic stores.
type cardSet struct {
	sparse []CardIndex
	fine   []uint64
}

// New creates an empty remembered set for the given owning region.
// numRegions bounds the coarse bitmap; maxFineTables bounds how many source
// regions get card-precise tracking before coarsening kicks in.
func New(owner RegionIndex, numRegions uint32, cardsPerRegion uint32, maxFineTables int) *RemSet {
	rs := &RemSet{
		owner:          owner,
		cardsPerRegion: cardsPerRegion,
		maxFineTables:  maxFineTables,
		coarse:         make([]uint64, (numRegions+63)/64),
	}
	rs.tables.Store(&tableMap{entries: map[RegionIndex]*srcTable{}})
	rs.code.init()
	return rs
}

// Owner returns the region this set belongs to.
func (rs *RemSet) Owner() RegionIndex {
	return rs.owner
}

func (rs *RemSet) coarseBit(from RegionIndex) bool {
	word := atomic.LoadUint64(&rs.coarse[from/64])
	return word&(1<<(from%64)) != 0
}

func (rs *RemSet) setCoarseBit(from RegionIndex) {
	// Single writer under rs.mu; the atomic store is the release
	// publication for lock-free readers.
	word := atomic.LoadUint64(&rs.coarse[from/64])
	atomic.StoreUint64(&rs.coarse[from/64], word|1<<(from%64))
	rs.ncoarse.Add(1)
}

// AddReference records that the card at cardInFrom within region from holds
// a pointer into the owning region. Safe to call concurrently with readers;
// concurrent writers serialize internally.
func (rs *RemSet) AddReference(from RegionIndex, cardInFrom CardIndex) {
	if gcAsserts {
		if from == rs.owner {
			panic("gc: remset: recording a same-region reference")
		}
		if uint32(cardInFrom) >= rs.cardsPerRegion {
			panic("gc: remset: card index outside the source region")
		}
	}
	if rs.coarseBit(from) {
		// Already covered at region granularity.
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	tm := rs.tables.Load()
	t := tm.entries[from]
	if t == nil {
		if len(tm.entries) >= rs.maxFineTables {
			// Out of table budget: fall back to coarse coverage for this
			// source region. Strictly more conservative, so still sound.
			rs.setCoarseBit(from)
			rs.coarsenings.Add(1)
			return
		}
		t = &srcTable{region: from}
		t.rep.Store(&cardSet{sparse: []CardIndex{cardInFrom}})
		entries := make(map[RegionIndex]*srcTable, len(tm.entries)+1)
		for k, v := range tm.entries {
			entries[k] = v
		}
		entries[from] = t
		rs.tables.Store(&tableMap{entries: entries})
		return
	}

	cs := t.rep.Load()
	if cs.fine != nil {
		// Bits only ever get set here, and there is a single writer, so a
		// plain read-modify-write with an atomic release store suffices.
		word := atomic.LoadUint64(&cs.fine[cardInFrom/64])
		atomic.StoreUint64(&cs.fine[cardInFrom/64], word|1<<(cardInFrom%64))
		return
	}
	for _, c := range cs.sparse {
		if c == cardInFrom {
			return
		}
	}
	if len(cs.sparse) < sparseCap {
		sparse := make([]CardIndex, len(cs.sparse), len(cs.sparse)+1)
		copy(sparse, cs.sparse)
		sparse = append(sparse, cardInFrom)
		t.rep.Store(&cardSet{sparse: sparse})
		return
	}

	// Sparse slice is full: promote to the fine bitmap.
	fine := make([]uint64, (rs.cardsPerRegion+63)/64)
	for _, c := range cs.sparse {
		fine[c/64] |= 1 << (c % 64)
	}
	fine[cardInFrom/64] |= 1 << (cardInFrom % 64)
	t.rep.Store(&cardSet{fine: fine})
}

// Contains reports whether the set records a reference from the given source
// card. Lock-free; safe concurrently with AddReference.
func (rs *RemSet) Contains(from RegionIndex, cardInFrom CardIndex) bool {
	if rs.coarseBit(from) {
		return true
	}
	t := rs.tables.Load().entries[from]
	if t == nil {
		return false
	}
	cs := t.rep.Load()
	if cs.fine != nil {
		return atomic.LoadUint64(&cs.fine[cardInFrom/64])&(1<<(cardInFrom%64)) != 0
	}
	for _, c := range cs.sparse {
		if c == cardInFrom {
			return true
		}
	}
	return false
}

// ContainsRegion reports whether any reference from the given source region
// is recorded, at any granularity.
func (rs *RemSet) ContainsRegion(from RegionIndex) bool {
	if rs.coarseBit(from) {
		return true
	}
	return rs.tables.Load().entries[from] != nil
}

// IsEmpty reports whether no references and no code roots are recorded.
func (rs *RemSet) IsEmpty() bool {
	return rs.ncoarse.Load() == 0 &&
		len(rs.tables.Load().entries) == 0 &&
		rs.code.count() == 0
}

// Occupied returns how many cards are tracked sparse and fine, and how many
// source regions are covered coarsely.
func (rs *RemSet) Occupied() (sparse, fine, coarse int) {
	for _, t := range rs.tables.Load().entries {
		cs := t.rep.Load()
		if cs.fine != nil {
			for i := range cs.fine {
				fine += popcount(atomic.LoadUint64(&cs.fine[i]))
			}
		} else {
			sparse += len(cs.sparse)
		}
	}
	return sparse, fine, int(rs.ncoarse.Load())
}

// Coarsenings returns how many source regions were demoted to coarse
// coverage since the last Clear.
func (rs *RemSet) Coarsenings() int {
	return int(rs.coarsenings.Load())
}

// ForEachCard calls fn for every card-precise entry. Coarsened source
// regions are reported through ForEachCoarseRegion instead. fn returning
// false stops the walk.
func (rs *RemSet) ForEachCard(fn func(from RegionIndex, cardInFrom CardIndex) bool) {
	for _, t := range rs.tables.Load().entries {
		cs := t.rep.Load()
		if cs.fine != nil {
			for i := range cs.fine {
				word := atomic.LoadUint64(&cs.fine[i])
				for word != 0 {
					bit := trailingZeros(word)
					if !fn(t.region, CardIndex(i*64+bit)) {
						return
					}
					word &^= 1 << bit
				}
			}
		} else {
			for _, c := range cs.sparse {
				if !fn(t.region, c) {
					return
				}
			}
		}
	}
}

// ForEachCoarseRegion calls fn for every coarsely-covered source region.
func (rs *RemSet) ForEachCoarseRegion(fn func(from RegionIndex) bool) {
	for i := range rs.coarse {
		word := atomic.LoadUint64(&rs.coarse[i])
		for word != 0 {
			bit := trailingZeros(word)
			if !fn(RegionIndex(i*64 + bit)) {
				return
			}
			word &^= 1 << bit
		}
	}
}

// Clear empties the set. Called when the owning region transitions back to
// Free; must not race with refinement of cards targeting this region.
func (rs *RemSet) Clear() {
	rs.mu.Lock()
	rs.tables.Store(&tableMap{entries: map[RegionIndex]*srcTable{}})
	for i := range rs.coarse {
		atomic.StoreUint64(&rs.coarse[i], 0)
	}
	rs.ncoarse.Store(0)
	rs.coarsenings.Store(0)
	rs.mu.Unlock()
	rs.code.clear()
}

func popcount(w uint64) int {
	return bits.OnesCount64(w)
}

func trailingZeros(w uint64) int {
	return bits.TrailingZeros64(w)
}
