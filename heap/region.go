package heap

import (
	"sync/atomic"

	"github.com/andypeng2015/regiongc/oop"
	"github.com/andypeng2015/regiongc/remset"
)

// Kind is the lifecycle state of a region.
type Kind uint8

const (
	Free Kind = iota
	Eden
	Survivor
	Old
	Archive
	StartsHumongous
	ContinuesHumongous
)

// String returns a human-readable version of the region kind, for debugging.
func (k Kind) String() string {
	switch k {
	case Free:
		return "free"
	case Eden:
		return "eden"
	case Survivor:
		return "survivor"
	case Old:
		return "old"
	case Archive:
		return "archive"
	case StartsHumongous:
		return "starts-humongous"
	case ContinuesHumongous:
		return "continues-humongous"
	default:
		// must never happen
		return "!err"
	}
}

// IsYoung reports whether the kind belongs to the young generation.
func (k Kind) IsYoung() bool {
	return k == Eden || k == Survivor
}

// IsHumongous reports whether the kind is part of a humongous object.
func (k Kind) IsHumongous() bool {
	return k == StartsHumongous || k == ContinuesHumongous
}

// legalTransition is the region state machine: a region only ever changes
// kind through Free. Allocation takes it from Free to a concrete kind,
// reclamation takes it back. Free to Free is allowed so that clearing an
// already-clear region stays idempotent.
func legalTransition(from, to Kind) bool {
	return from == Free || to == Free
}

// noYoungIndex marks a region that is not in the young collection set.
const noYoungIndex = -1

// AllocationContext distinguishes which allocation domain a region serves.
type AllocationContext uint8

// SystemAllocationContext is the default domain.
const SystemAllocationContext AllocationContext = 0

// Region is a fixed-size contiguous slice of the managed heap. Regions are
// created once at heap initialization and reused forever; reclamation only
// resets them logically, it never returns memory to the OS.
type Region struct {
	ctx   *Context
	index remset.RegionIndex

	bottom oop.Address
	top    oop.Address // allocation frontier, guarded by ctx.allocMu
	end    oop.Address

	// kind, humongousStart and gcTimeStamp are written at safepoints and on
	// region allocation but read lock-free by concurrent refinement, so all
	// three are atomic.
	kind         atomic.Uint32
	allocContext AllocationContext

	// humongousStart is the region that begins the humongous object this
	// region belongs to, or NoRegion. A non-owning back-reference: region
	// lifetime is managed by the heap, never by peer regions.
	humongousStart atomic.Uint32

	gcTimeStamp atomic.Uint32

	// Liveness accounting for the two alternating marking epochs.
	prevMarkedBytes uintptr
	nextMarkedBytes uintptr

	youngIndexInCSet int
	inCSet           bool
	evacuationFailed bool

	remSet *remset.RemSet

	// objStarts holds the sorted start addresses of objects allocated in
	// this region, guarded by ctx.allocMu. It backs block-start lookups.
	objStarts []oop.Address
}

// Index returns the region's slot in the heap's region table.
func (r *Region) Index() remset.RegionIndex { return r.index }

// Bottom returns the inclusive lower address bound.
func (r *Region) Bottom() oop.Address { return r.bottom }

// End returns the exclusive upper address bound.
func (r *Region) End() oop.Address { return r.end }

// Top returns the allocation frontier.
func (r *Region) Top() oop.Address {
	r.ctx.allocMu.Lock()
	defer r.ctx.allocMu.Unlock()
	return r.top
}

// Capacity returns the region size in bytes.
func (r *Region) Capacity() uintptr { return uintptr(r.end - r.bottom) }

// Used returns the allocated bytes.
func (r *Region) Used() uintptr {
	return uintptr(r.Top() - r.bottom)
}

// Kind returns the current lifecycle state.
func (r *Region) Kind() Kind { return Kind(r.kind.Load()) }

// RemSet returns the region's remembered set.
func (r *Region) RemSet() *remset.RemSet { return r.remSet }

// HumongousStart returns the index of the region beginning this humongous
// object. Only meaningful for humongous regions.
func (r *Region) HumongousStart() remset.RegionIndex {
	return remset.RegionIndex(r.humongousStart.Load())
}

func (r *Region) setHumongousStart(idx remset.RegionIndex) {
	r.humongousStart.Store(uint32(idx))
}

// GCTimeStamp returns the heap epoch stamped when the region was last
// (re)allocated.
func (r *Region) GCTimeStamp() uint32 { return r.gcTimeStamp.Load() }

// YoungIndexInCSet returns the region's position in the young collection
// set, or -1.
func (r *Region) YoungIndexInCSet() int { return r.youngIndexInCSet }

// SetYoungIndexInCSet records the region's position in the young collection
// set.
func (r *Region) SetYoungIndexInCSet(i int) { r.youngIndexInCSet = i }

// SetInCollectionSet flags region membership in the active collection set.
func (r *Region) SetInCollectionSet(in bool) { r.inCSet = in }

// InCollectionSet reports whether the region is part of the active
// collection set.
func (r *Region) InCollectionSet() bool { return r.inCSet }

// SetEvacuationFailed flags that evacuating this region failed for lack of
// space.
func (r *Region) SetEvacuationFailed(failed bool) { r.evacuationFailed = failed }

// EvacuationFailed reports whether the last evacuation of this region
// failed.
func (r *Region) EvacuationFailed() bool { return r.evacuationFailed }

// PrevMarkedBytes returns the live bytes of the completed marking epoch.
func (r *Region) PrevMarkedBytes() uintptr { return r.prevMarkedBytes }

// NextMarkedBytes returns the live bytes of the in-progress marking epoch.
func (r *Region) NextMarkedBytes() uintptr { return r.nextMarkedBytes }

// AddNextMarkedBytes accumulates live bytes into the in-progress epoch.
func (r *Region) AddNextMarkedBytes(n uintptr) { r.nextMarkedBytes += n }

// SwapMarkedBytes retires the in-progress marking epoch: next becomes prev.
func (r *Region) SwapMarkedBytes() {
	r.prevMarkedBytes = r.nextMarkedBytes
	r.nextMarkedBytes = 0
}

func (r *Region) zeroMarkedBytes() {
	r.prevMarkedBytes = 0
	r.nextMarkedBytes = 0
}

// ReclaimableBytes returns how much space collecting this region would free,
// based on the completed marking epoch.
func (r *Region) ReclaimableBytes() uintptr {
	used := r.Used()
	if r.prevMarkedBytes > used {
		// Stale accounting can only overestimate liveness, never space.
		return 0
	}
	return used - r.prevMarkedBytes
}

// GCEfficiency returns reclaimable bytes per predicted millisecond of
// collection work, used by the policy to order collection-set candidates.
func (r *Region) GCEfficiency(predictedMs float64) float64 {
	if predictedMs <= 0 {
		return 0
	}
	return float64(r.ReclaimableBytes()) / predictedMs
}

// setKind transitions the region state machine. Illegal transitions indicate
// a collector bug and are fatal.
func (r *Region) setKind(to Kind) {
	from := r.Kind()
	if !legalTransition(from, to) {
		panic("gc: illegal region transition " + from.String() + " -> " + to.String())
	}
	r.kind.Store(uint32(to))
}

// recordTimestamp stamps the heap's current GC epoch on the region.
func (r *Region) recordTimestamp() {
	r.gcTimeStamp.Store(r.ctx.GCTimeStamp())
}

// allocate bump-allocates within the region. The caller must hold
// ctx.allocMu.
func (r *Region) allocate(bytes uintptr) (oop.Address, bool) {
	if gcAsserts && bytes%uintptr(oop.WordBytes) != 0 {
		panic("gc: unaligned region allocation")
	}
	if uintptr(r.end-r.top) < bytes {
		return 0, false
	}
	p := r.top
	r.top += oop.Address(bytes)
	r.objStarts = append(r.objStarts, p)
	return p, true
}

// hrClear logically resets the region to Free. Humongous linkage must have
// been cleared first. Idempotent: clearing an already-clear region changes
// nothing.
func (r *Region) hrClear(keepRemSet bool) {
	if gcAsserts {
		if r.HumongousStart() != remset.NoRegion {
			panic("gc: clearing a region with humongous linkage")
		}
		if r.inCSet {
			panic("gc: clearing a region in the active collection set")
		}
	}
	r.allocContext = SystemAllocationContext
	r.youngIndexInCSet = noYoungIndex
	r.setKind(Free)
	if !keepRemSet {
		r.remSet.Clear()
	}
	r.zeroMarkedBytes()
	r.evacuationFailed = false
	r.top = r.bottom
	r.objStarts = r.objStarts[:0]
	r.recordTimestamp()
}
