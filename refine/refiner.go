package refine

import (
	"sync/atomic"

	"github.com/andypeng2015/regiongc/gclog"
	"github.com/andypeng2015/regiongc/heap"
	"github.com/andypeng2015/regiongc/oop"
)

// HeapRefiner turns dirty cards back into remembered-set entries. A card is
// claimed by cleaning its table entry; the claim makes the refiner solely
// responsible for re-deriving every cross-region reference written under
// that card since it was last clean.
type HeapRefiner struct {
	heap *heap.Context
	log  gclog.Logger

	// deferred receives cards that could not be processed yet, typically
	// because an object under the card is still being constructed. Usually
	// the mutator queue, closing the retry loop.
	deferred atomic.Pointer[deferredSink]

	refinedCards  atomic.Int64
	deferredCards atomic.Int64
	staleCards    atomic.Int64
}

type deferredSink struct{ sink heap.DirtyCardSink }

// NewHeapRefiner returns a refiner for the given heap.
func NewHeapRefiner(h *heap.Context, log gclog.Logger) *HeapRefiner {
	if log == nil {
		log = gclog.Discard
	}
	return &HeapRefiner{heap: h, log: log}
}

// SetDeferredSink wires the destination for not-yet-processable cards.
func (f *HeapRefiner) SetDeferredSink(s heap.DirtyCardSink) {
	f.deferred.Store(&deferredSink{sink: s})
}

// RefineCard processes one dirty card. A card naming a slot outside the card
// table means the barrier or the queue corrupted it, which is fatal. A card
// over a freed region is stale and dropped.
func (f *HeapRefiner) RefineCard(card heap.GlobalCard) {
	h := f.heap
	if !h.IsValidCard(card) {
		panic("gc: refinement of a card outside the card table")
	}
	if !h.CleanCard(card) {
		// Already clean: another refiner or a pause claimed it.
		return
	}
	regionIdx, _ := h.CardRegion(card)
	r := h.Region(regionIdx)
	if r.Kind() == heap.Free {
		// The region was reclaimed after the card was dirtied.
		f.staleCards.Add(1)
		return
	}

	start, end := h.CardBounds(card)
	done := r.OopsOnCardCareful(start, end, func(obj, fieldAddr, target oop.Address) {
		tr := h.RegionOf(target)
		if tr.Kind() == heap.ContinuesHumongous {
			tr = h.Region(tr.HumongousStart())
		}
		from := h.RegionIndexOf(fieldAddr)
		if tr.Index() == from {
			return
		}
		_, cardInRegion := h.CardRegion(h.CardFor(fieldAddr))
		tr.RemSet().AddReference(from, cardInRegion)
	})
	if !done {
		// An object under the card is not parsable yet. Re-dirty the card
		// and push it back through the queue for a later retry.
		f.deferredCards.Add(1)
		if h.DirtyCard(card) {
			if box := f.deferred.Load(); box != nil && box.sink != nil {
				box.sink.EnqueueDirtyCard(card)
				return
			}
		}
		gclog.Tracef(f.log, "gc,refine", "card %d deferred with no retry sink", card)
		return
	}
	f.refinedCards.Add(1)
}

// RefineBuffer processes every card in a buffer, yielding to a pending
// safepoint between cards when sts is non-nil.
func (f *HeapRefiner) RefineBuffer(b *Buffer) {
	f.refineBuffer(b, nil)
}

func (f *HeapRefiner) refineBuffer(b *Buffer, sts *SuspendibleThreadSet) {
	for _, card := range b.cards {
		if sts != nil && sts.ShouldYield() {
			sts.Yield()
		}
		f.RefineCard(card)
	}
}

// RefinedCards returns the number of cards fully refined.
func (f *HeapRefiner) RefinedCards() int64 { return f.refinedCards.Load() }

// DeferredCards returns the number of card refinements postponed.
func (f *HeapRefiner) DeferredCards() int64 { return f.deferredCards.Load() }

// StaleCards returns the number of cards dropped for freed regions.
func (f *HeapRefiner) StaleCards() int64 { return f.staleCards.Load() }
