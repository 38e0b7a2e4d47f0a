package refine

import (
	"sync"
	"testing"

	"github.com/andypeng2015/regiongc/config"
	"github.com/andypeng2015/regiongc/heap"
	"github.com/andypeng2015/regiongc/oop"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Heap.Size = 16 * 64 << 10
	cfg.Heap.RegionSize = 64 << 10
	cfg.Heap.CardSize = 512
	cfg.Refine.Workers = 2
	cfg.Refine.BufferCards = 2
	cfg.Refine.GreenZone = 0
	cfg.Refine.YellowZone = 2
	cfg.Refine.RedZone = 8
	return cfg
}

func newTestHeap(t *testing.T, cfg *config.Config) *heap.Context {
	t.Helper()
	h, err := heap.New(cfg, nil)
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	return h
}

func nodeType(h *heap.Context) heap.TypeID {
	return h.RegisterType(heap.TypeDescriptor{
		Name:       "node",
		FieldWords: 4,
		Pointers:   []int{0, 1},
	})
}

// dirtyCrossRegionRef sets up x.field -> y across regions with the card left
// dirty, the exact state the barrier leaves behind, and returns the card.
func dirtyCrossRegionRef(t *testing.T, h *heap.Context, x, y oop.Address, field int) heap.GlobalCard {
	t.Helper()
	h.WriteField(x, field, y)
	card := h.CardFor(h.FieldAddress(x, field))
	if !h.IsCardDirty(card) {
		t.Fatalf("setup: card not dirty after a cross-region store")
	}
	return card
}

func TestRefineCardCreatesRemSetEntry(t *testing.T) {
	h := newTestHeap(t, testConfig())
	node := nodeType(h)
	r1, _ := h.AllocateRegion(heap.Eden, false)
	r2, _ := h.AllocateRegion(heap.Old, false)
	x, _ := h.NewObject(r1, node)
	y, _ := h.NewObject(r2, node)
	card := dirtyCrossRegionRef(t, h, x, y, 0)

	f := NewHeapRefiner(h, nil)
	f.RefineCard(card)

	if h.IsCardDirty(card) {
		t.Errorf("refined card still dirty")
	}
	_, cardInRegion := h.CardRegion(card)
	if !r2.RemSet().Contains(r1.Index(), cardInRegion) {
		t.Errorf("remembered set of the target region missing the entry")
	}
	if f.RefinedCards() != 1 {
		t.Errorf("refined counter = %d, want 1", f.RefinedCards())
	}
	if err := h.Verify(); err != nil {
		t.Errorf("heap verification after refinement: %v", err)
	}
}

func TestRefineCardAlreadyClean(t *testing.T) {
	h := newTestHeap(t, testConfig())
	f := NewHeapRefiner(h, nil)
	f.RefineCard(3)
	if f.RefinedCards() != 0 || f.StaleCards() != 0 {
		t.Errorf("clean card was processed")
	}
}

func TestRefineCardStaleRegion(t *testing.T) {
	h := newTestHeap(t, testConfig())
	node := nodeType(h)
	r1, _ := h.AllocateRegion(heap.Eden, false)
	r2, _ := h.AllocateRegion(heap.Old, false)
	x, _ := h.NewObject(r1, node)
	y, _ := h.NewObject(r2, node)
	card := dirtyCrossRegionRef(t, h, x, y, 0)

	// The source region is reclaimed before refinement catches up.
	h.FreeRegion(r1, false)

	f := NewHeapRefiner(h, nil)
	f.RefineCard(card)
	if f.StaleCards() != 1 || f.RefinedCards() != 0 {
		t.Errorf("stale=%d refined=%d, want 1, 0", f.StaleCards(), f.RefinedCards())
	}
	if h.IsCardDirty(card) {
		t.Errorf("stale card left dirty")
	}
	if !r2.RemSet().IsEmpty() {
		t.Errorf("stale card produced remembered-set entries")
	}
}

func TestRefineCardInvalidPanics(t *testing.T) {
	h := newTestHeap(t, testConfig())
	f := NewHeapRefiner(h, nil)
	defer func() {
		if recover() == nil {
			t.Fatalf("out-of-table card did not panic")
		}
	}()
	f.RefineCard(heap.GlobalCard(1 << 30))
}

func TestRefineCardDeferredUntilTypePublishes(t *testing.T) {
	h := newTestHeap(t, testConfig())
	node := nodeType(h)
	r1, _ := h.AllocateRegion(heap.Eden, false)
	r2, _ := h.AllocateRegion(heap.Old, false)
	y, _ := h.NewObject(r2, node)

	// An object still under construction shares the card with the field
	// being refined.
	x, _ := h.NewObjectUnpublished(r1, node)
	card := h.CardFor(h.FieldAddress(x, 0))
	h.DirtyCard(card)

	f := NewHeapRefiner(h, nil)
	var retried []heap.GlobalCard
	f.SetDeferredSink(sinkFunc(func(c heap.GlobalCard) { retried = append(retried, c) }))

	f.RefineCard(card)
	if f.DeferredCards() != 1 {
		t.Fatalf("deferred counter = %d, want 1", f.DeferredCards())
	}
	if !h.IsCardDirty(card) {
		t.Fatalf("deferred card not re-dirtied")
	}
	if len(retried) != 1 || retried[0] != card {
		t.Fatalf("deferred card not handed to the retry sink: %v", retried)
	}

	// Publication makes the retry succeed.
	h.PublishType(x, node)
	h.WriteField(x, 0, y)
	f.RefineCard(card)
	if f.RefinedCards() != 1 {
		t.Errorf("retry after publication did not refine")
	}
	_, cardInRegion := h.CardRegion(card)
	if !r2.RemSet().Contains(r1.Index(), cardInRegion) {
		t.Errorf("remembered set missing the entry after the retry")
	}
}

func TestRefineCardWhileRegionRecycles(t *testing.T) {
	h := newTestHeap(t, testConfig())
	node := nodeType(h)
	stable, _ := h.AllocateRegion(heap.Old, false)
	y, _ := h.NewObject(stable, node)

	// The free pool is LIFO, so the recycler gets the same region back every
	// cycle and refinement keeps observing it mid-transition.
	r0, err := h.AllocateRegion(heap.Eden, false)
	if err != nil {
		t.Fatal(err)
	}
	first := h.CardFor(r0.Bottom())
	cards := []heap.GlobalCard{first, first + 1}
	h.FreeRegion(r0, false)

	f := NewHeapRefiner(h, nil)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			r, err := h.AllocateRegion(heap.Eden, false)
			if err != nil {
				continue
			}
			for j := 0; j < 8; j++ {
				x, err := h.NewObject(r, node)
				if err != nil {
					break
				}
				h.WriteField(x, 0, y)
			}
			h.FreeRegion(r, false)
		}
	}()

	// Concurrent refinement must stay sound across every allocate/free
	// transition: stale cards dropped, live cards refined, never a panic.
	for i := 0; i < 2000; i++ {
		for _, card := range cards {
			h.DirtyCard(card)
			f.RefineCard(card)
		}
	}
	close(stop)
	wg.Wait()

	if err := h.Verify(); err != nil {
		t.Fatalf("heap verification after concurrent recycling: %v", err)
	}
}

type sinkFunc func(heap.GlobalCard)

func (f sinkFunc) EnqueueDirtyCard(card heap.GlobalCard) { f(card) }

func TestMutatorQueueBuffersAndFlushes(t *testing.T) {
	h := newTestHeap(t, testConfig())
	q := NewCompletedQueue()
	f := NewHeapRefiner(h, nil)
	m := NewMutatorQueue(2, 8, q, f)

	m.EnqueueDirtyCard(1)
	if q.Len() != 0 || m.PendingCards() != 1 {
		t.Fatalf("partial buffer completed early")
	}
	m.EnqueueDirtyCard(2)
	if q.Len() != 1 || m.PendingCards() != 0 {
		t.Fatalf("full buffer not completed")
	}

	m.EnqueueDirtyCard(3)
	m.Flush()
	if q.Len() != 2 {
		t.Fatalf("flush did not complete the partial buffer")
	}
	m.Flush()
	if q.Len() != 2 {
		t.Fatalf("empty flush produced a buffer")
	}

	b := q.Pop(-1)
	if b == nil || b.Len() != 2 || b.cards[0] != 1 || b.cards[1] != 2 {
		t.Fatalf("buffer order lost: %+v", b)
	}
}

func TestMutatorQueueRedZoneInlineRefinement(t *testing.T) {
	h := newTestHeap(t, testConfig())
	node := nodeType(h)
	r1, _ := h.AllocateRegion(heap.Eden, false)
	r2, _ := h.AllocateRegion(heap.Old, false)
	x, _ := h.NewObject(r1, node)
	y, _ := h.NewObject(r2, node)
	card := dirtyCrossRegionRef(t, h, x, y, 0)

	q := NewCompletedQueue()
	f := NewHeapRefiner(h, nil)
	const redZone = 2
	m := NewMutatorQueue(1, redZone, q, f)
	for i := 0; i < redZone; i++ {
		q.Push(&Buffer{})
	}

	// The backlog is at the red zone: the mutator must refine its own full
	// buffer instead of growing the queue.
	m.EnqueueDirtyCard(card)
	if q.Len() != redZone {
		t.Fatalf("red-zone buffer enqueued anyway, backlog %d", q.Len())
	}
	if h.IsCardDirty(card) {
		t.Fatalf("inline refinement did not process the card")
	}
	_, cardInRegion := h.CardRegion(card)
	if !r2.RemSet().Contains(r1.Index(), cardInRegion) {
		t.Errorf("inline refinement produced no remembered-set entry")
	}
}

func TestCompletedQueuePopEmpty(t *testing.T) {
	q := NewCompletedQueue()
	// A drain-everything stop threshold must not reach into an empty queue.
	if q.Pop(-1) != nil {
		t.Fatalf("Pop(-1) on an empty queue returned a buffer")
	}
	if q.Pop(0) != nil {
		t.Fatalf("Pop(0) on an empty queue returned a buffer")
	}
}

func TestCompletedQueuePaddingRaisesThresholds(t *testing.T) {
	q := NewCompletedQueue()
	q.Push(&Buffer{})
	q.Push(&Buffer{})

	if q.Pop(1) == nil {
		t.Fatalf("pop above the threshold returned nil")
	}
	q.SetPadding(2)
	if q.Pop(0) != nil {
		t.Fatalf("padding did not raise the stop threshold")
	}
	q.ResetPadding()
	if q.Pop(0) == nil {
		t.Fatalf("pop after padding reset returned nil")
	}
	if q.Pop(0) != nil {
		t.Fatalf("pop drained below the stop threshold")
	}
}
