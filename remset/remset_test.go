package remset

import (
	"sync"
	"testing"
)

const (
	testRegions        = 64
	testCardsPerRegion = 2048
	testMaxFine        = 4
)

func newTestRemSet(owner RegionIndex) *RemSet {
	return New(owner, testRegions, testCardsPerRegion, testMaxFine)
}

func TestAddContains(t *testing.T) {
	rs := newTestRemSet(2)
	if !rs.IsEmpty() {
		t.Fatalf("new remset not empty")
	}

	rs.AddReference(1, 17)
	if !rs.Contains(1, 17) {
		t.Errorf("recorded card not found")
	}
	if rs.Contains(1, 18) {
		t.Errorf("unrecorded card reported present")
	}
	if !rs.ContainsRegion(1) {
		t.Errorf("source region not reported")
	}
	if rs.ContainsRegion(3) {
		t.Errorf("unrelated region reported")
	}
	if rs.IsEmpty() {
		t.Errorf("non-empty remset reports empty")
	}
}

func TestDuplicateAdd(t *testing.T) {
	rs := newTestRemSet(2)
	rs.AddReference(1, 17)
	rs.AddReference(1, 17)
	sparse, fine, coarse := rs.Occupied()
	if sparse != 1 || fine != 0 || coarse != 0 {
		t.Errorf("occupancy after duplicate add = (%d, %d, %d), want (1, 0, 0)", sparse, fine, coarse)
	}
}

func TestSparseToFinePromotion(t *testing.T) {
	rs := newTestRemSet(0)
	for c := CardIndex(0); c < sparseCap; c++ {
		rs.AddReference(1, c*3)
	}
	sparse, fine, _ := rs.Occupied()
	if sparse != sparseCap || fine != 0 {
		t.Fatalf("pre-promotion occupancy = (%d, %d)", sparse, fine)
	}

	// One more card promotes the source to a fine bitmap.
	rs.AddReference(1, 2047)
	sparse, fine, _ = rs.Occupied()
	if sparse != 0 || fine != sparseCap+1 {
		t.Fatalf("post-promotion occupancy = (%d, %d), want (0, %d)", sparse, fine, sparseCap+1)
	}
	for c := CardIndex(0); c < sparseCap; c++ {
		if !rs.Contains(1, c*3) {
			t.Errorf("card %d lost across promotion", c*3)
		}
	}
	if !rs.Contains(1, 2047) {
		t.Errorf("promoting card lost")
	}
}

func TestCoarsening(t *testing.T) {
	rs := newTestRemSet(63)
	for from := RegionIndex(0); from < testMaxFine; from++ {
		rs.AddReference(from, 1)
	}
	if rs.Coarsenings() != 0 {
		t.Fatalf("coarsened before the table budget was reached")
	}

	// The budget is exhausted: the next new source region goes coarse.
	rs.AddReference(50, 123)
	if rs.Coarsenings() != 1 {
		t.Fatalf("expected one coarsening, got %d", rs.Coarsenings())
	}
	// Coarse coverage is conservative: every card of that region is "in".
	if !rs.Contains(50, 123) || !rs.Contains(50, 0) || !rs.Contains(50, testCardsPerRegion-1) {
		t.Errorf("coarse coverage is not region-wide")
	}
	if !rs.ContainsRegion(50) {
		t.Errorf("coarsened region not reported by ContainsRegion")
	}

	var coarse []RegionIndex
	rs.ForEachCoarseRegion(func(from RegionIndex) bool {
		coarse = append(coarse, from)
		return true
	})
	if len(coarse) != 1 || coarse[0] != 50 {
		t.Errorf("coarse regions = %v, want [50]", coarse)
	}
}

func TestForEachCard(t *testing.T) {
	rs := newTestRemSet(0)
	want := map[[2]uint32]bool{
		{1, 10}: true,
		{1, 20}: true,
		{2, 30}: true,
	}
	for k := range want {
		rs.AddReference(RegionIndex(k[0]), CardIndex(k[1]))
	}

	got := map[[2]uint32]bool{}
	rs.ForEachCard(func(from RegionIndex, card CardIndex) bool {
		got[[2]uint32{uint32(from), uint32(card)}] = true
		return true
	})
	if len(got) != len(want) {
		t.Fatalf("ForEachCard visited %d entries, want %d", len(got), len(want))
	}
	for k := range want {
		if !got[k] {
			t.Errorf("entry %v not visited", k)
		}
	}
}

func TestClearIdempotent(t *testing.T) {
	rs := newTestRemSet(0)
	rs.AddReference(1, 10)
	rs.AddCodeRoot(99)

	rs.Clear()
	if !rs.IsEmpty() {
		t.Fatalf("remset not empty after Clear")
	}
	if rs.Contains(1, 10) {
		t.Errorf("card survived Clear")
	}
	if rs.HasCodeRoot(99) {
		t.Errorf("code root survived Clear")
	}

	// Clearing an already-clear set must not change anything.
	rs.Clear()
	if !rs.IsEmpty() {
		t.Errorf("second Clear broke emptiness")
	}
}

// Concurrent writers with lock-free readers: readers must only ever observe
// entries in either their pre-update or fully-constructed post-update state.
// Once a reader sees a card, every later read must see it too.
func TestConcurrentAddAndRead(t *testing.T) {
	rs := newTestRemSet(63)
	const writers = 4
	const cardsPerWriter = 200

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Lock-free readers probing while writers publish.
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen := map[[2]uint32]bool{}
			for {
				select {
				case <-stop:
					return
				default:
				}
				for from := RegionIndex(0); from < writers; from++ {
					for c := CardIndex(0); c < cardsPerWriter; c++ {
						if rs.Contains(from, c) {
							seen[[2]uint32{uint32(from), uint32(c)}] = true
						} else if seen[[2]uint32{uint32(from), uint32(c)}] {
							t.Errorf("card (%d, %d) disappeared after being observed", from, c)
							return
						}
					}
				}
			}
		}()
	}

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for c := CardIndex(0); c < cardsPerWriter; c++ {
				rs.AddReference(RegionIndex(w), c)
			}
		}(w)
	}

	// Wait for the writers, then stop the readers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	for w := 0; w < writers; w++ {
		for c := CardIndex(0); c < cardsPerWriter; c++ {
			for !rs.Contains(RegionIndex(w), c) {
				// Spin until the writer publishes; bounded by the writer
				// goroutines making progress.
			}
		}
	}
	close(stop)
	<-done
}

func TestCodeRoots(t *testing.T) {
	rs := newTestRemSet(0)
	rs.AddCodeRoot(7)
	rs.AddCodeRoot(7)
	rs.AddCodeRoot(8)
	if rs.CodeRootCount() != 2 {
		t.Errorf("code root count = %d, want 2", rs.CodeRootCount())
	}

	rs.RemoveCodeRoot(7)
	if rs.HasCodeRoot(7) {
		t.Errorf("removed code root still present")
	}

	var got []CodeBlobID
	rs.CodeRootsDo(func(id CodeBlobID) { got = append(got, id) })
	if len(got) != 1 || got[0] != 8 {
		t.Errorf("CodeRootsDo visited %v, want [8]", got)
	}
}
