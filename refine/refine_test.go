package refine

import (
	"testing"
	"time"

	"github.com/andypeng2015/regiongc/heap"
)

func TestCalcThresholds(t *testing.T) {
	// green 4, yellow 12, 4 workers: a step of 2 buffers per worker.
	cases := []struct {
		id         int
		act, deact int
	}{
		{0, 6, 4},
		{1, 8, 6},
		{2, 10, 8},
		{3, 12, 10},
	}
	for _, tc := range cases {
		act, deact := calcThresholds(4, 12, 4, tc.id)
		if act != tc.act || deact != tc.deact {
			t.Errorf("worker %d: thresholds (%d, %d), want (%d, %d)",
				tc.id, act, deact, tc.act, tc.deact)
		}
	}
}

func TestCalcThresholdsHysteresis(t *testing.T) {
	grids := []struct{ green, yellow, workers int }{
		{0, 1, 1},
		{0, 2, 4},
		{4, 12, 4},
		{10, 11, 8},
		{100, 400, 16},
	}
	for _, g := range grids {
		prevAct := 0
		for i := 0; i < g.workers; i++ {
			act, deact := calcThresholds(g.green, g.yellow, g.workers, i)
			if deact >= act {
				t.Errorf("green=%d yellow=%d workers=%d worker %d: deactivation %d not below activation %d",
					g.green, g.yellow, g.workers, i, deact, act)
			}
			if deact < g.green {
				t.Errorf("worker %d deactivation %d below the green zone %d", i, deact, g.green)
			}
			if i > 0 && act < prevAct {
				t.Errorf("worker %d activation %d below worker %d's %d", i, act, i-1, prevAct)
			}
			prevAct = act
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestChainRefinesToQuiescence(t *testing.T) {
	cfg := testConfig()
	h := newTestHeap(t, cfg)
	node := nodeType(h)
	r := New(h, cfg, nil)
	r.Start()
	defer r.Stop()

	r1, _ := h.AllocateRegion(heap.Eden, false)
	r2, _ := h.AllocateRegion(heap.Old, false)
	y, _ := h.NewObject(r2, node)

	// Enough objects to span many cards, so the barrier completes several
	// buffers and wakes the chain.
	const objects = 200
	for i := 0; i < objects; i++ {
		x, err := h.NewObject(r1, node)
		if err != nil {
			t.Fatal(err)
		}
		h.WriteField(x, 0, y)
	}
	// The chain drains the backlog down to the green zone; the straggler
	// below the primary's activation threshold is left for the pause.
	waitFor(t, "the backlog to drain", func() bool {
		return r.CompletedQueue().Len() <= r.Workers()[0].ActivationThreshold()
	})
	if !r2.RemSet().ContainsRegion(r1.Index()) {
		t.Fatalf("target remembered set has no entries for the source region")
	}

	// Workers finish any buffer they have already claimed before exiting,
	// so after Stop the remaining work is exactly what is still queued.
	r.Stop()
	r.DrainAll()
	if err := h.Verify(); err != nil {
		t.Fatalf("heap verification after refinement: %v", err)
	}
}

func TestChainWorkerBeyondBacklogStaysIdle(t *testing.T) {
	cfg := testConfig()
	cfg.Refine.Workers = 3
	cfg.Refine.BufferCards = 1
	cfg.Refine.GreenZone = 0
	cfg.Refine.YellowZone = 6
	cfg.Refine.RedZone = 20
	h := newTestHeap(t, cfg)
	r := New(h, cfg, nil)

	last := r.Workers()[2]
	// With a backlog that never exceeds the last worker's activation
	// threshold, nothing in the cascade may wake it.
	if last.ActivationThreshold() <= 4 {
		t.Fatalf("test setup: last worker activates at %d, want > 4", last.ActivationThreshold())
	}
	r.Start()
	for i := 0; i < 4; i++ {
		// Clean cards: the workers claim nothing and just drain the queue.
		r.CompletedQueue().Push(&Buffer{cards: []heap.GlobalCard{0}})
	}
	waitFor(t, "the backlog to drain", func() bool { return r.CompletedQueue().Len() == 0 })
	if got := last.State(); got != workerIdle {
		t.Errorf("last worker state = %v, want idle", got)
	}
	r.Stop()
}

func TestChainStopWhileIdle(t *testing.T) {
	cfg := testConfig()
	h := newTestHeap(t, cfg)
	r := New(h, cfg, nil)
	r.Start()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not terminate an idle chain")
	}
}

func TestDrainAllEmptyQueue(t *testing.T) {
	cfg := testConfig()
	h := newTestHeap(t, cfg)
	r := New(h, cfg, nil)

	// A pause can start with nothing queued at all; draining twice must be
	// a no-op both times.
	r.DrainAll()
	r.DrainAll()
	if r.CompletedQueue().Len() != 0 {
		t.Fatalf("empty drain left buffers behind")
	}
}

func TestDrainAllProcessesEverything(t *testing.T) {
	cfg := testConfig()
	h := newTestHeap(t, cfg)
	node := nodeType(h)
	r := New(h, cfg, nil)
	// Never started: DrainAll alone must leave nothing behind.

	r1, _ := h.AllocateRegion(heap.Eden, false)
	r2, _ := h.AllocateRegion(heap.Old, false)
	y, _ := h.NewObject(r2, node)
	for i := 0; i < 40; i++ {
		x, err := h.NewObject(r1, node)
		if err != nil {
			t.Fatal(err)
		}
		h.WriteField(x, 0, y)
	}

	r.DrainAll()
	if r.CompletedQueue().Len() != 0 || r.MutatorQueue().PendingCards() != 0 {
		t.Fatalf("cards left after DrainAll")
	}
	if err := h.Verify(); err != nil {
		t.Fatalf("heap verification after DrainAll: %v", err)
	}
}
