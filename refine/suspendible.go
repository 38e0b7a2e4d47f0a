package refine

import "sync"

// SuspendibleThreadSet coordinates concurrent GC workers with safepoints.
// Workers join the set before touching the heap and leave when done; a
// safepoint initiator calls Synchronize, which blocks until every joined
// worker has parked in Yield, then does its pause work and releases them with
// Desynchronize.
//
// A worker must poll ShouldYield at card granularity. Holding off a safepoint
// for the length of a whole buffer directly extends the pause of every
// mutator thread.
type SuspendibleThreadSet struct {
	mu         sync.Mutex
	cond       *sync.Cond
	suspendAll bool
	joined     int
	yielded    int
}

// NewSuspendibleThreadSet returns an empty set.
func NewSuspendibleThreadSet() *SuspendibleThreadSet {
	s := &SuspendibleThreadSet{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Join enters the set. Blocks while a safepoint synchronization is in
// progress so the initiator's count stays stable.
func (s *SuspendibleThreadSet) Join() {
	s.mu.Lock()
	for s.suspendAll {
		s.cond.Wait()
	}
	s.joined++
	s.mu.Unlock()
}

// Leave exits the set and wakes a pending Synchronize if this was the last
// straggler.
func (s *SuspendibleThreadSet) Leave() {
	s.mu.Lock()
	if gcAsserts && s.joined == 0 {
		s.mu.Unlock()
		panic("gc: Leave without Join")
	}
	s.joined--
	s.mu.Unlock()
	s.cond.Broadcast()
}

// ShouldYield reports whether a safepoint is waiting on this worker.
func (s *SuspendibleThreadSet) ShouldYield() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspendAll
}

// Yield parks the worker until the safepoint completes. Must only be called
// from a joined worker, after ShouldYield reported true.
func (s *SuspendibleThreadSet) Yield() {
	s.mu.Lock()
	if !s.suspendAll {
		s.mu.Unlock()
		return
	}
	s.yielded++
	if s.yielded == s.joined {
		// Last worker in: the initiator can start the pause.
		s.cond.Broadcast()
	}
	for s.suspendAll {
		s.cond.Wait()
	}
	s.yielded--
	s.mu.Unlock()
}

// Synchronize initiates a safepoint: blocks until every joined worker is
// parked in Yield.
func (s *SuspendibleThreadSet) Synchronize() {
	s.mu.Lock()
	if gcAsserts && s.suspendAll {
		s.mu.Unlock()
		panic("gc: nested Synchronize")
	}
	s.suspendAll = true
	for s.yielded < s.joined {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Desynchronize ends the safepoint and releases all parked workers.
func (s *SuspendibleThreadSet) Desynchronize() {
	s.mu.Lock()
	if gcAsserts && !s.suspendAll {
		s.mu.Unlock()
		panic("gc: Desynchronize without Synchronize")
	}
	s.suspendAll = false
	s.mu.Unlock()
	s.cond.Broadcast()
}
