package refine

import (
	"math"
	"sync"

	"github.com/andypeng2015/regiongc/config"
	"github.com/andypeng2015/regiongc/gclog"
	"github.com/andypeng2015/regiongc/heap"
)

// workerState tracks where a refinement worker is in its activation cycle.
type workerState uint8

const (
	workerIdle workerState = iota
	workerActive
	workerStopping
)

// String returns a human-readable version of the worker state, for debugging.
func (s workerState) String() string {
	switch s {
	case workerIdle:
		return "idle"
	case workerActive:
		return "active"
	case workerStopping:
		return "stopping"
	default:
		// must never happen
		return "!err"
	}
}

// Worker is one thread in the refinement chain. Worker 0 (the primary) wakes
// on queue growth; every other worker is woken by its predecessor once the
// backlog passes the worker's activation threshold. Each worker drains
// buffers until the backlog falls to its deactivation threshold, which sits
// below its activation threshold so the pair forms a hysteresis band.
type Worker struct {
	id     int
	parent *Refinement

	activationThreshold   int
	deactivationThreshold int
	next                  *Worker

	mu    sync.Mutex
	cond  *sync.Cond
	state workerState
	done  chan struct{}
}

// calcThresholds spreads the activation points of nWorkers workers evenly
// across the green-to-yellow band. The primary's step is capped so it wakes
// early enough to keep the backlog near the green zone on its own.
func calcThresholds(green, yellow, nWorkers, id int) (activation, deactivation int) {
	step := float64(yellow-green) / float64(nWorkers)
	if id == 0 {
		step = math.Min(step, float64(nWorkers)/2.0)
	}
	activation = green + int(math.Ceil(step*float64(id+1)))
	deactivation = green + int(math.Floor(step*float64(id)))
	if activation <= deactivation {
		activation = deactivation + 1
	}
	return activation, deactivation
}

// ActivationThreshold returns the backlog size that wakes this worker.
func (w *Worker) ActivationThreshold() int { return w.activationThreshold }

// DeactivationThreshold returns the backlog size at which this worker goes
// back to sleep.
func (w *Worker) DeactivationThreshold() int { return w.deactivationThreshold }

// State returns the worker's current activation state.
func (w *Worker) State() workerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// activate wakes an idle worker. Idempotent; a stopping or already active
// worker is left alone.
func (w *Worker) activate() {
	w.mu.Lock()
	if w.state == workerIdle {
		w.state = workerActive
		w.cond.Signal()
	}
	w.mu.Unlock()
}

// waitForActivation parks a secondary worker until its predecessor wakes it,
// reporting false on shutdown.
func (w *Worker) waitForActivation() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.state == workerIdle {
		w.cond.Wait()
	}
	return w.state == workerActive
}

// deactivate returns an active worker to idle.
func (w *Worker) deactivate() {
	w.mu.Lock()
	if w.state == workerActive {
		w.state = workerIdle
	}
	w.mu.Unlock()
}

// stop moves the worker to stopping and wakes it if parked on its monitor.
func (w *Worker) stop() {
	w.mu.Lock()
	w.state = workerStopping
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *Worker) stopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == workerStopping
}

// run is the worker's service loop.
func (w *Worker) run() {
	defer close(w.done)
	r := w.parent
	for {
		if w.id == 0 {
			if !r.queue.Wait(w.activationThreshold) {
				return
			}
			if w.stopping() {
				return
			}
			w.mu.Lock()
			if w.state == workerIdle {
				w.state = workerActive
			}
			w.mu.Unlock()
		} else {
			if !w.waitForActivation() {
				return
			}
		}
		gclog.Tracef(r.log, "gc,refine", "activated worker %d, on threshold: %d, current: %d",
			w.id, w.activationThreshold, r.queue.Len())

		r.sts.Join()
		for {
			if r.sts.ShouldYield() {
				r.sts.Yield()
			}
			if r.queue.Len() <= r.yellow {
				r.queue.ResetPadding()
			}
			if w.next != nil && r.queue.Len() > w.next.activationThreshold {
				w.next.activate()
			}
			b := r.queue.Pop(w.deactivationThreshold)
			if b == nil {
				break
			}
			r.refiner.refineBuffer(b, r.sts)
		}
		r.sts.Leave()

		gclog.Tracef(r.log, "gc,refine", "deactivated worker %d, off threshold: %d, current: %d",
			w.id, w.deactivationThreshold, r.queue.Len())
		w.deactivate()
	}
}

// Refinement owns the concurrent remembered-set maintenance machinery: the
// mutator-facing dirty card queue, the completed buffer queue, the card
// refiner and the worker chain.
type Refinement struct {
	log     gclog.Logger
	queue   *CompletedQueue
	mutator *MutatorQueue
	refiner *HeapRefiner
	sts     *SuspendibleThreadSet
	workers []*Worker

	green, yellow, red int
	started            bool
}

// New wires a refinement chain to the heap: the heap's write barrier feeds
// the mutator queue, and deferred cards flow back through it. Workers do not
// run until Start.
func New(h *heap.Context, cfg *config.Config, log gclog.Logger) *Refinement {
	if log == nil {
		log = gclog.Discard
	}
	rc := cfg.Refine
	r := &Refinement{
		log:    log,
		queue:  NewCompletedQueue(),
		sts:    NewSuspendibleThreadSet(),
		green:  rc.GreenZone,
		yellow: rc.YellowZone,
		red:    rc.RedZone,
	}
	r.refiner = NewHeapRefiner(h, log)
	r.mutator = NewMutatorQueue(rc.BufferCards, rc.RedZone, r.queue, r.refiner)
	r.refiner.SetDeferredSink(r.mutator)
	h.SetDirtyCardSink(r.mutator)

	r.workers = make([]*Worker, rc.Workers)
	for i := range r.workers {
		act, deact := calcThresholds(rc.GreenZone, rc.YellowZone, rc.Workers, i)
		w := &Worker{
			id:                    i,
			parent:                r,
			activationThreshold:   act,
			deactivationThreshold: deact,
			done:                  make(chan struct{}),
		}
		w.cond = sync.NewCond(&w.mu)
		r.workers[i] = w
		gclog.Debugf(log, "gc,refine", "worker %d thresholds: activate > %d, deactivate <= %d",
			i, act, deact)
	}
	for i := 0; i < len(r.workers)-1; i++ {
		r.workers[i].next = r.workers[i+1]
	}
	return r
}

// Start launches the worker chain.
func (r *Refinement) Start() {
	if r.started {
		panic("gc: refinement started twice")
	}
	r.started = true
	for _, w := range r.workers {
		go w.run()
	}
}

// Stop shuts the chain down. Buffers still queued are left for a final
// DrainAll by the caller.
func (r *Refinement) Stop() {
	for _, w := range r.workers {
		w.stop()
	}
	r.queue.Stop()
	if r.started {
		for _, w := range r.workers {
			<-w.done
		}
	}
}

// DrainAll flushes the mutator-local buffer and refines every queued buffer
// synchronously. Called at the start of a pause, after the workers have been
// synchronized away, so the pause sees fully up-to-date remembered sets.
func (r *Refinement) DrainAll() {
	r.mutator.Flush()
	r.queue.ResetPadding()
	for {
		b := r.queue.Pop(-1)
		if b == nil {
			return
		}
		r.refiner.RefineBuffer(b)
	}
}

// MutatorQueue returns the write barrier's card sink.
func (r *Refinement) MutatorQueue() *MutatorQueue { return r.mutator }

// CompletedQueue returns the shared backlog of full card buffers.
func (r *Refinement) CompletedQueue() *CompletedQueue { return r.queue }

// Refiner returns the card refiner.
func (r *Refinement) Refiner() *HeapRefiner { return r.refiner }

// STS returns the suspendible thread set a pause initiator synchronizes on.
func (r *Refinement) STS() *SuspendibleThreadSet { return r.sts }

// Workers returns the worker chain in activation order.
func (r *Refinement) Workers() []*Worker { return r.workers }

// Zones returns the configured green, yellow and red zone sizes.
func (r *Refinement) Zones() (green, yellow, red int) {
	return r.green, r.yellow, r.red
}
