// Package refine maintains remembered sets concurrently with the mutator.
//
// The post write barrier records cross-region stores as dirty cards. Cards
// accumulate in fixed-size buffers; full buffers move onto a shared completed
// queue. A chain of refinement workers drains the queue, turning each dirty
// card back into remembered-set entries, so that a collection pause finds
// most of the work already done. Workers activate in a cascade driven by the
// queue backlog and deactivate with hysteresis so a backlog hovering around a
// threshold does not flap a worker on and off.
package refine

import (
	"sync"

	"github.com/andypeng2015/regiongc/heap"
)

const gcAsserts = true

// Buffer is a fixed-capacity batch of dirty cards produced by the write
// barrier.
type Buffer struct {
	cards []heap.GlobalCard
}

// Len returns the number of cards in the buffer.
func (b *Buffer) Len() int { return len(b.cards) }

// CompletedQueue is the FIFO of full card buffers awaiting refinement.
//
// Padding temporarily raises every caller-supplied threshold. During a
// collection pause the pause workers take over card processing, and padding
// keeps the concurrent workers from competing for the same buffers; it is
// reset once the backlog falls back under the yellow zone.
type CompletedQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	bufs    []*Buffer
	padding int
	stopped bool
}

// NewCompletedQueue returns an empty queue.
func NewCompletedQueue() *CompletedQueue {
	q := &CompletedQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a completed buffer and wakes waiters.
func (q *CompletedQueue) Push(b *Buffer) {
	q.mu.Lock()
	q.bufs = append(q.bufs, b)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Pop removes the oldest buffer, but only while more than stopAt buffers
// (plus padding) remain. Returning nil tells the calling worker it has
// drained its share of the backlog.
func (q *CompletedQueue) Pop(stopAt int) *Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	// The explicit empty check matters: a negative stopAt (drain everything)
	// must not index into an empty queue.
	if len(q.bufs) == 0 || len(q.bufs) <= stopAt+q.padding {
		return nil
	}
	b := q.bufs[0]
	q.bufs = q.bufs[1:]
	return b
}

// Len returns the number of completed buffers.
func (q *CompletedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bufs)
}

// Wait blocks until the backlog exceeds threshold (plus padding) or the
// queue is stopped, reporting false on stop.
func (q *CompletedQueue) Wait(threshold int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.stopped && len(q.bufs) <= threshold+q.padding {
		q.cond.Wait()
	}
	return !q.stopped
}

// SetPadding raises all thresholds by n buffers.
func (q *CompletedQueue) SetPadding(n int) {
	q.mu.Lock()
	q.padding = n
	q.mu.Unlock()
}

// ResetPadding drops the threshold padding back to zero.
func (q *CompletedQueue) ResetPadding() {
	q.mu.Lock()
	q.padding = 0
	q.mu.Unlock()
}

// Stop wakes every waiter and makes all future Wait calls return false.
// Buffers already queued stay readable through Pop.
func (q *CompletedQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// MutatorQueue collects dirty cards from the write barrier into buffers. It
// is the heap's DirtyCardSink: the barrier hands over a card, the queue
// batches it, and a full buffer moves to the completed queue.
//
// Above the red zone the concurrent workers have lost the race against the
// mutators, and adding more buffers would only grow the pause-time debt.
// Instead the producing mutator refines its own full buffer in place, paying
// the cost where it is generated.
type MutatorQueue struct {
	mu        sync.Mutex
	current   *Buffer
	capacity  int
	completed *CompletedQueue
	redZone   int
	refiner   *HeapRefiner
}

// NewMutatorQueue returns a queue producing buffers of the given capacity.
func NewMutatorQueue(capacity, redZone int, completed *CompletedQueue, refiner *HeapRefiner) *MutatorQueue {
	if gcAsserts && capacity <= 0 {
		panic("gc: mutator queue with no buffer capacity")
	}
	return &MutatorQueue{
		capacity:  capacity,
		completed: completed,
		redZone:   redZone,
		refiner:   refiner,
	}
}

// EnqueueDirtyCard adds a card to the current buffer, completing the buffer
// when it fills.
func (m *MutatorQueue) EnqueueDirtyCard(card heap.GlobalCard) {
	m.mu.Lock()
	if m.current == nil {
		m.current = &Buffer{cards: make([]heap.GlobalCard, 0, m.capacity)}
	}
	m.current.cards = append(m.current.cards, card)
	var full *Buffer
	if len(m.current.cards) == m.capacity {
		full = m.current
		m.current = nil
	}
	m.mu.Unlock()
	if full != nil {
		m.processOrEnqueue(full)
	}
}

// processOrEnqueue hands a full buffer to the completed queue, or refines it
// inline once the backlog has passed the red zone.
func (m *MutatorQueue) processOrEnqueue(b *Buffer) {
	if m.completed.Len() >= m.redZone {
		m.refiner.RefineBuffer(b)
		return
	}
	m.completed.Push(b)
}

// Flush completes the partially filled buffer, if any. Called before a
// pause so no dirty card hides in a mutator-local buffer.
func (m *MutatorQueue) Flush() {
	m.mu.Lock()
	partial := m.current
	m.current = nil
	m.mu.Unlock()
	if partial != nil && len(partial.cards) > 0 {
		m.completed.Push(partial)
	}
}

// PendingCards returns the number of cards in the partial buffer.
func (m *MutatorQueue) PendingCards() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	return len(m.current.cards)
}
