package heap

import (
	"sort"

	"github.com/andypeng2015/regiongc/oop"
)

// ReferenceVisitor is applied to reference fields during card walks. obj is
// the object holding the field, fieldAddr the field's own address, target
// the reference it currently holds.
type ReferenceVisitor func(obj, fieldAddr, target oop.Address)

// BlockStart returns the start address of the object whose body covers p,
// or 0 if p lies before the first object or beyond the allocation frontier.
// Caller must hold no allocation in flight for this region.
func (r *Region) BlockStart(p oop.Address) oop.Address {
	r.ctx.allocMu.Lock()
	defer r.ctx.allocMu.Unlock()
	return r.blockStartLocked(p)
}

func (r *Region) blockStartLocked(p oop.Address) oop.Address {
	starts := r.objStarts
	// The first start strictly greater than p; the object covering p (if
	// any) begins just before it.
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > p })
	if i == 0 {
		return 0
	}
	return starts[i-1]
}

// OopsOnCardCareful walks the live objects overlapping [start, end) and
// applies v to every reference field lying inside that range. Objects the
// liveness oracle reports dead are stepped over.
//
// The walk is "careful": for a humongous object whose type word has not
// been published yet, and with no collection in progress, the card cannot
// be distinguished from one dirtied by the in-progress allocation itself.
// In that case the walk reports false ("not yet processable") and the
// caller must retry the card later rather than guess at a half-constructed
// object.
func (r *Region) OopsOnCardCareful(start, end oop.Address, v ReferenceVisitor) bool {
	if gcAsserts && (start < r.bottom || end > r.end || start >= end) {
		panic("gc: card range outside the region")
	}
	if r.Kind().IsHumongous() {
		return r.ctx.oopsOnCardInHumongous(r, start, end, v)
	}

	c := r.ctx
	c.allocMu.Lock()
	top := r.top
	cur := r.blockStartLocked(start)
	c.allocMu.Unlock()

	if end > top {
		end = top
	}
	if cur == 0 || cur >= end {
		// Nothing allocated under this card (a stale card from a region
		// that has been recycled since the barrier ran).
		return true
	}

	for cur < end {
		typ := c.TypeOf(cur)
		if typ == 0 {
			// An object under this card is still being constructed. Report
			// the card as not yet processable; it will be retried once the
			// type word publishes.
			return false
		}
		size := c.SizeOf(cur)
		if c.isObjectDead(cur, r) {
			// Carefully step over the dead object.
			cur += oop.Address(size)
			continue
		}
		c.visitRefsInRange(cur, start, end, v)
		cur += oop.Address(size)
	}
	return true
}

// oopsOnCardInHumongous handles card walks over humongous regions. Only the
// start region's single object is ever scanned; continuation regions
// delegate to it.
func (c *Context) oopsOnCardInHumongous(r *Region, start, end oop.Address, v ReferenceVisitor) bool {
	sr := c.regions[r.HumongousStart()]
	obj := sr.bottom

	if c.TypeOf(obj) == 0 {
		// The humongous object's type is not published yet. An in-progress
		// allocation can legitimately leave dirty cards behind; outside a
		// collection we cannot tell those from a real update, so report the
		// card as not yet processable and let the caller retry. During a
		// collection the heap is parsable and an unpublished type means the
		// card is plain stale.
		return c.CollectionActive()
	}
	if c.isObjectDead(obj, sr) {
		return true
	}
	c.visitRefsInRange(obj, start, end, v)
	return true
}

// visitRefsInRange applies v to the object's reference fields whose
// addresses fall inside [start, end).
func (c *Context) visitRefsInRange(obj, start, end oop.Address, v ReferenceVisitor) {
	desc := c.TypeDescriptorOf(c.TypeOf(obj))
	for _, f := range desc.Pointers {
		fieldAddr := c.FieldAddress(obj, f)
		if fieldAddr < start || fieldAddr >= end {
			continue
		}
		target := c.Field(obj, f)
		if target == 0 {
			continue
		}
		v(obj, fieldAddr, target)
	}
}
