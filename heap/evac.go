package heap

import (
	"github.com/andypeng2015/regiongc/oop"
)

// EvacuateObject copies a live object into dest and installs a forwarding
// pointer in the original's header. Multiple pause workers may race to
// evacuate the same object; exactly one CAS wins. The winner's copy address
// is returned with won=true. A loser's speculative copy is retracted or
// overwritten with filler, and the winner's copy is returned with won=false.
// A zero address with won=false means the destination had no room.
func (c *Context) EvacuateObject(obj oop.Address, dest *Region) (to oop.Address, won bool) {
	if gcAsserts && !c.CollectionActive() {
		panic("gc: evacuation outside a collection pause")
	}
	if h := c.Header(obj); h.IsForwarded() {
		return h.Forwardee(), false
	}
	size := c.SizeOf(obj)
	copyAddr, ok := c.speculativeCopy(obj, dest, size)
	if !ok {
		// Evacuation failure: no space in the destination. The caller
		// decides whether to pick another region or record the failure.
		return 0, false
	}
	return c.installForwarding(obj, dest, copyAddr, size)
}

// speculativeCopy claims destination space and copies the object body into
// it. The copy is not visible to anyone until a forwarding pointer publishes
// it; until then it is this worker's private speculation.
//
// Store order matters: the body is copied in full before the forwarding CAS
// in installForwarding, so any thread that observes the forwardee observes a
// complete copy.
func (c *Context) speculativeCopy(obj oop.Address, dest *Region, size uintptr) (oop.Address, bool) {
	c.allocMu.Lock()
	copyAddr, ok := dest.allocate(size)
	c.allocMu.Unlock()
	if !ok {
		return 0, false
	}

	// The copy's header carries the original's pre-forwarding mark, which is
	// exactly the state the object should have at its new address.
	src := c.wordIndex(obj)
	dst := c.wordIndex(copyAddr)
	n := size / wordBytes
	copy(c.words[dst:dst+n], c.words[src:src+n])
	return copyAddr, true
}

// installForwarding publishes a speculative copy by CASing a forwarding
// pointer into the original's header, and disposes of the copy if another
// worker won the race.
func (c *Context) installForwarding(obj oop.Address, dest *Region, copyAddr oop.Address, size uintptr) (oop.Address, bool) {
	forwardee, won := c.Header(obj).ForwardToAtomic(copyAddr)
	if won {
		return copyAddr, true
	}

	// Another worker beat us to it. Retract our speculative copy if it is
	// still the last allocation in the destination.
	c.allocMu.Lock()
	if dest.top == copyAddr+oop.Address(size) {
		dest.top = copyAddr
		dest.objStarts = dest.objStarts[:len(dest.objStarts)-1]
		c.allocMu.Unlock()
		return forwardee, false
	}
	c.allocMu.Unlock()

	// The copy is buried under a later allocation and cannot be retracted.
	// It still parses, so overwrite it with pointer-free filler: card walks
	// and verification then see dead space making no remembered-set demands.
	c.FillWithDummy(copyAddr, size)
	return forwardee, false
}

// FillWithDummy overwrites a span with a pointer-free filler object of the
// exact same size, so region walks step over it without interpreting stale
// contents.
func (c *Context) FillWithDummy(addr oop.Address, size uintptr) {
	if gcAsserts && size < headerWords*wordBytes {
		panic("gc: filler smaller than an object header")
	}
	c.Header(addr).Init()
	c.PublishType(addr, c.fillerType(int(size/wordBytes)-headerWords))
}

// fillerType returns the pointer-free type descriptor for a filler of the
// given payload size, registering it on first use.
func (c *Context) fillerType(fieldWords int) TypeID {
	c.typeMu.Lock()
	defer c.typeMu.Unlock()
	if id, ok := c.fillers[fieldWords]; ok {
		return id
	}
	c.types = append(c.types, TypeDescriptor{Name: "filler", FieldWords: fieldWords})
	id := TypeID(len(c.types) - 1)
	c.fillers[fieldWords] = id
	return id
}
