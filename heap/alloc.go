package heap

import (
	"errors"
	"fmt"

	"github.com/andypeng2015/regiongc/gclog"
	"github.com/andypeng2015/regiongc/oop"
	"github.com/andypeng2015/regiongc/remset"
)

// ErrOutOfRegions is returned when the free region pool is exhausted.
var ErrOutOfRegions = errors.New("gc: out of free regions")

// AllocateRegion takes a region out of the Free pool and transitions it to
// the given kind. When keepRemSet is set the remembered set survives the
// preceding clear; used when recycling a region whose remset content is
// still valid.
func (c *Context) AllocateRegion(kind Kind, keepRemSet bool) (*Region, error) {
	if gcAsserts && (kind == Free || kind.IsHumongous()) {
		panic("gc: AllocateRegion with kind " + kind.String())
	}
	r := c.popFreeRegion()
	if r == nil {
		return nil, ErrOutOfRegions
	}
	if !keepRemSet {
		r.remSet.Clear()
	}
	r.setKind(kind)
	r.recordTimestamp()
	gclog.Debugf(c.log, "gc,heap", "region %d: free -> %s", r.index, kind)
	return r, nil
}

// AllocateHumongous allocates an object too large for a single region. It
// claims enough contiguous free regions, marks the first StartsHumongous and
// the rest ContinuesHumongous, and returns the object's address. The type is
// published before the object becomes visible to the caller; the
// construction window where the type word is still zero is what the careful
// card walk defends against.
func (c *Context) AllocateHumongous(typ TypeID) (oop.Address, error) {
	desc := c.TypeDescriptorOf(typ)
	if desc == nil {
		return 0, fmt.Errorf("gc: humongous allocation with unregistered type %d", typ)
	}
	bytes := uintptr(headerWords+desc.FieldWords) * wordBytes
	if bytes <= c.regionSize/2 {
		return 0, fmt.Errorf("gc: humongous allocation of %s does not exceed the threshold",
			gclog.Bytes(uint64(bytes)))
	}
	numRegions := int((bytes + c.regionSize - 1) / c.regionSize)

	c.freeMu.Lock()
	first := c.findContiguousFreeLocked(numRegions)
	if first == remset.NoRegion {
		c.freeMu.Unlock()
		return 0, ErrOutOfRegions
	}
	c.removeFromFreeLocked(first, numRegions)
	c.freeMu.Unlock()

	startRegion := c.regions[first]
	c.allocMu.Lock()
	startRegion.setKind(StartsHumongous)
	startRegion.setHumongousStart(first)
	startRegion.recordTimestamp()
	remaining := bytes
	for i := 0; i < numRegions; i++ {
		r := c.regions[int(first)+i]
		if i > 0 {
			r.setKind(ContinuesHumongous)
			r.setHumongousStart(first)
			r.recordTimestamp()
		}
		if remaining >= c.regionSize {
			r.top = r.end
			remaining -= c.regionSize
		} else {
			r.top = r.bottom + oop.Address(remaining)
			remaining = 0
		}
	}
	obj := startRegion.bottom
	startRegion.objStarts = append(startRegion.objStarts, obj)
	c.allocMu.Unlock()

	c.Header(obj).Init()
	c.PublishType(obj, typ)
	gclog.Debugf(c.log, "gc,heap", "humongous allocation: %s across regions %d..%d",
		gclog.Bytes(uint64(bytes)), first, int(first)+numRegions-1)
	return obj, nil
}

// NewObject bump-allocates an object of the given type in a region, installs
// the prototype header and publishes the type word.
func (c *Context) NewObject(r *Region, typ TypeID) (oop.Address, error) {
	obj, err := c.NewObjectUnpublished(r, typ)
	if err != nil {
		return 0, err
	}
	c.PublishType(obj, typ)
	return obj, nil
}

// NewObjectUnpublished allocates like NewObject but leaves the type word
// zero, modeling the in-progress-construction window. The caller must
// eventually call PublishType.
func (c *Context) NewObjectUnpublished(r *Region, typ TypeID) (oop.Address, error) {
	desc := c.TypeDescriptorOf(typ)
	if desc == nil {
		return 0, fmt.Errorf("gc: allocation with unregistered type %d", typ)
	}
	if k := r.Kind(); gcAsserts && (k == Free || k.IsHumongous()) {
		panic("gc: object allocation in a " + k.String() + " region")
	}
	bytes := uintptr(headerWords+desc.FieldWords) * wordBytes

	c.allocMu.Lock()
	obj, ok := r.allocate(bytes)
	c.allocMu.Unlock()
	if !ok {
		return 0, fmt.Errorf("gc: region %d full allocating %s", r.index, gclog.Bytes(uint64(bytes)))
	}
	c.Header(obj).Init()
	return obj, nil
}

// FreeRegion returns a non-humongous region to the Free pool at a global
// safepoint. The region must not be in the active collection set.
func (c *Context) FreeRegion(r *Region, keepRemSet bool) {
	if gcAsserts && r.Kind().IsHumongous() {
		panic("gc: FreeRegion on a humongous region; use FreeHumongous")
	}
	c.allocMu.Lock()
	r.hrClear(keepRemSet)
	c.allocMu.Unlock()
	c.pushFreeRegion(r)
	gclog.Debugf(c.log, "gc,heap", "region %d reclaimed", r.index)
}

// FreeHumongous reclaims a whole humongous object: the starts region and
// every continues region chained to it.
func (c *Context) FreeHumongous(start *Region) {
	if k := start.Kind(); gcAsserts && k != StartsHumongous {
		panic("gc: FreeHumongous on a " + k.String() + " region")
	}
	var freed []*Region
	c.allocMu.Lock()
	for i := int(start.index); i < len(c.regions); i++ {
		r := c.regions[i]
		if r.HumongousStart() != start.index {
			break
		}
		r.setHumongousStart(remset.NoRegion)
		r.hrClear(false)
		freed = append(freed, r)
	}
	c.allocMu.Unlock()
	for _, r := range freed {
		c.pushFreeRegion(r)
	}
	gclog.Debugf(c.log, "gc,heap", "humongous object at region %d reclaimed (%d regions)",
		start.index, len(freed))
}

func (c *Context) popFreeRegion() *Region {
	c.freeMu.Lock()
	defer c.freeMu.Unlock()
	if len(c.free) == 0 {
		return nil
	}
	idx := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	return c.regions[idx]
}

func (c *Context) pushFreeRegion(r *Region) {
	if gcAsserts && r.Kind() != Free {
		panic("gc: returning a non-free region to the pool")
	}
	c.freeMu.Lock()
	c.free = append(c.free, r.index)
	c.freeMu.Unlock()
}

// FreeRegionCount returns the size of the free pool.
func (c *Context) FreeRegionCount() int {
	c.freeMu.Lock()
	defer c.freeMu.Unlock()
	return len(c.free)
}

// findContiguousFreeLocked scans the region table for a run of free regions.
// Caller holds freeMu.
func (c *Context) findContiguousFreeLocked(n int) remset.RegionIndex {
	inPool := make(map[remset.RegionIndex]bool, len(c.free))
	for _, idx := range c.free {
		inPool[idx] = true
	}
	run := 0
	for i := range c.regions {
		if inPool[remset.RegionIndex(i)] {
			run++
			if run == n {
				return remset.RegionIndex(i - n + 1)
			}
		} else {
			run = 0
		}
	}
	return remset.NoRegion
}

// removeFromFreeLocked takes a contiguous run out of the free pool. Caller
// holds freeMu.
func (c *Context) removeFromFreeLocked(first remset.RegionIndex, n int) {
	taken := func(idx remset.RegionIndex) bool {
		return idx >= first && idx < first+remset.RegionIndex(n)
	}
	kept := c.free[:0]
	for _, idx := range c.free {
		if !taken(idx) {
			kept = append(kept, idx)
		}
	}
	c.free = kept
}
