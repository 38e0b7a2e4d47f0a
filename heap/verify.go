package heap

import (
	"errors"
	"fmt"

	"github.com/andypeng2015/regiongc/gclog"
	"github.com/andypeng2015/regiongc/oop"
)

// SetCodeRootOracle wires the JIT collaborator used by code-root
// verification.
func (c *Context) SetCodeRootOracle(o CodeRootOracle) {
	c.codeRoots.Store(&codeRootBox{oracle: o})
}

type codeRootBox struct{ oracle CodeRootOracle }

// VerifyRegion checks a region's invariants: every live object's type must
// resolve to valid metadata, every live cross-region reference must be
// present in the target's remembered set, block-start lookups must be
// consistent, and every code blob the JIT reports as referencing the region
// must be registered as a code root.
//
// Failures are reported, never corrected: they indicate heap corruption and
// the caller should treat them as fatal.
func (c *Context) VerifyRegion(r *Region) []error {
	var failures []error
	kind := r.Kind()
	if kind == Free || kind == ContinuesHumongous {
		// Continuation regions carry no separate liveness accounting; the
		// whole humongous object is verified through its start region.
		return nil
	}

	c.allocMu.Lock()
	starts := append([]oop.Address(nil), r.objStarts...)
	top := r.top
	c.allocMu.Unlock()

	for _, obj := range starts {
		typ := c.TypeOf(obj)
		if typ == 0 {
			// Construction in progress is not corruption.
			continue
		}
		desc := c.TypeDescriptorOf(typ)
		if desc == nil {
			failures = append(failures, fmt.Errorf(
				"region %d: object %#x has type %d with no metadata", r.index, uintptr(obj), typ))
			continue
		}
		if desc.Unloading {
			failures = append(failures, fmt.Errorf(
				"region %d: object %#x references unloading type %q", r.index, uintptr(obj), desc.Name))
		}
		if c.isObjectDead(obj, r) {
			continue
		}

		size := c.SizeOf(obj)
		objEnd := obj + oop.Address(size)
		if objEnd > top && !kind.IsHumongous() {
			failures = append(failures, fmt.Errorf(
				"region %d: object %#x extends past top %#x", r.index, uintptr(obj), uintptr(top)))
			continue
		}

		// Block-start consistency: interior addresses must resolve back to
		// the object's own start.
		for _, p := range []oop.Address{obj, obj + oop.Address(size/2/wordBytes*wordBytes), objEnd - oop.Address(wordBytes)} {
			if p >= r.end {
				continue
			}
			if got := r.BlockStart(p); got != obj {
				failures = append(failures, fmt.Errorf(
					"region %d: block start of %#x = %#x, want %#x", r.index, uintptr(p), uintptr(got), uintptr(obj)))
			}
		}

		// Remembered-set completeness for outgoing cross-region references.
		for _, f := range desc.Pointers {
			target := c.Field(obj, f)
			if target == 0 {
				continue
			}
			if !c.Contains(target) {
				failures = append(failures, fmt.Errorf(
					"region %d: object %#x field %d points outside the heap: %#x",
					r.index, uintptr(obj), f, uintptr(target)))
				continue
			}
			targetRegion := c.RegionOf(target)
			if targetRegion.index == r.index {
				continue
			}
			if targetRegion.Kind() == ContinuesHumongous {
				// Humongous liveness and remsets are rooted at the start
				// region.
				targetRegion = c.regions[targetRegion.HumongousStart()]
			}
			fieldAddr := c.FieldAddress(obj, f)
			_, cardInRegion := c.CardRegion(c.CardFor(fieldAddr))
			if !targetRegion.remSet.Contains(r.index, cardInRegion) {
				failures = append(failures, fmt.Errorf(
					"region %d: live reference %#x -> %#x missing from region %d remembered set (card %d)",
					r.index, uintptr(fieldAddr), uintptr(target), targetRegion.index, cardInRegion))
			}
		}
	}

	// Code-root completeness against the JIT's view.
	if box := c.codeRoots.Load(); box != nil && box.oracle != nil {
		for _, blob := range box.oracle.CodeBlobsReferencing(r) {
			if !r.remSet.HasCodeRoot(blob) {
				failures = append(failures, fmt.Errorf(
					"region %d: code blob %d references the region but is not a registered code root",
					r.index, blob))
			}
		}
	}
	return failures
}

// Verify checks every region and returns the combined failures, logging
// each. A non-nil result means heap corruption; the caller must not
// continue.
func (c *Context) Verify() error {
	var all []error
	for _, r := range c.regions {
		for _, err := range c.VerifyRegion(r) {
			gclog.Errorf(c.log, "gc,verify", "%v", err)
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}
