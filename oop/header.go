package oop

import "sync/atomic"

const gcAsserts = true // perform sanity checks

// Header is a reference to an object's header word, supporting atomic
// updates. The zero value is invalid; obtain one with HeaderAt.
type Header struct {
	word *uintptr
}

// HeaderAt wraps a header word in place.
func HeaderAt(word *uintptr) Header {
	return Header{word}
}

// Mark loads the current mark with acquire ordering.
func (h Header) Mark() Mark {
	return Mark(atomic.LoadUintptr(h.word))
}

// SetMark stores a mark with release ordering.
func (h Header) SetMark(m Mark) {
	atomic.StoreUintptr(h.word, uintptr(m))
}

// Init resets the header to the allocation prototype. Used both at
// allocation and on the copy after an evacuation.
func (h Header) Init() {
	h.SetMark(Prototype())
}

// CasMark attempts to replace old with new and returns the mark that was
// actually witnessed in the header. The swap took place iff the returned
// value equals old.
func (h Header) CasMark(new, old Mark) Mark {
	for {
		if atomic.CompareAndSwapUintptr(h.word, uintptr(old), uintptr(new)) {
			return old
		}
		cur := Mark(atomic.LoadUintptr(h.word))
		if cur != old {
			return cur
		}
		// The word changed away and back between the failed swap and the
		// load. Try the swap again.
	}
}

// IsForwarded reports whether a forwarding pointer is installed.
func (h Header) IsForwarded() bool {
	return h.Mark().IsMarked()
}

// ForwardTo installs a forwarding pointer without atomics. Only valid when
// the caller has exclusive access to the object, such as the serial
// compaction phase.
func (h Header) ForwardTo(p Address) {
	m := EncodePointerAsMark(p)
	if gcAsserts && m.DecodePointer() != p {
		panic("gc: forwarding encoding not reversible")
	}
	h.SetMark(m)
}

// ForwardToAtomic attempts to install a forwarding pointer with a
// compare-and-swap. If this thread wins the race it returns (p, true). If
// another thread already forwarded the object it returns the previously
// installed forwardee and false; the caller must use that copy and discard
// its own.
//
// The caller is responsible for publishing the copied object body before
// calling this: the CAS is the release point that makes the copy reachable.
func (h Header) ForwardToAtomic(p Address) (Address, bool) {
	m := EncodePointerAsMark(p)
	oldMark := h.Mark()
	for !oldMark.IsMarked() {
		witness := h.CasMark(m, oldMark)
		if witness == oldMark {
			return p, true
		}
		oldMark = witness
	}
	return oldMark.DecodePointer(), false
}

// Forwardee returns the forwarding target. Valid only if IsForwarded.
func (h Header) Forwardee() Address {
	m := h.Mark()
	if gcAsserts && !m.IsMarked() {
		panic("gc: forwardee of an unforwarded object")
	}
	return m.DecodePointer()
}

// Age returns the object's age, reading the displaced mark if the object is
// stack-locked.
func (h Header) Age() uint {
	m := h.Mark()
	if gcAsserts && m.IsMarked() {
		panic("gc: age of a forwarded object")
	}
	if m.HasDisplacedMark() {
		return m.LockRecord().Displaced.Age()
	}
	return m.Age()
}

// IncrAge increments the object's age, writing through to the displaced mark
// if the object is stack-locked.
func (h Header) IncrAge() {
	m := h.Mark()
	if gcAsserts && m.IsMarked() {
		panic("gc: aging a forwarded object")
	}
	if m.HasDisplacedMark() {
		rec := m.LockRecord()
		rec.Displaced = rec.Displaced.IncrAge()
		return
	}
	h.SetMark(m.IncrAge())
}

// IdentityHash returns the object's identity hash. The fast path reads the
// hash packed into an unlocked mark, assigning one lazily via assign if none
// is present. If the object is locked or forwarded the hash cannot live in
// the header; ok is false and the caller must consult its side table.
func (h Header) IdentityHash(assign func() uint32) (hash uint32, ok bool) {
	for {
		m := h.Mark()
		if !m.IsUnlocked() {
			return 0, false
		}
		if m.HasHash() {
			return m.Hash(), true
		}
		hash = assign()
		if gcAsserts && hash == NoHash {
			panic("gc: assigned an empty identity hash")
		}
		if h.CasMark(m.SetHash(hash), m) == m {
			return hash, true
		}
		// Lost a race against a lock, a forwarding, or another hash
		// assignment. Reload and retry.
	}
}
