package oop

// The mark word is the first word of every heap object. It overlays four
// mutually exclusive encodings, distinguished by the two low-order tag bits:
//
//	[ hash:31 | unused | age:4 | unused | 01 ]  unlocked, with optional identity hash
//	[ lock record pointer              | 00 ]  stack-locked, mark displaced into the record
//	[ monitor pointer                  | 10 ]  inflated lock (owned by an external monitor table)
//	[ forwarding pointer               | 11 ]  forwarded during an evacuation pause
//
// The forwarding encoding reuses the "marked" tag: any pointer stored with
// both tag bits set is a forwarding pointer, and because object addresses are
// at least 8-byte aligned the pointer survives having its low bits masked
// off. Once a forwarding pointer is installed during a pause it is never
// retracted or changed; readers racing with the installing CAS observe either
// the old mark or the final forwarded mark, nothing in between.

import "unsafe"

// Address is a byte address inside the reserved heap.
type Address uintptr

// Mark is the value held in an object's header word.
type Mark uintptr

const (
	lockBits  = 2
	ageShift  = 3
	ageBits   = 4
	hashShift = 8
	hashBits  = 31

	lockedValue   Mark = 0 // stack lock record pointer
	unlockedValue Mark = 1
	monitorValue  Mark = 2
	markedValue   Mark = 3 // also the forwarded encoding
	lockMask      Mark = 1<<lockBits - 1

	ageMask  Mark = 1<<ageBits - 1
	hashMask Mark = 1<<hashBits - 1

	// MaxAge is the largest age representable in the mark word.
	MaxAge = uint(ageMask)

	// NoHash means no identity hash has been assigned yet.
	NoHash uint32 = 0
)

// WordBytes is the heap word size. All object addresses and sizes are
// multiples of this.
const WordBytes = unsafe.Sizeof(uintptr(0))

// Prototype returns the mark installed at allocation: unlocked, age zero, no
// identity hash.
func Prototype() Mark {
	return unlockedValue
}

func (m Mark) IsUnlocked() bool {
	return m&lockMask == unlockedValue
}

// IsLocked reports whether the mark holds a stack lock record pointer.
func (m Mark) IsLocked() bool {
	return m&lockMask == lockedValue
}

func (m Mark) IsMonitor() bool {
	return m&lockMask == monitorValue
}

// IsMarked reports whether the marked/forwarded tag is set. For objects in
// the heap this means a forwarding pointer is installed; see Header.
func (m Mark) IsMarked() bool {
	return m&lockMask == markedValue
}

// EncodePointerAsMark encodes a forwarding target as a mark value.
func EncodePointerAsMark(p Address) Mark {
	if gcAsserts && uintptr(p)&uintptr(lockMask) != 0 {
		panic("gc: forwarding pointer not aligned")
	}
	return Mark(p) | markedValue
}

// DecodePointer returns the pointer stored in a marked or locked mark value.
func (m Mark) DecodePointer() Address {
	return Address(m &^ lockMask)
}

// Age returns the age field. Only meaningful for unlocked marks; locked
// objects keep their age in the displaced mark (see Header.Age).
func (m Mark) Age() uint {
	return uint(m >> ageShift & ageMask)
}

// SetAge returns a copy of the mark with the age field replaced.
func (m Mark) SetAge(age uint) Mark {
	if gcAsserts && age > MaxAge {
		panic("gc: age overflows the mark word")
	}
	return m&^(ageMask<<ageShift) | Mark(age)<<ageShift
}

// IncrAge returns a copy of the mark with the age incremented, saturating at
// MaxAge.
func (m Mark) IncrAge() Mark {
	age := m.Age()
	if age == MaxAge {
		return m
	}
	return m.SetAge(age + 1)
}

// Hash returns the identity hash stored in an unlocked mark, or NoHash.
func (m Mark) Hash() uint32 {
	return uint32(m >> hashShift & hashMask)
}

func (m Mark) HasHash() bool {
	return m.Hash() != NoHash
}

// SetHash returns a copy of the mark with the identity hash installed.
func (m Mark) SetHash(hash uint32) Mark {
	if gcAsserts && Mark(hash)&^hashMask != 0 {
		panic("gc: identity hash overflows the mark word")
	}
	return m&^(hashMask<<hashShift) | Mark(hash)<<hashShift
}

// LockRecord is the displaced header for a stack-locked object. The locking
// thread owns the record; the mark word points at it for the duration of the
// lock.
type LockRecord struct {
	Displaced Mark
}

// EncodeLockRecord encodes a lock record pointer as a mark value. The record
// must stay reachable for as long as the mark references it.
func EncodeLockRecord(rec *LockRecord) Mark {
	m := Mark(uintptr(unsafe.Pointer(rec)))
	if gcAsserts && m&lockMask != lockedValue {
		panic("gc: lock record not aligned")
	}
	return m
}

// LockRecord decodes the stack lock record pointer from a locked mark.
func (m Mark) LockRecord() *LockRecord {
	if gcAsserts && !m.IsLocked() {
		panic("gc: mark does not hold a lock record")
	}
	return (*LockRecord)(unsafe.Pointer(uintptr(m)))
}

// HasDisplacedMark reports whether the real mark lives in a lock record
// rather than the header word itself.
func (m Mark) HasDisplacedMark() bool {
	return m.IsLocked()
}

// String returns a human-readable version of the mark, for debugging.
func (m Mark) String() string {
	switch m & lockMask {
	case unlockedValue:
		return "unlocked"
	case lockedValue:
		return "locked"
	case monitorValue:
		return "monitor"
	case markedValue:
		return "forwarded"
	default:
		// must never happen
		return "!err"
	}
}
