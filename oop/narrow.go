package oop

// Compressed (narrow) heap pointers. A full address inside the reserved heap
// is narrowed to a 32-bit offset relative to a configured base, scaled down
// by a shift. The round trip must be exact in both directions: silent
// precision loss here would corrupt every compressed pointer field.

// Narrow is a compressed heap pointer. The zero value encodes nil.
type Narrow uint32

// NarrowEncoder narrows full addresses to 32-bit offsets from Base, scaled
// by Shift. The addressable window is (1<<32-1)<<Shift bytes above Base.
type NarrowEncoder struct {
	Base  Address
	Shift uint
}

// Encode narrows a full address. The address must be nil, or inside the
// encoder's window and aligned to the shift granule.
func (e NarrowEncoder) Encode(p Address) Narrow {
	if p == 0 {
		return 0
	}
	if gcAsserts {
		// The base itself is not encodable: its offset would collide with
		// the nil encoding. The heap must not place objects at the base.
		if p <= e.Base {
			panic("gc: narrow encode at or below heap base")
		}
		if uintptr(p-e.Base)&(1<<e.Shift-1) != 0 {
			panic("gc: narrow encode of unaligned address")
		}
	}
	offset := uintptr(p-e.Base) >> e.Shift
	if gcAsserts && offset > 1<<32-1 {
		panic("gc: narrow encode outside the addressable window")
	}
	return Narrow(offset)
}

// Decode widens a narrow value back to a full address.
func (e NarrowEncoder) Decode(v Narrow) Address {
	if v == 0 {
		return 0
	}
	return e.Base + Address(uintptr(v)<<e.Shift)
}
