package oop

import "testing"

func TestPrototype(t *testing.T) {
	m := Prototype()
	if !m.IsUnlocked() {
		t.Errorf("prototype mark is not unlocked: %v", m)
	}
	if m.HasHash() {
		t.Errorf("prototype mark has an identity hash")
	}
	if m.Age() != 0 {
		t.Errorf("prototype mark age = %d, want 0", m.Age())
	}
}

func TestMarkTags(t *testing.T) {
	for _, tc := range []struct {
		mark Mark
		want string
	}{
		{Prototype(), "unlocked"},
		{EncodePointerAsMark(0x10000), "forwarded"},
		{EncodeLockRecord(&LockRecord{}), "locked"},
	} {
		if got := tc.mark.String(); got != tc.want {
			t.Errorf("mark %#x: String() = %q, want %q", uintptr(tc.mark), got, tc.want)
		}
	}
}

func TestMarkAge(t *testing.T) {
	m := Prototype()
	for want := uint(1); want <= MaxAge; want++ {
		m = m.IncrAge()
		if m.Age() != want {
			t.Fatalf("age after %d increments = %d", want, m.Age())
		}
		if !m.IsUnlocked() {
			t.Fatalf("aging clobbered the tag bits: %v", m)
		}
	}

	// Age saturates instead of wrapping into neighboring fields.
	m = m.IncrAge()
	if m.Age() != MaxAge {
		t.Errorf("age beyond MaxAge = %d, want %d", m.Age(), MaxAge)
	}
}

func TestMarkHash(t *testing.T) {
	m := Prototype().SetAge(3)
	m = m.SetHash(0x7fffffff)
	if m.Hash() != 0x7fffffff {
		t.Errorf("hash = %#x", m.Hash())
	}
	if m.Age() != 3 {
		t.Errorf("setting the hash clobbered the age: %d", m.Age())
	}
	if !m.IsUnlocked() {
		t.Errorf("setting the hash clobbered the tag: %v", m)
	}
}

func TestForwardingEncodeDecode(t *testing.T) {
	for _, p := range []Address{0x10000, 0x123450, 0x7ffffff8} {
		m := EncodePointerAsMark(p)
		if !m.IsMarked() {
			t.Errorf("forwarding mark for %#x not tagged as marked", uintptr(p))
		}
		if got := m.DecodePointer(); got != p {
			t.Errorf("decode(encode(%#x)) = %#x", uintptr(p), uintptr(got))
		}
	}
}

func TestDisplacedMark(t *testing.T) {
	rec := &LockRecord{Displaced: Prototype().SetAge(5)}
	m := EncodeLockRecord(rec)
	if !m.HasDisplacedMark() {
		t.Fatalf("locked mark does not report a displaced mark")
	}
	if m.LockRecord() != rec {
		t.Fatalf("lock record pointer did not round-trip")
	}
	if m.LockRecord().Displaced.Age() != 5 {
		t.Errorf("displaced age = %d, want 5", m.LockRecord().Displaced.Age())
	}
}
