package bitfield

import "testing"

func TestSetGet(t *testing.T) {
	var b BitField
	b.Set(0, true)
	b.Set(1, false)

	if !b.Get(0) {
		t.Error("expected bit 0 set")
	}
	if b.Get(1) {
		t.Error("expected bit 1 unset")
	}
	if b.Byte() != 1 {
		t.Errorf("expected byte value 1, got %d", b.Byte())
	}
}

func TestFromByte(t *testing.T) {
	b := New(0x03)
	if !b.Get(0) || !b.Get(1) {
		t.Error("expected both bit 0 and bit 1 set")
	}
	if b.Get(2) {
		t.Error("expected bit 2 unset")
	}
}
