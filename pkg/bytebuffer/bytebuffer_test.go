package bytebuffer

import "testing"

func TestAppendAndRead(t *testing.T) {
	b := Empty()
	b.Append([]byte{0x01, 0x02, 0x03})

	if b.Len() != 3 {
		t.Fatalf("expected length 3, got %d", b.Len())
	}

	got, err := b.Read(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0] != 0x01 || got[1] != 0x02 {
		t.Errorf("unexpected bytes read: %v", got)
	}
	if b.Len() != 1 {
		t.Errorf("expected 1 remaining byte, got %d", b.Len())
	}
}

func TestReadUnderflow(t *testing.T) {
	b := New([]byte{0x01})
	if _, err := b.Read(2); err == nil {
		t.Fatal("expected underflow error, got nil")
	}
}

func TestFixedWidthReads(t *testing.T) {
	b := New([]byte{
		0x00, 0x00, 0x00, 0x01, // int32 = 1
		0x40, 0x09, 0x21, 0xFB, 0x54, 0x44, 0x2D, 0x18, // float64 = pi
	})

	i32, err := b.ReadInt32()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if i32 != 1 {
		t.Errorf("expected 1, got %d", i32)
	}

	f, err := b.ReadFloat64()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f != 3.14159265358979323846 {
		t.Errorf("expected pi, got %v", f)
	}
}
