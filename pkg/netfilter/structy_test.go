package netfilter

import (
	"bytes"
	"testing"
)

func TestMessageAllocAligns(t *testing.T) {
	m := NewMessage(8)
	a := m.Alloc(4)
	b := m.Alloc(1)
	c := m.Alloc(8)
	if a != 0 || b != 8 || c != 16 {
		t.Errorf("refs %d %d %d", a, b, c)
	}
	if len(m.Bytes()) != 24 {
		t.Errorf("len %d", len(m.Bytes()))
	}
}

func TestRefsStableUnderGrowth(t *testing.T) {
	m := NewMessage(4)
	hdr := m.Alloc(16)
	for i := 0; i < 100; i++ {
		m.Alloc(32)
	}
	// a write through an early handle lands at the same place after the
	// buffer has been reallocated many times
	m.PutUint32(hdr, 4, 0x11223344)
	if got := nativeUint32(m.Bytes()[4:]); got != 0x11223344 {
		t.Errorf("got %#x", got)
	}
}

func TestOffsetBetween(t *testing.T) {
	m := NewMessage(4)
	a := m.Alloc(12)
	b := m.Alloc(4)
	if OffsetBetween(a, b) != 12 {
		t.Errorf("offset %d", OffsetBetween(a, b))
	}
	if OffsetBetween(a, m.End()) != 16 {
		t.Errorf("end offset %d", OffsetBetween(a, m.End()))
	}
}

func TestAddStringAndBytes(t *testing.T) {
	m := NewMessage(4)
	m.AddString("dummy0")
	if !bytes.Equal(m.Bytes(), []byte("dummy0\x00")) {
		t.Errorf("got %q", m.Bytes())
	}
	m.AddBytes([]byte("dummy"))
	if len(m.Bytes()) != 12 {
		t.Errorf("raw bytes must not be padded, len %d", len(m.Bytes()))
	}
}
