// Package netfilter programs the kernel nat table inside the sandbox
// network namespace so all outbound IPv4 traffic is redirected to the
// local gateway port.
package netfilter

import "encoding/binary"

// Ref is a stable handle to a region inside a Message. It stays valid as
// the buffer grows (it is an offset, not a pointer), so offsets between
// regions can be computed after later allocations.
type Ref int

// Message is a growable byte buffer for building the packed
// variable-length struct sequences the netfilter and netlink kernel
// interfaces expect.
type Message struct {
	buf   []byte
	align int
}

// NewMessage creates an empty message whose allocations are padded to
// the given alignment.
func NewMessage(align int) *Message {
	return &Message{align: align}
}

// Alloc appends a zeroed region of at least n bytes, padded up to the
// message alignment, and returns its handle.
func (m *Message) Alloc(n int) Ref {
	r := Ref(len(m.buf))
	padded := (n + m.align - 1) / m.align * m.align
	m.buf = append(m.buf, make([]byte, padded)...)
	return r
}

// AddBytes appends raw bytes with no padding.
func (m *Message) AddBytes(b []byte) {
	m.buf = append(m.buf, b...)
}

// AddString appends a NUL-terminated string with no padding.
func (m *Message) AddString(s string) {
	m.buf = append(m.buf, s...)
	m.buf = append(m.buf, 0)
}

// End returns a handle just past the last byte written.
func (m *Message) End() Ref {
	return Ref(len(m.buf))
}

// Bytes returns the assembled message.
func (m *Message) Bytes() []byte {
	return m.buf
}

// OffsetBetween returns the distance from a to b.
func OffsetBetween(a, b Ref) uint32 {
	return uint32(int(b) - int(a))
}

// PutString copies s into the region at r+off (the caller has allocated
// room for it, including the terminator).
func (m *Message) PutString(r Ref, off int, s string) {
	copy(m.buf[int(r)+off:], s)
}

// PutBytes copies b into the region at r+off.
func (m *Message) PutBytes(r Ref, off int, b []byte) {
	copy(m.buf[int(r)+off:], b)
}

// PutUint16 writes a native-endian uint16 at r+off.
func (m *Message) PutUint16(r Ref, off int, v uint16) {
	binary.NativeEndian.PutUint16(m.buf[int(r)+off:], v)
}

// PutUint32 writes a native-endian uint32 at r+off.
func (m *Message) PutUint32(r Ref, off int, v uint32) {
	binary.NativeEndian.PutUint32(m.buf[int(r)+off:], v)
}

// PutUint64 writes a native-endian uint64 at r+off.
func (m *Message) PutUint64(r Ref, off int, v uint64) {
	binary.NativeEndian.PutUint64(m.buf[int(r)+off:], v)
}
