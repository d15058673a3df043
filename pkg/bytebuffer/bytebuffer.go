// Package bytebuffer provides an append-only FIFO of bytes with fixed-size
// network-byte-order reads, the primitive the message codec and the
// datagram reader build on.
package bytebuffer

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ByteBuffer is a FIFO byte sequence. Bytes are appended at the tail and
// consumed from the head; there is no mutation in the middle.
type ByteBuffer struct {
	data []byte
}

// New wraps existing bytes for reading. The slice is not copied.
func New(data []byte) *ByteBuffer {
	return &ByteBuffer{data: data}
}

// Empty returns a ByteBuffer with no bytes, ready for Append.
func Empty() *ByteBuffer {
	return &ByteBuffer{data: make([]byte, 0)}
}

// Append adds bytes to the tail of the buffer.
func (b *ByteBuffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Len reports the number of unread bytes.
func (b *ByteBuffer) Len() int {
	return len(b.data)
}

// Read consumes and returns the first n bytes. It fails on underflow.
func (b *ByteBuffer) Read(n int) ([]byte, error) {
	if n < 0 || n > len(b.data) {
		return nil, fmt.Errorf("bytebuffer: read %d bytes: only %d available", n, len(b.data))
	}
	out := b.data[:n]
	b.data = b.data[n:]
	return out, nil
}

// ReadByte consumes and returns a single byte.
func (b *ByteBuffer) ReadByte() (byte, error) {
	p, err := b.Read(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// ReadUint8 consumes an 8-bit unsigned integer.
func (b *ByteBuffer) ReadUint8() (uint8, error) {
	return b.ReadByte()
}

// ReadInt32 consumes a big-endian 32-bit signed integer.
func (b *ByteBuffer) ReadInt32() (int32, error) {
	p, err := b.Read(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(p)), nil
}

// ReadInt64 consumes a big-endian 64-bit signed integer.
func (b *ByteBuffer) ReadInt64() (int64, error) {
	p, err := b.Read(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p)), nil
}

// ReadUint64 consumes a big-endian 64-bit unsigned integer.
func (b *ByteBuffer) ReadUint64() (uint64, error) {
	p, err := b.Read(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

// ReadFloat64 consumes a big-endian IEEE-754 double.
func (b *ByteBuffer) ReadFloat64() (float64, error) {
	bits, err := b.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}
