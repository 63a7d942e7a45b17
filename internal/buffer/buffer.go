// Package buffer provides typed access to a fixed-length byte region, such
// as the memory behind a script ArrayBuffer.
//
// Reads past the end panic with a *BoundsError. Writes past the end return
// -1 and leave the region untouched, so batch writers can detect truncation
// and stop. Byte order is chosen per call.
package buffer

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BoundsError is the panic value for an out-of-range read.
type BoundsError struct {
	Offset int
	Width  int
	Len    int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("buffer: read of %d bytes at offset %d out of range [0:%d]", e.Width, e.Offset, e.Len)
}

// Buffer is a view over a fixed-length byte region. It never grows.
type Buffer struct {
	data []byte
}

// New wraps data. The buffer aliases data; writes are visible to the owner.
func New(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Len returns the region length.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the underlying region.
func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) fits(off, width int) bool {
	return off >= 0 && width <= len(b.data) && off <= len(b.data)-width
}

func (b *Buffer) span(off, width int) []byte {
	if !b.fits(off, width) {
		panic(&BoundsError{Offset: off, Width: width, Len: len(b.data)})
	}
	return b.data[off : off+width]
}

func (b *Buffer) ReadU8(off int) uint8 { return b.span(off, 1)[0] }

func (b *Buffer) ReadI8(off int) int8 { return int8(b.span(off, 1)[0]) }

func (b *Buffer) ReadU16(off int, order binary.ByteOrder) uint16 {
	return order.Uint16(b.span(off, 2))
}

func (b *Buffer) ReadI16(off int, order binary.ByteOrder) int16 {
	return int16(order.Uint16(b.span(off, 2)))
}

func (b *Buffer) ReadU32(off int, order binary.ByteOrder) uint32 {
	return order.Uint32(b.span(off, 4))
}

func (b *Buffer) ReadI32(off int, order binary.ByteOrder) int32 {
	return int32(order.Uint32(b.span(off, 4)))
}

func (b *Buffer) ReadU64(off int, order binary.ByteOrder) uint64 {
	return order.Uint64(b.span(off, 8))
}

func (b *Buffer) ReadI64(off int, order binary.ByteOrder) int64 {
	return int64(order.Uint64(b.span(off, 8)))
}

func (b *Buffer) ReadF32(off int, order binary.ByteOrder) float32 {
	return math.Float32frombits(order.Uint32(b.span(off, 4)))
}

func (b *Buffer) ReadF64(off int, order binary.ByteOrder) float64 {
	return math.Float64frombits(order.Uint64(b.span(off, 8)))
}

// ReadBytes copies n bytes starting at off.
func (b *Buffer) ReadBytes(off, n int) []byte {
	out := make([]byte, n)
	copy(out, b.span(off, n))
	return out
}

func (b *Buffer) WriteU8(off int, v uint8) int {
	if !b.fits(off, 1) {
		return -1
	}
	b.data[off] = v
	return 1
}

func (b *Buffer) WriteI8(off int, v int8) int { return b.WriteU8(off, uint8(v)) }

func (b *Buffer) WriteU16(off int, v uint16, order binary.ByteOrder) int {
	if !b.fits(off, 2) {
		return -1
	}
	order.PutUint16(b.data[off:], v)
	return 2
}

func (b *Buffer) WriteI16(off int, v int16, order binary.ByteOrder) int {
	return b.WriteU16(off, uint16(v), order)
}

func (b *Buffer) WriteU32(off int, v uint32, order binary.ByteOrder) int {
	if !b.fits(off, 4) {
		return -1
	}
	order.PutUint32(b.data[off:], v)
	return 4
}

func (b *Buffer) WriteI32(off int, v int32, order binary.ByteOrder) int {
	return b.WriteU32(off, uint32(v), order)
}

func (b *Buffer) WriteU64(off int, v uint64, order binary.ByteOrder) int {
	if !b.fits(off, 8) {
		return -1
	}
	order.PutUint64(b.data[off:], v)
	return 8
}

func (b *Buffer) WriteI64(off int, v int64, order binary.ByteOrder) int {
	return b.WriteU64(off, uint64(v), order)
}

func (b *Buffer) WriteF32(off int, v float32, order binary.ByteOrder) int {
	return b.WriteU32(off, math.Float32bits(v), order)
}

func (b *Buffer) WriteF64(off int, v float64, order binary.ByteOrder) int {
	return b.WriteU64(off, math.Float64bits(v), order)
}

// WriteBytes copies p to off. Either all of p is written or nothing is.
func (b *Buffer) WriteBytes(off int, p []byte) int {
	if !b.fits(off, len(p)) {
		return -1
	}
	return copy(b.data[off:], p)
}
