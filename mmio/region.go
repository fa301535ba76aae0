// Package mmio accesses memory-mapped device control registers.
//
// Register layouts are expressed as offset constants plus these accessor
// functions over a raw addressable region; no struct is ever overlaid on
// device memory.
package mmio

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Region is an addressable window of 32-bit device registers.
//
// The device behind a Region is an autonomous agent: it may change register
// contents at any time, so values read are snapshots, and bits written may be
// self-cleared or ignored by hardware.
type Region interface {
	Read32(offset uint32) uint32
	Write32(offset, value uint32)
}

// Mem is a Region over a mapped byte slice, typically a PCI BAR obtained from
// the pci package. Accesses are aligned 32-bit loads and stores.
type Mem struct {
	b []byte
}

var _ Region = (*Mem)(nil)

// NewMem wraps a mapped region. The slice must remain mapped for the life of
// the Mem.
func NewMem(b []byte) *Mem {
	return &Mem{b: b}
}

// Len returns the region size in bytes.
func (m *Mem) Len() int {
	return len(m.b)
}

func (m *Mem) reg(offset uint32) *uint32 {
	if offset%4 != 0 || int(offset) > len(m.b)-4 {
		panic(fmt.Sprintf("register access out of bounds: offset %#x, region %#x", offset, len(m.b)))
	}
	return (*uint32)(unsafe.Pointer(&m.b[offset]))
}

// Read32 performs a single 32-bit read at offset.
func (m *Mem) Read32(offset uint32) uint32 {
	return atomic.LoadUint32(m.reg(offset))
}

// Write32 performs a single 32-bit write at offset.
func (m *Mem) Write32(offset, value uint32) {
	atomic.StoreUint32(m.reg(offset), value)
}

// SetFlags32 sets bits in the register at offset with a read-modify-write.
func SetFlags32(r Region, offset, flags uint32) {
	r.Write32(offset, r.Read32(offset)|flags)
}

// ClearFlags32 clears bits in the register at offset with a read-modify-write.
func ClearFlags32(r Region, offset, flags uint32) {
	r.Write32(offset, r.Read32(offset)&^flags)
}
