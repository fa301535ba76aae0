// Package dma provides hugepage-backed, pinned memory regions for device DMA.
package dma

import (
	"errors"
	"fmt"

	"github.com/dirnic/dirnic/core/logging"
)

var logger = logging.New("dma")

// Hugepage geometry. 2 MB pages are assumed; the kernel guarantees a hugepage
// is physically contiguous and never swapped or migrated.
const (
	HugePageBits = 21
	HugePageSize = 1 << HugePageBits
)

// ErrAllocation indicates hugepage memory could not be obtained.
var ErrAllocation = errors.New("DMA memory allocation failed")

// Memory is a pinned region usable for device DMA.
// Virt is the process mapping; Phys is the address a device must use for
// Virt[0]: the physical address, or the IOVA when the region is mapped
// through an IOMMU.
// A Memory lives until process exit: there is no release operation, because
// the device may hold descriptors pointing into it at any time.
type Memory struct {
	Virt []byte
	Phys uintptr
}

// FromBytes wraps an existing buffer as a Memory with a caller-asserted
// physical base. It exists for alternate allocators and for tests; the buffer
// must satisfy the same pinning guarantees as Allocate if a device will
// access it.
func FromBytes(virt []byte, phys uintptr) Memory {
	return Memory{Virt: virt, Phys: phys}
}

// Size returns the region size in bytes.
func (m Memory) Size() int {
	return len(m.Virt)
}

// Slice returns the sub-region [off, off+length).
func (m Memory) Slice(off, length int) []byte {
	return m.Virt[off : off+length : off+length]
}

// SlicePhys returns the physical address of offset off.
// Valid only when the region is physically contiguous, i.e. within one hugepage.
func (m Memory) SlicePhys(off int) uintptr {
	return m.Phys + uintptr(off)
}

func roundUpHugePage(size int) int {
	if size%HugePageSize != 0 {
		return ((size >> HugePageBits) + 1) << HugePageBits
	}
	return size
}

func allocationError(detail string, e error) error {
	if e != nil {
		return fmt.Errorf("%w: %s: %v", ErrAllocation, detail, e)
	}
	return fmt.Errorf("%w: %s", ErrAllocation, detail)
}
