package dma

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// MountDir is the hugetlbfs mount point used by Allocate.
// The mount must exist before the process starts; Allocate does not create it.
var MountDir = "/mnt/huge"

var hugepageID uint64

// mapHugePages obtains size bytes (a hugepage multiple) of hugepage-backed,
// pinned memory without resolving any device-visible address.
func mapHugePages(size int) ([]byte, error) {
	id := atomic.AddUint64(&hugepageID, 1)
	path := fmt.Sprintf("%s/dirnic-%d-%d", MountDir, os.Getpid(), id)
	f, e := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if e != nil {
		if os.IsNotExist(e) {
			return nil, allocationError(MountDir+" missing, hugetlbfs mounted?", e)
		}
		return nil, allocationError("create "+path, e)
	}
	defer f.Close()
	// the mapping keeps the pages; the name is not needed afterwards
	defer os.Remove(path)

	if e := unix.Ftruncate(int(f.Fd()), int64(size)); e != nil {
		return nil, allocationError("ftruncate "+path, e)
	}

	virt, e := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_HUGETLB)
	if e != nil {
		return nil, allocationError("mmap hugepage, pool exhausted?", e)
	}

	if e := unix.Mlock(virt); e != nil {
		return nil, allocationError("mlock", e)
	}
	return virt, nil
}

// Allocate obtains size bytes of hugepage-backed, pinned memory with the
// physical address resolved through pagemap, for devices with direct access
// to physical memory. Size is rounded up to a multiple of the hugepage size.
//
// With requireContiguous, the region is guaranteed physically contiguous,
// which limits it to a single hugepage. Without it, each hugepage within the
// region is contiguous but the pages themselves may be scattered; callers
// must then resolve physical addresses per hugepage via VirtToPhys.
func Allocate(size int, requireContiguous bool) (Memory, error) {
	size = roundUpHugePage(size)
	if requireContiguous && size > HugePageSize {
		return Memory{}, allocationError(
			fmt.Sprintf("%d bytes exceed one hugepage, cannot be physically contiguous", size), nil)
	}

	virt, e := mapHugePages(size)
	if e != nil {
		return Memory{}, e
	}

	phys, e := VirtToPhys(virt)
	if e != nil {
		return Memory{}, e
	}

	logger.Debug("allocated DMA memory",
		zap.Int("size", size),
		zap.Uintptr("phys", phys),
	)
	return Memory{Virt: virt, Phys: phys}, nil
}

// AllocateIOMMU obtains size bytes of hugepage-backed, pinned memory and maps
// it into the device's IOMMU domain through mapDMA, which returns the IOVA
// the device must use. Pagemap is never consulted on this path. The IOVA
// space is contiguous for the whole region regardless of physical layout, so
// no contiguity limit applies.
func AllocateIOMMU(size int, mapDMA func([]byte) (uintptr, error)) (Memory, error) {
	size = roundUpHugePage(size)

	virt, e := mapHugePages(size)
	if e != nil {
		return Memory{}, e
	}

	iova, e := mapDMA(virt)
	if e != nil {
		return Memory{}, allocationError("map into IOMMU domain", e)
	}

	logger.Debug("allocated IOMMU-mapped DMA memory",
		zap.Int("size", size),
		zap.Uintptr("iova", iova),
	)
	return Memory{Virt: virt, Phys: iova}, nil
}
