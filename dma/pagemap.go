package dma

import (
	"encoding/binary"
	"os"
	"unsafe"
)

const pagemapEntrySize = 8

// pagemap PFN field, bits 0-54
const pfnMask = 0x007f_ffff_ffff_ffff

// VirtToPhys translates a virtual address within p to its physical address
// by consulting /proc/self/pagemap. The page must be resident; hugepage
// mappings from Allocate always are.
func VirtToPhys(p []byte) (uintptr, error) {
	virt := uintptr(unsafe.Pointer(&p[0]))
	pageSize := uintptr(os.Getpagesize())

	f, e := os.Open("/proc/self/pagemap")
	if e != nil {
		return 0, allocationError("open pagemap, are you root?", e)
	}
	defer f.Close()

	var entry [pagemapEntrySize]byte
	if _, e := f.ReadAt(entry[:], int64(virt/pageSize*pagemapEntrySize)); e != nil {
		return 0, allocationError("read pagemap entry", e)
	}

	pfn := binary.LittleEndian.Uint64(entry[:]) & pfnMask
	if pfn == 0 {
		return 0, allocationError("pagemap reports page not present", nil)
	}
	return uintptr(pfn)*pageSize + virt%pageSize, nil
}
