package pci

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dirnic/dirnic/core/pciaddr"
)

// VFIO ioctl numbers and constants from linux/vfio.h.
const (
	vfioGetAPIVersion       = 15204
	vfioCheckExtension      = 15205
	vfioSetIOMMU            = 15206
	vfioGroupGetStatus      = 15207
	vfioGroupSetContainer   = 15208
	vfioGroupGetDeviceFD    = 15210
	vfioDeviceGetRegionInfo = 15212
	vfioIOMMUMapDMA         = 15217

	vfioAPIVersion       = 0
	vfioType1IOMMU       = 1
	vfioGroupFlagsViable = 1

	vfioDMAMapFlagRead  = 1 << 0
	vfioDMAMapFlagWrite = 1 << 1

	vfioPCIBAR0RegionIndex   = 0
	vfioPCIConfigRegionIndex = 7
)

type vfioGroupStatus struct {
	Argsz uint32
	Flags uint32
}

type vfioRegionInfo struct {
	Argsz     uint32
	Flags     uint32
	Index     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

type vfioDMAMap struct {
	Argsz uint32
	Flags uint32
	Vaddr uint64
	IOVA  uint64
	Size  uint64
}

// The container, group and device fds must outlive the BAR mapping: closing
// them tears down the IOMMU domain. They are retained here until process exit.
var (
	vfioContainer *os.File
	vfioHeld      []*os.File
)

func ioctl(fd int, req uint, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// ioctlPtr passes a pointer argument to ioctl. The uintptr conversion must
// happen inside the Syscall expression so the referent stays valid across
// stack growth.
func ioctlPtr(fd int, req uint, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func dmaMapRequest(p []byte) vfioDMAMap {
	vaddr := uint64(uintptr(unsafe.Pointer(&p[0])))
	return vfioDMAMap{
		Argsz: uint32(unsafe.Sizeof(vfioDMAMap{})),
		Flags: vfioDMAMapFlagRead | vfioDMAMapFlagWrite,
		Vaddr: vaddr,
		IOVA:  vaddr,
		Size:  uint64(len(p)),
	}
}

// VFIOMapDMA maps p into the container's IOMMU domain and returns the IOVA
// devices must use to address it. The IOVA equals the virtual address, and
// the mapped region is DMA-contiguous regardless of its physical layout.
// MapBAR0 must have set up the container first.
func VFIOMapDMA(p []byte) (uintptr, error) {
	if vfioContainer == nil {
		return 0, errors.New("VFIO container not initialized, map BAR0 first")
	}
	m := dmaMapRequest(p)
	if _, e := ioctlPtr(int(vfioContainer.Fd()), vfioIOMMUMapDMA, unsafe.Pointer(&m)); e != nil {
		return 0, fmt.Errorf("VFIO_IOMMU_MAP_DMA: %w (locked memory ulimit?)", e)
	}
	logger.Debug("mapped DMA memory into IOMMU domain",
		zap.Uint64("iova", m.IOVA),
		zap.Uint64("size", m.Size),
	)
	return uintptr(m.IOVA), nil
}

func mapBAR0VFIO(addr pciaddr.PCIAddress) ([]byte, error) {
	container, e := os.OpenFile("/dev/vfio/vfio", os.O_RDWR, 0)
	if e != nil {
		return nil, fmt.Errorf("open VFIO container: %w", e)
	}
	cfd := int(container.Fd())

	if v, e := ioctl(cfd, vfioGetAPIVersion, 0); e != nil || v != vfioAPIVersion {
		return nil, fmt.Errorf("unsupported VFIO API version %d: %v", v, e)
	}
	if v, e := ioctl(cfd, vfioCheckExtension, vfioType1IOMMU); e != nil || v != 1 {
		return nil, fmt.Errorf("VFIO Type1 IOMMU not supported: %v", e)
	}

	link, e := os.Readlink(path.Join(addr.SysfsPath(), "iommu_group"))
	if e != nil {
		return nil, fmt.Errorf("resolve iommu_group of %s: %w", addr, e)
	}
	groupID, e := strconv.Atoi(path.Base(link))
	if e != nil {
		return nil, fmt.Errorf("parse iommu_group of %s: %w", addr, e)
	}

	group, e := os.OpenFile(fmt.Sprintf("/dev/vfio/%d", groupID), os.O_RDWR, 0)
	if e != nil {
		return nil, fmt.Errorf("open VFIO group %d, is the device bound to vfio-pci? %w", groupID, e)
	}
	gfd := int(group.Fd())

	status := vfioGroupStatus{Argsz: uint32(unsafe.Sizeof(vfioGroupStatus{}))}
	if _, e := ioctlPtr(gfd, vfioGroupGetStatus, unsafe.Pointer(&status)); e != nil {
		return nil, fmt.Errorf("VFIO_GROUP_GET_STATUS: %w", e)
	}
	if status.Flags&vfioGroupFlagsViable == 0 {
		return nil, fmt.Errorf("VFIO group %d not viable, bind all devices of the group to vfio-pci", groupID)
	}

	cfd32 := int32(cfd)
	if _, e := ioctlPtr(gfd, vfioGroupSetContainer, unsafe.Pointer(&cfd32)); e != nil {
		return nil, fmt.Errorf("VFIO_GROUP_SET_CONTAINER: %w", e)
	}
	if _, e := ioctl(cfd, vfioSetIOMMU, vfioType1IOMMU); e != nil {
		return nil, fmt.Errorf("VFIO_SET_IOMMU: %w", e)
	}

	name, e := unix.BytePtrFromString(addr.String())
	if e != nil {
		return nil, e
	}
	devfd, e := ioctlPtr(gfd, vfioGroupGetDeviceFD, unsafe.Pointer(name))
	if e != nil {
		return nil, fmt.Errorf("VFIO_GROUP_GET_DEVICE_FD for %s: %w", addr, e)
	}

	// bus master enable through the VFIO config region
	cfgInfo := vfioRegionInfo{
		Argsz: uint32(unsafe.Sizeof(vfioRegionInfo{})),
		Index: vfioPCIConfigRegionIndex,
	}
	if _, e := ioctlPtr(devfd, vfioDeviceGetRegionInfo, unsafe.Pointer(&cfgInfo)); e != nil {
		return nil, fmt.Errorf("VFIO_DEVICE_GET_REGION_INFO(config): %w", e)
	}
	var cmd [2]byte
	if _, e := unix.Pread(devfd, cmd[:], int64(cfgInfo.Offset)+cfgCommand); e != nil {
		return nil, fmt.Errorf("read command register via VFIO: %w", e)
	}
	cmd[0] |= busMasterEnable
	if _, e := unix.Pwrite(devfd, cmd[:], int64(cfgInfo.Offset)+cfgCommand); e != nil {
		return nil, fmt.Errorf("write command register via VFIO: %w", e)
	}

	barInfo := vfioRegionInfo{
		Argsz: uint32(unsafe.Sizeof(vfioRegionInfo{})),
		Index: vfioPCIBAR0RegionIndex,
	}
	if _, e := ioctlPtr(devfd, vfioDeviceGetRegionInfo, unsafe.Pointer(&barInfo)); e != nil {
		return nil, fmt.Errorf("VFIO_DEVICE_GET_REGION_INFO(BAR0): %w", e)
	}

	b, e := unix.Mmap(devfd, int64(barInfo.Offset), int(barInfo.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if e != nil {
		return nil, fmt.Errorf("mmap BAR0 via VFIO: %w", e)
	}

	vfioContainer = container
	vfioHeld = append(vfioHeld, container, group, os.NewFile(uintptr(devfd), addr.String()))
	logger.Debug("mapped BAR0 via VFIO",
		zap.Stringer("addr", addr),
		zap.Int("group", groupID),
		zap.Int("size", len(b)),
	)
	return b, nil
}
