// Package pci accesses PCI device resources through Linux sysfs, or through
// VFIO when the device sits behind an IOMMU.
package pci

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dirnic/dirnic/core/logging"
	"github.com/dirnic/dirnic/core/pciaddr"
)

var logger = logging.New("pci")

// Config space layout, PCIe 3.0 section 7.5.1.1.
const (
	cfgVendorID = 0x00
	cfgDeviceID = 0x02
	cfgCommand  = 0x04
	cfgClassRev = 0x08

	busMasterEnable = 1 << 2
)

// ClassNetwork is the PCI base class code of network controllers.
const ClassNetwork = 0x02

func configPath(addr pciaddr.PCIAddress) string {
	return path.Join(addr.SysfsPath(), "config")
}

func readConfig(addr pciaddr.PCIAddress, off int64, p []byte) error {
	f, e := os.Open(configPath(addr))
	if e != nil {
		return fmt.Errorf("open config space of %s: %w", addr, e)
	}
	defer f.Close()
	if _, e := f.ReadAt(p, off); e != nil {
		return fmt.Errorf("read config space of %s at %#x: %w", addr, off, e)
	}
	return nil
}

// VendorDevice reads the vendor and device IDs from config space.
func VendorDevice(addr pciaddr.PCIAddress) (vendor, device uint16, e error) {
	var b [4]byte
	if e = readConfig(addr, cfgVendorID, b[:]); e != nil {
		return 0, 0, e
	}
	return binary.LittleEndian.Uint16(b[0:2]), binary.LittleEndian.Uint16(b[2:4]), nil
}

// ClassCode reads the PCI base class code from config space.
func ClassCode(addr pciaddr.PCIAddress) (uint8, error) {
	var b [4]byte
	if e := readConfig(addr, cfgClassRev, b[:]); e != nil {
		return 0, e
	}
	return b[3], nil
}

// CurrentDriver returns the name of the kernel driver bound to the device,
// or "" if none is bound.
func CurrentDriver(addr pciaddr.PCIAddress) string {
	link, e := os.Readlink(path.Join(addr.SysfsPath(), "driver"))
	if e != nil {
		return ""
	}
	return path.Base(link)
}

// Unbind detaches the device from its kernel driver.
// A device without a bound driver is not an error.
func Unbind(addr pciaddr.PCIAddress) error {
	f, e := os.OpenFile(path.Join(addr.SysfsPath(), "driver", "unbind"), os.O_WRONLY, 0)
	if e != nil {
		if os.IsNotExist(e) {
			return nil
		}
		return fmt.Errorf("unbind %s: %w", addr, e)
	}
	defer f.Close()
	if _, e := f.WriteString(addr.String()); e != nil {
		return fmt.Errorf("unbind %s: %w", addr, e)
	}
	logger.Info("unbound kernel driver", zap.Stringer("addr", addr))
	return nil
}

// EnableBusMaster sets the bus master enable bit in the command register,
// allowing the device to issue DMA.
func EnableBusMaster(addr pciaddr.PCIAddress) error {
	f, e := os.OpenFile(configPath(addr), os.O_RDWR, 0)
	if e != nil {
		return fmt.Errorf("open config space of %s: %w", addr, e)
	}
	defer f.Close()

	var b [2]byte
	if _, e := f.ReadAt(b[:], cfgCommand); e != nil {
		return fmt.Errorf("read command register of %s: %w", addr, e)
	}
	cmd := binary.LittleEndian.Uint16(b[:]) | busMasterEnable
	binary.LittleEndian.PutUint16(b[:], cmd)
	if _, e := f.WriteAt(b[:], cfgCommand); e != nil {
		return fmt.Errorf("write command register of %s: %w", addr, e)
	}
	return nil
}

// IsIOMMUManaged reports whether the device belongs to an IOMMU group, in
// which case resources must be acquired through VFIO.
func IsIOMMUManaged(addr pciaddr.PCIAddress) bool {
	_, e := os.Stat(path.Join(addr.SysfsPath(), "iommu_group"))
	return e == nil
}

// MapBAR0 maps the device's first memory BAR into the process and enables
// bus mastering, via VFIO when the device is IOMMU-managed and via sysfs
// resource0 otherwise. The mapping lives until process exit.
func MapBAR0(addr pciaddr.PCIAddress) ([]byte, error) {
	if IsIOMMUManaged(addr) {
		return mapBAR0VFIO(addr)
	}
	return mapBAR0Sysfs(addr)
}

func mapBAR0Sysfs(addr pciaddr.PCIAddress) ([]byte, error) {
	if e := Unbind(addr); e != nil {
		return nil, e
	}
	if e := EnableBusMaster(addr); e != nil {
		return nil, e
	}

	p := path.Join(addr.SysfsPath(), "resource0")
	f, e := os.OpenFile(p, os.O_RDWR, 0)
	if e != nil {
		return nil, fmt.Errorf("open %s: %w", p, e)
	}
	defer f.Close()
	fi, e := f.Stat()
	if e != nil {
		return nil, fmt.Errorf("stat %s: %w", p, e)
	}

	b, e := unix.Mmap(int(f.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if e != nil {
		return nil, fmt.Errorf("mmap %s: %w", p, e)
	}
	logger.Debug("mapped BAR0 via sysfs",
		zap.Stringer("addr", addr),
		zap.Int("size", len(b)),
	)
	return b, nil
}
