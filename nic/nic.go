// Package nic defines the capability interface implemented by userspace NIC
// drivers, and opens devices by dispatching on PCI identity.
package nic

import (
	"errors"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/dirnic/dirnic/core/logging"
	"github.com/dirnic/dirnic/core/pciaddr"
	"github.com/dirnic/dirnic/mempool"
	"github.com/dirnic/dirnic/pci"
)

var logger = logging.New("nic")

// ErrInitTimeout indicates the hardware did not reach an expected state
// within the bring-up time bound. The caller may retry Open.
var ErrInitTimeout = errors.New("device initialization timeout")

// ErrNoDriver indicates no registered driver matches the device.
var ErrNoDriver = errors.New("no driver for device")

// MaxQueues bounds the number of RX or TX queues per device.
const MaxQueues = 64

// Config selects queue counts and ring geometry for Open.
type Config struct {
	// NumRxQueues and NumTxQueues select how many queues to configure.
	// Zero means one queue. Each queue is driven by exactly one thread.
	NumRxQueues int
	NumTxQueues int

	// RxRingSize and TxRingSize are descriptors per ring and must be powers
	// of two. Zero selects the driver default.
	RxRingSize int
	TxRingSize int
}

// ApplyDefaults fills zero fields and validates queue counts.
func (cfg *Config) ApplyDefaults() error {
	if cfg.NumRxQueues == 0 {
		cfg.NumRxQueues = 1
	}
	if cfg.NumTxQueues == 0 {
		cfg.NumTxQueues = 1
	}
	if cfg.NumRxQueues < 0 || cfg.NumRxQueues > MaxQueues {
		return fmt.Errorf("NumRxQueues %d out of range [1,%d]", cfg.NumRxQueues, MaxQueues)
	}
	if cfg.NumTxQueues < 0 || cfg.NumTxQueues > MaxQueues {
		return fmt.Errorf("NumTxQueues %d out of range [1,%d]", cfg.NumTxQueues, MaxQueues)
	}
	return nil
}

// Device is a NIC under exclusive userspace control.
//
// The data path is polling, run to completion: the caller drives progress by
// repeatedly invoking RxBatch and TxBatch. Each queue must be used by at most
// one thread at a time; distinct queues may be driven concurrently.
type Device interface {
	// RxBatch fills bufs with received packets from the given queue and
	// returns how many were placed. Ownership of returned buffers moves to
	// the caller, which must eventually Free them.
	RxBatch(queue int, bufs []*mempool.Buffer) int

	// TxBatch enqueues packets for transmission and returns how many were
	// accepted. Ownership of accepted buffers moves to the device; it
	// returns them to their pool after transmission completes. A short
	// count means the ring is full; retrying or dropping is the caller's
	// choice.
	TxBatch(queue int, bufs []*mempool.Buffer) int

	// LinkSpeed returns the negotiated speed in Mbit/s, 0 while link is down.
	// Link comes up asynchronously after Open.
	LinkSpeed() int

	// ReadStats accumulates hardware counters into st.
	ReadStats(st *Stats)

	// ResetStats clears hardware counters.
	ResetStats()

	// MACAddr returns the device's burned-in MAC address.
	MACAddr() net.HardwareAddr

	// SetPromisc enables or disables promiscuous reception.
	SetPromisc(enable bool)

	// PCIAddr returns the device's PCI address.
	PCIAddr() pciaddr.PCIAddress

	// Reset disables the queues, reclaims ring-held buffers and re-runs
	// device bring-up with the same configuration. Queue geometry cannot be
	// changed without a Reset; there is no partial reconfiguration.
	Reset() error

	// Close stops the queues. Buffers still leased to hardware are not
	// reclaimed; DMA memory stays mapped until process exit.
	Close() error
}

// Driver is one hardware-family backend. Backends share no state; each owns
// its own register layout and bring-up sequence, but all honor the Device
// ownership contracts.
type Driver struct {
	Name  string
	Match func(vendor, device uint16) bool
	Open  func(addr pciaddr.PCIAddress, cfg Config) (Device, error)
}

var drivers []Driver

// Register adds a backend. Called from driver package init functions.
func Register(d Driver) {
	drivers = append(drivers, d)
}

// Open takes control of the PCI Ethernet device at addr.
//
// Prerequisites: hugepages mounted, and the device either unbindable from its
// kernel driver (sysfs path) or bound to vfio-pci (IOMMU path). Failures to
// meet them surface as startup errors; nothing is remedied internally.
func Open(addr pciaddr.PCIAddress, cfg Config) (Device, error) {
	if os.Geteuid() != 0 {
		logger.Warn("not running as root, device access will probably fail")
	}
	if e := cfg.ApplyDefaults(); e != nil {
		return nil, e
	}

	class, e := pci.ClassCode(addr)
	if e != nil {
		return nil, e
	}
	if class != pci.ClassNetwork {
		return nil, fmt.Errorf("device %s is not a network controller (class %#02x)", addr, class)
	}

	vendor, device, e := pci.VendorDevice(addr)
	if e != nil {
		return nil, e
	}
	for _, d := range drivers {
		if d.Match(vendor, device) {
			logger.Info("opening device",
				zap.Stringer("addr", addr),
				zap.String("driver", d.Name),
			)
			return d.Open(addr, cfg)
		}
	}
	return nil, fmt.Errorf("%w %04x:%04x at %s", ErrNoDriver, vendor, device, addr)
}
