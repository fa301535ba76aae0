// Package ixgbe implements a userspace driver for Intel 82599 10 GbE
// controllers. It owns the device exclusively: the kernel driver is unbound
// and all descriptor rings, packet buffers and control registers are managed
// from process memory.
package ixgbe

import (
	"errors"
	"fmt"
	"net"
	"time"

	binutils "github.com/jfoster/binary-utilities"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dirnic/dirnic/core/logging"
	"github.com/dirnic/dirnic/core/macaddr"
	"github.com/dirnic/dirnic/core/pciaddr"
	"github.com/dirnic/dirnic/dma"
	"github.com/dirnic/dirnic/mempool"
	"github.com/dirnic/dirnic/mmio"
	"github.com/dirnic/dirnic/nic"
	"github.com/dirnic/dirnic/pci"
)

var logger = logging.New("ixgbe")

const (
	// DriverName identifies this backend in logs and dispatch.
	DriverName = "ixgbe"

	defaultRingSize = 512
	maxRingSize     = 4096
	minMempoolSize  = 4096
)

var errAllocRxBuffer = errors.New("mempool too small to fill rx ring")

const vendorIntel = 0x8086

// 82599 device IDs this driver attaches to.
var deviceNames = map[uint16]string{
	0x10f7: "82599 KX4",
	0x10f8: "82599 KX4 Dual",
	0x10fb: "82599 SFP",
	0x10fc: "82599 XAUI",
	0x1507: "82599 SFP EM",
	0x1514: "82599 KX4 Mezzanine",
	0x1517: "82599 KR",
	0x151c: "82599 T3 LOM",
	0x154d: "82599 SFP SF2",
}

func init() {
	nic.Register(nic.Driver{
		Name: DriverName,
		Match: func(vendor, device uint16) bool {
			_, ok := deviceNames[device]
			return vendor == vendorIntel && ok
		},
		Open: func(addr pciaddr.PCIAddress, cfg nic.Config) (nic.Device, error) {
			d, e := Open(addr, cfg)
			if e != nil {
				return nil, e
			}
			return d, nil
		},
	})
}

// deviceState tracks the bring-up state machine. Transitions are strictly
// forward during Open; only Reset returns to the beginning.
type deviceState int

const (
	stateUnconfigured deviceState = iota
	stateReset
	stateDisabled
	stateConfiguring
	stateReady
	stateRunning
)

func (s deviceState) String() string {
	switch s {
	case stateUnconfigured:
		return "unconfigured"
	case stateReset:
		return "reset"
	case stateDisabled:
		return "disabled"
	case stateConfiguring:
		return "configuring"
	case stateReady:
		return "ready"
	case stateRunning:
		return "running"
	}
	return "invalid"
}

// Device is one 82599 adapter under userspace control.
// It implements nic.Device.
type Device struct {
	addr  pciaddr.PCIAddress
	regs  mmio.Region
	cfg   nic.Config
	mac   net.HardwareAddr
	rx    []*rxQueue
	tx    []*txQueue
	state deviceState

	// waitTimeout bounds every register poll during bring-up.
	waitTimeout time.Duration

	// allocation hooks, replaceable in tests
	allocate func(size int, requireContiguous bool) (dma.Memory, error)
	newPool  func(capacity, bufSize int) (*mempool.Pool, error)
}

var _ nic.Device = (*Device)(nil)

// Open maps the device's registers and runs the bring-up state machine.
// On return the device is running: queues enabled, promiscuous mode on, link
// autonegotiation started. Link state is observed via LinkSpeed, not awaited.
func Open(addr pciaddr.PCIAddress, cfg nic.Config) (*Device, error) {
	if e := cfg.ApplyDefaults(); e != nil {
		return nil, e
	}

	bar, e := pci.MapBAR0(addr)
	if e != nil {
		return nil, e
	}

	d := newDevice(addr, mmio.NewMem(bar), cfg)
	if pci.IsIOMMUManaged(addr) {
		// behind an IOMMU, descriptors must carry IOVAs from the domain
		// MapBAR0 set up, never pagemap physical addresses
		d.allocate = func(size int, requireContiguous bool) (dma.Memory, error) {
			return dma.AllocateIOMMU(size, pci.VFIOMapDMA)
		}
		d.newPool = func(capacity, bufSize int) (*mempool.Pool, error) {
			if bufSize == 0 {
				bufSize = mempool.DefaultBufSize
			}
			mem, e := dma.AllocateIOMMU(capacity*bufSize, pci.VFIOMapDMA)
			if e != nil {
				return nil, e
			}
			return mempool.NewWithMemory(mem, capacity, bufSize)
		}
	}
	if e := d.setupQueues(); e != nil {
		return nil, e
	}
	if e := d.bringUp(); e != nil {
		return nil, e
	}
	return d, nil
}

func newDevice(addr pciaddr.PCIAddress, regs mmio.Region, cfg nic.Config) *Device {
	return &Device{
		addr:        addr,
		regs:        regs,
		cfg:         cfg,
		waitTimeout: time.Second,
		allocate:    dma.Allocate,
		newPool:     mempool.New,
	}
}

func ringCapacity(n int) (int, error) {
	if n == 0 {
		return defaultRingSize, nil
	}
	if int64(n) != binutils.NextPowerOfTwo(int64(n)) {
		return 0, fmt.Errorf("ring capacity %d is not a power of two", n)
	}
	if n > maxRingSize {
		return 0, fmt.Errorf("ring capacity %d exceeds hardware limit %d", n, maxRingSize)
	}
	return n, nil
}

// setupQueues allocates descriptor rings and packet pools. DMA memory lives
// until process exit, so this runs once; Reset reuses the same rings.
func (d *Device) setupQueues() error {
	rxSize, e := ringCapacity(d.cfg.RxRingSize)
	if e != nil {
		return e
	}
	txSize, e := ringCapacity(d.cfg.TxRingSize)
	if e != nil {
		return e
	}
	d.cfg.RxRingSize, d.cfg.TxRingSize = rxSize, txSize

	poolSize := rxSize + txSize
	if poolSize < minMempoolSize {
		poolSize = minMempoolSize
	}

	for i := 0; i < d.cfg.NumRxQueues; i++ {
		mem, e := d.allocate(rxSize*rxDescSize, true)
		if e != nil {
			return e
		}
		pool, e := d.newPool(poolSize, 0)
		if e != nil {
			return e
		}
		d.rx = append(d.rx, newRxQueue(i, d.regs, mem, pool, rxSize))
	}
	for i := 0; i < d.cfg.NumTxQueues; i++ {
		mem, e := d.allocate(txSize*txDescSize, true)
		if e != nil {
			return e
		}
		d.tx = append(d.tx, newTxQueue(i, d.regs, mem, txSize))
	}
	return nil
}

// bringUp walks the 82599 initialization sequence, datasheet section 4.6:
// global reset, wait for EEPROM and DMA readiness, link autonegotiation,
// then RX/TX configuration and queue enable. Every hardware wait is bounded.
func (d *Device) bringUp() error {
	logger.Info("resetting device", zap.Stringer("addr", d.addr))
	d.state = stateReset

	// disable interrupts, issue global reset, disable again after reset
	d.regs.Write32(regEIMC, eimcDisableAll)
	d.regs.Write32(regCTRL, ctrlRSTMask)
	if e := mmio.WaitClear32(d.regs, regCTRL, ctrlRSTMask, d.waitTimeout); e != nil {
		return fmt.Errorf("%w: global reset did not self-clear: %v", nic.ErrInitTimeout, e)
	}
	time.Sleep(10 * time.Millisecond)
	d.regs.Write32(regEIMC, eimcDisableAll)

	d.state = stateDisabled
	if e := mmio.WaitSet32(d.regs, regEEC, eecAutoReadDone, d.waitTimeout); e != nil {
		return fmt.Errorf("%w: EEPROM auto-read not done: %v", nic.ErrInitTimeout, e)
	}
	if e := mmio.WaitSet32(d.regs, regRDRXCTL, rdrxctlDMAInitDone, d.waitTimeout); e != nil {
		return fmt.Errorf("%w: DMA initialization not done: %v", nic.ErrInitTimeout, e)
	}

	d.readMAC()
	d.initLink()
	d.ResetStats()

	d.state = stateConfiguring
	if e := d.initRx(); e != nil {
		return e
	}
	if e := d.initTx(); e != nil {
		return e
	}
	for _, q := range d.rx {
		if e := d.startRxQueue(q); e != nil {
			return e
		}
	}
	for _, q := range d.tx {
		if e := d.startTxQueue(q); e != nil {
			return e
		}
	}

	d.state = stateReady
	d.SetPromisc(true)
	d.state = stateRunning

	logger.Info("device running",
		zap.Stringer("addr", d.addr),
		zap.Stringer("mac", d.mac),
		zap.Int("rxQueues", len(d.rx)),
		zap.Int("txQueues", len(d.tx)),
	)
	return nil
}

// initRx configures the receive side, datasheet section 4.6.7.
func (d *Device) initRx() error {
	// receiver must be off while reconfiguring
	mmio.ClearFlags32(d.regs, regRXCTRL, rxctrlRXEN)

	// all packet buffer space to pool 0
	d.regs.Write32(regRXPBSIZE(0), rxpbsize128KB)
	for i := 1; i < 8; i++ {
		d.regs.Write32(regRXPBSIZE(i), 0)
	}

	mmio.SetFlags32(d.regs, regHLREG0, hlreg0RXCRCStrip)
	mmio.SetFlags32(d.regs, regRDRXCTL, rdrxctlCRCStrip)
	mmio.SetFlags32(d.regs, regFCTRL, fctrlBroadcastAccept)

	for _, q := range d.rx {
		// advanced one-buffer descriptors; drop on descriptor exhaustion
		// instead of backpressuring the MAC
		srrctl := (d.regs.Read32(regSRRCTL(q.id)) &^ srrctlDescTypeMask) | srrctlDescTypeAdvOneBuf
		d.regs.Write32(regSRRCTL(q.id), srrctl|srrctlDropEnable)

		ringBytes := q.capacity * rxDescSize
		// poison the ring so a premature DMA hits an invalid address
		fill(q.mem.Virt[:ringBytes], 0xff)
		d.regs.Write32(regRDBAL(q.id), uint32(uint64(q.mem.Phys)&0xffffffff))
		d.regs.Write32(regRDBAH(q.id), uint32(uint64(q.mem.Phys)>>32))
		d.regs.Write32(regRDLEN(q.id), uint32(ringBytes))
		d.regs.Write32(regRDH(q.id), 0)
		d.regs.Write32(regRDT(q.id), 0)

		logger.Debug("rx ring configured",
			zap.Int("queue", q.id),
			zap.Uintptr("phys", q.mem.Phys),
			zap.Int("capacity", q.capacity),
		)
	}

	mmio.SetFlags32(d.regs, regCTRLEXT, ctrlExtNoSnoopDis)
	// per-queue relaxed ordering bit must be cleared on 82599
	for _, q := range d.rx {
		mmio.ClearFlags32(d.regs, regDCARXCTRL(q.id), 1<<12)
	}

	mmio.SetFlags32(d.regs, regRXCTRL, rxctrlRXEN)
	return nil
}

// initTx configures the transmit side, datasheet section 4.6.8.
func (d *Device) initTx() error {
	mmio.SetFlags32(d.regs, regHLREG0, hlreg0TXCRCEnable|hlreg0TXPadEnable)

	d.regs.Write32(regTXPBSIZE(0), txpbsize40KB)
	for i := 1; i < 8; i++ {
		d.regs.Write32(regTXPBSIZE(i), 0)
	}

	// required when neither DCB nor virtualization is used
	d.regs.Write32(regDTXMXSZRQ, 0xffff)
	mmio.ClearFlags32(d.regs, regRTTDCS, rttdcsArbDisable)

	for _, q := range d.tx {
		ringBytes := q.capacity * txDescSize
		fill(q.mem.Virt[:ringBytes], 0xff)
		d.regs.Write32(regTDBAL(q.id), uint32(uint64(q.mem.Phys)&0xffffffff))
		d.regs.Write32(regTDBAH(q.id), uint32(uint64(q.mem.Phys)>>32))
		d.regs.Write32(regTDLEN(q.id), uint32(ringBytes))

		// writeback thresholds from the datasheet examples; tuning these
		// trades PCIe overhead against completion latency
		txdctl := d.regs.Read32(regTXDCTL(q.id))
		txdctl &^= 0x3f | (0x3f << 8) | (0x3f << 16)
		txdctl |= 36 | (8 << 8) | (4 << 16)
		d.regs.Write32(regTXDCTL(q.id), txdctl)

		logger.Debug("tx ring configured",
			zap.Int("queue", q.id),
			zap.Uintptr("phys", q.mem.Phys),
			zap.Int("capacity", q.capacity),
		)
	}

	mmio.SetFlags32(d.regs, regDMATXCTL, dmatxctlTxEnable)
	return nil
}

// startRxQueue populates and enables one receive ring. Population must
// complete before the enable bit is set.
func (d *Device) startRxQueue(q *rxQueue) error {
	if e := q.populate(); e != nil {
		return e
	}

	mmio.SetFlags32(d.regs, regRXDCTL(q.id), rxdctlEnable)
	if e := mmio.WaitSet32(d.regs, regRXDCTL(q.id), rxdctlEnable, d.waitTimeout); e != nil {
		return fmt.Errorf("%w: rx queue %d did not enable: %v", nic.ErrInitTimeout, q.id, e)
	}

	// ring starts out full
	d.regs.Write32(regRDH(q.id), 0)
	d.regs.Write32(regRDT(q.id), uint32(q.capacity-1))
	return nil
}

// startTxQueue enables one transmit ring; it starts out empty.
func (d *Device) startTxQueue(q *txQueue) error {
	d.regs.Write32(regTDH(q.id), 0)
	d.regs.Write32(regTDT(q.id), 0)

	mmio.SetFlags32(d.regs, regTXDCTL(q.id), txdctlEnable)
	if e := mmio.WaitSet32(d.regs, regTXDCTL(q.id), txdctlEnable, d.waitTimeout); e != nil {
		return fmt.Errorf("%w: tx queue %d did not enable: %v", nic.ErrInitTimeout, q.id, e)
	}
	return nil
}

// initLink starts autonegotiation, datasheet section 4.6.4. Link comes up
// asynchronously; LinkSpeed polls the status register.
func (d *Device) initLink() {
	autoc := d.regs.Read32(regAUTOC)
	autoc = (autoc &^ autocLMSMask) | autocLMS10GSerial
	d.regs.Write32(regAUTOC, autoc)

	autoc = d.regs.Read32(regAUTOC)
	autoc = (autoc &^ autoc10GPMAPMDMask) | autoc10GXAUI
	d.regs.Write32(regAUTOC, autoc)

	mmio.SetFlags32(d.regs, regAUTOC, autocANRestart)
}

func (d *Device) readMAC() {
	ral := d.regs.Read32(regRAL0)
	rah := d.regs.Read32(regRAH0)
	d.mac = net.HardwareAddr{
		byte(ral), byte(ral >> 8), byte(ral >> 16), byte(ral >> 24),
		byte(rah), byte(rah >> 8),
	}
	if !macaddr.IsUnicast(d.mac) {
		logger.Warn("burned-in MAC address is not unicast", zap.Stringer("mac", d.mac))
	}
}

// RxBatch implements nic.Device.
func (d *Device) RxBatch(queue int, bufs []*mempool.Buffer) int {
	return d.rx[queue].recv(bufs)
}

// TxBatch implements nic.Device.
func (d *Device) TxBatch(queue int, bufs []*mempool.Buffer) int {
	return d.tx[queue].xmit(bufs)
}

// RxPool returns the mempool feeding an RX queue. Transmit-only callers may
// allocate their buffers from it as well.
func (d *Device) RxPool(queue int) *mempool.Pool {
	return d.rx[queue].pool
}

// LinkSpeed implements nic.Device.
func (d *Device) LinkSpeed() int {
	links := d.regs.Read32(regLINKS)
	if links&linksUp == 0 {
		return 0
	}
	switch links & linksSpeedMask {
	case linksSpeed100:
		return 100
	case linksSpeed1G:
		return 1000
	case linksSpeed10G:
		return 10000
	}
	return 0
}

// ReadStats implements nic.Device. The hardware counters clear on read, so
// values accumulate into st.
func (d *Device) ReadStats(st *nic.Stats) {
	st.RxPackets += uint64(d.regs.Read32(regGPRC))
	st.TxPackets += uint64(d.regs.Read32(regGPTC))
	st.RxBytes += uint64(d.regs.Read32(regGORCL)) | uint64(d.regs.Read32(regGORCH))<<32
	st.TxBytes += uint64(d.regs.Read32(regGOTCL)) | uint64(d.regs.Read32(regGOTCH))<<32
}

// ResetStats implements nic.Device by reading and discarding the
// clear-on-read counters.
func (d *Device) ResetStats() {
	d.regs.Read32(regGPRC)
	d.regs.Read32(regGPTC)
	d.regs.Read32(regGORCL)
	d.regs.Read32(regGORCH)
	d.regs.Read32(regGOTCL)
	d.regs.Read32(regGOTCH)
}

// MACAddr implements nic.Device.
func (d *Device) MACAddr() net.HardwareAddr {
	return d.mac
}

// SetPromisc implements nic.Device.
func (d *Device) SetPromisc(enable bool) {
	if enable {
		mmio.SetFlags32(d.regs, regFCTRL, fctrlMulticastPromisc|fctrlUnicastPromisc)
	} else {
		mmio.ClearFlags32(d.regs, regFCTRL, fctrlMulticastPromisc|fctrlUnicastPromisc)
	}
	logger.Info("promiscuous mode", zap.Bool("enable", enable), zap.Stringer("addr", d.addr))
}

// PCIAddr implements nic.Device.
func (d *Device) PCIAddr() pciaddr.PCIAddress {
	return d.addr
}

// State returns the current bring-up state, for diagnostics.
func (d *Device) State() string {
	return d.state.String()
}

// Reset disables the queues, returns every ring-held buffer to its pool and
// re-runs the bring-up state machine with the same configuration. This is
// the only supported way to reconfigure: there is no partial queue
// reconfiguration.
func (d *Device) Reset() error {
	if e := d.disableQueues(); e != nil {
		return e
	}
	for _, q := range d.rx {
		q.drain()
	}
	for _, q := range d.tx {
		q.drain()
	}
	d.state = stateUnconfigured
	return d.bringUp()
}

// Close implements nic.Device. It stops the queues and the receiver.
// DMA memory and buffers leased to hardware are intentionally not released;
// unmapping memory a device may still write to is the documented hazard this
// avoids.
func (d *Device) Close() error {
	e := d.disableQueues()
	mmio.ClearFlags32(d.regs, regRXCTRL, rxctrlRXEN)
	d.state = stateUnconfigured
	logger.Info("device closed", zap.Stringer("addr", d.addr))
	return e
}

func (d *Device) disableQueues() error {
	var errs error
	for _, q := range d.rx {
		mmio.ClearFlags32(d.regs, regRXDCTL(q.id), rxdctlEnable)
		if e := mmio.WaitClear32(d.regs, regRXDCTL(q.id), rxdctlEnable, d.waitTimeout); e != nil {
			errs = multierr.Append(errs, fmt.Errorf("rx queue %d did not disable: %w", q.id, e))
		}
	}
	for _, q := range d.tx {
		mmio.ClearFlags32(d.regs, regTXDCTL(q.id), txdctlEnable)
		if e := mmio.WaitClear32(d.regs, regTXDCTL(q.id), txdctlEnable, d.waitTimeout); e != nil {
			errs = multierr.Append(errs, fmt.Errorf("tx queue %d did not disable: %w", q.id, e))
		}
	}
	return errs
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
