package ixgbe

import (
	"testing"
	"time"

	"github.com/dirnic/dirnic/core/pciaddr"
	"github.com/dirnic/dirnic/core/testenv"
	"github.com/dirnic/dirnic/dma"
	"github.com/dirnic/dirnic/mempool"
	"github.com/dirnic/dirnic/mmio"
	"github.com/dirnic/dirnic/nic"
)

var makeAR = testenv.MakeAR

// fakeRegs models the register behavior the bring-up sequence depends on:
// the reset bits self-clear, the readiness bits read as set, the link reads
// as up at 10G and the statistics counters clear on read. Everything else is
// plain storage.
type fakeRegs struct {
	mem map[uint32]uint32
	// writes counts Write32 calls per offset
	writes map[uint32]int
}

var _ mmio.Region = (*fakeRegs)(nil)

func newFakeRegs() *fakeRegs {
	f := &fakeRegs{
		mem:    make(map[uint32]uint32),
		writes: make(map[uint32]int),
	}
	f.mem[regRAL0] = 0x04030201
	f.mem[regRAH0] = 0x00000605
	return f
}

func (f *fakeRegs) Read32(offset uint32) uint32 {
	switch offset {
	case regEEC:
		return f.mem[offset] | eecAutoReadDone
	case regRDRXCTL:
		return f.mem[offset] | rdrxctlDMAInitDone
	case regLINKS:
		return linksUp | linksSpeed10G
	case regGPRC, regGPTC, regGORCL, regGORCH, regGOTCL, regGOTCH:
		v := f.mem[offset]
		f.mem[offset] = 0
		return v
	}
	return f.mem[offset]
}

func (f *fakeRegs) Write32(offset, value uint32) {
	if offset == regCTRL {
		value &^= ctrlRSTMask
	}
	f.mem[offset] = value
	f.writes[offset]++
}

func testConfig() nic.Config {
	return nic.Config{RxRingSize: 64, TxRingSize: 64}
}

// newTestDevice builds a Device over fake registers, with DMA and mempool
// allocation redirected to ordinary process memory.
func newTestDevice(t *testing.T, regs mmio.Region, cfg nic.Config) *Device {
	_, require := makeAR(t)
	require.NoError(cfg.ApplyDefaults())

	addr, e := pciaddr.Parse("0000:03:00.0")
	require.NoError(e)

	d := newDevice(addr, regs, cfg)
	d.allocate = func(size int, requireContiguous bool) (dma.Memory, error) {
		return dma.FromBytes(make([]byte, size), 0x100000), nil
	}
	d.newPool = func(capacity, bufSize int) (*mempool.Pool, error) {
		if bufSize == 0 {
			bufSize = mempool.DefaultBufSize
		}
		mem := dma.FromBytes(make([]byte, capacity*bufSize), 0x800000)
		return mempool.NewWithMemory(mem, capacity, bufSize)
	}
	return d
}

func TestBringUp(t *testing.T) {
	assert, require := makeAR(t)

	regs := newFakeRegs()
	d := newTestDevice(t, regs, testConfig())
	require.NoError(d.setupQueues())
	require.NoError(d.bringUp())

	assert.Equal("running", d.State())
	assert.Equal("01:02:03:04:05:06", d.MACAddr().String())
	assert.Equal(10000, d.LinkSpeed())

	// receive ring programmed and handed to hardware full
	assert.EqualValues(64*rxDescSize, regs.mem[regRDLEN(0)])
	assert.EqualValues(63, regs.mem[regRDT(0)])
	assert.NotZero(regs.mem[regRXDCTL(0)]&rxdctlEnable)
	assert.NotZero(regs.mem[regRXCTRL]&rxctrlRXEN)

	// transmit ring programmed and empty
	assert.EqualValues(64*txDescSize, regs.mem[regTDLEN(0)])
	assert.EqualValues(0, regs.mem[regTDT(0)])
	assert.NotZero(regs.mem[regTXDCTL(0)]&txdctlEnable)
	assert.NotZero(regs.mem[regDMATXCTL]&dmatxctlTxEnable)

	// broadcast accept plus promiscuous mode
	assert.NotZero(regs.mem[regFCTRL] & fctrlBroadcastAccept)
	assert.NotZero(regs.mem[regFCTRL] & fctrlUnicastPromisc)
	assert.NotZero(regs.mem[regFCTRL] & fctrlMulticastPromisc)

	d.SetPromisc(false)
	assert.Zero(regs.mem[regFCTRL] & (fctrlUnicastPromisc | fctrlMulticastPromisc))
	assert.NotZero(regs.mem[regFCTRL] & fctrlBroadcastAccept)

	require.NoError(d.Close())
	assert.Zero(regs.mem[regRXDCTL(0)] & rxdctlEnable)
	assert.Zero(regs.mem[regTXDCTL(0)] & txdctlEnable)
	assert.Zero(regs.mem[regRXCTRL] & rxctrlRXEN)
}

func TestStatsAccumulate(t *testing.T) {
	assert, require := makeAR(t)

	regs := newFakeRegs()
	d := newTestDevice(t, regs, testConfig())
	require.NoError(d.setupQueues())
	require.NoError(d.bringUp())

	var st nic.Stats
	regs.mem[regGPRC] = 10
	regs.mem[regGORCL] = 640
	d.ReadStats(&st)
	assert.EqualValues(10, st.RxPackets)
	assert.EqualValues(640, st.RxBytes)

	// counters cleared by the first read, totals must stand
	regs.mem[regGPTC] = 3
	d.ReadStats(&st)
	assert.EqualValues(10, st.RxPackets)
	assert.EqualValues(3, st.TxPackets)
}

func TestReset(t *testing.T) {
	assert, require := makeAR(t)

	regs := newFakeRegs()
	d := newTestDevice(t, regs, testConfig())
	require.NoError(d.setupQueues())
	require.NoError(d.bringUp())

	pool := d.RxPool(0)
	avail := pool.CountAvailable()

	require.NoError(d.Reset())
	assert.Equal("running", d.State())
	assert.Equal(avail, pool.CountAvailable())
	assert.EqualValues(63, regs.mem[regRDT(0)])
}

// A region of plain memory never self-clears the reset bits, so bring-up must
// fail with a timeout error within its configured bound instead of hanging.
func TestBringUpTimeout(t *testing.T) {
	assert, require := makeAR(t)

	regs := mmio.NewMem(make([]byte, 0x20000))
	d := newTestDevice(t, regs, testConfig())
	d.waitTimeout = 30 * time.Millisecond
	require.NoError(d.setupQueues())

	begin := time.Now()
	e := d.bringUp()
	elapsed := time.Since(begin)

	require.Error(e)
	assert.ErrorIs(e, nic.ErrInitTimeout)
	assert.GreaterOrEqual(elapsed, d.waitTimeout)
	assert.Less(elapsed, time.Second)
}

func TestRingCapacity(t *testing.T) {
	assert, _ := makeAR(t)

	n, e := ringCapacity(0)
	assert.NoError(e)
	assert.Equal(defaultRingSize, n)

	n, e = ringCapacity(256)
	assert.NoError(e)
	assert.Equal(256, n)

	_, e = ringCapacity(100)
	assert.Error(e)
	_, e = ringCapacity(8192)
	assert.Error(e)
}

// Invalid geometry must be rejected before any device access.
func TestSetupRejectsBadGeometry(t *testing.T) {
	_, require := makeAR(t)

	cfg := testConfig()
	cfg.TxRingSize = 100
	d := newTestDevice(t, mmio.NewMem(nil), cfg)
	require.Error(d.setupQueues())
}
