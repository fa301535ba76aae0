package ixgbe

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dirnic/dirnic/dma"
	"github.com/dirnic/dirnic/mempool"
)

func newTestPool(t *testing.T, capacity int) *mempool.Pool {
	_, require := makeAR(t)
	mem := dma.FromBytes(make([]byte, capacity*mempool.DefaultBufSize), 0x400000)
	pool, e := mempool.NewWithMemory(mem, capacity, 0)
	require.NoError(e)
	return pool
}

func newTestRxQueue(t *testing.T, regs *fakeRegs, capacity, poolCapacity int) *rxQueue {
	_, require := makeAR(t)
	mem := dma.FromBytes(make([]byte, capacity*rxDescSize), 0x200000)
	q := newRxQueue(0, regs, mem, newTestPool(t, poolCapacity), capacity)
	require.NoError(q.populate())
	return q
}

// completeRx mimics a hardware writeback: payload lands in the armed buffer
// and the descriptor gets length plus the done and end-of-packet bits.
func completeRx(q *rxQueue, i int, payload []byte) {
	copy(q.bufs[i].Raw(), payload)
	d := q.desc(i)
	binary.LittleEndian.PutUint16(d[rxdLength:], uint16(len(payload)))
	binary.LittleEndian.PutUint32(d[rxdStatusError:], rxdStatDD|rxdStatEOP)
}

func testFrame(t *testing.T, payload string) []byte {
	_, require := makeAR(t)
	buf := gopacket.NewSerializeBuffer()
	e := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
			DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
			EthernetType: layers.EthernetTypeIPv4,
		},
		gopacket.Payload(payload),
	)
	require.NoError(e)
	return buf.Bytes()
}

func TestRxBatch(t *testing.T) {
	assert, _ := makeAR(t)

	regs := newFakeRegs()
	q := newTestRxQueue(t, regs, 8, 16)
	frame := testFrame(t, "hello")
	for i := 0; i < 3; i++ {
		completeRx(q, i, frame)
	}

	bufs := make([]*mempool.Buffer, 16)
	n := q.recv(bufs)
	assert.Equal(3, n)
	for i := 0; i < n; i++ {
		assert.Equal(frame, bufs[i].Bytes())
	}

	// one tail write for the whole batch, pointing at the last re-armed slot
	assert.Equal(1, regs.writes[regRDT(0)])
	assert.EqualValues(2, regs.mem[regRDT(0)])
	assert.Equal(3, q.cleanIndex)

	// nothing further completed
	assert.Zero(q.recv(bufs))
	assert.Equal(1, regs.writes[regRDT(0)])
}

func TestRxBatchLimit(t *testing.T) {
	assert, _ := makeAR(t)

	regs := newFakeRegs()
	q := newTestRxQueue(t, regs, 8, 16)
	frame := testFrame(t, "x")
	for i := 0; i < 5; i++ {
		completeRx(q, i, frame)
	}

	bufs := make([]*mempool.Buffer, 16)
	assert.Equal(2, q.recv(bufs[:2]))
	assert.Equal(3, q.recv(bufs))
}

func TestRxPoolExhaustion(t *testing.T) {
	assert, _ := makeAR(t)

	regs := newFakeRegs()
	// one spare buffer beyond the ring
	q := newTestRxQueue(t, regs, 8, 9)
	frame := testFrame(t, "y")
	completeRx(q, 0, frame)
	completeRx(q, 1, frame)

	// the second completed packet cannot be re-armed, so it stays in place
	bufs := make([]*mempool.Buffer, 8)
	assert.Equal(1, q.recv(bufs))
	assert.EqualValues(0, regs.mem[regRDT(0)])
	assert.Equal(1, q.cleanIndex)

	// returning a buffer lets the stalled slot drain
	bufs[0].Free()
	assert.Equal(1, q.recv(bufs))
	assert.Equal(2, q.cleanIndex)
}

func TestTxRingFull(t *testing.T) {
	assert, require := makeAR(t)

	regs := newFakeRegs()
	mem := dma.FromBytes(make([]byte, 8*txDescSize), 0x300000)
	q := newTxQueue(0, regs, mem, 8)
	pool := newTestPool(t, 16)

	alloc := func(n int) []*mempool.Buffer {
		bufs := make([]*mempool.Buffer, n)
		for i := range bufs {
			bufs[i] = pool.Alloc()
			require.NotNil(bufs[i])
			bufs[i].SetLen(60)
		}
		return bufs
	}

	// all 8 descriptors are usable
	assert.Equal(8, q.xmit(alloc(8)))
	assert.Equal(1, regs.writes[regTDT(0)])

	// full ring accepts nothing until hardware completes
	extra := alloc(2)
	assert.Equal(0, q.xmit(extra))
	assert.Equal(1, regs.writes[regTDT(0)])

	// hardware completes everything; the next xmit reclaims first
	for i := 0; i < 8; i++ {
		d := q.desc(i)
		s := binary.LittleEndian.Uint32(d[txdOlinfoStatus:])
		binary.LittleEndian.PutUint32(d[txdOlinfoStatus:], s|txdStatDD)
	}
	assert.Equal(2, q.xmit(extra))
	assert.Equal(14, pool.CountAvailable())
	assert.Equal(2, q.inFlight)
}

func TestTxDescriptorLayout(t *testing.T) {
	assert, require := makeAR(t)

	regs := newFakeRegs()
	mem := dma.FromBytes(make([]byte, 8*txDescSize), 0x300000)
	q := newTxQueue(0, regs, mem, 8)
	pool := newTestPool(t, 4)

	buf := pool.Alloc()
	require.NotNil(buf)
	frame := testFrame(t, "payload")
	copy(buf.Raw(), frame)
	buf.SetLen(len(frame))

	require.Equal(1, q.xmit([]*mempool.Buffer{buf}))

	d := q.desc(0)
	assert.EqualValues(buf.Phys(), binary.LittleEndian.Uint64(d[txdBufAddr:]))
	cmd := binary.LittleEndian.Uint32(d[txdCmdTypeLen:])
	assert.EqualValues(len(frame), cmd&0xffff)
	for _, flag := range []uint32{txdCmdEOP, txdCmdRS, txdCmdIFCS, txdCmdDEXT, txdDTypeData} {
		assert.NotZero(cmd & flag)
	}
	assert.EqualValues(uint32(len(frame))<<txdPaylenShift,
		binary.LittleEndian.Uint32(d[txdOlinfoStatus:]))
	assert.EqualValues(1, regs.mem[regTDT(0)])
}
