package ixgbe

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/dirnic/dirnic/dma"
	"github.com/dirnic/dirnic/mempool"
	"github.com/dirnic/dirnic/mmio"
)

// rxQueue drives one receive descriptor ring. The ring is a circular array
// of hardware descriptors in DMA memory plus a parallel software array
// remembering which buffer each slot holds. Hardware fills descriptors in
// strict order and marks each done with the DD status bit.
//
// Not safe for concurrent use; one queue belongs to one thread.
type rxQueue struct {
	id       int
	regs     mmio.Region
	mem      dma.Memory
	pool     *mempool.Pool
	capacity int
	bufs     []*mempool.Buffer
	// cleanIndex is the next descriptor to inspect; hardware owns slots
	// from here up to the tail register
	cleanIndex int
}

func newRxQueue(id int, regs mmio.Region, mem dma.Memory, pool *mempool.Pool, capacity int) *rxQueue {
	return &rxQueue{
		id:       id,
		regs:     regs,
		mem:      mem,
		pool:     pool,
		capacity: capacity,
		bufs:     make([]*mempool.Buffer, capacity),
	}
}

func (q *rxQueue) desc(i int) []byte {
	return q.mem.Slice(i*rxDescSize, rxDescSize)
}

// writeDesc arms descriptor i with a buffer address and clears its status.
func (q *rxQueue) writeDesc(i int, phys uintptr) {
	d := q.desc(i)
	binary.LittleEndian.PutUint64(d[rxdPktAddr:], uint64(phys))
	binary.LittleEndian.PutUint64(d[rxdHdrAddr:], 0)
}

// populate fills every descriptor with a fresh buffer. The ring must be
// completely populated before the queue is enabled: hardware starts DMA
// immediately and an under-populated enabled ring would let it write through
// stale descriptor addresses.
func (q *rxQueue) populate() error {
	for i := range q.bufs {
		buf := q.pool.Alloc()
		if buf == nil {
			return errAllocRxBuffer
		}
		q.bufs[i] = buf
		q.writeDesc(i, buf.Phys())
	}
	return nil
}

// drain returns all ring-held buffers to the pool, for reset paths only.
// The queue must be disabled in hardware first.
func (q *rxQueue) drain() {
	for i, buf := range q.bufs {
		if buf != nil {
			buf.Free()
			q.bufs[i] = nil
		}
	}
	q.cleanIndex = 0
}

// recv implements the batch receive operation. It drains completed
// descriptors starting at cleanIndex into bufs, re-arms each drained slot
// with a fresh buffer from the pool, and finally advances the tail register
// once for the whole batch (register writes cross the PCIe bus and dominate
// the per-packet cost if done per descriptor).
//
// When the pool runs empty mid-refill, the batch stops early: the completed
// packet stays in its slot and the tail is not advanced past it, shrinking
// the window hardware may fill until buffers are returned. Exhaustion is
// absorbed, never surfaced as an error.
func (q *rxQueue) recv(bufs []*mempool.Buffer) int {
	mask := q.capacity - 1
	idx := q.cleanIndex
	last := -1
	n := 0

	for n < len(bufs) {
		d := q.desc(idx)
		status := binary.LittleEndian.Uint32(d[rxdStatusError:])
		if status&rxdStatDD == 0 {
			break
		}
		if status&rxdStatEOP == 0 {
			logger.Panic("multi-segment packet received, increase buffer size or decrease MTU",
				zap.Int("queue", q.id))
		}

		repl := q.pool.Alloc()
		if repl == nil {
			break
		}

		buf := q.bufs[idx]
		buf.SetLen(int(binary.LittleEndian.Uint16(d[rxdLength:])))
		bufs[n] = buf
		n++

		q.bufs[idx] = repl
		q.writeDesc(idx, repl.Phys())

		last = idx
		idx = (idx + 1) & mask
	}

	if last >= 0 {
		q.regs.Write32(regRDT(q.id), uint32(last))
		q.cleanIndex = idx
	}
	return n
}
