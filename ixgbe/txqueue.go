package ixgbe

import (
	"encoding/binary"

	"github.com/dirnic/dirnic/dma"
	"github.com/dirnic/dirnic/mempool"
	"github.com/dirnic/dirnic/mmio"
)

// txCleanBatch is how many completed descriptors are reclaimed at a time on
// a busy ring; hardware posts DD bits in bursts, so checking the last
// descriptor of a span covers the whole span.
const txCleanBatch = 32

// txQueue drives one transmit descriptor ring.
//
// Not safe for concurrent use; one queue belongs to one thread.
type txQueue struct {
	id       int
	regs     mmio.Region
	mem      dma.Memory
	capacity int
	bufs     []*mempool.Buffer
	// cleanIndex .. txIndex (exclusive) holds in-flight descriptors
	cleanIndex int
	txIndex    int
	inFlight   int
}

func newTxQueue(id int, regs mmio.Region, mem dma.Memory, capacity int) *txQueue {
	return &txQueue{
		id:       id,
		regs:     regs,
		mem:      mem,
		capacity: capacity,
		bufs:     make([]*mempool.Buffer, capacity),
	}
}

func (q *txQueue) desc(i int) []byte {
	return q.mem.Slice(i*txDescSize, txDescSize)
}

func (q *txQueue) descDone(i int) bool {
	d := q.desc(i)
	return binary.LittleEndian.Uint32(d[txdOlinfoStatus:])&txdStatDD != 0
}

// reclaim returns buffers of completed descriptors to their pools. Buffers
// carry a back-reference to their owning pool, so a queue may carry traffic
// from several pools.
func (q *txQueue) reclaim() {
	mask := q.capacity - 1

	for q.inFlight >= txCleanBatch {
		last := (q.cleanIndex + txCleanBatch - 1) & mask
		if !q.descDone(last) {
			break
		}
		for i := 0; i < txCleanBatch; i++ {
			q.bufs[q.cleanIndex].Free()
			q.bufs[q.cleanIndex] = nil
			q.cleanIndex = (q.cleanIndex + 1) & mask
		}
		q.inFlight -= txCleanBatch
	}

	// tail shorter than one batch
	for q.inFlight > 0 && q.descDone(q.cleanIndex) {
		q.bufs[q.cleanIndex].Free()
		q.bufs[q.cleanIndex] = nil
		q.cleanIndex = (q.cleanIndex + 1) & mask
		q.inFlight--
	}
}

// drain returns all in-flight buffers to their pools, for reset paths only.
// The queue must be disabled in hardware first.
func (q *txQueue) drain() {
	for i, buf := range q.bufs {
		if buf != nil {
			buf.Free()
			q.bufs[i] = nil
		}
	}
	q.cleanIndex, q.txIndex, q.inFlight = 0, 0, 0
}

// xmit implements the batch transmit operation: reclaim completed
// descriptors, fill free slots from bufs, then notify hardware with a single
// tail register write. It returns how many packets were accepted; a short
// count means the ring is full and retrying is the caller's decision.
func (q *txQueue) xmit(bufs []*mempool.Buffer) int {
	q.reclaim()

	mask := q.capacity - 1
	sent := 0
	for _, buf := range bufs {
		if q.inFlight == q.capacity {
			break
		}
		d := q.desc(q.txIndex)
		binary.LittleEndian.PutUint64(d[txdBufAddr:], uint64(buf.Phys()))
		binary.LittleEndian.PutUint32(d[txdCmdTypeLen:],
			txdCmdEOP|txdCmdRS|txdCmdIFCS|txdCmdDEXT|txdDTypeData|uint32(buf.Len()))
		binary.LittleEndian.PutUint32(d[txdOlinfoStatus:], uint32(buf.Len())<<txdPaylenShift)

		q.bufs[q.txIndex] = buf
		q.txIndex = (q.txIndex + 1) & mask
		q.inFlight++
		sent++
	}

	if sent > 0 {
		q.regs.Write32(regTDT(q.id), uint32(q.txIndex))
	}
	return sent
}
