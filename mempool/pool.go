// Package mempool implements a fixed-capacity pool of DMA-able packet buffers.
package mempool

import (
	"errors"
	"fmt"

	"github.com/pkg/math"
	"go.uber.org/zap"

	"github.com/dirnic/dirnic/core/logging"
	"github.com/dirnic/dirnic/dma"
)

var logger = logging.New("mempool")

// DefaultBufSize is used when the buffer size is left zero.
// 2048 fits a full Ethernet frame and divides the hugepage size.
const DefaultBufSize = 2048

// ErrConfig indicates invalid pool parameters.
var ErrConfig = errors.New("bad mempool configuration")

// Pool is a fixed set of equally sized packet buffers with a LIFO free list.
//
// A Pool is not safe for concurrent use. Each buffer belongs to exactly one
// owner at any instant: the free list, a descriptor ring, or the application.
// free count + ring-held count + application-held count equals Capacity at
// all times.
type Pool struct {
	mem     dma.Memory
	bufSize int
	bufs    []Buffer
	free    []int
}

// New creates a Pool of capacity buffers of bufSize bytes each, backed by
// freshly allocated hugepage memory. bufSize zero selects DefaultBufSize.
func New(capacity, bufSize int) (*Pool, error) {
	if bufSize == 0 {
		bufSize = DefaultBufSize
	}
	if e := checkParams(capacity, bufSize); e != nil {
		return nil, e
	}

	mem, e := dma.Allocate(capacity*bufSize, false)
	if e != nil {
		return nil, e
	}

	p := &Pool{
		mem:     mem,
		bufSize: bufSize,
		bufs:    make([]Buffer, capacity),
		free:    make([]int, 0, capacity),
	}
	for i := range p.bufs {
		data := mem.Slice(i*bufSize, bufSize)
		// buffers never straddle a hugepage, so resolving the first byte
		// covers the whole buffer even if the region is scattered
		phys, e := dma.VirtToPhys(data)
		if e != nil {
			return nil, e
		}
		p.bufs[i] = Buffer{pool: p, index: i, data: data, phys: phys}
		p.free = append(p.free, i)
	}

	logger.Debug("created mempool",
		zap.Int("capacity", capacity),
		zap.Int("bufSize", bufSize),
	)
	return p, nil
}

// NewWithMemory creates a Pool over caller-provided memory, which must be
// physically contiguous and at least capacity*bufSize bytes.
func NewWithMemory(mem dma.Memory, capacity, bufSize int) (*Pool, error) {
	if bufSize == 0 {
		bufSize = DefaultBufSize
	}
	if e := checkParams(capacity, bufSize); e != nil {
		return nil, e
	}
	if mem.Size() < capacity*bufSize {
		return nil, fmt.Errorf("%w: memory %d smaller than %d*%d", ErrConfig, mem.Size(), capacity, bufSize)
	}

	p := &Pool{
		mem:     mem,
		bufSize: bufSize,
		bufs:    make([]Buffer, capacity),
		free:    make([]int, 0, capacity),
	}
	for i := range p.bufs {
		p.bufs[i] = Buffer{
			pool:  p,
			index: i,
			data:  mem.Slice(i*bufSize, bufSize),
			phys:  mem.SlicePhys(i * bufSize),
		}
		p.free = append(p.free, i)
	}
	return p, nil
}

func checkParams(capacity, bufSize int) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: capacity %d", ErrConfig, capacity)
	}
	if bufSize <= 0 || dma.HugePageSize%bufSize != 0 {
		return fmt.Errorf("%w: buffer size %d must divide the hugepage size", ErrConfig, bufSize)
	}
	return nil
}

// Capacity returns the total number of buffers.
func (p *Pool) Capacity() int {
	return len(p.bufs)
}

// BufSize returns the size of each buffer.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// CountAvailable returns the number of buffers currently on the free list.
func (p *Pool) CountAvailable() int {
	return len(p.free)
}

// Alloc takes one buffer off the free list in O(1).
// It returns nil when the pool is empty. Buffer contents are not cleared.
func (p *Pool) Alloc() *Buffer {
	n := len(p.free)
	if n == 0 {
		return nil
	}
	i := p.free[n-1]
	p.free = p.free[:n-1]
	b := &p.bufs[i]
	b.length = p.bufSize
	return b
}

// AllocBatch takes up to n buffers off the free list, best effort.
// The returned count may be less than n when the pool runs low; refill paths
// must tolerate partial fulfillment.
func (p *Pool) AllocBatch(bufs []*Buffer) int {
	n := math.MinInt(len(bufs), len(p.free))
	for i := 0; i < n; i++ {
		bufs[i] = p.Alloc()
	}
	return n
}

// Free returns a buffer to the free list.
// The caller transfers ownership: no other holder may still reference b.
func (p *Pool) Free(b *Buffer) {
	if b.pool != p {
		logger.Panic("buffer returned to a foreign pool", zap.Int("index", b.index))
	}
	p.free = append(p.free, b.index)
}
