package mempool_test

import (
	"testing"

	"github.com/dirnic/dirnic/core/testenv"
	"github.com/dirnic/dirnic/dma"
	"github.com/dirnic/dirnic/mempool"
)

var makeAR = testenv.MakeAR

func makePool(t *testing.T, capacity, bufSize int) *mempool.Pool {
	t.Helper()
	mem := dma.FromBytes(make([]byte, capacity*bufSize), 0x100000)
	p, e := mempool.NewWithMemory(mem, capacity, bufSize)
	if e != nil {
		t.Fatal(e)
	}
	return p
}

func TestPoolExhaustion(t *testing.T) {
	assert, require := makeAR(t)

	const n = 16
	p := makePool(t, n, 2048)
	assert.Equal(n, p.Capacity())
	assert.Equal(n, p.CountAvailable())

	held := make([]*mempool.Buffer, 0, n)
	for i := 0; i < n; i++ {
		b := p.Alloc()
		require.NotNil(b)
		held = append(held, b)
	}
	assert.Zero(p.CountAvailable())
	assert.Nil(p.Alloc())

	// freeing k buffers permits exactly k further allocations
	const k = 5
	for i := 0; i < k; i++ {
		held[i].Free()
	}
	assert.Equal(k, p.CountAvailable())
	for i := 0; i < k; i++ {
		require.NotNil(p.Alloc())
	}
	assert.Nil(p.Alloc())
}

func TestPoolSlotReuse(t *testing.T) {
	assert, require := makeAR(t)

	p := makePool(t, 4, 2048)
	bufs := make([]*mempool.Buffer, 4)
	for i := range bufs {
		bufs[i] = p.Alloc()
		require.NotNil(bufs[i])
	}
	assert.Nil(p.Alloc())

	buf2 := bufs[2]
	phys2 := buf2.Phys()
	buf2.Free()

	b := p.Alloc()
	require.NotNil(b)
	assert.Equal(phys2, b.Phys())
	assert.Nil(p.Alloc())
}

func TestPoolNoClearing(t *testing.T) {
	assert, require := makeAR(t)

	p := makePool(t, 2, 2048)
	b := p.Alloc()
	require.NotNil(b)

	payload := make([]byte, 64)
	testenv.RandBytes(payload)
	copy(b.Raw(), payload)
	phys := b.Phys()
	b.Free()

	b = p.Alloc()
	for b.Phys() != phys {
		b = p.Alloc()
		require.NotNil(b)
	}
	testenv.BytesEqual(assert, payload, b.Raw()[:64])
}

func TestAllocBatch(t *testing.T) {
	assert, _ := makeAR(t)

	p := makePool(t, 8, 2048)
	bufs := make([]*mempool.Buffer, 6)
	assert.Equal(6, p.AllocBatch(bufs))
	assert.Equal(2, p.CountAvailable())

	// best effort: only 2 remain
	more := make([]*mempool.Buffer, 6)
	assert.Equal(2, p.AllocBatch(more))
	assert.NotNil(more[1])
	assert.Nil(more[2])
	assert.Zero(p.CountAvailable())
}

func TestPoolConfig(t *testing.T) {
	assert, _ := makeAR(t)

	mem := dma.FromBytes(make([]byte, 4*2048), 0)
	_, e := mempool.NewWithMemory(mem, 0, 2048)
	assert.ErrorIs(e, mempool.ErrConfig)

	// 1500 does not divide the hugepage size
	_, e = mempool.NewWithMemory(mem, 4, 1500)
	assert.ErrorIs(e, mempool.ErrConfig)

	// memory too small for the requested capacity
	_, e = mempool.NewWithMemory(mem, 8, 2048)
	assert.ErrorIs(e, mempool.ErrConfig)
}
