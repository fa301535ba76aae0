package dma

import (
	"testing"

	"github.com/dirnic/dirnic/core/testenv"
)

var makeAR = testenv.MakeAR

func TestRoundUpHugePage(t *testing.T) {
	assert, _ := makeAR(t)

	assert.Equal(HugePageSize, roundUpHugePage(1))
	assert.Equal(HugePageSize, roundUpHugePage(HugePageSize))
	assert.Equal(2*HugePageSize, roundUpHugePage(HugePageSize+1))
}

func TestMemorySlicing(t *testing.T) {
	assert, _ := makeAR(t)

	backing := make([]byte, 8192)
	m := FromBytes(backing, 0x10000)
	assert.Equal(8192, m.Size())
	assert.EqualValues(0x10800, m.SlicePhys(2048))

	s := m.Slice(2048, 2048)
	assert.Len(s, 2048)
	s[0] = 0xAB
	assert.EqualValues(0xAB, backing[2048])

	// a full slice must not allow growth into the neighboring buffer
	assert.Equal(2048, cap(s))
}
