package mempool

// Buffer is one fixed-size packet buffer.
//
// Bytes is valid only while the buffer is owned by the caller; once the
// buffer is handed to a descriptor ring, the device may overwrite it and
// software must not touch it until the ring returns it.
type Buffer struct {
	pool   *Pool
	index  int
	data   []byte
	phys   uintptr
	length int
}

// Bytes returns the packet content, bounded by the current length.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.length]
}

// Raw returns the full buffer regardless of packet length.
func (b *Buffer) Raw() []byte {
	return b.data
}

// Len returns the packet length.
func (b *Buffer) Len() int {
	return b.length
}

// SetLen sets the packet length. It panics if length exceeds the buffer size.
func (b *Buffer) SetLen(length int) {
	if length < 0 || length > len(b.data) {
		panic("packet length exceeds buffer size")
	}
	b.length = length
}

// Phys returns the physical address of the buffer start, as programmed into
// hardware descriptors.
func (b *Buffer) Phys() uintptr {
	return b.phys
}

// Pool returns the owning pool.
func (b *Buffer) Pool() *Pool {
	return b.pool
}

// Free returns the buffer to its owning pool.
func (b *Buffer) Free() {
	b.pool.Free(b)
}
