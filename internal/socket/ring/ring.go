// Package ring implements the single-producer/single-consumer ring buffer
// that backs each socket's ingress and egress queues, a direct translation
// of the original's queue_cb_t/queue_r.h: a fixed block size, a fixed
// array length, and two monotonically-wrapping indices (one touched only
// by the producer, one only by the consumer) so no lock is needed across
// the shared-memory boundary.
package ring

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// HeaderSize is the fixed control-header footprint a ControlBlock occupies
// at the front of its backing bytes: blockSize, arrayLen, write, read, each
// an 8-byte little-endian word.
const HeaderSize = 32

// ControlBlock is the ring's control state, laid out over a backing byte
// slice so the same layout serves a private Go allocation (New) or a
// shared-memory mapping both the stack daemon and a client process see
// (Attach); write is only ever written by the producer side and read only
// by the consumer side, matching the original's single-writer-per-field
// discipline.
type ControlBlock struct {
	header []byte // HeaderSize bytes: blockSize, arrayLen, write, read
	data   []byte // arrayLen*blockSize bytes
}

// New initializes a control block for an array of arraySize bytes holding
// fixed blockSize-byte elements, backed by a private Go allocation.
func New(blockSize, arraySize uint64) *ControlBlock {
	buf := make([]byte, HeaderSize+arraySize)
	return Attach(buf[:HeaderSize], buf[HeaderSize:], blockSize)
}

// Attach lays a control block over an existing header/data byte pair (e.g.
// slices of a shared-memory mapping carved out by internal/socket/shm) and
// initializes it fresh. header must be at least HeaderSize bytes, 8-byte
// aligned in its backing array (true of any mmap'd region and of Go's own
// slice allocations), and data must hold a whole number of blockSize-byte
// elements.
func Attach(header, data []byte, blockSize uint64) *ControlBlock {
	cb := &ControlBlock{header: header[:HeaderSize], data: data}
	binary.LittleEndian.PutUint64(cb.header[0:8], blockSize)
	binary.LittleEndian.PutUint64(cb.header[8:16], uint64(len(data))/blockSize)
	atomic.StoreUint64(cb.writePtr(), 0)
	atomic.StoreUint64(cb.readPtr(), 0)
	return cb
}

func (cb *ControlBlock) writePtr() *uint64 { return (*uint64)(unsafe.Pointer(&cb.header[16])) }
func (cb *ControlBlock) readPtr() *uint64  { return (*uint64)(unsafe.Pointer(&cb.header[24])) }
func (cb *ControlBlock) blockSize() uint64 { return binary.LittleEndian.Uint64(cb.header[0:8]) }
func (cb *ControlBlock) arrayLen() uint64  { return binary.LittleEndian.Uint64(cb.header[8:16]) }

// Alloc reserves the next write slot, returning its byte offset into the
// backing array, or -1 if the ring is full. Producer-side only.
func (cb *ControlBlock) Alloc() int64 {
	write := atomic.LoadUint64(cb.writePtr())
	next := (write + 1) % cb.arrayLen()
	read := atomic.LoadUint64(cb.readPtr())
	if next == read {
		return -1
	}
	return int64(write * cb.blockSize())
}

// Commit publishes the most recent Alloc to the consumer. Producer-side
// only.
func (cb *ControlBlock) Commit() {
	write := atomic.LoadUint64(cb.writePtr())
	next := (write + 1) % cb.arrayLen()
	atomic.StoreUint64(cb.writePtr(), next)
}

// Peek returns the byte offset of the oldest unread element and true, or
// false if the ring is empty. Consumer-side only.
func (cb *ControlBlock) Peek() (int64, bool) {
	read := atomic.LoadUint64(cb.readPtr())
	write := atomic.LoadUint64(cb.writePtr())
	if read == write {
		return 0, false
	}
	return int64(read * cb.blockSize()), true
}

// Discard advances the read index past up to n elements, returning how
// many were actually skipped. Consumer-side only.
func (cb *ControlBlock) Discard(n int) int {
	count := 0
	for ; count < n; count++ {
		read := atomic.LoadUint64(cb.readPtr())
		write := atomic.LoadUint64(cb.writePtr())
		if read == write {
			break
		}
		atomic.StoreUint64(cb.readPtr(), (read+1)%cb.arrayLen())
	}
	return count
}

// ClearFromProducer drops all pending elements; safe to call from the
// producer side only.
func (cb *ControlBlock) ClearFromProducer() {
	atomic.StoreUint64(cb.writePtr(), atomic.LoadUint64(cb.readPtr()))
}

// ClearFromConsumer drops all pending elements; safe to call from the
// consumer side only.
func (cb *ControlBlock) ClearFromConsumer() {
	atomic.StoreUint64(cb.readPtr(), atomic.LoadUint64(cb.writePtr()))
}

// IsEmpty reports whether the ring has no unread elements.
func (cb *ControlBlock) IsEmpty() bool {
	return atomic.LoadUint64(cb.writePtr()) == atomic.LoadUint64(cb.readPtr())
}

// IsFull reports whether the ring has no room for another Alloc.
func (cb *ControlBlock) IsFull() bool {
	write := atomic.LoadUint64(cb.writePtr())
	return (write+1)%cb.arrayLen() == atomic.LoadUint64(cb.readPtr())
}

// BlockSize returns the fixed element size the ring was created with.
func (cb *ControlBlock) BlockSize() uint64 { return cb.blockSize() }
