package mmio

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Memory is a Region backed by a byte slice. Tests use it as a register file
// and DMA buffers use it as their CPU view.
type Memory []byte

// NewMemory returns a zeroed Memory of size bytes.
func NewMemory(size int) Memory {
	return make(Memory, size)
}

// aligned reports whether the word at off can be accessed atomically.
func aligned(m Memory, off uint64) bool {
	_ = m[off+3]
	return uintptr(unsafe.Pointer(&m[off]))%4 == 0
}

func (m Memory) Read8(off uint64) uint8   { return m[off] }
func (m Memory) Read16(off uint64) uint16 { return binary.LittleEndian.Uint16(m[off:]) }

func (m Memory) Read32(off uint64) uint32 {
	if aligned(m, off) {
		return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m[off])))
	}
	return binary.LittleEndian.Uint32(m[off:])
}

func (m Memory) Read64(off uint64) uint64 { return binary.LittleEndian.Uint64(m[off:]) }

func (m Memory) Write8(off uint64, v uint8)   { m[off] = v }
func (m Memory) Write16(off uint64, v uint16) { binary.LittleEndian.PutUint16(m[off:], v) }

func (m Memory) Write32(off uint64, v uint32) {
	if aligned(m, off) {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(&m[off])), v)
		return
	}
	binary.LittleEndian.PutUint32(m[off:], v)
}

func (m Memory) Write64(off uint64, v uint64) { binary.LittleEndian.PutUint64(m[off:], v) }
