package mmio

import (
	"sync/atomic"
	"unsafe"
)

// Direct accesses physical memory through the kernel's identity map. Every
// access goes to the bus; 32 and 64 bit accesses use atomics so the compiler
// neither merges nor elides them.
type Direct uintptr

func (d Direct) ptr(off uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(d) + uintptr(off))
}

//go:noinline
func (d Direct) Read8(off uint64) uint8 { return *(*uint8)(d.ptr(off)) }

//go:noinline
func (d Direct) Read16(off uint64) uint16 { return *(*uint16)(d.ptr(off)) }

func (d Direct) Read32(off uint64) uint32 { return atomic.LoadUint32((*uint32)(d.ptr(off))) }
func (d Direct) Read64(off uint64) uint64 { return atomic.LoadUint64((*uint64)(d.ptr(off))) }

//go:noinline
func (d Direct) Write8(off uint64, v uint8) { *(*uint8)(d.ptr(off)) = v }

//go:noinline
func (d Direct) Write16(off uint64, v uint16) { *(*uint16)(d.ptr(off)) = v }

func (d Direct) Write32(off uint64, v uint32) { atomic.StoreUint32((*uint32)(d.ptr(off)), v) }
func (d Direct) Write64(off uint64, v uint64) { atomic.StoreUint64((*uint64)(d.ptr(off)), v) }

// Mapper makes a physical window accessible. On hardware this is the virtual
// memory subsystem; tests and the simulator route windows to device models.
type Mapper interface {
	Map(phys, size uint64) (Region, error)
}

// Identity maps windows through the boot identity map.
type Identity struct{}

// Map implements Mapper.
func (Identity) Map(phys, size uint64) (Region, error) {
	return Direct(uintptr(phys)), nil
}

// PhysOf returns the physical address of p under the identity map.
func PhysOf(p *byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(p)))
}
