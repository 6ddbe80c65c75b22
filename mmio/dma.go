package mmio

import (
	"sync"

	"github.com/pkg/errors"
)

// Buffer is physically contiguous memory shared with a device.
type Buffer struct {
	// Phys is the address the device uses.
	Phys uint64

	// Mem is the CPU view of the same bytes.
	Mem Memory
}

// Allocator hands out DMA buffers.
type Allocator interface {
	Alloc(size, align uint64) (Buffer, error)
}

// Arena is a bump allocator over a fixed buffer. Nothing is ever freed;
// bring-up allocates a handful of descriptors and one framebuffer.
type Arena struct {
	mu   sync.Mutex
	buf  Buffer
	next uint64
}

// NewArena returns an arena carving allocations out of buf.
func NewArena(buf Buffer) *Arena {
	return &Arena{buf: buf}
}

// Alloc implements Allocator. The returned memory is zeroed and its physical
// address is a multiple of align.
func (a *Arena) Alloc(size, align uint64) (Buffer, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return Buffer{}, errors.Errorf("mmio: alignment %d is not a power of two", align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	phys := (a.buf.Phys + a.next + align - 1) &^ (align - 1)
	start := phys - a.buf.Phys
	if start+size > uint64(len(a.buf.Mem)) {
		return Buffer{}, errors.Errorf("mmio: arena exhausted allocating %d bytes (%d of %d used)",
			size, a.next, len(a.buf.Mem))
	}
	a.next = start + size

	mem := a.buf.Mem[start : start+size : start+size]
	for i := range mem {
		mem[i] = 0
	}
	return Buffer{Phys: phys, Mem: mem}, nil
}

// Used returns the number of bytes handed out, including alignment padding.
func (a *Arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

var (
	staticDMA     [64 << 10]byte
	staticArena   *Arena
	staticArenaMu sync.Mutex
)

// StaticArena returns the arena over the kernel's statically reserved DMA
// memory. Addresses are physical under the identity map.
func StaticArena() *Arena {
	staticArenaMu.Lock()
	defer staticArenaMu.Unlock()
	if staticArena == nil {
		staticArena = NewArena(Buffer{Phys: PhysOf(&staticDMA[0]), Mem: staticDMA[:]})
	}
	return staticArena
}
