package pci

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/algebnaly/tos/kernel"
)

// MaxBARs is the number of BAR slots of a type 0 header.
const MaxBARs = 6

// BARKind is the decoded type of a BAR.
type BARKind uint8

const (
	BARMemory32 BARKind = iota
	BARMemory64
	BARIO
)

func (k BARKind) String() string {
	switch k {
	case BARMemory32:
		return "mem32"
	case BARMemory64:
		return "mem64"
	case BARIO:
		return "io"
	}
	return "unknown"
}

// BAR is a decoded base address register.
type BAR struct {
	Index        int
	Kind         BARKind
	Prefetchable bool
	Base         uint64
}

func barOffset(i int) uint16 {
	return OffBAR0 + uint16(i)*4
}

func (f *Function) checkBAR(i int) error {
	if i < 0 || i >= MaxBARs {
		return kernel.New("pci", kernel.KindUnsupportedLayout, fmt.Sprintf("%s: BAR index %d", f.Addr, i))
	}
	return nil
}

// ReadBAR returns the raw 32-bit BAR slot i.
func (f *Function) ReadBAR(i int) uint32 {
	return f.Read32(barOffset(i))
}

// WriteBAR writes the raw 32-bit BAR slot i.
func (f *Function) WriteBAR(i int, v uint32) {
	f.Write32(barOffset(i), v)
}

// DecodeBAR decodes slot i, reading the upper half of 64-bit BARs.
func (f *Function) DecodeBAR(i int) (BAR, error) {
	if err := f.checkBAR(i); err != nil {
		return BAR{}, err
	}
	lo := f.ReadBAR(i)
	if lo&1 != 0 {
		return BAR{Index: i, Kind: BARIO, Base: uint64(lo &^ 0b11)}, nil
	}

	bar := BAR{Index: i, Kind: BARMemory32, Prefetchable: lo&0b1000 != 0, Base: uint64(lo &^ 0xf)}
	if (lo>>1)&0b11 == 0b10 {
		if i == MaxBARs-1 {
			return BAR{}, kernel.New("pci", kernel.KindUnsupportedLayout,
				fmt.Sprintf("%s: 64-bit BAR in last slot", f.Addr))
		}
		bar.Kind = BARMemory64
		bar.Base |= uint64(f.ReadBAR(i+1)) << 32
	}
	return bar, nil
}

// SetBAR moves memory BAR i to phys. The upper half of a 64-bit BAR is
// written as well.
func (f *Function) SetBAR(i int, phys uint64) error {
	bar, err := f.DecodeBAR(i)
	if err != nil {
		return err
	}
	switch bar.Kind {
	case BARIO:
		return kernel.New("pci", kernel.KindUnsupportedLayout, fmt.Sprintf("%s: BAR%d is an I/O BAR", f.Addr, i))
	case BARMemory32:
		if phys>>32 != 0 {
			return kernel.New("pci", kernel.KindUnsupportedLayout,
				fmt.Sprintf("%s: %#x does not fit 32-bit BAR%d", f.Addr, phys, i))
		}
	case BARMemory64:
		f.WriteBAR(i+1, uint32(phys>>32))
	}
	f.WriteBAR(i, uint32(phys))
	return nil
}

// BARSize probes the size of BAR i by writing all ones and reading back the
// writable bits. Memory decoding is off while the BAR holds the probe value.
// Zero means the slot is not implemented.
func (f *Function) BARSize(i int) (uint64, error) {
	bar, err := f.DecodeBAR(i)
	if err != nil {
		return 0, err
	}

	cmd := f.Command()
	f.SetCommand(cmd &^ (CommandMemory | CommandIO))
	defer f.SetCommand(cmd)

	lo := f.ReadBAR(i)
	f.WriteBAR(i, 0xffffffff)
	mask := uint64(f.ReadBAR(i))
	f.WriteBAR(i, lo)

	switch bar.Kind {
	case BARIO:
		mask = (mask &^ 0b11) | 0xffffffff_00000000
	case BARMemory32:
		mask = (mask &^ 0xf) | 0xffffffff_00000000
	case BARMemory64:
		hi := f.ReadBAR(i + 1)
		f.WriteBAR(i+1, 0xffffffff)
		mask = (mask &^ 0xf) | uint64(f.ReadBAR(i+1))<<32
		f.WriteBAR(i+1, hi)
	}
	if mask&0xffffffff == 0 && (bar.Kind != BARMemory64 || mask == 0) {
		return 0, nil
	}
	return ^mask + 1, nil
}

// Windows places BARs inside a fixed physical carve-out. There is no
// allocator behind it: windows are handed out in order, aligned to the BAR
// size, and never returned. Placing a BAR that already has a window returns
// that window, so every user of a BAR derives addresses from the same place.
type Windows struct {
	mu     sync.Mutex
	base   uint64
	limit  uint64
	next   uint64
	placed map[windowKey]uint64
}

type windowKey struct {
	addr Address
	bar  int
}

// NewWindows returns a placer for [base, base+size).
func NewWindows(base, size uint64) *Windows {
	return &Windows{
		base:   base,
		limit:  base + size,
		next:   base,
		placed: make(map[windowKey]uint64),
	}
}

// Place moves BAR i of f into the next free window and returns its base.
func (w *Windows) Place(f *Function, i int) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := windowKey{addr: f.Addr, bar: i}
	if phys, ok := w.placed[key]; ok {
		return phys, nil
	}

	size, err := f.BARSize(i)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, kernel.New("pci", kernel.KindDeviceAbsent, fmt.Sprintf("%s: BAR%d not implemented", f.Addr, i))
	}

	align := size
	if align < 4096 {
		align = 4096
	}
	phys := (w.next + align - 1) &^ (align - 1)
	if phys < w.next || phys+size > w.limit || phys+size < phys {
		return 0, kernel.New("pci", kernel.KindUnsupportedLayout,
			fmt.Sprintf("%s: no room for BAR%d (%#x bytes) in [%#x, %#x)", f.Addr, i, size, w.base, w.limit))
	}
	if err := f.SetBAR(i, phys); err != nil {
		return 0, err
	}

	w.next = phys + size
	w.placed[key] = phys
	pciLog.WithFields(logrus.Fields{
		"bdf":  f.Addr.String(),
		"bar":  i,
		"size": fmt.Sprintf("%#x", size),
		"phys": fmt.Sprintf("%#x", phys),
	}).Info("BAR placed")
	return phys, nil
}

// Placed returns the window of BAR i of f, if it was placed.
func (w *Windows) Placed(f *Function, i int) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	phys, ok := w.placed[windowKey{addr: f.Addr, bar: i}]
	return phys, ok
}
