// Package sim models the parts of QEMU's riscv64 virt machine the bring-up
// code touches: RAM, the PCIe ECAM window with BAR decoding, virtio-pci
// functions with MSI-X, and fw_cfg with DMA and a RAMFB display. Tests and
// the bootsim tool run the real drivers against it.
package sim

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/algebnaly/tos/kernel/klog"
	"github.com/algebnaly/tos/mmio"
)

var simLog = klog.New("sim")

// SetLogger sets the logger used by the sim package.
func SetLogger(logger *logrus.Entry) {
	simLog = logger
}

// Device handles accesses to a window of the physical address space. off is
// relative to the start of the window; data holds the bytes in memory order.
type Device interface {
	ReadMMIO(off uint64, data []byte)
	WriteMMIO(off uint64, data []byte)
}

// Config places the machine's memory map.
type Config struct {
	RAMBase   uint64
	RAMSize   uint64
	ECAMBase  uint64
	FWCfgBase uint64
}

// DefaultConfig is QEMU virt's memory map with 16 MiB of RAM.
func DefaultConfig() Config {
	return Config{
		RAMBase:   0x8000_0000,
		RAMSize:   16 << 20,
		ECAMBase:  0x3000_0000,
		FWCfgBase: 0x1010_0000,
	}
}

type window struct {
	base, size uint64
	dev        Device
}

// Machine is a physical address space with devices attached.
type Machine struct {
	cfg     Config
	ram     mmio.Memory
	arena   *mmio.Arena
	windows []window
	extra   []mmio.Buffer
	host    *Host
	fwcfg   *FWCfg
}

// New returns a machine with RAM, an empty PCI host and fw_cfg attached.
func New(cfg Config) *Machine {
	m := &Machine{
		cfg: cfg,
		ram: mmio.NewMemory(int(cfg.RAMSize)),
	}
	m.arena = mmio.NewArena(mmio.Buffer{Phys: cfg.RAMBase, Mem: m.ram})
	m.host = NewHost()
	m.fwcfg = NewFWCfg(m)
	m.Attach(cfg.ECAMBase, ECAMSize, m.host)
	m.Attach(cfg.FWCfgBase, FWCfgSize, m.fwcfg)
	return m
}

// Config returns the memory map.
func (m *Machine) Config() Config { return m.cfg }

// Host returns the PCI host bridge.
func (m *Machine) Host() *Host { return m.host }

// FWCfg returns the fw_cfg device.
func (m *Machine) FWCfg() *FWCfg { return m.fwcfg }

// Attach maps dev at [base, base+size).
func (m *Machine) Attach(base, size uint64, dev Device) {
	m.windows = append(m.windows, window{base: base, size: size, dev: dev})
	sort.Slice(m.windows, func(i, j int) bool { return m.windows[i].base < m.windows[j].base })
}

// Map implements mmio.Mapper. The returned region decodes every access, so
// it follows BARs that move after it was created.
func (m *Machine) Map(phys, size uint64) (mmio.Region, error) {
	return busRegion{m: m, base: phys}, nil
}

// Alloc implements mmio.Allocator out of RAM.
func (m *Machine) Alloc(size, align uint64) (mmio.Buffer, error) {
	return m.arena.Alloc(size, align)
}

// AddMemory makes mem addressable as RAM at phys, the way the kernel image
// is: statically reserved buffers then resolve to host memory.
func (m *Machine) AddMemory(phys uint64, mem []byte) {
	m.extra = append(m.extra, mmio.Buffer{Phys: phys, Mem: mem})
}

// ReadPhys copies RAM at phys into p. It reports false if the range is not
// RAM.
func (m *Machine) ReadPhys(phys uint64, p []byte) bool {
	mem, ok := m.ramSlice(phys, len(p))
	if !ok {
		return false
	}
	copy(p, mem)
	return true
}

// WritePhys copies p into RAM at phys.
func (m *Machine) WritePhys(phys uint64, p []byte) bool {
	mem, ok := m.ramSlice(phys, len(p))
	if !ok {
		return false
	}
	copy(mem, p)
	return true
}

// ramSlice returns the n bytes of RAM at phys.
func (m *Machine) ramSlice(phys uint64, n int) ([]byte, bool) {
	if mem, ok := within(mmio.Buffer{Phys: m.cfg.RAMBase, Mem: m.ram}, phys, n); ok {
		return mem, true
	}
	for _, b := range m.extra {
		if mem, ok := within(b, phys, n); ok {
			return mem, true
		}
	}
	return nil, false
}

func within(b mmio.Buffer, phys uint64, n int) ([]byte, bool) {
	if phys < b.Phys {
		return nil, false
	}
	off := phys - b.Phys
	end := off + uint64(n)
	if end > uint64(len(b.Mem)) || end < off {
		return nil, false
	}
	return b.Mem[off:end], true
}

func (m *Machine) access(addr uint64, data []byte, write bool) {
	if mem, ok := m.ramSlice(addr, len(data)); ok {
		if write {
			copy(mem, data)
		} else {
			copy(data, mem)
		}
		return
	}

	dev, off, ok := m.decode(addr, uint64(len(data)))
	switch {
	case !ok && write:
		simLog.WithField("addr", addr).Debug("write to unmapped address dropped")
	case !ok:
		for i := range data {
			data[i] = 0xff
		}
	case write:
		dev.WriteMMIO(off, data)
	default:
		dev.ReadMMIO(off, data)
	}
}

func (m *Machine) decode(addr, n uint64) (Device, uint64, bool) {
	for _, w := range m.windows {
		if addr >= w.base && addr+n <= w.base+w.size {
			return w.dev, addr - w.base, true
		}
	}
	return m.host.decodeBAR(addr, n)
}

type busRegion struct {
	m    *Machine
	base uint64
}

func (r busRegion) read(off uint64, n int) []byte {
	var buf [8]byte
	r.m.access(r.base+off, buf[:n], false)
	return buf[:n]
}

func (r busRegion) Read8(off uint64) uint8   { return r.read(off, 1)[0] }
func (r busRegion) Read16(off uint64) uint16 { return mmio.Memory(r.read(off, 2)).Read16(0) }
func (r busRegion) Read32(off uint64) uint32 { return mmio.Memory(r.read(off, 4)).Read32(0) }
func (r busRegion) Read64(off uint64) uint64 { return mmio.Memory(r.read(off, 8)).Read64(0) }

func (r busRegion) Write8(off uint64, v uint8) {
	r.m.access(r.base+off, []byte{v}, true)
}

func (r busRegion) Write16(off uint64, v uint16) {
	b := mmio.NewMemory(2)
	b.Write16(0, v)
	r.m.access(r.base+off, b, true)
}

func (r busRegion) Write32(off uint64, v uint32) {
	b := mmio.NewMemory(4)
	b.Write32(0, v)
	r.m.access(r.base+off, b, true)
}

func (r busRegion) Write64(off uint64, v uint64) {
	b := mmio.NewMemory(8)
	b.Write64(0, v)
	r.m.access(r.base+off, b, true)
}
