package sim

import (
	"encoding/binary"
	"sync"
)

// ECAMSize covers bus 0.
const ECAMSize = 32 * 8 * 4096

const (
	cfgCommand    = 0x04
	cfgStatus     = 0x06
	cfgHeaderType = 0x0E
	cfgBAR0       = 0x10
	cfgCapPtr     = 0x34

	commandMemory = 1 << 1
	statusCapList = 1 << 4

	barMem64       = 0b100
	barPrefetch    = 0b1000
	commandWMask   = 0x0547
	firstCapOffset = 0x40
)

type slot struct{ dev, fn uint8 }

// Host is a PCIe host bridge decoding bus 0 configuration space and the
// memory BARs of its functions.
type Host struct {
	mu  sync.Mutex
	fns map[slot]*Function
}

// NewHost returns a host with no functions.
func NewHost() *Host {
	return &Host{fns: make(map[slot]*Function)}
}

// Plug attaches f at 00:dev.fn.
func (h *Host) Plug(dev, fn uint8, f *Function) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns[slot{dev, fn}] = f
}

// Function returns the function at 00:dev.fn.
func (h *Host) Function(dev, fn uint8) *Function {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fns[slot{dev, fn}]
}

func (h *Host) lookup(off uint64) (*Function, uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := slot{dev: uint8(off>>15) & 31, fn: uint8(off>>12) & 7}
	return h.fns[s], uint16(off & 0xfff)
}

// ReadMMIO implements Device for the ECAM window.
func (h *Host) ReadMMIO(off uint64, data []byte) {
	f, reg := h.lookup(off)
	if f == nil {
		for i := range data {
			data[i] = 0xff
		}
		return
	}
	f.readConfig(reg, data)
}

// WriteMMIO implements Device for the ECAM window.
func (h *Host) WriteMMIO(off uint64, data []byte) {
	if f, reg := h.lookup(off); f != nil {
		f.writeConfig(reg, data)
	}
}

func (h *Host) decodeBAR(addr, n uint64) (Device, uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range h.fns {
		if dev, off, ok := f.decodeBAR(addr, n); ok {
			return dev, off, true
		}
	}
	return nil, 0, false
}

type barDef struct {
	size     uint64
	is64     bool
	prefetch bool
	dev      Device
}

// Function is the configuration space of one PCI function.
type Function struct {
	mu      sync.Mutex
	cfg     [256]byte
	wmask   [256]byte
	bars    [6]*barDef
	capTail uint8
	capNext uint8
	hooks   []func(reg uint16, n int)
}

// NewFunction returns a type 0 function with the ids and class.
func NewFunction(vendor, device uint16, class, subclass uint8) *Function {
	f := &Function{capNext: firstCapOffset}
	binary.LittleEndian.PutUint16(f.cfg[0:], vendor)
	binary.LittleEndian.PutUint16(f.cfg[2:], device)
	f.cfg[0x0B] = class
	f.cfg[0x0A] = subclass
	binary.LittleEndian.PutUint16(f.wmask[cfgCommand:], commandWMask)
	return f
}

// SetSubsystem sets the subsystem ids.
func (f *Function) SetSubsystem(vendor, id uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	binary.LittleEndian.PutUint16(f.cfg[0x2C:], vendor)
	binary.LittleEndian.PutUint16(f.cfg[0x2E:], id)
}

// SetMultiFunction sets bit 7 of the header type.
func (f *Function) SetMultiFunction() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg[cfgHeaderType] |= 0x80
}

// AddBAR implements memory BAR i as a window of size bytes (a power of two)
// decoded to dev.
func (f *Function) AddBAR(i int, size uint64, is64, prefetch bool, dev Device) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bars[i] = &barDef{size: size, is64: is64, prefetch: prefetch, dev: dev}
	var flags uint32
	if is64 {
		flags |= barMem64
	}
	if prefetch {
		flags |= barPrefetch
	}
	off := cfgBAR0 + 4*i
	binary.LittleEndian.PutUint32(f.cfg[off:], flags)

	mask := ^(size - 1)
	binary.LittleEndian.PutUint32(f.wmask[off:], uint32(mask)&^0xf)
	if is64 {
		binary.LittleEndian.PutUint32(f.wmask[off+4:], uint32(mask>>32))
	}
}

// AddCapability appends a capability with the body following its id and
// next bytes and returns its offset.
func (f *Function) AddCapability(id uint8, body []byte) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()

	off := f.capNext
	f.cfg[off] = id
	f.cfg[off+1] = 0
	copy(f.cfg[off+2:], body)
	if f.capTail == 0 {
		f.cfg[cfgCapPtr] = off
	} else {
		f.cfg[f.capTail+1] = off
	}
	f.capTail = off
	f.capNext = uint8((int(off) + 2 + len(body) + 3) &^ 3)
	f.cfg[cfgStatus] |= statusCapList
	return off
}

// SetWritable marks bits of configuration space as writable by the driver.
func (f *Function) SetWritable(off uint16, mask ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.wmask[off:], mask)
}

// Poke writes raw bytes, bypassing write masks. Tests use it to corrupt
// configuration space.
func (f *Function) Poke(off uint16, b ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.cfg[off:], b)
}

// Peek returns n raw bytes at off.
func (f *Function) Peek(off uint16, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.cfg[off:int(off)+n]...)
}

// OnConfigWrite registers a hook run after every configuration write.
func (f *Function) OnConfigWrite(hook func(reg uint16, n int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// BARBase returns the address BAR i currently decodes at.
func (f *Function) BARBase(i int) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.barBase(i)
}

func (f *Function) barBase(i int) uint64 {
	off := cfgBAR0 + 4*i
	base := uint64(binary.LittleEndian.Uint32(f.cfg[off:]) &^ 0xf)
	if b := f.bars[i]; b != nil && b.is64 {
		base |= uint64(binary.LittleEndian.Uint32(f.cfg[off+4:])) << 32
	}
	return base
}

func (f *Function) readConfig(reg uint16, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range data {
		r := int(reg) + i
		if r < len(f.cfg) {
			data[i] = f.cfg[r]
		} else {
			data[i] = 0
		}
	}
}

func (f *Function) writeConfig(reg uint16, data []byte) {
	f.mu.Lock()
	for i, v := range data {
		r := int(reg) + i
		if r >= len(f.cfg) {
			break
		}
		m := f.wmask[r]
		f.cfg[r] = f.cfg[r]&^m | v&m
	}
	hooks := f.hooks
	f.mu.Unlock()

	for _, h := range hooks {
		h(reg, len(data))
	}
}

func (f *Function) decodeBAR(addr, n uint64) (Device, uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if binary.LittleEndian.Uint16(f.cfg[cfgCommand:])&commandMemory == 0 {
		return nil, 0, false
	}
	for i, b := range f.bars {
		if b == nil || b.dev == nil {
			continue
		}
		base := f.barBase(i)
		if base != 0 && addr >= base && addr+n <= base+b.size {
			return b.dev, addr - base, true
		}
	}
	return nil, 0, false
}

// Memory is a plain read/write register file.
type Memory struct {
	mu  sync.Mutex
	buf []byte
}

// NewMemory returns a zeroed register file of size bytes.
func NewMemory(size int) *Memory {
	return &Memory{buf: make([]byte, size)}
}

// ReadMMIO implements Device.
func (m *Memory) ReadMMIO(off uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range data {
		if int(off)+i < len(m.buf) {
			data[i] = m.buf[int(off)+i]
		} else {
			data[i] = 0
		}
	}
}

// WriteMMIO implements Device.
func (m *Memory) WriteMMIO(off uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(off) < len(m.buf) {
		copy(m.buf[off:], data)
	}
}

// Bytes returns a copy of the contents.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}
