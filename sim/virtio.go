package sim

import (
	"encoding/binary"
	"sync"
)

// Virtio PCI identity.
const (
	VirtioVendor     = 0x1AF4
	VirtioDeviceBase = 0x1040
)

// Virtio device status bits.
const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
	statusNeedsReset  = 0x40
	statusFailed      = 0x80
)

// Common configuration layout.
const (
	ccDeviceFeatureSelect = 0x00
	ccDeviceFeature       = 0x04
	ccDriverFeatureSelect = 0x08
	ccDriverFeature       = 0x0C
	ccMSIXConfig          = 0x10
	ccNumQueues           = 0x12
	ccDeviceStatus        = 0x14
	ccConfigGeneration    = 0x15
	ccQueueSelect         = 0x16
	ccQueueSize           = 0x18
	ccQueueMSIXVector     = 0x1A
	ccQueueEnable         = 0x1C
	ccQueueNotifyOff      = 0x1E
	ccQueueDesc           = 0x20
	ccQueueDriver         = 0x28
	ccQueueDevice         = 0x30
	ccSize                = 0x40
)

// BAR layout of the modern virtio structures, as QEMU lays them out.
const (
	virtioMSIXBAR    = 1
	virtioPBABAR     = 2
	virtioModernBAR  = 4
	virtioModernSize = 0x4000
	virtioCommonOff  = 0x0000
	virtioISROff     = 0x1000
	virtioDeviceOff  = 0x2000
	virtioNotifyOff  = 0x3000
	msixBARSize      = 0x1000
	msixPBAOff       = 0x800

	notifyMultiplier = 4
)

// VirtioConfig describes a simulated virtio-pci function.
type VirtioConfig struct {
	// Type is the virtio device type (4 entropy, 25 sound, ...).
	Type      uint16
	Features  uint64
	NumQueues uint16
	QueueSize uint16

	// MSIXVectors is the MSI-X table size; zero omits the capability.
	MSIXVectors int

	// RejectFeatures makes the device clear FEATURES_OK.
	RejectFeatures bool

	// SplitPBA puts the PBA in a different BAR from the table.
	SplitPBA bool

	// OmitCommon leaves out the common configuration capability.
	OmitCommon bool
}

// MSIXWrite records a driver write touching MSI-X state.
type MSIXWrite struct {
	// Entry is the table entry written, or -1 for message control.
	Entry int

	// Enabled is the MSI-X enable bit after a message control write.
	Enabled bool
}

// Virtio is a simulated virtio-pci function.
type Virtio struct {
	*Function

	cfg    VirtioConfig
	common *commonConfig
	table  *msixTable
	msixAt uint8

	mu   sync.Mutex
	msix []MSIXWrite
}

// NewVirtio builds the function with its capabilities and BARs.
func NewVirtio(c VirtioConfig) *Virtio {
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	v := &Virtio{
		Function: NewFunction(VirtioVendor, VirtioDeviceBase+c.Type, 0xff, 0x00),
		cfg:      c,
	}
	v.SetSubsystem(VirtioVendor, 0x1100)
	v.common = newCommonConfig(c)

	modern := &split{parts: []part{
		{off: virtioCommonOff, size: ccSize, dev: v.common},
		{off: virtioISROff, size: 0x1000, dev: NewMemory(0x1000)},
		{off: virtioDeviceOff, size: 0x1000, dev: NewMemory(0x1000)},
		{off: virtioNotifyOff, size: 0x1000, dev: NewMemory(0x1000)},
	}}
	v.AddBAR(virtioModernBAR, virtioModernSize, true, true, modern)

	if !c.OmitCommon {
		v.AddCapability(0x09, vendorCap(1, virtioModernBAR, virtioCommonOff, 0x1000, nil))
	}
	v.AddCapability(0x09, vendorCap(3, virtioModernBAR, virtioISROff, 0x1000, nil))
	v.AddCapability(0x09, vendorCap(4, virtioModernBAR, virtioDeviceOff, 0x1000, nil))
	mult := make([]byte, 4)
	binary.LittleEndian.PutUint32(mult, notifyMultiplier)
	v.AddCapability(0x09, vendorCap(2, virtioModernBAR, virtioNotifyOff, 0x1000, mult))

	if c.MSIXVectors > 0 {
		v.table = newMSIXTable(c.MSIXVectors, v)
		pbaBAR := uint32(virtioMSIXBAR)
		pbaOff := uint32(msixPBAOff)
		if c.SplitPBA {
			pbaBAR, pbaOff = virtioPBABAR, 0
			v.AddBAR(virtioPBABAR, 0x1000, false, false, NewMemory(0x1000))
		}
		v.AddBAR(virtioMSIXBAR, msixBARSize, false, false, v.table)

		body := make([]byte, 10)
		binary.LittleEndian.PutUint16(body[0:], uint16(c.MSIXVectors-1))
		binary.LittleEndian.PutUint32(body[2:], 0|virtioMSIXBAR)
		binary.LittleEndian.PutUint32(body[6:], pbaOff|pbaBAR)
		v.msixAt = v.AddCapability(0x11, body)
		v.SetWritable(uint16(v.msixAt)+3, 0xC0)
		v.OnConfigWrite(v.configWritten)
	}
	return v
}

// vendorCap builds a virtio_pci_cap body (without id and next).
func vendorCap(cfgType, bar uint8, offset, length uint32, extra []byte) []byte {
	body := make([]byte, 14, 14+len(extra))
	body[0] = uint8(16 + len(extra)) // cap_len
	body[1] = cfgType
	body[2] = bar
	binary.LittleEndian.PutUint32(body[6:], offset)
	binary.LittleEndian.PutUint32(body[10:], length)
	return append(body, extra...)
}

func (v *Virtio) configWritten(reg uint16, n int) {
	ctrl := uint16(v.msixAt) + 2
	if int(reg)+n <= int(ctrl) || int(reg) > int(ctrl)+1 {
		return
	}
	enabled := binary.LittleEndian.Uint16(v.Peek(ctrl, 2))&0x8000 != 0
	v.record(MSIXWrite{Entry: -1, Enabled: enabled})
}

func (v *Virtio) record(w MSIXWrite) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.msix = append(v.msix, w)
}

// MSIXWrites returns the MSI-X writes in the order they happened.
func (v *Virtio) MSIXWrites() []MSIXWrite {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]MSIXWrite(nil), v.msix...)
}

// MSIXEntry returns table entry i as {address, data, vector control}.
func (v *Virtio) MSIXEntry(i int) (addr uint64, data, control uint32) {
	return v.table.entry(i)
}

// StatusWrites returns every value the driver wrote to device_status.
func (v *Virtio) StatusWrites() []uint8 { return v.common.statusWrites() }

// Status returns the device status.
func (v *Virtio) Status() uint8 { return v.common.status() }

// DriverFeatures returns the features the driver accepted.
func (v *Virtio) DriverFeatures() uint64 { return v.common.driverFeatures() }

// Queue returns the state of queue i.
func (v *Virtio) Queue(i int) QueueState { return v.common.queue(i) }

// QueueState is the per-queue part of the common configuration.
type QueueState struct {
	Size       uint16
	MSIXVector uint16
	Enable     uint16
	NotifyOff  uint16
	Desc       uint64
	Driver     uint64
	Device     uint64
}

type commonConfig struct {
	mu       sync.Mutex
	cfg      VirtioConfig
	regs     [ccSize]byte
	queues   [][ccSize - ccQueueSize]byte
	driver   [2]uint32
	statuses []uint8
}

func newCommonConfig(c VirtioConfig) *commonConfig {
	cc := &commonConfig{cfg: c}
	cc.reset()
	return cc
}

// reset must be called with mu held or before the device is shared.
func (cc *commonConfig) reset() {
	cc.regs = [ccSize]byte{}
	cc.driver = [2]uint32{}
	cc.queues = make([][ccSize - ccQueueSize]byte, cc.cfg.NumQueues)
	for i := range cc.queues {
		q := &cc.queues[i]
		binary.LittleEndian.PutUint16(q[0:], cc.cfg.QueueSize)
		binary.LittleEndian.PutUint16(q[ccQueueMSIXVector-ccQueueSize:], 0xffff)
		binary.LittleEndian.PutUint16(q[ccQueueNotifyOff-ccQueueSize:], uint16(i))
	}
	binary.LittleEndian.PutUint16(cc.regs[ccNumQueues:], cc.cfg.NumQueues)
	binary.LittleEndian.PutUint16(cc.regs[ccMSIXConfig:], 0xffff)
	cc.load(0)
	cc.updateDeviceFeature()
}

func (cc *commonConfig) updateDeviceFeature() {
	sel := binary.LittleEndian.Uint32(cc.regs[ccDeviceFeatureSelect:])
	var word uint32
	if sel < 2 {
		word = uint32(cc.cfg.Features >> (32 * sel))
	}
	binary.LittleEndian.PutUint32(cc.regs[ccDeviceFeature:], word)
}

func (cc *commonConfig) save() {
	sel := int(binary.LittleEndian.Uint16(cc.regs[ccQueueSelect:]))
	if sel < len(cc.queues) {
		copy(cc.queues[sel][:], cc.regs[ccQueueSize:])
	}
}

func (cc *commonConfig) load(sel int) {
	if sel < len(cc.queues) {
		copy(cc.regs[ccQueueSize:], cc.queues[sel][:])
	} else {
		// Nonexistent queues read back size 0.
		for i := ccQueueSize; i < ccSize; i++ {
			cc.regs[i] = 0
		}
	}
}

func (cc *commonConfig) ReadMMIO(off uint64, data []byte) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for i := range data {
		if int(off)+i < ccSize {
			data[i] = cc.regs[int(off)+i]
		} else {
			data[i] = 0
		}
	}
}

func (cc *commonConfig) WriteMMIO(off uint64, data []byte) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if int(off)+len(data) > ccSize {
		return
	}

	switch off {
	case ccDeviceFeature, ccNumQueues, ccConfigGeneration, ccQueueNotifyOff:
		return
	case ccDeviceFeatureSelect:
		copy(cc.regs[off:], data)
		cc.updateDeviceFeature()
	case ccDriverFeature:
		copy(cc.regs[off:], data)
		sel := binary.LittleEndian.Uint32(cc.regs[ccDriverFeatureSelect:])
		if sel < 2 {
			cc.driver[sel] = binary.LittleEndian.Uint32(cc.regs[ccDriverFeature:])
		}
	case ccDeviceStatus:
		cc.writeStatus(data[0])
	case ccQueueSelect:
		cc.save()
		copy(cc.regs[off:], data)
		cc.load(int(binary.LittleEndian.Uint16(cc.regs[ccQueueSelect:])))
	case ccQueueSize:
		// Drivers may shrink a queue, never grow it.
		if len(data) == 2 && binary.LittleEndian.Uint16(data) <= cc.cfg.QueueSize {
			copy(cc.regs[off:], data)
		}
		cc.save()
	default:
		copy(cc.regs[off:], data)
		if off >= ccQueueSize {
			cc.save()
		}
	}
}

func (cc *commonConfig) writeStatus(v uint8) {
	cc.statuses = append(cc.statuses, v)
	old := cc.regs[ccDeviceStatus]
	if v == 0 {
		cc.reset()
		return
	}
	if v&statusFeaturesOK != 0 && old&statusFeaturesOK == 0 {
		accepted := uint64(cc.driver[1])<<32 | uint64(cc.driver[0])
		if cc.cfg.RejectFeatures || accepted&^cc.cfg.Features != 0 {
			v &^= statusFeaturesOK
		}
	}
	cc.regs[ccDeviceStatus] = v
}

func (cc *commonConfig) statusWrites() []uint8 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return append([]uint8(nil), cc.statuses...)
}

func (cc *commonConfig) status() uint8 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.regs[ccDeviceStatus]
}

func (cc *commonConfig) driverFeatures() uint64 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return uint64(cc.driver[1])<<32 | uint64(cc.driver[0])
}

func (cc *commonConfig) queue(i int) QueueState {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.save()
	if i >= len(cc.queues) {
		return QueueState{}
	}
	q := cc.queues[i][:]
	at := func(reg int) []byte { return q[reg-ccQueueSize:] }
	return QueueState{
		Size:       binary.LittleEndian.Uint16(at(ccQueueSize)),
		MSIXVector: binary.LittleEndian.Uint16(at(ccQueueMSIXVector)),
		Enable:     binary.LittleEndian.Uint16(at(ccQueueEnable)),
		NotifyOff:  binary.LittleEndian.Uint16(at(ccQueueNotifyOff)),
		Desc:       binary.LittleEndian.Uint64(at(ccQueueDesc)),
		Driver:     binary.LittleEndian.Uint64(at(ccQueueDriver)),
		Device:     binary.LittleEndian.Uint64(at(ccQueueDevice)),
	}
}

// ConfigMSIXVector returns the config_msix_vector register.
func (v *Virtio) ConfigMSIXVector() uint16 {
	v.common.mu.Lock()
	defer v.common.mu.Unlock()
	return binary.LittleEndian.Uint16(v.common.regs[ccMSIXConfig:])
}

type msixTable struct {
	mu    sync.Mutex
	buf   []byte
	n     int
	owner *Virtio
}

func newMSIXTable(n int, owner *Virtio) *msixTable {
	t := &msixTable{buf: make([]byte, msixBARSize), n: n, owner: owner}
	for i := 0; i < n; i++ {
		// Entries come out of reset masked.
		binary.LittleEndian.PutUint32(t.buf[i*16+12:], 1)
	}
	return t
}

func (t *msixTable) ReadMMIO(off uint64, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(data, t.buf[off:])
}

func (t *msixTable) WriteMMIO(off uint64, data []byte) {
	if off >= uint64(t.n*16) {
		// PBA is read-only.
		return
	}
	t.mu.Lock()
	copy(t.buf[off:], data)
	t.mu.Unlock()
	t.owner.record(MSIXWrite{Entry: int(off / 16)})
}

func (t *msixTable) entry(i int) (uint64, uint32, uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.buf[i*16:]
	addr := uint64(binary.LittleEndian.Uint32(e[4:]))<<32 | uint64(binary.LittleEndian.Uint32(e[0:]))
	return addr, binary.LittleEndian.Uint32(e[8:]), binary.LittleEndian.Uint32(e[12:])
}

type part struct {
	off, size uint64
	dev       Device
}

// split routes a BAR to the devices behind its sub-windows.
type split struct {
	parts []part
}

func (s *split) find(off uint64, n int) (Device, uint64, bool) {
	for _, p := range s.parts {
		if off >= p.off && off+uint64(n) <= p.off+p.size {
			return p.dev, off - p.off, true
		}
	}
	return nil, 0, false
}

func (s *split) ReadMMIO(off uint64, data []byte) {
	if dev, o, ok := s.find(off, len(data)); ok {
		dev.ReadMMIO(o, data)
		return
	}
	for i := range data {
		data[i] = 0
	}
}

func (s *split) WriteMMIO(off uint64, data []byte) {
	if dev, o, ok := s.find(off, len(data)); ok {
		dev.WriteMMIO(o, data)
	}
}
