package sim

import "github.com/pkg/errors"

// Host bridge identity of QEMU's gpex.
const (
	redHatVendor     = 0x1B36
	gpexHostBridgeID = 0x0008
)

// Virtio device types.
const (
	VirtioNet     = 1
	VirtioBlock   = 2
	VirtioConsole = 3
	VirtioEntropy = 4
	VirtioGPU     = 16
	VirtioInput   = 18
	VirtioSound   = 25
)

// Slot places a virtio function on bus 0.
type Slot struct {
	Device   uint8
	Function uint8
	Virtio   VirtioConfig
}

// Virt is a populated QEMU virt machine.
type Virt struct {
	*Machine
	RAMFB   *RAMFB
	Devices []*Virtio
}

// NewVirt builds a machine with a host bridge at 00:00.0, the virtio
// functions in slots and a RAMFB display.
func NewVirt(cfg Config, slots []Slot) (*Virt, error) {
	v := &Virt{Machine: New(cfg)}
	v.Host().Plug(0, 0, NewFunction(redHatVendor, gpexHostBridgeID, 0x06, 0x00))
	v.RAMFB = AttachRAMFB(v.Machine)
	v.FWCfg().AddFile("etc/boot-fail-wait", []byte{5, 0, 0, 0})

	for _, s := range slots {
		if s.Device == 0 || s.Device > 31 || s.Function > 7 {
			return nil, errors.Errorf("sim: bad slot %02x.%d", s.Device, s.Function)
		}
		if v.Host().Function(s.Device, s.Function) != nil {
			return nil, errors.Errorf("sim: slot %02x.%d taken", s.Device, s.Function)
		}
		d := NewVirtio(s.Virtio)
		v.Host().Plug(s.Device, s.Function, d.Function)
		v.Devices = append(v.Devices, d)
	}
	return v, nil
}

// DefaultSlots is an entropy source and a sound card, both with MSI-X.
func DefaultSlots() []Slot {
	return []Slot{
		{Device: 1, Virtio: VirtioConfig{Type: VirtioEntropy, Features: 1 << 32, NumQueues: 1, MSIXVectors: 2}},
		{Device: 2, Virtio: VirtioConfig{Type: VirtioSound, Features: 1<<32 | 1<<33, NumQueues: 4, MSIXVectors: 5}},
	}
}
