package fwcfg

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/algebnaly/tos/bitfield"
	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/mmio"
)

// DMAControl is the control word of a DMA descriptor.
type DMAControl struct {
	Error    bool   `bitfield:",1"`
	Read     bool   `bitfield:",1"`
	Skip     bool   `bitfield:",1"`
	Select   bool   `bitfield:",1"`
	Write    bool   `bitfield:",1"`
	Reserved uint16 `bitfield:",11"`
	Key      uint16 `bitfield:",16"`
}

// Control words used by the helpers below.
var (
	controlRead  = DMAControl{Read: true}
	controlWrite = DMAControl{Write: true}
	controlSkip  = DMAControl{Skip: true}
)

// Pack returns the wire value of c.
func (c DMAControl) Pack() uint32 {
	v, err := bitfield.Pack(c, &bitfield.Config{NumBits: 32})
	if err != nil {
		// The layout is fixed at 32 bits.
		panic(err)
	}
	return uint32(v)
}

// selecting returns c with the SELECT flag and key set.
func (c DMAControl) selecting(key uint16) DMAControl {
	c.Select = true
	c.Key = key
	return c
}

// Descriptor layout, all fields big-endian.
const (
	descControl = 0
	descLength  = 4
	descAddress = 8
	descSize    = 16
)

// errorBit is the only bit the device leaves set on completion.
const errorBit = 1

func (d *Device) dmaBuffers() error {
	if d.desc != nil && d.bounce != nil {
		return nil
	}
	if d.alloc == nil {
		return kernel.New("fwcfg", kernel.KindDeviceAbsent, "no DMA memory")
	}
	if d.desc == nil {
		desc, err := d.alloc.Alloc(descSize, 16)
		if err != nil {
			return errors.Wrap(err, "fwcfg: allocate DMA descriptor")
		}
		d.desc = &desc
	}
	bounce, err := d.alloc.Alloc(uint64(d.opts.BounceSize), 16)
	if err != nil {
		return errors.Wrap(err, "fwcfg: allocate DMA bounce buffer")
	}
	d.bounce = &bounce
	return nil
}

// Transfer runs one DMA request: control and length apply to the physical
// buffer at phys. It busy-waits for the device to clear the control word and
// fails with a DMA error if the device reports one, or a timeout if the
// device never finishes.
func (d *Device) Transfer(control uint32, length uint32, phys uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dmaBuffers(); err != nil {
		return err
	}
	return d.transfer(control, length, phys)
}

func (d *Device) transfer(control uint32, length uint32, phys uint64) error {
	if d.probed && d.features&FeatureDMA == 0 {
		return kernel.New("fwcfg", kernel.KindDeviceAbsent, "device has no DMA interface")
	}

	desc := d.desc.Mem
	mmio.WriteBE32(desc, descControl, control)
	mmio.WriteBE32(desc, descLength, length)
	mmio.WriteBE64(desc, descAddress, phys)

	mmio.WriteBE64(d.r, RegDMA, d.desc.Phys)

	var status uint32
	err := mmio.Poll(d.opts.PollBudget, "fwcfg", fmt.Sprintf("DMA control %#x", control), func() bool {
		status = mmio.ReadBE32(desc, descControl)
		return status&^errorBit == 0
	})
	if err != nil {
		return err
	}
	if status&errorBit != 0 {
		fwLog.WithFields(logrus.Fields{
			"control": fmt.Sprintf("%#x", control),
			"length":  length,
		}).Warn("DMA transfer failed")
		return kernel.New("fwcfg", kernel.KindDMATransfer,
			fmt.Sprintf("control %#x length %d address %#x", control, length, phys))
	}
	return nil
}

// chunks moves n bytes through the bounce buffer, one transfer per piece.
// The first transfer selects key; fill runs before and drain after each
// transfer when set. n == 0 still issues the selecting transfer.
func (d *Device) chunks(key uint16, base DMAControl, n int, fill, drain func(off, size int)) error {
	if err := d.dmaBuffers(); err != nil {
		return err
	}
	ctrl := base.selecting(key)
	off := 0
	for {
		size := n - off
		if size > d.opts.BounceSize {
			size = d.opts.BounceSize
		}
		if fill != nil {
			fill(off, size)
		}
		if err := d.transfer(ctrl.Pack(), uint32(size), d.bounce.Phys); err != nil {
			return err
		}
		if drain != nil {
			drain(off, size)
		}
		off += size
		if off >= n {
			return nil
		}
		ctrl = base
	}
}

// ReadItem selects key and reads len(p) bytes of it by DMA.
func (d *Device) ReadItem(key uint16, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.chunks(key, controlRead, len(p), nil, func(off, size int) {
		copy(p[off:off+size], d.bounce.Mem)
	})
}

// WriteItem selects key and writes data to it by DMA.
func (d *Device) WriteItem(key uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.chunks(key, controlWrite, len(data), func(off, size int) {
		copy(d.bounce.Mem, data[off:off+size])
	}, nil)
}

// Skip advances the current item by n bytes.
func (d *Device) Skip(n uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dmaBuffers(); err != nil {
		return err
	}
	return d.transfer(controlSkip.Pack(), n, 0)
}

// WriteFile looks up name and writes data to it.
func (d *Device) WriteFile(name string, data []byte) error {
	f, ok, err := d.FindFile(name)
	if err != nil {
		return err
	}
	if !ok {
		return kernel.New("fwcfg", kernel.KindDeviceAbsent, "no file "+name)
	}
	if uint32(len(data)) > f.Size {
		return kernel.New("fwcfg", kernel.KindUnsupportedLayout,
			fmt.Sprintf("%d bytes do not fit %s (%d bytes)", len(data), name, f.Size))
	}
	return d.WriteItem(f.Select, data)
}
