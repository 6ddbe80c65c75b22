package virtio

import (
	"github.com/pkg/errors"

	"github.com/algebnaly/tos/mmio"
)

// Descriptor flags.
const (
	DescNext     = 1 << 0
	DescWrite    = 1 << 1
	DescIndirect = 1 << 2
)

// Ring alignment of a split virtqueue.
const (
	descAlign  = 16
	availAlign = 2
	usedAlign  = 4

	descSize     = 16
	usedElemSize = 8
)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Queue is the memory of a split virtqueue: the descriptor table, the
// driver (available) ring and the device (used) ring.
type Queue struct {
	Index uint16
	Size  uint16

	Desc  mmio.Buffer
	Avail mmio.Buffer
	Used  mmio.Buffer
}

// RingSizes returns the bytes each part of a queue of size entries needs,
// including the event index fields.
func RingSizes(size uint16) (desc, avail, used uint64) {
	n := uint64(size)
	return descSize * n, 6 + 2*n, 6 + usedElemSize*n
}

// AllocQueue allocates zeroed rings for queue index.
func AllocQueue(a mmio.Allocator, index, size uint16) (*Queue, error) {
	if size == 0 {
		return nil, errors.Errorf("virtio: queue %d has no entries", index)
	}
	d, av, u := RingSizes(size)
	q := &Queue{Index: index, Size: size}
	var err error
	if q.Desc, err = a.Alloc(d, descAlign); err != nil {
		return nil, errors.Wrapf(err, "virtio: queue %d descriptors", index)
	}
	if q.Avail, err = a.Alloc(av, availAlign); err != nil {
		return nil, errors.Wrapf(err, "virtio: queue %d driver ring", index)
	}
	if q.Used, err = a.Alloc(u, usedAlign); err != nil {
		return nil, errors.Wrapf(err, "virtio: queue %d device ring", index)
	}
	return q, nil
}

// Rings returns the addresses to program into the common configuration.
func (q *Queue) Rings() Rings {
	return Rings{Desc: q.Desc.Phys, Driver: q.Avail.Phys, Device: q.Used.Phys}
}

// SetDescriptor fills descriptor i.
func (q *Queue) SetDescriptor(i uint16, d Descriptor) {
	off := uint64(i%q.Size) * descSize
	q.Desc.Mem.Write64(off, d.Addr)
	q.Desc.Mem.Write32(off+8, d.Len)
	q.Desc.Mem.Write16(off+12, d.Flags)
	q.Desc.Mem.Write16(off+14, d.Next)
}

// Descriptor reads descriptor i back.
func (q *Queue) Descriptor(i uint16) Descriptor {
	off := uint64(i%q.Size) * descSize
	return Descriptor{
		Addr:  q.Desc.Mem.Read64(off),
		Len:   q.Desc.Mem.Read32(off + 8),
		Flags: q.Desc.Mem.Read16(off + 12),
		Next:  q.Desc.Mem.Read16(off + 14),
	}
}

// Submit makes the chain starting at head available to the device. The
// caller still has to notify the device.
func (q *Queue) Submit(head uint16) {
	idx := q.Avail.Mem.Read16(2)
	q.Avail.Mem.Write16(4+2*uint64(idx%q.Size), head)
	q.Avail.Mem.Write16(2, idx+1)
}

// AvailIdx is the driver ring index.
func (q *Queue) AvailIdx() uint16 { return q.Avail.Mem.Read16(2) }

// UsedIdx is the device ring index.
func (q *Queue) UsedIdx() uint16 { return q.Used.Mem.Read16(2) }

// UsedElem returns entry i of the device ring: the chain head and the
// bytes the device wrote.
func (q *Queue) UsedElem(i uint16) (id, length uint32) {
	off := 4 + uint64(i%q.Size)*usedElemSize
	return q.Used.Mem.Read32(off), q.Used.Mem.Read32(off + 4)
}
