package virtio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algebnaly/tos/mmio"
	"github.com/algebnaly/tos/pci"
	"github.com/algebnaly/tos/sim"
)

func TestRingSizes(t *testing.T) {
	for _, tc := range []struct {
		size              uint16
		desc, avail, used uint64
	}{
		{1, 16, 8, 14},
		{8, 128, 22, 70},
		{256, 4096, 518, 2054},
	} {
		d, a, u := RingSizes(tc.size)
		assert.Equal(t, tc.desc, d, "size %d", tc.size)
		assert.Equal(t, tc.avail, a, "size %d", tc.size)
		assert.Equal(t, tc.used, u, "size %d", tc.size)
	}
}

func arena(size int) *mmio.Arena {
	return mmio.NewArena(mmio.Buffer{Phys: 0x8000_0000, Mem: mmio.NewMemory(size)})
}

func TestAllocQueue(t *testing.T) {
	q, err := AllocQueue(arena(0x4000), 2, 8)
	require.NoError(t, err)

	assert.Equal(t, uint16(2), q.Index)
	assert.Zero(t, q.Desc.Phys%descAlign)
	assert.Zero(t, q.Avail.Phys%availAlign)
	assert.Zero(t, q.Used.Phys%usedAlign)
	assert.Len(t, q.Desc.Mem, 128)
	assert.Equal(t, Rings{Desc: q.Desc.Phys, Driver: q.Avail.Phys, Device: q.Used.Phys}, q.Rings())

	_, err = AllocQueue(arena(0x4000), 0, 0)
	assert.Error(t, err)

	_, err = AllocQueue(arena(64), 0, 8)
	assert.Error(t, err)
}

func TestQueueSubmit(t *testing.T) {
	q, err := AllocQueue(arena(0x4000), 0, 4)
	require.NoError(t, err)

	want := Descriptor{Addr: 0x8000_9000, Len: 64, Flags: DescWrite | DescNext, Next: 1}
	q.SetDescriptor(0, want)
	assert.Equal(t, want, q.Descriptor(0))
	assert.Equal(t, want, q.Descriptor(4), "index wraps at the queue size")

	for i := 0; i < 5; i++ {
		q.Submit(uint16(i))
	}
	assert.Equal(t, uint16(5), q.AvailIdx())
	// Entry 0 was overwritten by the fifth submission.
	assert.Equal(t, uint16(4), q.Avail.Mem.Read16(4))
	assert.Equal(t, uint16(3), q.Avail.Mem.Read16(4+2*3))

	q.Used.Mem.Write32(4+8*1, 7)
	q.Used.Mem.Write32(4+8*1+4, 512)
	q.Used.Mem.Write16(2, 2)
	assert.Equal(t, uint16(2), q.UsedIdx())
	id, n := q.UsedElem(1)
	assert.Equal(t, uint32(7), id)
	assert.Equal(t, uint32(512), n)
}

func TestInitAllocatesRings(t *testing.T) {
	v, bus := machine(t, sim.DefaultSlots()...)
	w := pci.NewWindows(windowBase, 0x100_0000)
	p := InitPolicy{
		Policy:  Policy{Features: FeatureVersion1},
		Message: &pci.Message{Address: 0x2800_0000, Data: 1},
		Alloc:   v,
	}

	for i, slot := range sim.DefaultSlots() {
		f, ok := bus.Probe(pci.Address{Device: slot.Device, Function: slot.Function})
		require.True(t, ok)
		d, err := Init(f, w, v, p)
		require.NoError(t, err)
		require.Len(t, d.Rings, d.Queues)

		dev := v.Devices[i]
		for qi, q := range d.Rings {
			state := dev.Queue(qi)
			assert.Equal(t, uint16(qi), q.Index)
			assert.Equal(t, state.Size, q.Size)
			assert.Equal(t, q.Desc.Phys, state.Desc)
			assert.Equal(t, q.Avail.Phys, state.Driver)
			assert.Equal(t, q.Used.Phys, state.Device)
			assert.Equal(t, uint16(1), state.Enable)
		}
	}
}

func TestInitRingExhaustion(t *testing.T) {
	v, bus := machine(t, entropy(sim.VirtioConfig{Features: FeatureVersion1}))
	f, _ := bus.Probe(pci.Address{Device: 1})

	_, err := Init(f, pci.NewWindows(windowBase, 0x10_0000), v, InitPolicy{
		Policy: Policy{Features: FeatureVersion1},
		Alloc:  arena(64),
	})
	require.Error(t, err)
	assert.Equal(t, uint8(StatusFailed), v.Devices[0].Status()&uint8(StatusFailed))
}
