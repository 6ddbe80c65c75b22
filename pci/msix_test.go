package pci

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/sim"
)

func TestReadMSIX(t *testing.T) {
	_, bus := newTestMachine(t, sim.DefaultSlots())
	f, _ := bus.Probe(Address{Device: 2})

	x, ok, err := ReadMSIX(f)
	require.NoError(t, err)
	require.True(t, ok)

	assert := assert.New(t)
	assert.Equal(5, x.TableSize)
	assert.Equal(1, x.TableBAR)
	assert.Equal(uint32(0), x.TableOffset)
	assert.Equal(1, x.PBABAR)
	assert.Equal(uint32(0x800), x.PBAOffset)
}

func TestEnableMSIX(t *testing.T) {
	for _, vectors := range []int{1, 2, 5, 64} {
		slots := []sim.Slot{{Device: 1, Virtio: sim.VirtioConfig{Type: sim.VirtioEntropy, NumQueues: 1, MSIXVectors: vectors}}}
		v, bus := newTestMachine(t, slots)
		f, _ := bus.Probe(Address{Device: 1})
		w := NewWindows(0x4001_0000, 0x10_0000)
		msg := Message{Address: 0x2800_0000, Data: 7}

		x, err := EnableMSIX(f, w, v, msg)
		require.NoError(t, err)
		assert.Equal(t, vectors, x.TableSize)
		assert.Equal(t, uint64(0x4001_0000), x.TablePhys)
		assert.Equal(t, uint64(0x4001_0800), x.PBAPhys)

		dev := v.Devices[0]
		writes := dev.MSIXWrites()
		require.NotEmpty(t, writes)

		last := writes[len(writes)-1]
		assert.Equal(t, -1, last.Entry, "enable is the final write")
		assert.True(t, last.Enabled)

		entries := map[int]bool{}
		for _, wr := range writes[:len(writes)-1] {
			require.NotEqual(t, -1, wr.Entry, "no message control write before the table is done")
			entries[wr.Entry] = true
		}
		assert.Len(t, entries, vectors)

		for i := 0; i < vectors; i++ {
			addr, data, ctrl := dev.MSIXEntry(i)
			assert.Equal(t, msg.Address, addr)
			assert.Equal(t, msg.Data, data)
			assert.Zero(t, ctrl, "entry unmasked")
		}
	}
}

func TestEnableMSIXSplitPBA(t *testing.T) {
	slots := []sim.Slot{{Device: 1, Virtio: sim.VirtioConfig{Type: sim.VirtioSound, NumQueues: 4, MSIXVectors: 5, SplitPBA: true}}}
	v, bus := newTestMachine(t, slots)
	f, _ := bus.Probe(Address{Device: 1})
	w := NewWindows(0x4001_0000, 0x10_0000)

	_, err := EnableMSIX(f, w, v, Message{Address: 0x2800_0000})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kernel.ErrUnsupportedLayout))
	assert.Empty(t, v.Devices[0].MSIXWrites())

	_, placed := w.Placed(f, 1)
	assert.False(t, placed, "no BAR moved")
}

func TestEnableMSIXAbsent(t *testing.T) {
	slots := []sim.Slot{{Device: 1, Virtio: sim.VirtioConfig{Type: sim.VirtioEntropy, NumQueues: 1}}}
	v, bus := newTestMachine(t, slots)
	f, _ := bus.Probe(Address{Device: 1})

	_, err := EnableMSIX(f, NewWindows(0x4001_0000, 0x10_0000), v, Message{})
	assert.True(t, errors.Is(err, kernel.ErrDeviceAbsent))
}
