package pci

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/sim"
)

func TestDecodeBAR(t *testing.T) {
	_, bus := newTestMachine(t, sim.DefaultSlots())
	f, ok := bus.Probe(Address{Device: 1})
	require.True(t, ok)

	tests := []struct {
		index        int
		kind         BARKind
		prefetchable bool
		size         uint64
	}{
		{index: 1, kind: BARMemory32, size: 0x1000},
		{index: 4, kind: BARMemory64, prefetchable: true, size: 0x4000},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			bar, err := f.DecodeBAR(tt.index)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, bar.Kind)
			assert.Equal(t, tt.prefetchable, bar.Prefetchable)
			assert.Zero(t, bar.Base)

			size, err := f.BARSize(tt.index)
			require.NoError(t, err)
			assert.Equal(t, tt.size, size)

			bar, err = f.DecodeBAR(tt.index)
			require.NoError(t, err)
			assert.Zero(t, bar.Base, "probing restores the BAR")
		})
	}

	size, err := f.BARSize(0)
	require.NoError(t, err)
	assert.Zero(t, size, "BAR0 is not implemented")

	_, err = f.DecodeBAR(6)
	assert.Error(t, err)
}

func TestSetBAR(t *testing.T) {
	v, bus := newTestMachine(t, sim.DefaultSlots())
	f, ok := bus.Probe(Address{Device: 1})
	require.True(t, ok)

	require.NoError(t, f.SetBAR(4, 0x1_4002_0000))
	assert.Equal(t, uint64(0x1_4002_0000), v.Devices[0].BARBase(4))
	assert.Equal(t, uint32(0x4002_000c), f.ReadBAR(4))
	assert.Equal(t, uint32(1), f.ReadBAR(5))

	err := f.SetBAR(1, 0x1_0000_0000)
	assert.True(t, errors.Is(err, kernel.ErrUnsupportedLayout))
}

func TestWindowsPlace(t *testing.T) {
	v, bus := newTestMachine(t, sim.DefaultSlots())
	entropy, _ := bus.Probe(Address{Device: 1})
	sound, _ := bus.Probe(Address{Device: 2})
	w := NewWindows(0x4001_0000, 0x10_0000)

	assert := assert.New(t)

	p1, err := w.Place(entropy, 1)
	require.NoError(t, err)
	assert.Equal(uint64(0x4001_0000), p1)

	p2, err := w.Place(entropy, 4)
	require.NoError(t, err)
	assert.Equal(uint64(0x4001_4000), p2, "aligned to the BAR size")
	assert.Equal(p2, v.Devices[0].BARBase(4))

	again, err := w.Place(entropy, 4)
	require.NoError(t, err)
	assert.Equal(p2, again, "placing twice keeps the window")

	p3, err := w.Place(sound, 1)
	require.NoError(t, err)
	assert.Equal(uint64(0x4001_8000), p3)

	got, ok := w.Placed(sound, 1)
	assert.True(ok)
	assert.Equal(p3, got)

	_, err = w.Place(sound, 0)
	assert.True(errors.Is(err, kernel.ErrDeviceAbsent))
}

func TestWindowsExhausted(t *testing.T) {
	_, bus := newTestMachine(t, sim.DefaultSlots())
	f, _ := bus.Probe(Address{Device: 1})

	w := NewWindows(0x4000_0000, 0x2000)
	_, err := w.Place(f, 4)
	assert.True(t, errors.Is(err, kernel.ErrUnsupportedLayout))
}
