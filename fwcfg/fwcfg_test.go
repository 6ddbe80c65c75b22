package fwcfg

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/mmio"
	"github.com/algebnaly/tos/sim"
)

func newDevice(t *testing.T, opts Options) (*sim.Machine, *Device) {
	t.Helper()
	m := sim.New(sim.DefaultConfig())
	r, err := m.Map(m.Config().FWCfgBase, RegionSize)
	require.NoError(t, err)
	return m, New(r, m, opts)
}

func addFiles(m *sim.Machine, k int) []string {
	names := make([]string, k)
	for i := range names {
		names[i] = fmt.Sprintf("opt/org.test/file%d", i)
		m.FWCfg().AddFile(names[i], make([]byte, 10+i))
	}
	return names
}

func TestProbe(t *testing.T) {
	m, d := newDevice(t, Options{})
	require.NoError(t, d.Probe())
	assert.Equal(t, uint32(FeatureTraditional|FeatureDMA), d.Features())
	assert.True(t, d.SupportsDMA())

	// Bit 0 alone is the traditional interface, not DMA.
	m.FWCfg().SetDMA(false)
	require.NoError(t, d.Probe())
	assert.Equal(t, uint32(FeatureTraditional), d.Features())
	assert.False(t, d.SupportsDMA())

	err := d.ReadItem(KeySignature, make([]byte, 4))
	assert.Equal(t, kernel.KindDeviceAbsent, kernel.KindOf(err))
	assert.Zero(t, m.FWCfg().DMACount())
}

func TestProbeBadSignature(t *testing.T) {
	m, d := newDevice(t, Options{})
	m.FWCfg().SetSignature("BOOT")

	err := d.Probe()
	require.Error(t, err)
	assert.Equal(t, kernel.KindDeviceAbsent, kernel.KindOf(err))
}

func TestFindFile(t *testing.T) {
	const k = 6
	m, d := newDevice(t, Options{})
	names := addFiles(m, k)

	for i, name := range names {
		t.Run(name, func(t *testing.T) {
			f, ok, err := d.FindFile(name)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, name, f.Name)
			assert.Equal(t, uint32(10+i), f.Size)
			assert.Equal(t, uint16(KeyFileFirst+i), f.Select)
			assert.Equal(t, 4+(i+1)*DirEntrySize, m.FWCfg().BytesRead(), "entries read")
		})
	}

	_, ok, err := d.FindFile("opt/org.test/missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 4+k*DirEntrySize, m.FWCfg().BytesRead())
}

func TestFindFileEmptyDirectory(t *testing.T) {
	m, d := newDevice(t, Options{})
	_, ok, err := d.FindFile("etc/ramfb")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 4, m.FWCfg().BytesRead())
}

func TestFindFileMalformedDirectory(t *testing.T) {
	m, d := newDevice(t, Options{MaxFiles: 16})
	addFiles(m, 2)
	m.FWCfg().OverrideDirectoryCount(17)

	_, _, err := d.FindFile("opt/org.test/file1")
	require.Error(t, err)
	assert.Equal(t, kernel.KindMalformedDirectory, kernel.KindOf(err))

	_, err = d.Files()
	assert.Equal(t, kernel.KindMalformedDirectory, kernel.KindOf(err))
}

func TestFiles(t *testing.T) {
	m, d := newDevice(t, Options{})
	names := addFiles(m, 3)

	files, err := d.Files()
	require.NoError(t, err)
	require.Len(t, files, 3)
	for i, f := range files {
		assert.Equal(t, names[i], f.Name)
	}
	assert.Equal(t, "0x0020       10 opt/org.test/file0", files[0].String())
}

func TestDMARoundTrip(t *testing.T) {
	for _, tc := range []struct {
		length int
		bounce int
	}{
		{1, 0},
		{16, 0},
		{28, 0},
		{4096, 0},
		{4096, 1000},
		{333, 64},
	} {
		t.Run(fmt.Sprintf("%d/%d", tc.length, tc.bounce), func(t *testing.T) {
			m, d := newDevice(t, Options{BounceSize: tc.bounce})
			var writes int
			sel := m.FWCfg().AddWritableFile("opt/org.test/scratch", make([]byte, 4096), func([]byte) error {
				writes++
				return nil
			})
			require.NoError(t, d.Probe())

			data := make([]byte, tc.length)
			for i := range data {
				data[i] = byte(i*7 + 1)
			}
			require.NoError(t, d.WriteItem(sel, data))
			assert.NotZero(t, writes)

			got := make([]byte, tc.length)
			require.NoError(t, d.ReadItem(sel, got))
			assert.True(t, bytes.Equal(data, got))

			stored, _ := m.FWCfg().File("opt/org.test/scratch")
			assert.Equal(t, data, stored[:tc.length])
		})
	}
}

func TestDMATimeout(t *testing.T) {
	m, d := newDevice(t, Options{PollBudget: 5})
	sel := m.FWCfg().AddWritableFile("opt/org.test/scratch", make([]byte, 16), nil)
	m.FWCfg().StallDMA(true)

	err := d.WriteItem(sel, []byte("stalled"))
	require.Error(t, err)
	assert.Equal(t, kernel.KindTimeout, kernel.KindOf(err))
	assert.NotEqual(t, kernel.KindDMATransfer, kernel.KindOf(err))
	assert.Equal(t, 1, m.FWCfg().DMACount())
}

// failingAlloc counts allocations and fails the one numbered failAt.
type failingAlloc struct {
	m      *sim.Machine
	calls  int
	failAt int
}

func (a *failingAlloc) Alloc(size, align uint64) (mmio.Buffer, error) {
	a.calls++
	if a.calls == a.failAt {
		return mmio.Buffer{}, errors.New("out of DMA memory")
	}
	return a.m.Alloc(size, align)
}

func TestDMABuffersRetry(t *testing.T) {
	m := sim.New(sim.DefaultConfig())
	r, err := m.Map(m.Config().FWCfgBase, RegionSize)
	require.NoError(t, err)
	a := &failingAlloc{m: m, failAt: 2}
	d := New(r, a, Options{})

	buf := make([]byte, 4)
	require.Error(t, d.ReadItem(KeySignature, buf))
	assert.Equal(t, 2, a.calls)

	require.NoError(t, d.ReadItem(KeySignature, buf))
	assert.Equal(t, Signature, string(buf))
	assert.Equal(t, 3, a.calls, "the descriptor is allocated once")

	require.NoError(t, d.ReadItem(KeySignature, buf))
	assert.Equal(t, 3, a.calls)
}

func TestDMAError(t *testing.T) {
	m, d := newDevice(t, Options{})
	sel := m.FWCfg().AddFile("opt/org.test/readonly", make([]byte, 16))

	err := d.WriteItem(sel, []byte("nope"))
	require.Error(t, err)
	assert.Equal(t, kernel.KindDMATransfer, kernel.KindOf(err))

	// Past the end of a writable file.
	sel = m.FWCfg().AddWritableFile("opt/org.test/small", make([]byte, 4), nil)
	err = d.WriteItem(sel, []byte("too long"))
	assert.Equal(t, kernel.KindDMATransfer, kernel.KindOf(err))
}

func TestSkip(t *testing.T) {
	m, d := newDevice(t, Options{})
	sel := m.FWCfg().AddFile("opt/org.test/data", []byte("abcdefgh"))

	head := make([]byte, 2)
	require.NoError(t, d.ReadItem(sel, head))
	assert.Equal(t, "ab", string(head))
	require.NoError(t, d.Skip(2))

	// The data port continues where DMA left off.
	tail := make([]byte, 4)
	_, err := d.Read(tail)
	require.NoError(t, err)
	assert.Equal(t, "efgh", string(tail))
}

func TestWriteFile(t *testing.T) {
	m, d := newDevice(t, Options{})
	m.FWCfg().AddWritableFile("opt/org.test/cfg", make([]byte, 8), nil)

	require.NoError(t, d.WriteFile("opt/org.test/cfg", []byte{1, 2, 3}))
	stored, _ := m.FWCfg().File("opt/org.test/cfg")
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, stored)

	err := d.WriteFile("opt/org.test/missing", nil)
	assert.Equal(t, kernel.KindDeviceAbsent, kernel.KindOf(err))

	err = d.WriteFile("opt/org.test/cfg", make([]byte, 9))
	assert.Equal(t, kernel.KindUnsupportedLayout, kernel.KindOf(err))
}

func TestDMAControl(t *testing.T) {
	assert.Equal(t, uint32(0x0019000a), controlRead.selecting(KeyFileDir).Pack())
	assert.Equal(t, uint32(0x00210018), controlWrite.selecting(0x21).Pack())
	assert.Equal(t, uint32(0x4), controlSkip.Pack())
}

func TestConcurrentLookups(t *testing.T) {
	m, d := newDevice(t, Options{})
	names := addFiles(m, 8)

	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, ok, err := d.FindFile(names[i])
			switch {
			case err != nil:
				errs[i] = err
			case !ok || f.Select != uint16(KeyFileFirst+i):
				errs[i] = fmt.Errorf("%s: got %v %v", names[i], f, ok)
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}
