package ramfb

import (
	"image"
	"image/color"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algebnaly/tos/fwcfg"
	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/mmio"
	"github.com/algebnaly/tos/sim"
)

func TestConfigMarshal(t *testing.T) {
	c := Config{Addr: 0x1000, FourCC: FourCCARGB8888, Flags: 0, Width: 1280, Height: 720, Stride: 5120}
	b, err := c.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, // addr
		0x34, 0x32, 0x52, 0x41, // "AR24" as a big-endian word
		0x00, 0x00, 0x00, 0x00, // flags
		0x00, 0x00, 0x05, 0x00, // width
		0x00, 0x00, 0x02, 0xd0, // height
		0x00, 0x00, 0x14, 0x00, // stride
	}, b)

	var back Config
	require.NoError(t, back.UnmarshalBinary(b))
	assert.Equal(t, c, back)
	assert.Error(t, back.UnmarshalBinary(b[:20]))
}

func TestFourCC(t *testing.T) {
	assert.Equal(t, uint32(0x34325241), FourCCARGB8888)
	assert.Equal(t, uint32(0x34325258), FourCCXRGB8888)
}

func newSurface(t *testing.T, a mmio.Allocator, w, h int) *Surface {
	t.Helper()
	buf, err := a.Alloc(uint64(w*h*BytesPerPixel), 4096)
	require.NoError(t, err)
	s, err := NewSurface(buf, w, h)
	require.NoError(t, err)
	return s
}

func fwcfgOn(t *testing.T, m *sim.Machine) *fwcfg.Device {
	t.Helper()
	r, err := m.Map(m.Config().FWCfgBase, fwcfg.RegionSize)
	require.NoError(t, err)
	d := fwcfg.New(r, m, fwcfg.Options{})
	require.NoError(t, d.Probe())
	return d
}

func TestSetup(t *testing.T) {
	ready.Store(false)
	v, err := sim.NewVirt(sim.DefaultConfig(), nil)
	require.NoError(t, err)
	s := newSurface(t, v, Width, Height)

	require.NoError(t, Setup(fwcfgOn(t, v.Machine), s))
	assert.True(t, Ready())

	c, ok := v.RAMFB.Config()
	require.True(t, ok)
	assert.Equal(t, s.Phys, c.Addr)
	assert.Equal(t, FourCCARGB8888, c.FourCC)
	assert.Equal(t, uint32(Width), c.Width)
	assert.Equal(t, uint32(Height), c.Height)
	assert.Equal(t, uint32(Stride), c.Stride)

	s.Clear(0x00ff0000)
	im, ok := v.RAMFB.Image()
	require.True(t, ok)
	assert.Equal(t, color.RGBA{R: 0xff, A: 0xff}, im.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 0xff, A: 0xff}, im.RGBAAt(Width-1, Height-1))
}

func TestSetupMissingFile(t *testing.T) {
	ready.Store(false)
	m := sim.New(sim.DefaultConfig())
	s := newSurface(t, m, 64, 32)

	err := Setup(fwcfgOn(t, m), s)
	require.Error(t, err)
	assert.Equal(t, kernel.KindDeviceAbsent, kernel.KindOf(err))
	assert.False(t, Ready())
}

func TestSetupDMAError(t *testing.T) {
	ready.Store(false)
	m := sim.New(sim.DefaultConfig())
	m.FWCfg().AddWritableFile(FileName, make([]byte, ConfigSize), func([]byte) error {
		return errors.New("display unplugged")
	})
	s := newSurface(t, m, 64, 32)

	err := Setup(fwcfgOn(t, m), s)
	require.Error(t, err)
	assert.Equal(t, kernel.KindDMATransfer, kernel.KindOf(err))
	assert.False(t, Ready())
}

func TestSetupShortFile(t *testing.T) {
	ready.Store(false)
	m := sim.New(sim.DefaultConfig())
	m.FWCfg().AddWritableFile(FileName, make([]byte, 24), nil)
	s := newSurface(t, m, 64, 32)

	err := Setup(fwcfgOn(t, m), s)
	assert.Equal(t, kernel.KindUnsupportedLayout, kernel.KindOf(err))
	assert.False(t, Ready())
}

func TestClear(t *testing.T) {
	mem := mmio.NewMemory(16 * 8 * BytesPerPixel)
	s, err := NewSurface(mmio.Buffer{Phys: 0x8000_0000, Mem: mem}, 16, 8)
	require.NoError(t, err)

	s.Clear(0xf0ffff00)
	for i := 0; i < len(mem); i += 4 {
		require.Equal(t, []byte{0x00, 0xff, 0xff, 0xf0}, []byte(mem[i:i+4]), "offset %d", i)
	}
	assert.Equal(t, uint32(0xf0ffff00), s.Pixel(15, 7))
}

func TestNewSurfaceTooSmall(t *testing.T) {
	_, err := NewSurface(mmio.Buffer{Mem: mmio.NewMemory(100)}, 16, 8)
	assert.Error(t, err)
	_, err = NewSurface(mmio.Buffer{Mem: mmio.NewMemory(100)}, 0, 8)
	assert.Error(t, err)
}

func TestStaticSurface(t *testing.T) {
	s := StaticSurface()
	assert.Same(t, s, StaticSurface())
	assert.Equal(t, Width, s.Width)
	assert.Equal(t, Height, s.Height)
	assert.Equal(t, Stride, s.Stride)
	assert.Len(t, s.Pix, Stride*Height)
	assert.NotZero(t, s.Phys)
}

func TestSplash(t *testing.T) {
	s := newSurface(t, sim.New(sim.DefaultConfig()), 320, 200)
	s.Splash(DefaultScheme, []Line{{Text: "tos booting"}, {Text: "pci: 3 functions", Color: Cyan}})

	assert.Equal(t, DefaultScheme.Background, s.Pixel(0, 0)&0xffffff)
	assert.Equal(t, DefaultScheme.Background, s.Pixel(319, 199)&0xffffff)

	// Ring of the logo.
	cx := 320 - splashMargin - splashLogoRadius
	cy := splashMargin + splashLogoRadius
	assert.Equal(t, DefaultScheme.Accent, s.Pixel(cx, cy-splashLogoRadius*3/4)&0xffffff)
	assert.Equal(t, DefaultScheme.Background, s.Pixel(cx, cy)&0xffffff)

	// Some text pixels landed in the first line.
	var text int
	for y := splashMargin; y < splashMargin+splashLineHeight+4; y++ {
		for x := splashMargin; x < 120; x++ {
			if s.Pixel(x, y)&0xffffff != DefaultScheme.Background {
				text++
			}
		}
	}
	assert.NotZero(t, text)
}

func TestDrawImage(t *testing.T) {
	s := newSurface(t, sim.New(sim.DefaultConfig()), 32, 16)
	s.Clear(Black)

	im := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(im.Pix); i += 4 {
		copy(im.Pix[i:], []byte{0x00, 0x00, 0xff, 0xff})
	}
	s.DrawImageCentered(im)

	assert.Equal(t, uint32(0xff0000ff), s.Pixel(14, 6))
	assert.Equal(t, uint32(0xff0000ff), s.Pixel(17, 9))
	assert.Equal(t, Black, s.Pixel(13, 6)&0xffffff)
}

func TestImageBlob(t *testing.T) {
	im := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	im.SetNRGBA(0, 0, color.NRGBA{R: 0x11, G: 0x22, B: 0x33, A: 0xff})
	im.SetNRGBA(2, 1, color.NRGBA{R: 0xaa, G: 0xbb, B: 0xcc, A: 0x80})

	blob := EncodeImage(im)
	require.Len(t, blob, 8+3*2*4)
	assert.Equal(t, []byte{3, 0, 0, 0, 2, 0, 0, 0}, blob[:8])
	assert.Equal(t, []byte{0x33, 0x22, 0x11, 0xff}, blob[8:12])

	back, err := DecodeImage(blob)
	require.NoError(t, err)
	assert.Equal(t, im.Pix, back.Pix)

	_, err = DecodeImage(blob[:10])
	assert.Error(t, err)
	_, err = DecodeImage([]byte{1})
	assert.Error(t, err)
}
