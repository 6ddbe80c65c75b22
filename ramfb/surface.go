package ramfb

import (
	"image"
	"image/color"
	"sync"

	"github.com/pkg/errors"

	"github.com/algebnaly/tos/mmio"
)

// Surface is a framebuffer in memory the display can scan out. Pixels are
// 32-bit words, 0xAARRGGBB, stored little-endian.
type Surface struct {
	Phys   uint64
	Pix    mmio.Memory
	Width  int
	Height int
	Stride int
}

var (
	staticPix     [Stride * Height]byte
	staticSurface *Surface
	staticOnce    sync.Once
)

// StaticSurface returns the statically reserved framebuffer.
func StaticSurface() *Surface {
	staticOnce.Do(func() {
		staticSurface = &Surface{
			Phys:   mmio.PhysOf(&staticPix[0]),
			Pix:    staticPix[:],
			Width:  Width,
			Height: Height,
			Stride: Stride,
		}
	})
	return staticSurface
}

// NewSurface wraps DMA memory as a width x height surface without row
// padding.
func NewSurface(buf mmio.Buffer, width, height int) (*Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("ramfb: bad mode %dx%d", width, height)
	}
	stride := width * BytesPerPixel
	if len(buf.Mem) < stride*height {
		return nil, errors.Errorf("ramfb: %d bytes cannot hold %dx%d", len(buf.Mem), width, height)
	}
	return &Surface{Phys: buf.Phys, Pix: buf.Mem, Width: width, Height: height, Stride: stride}, nil
}

// Config is the descriptor that points the display at s.
func (s *Surface) Config() Config {
	return Config{
		Addr:   s.Phys,
		FourCC: FourCCARGB8888,
		Width:  uint32(s.Width),
		Height: uint32(s.Height),
		Stride: uint32(s.Stride),
	}
}

// Clear fills every pixel with c. It works whether or not the display has
// been set up.
func (s *Surface) Clear(c uint32) {
	for y := 0; y < s.Height; y++ {
		row := uint64(y * s.Stride)
		for x := 0; x < s.Width; x++ {
			s.Pix.Write32(row+uint64(x*BytesPerPixel), c)
		}
	}
}

// Pixel returns the pixel at (x, y).
func (s *Surface) Pixel(x, y int) uint32 {
	return s.Pix.Read32(uint64(y*s.Stride + x*BytesPerPixel))
}

// SetPixel writes one pixel; out of range coordinates are ignored.
func (s *Surface) SetPixel(x, y int, c uint32) {
	if x < 0 || y < 0 || x >= s.Width || y >= s.Height {
		return
	}
	s.Pix.Write32(uint64(y*s.Stride+x*BytesPerPixel), c)
}

// Image copies the surface into an RGBA image. Alpha is forced opaque, as
// the display ignores it.
func (s *Surface) Image() *image.RGBA {
	im := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for y := 0; y < s.Height; y++ {
		dst := im.Pix[y*im.Stride:]
		src := s.Pix[y*s.Stride:]
		for x := 0; x < s.Width; x++ {
			si, di := x*BytesPerPixel, x*4
			// B, G, R, X in memory.
			dst[di+0] = src[si+2]
			dst[di+1] = src[si+1]
			dst[di+2] = src[si+0]
			dst[di+3] = 0xff
		}
	}
	return im
}

// Flush copies an RGBA back buffer onto the surface, clipped to both.
func (s *Surface) Flush(im *image.RGBA) {
	b := im.Bounds()
	width, height := b.Dx(), b.Dy()
	if width > s.Width {
		width = s.Width
	}
	if height > s.Height {
		height = s.Height
	}
	for y := 0; y < height; y++ {
		src := im.Pix[y*im.Stride:]
		dst := s.Pix[y*s.Stride:]
		for x := 0; x < width; x++ {
			si, di := x*4, x*BytesPerPixel
			dst[di+0] = src[si+2]
			dst[di+1] = src[si+1]
			dst[di+2] = src[si+0]
			dst[di+3] = 0xff
		}
	}
}

// RGBA converts a surface pixel value to a color.
func RGBA(c uint32) color.RGBA {
	return color.RGBA{R: uint8(c >> 16), G: uint8(c >> 8), B: uint8(c), A: 0xff}
}
