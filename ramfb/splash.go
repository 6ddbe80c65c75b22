package ramfb

import (
	"image"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

const (
	splashMargin     = 24
	splashLineHeight = 18
	splashLogoRadius = 48
)

// Line is one row of splash text.
type Line struct {
	Text  string
	Color uint32
}

// Splash draws the boot banner: background, a logo disc in the top right
// corner and lines of text from the top left. It renders into an RGBA back
// buffer and flushes it to the surface.
func (s *Surface) Splash(scheme Scheme, lines []Line) {
	dc := gg.NewContext(s.Width, s.Height)
	dc.SetColor(RGBA(scheme.Background))
	dc.Clear()

	cx := float64(s.Width - splashMargin - splashLogoRadius)
	cy := float64(splashMargin + splashLogoRadius)
	dc.SetColor(RGBA(scheme.Accent))
	dc.DrawCircle(cx, cy, splashLogoRadius)
	dc.Fill()
	dc.SetColor(RGBA(scheme.Background))
	dc.DrawCircle(cx, cy, splashLogoRadius/2)
	dc.Fill()

	dc.SetFontFace(basicfont.Face7x13)
	for i, l := range lines {
		c := l.Color
		if c == 0 {
			c = scheme.Text
		}
		dc.SetColor(RGBA(c))
		dc.DrawString(l.Text, splashMargin, float64(splashMargin+(i+1)*splashLineHeight))
	}
	s.flushContext(dc)
}

// DrawImage composites im onto the surface with its top left corner at
// (x, y), blending by im's alpha.
func (s *Surface) DrawImage(im image.Image, x, y int) {
	dc := gg.NewContextForRGBA(s.Image())
	dc.DrawImage(im, x, y)
	s.flushContext(dc)
}

// DrawImageCentered composites im in the middle of the surface.
func (s *Surface) DrawImageCentered(im image.Image) {
	b := im.Bounds()
	s.DrawImage(im, (s.Width-b.Dx())/2, (s.Height-b.Dy())/2)
}

func (s *Surface) flushContext(dc *gg.Context) {
	if im, ok := dc.Image().(*image.RGBA); ok {
		s.Flush(im)
	}
}
