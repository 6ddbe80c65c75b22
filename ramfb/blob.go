package ramfb

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// Image blobs are what the kernel embeds for the boot screen: width and
// height as little-endian uint32, then width*height ARGB8888 pixels, also
// little-endian, row-major.
const blobHeader = 8

// EncodeImage converts im to a blob.
func EncodeImage(im image.Image) []byte {
	b := im.Bounds()
	var buf bytes.Buffer
	buf.Grow(blobHeader + b.Dx()*b.Dy()*4)

	binary.Write(&buf, binary.LittleEndian, uint32(b.Dx()))
	binary.Write(&buf, binary.LittleEndian, uint32(b.Dy()))

	var px [4]byte
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(im.At(x, y)).(color.NRGBA)
			binary.LittleEndian.PutUint32(px[:], uint32(c.A)<<24|uint32(c.R)<<16|uint32(c.G)<<8|uint32(c.B))
			buf.Write(px[:])
		}
	}
	return buf.Bytes()
}

// DecodeImage parses a blob.
func DecodeImage(blob []byte) (*image.NRGBA, error) {
	if len(blob) < blobHeader {
		return nil, errors.Errorf("ramfb: image blob is %d bytes", len(blob))
	}
	w := binary.LittleEndian.Uint32(blob[0:])
	h := binary.LittleEndian.Uint32(blob[4:])
	if w > 1<<14 || h > 1<<14 {
		return nil, errors.Errorf("ramfb: image blob claims %dx%d", w, h)
	}
	want := blobHeader + int(w)*int(h)*4
	if len(blob) < want {
		return nil, errors.Errorf("ramfb: image blob is %d bytes, %dx%d needs %d", len(blob), w, h, want)
	}

	im := image.NewNRGBA(image.Rect(0, 0, int(w), int(h)))
	px := blob[blobHeader:]
	for i := 0; i < int(w)*int(h); i++ {
		p := binary.LittleEndian.Uint32(px[i*4:])
		o := i * 4
		im.Pix[o+0] = uint8(p >> 16)
		im.Pix[o+1] = uint8(p >> 8)
		im.Pix[o+2] = uint8(p)
		im.Pix[o+3] = uint8(p >> 24)
	}
	return im, nil
}
