package sim

import (
	"encoding/binary"
	"image"
	"image/color"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RAMFBConfigSize is the size of the etc/ramfb descriptor.
const RAMFBConfigSize = 28

// DRM fourcc codes QEMU's ramfb accepts.
const (
	FourCCXRGB8888 = 'X' | 'R'<<8 | '2'<<16 | '4'<<24
	FourCCARGB8888 = 'A' | 'R'<<8 | '2'<<16 | '4'<<24
)

// RAMFBConfig is the descriptor the guest wrote.
type RAMFBConfig struct {
	Addr   uint64
	FourCC uint32
	Flags  uint32
	Width  uint32
	Height uint32
	Stride uint32
}

// RAMFB is a display scanning out guest RAM, configured through fw_cfg.
type RAMFB struct {
	mu         sync.Mutex
	m          *Machine
	cfg        RAMFBConfig
	configured bool
}

// AttachRAMFB adds the etc/ramfb file to m's fw_cfg.
func AttachRAMFB(m *Machine) *RAMFB {
	r := &RAMFB{m: m}
	m.FWCfg().AddWritableFile("etc/ramfb", make([]byte, RAMFBConfigSize), r.configure)
	return r
}

func (r *RAMFB) configure(data []byte) error {
	c := RAMFBConfig{
		Addr:   binary.BigEndian.Uint64(data[0:]),
		FourCC: binary.BigEndian.Uint32(data[8:]),
		Flags:  binary.BigEndian.Uint32(data[12:]),
		Width:  binary.BigEndian.Uint32(data[16:]),
		Height: binary.BigEndian.Uint32(data[20:]),
		Stride: binary.BigEndian.Uint32(data[24:]),
	}
	switch {
	case c.FourCC != FourCCXRGB8888 && c.FourCC != FourCCARGB8888:
		return errors.Errorf("ramfb: unsupported fourcc %#x", c.FourCC)
	case c.Width == 0 || c.Height == 0 || c.Width > 16384 || c.Height > 16384:
		return errors.Errorf("ramfb: bad mode %dx%d", c.Width, c.Height)
	case c.Stride == 0:
		c.Stride = c.Width * 4
	}
	if c.Stride < c.Width*4 {
		return errors.Errorf("ramfb: stride %d below width %d", c.Stride, c.Width)
	}
	if _, ok := r.m.ramSlice(c.Addr, int(c.Stride*c.Height)); !ok {
		return errors.Errorf("ramfb: framebuffer %#x outside RAM", c.Addr)
	}

	r.mu.Lock()
	r.cfg = c
	r.configured = true
	r.mu.Unlock()

	simLog.WithFields(logrus.Fields{
		"addr":   c.Addr,
		"width":  c.Width,
		"height": c.Height,
		"stride": c.Stride,
	}).Info("ramfb configured")
	return nil
}

// Config returns the active descriptor.
func (r *RAMFB) Config() (RAMFBConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.configured
}

// Image scans out the framebuffer.
func (r *RAMFB) Image() (*image.RGBA, bool) {
	c, ok := r.Config()
	if !ok {
		return nil, false
	}
	pix := make([]byte, int(c.Stride*c.Height))
	if !r.m.ReadPhys(c.Addr, pix) {
		return nil, false
	}

	img := image.NewRGBA(image.Rect(0, 0, int(c.Width), int(c.Height)))
	for y := 0; y < int(c.Height); y++ {
		row := pix[y*int(c.Stride):]
		for x := 0; x < int(c.Width); x++ {
			// Scan-out ignores alpha.
			p := binary.LittleEndian.Uint32(row[x*4:])
			img.SetRGBA(x, y, color.RGBA{R: uint8(p >> 16), G: uint8(p >> 8), B: uint8(p), A: 0xff})
		}
	}
	return img, true
}
